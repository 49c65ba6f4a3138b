// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/entraauth/tokencore/internal/json"
	"github.com/entraauth/tokencore/internal/oauth/ops/accesstokens"
	"github.com/entraauth/tokencore/internal/oauth/ops/authority"
	"github.com/entraauth/tokencore/internal/shared"
)

// InMemoryContract is the JSON structure that is written to any storage
// medium when serializing a partitioned cache. Entries are grouped by a
// partition key so confidential clients serving many users or assertions
// never scan the whole cache.
type InMemoryContract struct {
	AccessTokensPartition  map[string]map[string]AccessToken               `json:"AccessToken,omitempty"`
	RefreshTokensPartition map[string]map[string]accesstokens.RefreshToken `json:"RefreshToken,omitempty"`
	IDTokensPartition      map[string]map[string]IDToken                   `json:"IdToken,omitempty"`
	AccountsPartition      map[string]map[string]shared.Account            `json:"Account,omitempty"`
	AppMetaData            map[string]AppMetaData                          `json:"AppMetadata,omitempty"`
}

// NewInMemoryContract is the constructor for InMemoryContract.
func NewInMemoryContract() *InMemoryContract {
	return &InMemoryContract{
		AccessTokensPartition:  map[string]map[string]AccessToken{},
		RefreshTokensPartition: map[string]map[string]accesstokens.RefreshToken{},
		IDTokensPartition:      map[string]map[string]IDToken{},
		AccountsPartition:      map[string]map[string]shared.Account{},
		AppMetaData:            map[string]AppMetaData{},
	}
}

// PartitionedManager is an in-memory cache of token credentials for
// confidential clients, partitioned by user, assertion or application.
// All methods are safe for concurrent use.
type PartitionedManager struct {
	contract    *InMemoryContract
	contractMu  sync.RWMutex
	requests    aliasResolver
	expiryDelta time.Duration
	changed     bool
}

// NewPartitionedManager is the constructor for PartitionedManager.
func NewPartitionedManager(requests aliasResolver, opts ...Option) *PartitionedManager {
	// Options are shared with Manager; apply them to a scratch Manager and
	// copy out what PartitionedManager also carries.
	scratch := New(requests, opts...)
	return &PartitionedManager{
		requests:    requests,
		contract:    NewInMemoryContract(),
		expiryDelta: scratch.expiryDelta,
	}
}

// partitionKey chooses the partition for a request: the assertion hash for
// on-behalf-of, the application key for client credentials, otherwise the
// user's home account ID.
func partitionKey(authParameters authority.AuthParams) string {
	switch authParameters.AuthorizeType {
	case authority.ATOnBehalfOf:
		return authParameters.AssertionHash()
	case authority.ATClientCredentials:
		return authParameters.AppKey()
	}
	return authParameters.HomeAccountID
}

// Read reads the partitioned cache for the best matching set of credentials.
func (m *PartitionedManager) Read(ctx context.Context, authParameters authority.AuthParams) (TokenResponse, error) {
	tr := TokenResponse{}
	realm := authParameters.AuthorityInfo.Tenant
	clientID := authParameters.ClientID
	scopes := authParameters.Scopes
	partition := partitionKey(authParameters)

	metadata, err := m.requests.Metadata(ctx, authParameters.AuthorityInfo, nil)
	if err != nil {
		return TokenResponse{}, err
	}
	aliases := metadata.Aliases

	accessToken, staleToken, err := m.readAccessToken(partition, aliases, realm, clientID, scopes, authParameters.AssertionHash())
	if err != nil {
		return TokenResponse{}, err
	}
	tr.AccessToken = accessToken
	tr.StaleAccessToken = staleToken

	if authParameters.AuthorizeType == authority.ATClientCredentials {
		// App tokens have no account, refresh token or ID token.
		return tr, nil
	}

	homeAccountID := authParameters.HomeAccountID
	if homeAccountID == "" {
		homeAccountID = accessToken.HomeAccountID
	}

	familyID, err := m.appMetaDataFamilyID(aliases, clientID)
	if err != nil {
		return TokenResponse{}, err
	}
	if rt, err := m.readRefreshToken(partition, homeAccountID, aliases, familyID, clientID); err == nil {
		tr.RefreshToken = rt
	}
	if idt, err := m.readIDToken(partition, homeAccountID, aliases, realm, clientID); err == nil {
		tr.IDToken = idt
	}
	if acc, err := m.readAccount(partition, homeAccountID, aliases, realm); err == nil {
		tr.Account = acc
	}
	return tr, nil
}

// Write writes a token response to the partitioned cache and returns the
// account that represents the authenticated user, if any.
func (m *PartitionedManager) Write(authParameters authority.AuthParams, tokenResponse accesstokens.TokenResponse) (shared.Account, error) {
	environment := authParameters.AuthorityInfo.Host
	realm := authParameters.AuthorityInfo.Tenant
	clientID := authParameters.ClientID
	homeAccountID := tokenResponse.HomeAccountID()
	partition := partitionKey(authParameters)

	cachedAt := time.Now()
	var account shared.Account

	if tokenResponse.HasDeclinedScopes() {
		return shared.Account{}, fmt.Errorf("token response declined scopes: %s", strings.Join(tokenResponse.DeclinedScopes, ","))
	}

	var assertionHash string
	if authParameters.AuthorizeType == authority.ATOnBehalfOf {
		assertionHash = authParameters.AssertionHash()
	}

	m.contractMu.Lock()
	defer m.contractMu.Unlock()

	if tokenResponse.RefreshToken != "" {
		refreshToken := accesstokens.NewRefreshToken(homeAccountID, environment, clientID, tokenResponse.RefreshToken, tokenResponse.FamilyID)
		refreshToken.UserAssertionHash = assertionHash
		m.writeRefreshToken(partition, refreshToken)
	}

	if tokenResponse.AccessToken != "" {
		accessToken := NewAccessToken(
			homeAccountID,
			environment,
			realm,
			clientID,
			cachedAt,
			tokenResponse.ExpiresOn,
			tokenResponse.ExtExpiresOn,
			tokenResponse.GrantedScopes,
			tokenResponse.AccessToken,
			tokenResponse.TokenType,
		)
		accessToken.UserAssertionHash = assertionHash
		if err := accessToken.Validate(); err != nil {
			return shared.Account{}, err
		}
		m.writeAccessToken(partition, accessToken)
	}

	idTokenJwt := tokenResponse.IDToken
	if !idTokenJwt.IsZero() {
		idToken := NewIDToken(homeAccountID, environment, realm, clientID, idTokenJwt.RawToken)
		idToken.UserAssertionHash = assertionHash
		m.writeIDToken(partition, idToken)

		account = shared.NewAccount(
			homeAccountID,
			environment,
			realm,
			idTokenJwt.LocalAccountID(),
			authParameters.AuthorityInfo.AuthorityType,
			idTokenJwt.PreferredUsername,
		)
		account.UserAssertionHash = assertionHash
		m.writeAccount(partition, account)
	}

	appMetaData := NewAppMetaData(tokenResponse.FamilyID, clientID, environment)
	m.contract.AppMetaData[appMetaData.Key()] = appMetaData
	m.changed = true
	return account, nil
}

func (m *PartitionedManager) readAccessToken(partition string, envAliases []string, realm, clientID string, scopes []string, assertionHash string) (AccessToken, AccessToken, error) {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()

	var exact, supersets []AccessToken
	for _, at := range m.contract.AccessTokensPartition[partition] {
		if at.ClientID != clientID || !checkAlias(at.Environment, envAliases) || !realmMatches(at.Realm, realm) {
			continue
		}
		if at.UserAssertionHash != assertionHash {
			continue
		}
		superset, isExact := isScopeSuperset(scopes, at.Scopes)
		if !superset {
			continue
		}
		if isExact {
			exact = append(exact, at)
		} else {
			supersets = append(supersets, at)
		}
	}

	candidates := exact
	if len(candidates) == 0 {
		candidates = supersets
	}
	best, err := newestAccessToken(candidates)
	if err != nil || best.IsZero() {
		return AccessToken{}, AccessToken{}, err
	}

	now := time.Now()
	if !best.Expired(now, m.expiryDelta) {
		return best, AccessToken{}, nil
	}
	if !best.ExtendedExpired(now) {
		return AccessToken{}, best, nil
	}
	return AccessToken{}, AccessToken{}, nil
}

func (m *PartitionedManager) writeAccessToken(partition string, accessToken AccessToken) {
	if m.contract.AccessTokensPartition[partition] == nil {
		m.contract.AccessTokensPartition[partition] = map[string]AccessToken{}
	}
	newScopes := scopeSet(accessToken.Scopes)
	for key, old := range m.contract.AccessTokensPartition[partition] {
		if old.HomeAccountID != accessToken.HomeAccountID ||
			!strings.EqualFold(old.Environment, accessToken.Environment) ||
			!strings.EqualFold(old.Realm, accessToken.Realm) ||
			old.ClientID != accessToken.ClientID ||
			old.UserAssertionHash != accessToken.UserAssertionHash {
			continue
		}
		for s := range scopeSet(old.Scopes) {
			if newScopes[s] {
				delete(m.contract.AccessTokensPartition[partition], key)
				break
			}
		}
	}
	m.contract.AccessTokensPartition[partition][accessToken.Key()] = accessToken
	m.changed = true
}

func (m *PartitionedManager) appMetaDataFamilyID(envAliases []string, clientID string) (string, error) {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()
	for _, app := range m.contract.AppMetaData {
		if app.ClientID == clientID && checkAlias(app.Environment, envAliases) {
			return app.FamilyID, nil
		}
	}
	return "", nil
}

func (m *PartitionedManager) readRefreshToken(partition, homeID string, envAliases []string, familyID, clientID string) (accesstokens.RefreshToken, error) {
	byFamily := func(rt accesstokens.RefreshToken) bool {
		return matchFamilyRefreshToken(rt, homeID, envAliases)
	}
	byClient := func(rt accesstokens.RefreshToken) bool {
		return matchClientIDRefreshToken(rt, homeID, envAliases, clientID)
	}

	var matchers []func(rt accesstokens.RefreshToken) bool
	if familyID == "" {
		matchers = []func(rt accesstokens.RefreshToken) bool{byClient, byFamily}
	} else {
		matchers = []func(rt accesstokens.RefreshToken) bool{byFamily, byClient}
	}

	m.contractMu.RLock()
	defer m.contractMu.RUnlock()
	for _, matcher := range matchers {
		for _, rt := range m.contract.RefreshTokensPartition[partition] {
			if matcher(rt) {
				return rt, nil
			}
		}
	}
	return accesstokens.RefreshToken{}, fmt.Errorf("refresh token not found")
}

func (m *PartitionedManager) writeRefreshToken(partition string, refreshToken accesstokens.RefreshToken) {
	if m.contract.RefreshTokensPartition[partition] == nil {
		m.contract.RefreshTokensPartition[partition] = map[string]accesstokens.RefreshToken{}
	}
	if refreshToken.FamilyID != "" {
		orphan := refreshToken
		orphan.FamilyID = ""
		delete(m.contract.RefreshTokensPartition[partition], orphan.Key())
	}
	m.contract.RefreshTokensPartition[partition][refreshToken.Key()] = refreshToken
	m.changed = true
}

func (m *PartitionedManager) readIDToken(partition, homeID string, envAliases []string, realm, clientID string) (IDToken, error) {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()
	for _, idt := range m.contract.IDTokensPartition[partition] {
		if idt.HomeAccountID == homeID && idt.ClientID == clientID && checkAlias(idt.Environment, envAliases) && realmMatches(idt.Realm, realm) {
			return idt, nil
		}
	}
	return IDToken{}, fmt.Errorf("token not found")
}

func (m *PartitionedManager) writeIDToken(partition string, idToken IDToken) {
	if m.contract.IDTokensPartition[partition] == nil {
		m.contract.IDTokensPartition[partition] = map[string]IDToken{}
	}
	m.contract.IDTokensPartition[partition][idToken.Key()] = idToken
	m.changed = true
}

func (m *PartitionedManager) readAccount(partition, homeAccountID string, envAliases []string, realm string) (shared.Account, error) {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()
	for _, acc := range m.contract.AccountsPartition[partition] {
		if acc.HomeAccountID == homeAccountID && checkAlias(acc.Environment, envAliases) && realmMatches(acc.Realm, realm) {
			return acc, nil
		}
	}
	return shared.Account{}, fmt.Errorf("account not found")
}

func (m *PartitionedManager) writeAccount(partition string, account shared.Account) {
	if m.contract.AccountsPartition[partition] == nil {
		m.contract.AccountsPartition[partition] = map[string]shared.Account{}
	}
	m.contract.AccountsPartition[partition][account.Key()] = account
	m.changed = true
}

// Marshal the cache to a JSON blob. Marshal resets the change marker.
func (m *PartitionedManager) Marshal() ([]byte, error) {
	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	b, err := json.Marshal(m.contract)
	if err != nil {
		return nil, err
	}
	m.changed = false
	return b, nil
}

// Unmarshal merges a JSON blob into the in-memory cache; same-keyed entries
// in the same partition are overwritten by the incoming blob.
func (m *PartitionedManager) Unmarshal(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	incoming := NewInMemoryContract()
	if err := json.Unmarshal(b, incoming); err != nil {
		return err
	}

	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	for partition, entries := range incoming.AccessTokensPartition {
		if m.contract.AccessTokensPartition[partition] == nil {
			m.contract.AccessTokensPartition[partition] = map[string]AccessToken{}
		}
		for k, v := range entries {
			m.contract.AccessTokensPartition[partition][k] = v
		}
	}
	for partition, entries := range incoming.RefreshTokensPartition {
		if m.contract.RefreshTokensPartition[partition] == nil {
			m.contract.RefreshTokensPartition[partition] = map[string]accesstokens.RefreshToken{}
		}
		for k, v := range entries {
			m.contract.RefreshTokensPartition[partition][k] = v
		}
	}
	for partition, entries := range incoming.IDTokensPartition {
		if m.contract.IDTokensPartition[partition] == nil {
			m.contract.IDTokensPartition[partition] = map[string]IDToken{}
		}
		for k, v := range entries {
			m.contract.IDTokensPartition[partition][k] = v
		}
	}
	for partition, entries := range incoming.AccountsPartition {
		if m.contract.AccountsPartition[partition] == nil {
			m.contract.AccountsPartition[partition] = map[string]shared.Account{}
		}
		for k, v := range entries {
			m.contract.AccountsPartition[partition][k] = v
		}
	}
	for k, v := range incoming.AppMetaData {
		m.contract.AppMetaData[k] = v
	}
	return nil
}

// Clear drops every cached entry.
func (m *PartitionedManager) Clear() {
	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	m.contract = NewInMemoryContract()
	m.changed = true
}

// HasChanged reports whether the cache was mutated since the last Marshal.
func (m *PartitionedManager) HasChanged() bool {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()
	return m.changed
}
