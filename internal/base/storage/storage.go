// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package storage holds all cached token information for the token cache.
// The cache is keyed by the composite identity of each credential and is
// serialized to the unified JSON contract shared across client libraries.
package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/entraauth/tokencore/errors"
	"github.com/entraauth/tokencore/internal/json"
	"github.com/entraauth/tokencore/internal/oauth/ops/accesstokens"
	"github.com/entraauth/tokencore/internal/oauth/ops/authority"
	"github.com/entraauth/tokencore/internal/shared"
	"github.com/rs/zerolog"
)

const scopeSeparator = " "

// DefaultExpiryDelta is the early-refresh buffer: an access token that
// expires within this window of now is treated as a cache miss so callers
// refresh before the token actually lapses.
const DefaultExpiryDelta = 5 * time.Minute

// aliasResolver resolves an authority to its instance metadata so cache
// lookups can match entries written under any alias of the same cloud.
type aliasResolver interface {
	Metadata(ctx context.Context, authorityInfo authority.Info, existingEnvs []string) (authority.InstanceDiscoveryMetadata, error)
}

// TokenResponse mimics a token response that was pulled from the cache.
type TokenResponse struct {
	RefreshToken accesstokens.RefreshToken
	IDToken      IDToken
	AccessToken  AccessToken
	Account      shared.Account

	// StaleAccessToken is set when the best match is past its refresh window
	// but still inside its extended lifetime. Callers may fall back to it if
	// redemption fails with a transient service error.
	StaleAccessToken AccessToken
}

// Manager is an in-memory cache of token credentials for public clients. All
// methods are safe for concurrent use.
type Manager struct {
	contract    *Contract
	contractMu  sync.RWMutex
	requests    aliasResolver
	expiryDelta time.Duration
	log         zerolog.Logger

	// changed tracks whether the cache was mutated since the last Marshal,
	// letting callers skip redundant exports.
	changed bool
}

// Option configures a Manager.
type Option func(m *Manager)

// WithExpiryDelta overrides the early-refresh buffer.
func WithExpiryDelta(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.expiryDelta = d
		}
	}
}

// WithLogger sets the cache logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

// New is the constructor for Manager. requests resolves authority aliases,
// normally via instance discovery.
func New(requests aliasResolver, opts ...Option) *Manager {
	m := &Manager{
		requests:    requests,
		contract:    NewContract(),
		expiryDelta: DefaultExpiryDelta,
		log:         zerolog.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func checkAlias(alias string, aliases []string) bool {
	for _, v := range aliases {
		if strings.EqualFold(alias, v) {
			return true
		}
	}
	return false
}

// realmMatches reports whether a cached entry's tenant satisfies the request.
// A request against common or organizations accepts any tenant, since the
// actual tenant is only known after the first token response.
func realmMatches(entryRealm, requestRealm string) bool {
	switch strings.ToLower(requestRealm) {
	case "common", "organizations":
		return true
	}
	return strings.EqualFold(entryRealm, requestRealm)
}

// Read reads the cache for the best matching set of credentials. A missing
// access or refresh token is returned as its zero value; an error is only
// returned when the lookup itself cannot be answered, such as an ambiguous
// scope match.
func (m *Manager) Read(ctx context.Context, authParameters authority.AuthParams) (TokenResponse, error) {
	tr := TokenResponse{}
	homeAccountID := authParameters.HomeAccountID
	realm := authParameters.AuthorityInfo.Tenant
	clientID := authParameters.ClientID
	scopes := authParameters.Scopes

	metadata, err := m.requests.Metadata(ctx, authParameters.AuthorityInfo, m.environments())
	if err != nil {
		return TokenResponse{}, err
	}
	aliases := metadata.Aliases

	accessToken, staleToken, err := m.readAccessToken(homeAccountID, aliases, realm, clientID, scopes)
	if err != nil {
		return TokenResponse{}, err
	}
	tr.AccessToken = accessToken
	tr.StaleAccessToken = staleToken

	if homeAccountID == "" {
		// no account identifier to match the rest of the credentials against
		return tr, nil
	}

	familyID, err := m.appMetaDataFamilyID(aliases, clientID)
	if err != nil {
		return TokenResponse{}, err
	}

	refreshToken, err := m.readRefreshToken(homeAccountID, aliases, familyID, clientID)
	if err == nil {
		tr.RefreshToken = refreshToken
	}

	account, err := m.readAccount(homeAccountID, aliases, realm)
	if err == nil {
		tr.Account = account
	}

	idToken, err := m.readIDToken(homeAccountID, aliases, realm, clientID)
	if err == nil {
		tr.IDToken = idToken
	}
	return tr, nil
}

// Write writes a token response to the cache and returns the account that
// represents the authenticated user.
func (m *Manager) Write(authParameters authority.AuthParams, tokenResponse accesstokens.TokenResponse) (shared.Account, error) {
	homeAccountID := tokenResponse.HomeAccountID()
	environment := authParameters.AuthorityInfo.Host
	realm := authParameters.AuthorityInfo.Tenant
	clientID := authParameters.ClientID

	cachedAt := time.Now()
	var account shared.Account

	if tokenResponse.HasDeclinedScopes() {
		return shared.Account{}, fmt.Errorf("token response declined scopes: %s", strings.Join(tokenResponse.DeclinedScopes, ","))
	}

	m.contractMu.Lock()
	defer m.contractMu.Unlock()

	if tokenResponse.RefreshToken != "" {
		refreshToken := accesstokens.NewRefreshToken(homeAccountID, environment, clientID, tokenResponse.RefreshToken, tokenResponse.FamilyID)
		m.writeRefreshToken(refreshToken)
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
		if err := accessToken.Validate(); err != nil {
			return shared.Account{}, err
		}
		m.writeAccessToken(accessToken)
	}

	idTokenJwt := tokenResponse.IDToken
	if !idTokenJwt.IsZero() {
		idToken := NewIDToken(homeAccountID, environment, realm, clientID, idTokenJwt.RawToken)
		m.writeIDToken(idToken)

		localAccountID := idTokenJwt.LocalAccountID()
		authorityType := authParameters.AuthorityInfo.AuthorityType

		account = shared.NewAccount(
			homeAccountID,
			environment,
			realm,
			localAccountID,
			authorityType,
			idTokenJwt.PreferredUsername,
		)
		m.writeAccount(account)
	}

	appMetaData := NewAppMetaData(tokenResponse.FamilyID, clientID, environment)
	m.writeAppMetaData(appMetaData)
	return account, nil
}

// readAccessToken selects the access token matching the request. Matching
// entries whose scope set equals the request win over supersets; within each
// tier the most recently cached entry wins and a tie between distinct entries
// is an error the caller must resolve by requesting narrower scopes.
func (m *Manager) readAccessToken(homeID string, envAliases []string, realm, clientID string, scopes []string) (AccessToken, AccessToken, error) {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()

	var exact, supersets []AccessToken
	for _, at := range m.contract.AccessTokens {
		if at.HomeAccountID != homeID || at.ClientID != clientID {
			continue
		}
		if !checkAlias(at.Environment, envAliases) || !realmMatches(at.Realm, realm) {
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

// newestAccessToken picks the most recently cached entry. Two distinct
// entries cached at the same instant cannot be ordered, so that is an error
// rather than a silent arbitrary pick.
func newestAccessToken(list []AccessToken) (AccessToken, error) {
	if len(list) == 0 {
		return AccessToken{}, nil
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CachedAt.T.After(list[j].CachedAt.T)
	})
	if len(list) > 1 && list[0].CachedAt.T.Equal(list[1].CachedAt.T) && list[0].Key() != list[1].Key() {
		return AccessToken{}, &errors.AuthError{
			Code:    errors.CodeMultipleMatchingTokens,
			Message: "multiple access tokens matched the request equally well, request a narrower scope set",
		}
	}
	return list[0], nil
}

// writeAccessToken stores the token, first evicting any entry for the same
// identity whose scope set intersects the new one. Without the eviction a
// scope change would leave the old entry live under its old key.
func (m *Manager) writeAccessToken(accessToken AccessToken) {
	newScopes := scopeSet(accessToken.Scopes)
	for key, old := range m.contract.AccessTokens {
		if old.HomeAccountID != accessToken.HomeAccountID ||
			!strings.EqualFold(old.Environment, accessToken.Environment) ||
			!strings.EqualFold(old.Realm, accessToken.Realm) ||
			old.ClientID != accessToken.ClientID {
			continue
		}
		for s := range scopeSet(old.Scopes) {
			if newScopes[s] {
				delete(m.contract.AccessTokens, key)
				break
			}
		}
	}
	m.contract.AccessTokens[accessToken.Key()] = accessToken
	m.changed = true
}

// appMetaDataFamilyID returns the family the client belongs to, or "" when
// the client is not known to be in a family.
func (m *Manager) appMetaDataFamilyID(envAliases []string, clientID string) (string, error) {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()

	for _, app := range m.contract.AppMetaData {
		if app.ClientID == clientID && checkAlias(app.Environment, envAliases) {
			return app.FamilyID, nil
		}
	}
	return "", nil
}

// readRefreshToken finds the refresh token to redeem. Family tokens are
// preferred when the client is known to be in that family; otherwise the
// client's own token is tried first with the family token as fallback.
func (m *Manager) readRefreshToken(homeID string, envAliases []string, familyID, clientID string) (accesstokens.RefreshToken, error) {
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
		for _, rt := range m.contract.RefreshTokens {
			if matcher(rt) {
				return rt, nil
			}
		}
	}
	return accesstokens.RefreshToken{}, fmt.Errorf("refresh token not found")
}

func matchFamilyRefreshToken(rt accesstokens.RefreshToken, homeID string, envAliases []string) bool {
	return rt.HomeAccountID == homeID && checkAlias(rt.Environment, envAliases) && rt.FamilyID != ""
}

func matchClientIDRefreshToken(rt accesstokens.RefreshToken, homeID string, envAliases []string, clientID string) bool {
	return rt.HomeAccountID == homeID && checkAlias(rt.Environment, envAliases) && rt.ClientID == clientID
}

// writeRefreshToken overwrites the token under its key. When the token just
// joined a family its key changes, so the stale client-keyed entry is
// removed rather than left beside the new one.
func (m *Manager) writeRefreshToken(refreshToken accesstokens.RefreshToken) {
	if refreshToken.FamilyID != "" {
		orphan := refreshToken
		orphan.FamilyID = ""
		delete(m.contract.RefreshTokens, orphan.Key())
	}
	m.contract.RefreshTokens[refreshToken.Key()] = refreshToken
	m.changed = true
}

func (m *Manager) readIDToken(homeID string, envAliases []string, realm, clientID string) (IDToken, error) {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()

	for _, idt := range m.contract.IDTokens {
		if idt.HomeAccountID == homeID && idt.ClientID == clientID && checkAlias(idt.Environment, envAliases) && realmMatches(idt.Realm, realm) {
			return idt, nil
		}
	}
	return IDToken{}, fmt.Errorf("token not found")
}

func (m *Manager) writeIDToken(idToken IDToken) {
	m.contract.IDTokens[idToken.Key()] = idToken
	m.changed = true
}

// AllAccounts returns all accounts in the cache.
func (m *Manager) AllAccounts() []shared.Account {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()

	accounts := make([]shared.Account, 0, len(m.contract.Accounts))
	for _, v := range m.contract.Accounts {
		accounts = append(accounts, v)
	}
	return accounts
}

// Account returns the account with the given home account ID, or the zero
// value when it is not cached.
func (m *Manager) Account(homeAccountID string) shared.Account {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()

	for _, v := range m.contract.Accounts {
		if v.HomeAccountID == homeAccountID {
			return v
		}
	}
	return shared.Account{}
}

func (m *Manager) readAccount(homeAccountID string, envAliases []string, realm string) (shared.Account, error) {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()

	// You might ask why, if cache.Accounts is a map, we would loop through
	// rather than simply lookup by key. We only have a partial key, the
	// stored keys include the environment the entry was written under while
	// we match any alias of the requested cloud.
	for _, acc := range m.contract.Accounts {
		if acc.HomeAccountID == homeAccountID && checkAlias(acc.Environment, envAliases) && realmMatches(acc.Realm, realm) {
			return acc, nil
		}
	}
	return shared.Account{}, fmt.Errorf("account not found")
}

func (m *Manager) writeAccount(account shared.Account) {
	m.contract.Accounts[account.Key()] = account
	m.changed = true
}

func (m *Manager) writeAppMetaData(appMetaData AppMetaData) {
	m.contract.AppMetaData[appMetaData.Key()] = appMetaData
	m.changed = true
}

// RemoveAccount removes all the associated ATs, RTs and IDTs from the cache
// associated with this account.
func (m *Manager) RemoveAccount(account shared.Account, clientID string) {
	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	m.removeRefreshTokens(account.HomeAccountID, account.Environment, clientID)
	m.removeAccessTokens(account.HomeAccountID, account.Environment)
	m.removeIDTokens(account.HomeAccountID, account.Environment)
	m.removeAccounts(account.HomeAccountID, account.Environment)
}

func (m *Manager) removeRefreshTokens(homeID, env, clientID string) {
	for key, rt := range m.contract.RefreshTokens {
		// Remove the client's own RT and any family RT, which other family
		// members may have written under a different client ID.
		if rt.HomeAccountID == homeID && rt.Environment == env && (rt.ClientID == clientID || rt.FamilyID != "") {
			delete(m.contract.RefreshTokens, key)
			m.changed = true
		}
	}
}

func (m *Manager) removeAccessTokens(homeID, env string) {
	for key, at := range m.contract.AccessTokens {
		if at.HomeAccountID == homeID && at.Environment == env {
			delete(m.contract.AccessTokens, key)
			m.changed = true
		}
	}
}

func (m *Manager) removeIDTokens(homeID, env string) {
	for key, idt := range m.contract.IDTokens {
		if idt.HomeAccountID == homeID && idt.Environment == env {
			delete(m.contract.IDTokens, key)
			m.changed = true
		}
	}
}

func (m *Manager) removeAccounts(homeID, env string) {
	for key, acc := range m.contract.Accounts {
		if acc.HomeAccountID == homeID && acc.Environment == env {
			delete(m.contract.Accounts, key)
			m.changed = true
		}
	}
}

// environments lists every environment currently present in the cache so
// instance discovery can be skipped when all of them are already known.
func (m *Manager) environments() []string {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()

	seen := map[string]bool{}
	var envs []string
	add := func(env string) {
		if env != "" && !seen[env] {
			seen[env] = true
			envs = append(envs, env)
		}
	}
	for _, at := range m.contract.AccessTokens {
		add(at.Environment)
	}
	for _, rt := range m.contract.RefreshTokens {
		add(rt.Environment)
	}
	for _, acc := range m.contract.Accounts {
		add(acc.Environment)
	}
	return envs
}

// Marshal the cache to a JSON blob in the unified contract format. Marshal
// resets the change marker.
func (m *Manager) Marshal() ([]byte, error) {
	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	b, err := json.Marshal(m.contract)
	if err != nil {
		return nil, err
	}
	m.changed = false
	return b, nil
}

// Unmarshal merges a JSON blob in the unified contract format into the
// in-memory cache. Entries with the same key are overwritten by the incoming
// blob, everything else is kept. Merging external state is not a local
// mutation and does not mark the cache changed.
//
// A blob in the legacy binary format is accepted too, so a store last written
// by an older library version loads without the caller converting it. Loading
// one does mark the cache changed: the next export rewrites the store in the
// unified format, which completes the migration.
func (m *Manager) Unmarshal(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if legacyBlob(b) {
		return m.UnmarshalLegacy(b)
	}
	incoming := NewContract()
	if err := json.Unmarshal(b, incoming); err != nil {
		return err
	}
	normalize(incoming)

	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	m.contract.merge(incoming)
	return nil
}

// Clear drops every cached entry. Used before Unmarshal when the external
// store is the source of truth rather than a peer to merge with.
func (m *Manager) Clear() {
	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	m.contract = NewContract()
	m.changed = true
}

// HasChanged reports whether the cache was mutated since the last Marshal.
func (m *Manager) HasChanged() bool {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()
	return m.changed
}

// normalize replaces nil maps left by decoding with empty ones so merge and
// write paths never nil-check.
func normalize(c *Contract) {
	if c.AccessTokens == nil {
		c.AccessTokens = map[string]AccessToken{}
	}
	if c.RefreshTokens == nil {
		c.RefreshTokens = map[string]accesstokens.RefreshToken{}
	}
	if c.IDTokens == nil {
		c.IDTokens = map[string]IDToken{}
	}
	if c.Accounts == nil {
		c.Accounts = map[string]shared.Account{}
	}
	if c.AppMetaData == nil {
		c.AppMetaData = map[string]AppMetaData{}
	}
}
