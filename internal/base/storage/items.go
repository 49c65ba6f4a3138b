// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package storage

import (
	"errors"
	"sort"
	"strings"
	"time"

	internalTime "github.com/entraauth/tokencore/internal/json/types/time"
	"github.com/entraauth/tokencore/internal/oauth/ops/accesstokens"
	"github.com/entraauth/tokencore/internal/shared"
)

// Contract is the JSON structure that is written to any storage medium when
// serializing the internal cache. This design is shared between client
// libraries in many languages and cannot change without coordinated design.
type Contract struct {
	AccessTokens  map[string]AccessToken               `json:"AccessToken,omitempty"`
	RefreshTokens map[string]accesstokens.RefreshToken `json:"RefreshToken,omitempty"`
	IDTokens      map[string]IDToken                   `json:"IdToken,omitempty"`
	Accounts      map[string]shared.Account            `json:"Account,omitempty"`
	AppMetaData   map[string]AppMetaData               `json:"AppMetadata,omitempty"`

	AdditionalFields map[string]interface{}
}

// NewContract is the constructor for Contract.
func NewContract() *Contract {
	return &Contract{
		AccessTokens:  map[string]AccessToken{},
		RefreshTokens: map[string]accesstokens.RefreshToken{},
		IDTokens:      map[string]IDToken{},
		Accounts:      map[string]shared.Account{},
		AppMetaData:   map[string]AppMetaData{},
	}
}

// copy returns a deep copy of the Contract map structure (values are
// immutable records, so they are shared).
func (c *Contract) copy() *Contract {
	n := &Contract{
		AccessTokens:     make(map[string]AccessToken, len(c.AccessTokens)),
		RefreshTokens:    make(map[string]accesstokens.RefreshToken, len(c.RefreshTokens)),
		IDTokens:         make(map[string]IDToken, len(c.IDTokens)),
		Accounts:         make(map[string]shared.Account, len(c.Accounts)),
		AppMetaData:      make(map[string]AppMetaData, len(c.AppMetaData)),
		AdditionalFields: make(map[string]interface{}, len(c.AdditionalFields)),
	}
	for k, v := range c.AccessTokens {
		n.AccessTokens[k] = v
	}
	for k, v := range c.RefreshTokens {
		n.RefreshTokens[k] = v
	}
	for k, v := range c.IDTokens {
		n.IDTokens[k] = v
	}
	for k, v := range c.Accounts {
		n.Accounts[k] = v
	}
	for k, v := range c.AppMetaData {
		n.AppMetaData[k] = v
	}
	for k, v := range c.AdditionalFields {
		n.AdditionalFields[k] = v
	}
	return n
}

// merge overlays incoming entries onto the contract: same-keyed entries are
// overwritten, local-only entries survive.
func (c *Contract) merge(in *Contract) {
	for k, v := range in.AccessTokens {
		c.AccessTokens[k] = v
	}
	for k, v := range in.RefreshTokens {
		c.RefreshTokens[k] = v
	}
	for k, v := range in.IDTokens {
		c.IDTokens[k] = v
	}
	for k, v := range in.Accounts {
		c.Accounts[k] = v
	}
	for k, v := range in.AppMetaData {
		c.AppMetaData[k] = v
	}
	for k, v := range in.AdditionalFields {
		if c.AdditionalFields == nil {
			c.AdditionalFields = map[string]interface{}{}
		}
		c.AdditionalFields[k] = v
	}
}

// NormalizeScopes produces the canonical scope string stored in cache keys:
// lowercased, deduplicated, sorted, space-joined. It is computed once at item
// creation and never mutated since it is part of the key.
func NormalizeScopes(scopes []string) string {
	seen := make(map[string]bool, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return strings.Join(out, scopeSeparator)
}

// scopeSet splits a normalized scope string into a set.
func scopeSet(target string) map[string]bool {
	set := map[string]bool{}
	for _, s := range strings.Split(target, scopeSeparator) {
		if s != "" {
			set[s] = true
		}
	}
	return set
}

// isScopeSuperset reports whether target's scope set contains every requested
// scope. Equality is a superset too; exact distinguishes it.
func isScopeSuperset(requested []string, target string) (superset, exact bool) {
	set := scopeSet(target)
	seen := map[string]bool{}
	for _, s := range requested {
		s = strings.ToLower(s)
		if !set[s] {
			return false, false
		}
		seen[s] = true
	}
	return true, len(seen) == len(set)
}

// AccessToken is the JSON representation of an access token for encoding to
// storage.
type AccessToken struct {
	HomeAccountID     string `json:"home_account_id,omitempty"`
	Environment       string `json:"environment,omitempty"`
	Realm             string `json:"realm,omitempty"`
	CredentialType    string `json:"credential_type,omitempty"`
	ClientID          string `json:"client_id,omitempty"`
	Secret            string `json:"secret,omitempty"`
	Scopes            string `json:"target,omitempty"`
	TokenType         string `json:"token_type,omitempty"`
	UserAssertionHash string `json:"user_assertion_hash,omitempty"`
	KeyID             string `json:"key_id,omitempty"`

	ExpiresOn         internalTime.Unix `json:"expires_on,omitempty"`
	ExtendedExpiresOn internalTime.Unix `json:"extended_expires_on,omitempty"`
	CachedAt          internalTime.Unix `json:"cached_at,omitempty"`

	AdditionalFields map[string]interface{}
}

// NewAccessToken is the constructor for AccessToken. scopes are normalized
// here and never again.
func NewAccessToken(homeID, env, realm, clientID string, cachedAt, expiresOn, extendedExpiresOn time.Time, scopes []string, token, tokenType string) AccessToken {
	return AccessToken{
		HomeAccountID:     homeID,
		Environment:       env,
		Realm:             realm,
		CredentialType:    "AccessToken",
		ClientID:          clientID,
		Secret:            token,
		Scopes:            NormalizeScopes(scopes),
		TokenType:         tokenType,
		CachedAt:          internalTime.Unix{T: cachedAt.UTC()},
		ExpiresOn:         internalTime.Unix{T: expiresOn.UTC()},
		ExtendedExpiresOn: internalTime.Unix{T: extendedExpiresOn.UTC()},
	}
}

// Key outputs the key that can be used to uniquely look up this entry in a map.
func (a AccessToken) Key() string {
	key := strings.Join(
		[]string{a.HomeAccountID, a.Environment, a.CredentialType, a.ClientID, a.Realm, a.Scopes},
		shared.CacheKeySeparator,
	)
	return strings.ToLower(key)
}

// IsZero reports whether this is the zero value.
func (a AccessToken) IsZero() bool {
	return a.Secret == "" && a.HomeAccountID == "" && a.ClientID == ""
}

// Validate checks the internal consistency of an access token read from the
// cache. It does not check expiry; see Expired.
func (a AccessToken) Validate() error {
	if a.CachedAt.T.After(time.Now()) {
		return errors.New("access token isn't valid, it was cached at a future time")
	}
	if a.CachedAt.T.IsZero() {
		return errors.New("access token does not have CachedAt set")
	}
	if a.ExpiresOn.T.IsZero() {
		return errors.New("access token does not have ExpiresOn set")
	}
	if a.Scopes == "" {
		return errors.New("access token does not have scopes set")
	}
	return nil
}

// Expired reports whether the token should be treated as a cache miss at the
// given instant. delta is the early-refresh buffer: a token that expires
// within it is already a miss.
func (a AccessToken) Expired(now time.Time, delta time.Duration) bool {
	return !now.Add(delta).Before(a.ExpiresOn.T)
}

// ExtendedExpired reports whether the token is past even its extended
// lifetime, making it unusable for failure recovery.
func (a AccessToken) ExtendedExpired(now time.Time) bool {
	return !now.Before(a.ExtendedExpiresOn.T)
}

// IDToken is the JSON representation of an ID token for encoding to storage.
type IDToken struct {
	HomeAccountID     string `json:"home_account_id,omitempty"`
	Environment       string `json:"environment,omitempty"`
	Realm             string `json:"realm,omitempty"`
	CredentialType    string `json:"credential_type,omitempty"`
	ClientID          string `json:"client_id,omitempty"`
	Secret            string `json:"secret,omitempty"`
	UserAssertionHash string `json:"user_assertion_hash,omitempty"`

	AdditionalFields map[string]interface{}
}

// NewIDToken is the constructor for IDToken.
func NewIDToken(homeID, env, realm, clientID, idToken string) IDToken {
	return IDToken{
		HomeAccountID:  homeID,
		Environment:    env,
		Realm:          realm,
		CredentialType: "IdToken",
		ClientID:       clientID,
		Secret:         idToken,
	}
}

// IsZero determines if IDToken is the zero value.
func (id IDToken) IsZero() bool {
	return id.Secret == "" && id.HomeAccountID == "" && id.ClientID == ""
}

// Key outputs the key that can be used to uniquely look up this entry in a map.
func (id IDToken) Key() string {
	key := strings.Join(
		[]string{id.HomeAccountID, id.Environment, id.CredentialType, id.ClientID, id.Realm},
		shared.CacheKeySeparator,
	)
	return strings.ToLower(key)
}

// AppMetaData is the JSON representation of application metadata for encoding
// to storage. It records which family, if any, a client belongs to, enabling
// the FOCI refresh token fallback.
type AppMetaData struct {
	FamilyID    string `json:"family_id,omitempty"`
	ClientID    string `json:"client_id,omitempty"`
	Environment string `json:"environment,omitempty"`

	AdditionalFields map[string]interface{}
}

// NewAppMetaData is the constructor for AppMetaData.
func NewAppMetaData(familyID, clientID, environment string) AppMetaData {
	return AppMetaData{
		FamilyID:    familyID,
		ClientID:    clientID,
		Environment: environment,
	}
}

// Key outputs the key that can be used to uniquely look up this entry in a map.
func (a AppMetaData) Key() string {
	key := strings.Join(
		[]string{"AppMetaData", a.Environment, a.ClientID},
		shared.CacheKeySeparator,
	)
	return strings.ToLower(key)
}
