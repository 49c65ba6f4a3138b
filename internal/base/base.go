// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package base contains the shared silent-acquisition engine used by the
// public (user) and confidential (service) client surfaces. It owns the
// token cache, the external persistence hooks around it, and the silent
// request state machine: cache lookup, refresh token redemption, broker
// fallback.
package base

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/entraauth/tokencore/broker"
	"github.com/entraauth/tokencore/cache"
	"github.com/entraauth/tokencore/errors"
	"github.com/entraauth/tokencore/internal/base/storage"
	"github.com/entraauth/tokencore/internal/oauth"
	"github.com/entraauth/tokencore/internal/oauth/ops/accesstokens"
	"github.com/entraauth/tokencore/internal/oauth/ops/authority"
	"github.com/entraauth/tokencore/internal/shared"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// AuthorityPublicCloud is the default authority when the caller configures
// none.
const AuthorityPublicCloud = "https://login.microsoftonline.com/common"

// manager provides an internal cache. It is defined by an interface so it
// can be faked in tests.
type manager interface {
	cacheSerializer
	Read(ctx context.Context, authParameters authority.AuthParams) (storage.TokenResponse, error)
	Write(authParameters authority.AuthParams, tokenResponse accesstokens.TokenResponse) (shared.Account, error)
	AllAccounts() []shared.Account
	Account(homeAccountID string) shared.Account
	RemoveAccount(account shared.Account, clientID string)
}

// partitionedManager provides a partitioned internal cache for confidential
// clients.
type partitionedManager interface {
	cacheSerializer
	Read(ctx context.Context, authParameters authority.AuthParams) (storage.TokenResponse, error)
	Write(authParameters authority.AuthParams, tokenResponse accesstokens.TokenResponse) (shared.Account, error)
}

// cacheSerializer is the subset of a cache manager the persistence hooks
// need.
type cacheSerializer interface {
	cache.Serializer
	Clear()
	HasChanged() bool
}

// AcquireTokenSilentParameters contains the parameters to acquire a token
// silently (from cache).
type AcquireTokenSilentParameters struct {
	Scopes  []string
	Account shared.Account

	// LoginHint selects the account by username when Account is not set.
	LoginHint string

	RequestType accesstokens.AppType
	Credential  *accesstokens.Credential

	// IsAppCache routes the request to the application token cache rather
	// than a user's.
	IsAppCache bool

	// UserAssertion is set for on-behalf-of requests.
	UserAssertion string

	// AuthorityOverride targets a different tenant than the client default.
	AuthorityOverride string
}

// AcquireTokenAuthCodeParameters contains the parameters required to acquire
// an access token using the auth code flow.
type AcquireTokenAuthCodeParameters struct {
	Scopes      []string
	Code        string
	Challenge   string
	RedirectURI string
	AppType     accesstokens.AppType
	Credential  *accesstokens.Credential
}

// TokenSource records where an AuthResult's token came from.
type TokenSource int

const (
	TokenSourceIdentityProvider TokenSource = iota
	TokenSourceCache
	TokenSourceBroker
)

// AuthResultMetadata carries metadata about how an AuthResult was produced.
type AuthResultMetadata struct {
	TokenSource TokenSource
}

// AuthResult contains the results of one token acquisition operation.
type AuthResult struct {
	Account        shared.Account
	IDToken        accesstokens.IDToken
	AccessToken    string
	ExpiresOn      time.Time
	GrantedScopes  []string
	DeclinedScopes []string

	Metadata AuthResultMetadata
}

// AuthResultFromStorage creates an AuthResult from a storage token response
// (which is generated from the cache).
func AuthResultFromStorage(storageTokenResponse storage.TokenResponse) (AuthResult, error) {
	if err := storageTokenResponse.AccessToken.Validate(); err != nil {
		return AuthResult{}, fmt.Errorf("problem with access token in StorageTokenResponse: %w", err)
	}

	account := storageTokenResponse.Account
	accessToken := storageTokenResponse.AccessToken.Secret
	grantedScopes := strings.Split(storageTokenResponse.AccessToken.Scopes, " ")

	// Checking if there was an ID token in the cache; this will throw an
	// error in the case of confidential client applications.
	var idToken accesstokens.IDToken
	if !storageTokenResponse.IDToken.IsZero() {
		var err error
		idToken, err = accesstokens.NewIDToken(storageTokenResponse.IDToken.Secret)
		if err != nil {
			return AuthResult{}, fmt.Errorf("problem decoding JWT token: %w", err)
		}
	}
	return AuthResult{
		Account:       account,
		IDToken:       idToken,
		AccessToken:   accessToken,
		ExpiresOn:     storageTokenResponse.AccessToken.ExpiresOn.T,
		GrantedScopes: grantedScopes,
		Metadata:      AuthResultMetadata{TokenSource: TokenSourceCache},
	}, nil
}

// NewAuthResult creates an AuthResult from a token endpoint response.
func NewAuthResult(tokenResponse accesstokens.TokenResponse, account shared.Account) (AuthResult, error) {
	if len(tokenResponse.DeclinedScopes) > 0 {
		return AuthResult{}, fmt.Errorf("token response failed because declined scopes are present: %s", strings.Join(tokenResponse.DeclinedScopes, ","))
	}
	return AuthResult{
		Account:       account,
		IDToken:       tokenResponse.IDToken,
		AccessToken:   tokenResponse.AccessToken,
		ExpiresOn:     tokenResponse.ExpiresOn,
		GrantedScopes: tokenResponse.GrantedScopes,
		Metadata:      AuthResultMetadata{TokenSource: TokenSourceIdentityProvider},
	}, nil
}

// Client is a base client that provides access to common methods and
// primitives that can be used by multiple clients.
type Client struct {
	Token    *oauth.Client
	manager  manager            // *storage.Manager
	pmanager partitionedManager // *storage.PartitionedManager

	AuthParams authority.AuthParams // DO NOT EVER MAKE THIS A POINTER! See "Note" in New().

	cacheAccessor   cache.ExportReplace
	cacheAccessorMu *sync.Mutex
	replaceAll      bool

	broker           broker.Broker
	extendedLifetime bool

	group *singleflight.Group
	log   zerolog.Logger

	managerOpts managerOptions
}

// Option alters the base client configuration.
type Option func(c *Client)

// WithCacheAccessor sets the external persistence hooks invoked around every
// cache operation.
func WithCacheAccessor(ca cache.ExportReplace) Option {
	return func(c *Client) {
		if ca != nil {
			c.cacheAccessor = ca
		}
	}
}

// WithReplaceAll makes every Replace load treat the external store as the
// single source of truth: local entries are cleared before the incoming blob
// is merged.
func WithReplaceAll(replaceAll bool) Option {
	return func(c *Client) {
		c.replaceAll = replaceAll
	}
}

// WithBroker sets an OS broker to fall back to when the local silent flow
// cannot produce a token.
func WithBroker(b broker.Broker) Option {
	return func(c *Client) {
		c.broker = b
	}
}

// WithExtendedLifetime allows serving an access token past its expiry, up to
// its extended expiry, when the authority is having an outage.
func WithExtendedLifetime(enabled bool) Option {
	return func(c *Client) {
		c.extendedLifetime = enabled
	}
}

// WithLogger sets the client logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// managerOptions collects options destined for the cache managers, which New
// builds only after every Option has run.
type managerOptions struct {
	storageOpts []storage.Option
}

// WithExpiryDelta overrides the early-refresh buffer used when judging
// whether a cached access token is still good.
func WithExpiryDelta(d time.Duration) Option {
	return func(c *Client) {
		// managers are rebuilt in New after options run; see newManagers.
		c.managerOpts.storageOpts = append(c.managerOpts.storageOpts, storage.WithExpiryDelta(d))
	}
}

// New is the constructor for Base.
func New(clientID string, authorityURI string, token *oauth.Client, options ...Option) (Client, error) {
	// Note: Hey, don't even THINK about making Client into *Client. The public
	// surfaces copy it by value; the mutable state it carries is shared through
	// the pointers and interfaces set here, and AuthParams stays a per-request
	// copy precisely because the receiver is a value.
	authInfo, err := authority.NewInfoFromAuthorityURI(authorityURI, true)
	if err != nil {
		return Client{}, err
	}
	authParams := authority.NewAuthParams(clientID, authInfo)
	client := Client{
		Token:           token,
		AuthParams:      authParams,
		cacheAccessorMu: &sync.Mutex{},
		group:           &singleflight.Group{},
		log:             zerolog.Nop(),
	}
	for _, o := range options {
		o(&client)
	}
	storageOpts := append(client.managerOpts.storageOpts, storage.WithLogger(client.log))
	client.manager = storage.New(token.Discovery, storageOpts...)
	client.pmanager = storage.NewPartitionedManager(token.Discovery, storageOpts...)
	return client, nil
}

// tokenCache is what the silent flow needs from either cache manager.
type tokenCache interface {
	cacheSerializer
	Read(ctx context.Context, authParameters authority.AuthParams) (storage.TokenResponse, error)
	Write(authParameters authority.AuthParams, tokenResponse accesstokens.TokenResponse) (shared.Account, error)
}

// withCacheAccess runs one logical cache operation inside a persistence
// transaction: the external store is loaded before the operation's first
// read, and exported at most once on the way out, on every exit path, when
// the operation changed the cache.
func (b Client) withCacheAccess(ctx context.Context, s cacheSerializer, partition string, op func() error) error {
	if b.cacheAccessor == nil {
		return op()
	}
	b.cacheAccessorMu.Lock()
	defer b.cacheAccessorMu.Unlock()

	if b.replaceAll {
		s.Clear()
	}
	hints := cache.ReplaceHints{PartitionKey: partition, ReplaceAll: b.replaceAll}
	if err := b.cacheAccessor.Replace(ctx, s, hints); err != nil {
		return err
	}

	opErr := op()
	if s.HasChanged() {
		if err := b.cacheAccessor.Export(ctx, s, cache.ExportHints{PartitionKey: partition}); err != nil {
			if opErr == nil {
				return err
			}
			b.log.Error().Err(err).Msg("exporting cache after failed operation")
		}
	}
	return opErr
}

// storageFor picks the cache serving the request: confidential requests that
// carry an assertion or target the app cache use the partitioned cache.
func (b Client) storageFor(silent AcquireTokenSilentParameters) (tokenCache, bool) {
	if silent.UserAssertion != "" || silent.IsAppCache {
		return b.pmanager, true
	}
	return b.manager, false
}

// silentKey identifies requests that may share one redemption. Requests with
// the same account, authority, scopes and assertion resolve to the same
// token, so only the first needs to hit the network.
func silentKey(authParams authority.AuthParams, silent AcquireTokenSilentParameters) string {
	parts := []string{
		authParams.HomeAccountID,
		authParams.AuthorityInfo.CanonicalAuthorityURI,
		storage.NormalizeScopes(silent.Scopes),
		fmt.Sprintf("%v", silent.IsAppCache),
	}
	if silent.UserAssertion != "" {
		parts = append(parts, authParams.AssertionHash())
	}
	return strings.ToLower(strings.Join(parts, shared.CacheKeySeparator))
}

// toLower makes all slice entries lowercase in-place. Returns the same slice
// that was put in. Scopes are matched and keyed lowercase everywhere, so they
// are normalized once, at the request entry points.
func toLower(s []string) []string {
	for i := 0; i < len(s); i++ {
		s[i] = strings.ToLower(s[i])
	}
	return s
}

// AcquireTokenSilent acquires a token from the cache or, failing that, by
// redeeming a cached refresh token. It never prompts. Identical concurrent
// requests are coalesced into a single redemption.
func (b Client) AcquireTokenSilent(ctx context.Context, silent AcquireTokenSilentParameters) (AuthResult, error) {
	authParams := b.AuthParams // This is a copy, as we don't have a pointer receiver and AuthParams is not a pointer.
	authParams.CorrelationID = newCorrelationID()
	authParams.Scopes = toLower(silent.Scopes)
	authParams.AuthorizeType = authority.ATRefreshToken
	switch {
	case silent.UserAssertion != "":
		authParams.AuthorizeType = authority.ATOnBehalfOf
		authParams.UserAssertion = silent.UserAssertion
	case silent.IsAppCache:
		authParams.AuthorizeType = authority.ATClientCredentials
	}
	if silent.AuthorityOverride != "" {
		info, err := authority.NewInfoFromAuthorityURI(silent.AuthorityOverride, authParams.AuthorityInfo.ValidateAuthority)
		if err != nil {
			return AuthResult{}, &errors.AuthError{
				Code:          errors.CodeClientConfiguration,
				CorrelationID: authParams.CorrelationID,
				Message:       fmt.Sprintf("invalid authority override: %v", err),
				Err:           err,
			}
		}
		authParams.AuthorityInfo = info
	}

	if silent.Account.IsZero() && silent.LoginHint != "" {
		account, err := b.accountForLoginHint(ctx, silent.LoginHint, authParams.CorrelationID)
		if err != nil {
			return b.brokerFallback(ctx, silent, authParams, err)
		}
		silent.Account = account
	}
	authParams.HomeAccountID = silent.Account.HomeAccountID

	v, err, _ := b.group.Do(silentKey(authParams, silent), func() (interface{}, error) {
		result, err := b.acquireTokenSilent(ctx, silent, authParams)
		if err != nil {
			return nil, err
		}
		return result, nil
	})
	if err != nil {
		return b.brokerFallback(ctx, silent, authParams, err)
	}
	return v.(AuthResult), nil
}

func (b Client) acquireTokenSilent(ctx context.Context, silent AcquireTokenSilentParameters, authParams authority.AuthParams) (AuthResult, error) {
	s, partitioned := b.storageFor(silent)
	partition := ""
	if partitioned {
		partition = partitionKeyFor(authParams)
	}

	var result AuthResult
	err := b.withCacheAccess(ctx, s, partition, func() error {
		st, err := s.Read(ctx, authParams)
		if err != nil {
			return err
		}
		if !st.AccessToken.IsZero() {
			result, err = AuthResultFromStorage(st)
			return err
		}

		if st.RefreshToken.IsZero() {
			return &errors.AuthError{
				Code:          errors.CodeNoTokensFound,
				CorrelationID: authParams.CorrelationID,
				Message:       "no token found for the given account and scopes",
			}
		}

		tr, err := b.Token.Refresh(ctx, silent.RequestType, authParams, silent.Credential, st.RefreshToken)
		if err != nil {
			if b.extendedLifetime && !st.StaleAccessToken.IsZero() && errors.CodeOf(err) == errors.CodeServiceTransient {
				b.log.Warn().
					Str("correlation_id", authParams.CorrelationID).
					Msg("authority unavailable, serving token within its extended lifetime")
				stale := st
				stale.AccessToken = st.StaleAccessToken
				result, err = AuthResultFromStorage(stale)
				return err
			}
			return err
		}

		account, err := s.Write(authParams, tr)
		if err != nil {
			return err
		}
		result, err = NewAuthResult(tr, account)
		return err
	})
	if err != nil {
		return AuthResult{}, err
	}
	return result, nil
}

// brokerEligible reports whether a failure is worth retrying through an OS
// broker: the broker may hold credentials for the account that this process
// does not.
func brokerEligible(err error) bool {
	switch errors.CodeOf(err) {
	case errors.CodeInvalidGrant, errors.CodeNoTokensFound, errors.CodeNoAccountForLoginHint:
		return true
	}
	return false
}

// brokerFallback delegates a failed silent request to the configured broker.
// The original error is surfaced when no broker can help.
func (b Client) brokerFallback(ctx context.Context, silent AcquireTokenSilentParameters, authParams authority.AuthParams, origErr error) (AuthResult, error) {
	if b.broker == nil || !b.broker.SilentCapable() || !brokerEligible(origErr) {
		return AuthResult{}, origErr
	}

	res, err := b.broker.AcquireTokenSilent(ctx, broker.SilentParameters{
		Authority:     authParams.AuthorityInfo.CanonicalAuthorityURI,
		ClientID:      authParams.ClientID,
		Scopes:        silent.Scopes,
		HomeAccountID: authParams.HomeAccountID,
		LoginHint:     silent.LoginHint,
		CorrelationID: authParams.CorrelationID,
	})
	if err != nil {
		b.log.Debug().
			Str("correlation_id", authParams.CorrelationID).
			Err(err).
			Msg("broker fallback failed")
		return AuthResult{}, origErr
	}

	tr, err := accesstokens.TokenResponseFromParts(
		res.AccessToken, res.ExpiresOn, res.GrantedScopes, res.TokenType,
		res.IDToken, res.ClientInfo, res.RefreshToken, res.FamilyID,
	)
	if err != nil {
		return AuthResult{}, err
	}

	s, partitioned := b.storageFor(silent)
	partition := ""
	if partitioned {
		partition = partitionKeyFor(authParams)
	}
	var account shared.Account
	werr := b.withCacheAccess(ctx, s, partition, func() error {
		var err error
		account, err = s.Write(authParams, tr)
		return err
	})
	if werr != nil {
		return AuthResult{}, werr
	}

	result, err := NewAuthResult(tr, account)
	if err != nil {
		return AuthResult{}, err
	}
	result.Metadata.TokenSource = TokenSourceBroker
	return result, nil
}

// AcquireTokenByAuthCode redeems an authorization code and caches the
// resulting tokens.
func (b Client) AcquireTokenByAuthCode(ctx context.Context, authCodeParams AcquireTokenAuthCodeParameters) (AuthResult, error) {
	authParams := b.AuthParams
	authParams.CorrelationID = newCorrelationID()
	authParams.Scopes = toLower(authCodeParams.Scopes)
	authParams.Redirecturi = authCodeParams.RedirectURI
	authParams.AuthorizeType = authority.ATAuthCode

	req, err := accesstokens.NewCodeChallengeRequest(authParams, authCodeParams.AppType, authCodeParams.Credential, authCodeParams.Code, authCodeParams.Challenge)
	if err != nil {
		return AuthResult{}, err
	}

	tr, err := b.Token.AuthCode(ctx, req)
	if err != nil {
		return AuthResult{}, err
	}

	var account shared.Account
	err = b.withCacheAccess(ctx, b.manager, "", func() error {
		var err error
		account, err = b.manager.Write(authParams, tr)
		return err
	})
	if err != nil {
		return AuthResult{}, err
	}
	return NewAuthResult(tr, account)
}

// AcquireTokenByCredential acquires an app token using the client's own
// credential and caches it in the application partition.
func (b Client) AcquireTokenByCredential(ctx context.Context, scopes []string, cred *accesstokens.Credential) (AuthResult, error) {
	authParams := b.AuthParams
	authParams.CorrelationID = newCorrelationID()
	authParams.Scopes = toLower(scopes)
	authParams.AuthorizeType = authority.ATClientCredentials

	tr, err := b.Token.Credential(ctx, authParams, cred)
	if err != nil {
		return AuthResult{}, err
	}

	err = b.withCacheAccess(ctx, b.pmanager, partitionKeyFor(authParams), func() error {
		_, err := b.pmanager.Write(authParams, tr)
		return err
	})
	if err != nil {
		return AuthResult{}, err
	}
	return NewAuthResult(tr, shared.Account{})
}

// AcquireTokenOnBehalfOf exchanges a user assertion for a downstream token
// and caches it under the assertion's partition. The cache is consulted
// first; repeated calls with the same assertion and scopes are served
// without a network exchange.
func (b Client) AcquireTokenOnBehalfOf(ctx context.Context, scopes []string, userAssertion string, cred *accesstokens.Credential) (AuthResult, error) {
	silent := AcquireTokenSilentParameters{
		Scopes:        scopes,
		RequestType:   accesstokens.ATConfidential,
		Credential:    cred,
		UserAssertion: userAssertion,
	}
	if result, err := b.AcquireTokenSilent(ctx, silent); err == nil {
		return result, nil
	}

	authParams := b.AuthParams
	authParams.CorrelationID = newCorrelationID()
	authParams.Scopes = toLower(scopes)
	authParams.AuthorizeType = authority.ATOnBehalfOf
	authParams.UserAssertion = userAssertion

	tr, err := b.Token.OnBehalfOf(ctx, authParams, cred)
	if err != nil {
		return AuthResult{}, err
	}

	var account shared.Account
	err = b.withCacheAccess(ctx, b.pmanager, partitionKeyFor(authParams), func() error {
		var err error
		account, err = b.pmanager.Write(authParams, tr)
		return err
	})
	if err != nil {
		return AuthResult{}, err
	}
	return NewAuthResult(tr, account)
}

// Accounts returns all accounts in the user token cache.
func (b Client) Accounts(ctx context.Context) ([]shared.Account, error) {
	var accounts []shared.Account
	err := b.withCacheAccess(ctx, b.manager, "", func() error {
		accounts = b.manager.AllAccounts()
		return nil
	})
	return accounts, err
}

// Account returns the account with the given home account ID, or the zero
// value when it is not cached.
func (b Client) Account(ctx context.Context, homeAccountID string) (shared.Account, error) {
	var account shared.Account
	err := b.withCacheAccess(ctx, b.manager, "", func() error {
		account = b.manager.Account(homeAccountID)
		return nil
	})
	return account, err
}

// RemoveAccount removes all cached credentials for the given account.
func (b Client) RemoveAccount(ctx context.Context, account shared.Account) error {
	return b.withCacheAccess(ctx, b.manager, "", func() error {
		b.manager.RemoveAccount(account, b.AuthParams.ClientID)
		return nil
	})
}

func (b Client) accountForLoginHint(ctx context.Context, loginHint, correlationID string) (shared.Account, error) {
	var account shared.Account
	err := b.withCacheAccess(ctx, b.manager, "", func() error {
		for _, acc := range b.manager.AllAccounts() {
			if strings.EqualFold(acc.PreferredUsername, loginHint) {
				account = acc
				return nil
			}
		}
		return &errors.AuthError{
			Code:          errors.CodeNoAccountForLoginHint,
			CorrelationID: correlationID,
			Message:       fmt.Sprintf("no cached account matches login hint %q", loginHint),
		}
	})
	return account, err
}

// partitionKeyFor mirrors the partitioned cache's partition choice so the
// persistence hints agree with where the entries land.
func partitionKeyFor(authParams authority.AuthParams) string {
	switch authParams.AuthorizeType {
	case authority.ATOnBehalfOf:
		return authParams.AssertionHash()
	case authority.ATClientCredentials:
		return authParams.AppKey()
	}
	return authParams.HomeAccountID
}

func newCorrelationID() string {
	return uuid.New().String()
}
