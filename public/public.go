// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package public provides a client for applications that run on devices the
user controls, such as desktop and mobile apps. Public clients cannot keep a
secret, so every token they hold traces back to a user authentication.

The client caches tokens in memory by default; supply a cache.ExportReplace
to persist them. Silent acquisition never prompts: it answers from cache,
redeems a cached refresh token, or fails with a typed error telling the
caller interaction is required.
*/
package public

import (
	"context"
	"time"

	"github.com/entraauth/tokencore/broker"
	"github.com/entraauth/tokencore/cache"
	"github.com/entraauth/tokencore/internal/base"
	"github.com/entraauth/tokencore/internal/oauth"
	"github.com/entraauth/tokencore/internal/oauth/ops"
	"github.com/entraauth/tokencore/internal/oauth/ops/accesstokens"
	"github.com/entraauth/tokencore/internal/shared"
	"github.com/rs/zerolog"
)

// AuthResult contains the results of one token acquisition operation.
type AuthResult = base.AuthResult

// Account represents a signed-in user.
type Account = shared.Account

// Options configures the Client's behavior.
type Options struct {
	// Authority is the URL of the authority, such as
	// https://login.microsoftonline.com/<your tenant>.
	Authority string

	// Accessor persists the token cache outside the process.
	Accessor cache.ExportReplace

	// ReplaceAllOnLoad treats the external store as the single source of
	// truth on every load instead of merging it with local entries.
	ReplaceAllOnLoad bool

	// HTTPClient sends all network requests.
	HTTPClient ops.HTTPClient

	// DisableInstanceDiscovery skips the instance discovery network call.
	// Set it for private clouds the public discovery service cannot answer
	// for.
	DisableInstanceDiscovery bool

	// Broker serves silent requests the local cache cannot.
	Broker broker.Broker

	// EnableExtendedLifetime permits serving a token past its expiry, up to
	// its extended expiry, while the authority is having an outage.
	EnableExtendedLifetime bool

	// ExpiryDelta is the early-refresh buffer. Zero means the default of
	// five minutes.
	ExpiryDelta time.Duration

	Logger zerolog.Logger
}

// Option is an optional argument to New.
type Option func(o *Options)

// WithAuthority allows for a custom authority to be set. This must be a
// valid https url.
func WithAuthority(authority string) Option {
	return func(o *Options) {
		o.Authority = authority
	}
}

// WithCache provides an accessor that persists the token cache.
func WithCache(accessor cache.ExportReplace) Option {
	return func(o *Options) {
		o.Accessor = accessor
	}
}

// WithReplaceAllCache makes every cache load replace local state instead of
// merging with it.
func WithReplaceAllCache() Option {
	return func(o *Options) {
		o.ReplaceAllOnLoad = true
	}
}

// WithHTTPClient allows for a custom HTTP client to be set.
func WithHTTPClient(httpClient ops.HTTPClient) Option {
	return func(o *Options) {
		o.HTTPClient = httpClient
	}
}

// WithInstanceDiscovery set to false to disable authority validation (to
// support private cloud scenarios).
func WithInstanceDiscovery(enabled bool) Option {
	return func(o *Options) {
		o.DisableInstanceDiscovery = !enabled
	}
}

// WithBroker configures an OS broker fallback for silent requests.
func WithBroker(b broker.Broker) Option {
	return func(o *Options) {
		o.Broker = b
	}
}

// WithExtendedLifetime enables serving stale tokens during authority
// outages.
func WithExtendedLifetime() Option {
	return func(o *Options) {
		o.EnableExtendedLifetime = true
	}
}

// WithExpiryDelta overrides the early-refresh buffer.
func WithExpiryDelta(d time.Duration) Option {
	return func(o *Options) {
		o.ExpiryDelta = d
	}
}

// WithLogger sets the client logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(o *Options) {
		o.Logger = log
	}
}

// Client is a representation of authentication client for public
// applications. For more information, visit
// https://docs.microsoft.com/azure/active-directory/develop/msal-client-applications
type Client struct {
	base base.Client
}

// New is the constructor for Client.
func New(clientID string, options ...Option) (Client, error) {
	opts := Options{
		Authority:  base.AuthorityPublicCloud,
		HTTPClient: shared.DefaultClient,
		Logger:     zerolog.Nop(),
	}
	for _, o := range options {
		o(&opts)
	}

	token := oauth.New(opts.HTTPClient, !opts.DisableInstanceDiscovery, opts.Logger)
	baseOpts := []base.Option{
		base.WithCacheAccessor(opts.Accessor),
		base.WithReplaceAll(opts.ReplaceAllOnLoad),
		base.WithExtendedLifetime(opts.EnableExtendedLifetime),
		base.WithLogger(opts.Logger),
	}
	if opts.Broker != nil {
		baseOpts = append(baseOpts, base.WithBroker(opts.Broker))
	}
	if opts.ExpiryDelta > 0 {
		baseOpts = append(baseOpts, base.WithExpiryDelta(opts.ExpiryDelta))
	}
	b, err := base.New(clientID, opts.Authority, token, baseOpts...)
	if err != nil {
		return Client{}, err
	}
	return Client{base: b}, nil
}

// acquireTokenSilentOptions are all the optional settings to an
// AcquireTokenSilent() call.
type acquireTokenSilentOptions struct {
	account   Account
	loginHint string
	authority string
}

// AcquireSilentOption is an optional argument to AcquireTokenSilent.
type AcquireSilentOption func(o *acquireTokenSilentOptions)

// WithSilentAccount uses the passed account during an AcquireTokenSilent()
// call.
func WithSilentAccount(account Account) AcquireSilentOption {
	return func(o *acquireTokenSilentOptions) {
		o.account = account
	}
}

// WithLoginHint selects the account by username when no Account is at hand.
func WithLoginHint(username string) AcquireSilentOption {
	return func(o *acquireTokenSilentOptions) {
		o.loginHint = username
	}
}

// WithTenantAuthority targets a different authority than the client default
// for one call.
func WithTenantAuthority(authority string) AcquireSilentOption {
	return func(o *acquireTokenSilentOptions) {
		o.authority = authority
	}
}

// AcquireTokenSilent acquires a token from either the cache or using a
// cached refresh token. It never prompts the user.
func (pca Client) AcquireTokenSilent(ctx context.Context, scopes []string, options ...AcquireSilentOption) (AuthResult, error) {
	opts := acquireTokenSilentOptions{}
	for _, o := range options {
		o(&opts)
	}
	silentParameters := base.AcquireTokenSilentParameters{
		Scopes:            scopes,
		Account:           opts.account,
		LoginHint:         opts.loginHint,
		AuthorityOverride: opts.authority,
		RequestType:       accesstokens.ATPublic,
	}
	return pca.base.AcquireTokenSilent(ctx, silentParameters)
}

// AcquireTokenByAuthCode is a request to acquire a security token from the
// authority, using an authorization code. The specified redirect URI must be
// the same URI that was used when the authorization code was requested.
func (pca Client) AcquireTokenByAuthCode(ctx context.Context, code, redirectURI string, scopes []string) (AuthResult, error) {
	params := base.AcquireTokenAuthCodeParameters{
		Scopes:      scopes,
		Code:        code,
		RedirectURI: redirectURI,
		AppType:     accesstokens.ATPublic,
	}
	return pca.base.AcquireTokenByAuthCode(ctx, params)
}

// Accounts gets all the accounts in the token cache. If there are no
// accounts in the cache the returned slice is empty.
func (pca Client) Accounts(ctx context.Context) ([]Account, error) {
	return pca.base.Accounts(ctx)
}

// Account gets the account in the token cache with the specified home
// account ID.
func (pca Client) Account(ctx context.Context, homeAccountID string) (Account, error) {
	return pca.base.Account(ctx, homeAccountID)
}

// RemoveAccount signs the account out and forgets account from token cache.
func (pca Client) RemoveAccount(ctx context.Context, account Account) error {
	return pca.base.RemoveAccount(ctx, account)
}
