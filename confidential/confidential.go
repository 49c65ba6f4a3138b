// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package confidential provides a client for applications that can keep a
secret, such as web services and daemons. Confidential clients authenticate
as themselves with a client secret or a certificate, and can also act on
behalf of a user via the on-behalf-of flow.

Tokens are cached per application and, for on-behalf-of, per user assertion,
so one client instance can safely serve many downstream users.
*/
package confidential

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/entraauth/tokencore/cache"
	"github.com/entraauth/tokencore/internal/base"
	"github.com/entraauth/tokencore/internal/oauth"
	"github.com/entraauth/tokencore/internal/oauth/ops"
	"github.com/entraauth/tokencore/internal/oauth/ops/accesstokens"
	"github.com/entraauth/tokencore/internal/shared"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/pkcs12"
)

// AuthResult contains the results of one token acquisition operation.
type AuthResult = base.AuthResult

// Account represents a signed-in user.
type Account = shared.Account

// Credential represents the credential used in confidential client flows.
type Credential struct {
	secret string
	cert   *x509.Certificate
	key    crypto.PrivateKey
}

// toInternal returns the accesstokens.Credential that is used internally. The
// current structure of the library requires that client.go, requests.go and
// confidential.go share a credential type without exposing the internal one.
func (c Credential) toInternal() *accesstokens.Credential {
	return &accesstokens.Credential{Secret: c.secret, Cert: c.cert, Key: c.key}
}

// NewCredFromSecret creates a Credential from a secret.
func NewCredFromSecret(secret string) (Credential, error) {
	if secret == "" {
		return Credential{}, errors.New("secret can't be empty string")
	}
	return Credential{secret: secret}, nil
}

// NewCredFromCert creates a Credential from an x509.Certificate and a private
// key, as returned by CertFromPKCS12.
func NewCredFromCert(cert *x509.Certificate, key crypto.PrivateKey) (Credential, error) {
	if cert == nil {
		return Credential{}, errors.New("cert can't be nil")
	}
	if key == nil {
		return Credential{}, errors.New("key can't be nil")
	}
	return Credential{cert: cert, key: key}, nil
}

// CertFromPKCS12 converts a PKCS #12 blob, such as the contents of a .pfx
// file, to the certificate and private key NewCredFromCert wants.
func CertFromPKCS12(pkcs12Data []byte, password string) (*x509.Certificate, crypto.PrivateKey, error) {
	key, cert, err := pkcs12.Decode(pkcs12Data, password)
	if err != nil {
		return nil, nil, fmt.Errorf("could not decode PKCS #12 data: %w", err)
	}
	return cert, key, nil
}

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
	DisableInstanceDiscovery bool

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

// Client is a representation of authentication client for confidential
// applications as defined in the package doc.
type Client struct {
	base base.Client
	cred *accesstokens.Credential
}

// New is the constructor for Client. clientID is the application's client
// ID, cred the credential it authenticates with.
func New(clientID string, cred Credential, options ...Option) (Client, error) {
	internalCred := cred.toInternal()
	if internalCred.Secret == "" && internalCred.Cert == nil {
		return Client{}, errors.New("credential is missing both a secret and a certificate")
	}

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
	if opts.ExpiryDelta > 0 {
		baseOpts = append(baseOpts, base.WithExpiryDelta(opts.ExpiryDelta))
	}
	b, err := base.New(clientID, opts.Authority, token, baseOpts...)
	if err != nil {
		return Client{}, err
	}
	return Client{base: b, cred: internalCred}, nil
}

// acquireTokenSilentOptions are all the optional settings to an
// AcquireTokenSilent() call.
type acquireTokenSilentOptions struct {
	account Account
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

// AcquireTokenSilent acquires a token from either the cache or using a
// cached refresh token. When no account is passed the application's own
// token cache is consulted.
func (cca Client) AcquireTokenSilent(ctx context.Context, scopes []string, options ...AcquireSilentOption) (AuthResult, error) {
	opts := acquireTokenSilentOptions{}
	for _, o := range options {
		o(&opts)
	}
	silentParameters := base.AcquireTokenSilentParameters{
		Scopes:      scopes,
		Account:     opts.account,
		RequestType: accesstokens.ATConfidential,
		Credential:  cca.cred,
		IsAppCache:  opts.account.IsZero(),
	}
	return cca.base.AcquireTokenSilent(ctx, silentParameters)
}

// AcquireTokenByCredential acquires a security token from the authority
// using the client's own credential. The token is cached: call
// AcquireTokenSilent first, and invoke this flow when it reports no cached
// token.
func (cca Client) AcquireTokenByCredential(ctx context.Context, scopes []string) (AuthResult, error) {
	return cca.base.AcquireTokenByCredential(ctx, scopes, cca.cred)
}

// AcquireTokenOnBehalfOf acquires a security token for an app using the
// middle tier's access token, as described in
// https://docs.microsoft.com/azure/active-directory/develop/v2-oauth2-on-behalf-of-flow
func (cca Client) AcquireTokenOnBehalfOf(ctx context.Context, userAssertion string, scopes []string) (AuthResult, error) {
	return cca.base.AcquireTokenOnBehalfOf(ctx, scopes, userAssertion, cca.cred)
}

// AcquireTokenByAuthCode is a request to acquire a security token from the
// authority, using an authorization code. The specified redirect URI must be
// the same URI that was used when the authorization code was requested.
func (cca Client) AcquireTokenByAuthCode(ctx context.Context, code, redirectURI string, scopes []string) (AuthResult, error) {
	params := base.AcquireTokenAuthCodeParameters{
		Scopes:      scopes,
		Code:        code,
		RedirectURI: redirectURI,
		AppType:     accesstokens.ATConfidential,
		Credential:  cca.cred,
	}
	return cca.base.AcquireTokenByAuthCode(ctx, params)
}

// Accounts gets all the accounts in the token cache. If there are no
// accounts in the cache the returned slice is empty.
func (cca Client) Accounts(ctx context.Context) ([]Account, error) {
	return cca.base.Accounts(ctx)
}

// RemoveAccount signs the account out and forgets account from token cache.
func (cca Client) RemoveAccount(ctx context.Context, account Account) error {
	return cca.base.RemoveAccount(ctx, account)
}
