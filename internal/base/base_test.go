// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package base

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/entraauth/tokencore/broker"
	"github.com/entraauth/tokencore/cache"
	"github.com/entraauth/tokencore/errors"
	"github.com/entraauth/tokencore/internal/mock"
	"github.com/entraauth/tokencore/internal/oauth"
	"github.com/entraauth/tokencore/internal/oauth/ops/accesstokens"
	"github.com/entraauth/tokencore/internal/shared"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const (
	testAuthority = "https://login.microsoftonline.com/my-tenant"
	testClientID  = "client-id"
	testHomeID    = "uid.utid"
)

func testClient(t *testing.T, httpClient *mock.Client, opts ...Option) Client {
	t.Helper()
	token := oauth.New(httpClient, true, zerolog.Nop())
	client, err := New(testClientID, testAuthority, token, opts...)
	require.NoError(t, err)
	return client
}

// seedCache stores an access and refresh token for the test account. The
// access token expires at expiresOn.
func seedCache(t *testing.T, client Client, scopes []string, expiresOn, extExpiresOn time.Time) {
	t.Helper()
	params := client.AuthParams
	params.Scopes = scopes
	params.HomeAccountID = testHomeID

	_, err := client.manager.Write(params, accesstokens.TokenResponse{
		AccessToken:   "cached-token",
		RefreshToken:  "cached-refresh-token",
		GrantedScopes: scopes,
		ExpiresOn:     expiresOn,
		ExtExpiresOn:  extExpiresOn,
		TokenType:     "Bearer",
		ClientInfo:    accesstokens.ClientInfo{UID: "uid", UTID: "utid"},
	})
	require.NoError(t, err)
}

func silentParams(scopes ...string) AcquireTokenSilentParameters {
	return AcquireTokenSilentParameters{
		Scopes:      scopes,
		Account:     shared.Account{HomeAccountID: testHomeID},
		RequestType: accesstokens.ATPublic,
	}
}

func TestAcquireTokenSilentFromCache(t *testing.T) {
	// No canned responses: any network call panics the test.
	client := testClient(t, mock.NewClient())
	seedCache(t, client, []string{"user.read"}, time.Now().Add(time.Hour), time.Now().Add(2*time.Hour))

	result, err := client.AcquireTokenSilent(context.Background(), silentParams("user.read"))
	require.NoError(t, err)
	require.Equal(t, "cached-token", result.AccessToken)
	require.Equal(t, TokenSourceCache, result.Metadata.TokenSource)
}

func TestAcquireTokenSilentRedeemsRefreshToken(t *testing.T) {
	httpClient := mock.NewClient()
	httpClient.AppendResponse(mock.WithBody(mock.TenantDiscoveryBody("login.microsoftonline.com", "my-tenant")))
	httpClient.AppendResponse(mock.WithBody(mock.TokenBody("fresh-token", "", "fresh-refresh-token", mock.ClientInfo("uid", "utid"), 3600)))

	client := testClient(t, httpClient)
	seedCache(t, client, []string{"user.read"}, time.Now().Add(-time.Minute), time.Now().Add(-time.Minute))

	result, err := client.AcquireTokenSilent(context.Background(), silentParams("user.read"))
	require.NoError(t, err)
	require.Equal(t, "fresh-token", result.AccessToken)
	require.Equal(t, TokenSourceIdentityProvider, result.Metadata.TokenSource)

	// The redeemed token is cached; the next call must not touch the
	// network (the mock has no responses left and would panic).
	result, err = client.AcquireTokenSilent(context.Background(), silentParams("user.read"))
	require.NoError(t, err)
	require.Equal(t, "fresh-token", result.AccessToken)
	require.Equal(t, TokenSourceCache, result.Metadata.TokenSource)
}

func TestAcquireTokenSilentNormalizesScopeCase(t *testing.T) {
	httpClient := mock.NewClient()
	httpClient.AppendResponse(mock.WithBody(mock.TenantDiscoveryBody("login.microsoftonline.com", "my-tenant")))
	// The service echoes granted scopes lowercased no matter how the caller
	// spelled them.
	body := fmt.Sprintf(
		`{"access_token": "fresh-token","expires_in": 3600,"token_type": "Bearer","scope": "user.read","refresh_token": "rt","client_info": "%s"}`,
		mock.ClientInfo("uid", "utid"),
	)
	httpClient.AppendResponse(mock.WithBody([]byte(body)))

	client := testClient(t, httpClient)
	seedCache(t, client, []string{"user.read"}, time.Now().Add(-time.Minute), time.Now().Add(-time.Minute))

	// A mixed-case request finds the lowercased cache entry, redeems, and
	// must not report its own scopes as declined.
	result, err := client.AcquireTokenSilent(context.Background(), silentParams("User.Read"))
	require.NoError(t, err)
	require.Equal(t, "fresh-token", result.AccessToken)
	require.Equal(t, []string{"user.read"}, result.GrantedScopes)

	result, err = client.AcquireTokenSilent(context.Background(), silentParams("USER.READ"))
	require.NoError(t, err)
	require.Equal(t, "fresh-token", result.AccessToken)
	require.Equal(t, TokenSourceCache, result.Metadata.TokenSource)
}

func TestAcquireTokenSilentCoalescesRedemptions(t *testing.T) {
	var redemptions int32
	httpClient := mock.NewClient()
	httpClient.AppendResponse(mock.WithBody(mock.TenantDiscoveryBody("login.microsoftonline.com", "my-tenant")))
	httpClient.AppendResponse(
		mock.WithBody(mock.TokenBody("shared-token", "", "rt", mock.ClientInfo("uid", "utid"), 3600)),
		mock.WithCallback(func(*http.Request) { atomic.AddInt32(&redemptions, 1) }),
	)

	client := testClient(t, httpClient)
	seedCache(t, client, []string{"user.read"}, time.Now().Add(-time.Minute), time.Now().Add(-time.Minute))

	g := errgroup.Group{}
	var mu sync.Mutex
	tokens := map[string]int{}
	for i := 0; i < 100; i++ {
		g.Go(func() error {
			result, err := client.AcquireTokenSilent(context.Background(), silentParams("user.read"))
			if err != nil {
				return err
			}
			mu.Lock()
			tokens[result.AccessToken]++
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.EqualValues(t, 1, atomic.LoadInt32(&redemptions), "every request should share one redemption")
	require.Equal(t, 100, tokens["shared-token"], "every caller should receive the shared token")
}

func TestAcquireTokenSilentNoTokensFound(t *testing.T) {
	client := testClient(t, mock.NewClient())

	_, err := client.AcquireTokenSilent(context.Background(), silentParams("user.read"))
	require.Error(t, err)
	require.Equal(t, errors.CodeNoTokensFound, errors.CodeOf(err))
}

func TestAcquireTokenSilentNoAccountForLoginHint(t *testing.T) {
	client := testClient(t, mock.NewClient())

	params := AcquireTokenSilentParameters{
		Scopes:      []string{"user.read"},
		LoginHint:   "nobody@contoso.com",
		RequestType: accesstokens.ATPublic,
	}
	_, err := client.AcquireTokenSilent(context.Background(), params)
	require.Error(t, err)
	require.Equal(t, errors.CodeNoAccountForLoginHint, errors.CodeOf(err))
}

func TestAcquireTokenSilentExtendedLifetime(t *testing.T) {
	httpClient := mock.NewClient()
	httpClient.AppendResponse(mock.WithBody(mock.TenantDiscoveryBody("login.microsoftonline.com", "my-tenant")))
	httpClient.AppendResponse(
		mock.WithHTTPStatusCode(http.StatusServiceUnavailable),
		mock.WithBody([]byte("service is down")),
	)

	client := testClient(t, httpClient, WithExtendedLifetime(true))
	// Expired for normal use, alive for another half hour of outage.
	seedCache(t, client, []string{"user.read"}, time.Now().Add(-time.Minute), time.Now().Add(30*time.Minute))

	result, err := client.AcquireTokenSilent(context.Background(), silentParams("user.read"))
	require.NoError(t, err)
	require.Equal(t, "cached-token", result.AccessToken)
	require.Equal(t, TokenSourceCache, result.Metadata.TokenSource)
}

func TestAcquireTokenSilentSurfacesTransientErrors(t *testing.T) {
	httpClient := mock.NewClient()
	httpClient.AppendResponse(mock.WithBody(mock.TenantDiscoveryBody("login.microsoftonline.com", "my-tenant")))
	httpClient.AppendResponse(
		mock.WithHTTPStatusCode(http.StatusServiceUnavailable),
		mock.WithBody([]byte("service is down")),
	)

	// Without extended lifetime the outage is the caller's problem.
	client := testClient(t, httpClient)
	seedCache(t, client, []string{"user.read"}, time.Now().Add(-time.Minute), time.Now().Add(30*time.Minute))

	_, err := client.AcquireTokenSilent(context.Background(), silentParams("user.read"))
	require.Error(t, err)
	require.Equal(t, errors.CodeServiceTransient, errors.CodeOf(err))
}

type fakeBroker struct {
	capable bool
	result  broker.TokenResult
	err     error
	calls   int32
}

func (b *fakeBroker) SilentCapable() bool { return b.capable }

func (b *fakeBroker) AcquireTokenSilent(ctx context.Context, params broker.SilentParameters) (broker.TokenResult, error) {
	atomic.AddInt32(&b.calls, 1)
	return b.result, b.err
}

func TestBrokerFallback(t *testing.T) {
	fb := &fakeBroker{
		capable: true,
		result: broker.TokenResult{
			AccessToken:   "broker-token",
			ExpiresOn:     time.Now().Add(time.Hour),
			GrantedScopes: []string{"user.read"},
			TokenType:     "Bearer",
			ClientInfo:    mock.ClientInfo("uid", "utid"),
		},
	}
	client := testClient(t, mock.NewClient(), WithBroker(fb))

	result, err := client.AcquireTokenSilent(context.Background(), silentParams("user.read"))
	require.NoError(t, err)
	require.Equal(t, "broker-token", result.AccessToken)
	require.Equal(t, TokenSourceBroker, result.Metadata.TokenSource)
	require.EqualValues(t, 1, atomic.LoadInt32(&fb.calls))

	// The broker result was cached; the next request is served locally.
	result, err = client.AcquireTokenSilent(context.Background(), silentParams("user.read"))
	require.NoError(t, err)
	require.Equal(t, "broker-token", result.AccessToken)
	require.EqualValues(t, 1, atomic.LoadInt32(&fb.calls))
}

func TestBrokerNotConsultedWhenIncapable(t *testing.T) {
	fb := &fakeBroker{capable: false}
	client := testClient(t, mock.NewClient(), WithBroker(fb))

	_, err := client.AcquireTokenSilent(context.Background(), silentParams("user.read"))
	require.Error(t, err)
	require.Equal(t, errors.CodeNoTokensFound, errors.CodeOf(err))
	require.EqualValues(t, 0, atomic.LoadInt32(&fb.calls))
}

// recordingAccessor records persistence calls.
type recordingAccessor struct {
	mu       sync.Mutex
	replaces int
	exports  int
	stored   []byte
}

func (r *recordingAccessor) Replace(ctx context.Context, c cache.Unmarshaler, hints cache.ReplaceHints) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replaces++
	return c.Unmarshal(r.stored)
}

func (r *recordingAccessor) Export(ctx context.Context, c cache.Marshaler, hints cache.ExportHints) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exports++
	b, err := c.Marshal()
	if err != nil {
		return err
	}
	r.stored = b
	return nil
}

func TestCacheAccessorExportedOncePerWrite(t *testing.T) {
	httpClient := mock.NewClient()
	httpClient.AppendResponse(mock.WithBody(mock.TenantDiscoveryBody("login.microsoftonline.com", "my-tenant")))
	httpClient.AppendResponse(mock.WithBody(mock.TokenBody("fresh-token", "", "rt-2", mock.ClientInfo("uid", "utid"), 3600)))

	accessor := &recordingAccessor{}
	client := testClient(t, httpClient, WithCacheAccessor(accessor))
	seedCache(t, client, []string{"user.read"}, time.Now().Add(-time.Minute), time.Now().Add(-time.Minute))

	// The seeding write dirtied the cache, so the first operation exports it
	// along with the redeemed tokens.
	_, err := client.AcquireTokenSilent(context.Background(), silentParams("user.read"))
	require.NoError(t, err)
	require.Equal(t, 1, accessor.replaces)
	require.Equal(t, 1, accessor.exports)

	// A pure cache hit loads but has nothing new to persist.
	_, err = client.AcquireTokenSilent(context.Background(), silentParams("user.read"))
	require.NoError(t, err)
	require.Equal(t, 2, accessor.replaces)
	require.Equal(t, 1, accessor.exports)
}

func TestCacheAccessorRestoresState(t *testing.T) {
	httpClient := mock.NewClient()
	httpClient.AppendResponse(mock.WithBody(mock.TenantDiscoveryBody("login.microsoftonline.com", "my-tenant")))
	httpClient.AppendResponse(mock.WithBody(mock.TokenBody("persisted-token", "", "rt", mock.ClientInfo("uid", "utid"), 3600)))

	accessor := &recordingAccessor{}
	first := testClient(t, httpClient, WithCacheAccessor(accessor))
	seedCache(t, first, []string{"user.read"}, time.Now().Add(-time.Minute), time.Now().Add(-time.Minute))
	_, err := first.AcquireTokenSilent(context.Background(), silentParams("user.read"))
	require.NoError(t, err)

	// A brand new client with the same accessor serves from the persisted
	// state without any network traffic.
	second := testClient(t, mock.NewClient(), WithCacheAccessor(accessor))
	result, err := second.AcquireTokenSilent(context.Background(), silentParams("user.read"))
	require.NoError(t, err)
	require.Equal(t, "persisted-token", result.AccessToken)
	require.Equal(t, TokenSourceCache, result.Metadata.TokenSource)
}

func TestAcquireTokenOnBehalfOfCachesPerAssertion(t *testing.T) {
	httpClient := mock.NewClient()
	httpClient.AppendResponse(mock.WithBody(mock.TenantDiscoveryBody("login.microsoftonline.com", "my-tenant")))
	httpClient.AppendResponse(mock.WithBody(mock.TokenBody("obo-token", "", "", mock.ClientInfo("uid", "utid"), 3600)))

	client := testClient(t, httpClient)
	cred := &accesstokens.Credential{Secret: "client-secret"}

	result, err := client.AcquireTokenOnBehalfOf(context.Background(), []string{"user.read"}, "user-assertion", cred)
	require.NoError(t, err)
	require.Equal(t, "obo-token", result.AccessToken)

	// Same assertion and scopes: answered from the assertion's partition.
	result, err = client.AcquireTokenOnBehalfOf(context.Background(), []string{"user.read"}, "user-assertion", cred)
	require.NoError(t, err)
	require.Equal(t, "obo-token", result.AccessToken)
	require.Equal(t, TokenSourceCache, result.Metadata.TokenSource)
}

func TestNewAuthResultRejectsDeclinedScopes(t *testing.T) {
	_, err := NewAuthResult(accesstokens.TokenResponse{DeclinedScopes: []string{"a"}}, shared.Account{})
	require.Error(t, err)
}
