// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package storage

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/entraauth/tokencore/errors"
	internalTime "github.com/entraauth/tokencore/internal/json/types/time"
	"github.com/entraauth/tokencore/internal/oauth/ops/accesstokens"
	"github.com/entraauth/tokencore/internal/oauth/ops/authority"
	"github.com/entraauth/tokencore/internal/shared"
	"github.com/kylelemons/godebug/pretty"
)

const (
	testHost     = "login.microsoftonline.com"
	testRealm    = "my-tenant"
	testClientID = "client-id"
	testHomeID   = "uid.utid"
)

// fakeResolver satisfies aliasResolver without network traffic.
type fakeResolver struct {
	aliases []string
}

func (f fakeResolver) Metadata(ctx context.Context, authorityInfo authority.Info, existingEnvs []string) (authority.InstanceDiscoveryMetadata, error) {
	aliases := f.aliases
	if len(aliases) == 0 {
		aliases = []string{authorityInfo.Host}
	}
	return authority.InstanceDiscoveryMetadata{
		PreferredNetwork: authorityInfo.Host,
		PreferredCache:   authorityInfo.Host,
		Aliases:          aliases,
	}, nil
}

func testAuthParams(t *testing.T, scopes ...string) authority.AuthParams {
	t.Helper()
	info, err := authority.NewInfoFromAuthorityURI("https://"+testHost+"/"+testRealm, true)
	if err != nil {
		t.Fatalf("building authority info: %v", err)
	}
	params := authority.NewAuthParams(testClientID, info)
	params.HomeAccountID = testHomeID
	params.Scopes = scopes
	return params
}

func testToken(scopes string, cachedAt, expiresOn time.Time) AccessToken {
	at := NewAccessToken(testHomeID, testHost, testRealm, testClientID, cachedAt, expiresOn, expiresOn.Add(time.Hour), strings.Split(scopes, " "), "secret-"+scopes, "Bearer")
	return at
}

func TestReadScopeSupersetMatching(t *testing.T) {
	m := New(fakeResolver{})
	now := time.Now()
	m.writeAccessToken(testToken("a b c", now, now.Add(time.Hour)))

	got, err := m.Read(context.Background(), testAuthParams(t, "a", "b"))
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if got.AccessToken.IsZero() {
		t.Errorf("request for a subset of cached scopes missed")
	}

	got, err = m.Read(context.Background(), testAuthParams(t, "a", "d"))
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if !got.AccessToken.IsZero() {
		t.Errorf("request including an uncached scope hit")
	}
}

func TestReadPrefersExactScopeMatch(t *testing.T) {
	m := New(fakeResolver{})
	now := time.Now()
	exact := testToken("a b", now.Add(-time.Minute), now.Add(time.Hour))
	superset := testToken("a b c", now, now.Add(time.Hour))
	m.writeAccessToken(exact)
	m.writeAccessToken(superset)

	got, err := m.Read(context.Background(), testAuthParams(t, "a", "b"))
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	// The superset entry is newer, but the exact match must win.
	if got.AccessToken.Secret != exact.Secret {
		t.Errorf("got token %q, want the exact-scope match %q", got.AccessToken.Secret, exact.Secret)
	}
}

func TestReadAmbiguousMatchErrors(t *testing.T) {
	m := New(fakeResolver{})
	cachedAt := internalTime.Unix{T: time.Now().Add(-time.Minute)}
	expires := time.Now().Add(time.Hour)

	one := testToken("a b c", cachedAt.T, expires)
	two := testToken("a b d", cachedAt.T, expires)
	m.writeAccessToken(one)
	m.writeAccessToken(two)

	_, err := m.Read(context.Background(), testAuthParams(t, "a", "b"))
	if err == nil {
		t.Fatalf("two equally recent superset matches did not error")
	}
	if errors.CodeOf(err) != errors.CodeMultipleMatchingTokens {
		t.Errorf("got code %q, want %q", errors.CodeOf(err), errors.CodeMultipleMatchingTokens)
	}
}

func TestReadPicksNewestMatch(t *testing.T) {
	m := New(fakeResolver{})
	now := time.Now()
	older := testToken("a b c", now.Add(-time.Hour), now.Add(time.Hour))
	newer := testToken("a b d", now, now.Add(time.Hour))
	m.writeAccessToken(older)
	m.writeAccessToken(newer)

	got, err := m.Read(context.Background(), testAuthParams(t, "a", "b"))
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if got.AccessToken.Secret != newer.Secret {
		t.Errorf("got token %q, want the newer entry %q", got.AccessToken.Secret, newer.Secret)
	}
}

func TestReadExpiryBoundary(t *testing.T) {
	now := time.Now()
	tests := []struct {
		desc      string
		expiresOn time.Time
		delta     time.Duration
		wantHit   bool
	}{
		{"expired a second ago misses", now.Add(-time.Second), 0, false},
		{"an hour of life remaining hits", now.Add(time.Hour), 0, true},
		{"alive but inside refresh buffer misses", now.Add(time.Minute), DefaultExpiryDelta, false},
	}
	for _, test := range tests {
		m := New(fakeResolver{}, WithExpiryDelta(test.delta))
		m.writeAccessToken(testToken("a", now.Add(-2*time.Hour), test.expiresOn))

		got, err := m.Read(context.Background(), testAuthParams(t, "a"))
		if err != nil {
			t.Fatalf("TestReadExpiryBoundary(%s): Read returned error: %v", test.desc, err)
		}
		if hit := !got.AccessToken.IsZero(); hit != test.wantHit {
			t.Errorf("TestReadExpiryBoundary(%s): hit = %v, want %v", test.desc, hit, test.wantHit)
		}
	}
}

func TestReadReturnsStaleTokenInsideExtendedLifetime(t *testing.T) {
	m := New(fakeResolver{})
	now := time.Now()
	at := testToken("a", now.Add(-2*time.Hour), now.Add(-time.Minute))
	at.ExtendedExpiresOn = internalTime.Unix{T: now.Add(30 * time.Minute)}
	m.writeAccessToken(at)

	got, err := m.Read(context.Background(), testAuthParams(t, "a"))
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if !got.AccessToken.IsZero() {
		t.Errorf("expired token was returned as valid")
	}
	if got.StaleAccessToken.IsZero() {
		t.Errorf("token inside its extended lifetime was not offered as stale")
	}
}

func fakeTokenResponse(scopes []string, refreshToken, familyID string) accesstokens.TokenResponse {
	return accesstokens.TokenResponse{
		AccessToken:   "at-" + refreshToken,
		RefreshToken:  refreshToken,
		GrantedScopes: scopes,
		ExpiresOn:     time.Now().Add(time.Hour),
		ExtExpiresOn:  time.Now().Add(2 * time.Hour),
		FamilyID:      familyID,
		TokenType:     "Bearer",
		ClientInfo:    accesstokens.ClientInfo{UID: "uid", UTID: "utid"},
	}
}

func TestWriteIsIdempotent(t *testing.T) {
	m := New(fakeResolver{})
	params := testAuthParams(t, "a", "b")

	if _, err := m.Write(params, fakeTokenResponse(params.Scopes, "rt-1", "")); err != nil {
		t.Fatalf("first Write returned error: %v", err)
	}
	if _, err := m.Write(params, fakeTokenResponse(params.Scopes, "rt-2", "")); err != nil {
		t.Fatalf("second Write returned error: %v", err)
	}

	if n := len(m.contract.AccessTokens); n != 1 {
		t.Errorf("saving the same logical token twice left %d entries, want 1", n)
	}
	if n := len(m.contract.RefreshTokens); n != 1 {
		t.Errorf("got %d refresh tokens, want 1", n)
	}
	for _, at := range m.contract.AccessTokens {
		if at.Secret != "at-rt-2" {
			t.Errorf("stored token is not the latest write: %q", at.Secret)
		}
	}
}

func TestWriteEvictsIntersectingScopes(t *testing.T) {
	m := New(fakeResolver{})

	if _, err := m.Write(testAuthParams(t, "a", "b"), fakeTokenResponse([]string{"a", "b"}, "rt-1", "")); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if _, err := m.Write(testAuthParams(t, "b", "c"), fakeTokenResponse([]string{"b", "c"}, "rt-2", "")); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	if n := len(m.contract.AccessTokens); n != 1 {
		t.Fatalf("narrowed-scope write left %d entries, want 1", n)
	}
	for _, at := range m.contract.AccessTokens {
		if at.Scopes != "b c" {
			t.Errorf("surviving entry has scopes %q, want %q", at.Scopes, "b c")
		}
	}
}

func TestWriteRejectsDeclinedScopes(t *testing.T) {
	m := New(fakeResolver{})
	tr := fakeTokenResponse([]string{"a"}, "rt", "")
	tr.DeclinedScopes = []string{"b"}
	if _, err := m.Write(testAuthParams(t, "a", "b"), tr); err == nil {
		t.Errorf("a response with declined scopes was cached")
	}
}

func TestFamilyRefreshTokenFallback(t *testing.T) {
	m := New(fakeResolver{})

	// Sibling client Y writes a family refresh token and its app metadata.
	siblingParams := testAuthParams(t, "a")
	siblingParams.ClientID = "client-y"
	if _, err := m.Write(siblingParams, fakeTokenResponse([]string{"a"}, "family-rt", "1")); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	// Client X is recorded as a family member but holds no tokens.
	m.contractMu.Lock()
	m.writeAppMetaData(NewAppMetaData("1", testClientID, testHost))
	m.contractMu.Unlock()

	got, err := m.Read(context.Background(), testAuthParams(t, "b"))
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if got.RefreshToken.Secret != "family-rt" {
		t.Errorf("got refresh token %q, want the family token", got.RefreshToken.Secret)
	}
}

func TestWriteFamilyTokenReplacesClientToken(t *testing.T) {
	m := New(fakeResolver{})
	params := testAuthParams(t, "a")

	if _, err := m.Write(params, fakeTokenResponse([]string{"a"}, "client-rt", "")); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	// The client joins a family; its refresh token key changes.
	if _, err := m.Write(params, fakeTokenResponse([]string{"a"}, "family-rt", "1")); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	if n := len(m.contract.RefreshTokens); n != 1 {
		t.Fatalf("got %d refresh tokens, want 1 after the key change", n)
	}
	for _, rt := range m.contract.RefreshTokens {
		if rt.Secret != "family-rt" {
			t.Errorf("surviving refresh token is %q, want the family token", rt.Secret)
		}
	}
}

func TestEnvironmentAliasMatching(t *testing.T) {
	m := New(fakeResolver{aliases: []string{"login.windows.net", testHost}})
	now := time.Now()
	at := testToken("a", now.Add(-time.Minute), now.Add(time.Hour))
	at.Environment = "login.windows.net"
	m.writeAccessToken(at)

	got, err := m.Read(context.Background(), testAuthParams(t, "a"))
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if got.AccessToken.IsZero() {
		t.Errorf("entry cached under an environment alias was not matched")
	}
}

func TestRoundTripUnified(t *testing.T) {
	m := New(fakeResolver{})
	if _, err := m.Write(testAuthParams(t, "a", "b"), fakeTokenResponse([]string{"a", "b"}, "rt-1", "")); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	blob, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}

	restored := New(fakeResolver{})
	if err := restored.Unmarshal(blob); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	blob2, err := restored.Marshal()
	if err != nil {
		t.Fatalf("second Marshal returned error: %v", err)
	}

	var first, second map[string]interface{}
	if err := json.Unmarshal(blob, &first); err != nil {
		t.Fatalf("first blob is not valid JSON: %v", err)
	}
	if err := json.Unmarshal(blob2, &second); err != nil {
		t.Fatalf("second blob is not valid JSON: %v", err)
	}
	if diff := pretty.Compare(first, second); diff != "" {
		t.Errorf("TestRoundTripUnified: round trip changed data: -first/+second:\n%s", diff)
	}
}

func TestUnmarshalMerges(t *testing.T) {
	source := New(fakeResolver{})
	if _, err := source.Write(testAuthParams(t, "a"), fakeTokenResponse([]string{"a"}, "incoming-rt", "")); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	blob, err := source.Marshal()
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}

	m := New(fakeResolver{})
	local := testToken("x y", time.Now().Add(-time.Minute), time.Now().Add(time.Hour))
	local.ClientID = "another-client"
	m.writeAccessToken(local)

	if err := m.Unmarshal(blob); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	// Local-only entries survive a merge.
	if _, ok := m.contract.AccessTokens[local.Key()]; !ok {
		t.Errorf("merge dropped a local-only entry")
	}
	if n := len(m.contract.AccessTokens); n != 2 {
		t.Errorf("got %d access tokens after merge, want 2", n)
	}

	// With a clear first, the incoming blob is the whole cache.
	m.Clear()
	if err := m.Unmarshal(blob); err != nil {
		t.Fatalf("Unmarshal after Clear returned error: %v", err)
	}
	if n := len(m.contract.AccessTokens); n != 1 {
		t.Errorf("got %d access tokens after clear and load, want 1", n)
	}
}

func TestUnknownContractFieldsSurvive(t *testing.T) {
	m := New(fakeResolver{})
	if _, err := m.Write(testAuthParams(t, "a"), fakeTokenResponse([]string{"a"}, "rt", "")); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	blob, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}

	// Simulate a newer client having written extra fields.
	var generic map[string]map[string]map[string]interface{}
	if err := json.Unmarshal(blob, &generic); err != nil {
		t.Fatalf("blob is not valid JSON: %v", err)
	}
	for _, entry := range generic["AccessToken"] {
		entry["future_field"] = "must-survive"
	}
	edited, err := json.Marshal(generic)
	if err != nil {
		t.Fatalf("re-marshaling edited blob: %v", err)
	}

	reader := New(fakeResolver{})
	if err := reader.Unmarshal(edited); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	out, err := reader.Marshal()
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}
	var roundTripped map[string]map[string]map[string]interface{}
	if err := json.Unmarshal(out, &roundTripped); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	for _, entry := range roundTripped["AccessToken"] {
		if entry["future_field"] != "must-survive" {
			t.Errorf("unknown field did not survive the round trip: %v", entry)
		}
	}
}

func TestRemoveAccount(t *testing.T) {
	m := New(fakeResolver{})
	params := testAuthParams(t, "a")
	tr := fakeTokenResponse([]string{"a"}, "rt", "")
	if _, err := m.Write(params, tr); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	// Write only stores an account when the response has an ID token; store
	// one directly for the removal path.
	account := shared.NewAccount(tr.HomeAccountID(), testHost, testRealm, "local-id", authority.AAD, "user@contoso.com")
	m.contractMu.Lock()
	m.writeAccount(account)
	m.contractMu.Unlock()

	m.RemoveAccount(account, testClientID)

	if n := len(m.contract.AccessTokens); n != 0 {
		t.Errorf("%d access tokens survived account removal", n)
	}
	if n := len(m.contract.RefreshTokens); n != 0 {
		t.Errorf("%d refresh tokens survived account removal", n)
	}
	if n := len(m.contract.Accounts); n != 0 {
		t.Errorf("%d accounts survived account removal", n)
	}
}

func TestHasChangedTracksMutations(t *testing.T) {
	m := New(fakeResolver{})
	if m.HasChanged() {
		t.Errorf("fresh cache reports changes")
	}
	if _, err := m.Write(testAuthParams(t, "a"), fakeTokenResponse([]string{"a"}, "rt", "")); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if !m.HasChanged() {
		t.Errorf("cache does not report a write")
	}
	if _, err := m.Marshal(); err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}
	if m.HasChanged() {
		t.Errorf("Marshal did not reset the change marker")
	}
}
