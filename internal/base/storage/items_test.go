// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package storage

import (
	"testing"
	"time"
)

func TestNormalizeScopes(t *testing.T) {
	tests := []struct {
		desc  string
		input []string
		want  string
	}{
		{"sorted and lowercased", []string{"User.Read", "openid"}, "openid user.read"},
		{"deduplicated", []string{"a", "A", "a"}, "a"},
		{"trimmed and empties dropped", []string{" a ", "", "b"}, "a b"},
		{"empty input", nil, ""},
	}
	for _, test := range tests {
		if got := NormalizeScopes(test.input); got != test.want {
			t.Errorf("TestNormalizeScopes(%s): got %q, want %q", test.desc, got, test.want)
		}
	}
}

func TestAccessTokenKeyDeterminism(t *testing.T) {
	now := time.Now()
	a := NewAccessToken("hid", "env", "realm", "cid", now, now.Add(time.Hour), now.Add(2*time.Hour), []string{"User.Read", "openid"}, "secret", "Bearer")
	b := NewAccessToken("hid", "env", "realm", "cid", now.Add(time.Minute), now.Add(time.Hour), now.Add(2*time.Hour), []string{"OPENID", "user.read"}, "other", "Bearer")

	if a.Key() != b.Key() {
		t.Errorf("field-equal items produced different keys: %q vs %q", a.Key(), b.Key())
	}
	if want := "hid-env-accesstoken-cid-realm-openid user.read"; a.Key() != want {
		t.Errorf("got key %q, want %q", a.Key(), want)
	}

	c := NewAccessToken("hid", "env", "realm", "cid", now, now.Add(time.Hour), now.Add(2*time.Hour), []string{"mail.read"}, "secret", "Bearer")
	if a.Key() == c.Key() {
		t.Errorf("items with different scopes share key %q", a.Key())
	}
	d := NewAccessToken("other-hid", "env", "realm", "cid", now, now.Add(time.Hour), now.Add(2*time.Hour), []string{"openid", "user.read"}, "secret", "Bearer")
	if a.Key() == d.Key() {
		t.Errorf("items with different accounts share key %q", a.Key())
	}
	e := NewAccessToken("hid", "env", "other-realm", "cid", now, now.Add(time.Hour), now.Add(2*time.Hour), []string{"openid", "user.read"}, "secret", "Bearer")
	if a.Key() == e.Key() {
		t.Errorf("items with different tenants share key %q", a.Key())
	}
}

func TestAccessTokenValidate(t *testing.T) {
	now := time.Now()
	good := NewAccessToken("hid", "env", "realm", "cid", now, now.Add(time.Hour), now.Add(2*time.Hour), []string{"openid"}, "secret", "Bearer")
	if err := good.Validate(); err != nil {
		t.Errorf("valid token failed validation: %v", err)
	}

	futureCached := good
	futureCached.CachedAt.T = now.Add(time.Hour)
	if err := futureCached.Validate(); err == nil {
		t.Errorf("token cached in the future passed validation")
	}

	noExpiry := good
	noExpiry.ExpiresOn.T = time.Time{}
	if err := noExpiry.Validate(); err == nil {
		t.Errorf("token without expiry passed validation")
	}

	noScopes := good
	noScopes.Scopes = ""
	if err := noScopes.Validate(); err == nil {
		t.Errorf("token without scopes passed validation")
	}
}

func TestAccessTokenExpired(t *testing.T) {
	now := time.Now()
	at := NewAccessToken("hid", "env", "realm", "cid", now.Add(-time.Hour), now.Add(time.Hour), now.Add(2*time.Hour), []string{"openid"}, "secret", "Bearer")

	if at.Expired(now, 0) {
		t.Errorf("token an hour from expiry reported expired with no buffer")
	}
	if !at.Expired(now, 2*time.Hour) {
		t.Errorf("token inside the early-refresh buffer reported valid")
	}
	if !at.Expired(now.Add(2*time.Hour), 0) {
		t.Errorf("token past expiry reported valid")
	}
	if at.ExtendedExpired(now.Add(90 * time.Minute)) {
		t.Errorf("token inside extended lifetime reported extended-expired")
	}
	if !at.ExtendedExpired(now.Add(3 * time.Hour)) {
		t.Errorf("token past extended lifetime reported usable")
	}
}

func TestIsScopeSuperset(t *testing.T) {
	tests := []struct {
		desc      string
		requested []string
		target    string
		superset  bool
		exact     bool
	}{
		{"subset of cached scopes hits", []string{"a", "b"}, "a b c", true, false},
		{"scope outside cached set misses", []string{"a", "d"}, "a b c", false, false},
		{"equal sets are exact", []string{"a", "b", "c"}, "a b c", true, true},
		{"case insensitive", []string{"A"}, "a", true, true},
	}
	for _, test := range tests {
		superset, exact := isScopeSuperset(test.requested, test.target)
		if superset != test.superset || exact != test.exact {
			t.Errorf("TestIsScopeSuperset(%s): got (%v, %v), want (%v, %v)", test.desc, superset, exact, test.superset, test.exact)
		}
	}
}
