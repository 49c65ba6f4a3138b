// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package broker defines the contract an OS authentication broker must
// implement to serve silent token requests the local cache cannot. The
// library consults the broker only after its own cache lookup and refresh
// token redemption have failed, since a local refresh is always faster than
// a cross-process broker call.
package broker

import (
	"context"
	"time"
)

// SilentParameters describes the silent request being delegated.
type SilentParameters struct {
	// Authority is the canonical authority URI the request targets.
	Authority string
	ClientID  string
	Scopes    []string
	// HomeAccountID identifies the account, when known.
	HomeAccountID string
	// LoginHint is a username hint for brokers that key accounts by UPN.
	LoginHint     string
	CorrelationID string
}

// TokenResult is what a broker returns on success.
type TokenResult struct {
	AccessToken   string
	ExpiresOn     time.Time
	GrantedScopes []string
	TokenType     string

	// IDToken and ClientInfo are the raw wire values, when the broker has
	// them; they let the result be cached like any other token response.
	IDToken    string
	ClientInfo string

	RefreshToken string
	FamilyID     string
}

// Broker acquires tokens from an OS-level authentication broker.
type Broker interface {
	// SilentCapable reports whether the broker can serve silent requests on
	// this platform right now.
	SilentCapable() bool

	// AcquireTokenSilent acquires a token without user interaction.
	AcquireTokenSilent(ctx context.Context, params SilentParameters) (TokenResult, error)
}
