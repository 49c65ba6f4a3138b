// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package errors

import (
	"errors"
	"fmt"
)

// Error codes carried by AuthError. The code string is stable API: callers
// branch on it to decide whether to fall back to interactive authentication.
const (
	// CodeUIRequired means no usable cached credential exists; the caller
	// must re-authenticate the user interactively.
	CodeUIRequired = "interaction_required"
	// CodeInvalidGrant means the authority rejected the refresh token. It
	// maps to UI-required behavior.
	CodeInvalidGrant = "invalid_grant"
	// CodeNoTokensFound means the cache holds neither a usable access token
	// nor any refresh token for the request.
	CodeNoTokensFound = "no_tokens_found"
	// CodeNoAccountForLoginHint means no cached account matched the hint.
	CodeNoAccountForLoginHint = "no_account_for_login_hint"
	// CodeMultipleMatchingTokens means the cache matched more than one access
	// token for the request with no safe way to choose. This indicates a
	// configuration or usage bug, not a user-fixable condition.
	CodeMultipleMatchingTokens = "multiple_matching_tokens_detected"
	// CodeServiceTransient means the authority failed with a retriable
	// condition (5xx or transport failure). This layer never retries; retry
	// policy belongs to the HTTP client supplied by the application.
	CodeServiceTransient = "temporarily_unavailable"
	// CodeClientConfiguration means the request parameters were malformed.
	// Such failures occur before any network or cache I/O.
	CodeClientConfiguration = "client_configuration"
)

// AuthError is the typed failure returned by token acquisition operations.
type AuthError struct {
	// Code is one of the Code* constants.
	Code string
	// CorrelationID ties the failure to the request and to server-side logs.
	CorrelationID string
	// Message is a human readable description of what failed.
	Message string
	// ServerError, ServerSubError and ServerDescription carry the raw OAuth
	// error fields from the authority, when the failure came from one.
	ServerError       string
	ServerSubError    string
	ServerDescription string

	Err error
}

// Error implements error.
func (e *AuthError) Error() string {
	if e.ServerError != "" {
		return fmt.Sprintf("%s: %s (server error %q, suberror %q, correlation id %s)",
			e.Code, e.Message, e.ServerError, e.ServerSubError, e.CorrelationID)
	}
	if e.CorrelationID != "" {
		return fmt.Sprintf("%s: %s (correlation id %s)", e.Code, e.Message, e.CorrelationID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap.
func (e *AuthError) Unwrap() error {
	return e.Err
}

// CodeOf extracts the error code from an error chain, or "" when the chain
// carries no AuthError.
func CodeOf(err error) string {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// IsUIRequired reports whether the failure means silent acquisition cannot
// succeed and the caller should fall back to interactive authentication.
// All silent-path root causes collapse into this single signal.
func IsUIRequired(err error) bool {
	switch CodeOf(err) {
	case CodeUIRequired, CodeInvalidGrant, CodeNoTokensFound, CodeNoAccountForLoginHint:
		return true
	}
	return false
}
