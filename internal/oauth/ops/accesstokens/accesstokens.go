// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package accesstokens exposes a REST client for querying backend systems to get
various types of access tokens (OAuth) for use in authentication.

These calls are of type "application/x-www-form-urlencoded". This means we use
url.Values to represent arguments and then encode them into the POST body
message. We receive JSON in return for the requests. The request definitions
live in RFC 6749 and RFC 7521 section 4.2.
*/
package accesstokens

import (
	"context"
	"crypto"

	/* #nosec */
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/entraauth/tokencore/internal/oauth/ops/authority"
	"github.com/entraauth/tokencore/internal/oauth/ops/internal/grant"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	grantType     = "grant_type"
	clientID      = "client_id"
	clientInfo    = "client_info"
	clientInfoVal = "1"
)

//go:generate stringer -type=AppType

// AppType is whether the authorization code flow is for a public or
// confidential client.
type AppType int8

const (
	// ATUnknown is the zero value AppType. If this is encountered it means
	// the developer did not set the type.
	ATUnknown AppType = iota
	// ATPublic indicates this is a public client.
	ATPublic
	// ATConfidential indicates this is a confidential client.
	ATConfidential
)

type urlFormCaller interface {
	URLFormCall(ctx context.Context, endpoint string, qv url.Values, resp interface{}) error
}

// Credential represents the credential used in confidential client flows.
// This can be either a secret or a cert/key pair used to sign assertions.
type Credential struct {
	// Secret contains the credential secret if we are doing auth by secret.
	Secret string

	// Cert is the public certificate, if we're using an assertion.
	Cert *x509.Certificate
	// Key is the private key for signing, if we're using an assertion.
	Key crypto.PrivateKey

	// mu protects everything below.
	mu sync.Mutex
	// assertion is the signed JWT assertion if we have retrieved it.
	assertion string
	// expires is when the assertion expires.
	expires time.Time
}

// assertionLifetime is how long a signed client assertion is used before a
// fresh one is signed.
const assertionLifetime = 10 * time.Minute

// JWT gets the signed client assertion when the credential is not a secret.
func (c *Credential) JWT(authParams authority.AuthParams) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.expires.After(time.Now()) && c.assertion != "" {
		return c.assertion, nil
	}
	expires := time.Now().Add(assertionLifetime)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"aud": authParams.Endpoints.TokenEndpoint,
		"exp": expires.Unix(),
		"iss": authParams.ClientID,
		"jti": uuid.New().String(),
		"nbf": time.Now().Unix(),
		"sub": authParams.ClientID,
	})
	token.Header = map[string]interface{}{
		"alg": "RS256",
		"typ": "JWT",
		"x5t": base64.StdEncoding.EncodeToString(thumbprint(c.Cert)),
	}

	assertion, err := token.SignedString(c.Key)
	if err != nil {
		return "", fmt.Errorf("unable to sign a JWT token using private key: %w", err)
	}
	c.assertion = assertion
	c.expires = expires
	return c.assertion, nil
}

// thumbprint runs the asn1.Der bytes through sha1 for use in the x5t
// parameter of JWT. https://tools.ietf.org/html/rfc7517#section-4.8
func thumbprint(cert *x509.Certificate) []byte {
	/* #nosec */
	a := sha1.Sum(cert.Raw)
	return a[:]
}

// Client represents the REST calls to get tokens from token generator
// backends.
type Client struct {
	// Comm provides the HTTP transport client.
	Comm urlFormCaller
}

// AuthCodeRequest stores the values required to request a token from the
// authority using an authorization code.
type AuthCodeRequest struct {
	AuthParams    authority.AuthParams
	Code          string
	CodeChallenge string
	Credential    *Credential
	AppType       AppType
}

// NewCodeChallengeRequest returns an AuthCodeRequest that uses a code
// challenge.
func NewCodeChallengeRequest(params authority.AuthParams, appType AppType, cc *Credential, code, challenge string) (AuthCodeRequest, error) {
	if appType == ATUnknown {
		return AuthCodeRequest{}, fmt.Errorf("bug: NewCodeChallengeRequest() called with AppType == ATUnknown")
	}
	return AuthCodeRequest{
		AuthParams:    params,
		AppType:       appType,
		Code:          code,
		CodeChallenge: challenge,
		Credential:    cc,
	}, nil
}

// FromAuthCode uses an authorization code to retrieve an access token.
func (c Client) FromAuthCode(ctx context.Context, req AuthCodeRequest) (TokenResponse, error) {
	var qv url.Values

	switch req.AppType {
	case ATUnknown:
		return TokenResponse{}, fmt.Errorf("bug: FromAuthCode() received request with AppType == ATUnknown")
	case ATConfidential:
		var err error
		if req.Credential == nil {
			return TokenResponse{}, fmt.Errorf("AuthCodeRequest had nil Credential for confidential app")
		}
		qv, err = prepURLVals(req.Credential, req.AuthParams)
		if err != nil {
			return TokenResponse{}, err
		}
	case ATPublic:
		qv = url.Values{}
	default:
		return TokenResponse{}, fmt.Errorf("bug: FromAuthCode() received request with AppType == %v, which we do not recognize", req.AppType)
	}

	qv.Set(grantType, grant.AuthCode)
	qv.Set("code", req.Code)
	qv.Set("code_verifier", req.CodeChallenge)
	qv.Set("redirect_uri", req.AuthParams.Redirecturi)
	qv.Set(clientID, req.AuthParams.ClientID)
	qv.Set(clientInfo, clientInfoVal)
	addScopeQueryParam(qv, req.AuthParams)

	return c.doTokenResp(ctx, req.AuthParams, qv)
}

// FromRefreshToken uses a refresh token (for refreshing credentials) to get a
// new access token.
func (c Client) FromRefreshToken(ctx context.Context, appType AppType, authParams authority.AuthParams, cc *Credential, refreshToken string) (TokenResponse, error) {
	qv := url.Values{}
	if appType == ATConfidential {
		var err error
		qv, err = prepURLVals(cc, authParams)
		if err != nil {
			return TokenResponse{}, err
		}
	}
	qv.Set(grantType, grant.RefreshToken)
	qv.Set(clientID, authParams.ClientID)
	qv.Set(clientInfo, clientInfoVal)
	qv.Set("refresh_token", refreshToken)
	addScopeQueryParam(qv, authParams)

	return c.doTokenResp(ctx, authParams, qv)
}

// FromClientSecret uses a client's secret (aka password) to get a new token.
func (c Client) FromClientSecret(ctx context.Context, authParams authority.AuthParams, clientSecret string) (TokenResponse, error) {
	qv := url.Values{}
	qv.Set(grantType, grant.ClientCredential)
	qv.Set("client_secret", clientSecret)
	qv.Set(clientID, authParams.ClientID)
	addScopeQueryParam(qv, authParams)

	token, err := c.doTokenResp(ctx, authParams, qv)
	if err != nil {
		return token, fmt.Errorf("FromClientSecret(): %w", err)
	}
	return token, nil
}

// FromAssertion uses a signed client assertion to get a new token.
func (c Client) FromAssertion(ctx context.Context, authParams authority.AuthParams, assertion string) (TokenResponse, error) {
	qv := url.Values{}
	qv.Set(grantType, grant.ClientCredential)
	qv.Set("client_assertion_type", grant.ClientAssertion)
	qv.Set("client_assertion", assertion)
	qv.Set(clientID, authParams.ClientID)
	qv.Set(clientInfo, clientInfoVal)
	addScopeQueryParam(qv, authParams)

	token, err := c.doTokenResp(ctx, authParams, qv)
	if err != nil {
		return token, fmt.Errorf("FromAssertion(): %w", err)
	}
	return token, nil
}

// FromUserAssertion exchanges a user's access token for a downstream token in
// the on-behalf-of flow.
func (c Client) FromUserAssertion(ctx context.Context, authParams authority.AuthParams, cc *Credential) (TokenResponse, error) {
	qv, err := prepURLVals(cc, authParams)
	if err != nil {
		return TokenResponse{}, err
	}
	qv.Set(grantType, grant.JWTBearer)
	qv.Set("assertion", authParams.UserAssertion)
	qv.Set("requested_token_use", "on_behalf_of")
	qv.Set(clientID, authParams.ClientID)
	qv.Set(clientInfo, clientInfoVal)
	addScopeQueryParam(qv, authParams)

	return c.doTokenResp(ctx, authParams, qv)
}

func (c Client) doTokenResp(ctx context.Context, authParams authority.AuthParams, qv url.Values) (TokenResponse, error) {
	payload := tokenResponsePayload{}
	if err := c.Comm.URLFormCall(ctx, authParams.Endpoints.TokenEndpoint, qv, &payload); err != nil {
		return TokenResponse{}, err
	}
	return NewTokenResponse(authParams, payload)
}

// prepURLVals returns url.Values that set various key/values if we are doing
// secrets or JWT assertions.
func prepURLVals(cc *Credential, authParams authority.AuthParams) (url.Values, error) {
	params := url.Values{}
	if cc == nil {
		return nil, fmt.Errorf("confidential request requires a Credential")
	}
	if cc.Secret != "" {
		params.Set("client_secret", cc.Secret)
		return params, nil
	}

	jwt, err := cc.JWT(authParams)
	if err != nil {
		return nil, err
	}
	params.Set("client_assertion", jwt)
	params.Set("client_assertion_type", grant.ClientAssertion)
	return params, nil
}

// openid required to get an id token
// offline_access required to get a refresh token
// profile required to get the client_info field back
var detectDefaultScopes = map[string]bool{
	"openid":         true,
	"offline_access": true,
	"profile":        true,
}

var defaultScopes = []string{"openid", "offline_access", "profile"}

// AppendDefaultScopes adds the reserved scopes the wire protocol needs,
// deduplicating any the caller already passed.
func AppendDefaultScopes(authParams authority.AuthParams) []string {
	scopes := make([]string, 0, len(authParams.Scopes)+len(defaultScopes))
	for _, scope := range authParams.Scopes {
		s := strings.TrimSpace(scope)
		if s == "" || detectDefaultScopes[s] {
			continue
		}
		scopes = append(scopes, s)
	}
	return append(scopes, defaultScopes...)
}

func addScopeQueryParam(queryParams url.Values, authParams authority.AuthParams) {
	queryParams.Set("scope", strings.Join(AppendDefaultScopes(authParams), " "))
}
