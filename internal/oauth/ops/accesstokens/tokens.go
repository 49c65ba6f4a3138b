// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package accesstokens

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	internalTime "github.com/entraauth/tokencore/internal/json/types/time"
	"github.com/entraauth/tokencore/internal/oauth/ops/authority"
	"github.com/entraauth/tokencore/internal/shared"
)

// ClientInfo is the decoded client_info parameter. uid and utid combine into
// the home account ID.
type ClientInfo struct {
	UID  string `json:"uid"`
	UTID string `json:"utid"`

	AdditionalFields map[string]interface{}
}

// HomeAccountID creates the home account ID.
func (c ClientInfo) HomeAccountID() string {
	if c.UID == "" {
		return ""
	}
	if c.UTID == "" {
		return fmt.Sprintf("%s.%s", c.UID, c.UID)
	}
	return fmt.Sprintf("%s.%s", c.UID, c.UTID)
}

// IDToken consists of all the information used to validate a user.
// https://docs.microsoft.com/azure/active-directory/develop/id-tokens
type IDToken struct {
	PreferredUsername string `json:"preferred_username,omitempty"`
	GivenName         string `json:"given_name,omitempty"`
	FamilyName        string `json:"family_name,omitempty"`
	MiddleName        string `json:"middle_name,omitempty"`
	Name              string `json:"name,omitempty"`
	Oid               string `json:"oid,omitempty"`
	TenantID          string `json:"tid,omitempty"`
	Subject           string `json:"sub,omitempty"`
	UPN               string `json:"upn,omitempty"`
	Email             string `json:"email,omitempty"`
	AlternativeID     string `json:"alternative_id,omitempty"`
	Issuer            string `json:"iss,omitempty"`
	Audience          string `json:"aud,omitempty"`
	ExpirationTime    int64  `json:"exp,omitempty"`
	IssuedAt          int64  `json:"iat,omitempty"`
	NotBefore         int64  `json:"nbf,omitempty"`
	RawToken          string `json:"-"`

	AdditionalFields map[string]interface{}
}

// NewIDToken creates an ID token instance from a JWT.
func NewIDToken(jwt string) (IDToken, error) {
	jwtArr := strings.Split(jwt, ".")
	if len(jwtArr) < 2 {
		return IDToken{}, errors.New("id token returned from server is invalid")
	}
	jwtDecoded, err := decodeJWT(jwtArr[1])
	if err != nil {
		return IDToken{}, err
	}
	idToken := IDToken{}
	if err := json.Unmarshal(jwtDecoded, &idToken); err != nil {
		return IDToken{}, err
	}
	idToken.RawToken = jwt
	return idToken, nil
}

// IsZero indicates if the IDToken is the zero value.
func (i IDToken) IsZero() bool {
	v := reflect.ValueOf(i)
	for j := 0; j < v.NumField(); j++ {
		field := v.Field(j)
		if field.Kind() == reflect.Map && field.Len() == 0 {
			continue
		}
		if !field.IsZero() {
			return false
		}
	}
	return true
}

// LocalAccountID extracts an account's local account ID from an ID token.
func (i IDToken) LocalAccountID() string {
	if i.Oid != "" {
		return i.Oid
	}
	return i.Subject
}

// TokenResponse is the information returned by the token endpoint during a
// token acquisition flow, plus the fields computed from it.
type TokenResponse struct {
	authority.OAuthResponseBase

	AccessToken   string
	RefreshToken  string
	IDToken       IDToken
	FamilyID      string
	TokenType     string
	GrantedScopes []string
	// DeclinedScopes are requested scopes the authority did not grant. A
	// response declining scopes is rejected rather than cached.
	DeclinedScopes []string
	ExpiresOn      time.Time
	ExtExpiresOn   time.Time
	RawClientInfo  string
	ClientInfo     ClientInfo

	AdditionalFields map[string]interface{}
}

// HomeAccountID is the account identifier derived from the client_info blob.
func (tr TokenResponse) HomeAccountID() string {
	return tr.ClientInfo.HomeAccountID()
}

// HasDeclinedScopes reports whether the authority granted less than asked.
func (tr TokenResponse) HasDeclinedScopes() bool {
	return len(tr.DeclinedScopes) > 0
}

// tokenResponsePayload is the raw wire shape of a token endpoint response.
type tokenResponsePayload struct {
	authority.OAuthResponseBase

	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExtExpiresIn int64  `json:"ext_expires_in"`
	Foci         string `json:"foci"`
	Scope        string `json:"scope"`
	IDToken      string `json:"id_token"`
	ClientInfo   string `json:"client_info"`

	AdditionalFields map[string]interface{}
}

// NewTokenResponse validates a token endpoint payload and converts it. The
// required fields are checked here, at response-parse time: a response
// without an access token or expiry never reaches the cache.
func NewTokenResponse(authParams authority.AuthParams, payload tokenResponsePayload) (TokenResponse, error) {
	if payload.Error != "" {
		return TokenResponse{}, fmt.Errorf("%s: %s", payload.Error, payload.ErrorDescription)
	}
	if payload.AccessToken == "" {
		return TokenResponse{}, errors.New("response is missing access_token")
	}
	if payload.ExpiresIn <= 0 {
		return TokenResponse{}, errors.New("response is missing expires_in")
	}

	rawClientInfo := payload.ClientInfo
	clientInfo := ClientInfo{}
	// Client info may be empty in some flows, e.g. certificate exchange.
	if len(rawClientInfo) > 0 {
		rawClientInfoDecoded, err := decodeJWT(rawClientInfo)
		if err != nil {
			return TokenResponse{}, err
		}
		if err := json.Unmarshal(rawClientInfoDecoded, &clientInfo); err != nil {
			return TokenResponse{}, err
		}
	}

	now := time.Now()
	expiresOn := now.Add(time.Duration(payload.ExpiresIn) * time.Second)
	extExpiresOn := expiresOn
	if payload.ExtExpiresIn > 0 {
		extExpiresOn = now.Add(time.Duration(payload.ExtExpiresIn) * time.Second)
	}

	var grantedScopes, declinedScopes []string
	if len(payload.Scope) == 0 {
		// Per RFC 6749 section 3.3, an empty scope means everything requested
		// was granted.
		grantedScopes = authParams.Scopes
	} else {
		grantedScopes = strings.Split(strings.ToLower(payload.Scope), scopeSeparator)
		declinedScopes = findDeclinedScopes(authParams.Scopes, grantedScopes)
	}

	// ID tokens aren't always returned, which is not a reportable error.
	idToken, _ := NewIDToken(payload.IDToken)

	return TokenResponse{
		OAuthResponseBase: payload.OAuthResponseBase,
		AccessToken:       payload.AccessToken,
		RefreshToken:      payload.RefreshToken,
		IDToken:           idToken,
		FamilyID:          payload.Foci,
		TokenType:         payload.TokenType,
		ExpiresOn:         expiresOn,
		ExtExpiresOn:      extExpiresOn,
		GrantedScopes:     grantedScopes,
		DeclinedScopes:    declinedScopes,
		RawClientInfo:     rawClientInfo,
		ClientInfo:        clientInfo,
	}, nil
}

// TokenResponseFromParts assembles a TokenResponse from values obtained
// outside the token endpoint, such as an OS broker, so the result can be
// cached and returned like any other response.
func TokenResponseFromParts(accessToken string, expiresOn time.Time, grantedScopes []string, tokenType, idToken, rawClientInfo, refreshToken, familyID string) (TokenResponse, error) {
	if accessToken == "" {
		return TokenResponse{}, errors.New("result is missing an access token")
	}
	if expiresOn.IsZero() {
		return TokenResponse{}, errors.New("result is missing an expiry")
	}

	clientInfo := ClientInfo{}
	if len(rawClientInfo) > 0 {
		decoded, err := decodeJWT(rawClientInfo)
		if err != nil {
			return TokenResponse{}, err
		}
		if err := json.Unmarshal(decoded, &clientInfo); err != nil {
			return TokenResponse{}, err
		}
	}
	idt, _ := NewIDToken(idToken)

	return TokenResponse{
		AccessToken:   accessToken,
		RefreshToken:  refreshToken,
		IDToken:       idt,
		FamilyID:      familyID,
		TokenType:     tokenType,
		ExpiresOn:     expiresOn,
		ExtExpiresOn:  expiresOn,
		GrantedScopes: grantedScopes,
		RawClientInfo: rawClientInfo,
		ClientInfo:    clientInfo,
	}, nil
}

func findDeclinedScopes(requestedScopes, grantedScopes []string) []string {
	grantedMap := make(map[string]bool, len(grantedScopes))
	for _, s := range grantedScopes {
		grantedMap[s] = true
	}
	var declined []string
	for _, r := range requestedScopes {
		if !grantedMap[r] {
			declined = append(declined, r)
		}
	}
	return declined
}

// decodeJWT decodes a JWT segment to the bytes of its JSON object, restoring
// padding the wire format strips.
func decodeJWT(data string) ([]byte, error) {
	if i := len(data) % 4; i != 0 {
		data += strings.Repeat("=", 4-i)
	}
	return base64.URLEncoding.DecodeString(data)
}

const scopeSeparator = " "

// RefreshToken is the JSON representation of a refresh token for encoding to
// storage. Refresh tokens are not scope-partitioned; their key omits scopes
// and uses the family ID instead of the client ID when the app is in a
// family.
type RefreshToken struct {
	HomeAccountID     string `json:"home_account_id,omitempty"`
	Environment       string `json:"environment,omitempty"`
	CredentialType    string `json:"credential_type,omitempty"`
	ClientID          string `json:"client_id,omitempty"`
	FamilyID          string `json:"family_id,omitempty"`
	Secret            string `json:"secret,omitempty"`
	Realm             string `json:"realm,omitempty"`
	Target            string `json:"target,omitempty"`
	UserAssertionHash string `json:"user_assertion_hash,omitempty"`

	CachedAt internalTime.Unix `json:"cached_at,omitempty"`

	AdditionalFields map[string]interface{}
}

// NewRefreshToken is the constructor for RefreshToken.
func NewRefreshToken(homeID, env, clientID, refreshToken, familyID string) RefreshToken {
	return RefreshToken{
		HomeAccountID:  homeID,
		Environment:    env,
		CredentialType: "RefreshToken",
		ClientID:       clientID,
		FamilyID:       familyID,
		Secret:         refreshToken,
		CachedAt:       internalTime.Unix{T: time.Now().UTC()},
	}
}

// Key outputs the key that can be used to uniquely look up this entry in a map.
func (rt RefreshToken) Key() string {
	fourth := rt.FamilyID
	if fourth == "" {
		fourth = rt.ClientID
	}
	key := strings.Join(
		[]string{rt.HomeAccountID, rt.Environment, rt.CredentialType, fourth},
		shared.CacheKeySeparator,
	)
	return strings.ToLower(key)
}

// GetSecret returns the refresh token string itself.
func (rt RefreshToken) GetSecret() string {
	return rt.Secret
}

// IsZero reports whether this is the zero value.
func (rt RefreshToken) IsZero() bool {
	return rt.Secret == "" && rt.HomeAccountID == "" && rt.ClientID == ""
}
