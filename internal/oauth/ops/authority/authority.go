// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package authority handles authority URL parsing, request parameters and the
// REST calls that resolve an authority to its endpoints and aliases.
package authority

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

const (
	authorizationEndpointFmt  = "https://%v/%v/oauth2/v2.0/authorize"
	instanceDiscoveryEndpoint = "https://%v/common/discovery/instance"
	defaultHost               = "login.microsoftonline.com"

	// AAD is the authority type for Microsoft identity platform tenants.
	AAD = "MSSTS"
)

type jsonCaller interface {
	JSONCall(ctx context.Context, endpoint string, headers http.Header, qv url.Values, body, resp interface{}) error
}

// OAuthResponseBase carries the error fields every authority response can have.
type OAuthResponseBase struct {
	Error            string `json:"error"`
	SubError         string `json:"suberror"`
	ErrorDescription string `json:"error_description"`
	ErrorCodes       []int  `json:"error_codes"`
	CorrelationID    string `json:"correlation_id"`
	Claims           string `json:"claims"`

	AdditionalFields map[string]interface{}
}

// TenantDiscoveryResponse is the tenant endpoints from the OpenID
// configuration endpoint.
type TenantDiscoveryResponse struct {
	OAuthResponseBase

	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	Issuer                string `json:"issuer"`

	AdditionalFields map[string]interface{}
}

// Validate validates that the response had the correct values required.
func (r *TenantDiscoveryResponse) Validate() error {
	switch "" {
	case r.AuthorizationEndpoint:
		return errors.New("TenantDiscoveryResponse: authorize endpoint was not found in the openid configuration")
	case r.TokenEndpoint:
		return errors.New("TenantDiscoveryResponse: token endpoint was not found in the openid configuration")
	case r.Issuer:
		return errors.New("TenantDiscoveryResponse: issuer was not found in the openid configuration")
	}
	return nil
}

// InstanceDiscoveryMetadata describes one cloud environment: the host to use
// on the network, the host to key cache entries with, and every alias the
// environment is known by.
type InstanceDiscoveryMetadata struct {
	PreferredNetwork        string   `json:"preferred_network"`
	PreferredCache          string   `json:"preferred_cache"`
	TenantDiscoveryEndpoint string   `json:"tenant_discovery_endpoint"`
	Aliases                 []string `json:"aliases"`

	AdditionalFields map[string]interface{}
}

// InstanceDiscoveryResponse is the body of the instance discovery endpoint.
type InstanceDiscoveryResponse struct {
	TenantDiscoveryEndpoint string                      `json:"tenant_discovery_endpoint"`
	Metadata                []InstanceDiscoveryMetadata `json:"metadata"`

	AdditionalFields map[string]interface{}
}

//go:generate stringer -type=AuthorizeType

// AuthorizeType represents the type of token flow.
type AuthorizeType int

// These are all the types of token flows.
const (
	ATUnknown AuthorizeType = iota
	ATRefreshToken
	ATAuthCode
	ATClientCredentials
	ATOnBehalfOf
)

// AuthParams represents the parameters used for authorization for token
// acquisition.
type AuthParams struct {
	AuthorityInfo Info
	CorrelationID string
	Endpoints     Endpoints
	ClientID      string
	Redirecturi   string
	HomeAccountID string
	// Scopes is the space-separated scopes the request asked for, already
	// lowercased. Order is not significant for cache matching.
	Scopes        []string
	AuthorizeType AuthorizeType
	// UserAssertion is the access token exchanged in on-behalf-of flows. Its
	// hash partitions the cache.
	UserAssertion string
}

// NewAuthParams creates an authorization parameters object. Every request
// gets a fresh correlation ID so failures can be tied to server-side logs.
func NewAuthParams(clientID string, authorityInfo Info) AuthParams {
	return AuthParams{
		ClientID:      clientID,
		AuthorityInfo: authorityInfo,
		CorrelationID: uuid.New().String(),
	}
}

// AssertionHash produces the cache partition key for the params' user
// assertion.
func (p AuthParams) AssertionHash() string {
	if p.UserAssertion == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(p.UserAssertion))
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(hash[:])
}

// AppKey is the cache partition key for app-only (client credentials) tokens.
func (p AuthParams) AppKey() string {
	if p.AuthorityInfo.Tenant != "" {
		return fmt.Sprintf("%s_%s_AppTokenCache", p.ClientID, p.AuthorityInfo.Tenant)
	}
	return fmt.Sprintf("%s__AppTokenCache", p.ClientID)
}

// Info consists of information about the authority.
type Info struct {
	Host                  string
	CanonicalAuthorityURI string
	AuthorityType         string
	ValidateAuthority     bool
	Tenant                string
}

func firstPathSegment(u *url.URL) (string, error) {
	pathParts := strings.Split(u.EscapedPath(), "/")
	if len(pathParts) >= 2 && pathParts[1] != "" {
		return pathParts[1], nil
	}
	return "", errors.New(`authority must be an URL such as "https://login.microsoftonline.com/<your tenant>"`)
}

// NewInfoFromAuthorityURI creates an Info instance from the authority URL
// provided.
func NewInfoFromAuthorityURI(authority string, validateAuthority bool) (Info, error) {
	u, err := url.Parse(strings.ToLower(strings.TrimSpace(authority)))
	if err != nil || u.Scheme != "https" {
		return Info{}, errors.New(`authority must be an https URL such as "https://login.microsoftonline.com/<your tenant>"`)
	}

	tenant, err := firstPathSegment(u)
	if err != nil {
		return Info{}, err
	}

	return Info{
		Host:                  u.Hostname(),
		CanonicalAuthorityURI: fmt.Sprintf("https://%v/%v/", u.Hostname(), tenant),
		AuthorityType:         AAD,
		ValidateAuthority:     validateAuthority,
		Tenant:                tenant,
	}, nil
}

// Endpoints consists of the endpoints from the tenant discovery response.
type Endpoints struct {
	AuthorizationEndpoint string
	TokenEndpoint         string
	selfSignedJwtAudience string
	authorityHost         string
}

// NewEndpoints creates an Endpoints object.
func NewEndpoints(authorizationEndpoint, tokenEndpoint, selfSignedJwtAudience, authorityHost string) Endpoints {
	return Endpoints{authorizationEndpoint, tokenEndpoint, selfSignedJwtAudience, authorityHost}
}

// Client represents the REST calls to authority backends.
type Client struct {
	// Comm provides the HTTP transport client.
	Comm jsonCaller // *comm.Client
}

// GetTenantDiscoveryResponse fetches the OpenID configuration document.
func (c Client) GetTenantDiscoveryResponse(ctx context.Context, openIDConfigurationEndpoint string) (TenantDiscoveryResponse, error) {
	resp := TenantDiscoveryResponse{}
	err := c.Comm.JSONCall(ctx, openIDConfigurationEndpoint, http.Header{}, nil, nil, &resp)
	return resp, err
}

// GetInstanceDiscoveryResponse performs the instance discovery round trip
// that resolves an authority host to its alias metadata.
func (c Client) GetInstanceDiscoveryResponse(ctx context.Context, authorityInfo Info) (InstanceDiscoveryResponse, error) {
	qv := url.Values{}
	qv.Set("api-version", "1.1")
	qv.Set("authorization_endpoint", fmt.Sprintf(authorizationEndpointFmt, authorityInfo.Host, authorityInfo.Tenant))

	discoveryHost := defaultHost
	if TrustedHost(authorityInfo.Host) {
		discoveryHost = authorityInfo.Host
	}

	endpoint := fmt.Sprintf(instanceDiscoveryEndpoint, discoveryHost)
	resp := InstanceDiscoveryResponse{}
	err := c.Comm.JSONCall(ctx, endpoint, http.Header{}, qv, nil, &resp)
	return resp, err
}
