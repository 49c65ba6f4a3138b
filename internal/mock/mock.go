// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package mock provides a canned-response HTTP client and builders for the
// wire payloads the token and discovery endpoints return.
package mock

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

type response struct {
	body     []byte
	callback func(*http.Request)
	code     int
	headers  http.Header
}

type responseOption interface {
	apply(*response)
}

type respOpt func(*response)

func (fn respOpt) apply(r *response) {
	fn(r)
}

// WithBody sets the HTTP response's body to the specified value.
func WithBody(b []byte) responseOption {
	return respOpt(func(r *response) {
		r.body = b
	})
}

// WithCallback sets a callback to invoke before returning the response.
func WithCallback(callback func(*http.Request)) responseOption {
	return respOpt(func(r *response) {
		r.callback = callback
	})
}

// WithHTTPStatusCode sets the HTTP status code of the response to the
// specified value.
func WithHTTPStatusCode(statusCode int) responseOption {
	return respOpt(func(r *response) {
		r.code = statusCode
	})
}

// Client is a mock HTTP client that returns a sequence of responses. Use
// AppendResponse to specify the sequence.
type Client struct {
	mu   sync.Mutex
	resp []response
}

func NewClient() *Client {
	return &Client{}
}

func (c *Client) AppendResponse(opts ...responseOption) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := response{code: http.StatusOK, headers: http.Header{}}
	for _, o := range opts {
		o.apply(&r)
	}
	c.resp = append(c.resp, r)
}

func (c *Client) Do(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	if len(c.resp) == 0 {
		c.mu.Unlock()
		panic(fmt.Sprintf(`no response for "%s"`, req.URL.String()))
	}
	resp := c.resp[0]
	c.resp = c.resp[1:]
	c.mu.Unlock()

	if resp.callback != nil {
		resp.callback(req)
	}
	res := http.Response{Header: resp.headers, StatusCode: resp.code}
	res.Body = io.NopCloser(bytes.NewReader(resp.body))
	return &res, nil
}

// CloseIdleConnections implements the comm.HTTPClient interface.
func (*Client) CloseIdleConnections() {}

// TokenBody builds a token endpoint success payload.
func TokenBody(accessToken, idToken, refreshToken, clientInfo string, expiresIn int) []byte {
	body := fmt.Sprintf(`{"access_token": "%s","expires_in": %d,"token_type": "Bearer"`, accessToken, expiresIn)
	if clientInfo != "" {
		body += fmt.Sprintf(`, "client_info": "%s"`, clientInfo)
	}
	if idToken != "" {
		body += fmt.Sprintf(`, "id_token": "%s"`, idToken)
	}
	if refreshToken != "" {
		body += fmt.Sprintf(`, "refresh_token": "%s"`, refreshToken)
	}
	body += "}"
	return []byte(body)
}

// ErrorBody builds a token endpoint OAuth error payload.
func ErrorBody(oauthError, description string) []byte {
	return []byte(fmt.Sprintf(`{"error": "%s", "error_description": "%s"}`, oauthError, description))
}

// ClientInfo builds the base64url client_info blob for the given user and
// tenant.
func ClientInfo(uid, utid string) string {
	payload := fmt.Sprintf(`{"uid":"%s","utid":"%s"}`, uid, utid)
	return base64.RawURLEncoding.EncodeToString([]byte(payload))
}

// IDToken builds an unsigned JWT carrying the minimal claims the library
// reads.
func IDToken(oid, tenant, username string) string {
	now := time.Now().Unix()
	payload := fmt.Sprintf(
		`{"aud": "%s","exp": %d,"iat": %d,"iss": "https://login.microsoftonline.com/%s/v2.0","tid": "%s","oid": "%s","preferred_username": "%s"}`,
		tenant, now+3600, now, tenant, tenant, oid, username,
	)
	return fmt.Sprintf("header.%s.signature", base64.RawURLEncoding.EncodeToString([]byte(payload)))
}

// InstanceDiscoveryBody builds the instance discovery payload aliasing only
// the given host.
func InstanceDiscoveryBody(host, tenant string) []byte {
	authority := fmt.Sprintf("https://%s/%s", host, tenant)
	return []byte(fmt.Sprintf(
		`{"tenant_discovery_endpoint": "%s/v2.0/.well-known/openid-configuration","api-version": "1.1","metadata": [{"preferred_network": "%s","preferred_cache": "%s","aliases": ["%s"]}]}`,
		authority, host, host, host,
	))
}

// TenantDiscoveryBody builds the OIDC metadata payload for the given
// authority.
func TenantDiscoveryBody(host, tenant string) []byte {
	authority := fmt.Sprintf("https://%s/%s", host, tenant)
	return []byte(fmt.Sprintf(
		`{"token_endpoint": "%[1]s/oauth2/v2.0/token","authorization_endpoint": "%[1]s/oauth2/v2.0/authorize","issuer": "%[1]s/v2.0"}`,
		authority,
	))
}
