// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package oauth orchestrates the grant exchanges against the token endpoint
// and classifies their failures into the typed errors callers branch on.
// It performs no retries: transient failures surface with
// errors.CodeServiceTransient and retry policy stays with the HTTP client.
package oauth

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/entraauth/tokencore/errors"
	"github.com/entraauth/tokencore/internal/json"
	"github.com/entraauth/tokencore/internal/oauth/ops"
	"github.com/entraauth/tokencore/internal/oauth/ops/accesstokens"
	"github.com/entraauth/tokencore/internal/oauth/ops/authority"
	"github.com/rs/zerolog"
)

type resolveEndpointer interface {
	ResolveEndpoints(ctx context.Context, authorityInfo authority.Info) (authority.Endpoints, error)
}

type accessTokens interface {
	FromAuthCode(ctx context.Context, req accesstokens.AuthCodeRequest) (accesstokens.TokenResponse, error)
	FromRefreshToken(ctx context.Context, appType accesstokens.AppType, authParams authority.AuthParams, cc *accesstokens.Credential, refreshToken string) (accesstokens.TokenResponse, error)
	FromClientSecret(ctx context.Context, authParams authority.AuthParams, clientSecret string) (accesstokens.TokenResponse, error)
	FromAssertion(ctx context.Context, authParams authority.AuthParams, assertion string) (accesstokens.TokenResponse, error)
	FromUserAssertion(ctx context.Context, authParams authority.AuthParams, cc *accesstokens.Credential) (accesstokens.TokenResponse, error)
}

// Client provides tokens for various types of token requests.
type Client struct {
	// Discovery resolves environment aliases; the storage layer consults it
	// when matching cache entries.
	Discovery *authority.Discovery

	accessTokens accessTokens
	resolver     resolveEndpointer
	log          zerolog.Logger
}

// New is the constructor for Client. instanceDiscovery false disables all
// instance discovery network traffic (private cloud deployments).
func New(httpClient ops.HTTPClient, instanceDiscovery bool, log zerolog.Logger) *Client {
	r := ops.New(httpClient)
	return &Client{
		Discovery:    authority.NewDiscovery(r.Authority(), instanceDiscovery, log),
		accessTokens: r.AccessTokens(),
		resolver:     newAuthorityEndpoint(r.Authority()),
		log:          log,
	}
}

// ResolveEndpoints fills in the token and authorization endpoints for the
// params' authority.
func (c *Client) ResolveEndpoints(ctx context.Context, authorityInfo authority.Info) (authority.Endpoints, error) {
	return c.resolver.ResolveEndpoints(ctx, authorityInfo)
}

// resolve populates authParams.Endpoints in place.
func (c *Client) resolve(ctx context.Context, authParams *authority.AuthParams) error {
	endpoints, err := c.resolver.ResolveEndpoints(ctx, authParams.AuthorityInfo)
	if err != nil {
		return c.classify(err, *authParams)
	}
	authParams.Endpoints = endpoints
	return nil
}

// Refresh redeems a refresh token for a new token set.
func (c *Client) Refresh(ctx context.Context, appType accesstokens.AppType, authParams authority.AuthParams, cc *accesstokens.Credential, refreshToken accesstokens.RefreshToken) (accesstokens.TokenResponse, error) {
	if err := c.resolve(ctx, &authParams); err != nil {
		return accesstokens.TokenResponse{}, err
	}
	tr, err := c.accessTokens.FromRefreshToken(ctx, appType, authParams, cc, refreshToken.Secret)
	if err != nil {
		c.log.Debug().Str("correlation_id", authParams.CorrelationID).Err(err).Msg("refresh token redemption failed")
		return accesstokens.TokenResponse{}, c.classify(err, authParams)
	}
	return tr, nil
}

// Credential acquires a token from the authority using a client credential
// (secret or signed assertion).
func (c *Client) Credential(ctx context.Context, authParams authority.AuthParams, cred *accesstokens.Credential) (accesstokens.TokenResponse, error) {
	if err := c.resolve(ctx, &authParams); err != nil {
		return accesstokens.TokenResponse{}, err
	}

	if cred.Secret != "" {
		tr, err := c.accessTokens.FromClientSecret(ctx, authParams, cred.Secret)
		if err != nil {
			return accesstokens.TokenResponse{}, c.classify(err, authParams)
		}
		return tr, nil
	}
	jwt, err := cred.JWT(authParams)
	if err != nil {
		return accesstokens.TokenResponse{}, err
	}
	tr, err := c.accessTokens.FromAssertion(ctx, authParams, jwt)
	if err != nil {
		return accesstokens.TokenResponse{}, c.classify(err, authParams)
	}
	return tr, nil
}

// OnBehalfOf exchanges a user assertion for a downstream token.
func (c *Client) OnBehalfOf(ctx context.Context, authParams authority.AuthParams, cred *accesstokens.Credential) (accesstokens.TokenResponse, error) {
	if err := c.resolve(ctx, &authParams); err != nil {
		return accesstokens.TokenResponse{}, err
	}
	tr, err := c.accessTokens.FromUserAssertion(ctx, authParams, cred)
	if err != nil {
		return accesstokens.TokenResponse{}, c.classify(err, authParams)
	}
	return tr, nil
}

// AuthCode redeems an authorization code.
func (c *Client) AuthCode(ctx context.Context, req accesstokens.AuthCodeRequest) (accesstokens.TokenResponse, error) {
	if err := c.resolve(ctx, &req.AuthParams); err != nil {
		return accesstokens.TokenResponse{}, err
	}
	tr, err := c.accessTokens.FromAuthCode(ctx, req)
	if err != nil {
		return accesstokens.TokenResponse{}, c.classify(err, req.AuthParams)
	}
	return tr, nil
}

// classify converts transport and protocol failures into typed errors.
// invalid_grant and interaction_required become UI-required signals; 5xx and
// transport errors become transient service failures.
func (c *Client) classify(err error, authParams authority.AuthParams) error {
	var callErr errors.CallErr
	if !errors.As(err, &callErr) {
		return err
	}

	if callErr.Resp == nil {
		return &errors.AuthError{
			Code:          errors.CodeServiceTransient,
			CorrelationID: authParams.CorrelationID,
			Message:       "no response from the authority",
			Err:           err,
		}
	}

	if callErr.Resp.StatusCode >= http.StatusInternalServerError {
		return &errors.AuthError{
			Code:          errors.CodeServiceTransient,
			CorrelationID: authParams.CorrelationID,
			Message:       fmt.Sprintf("authority returned status %d", callErr.Resp.StatusCode),
			Err:           err,
		}
	}

	base := authority.OAuthResponseBase{}
	if body, rerr := io.ReadAll(callErr.Resp.Body); rerr == nil {
		// A body that isn't an OAuth error document is fine; the typed error
		// then carries only the status code.
		_ = json.Unmarshal(body, &base)
	}

	code := errors.CodeUIRequired
	switch base.Error {
	case "invalid_grant":
		code = errors.CodeInvalidGrant
	case "interaction_required":
		code = errors.CodeUIRequired
	case "":
		code = errors.CodeServiceTransient
	}

	correlationID := base.CorrelationID
	if correlationID == "" {
		correlationID = authParams.CorrelationID
	}
	return &errors.AuthError{
		Code:              code,
		CorrelationID:     correlationID,
		Message:           "token request was rejected",
		ServerError:       base.Error,
		ServerSubError:    base.SubError,
		ServerDescription: base.ErrorDescription,
		Err:               err,
	}
}
