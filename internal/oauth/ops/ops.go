// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package ops provides the REST clients for the backend calls the token
// acquisition core makes. The underlying transport is the abstract HTTP
// collaborator; comm.Client is its default implementation.
package ops

import (
	"github.com/entraauth/tokencore/internal/oauth/ops/accesstokens"
	"github.com/entraauth/tokencore/internal/oauth/ops/authority"
	"github.com/entraauth/tokencore/internal/oauth/ops/comm"
)

// HTTPClient represents an HTTP client.
// It's usually an *http.Client from the standard library.
type HTTPClient = comm.HTTPClient

// REST provides REST clients for communicating with various authority
// backends.
type REST struct {
	client *comm.Client
}

// New is the constructor for REST.
func New(httpClient HTTPClient) *REST {
	return &REST{client: comm.New(httpClient)}
}

// AccessTokens returns a client that can be used to get various access
// tokens.
func (r *REST) AccessTokens() accesstokens.Client {
	return accesstokens.Client{Comm: r.client}
}

// Authority returns a client that can be used to query tenant and instance
// metadata.
func (r *REST) Authority() authority.Client {
	return authority.Client{Comm: r.client}
}
