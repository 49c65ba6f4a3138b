// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package oauth

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/entraauth/tokencore/internal/oauth/ops/authority"
)

type tenantDiscoverer interface {
	GetTenantDiscoveryResponse(ctx context.Context, openIDConfigurationEndpoint string) (authority.TenantDiscoveryResponse, error)
}

// authorityEndpoint resolves and caches the auth and token endpoints for an
// authority. Entries live for the process lifetime; the OIDC document does
// not change for a tenant.
type authorityEndpoint struct {
	rest tenantDiscoverer

	mu    sync.Mutex
	cache map[string]authority.Endpoints
}

func newAuthorityEndpoint(rest tenantDiscoverer) *authorityEndpoint {
	return &authorityEndpoint{rest: rest, cache: map[string]authority.Endpoints{}}
}

// ResolveEndpoints gets the authorization and token endpoints and creates an
// Endpoints instance.
func (m *authorityEndpoint) ResolveEndpoints(ctx context.Context, authorityInfo authority.Info) (authority.Endpoints, error) {
	if endpoints, found := m.cachedEndpoints(authorityInfo); found {
		return endpoints, nil
	}

	endpoint := authorityInfo.CanonicalAuthorityURI + "v2.0/.well-known/openid-configuration"
	resp, err := m.rest.GetTenantDiscoveryResponse(ctx, endpoint)
	if err != nil {
		return authority.Endpoints{}, err
	}
	if err := resp.Validate(); err != nil {
		return authority.Endpoints{}, fmt.Errorf("ResolveEndpoints(): %w", err)
	}

	tenant := authorityInfo.Tenant
	endpoints := authority.NewEndpoints(
		strings.Replace(resp.AuthorizationEndpoint, "{tenant}", tenant, -1),
		strings.Replace(resp.TokenEndpoint, "{tenant}", tenant, -1),
		strings.Replace(resp.Issuer, "{tenant}", tenant, -1),
		authorityInfo.Host)

	m.addCachedEndpoints(authorityInfo, endpoints)
	return endpoints, nil
}

func (m *authorityEndpoint) cachedEndpoints(authorityInfo authority.Info) (authority.Endpoints, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	endpoints, ok := m.cache[authorityInfo.CanonicalAuthorityURI]
	return endpoints, ok
}

func (m *authorityEndpoint) addCachedEndpoints(authorityInfo authority.Info, endpoints authority.Endpoints) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[authorityInfo.CanonicalAuthorityURI] = endpoints
}
