// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package authority

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// knownClouds is the static alias table for sovereign and public clouds. It
// is read-only after process init; construct Discovery instances around it
// rather than consulting it directly so tests can inject isolated state.
var knownClouds = []InstanceDiscoveryMetadata{
	{
		PreferredNetwork: "login.microsoftonline.com",
		PreferredCache:   "login.windows.net",
		Aliases: []string{
			"login.microsoftonline.com",
			"login.windows.net",
			"login.microsoft.com",
			"sts.windows.net",
		},
	},
	{
		PreferredNetwork: "login.partner.microsoftonline.cn",
		PreferredCache:   "login.partner.microsoftonline.cn",
		Aliases: []string{
			"login.partner.microsoftonline.cn",
			"login.chinacloudapi.cn",
		},
	},
	{
		PreferredNetwork: "login.microsoftonline.de",
		PreferredCache:   "login.microsoftonline.de",
		Aliases:          []string{"login.microsoftonline.de"},
	},
	{
		PreferredNetwork: "login.microsoftonline.us",
		PreferredCache:   "login.microsoftonline.us",
		Aliases: []string{
			"login.microsoftonline.us",
			"login.usgovcloudapi.net",
			"login-us.microsoftonline.com",
		},
	},
	{
		PreferredNetwork: "login.microsoftonline.eaglex.ic.gov",
		PreferredCache:   "login.microsoftonline.eaglex.ic.gov",
		Aliases:          []string{"login.microsoftonline.eaglex.ic.gov"},
	},
}

// TrustedHost checks if an authority host is in the known cloud table.
func TrustedHost(host string) bool {
	for _, cloud := range knownClouds {
		for _, alias := range cloud.Aliases {
			if alias == host {
				return true
			}
		}
	}
	return false
}

type instanceDiscoverer interface {
	GetInstanceDiscoveryResponse(ctx context.Context, authorityInfo Info) (InstanceDiscoveryResponse, error)
}

// Discovery resolves authority hosts to environment alias metadata. It holds
// an immutable known-clouds table seeded at construction plus a lock-guarded
// overlay of metadata discovered at runtime. Concurrent callers for the same
// authority share one in-flight network round trip.
type Discovery struct {
	client  instanceDiscoverer
	enabled bool
	log     zerolog.Logger

	known map[string]InstanceDiscoveryMetadata // immutable after construction

	mu      sync.RWMutex
	runtime map[string]InstanceDiscoveryMetadata
	group   singleflight.Group
}

// NewDiscovery constructs a Discovery around the given REST client. When
// enabled is false every authority resolves to itself with no aliases and no
// network traffic, which is the behavior private clouds need.
func NewDiscovery(client instanceDiscoverer, enabled bool, log zerolog.Logger) *Discovery {
	known := make(map[string]InstanceDiscoveryMetadata, len(knownClouds)*2)
	for _, cloud := range knownClouds {
		for _, alias := range cloud.Aliases {
			known[alias] = cloud
		}
	}
	return &Discovery{
		client:  client,
		enabled: enabled,
		log:     log,
		known:   known,
		runtime: map[string]InstanceDiscoveryMetadata{},
	}
}

// IsKnownEnvironment reports whether the host needs no network discovery.
func (d *Discovery) IsKnownEnvironment(host string) bool {
	if _, ok := d.known[host]; ok {
		return true
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.runtime[host]
	return ok
}

// Metadata returns the alias metadata for an authority. existingEnvs are the
// environments already present in the token cache: when the requested host
// and all of them are covered by the known table, the static data answers
// with no network call. Otherwise one discovery round trip is made per host,
// shared across concurrent callers.
func (d *Discovery) Metadata(ctx context.Context, authorityInfo Info, existingEnvs []string) (InstanceDiscoveryMetadata, error) {
	host := authorityInfo.Host
	if !d.enabled {
		return selfMetadata(host), nil
	}

	if md, ok := d.known[host]; ok && d.allKnown(existingEnvs) {
		return md, nil
	}

	d.mu.RLock()
	if md, ok := d.runtime[host]; ok {
		d.mu.RUnlock()
		return md, nil
	}
	d.mu.RUnlock()

	v, err, _ := d.group.Do(host, func() (interface{}, error) {
		// Double-check after winning the flight: a previous winner may have
		// populated the overlay while we waited.
		d.mu.RLock()
		if md, ok := d.runtime[host]; ok {
			d.mu.RUnlock()
			return md, nil
		}
		d.mu.RUnlock()
		return d.discover(ctx, authorityInfo)
	})
	if err != nil {
		return InstanceDiscoveryMetadata{}, err
	}
	return v.(InstanceDiscoveryMetadata), nil
}

func (d *Discovery) allKnown(envs []string) bool {
	for _, env := range envs {
		if _, ok := d.known[env]; !ok {
			return false
		}
	}
	return true
}

func (d *Discovery) discover(ctx context.Context, authorityInfo Info) (InstanceDiscoveryMetadata, error) {
	resp, err := d.client.GetInstanceDiscoveryResponse(ctx, authorityInfo)
	if err != nil {
		return InstanceDiscoveryMetadata{}, err
	}
	d.log.Debug().Str("host", authorityInfo.Host).Int("environments", len(resp.Metadata)).
		Msg("instance discovery round trip")

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, md := range resp.Metadata {
		md.TenantDiscoveryEndpoint = resp.TenantDiscoveryEndpoint
		for _, alias := range md.Aliases {
			d.runtime[alias] = md
		}
	}
	// A host the server didn't describe still resolves to itself so cache
	// keys stay stable for it.
	if _, ok := d.runtime[authorityInfo.Host]; !ok {
		d.runtime[authorityInfo.Host] = selfMetadata(authorityInfo.Host)
	}
	return d.runtime[authorityInfo.Host], nil
}

func selfMetadata(host string) InstanceDiscoveryMetadata {
	return InstanceDiscoveryMetadata{
		PreferredNetwork: host,
		PreferredCache:   host,
		Aliases:          []string{host},
	}
}
