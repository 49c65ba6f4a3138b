// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package cache allows third parties to implement external storage for caching
token data for distributed systems or multiple local applications access.

The data stored and extracted will represent the entire cache. Therefore it is
recommended one client instance per user. This data is considered opaque and
there are no guarantees to implementers on the format being passed.
*/
package cache

import "context"

// Marshaler marshals data from an internal cache to bytes that can be stored.
type Marshaler interface {
	Marshal() ([]byte, error)
}

// Unmarshaler unmarshals data from a storage medium into the internal cache.
// Entries present in the incoming data overwrite same-keyed entries; entries
// absent from it are preserved unless ReplaceHints.ReplaceAll was set.
type Unmarshaler interface {
	Unmarshal([]byte) error
}

// Serializer can serialize the cache to binary or from binary into the cache.
type Serializer interface {
	Marshaler
	Unmarshaler
}

// ReplaceHints are suggestions for loading the cache from external storage.
type ReplaceHints struct {
	// PartitionKey is a suggested key for partitioning the cache. It is the
	// home account ID for user flows and an assertion hash for on-behalf-of
	// flows.
	PartitionKey string
	// ReplaceAll indicates the external store is the single source of truth:
	// the in-memory cache is cleared before the incoming data is merged.
	ReplaceAll bool
}

// ExportHints are suggestions for storing the cache in external storage.
type ExportHints struct {
	// PartitionKey is a suggested key for partitioning the cache.
	PartitionKey string
}

// ExportReplace is implemented by external storage. The core invokes Replace
// before reading the cache and Export after an operation that changed it;
// both calls are scoped to one logical operation and Export fires at most
// once per operation, on every exit path.
type ExportReplace interface {
	// Replace replaces the cache with what is in external storage. Implement
	// this by calling cache.Unmarshal with the stored bytes. Honor ctx
	// cancellation and deadlines.
	Replace(ctx context.Context, cache Unmarshaler, hints ReplaceHints) error
	// Export writes the binary representation of the cache (cache.Marshal())
	// to external storage. The bytes are opaque. Honor ctx cancellation and
	// deadlines.
	Export(ctx context.Context, cache Marshaler, hints ExportHints) error
}
