// Package cache provides byte-oriented block caches for immutable files.
//
// Data and manifest files are written once and never modified, so cache
// entries never go stale; invalidation is only needed when a file is
// deleted and its name could be reused.
package cache

import "context"

// CacheKind separates key spaces and tuning.
type CacheKind uint8

const (
	CacheKindUnknown  CacheKind = iota
	CacheKindData               // data file blocks
	CacheKindManifest           // manifest and manifest list blocks
	CacheKindBlob               // generic blob store blocks
)

// CacheKey must be stable across processes. Path identifies the source
// file; Offset is a logical block index within it.
type CacheKey struct {
	Kind   CacheKind
	Path   string
	Offset uint64
}

// BlockCache is a byte-oriented cache for immutable blocks.
// Returned slices must be treated as read-only.
type BlockCache interface {
	// Get returns a cached block. ok=false if missing.
	Get(ctx context.Context, key CacheKey) (b []byte, ok bool)
	// Set caches a block. Implementations may copy or retain; caller must treat b as immutable.
	Set(ctx context.Context, key CacheKey, b []byte)
	// Invalidate removes entries matching the predicate.
	Invalidate(predicate func(key CacheKey) bool)
	// Close releases any resources.
	Close() error
	// Stats returns cache statistics.
	Stats() (hits, misses int64)
}
