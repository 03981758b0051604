// Package cache provides the caching service layer: key derivation,
// memoized get-or-compute, and bulk invalidation over a pluggable backend.
package cache

import (
	"context"
	"time"

	"goflare.io/hearth/internal/models"
)

// NoExpiry as a TTL stores an entry without an expiry time.
const NoExpiry = time.Duration(-1)

// Backend is the capability interface a cache store must satisfy. Misses
// are reported as (nil, false, nil), never as errors.
type Backend interface {
	Get(ctx context.Context, key string) (*models.Entry, bool, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration, tags []string) error
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error

	// InvalidateTag removes every entry whose tag set contains tag and
	// returns the number of entries removed.
	InvalidateTag(ctx context.Context, tag string) (int, error)

	// InvalidatePattern removes every entry whose key contains substr and
	// returns the number of entries removed.
	InvalidatePattern(ctx context.Context, substr string) (int, error)

	Stats(ctx context.Context) (models.CacheStats, error)
	Close() error
}
