// Package cache defines the byte-value cache contract used for the shared
// (cross-process) cache tier. The engine's per-source protection cache is a
// separate, richer structure; this interface only covers the key/value tier.
package cache

import (
	"context"
	"time"
)

// Cache is the shared-tier contract. Implementations must be safe for
// concurrent use. Get returns nil, nil for a missing key.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// Stats holds shared-tier counters for monitoring.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Sets   int64 `json:"sets"`
	Errors int64 `json:"errors"`
}
