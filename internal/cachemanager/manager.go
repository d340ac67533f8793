// Package cachemanager provides TTL caches for worker-derived data that is
// expensive to refetch: resolved thread contexts, model lists, rate limits.
package cachemanager

import (
	"context"
	"time"
)

// CacheManager is a TTL cache over string-like keys. GetWithRefresh extends
// the entry's lifetime on a hit, keeping frequently read entries warm.
type CacheManager[K ~string, V any] interface {
	Get(ctx context.Context, key K) (V, bool)
	GetWithRefresh(ctx context.Context, key K, ttl time.Duration) (V, bool)
	Set(ctx context.Context, key K, value V, ttl time.Duration)
	Delete(ctx context.Context, keys ...K) error
}
