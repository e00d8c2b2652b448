// Package cachemanager holds TTL caches keyed by job id: result lookups for
// the API, live job channels and per-run metrics.
package cachemanager

import (
	"context"
	"time"
)

// Store is the subset of a cache the read-through layer needs.
type Store[V any] interface {
	Get(ctx context.Context, key string) (V, bool)
	Set(ctx context.Context, key string, value V, ttl time.Duration)
	Delete(ctx context.Context, keys ...string)
}

var _ Store[int] = (*InMemoryCacheManager[int])(nil)
