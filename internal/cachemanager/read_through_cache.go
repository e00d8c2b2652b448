package cachemanager

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// Loader fetches the value for key from the backing store.
type Loader[V any] func(ctx context.Context, key string) (V, error)

// ReadThroughCache serves values from a Store and loads misses
// through a Loader. Concurrent misses for one key share a single load.
// Errors are never cached.
type ReadThroughCache[V any] struct {
	cache Store[V]
	load  Loader[V]
	ttl   time.Duration
	group singleflight.Group
}

// NewReadThroughCache caches loaded values for ttl.
func NewReadThroughCache[V any](cache Store[V], load Loader[V], ttl time.Duration) *ReadThroughCache[V] {
	return &ReadThroughCache[V]{cache: cache, load: load, ttl: ttl}
}

// Get returns the cached value or loads it.
func (r *ReadThroughCache[V]) Get(ctx context.Context, key string) (V, error) {
	if value, ok := r.cache.Get(ctx, key); ok {
		return value, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		value, err := r.load(ctx, key)
		if err != nil {
			return value, err
		}
		r.cache.Set(ctx, key, value, r.ttl)
		return value, nil
	})
	return v.(V), err
}

// Invalidate drops key so the next Get reloads it.
func (r *ReadThroughCache[V]) Invalidate(ctx context.Context, key string) {
	r.group.Forget(key)
	r.cache.Delete(ctx, key)
}
