package cachemanager

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/marketpulse/internal/log"
)

const (
	DefaultExpiration      = 10 * time.Minute
	DefaultCleanupInterval = 30 * time.Second

	// NoExpiration keeps an entry until it is deleted or re-set with a TTL.
	NoExpiration = gocache.NoExpiration
	// NoJanitor disables background cleanup; callers sweep with DeleteExpired.
	NoJanitor time.Duration = 0
)

// NewInMemoryCacheManager creates a go-cache backed manager. A cleanupInterval
// of NoJanitor starts no background goroutine.
func NewInMemoryCacheManager[V any](useCase string, defaultExpiration, cleanupInterval time.Duration) *InMemoryCacheManager[V] {
	return &InMemoryCacheManager[V]{
		useCase: useCase,
		cache:   gocache.New(defaultExpiration, cleanupInterval),
	}
}

// InMemoryCacheManager wraps go-cache with typed values. useCase labels log lines.
type InMemoryCacheManager[V any] struct {
	useCase string
	cache   *gocache.Cache
}

// Get retrieves an unexpired item by key.
func (c *InMemoryCacheManager[V]) Get(_ context.Context, key string) (V, bool) {
	var zero V

	value, found := c.cache.Get(key)
	if !found {
		return zero, false
	}

	v, ok := value.(V)
	if !ok {
		log.Error(log.CatCache, "wrong type assertion when getting value", "cache", c.useCase, "key", key)
		return zero, false
	}

	log.Debug(log.CatCache, "cache hit", "cache", c.useCase, "key", key)
	return v, true
}

// Set stores value under key, replacing any existing entry.
func (c *InMemoryCacheManager[V]) Set(_ context.Context, key string, value V, ttl time.Duration) {
	c.cache.Set(key, value, ttl)
}

// Delete removes keys. The eviction callback runs for each one present.
func (c *InMemoryCacheManager[V]) Delete(_ context.Context, keys ...string) {
	for _, key := range keys {
		c.cache.Delete(key)
	}
}

// DeleteExpired evicts every expired entry.
func (c *InMemoryCacheManager[V]) DeleteExpired() {
	c.cache.DeleteExpired()
}

// OnEvicted registers fn to run after an entry is removed. fn runs outside
// the cache lock and may call back into the manager.
func (c *InMemoryCacheManager[V]) OnEvicted(fn func(key string, value V)) {
	c.cache.OnEvicted(func(key string, value any) {
		v, ok := value.(V)
		if !ok {
			log.Error(log.CatCache, "wrong type assertion on eviction", "cache", c.useCase, "key", key)
			return
		}
		fn(key, v)
	})
}

// Len counts stored entries, including expired ones not yet swept.
func (c *InMemoryCacheManager[V]) Len() int {
	return c.cache.ItemCount()
}
