// Package cachemanager wraps go-cache with typed accessors. The scheduler
// caches poll snapshots here so every guard in a tick reads one snapshot.
package cachemanager

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/maxthelion/octopoid/internal/log"
)

const DefaultExpiration = 10 * time.Second
const DefaultCleanupInterval = time.Minute

// Manager is a typed TTL cache.
type Manager[V any] interface {
	Get(ctx context.Context, key string) (V, bool)
	Set(ctx context.Context, key string, value V)
	SetWithTTL(ctx context.Context, key string, value V, ttl time.Duration)
	Delete(ctx context.Context, key string)
	Flush(ctx context.Context)
}

// InMemoryManager is the go-cache backed implementation of Manager.
type InMemoryManager[V any] struct {
	useCase string
	cache   *gocache.Cache
}

// Ensure InMemoryManager implements Manager.
var _ Manager[int] = (*InMemoryManager[int])(nil)

// New initializes an in-memory cache. useCase labels log lines only.
func New[V any](useCase string, defaultExpiration, cleanupInterval time.Duration) *InMemoryManager[V] {
	return &InMemoryManager[V]{
		useCase: useCase,
		cache:   gocache.New(defaultExpiration, cleanupInterval),
	}
}

// Get retrieves an item from the cache by its key.
func (c *InMemoryManager[V]) Get(ctx context.Context, key string) (V, bool) {
	var zero V

	value, found := c.cache.Get(key)
	if !found {
		return zero, false
	}

	v, ok := value.(V)
	if !ok {
		log.Error().Str("use_case", c.useCase).Str("key", key).Msg("wrong type assertion when getting cached value")
		return zero, false
	}

	return v, true
}

// Set stores a value with the default expiration.
func (c *InMemoryManager[V]) Set(ctx context.Context, key string, value V) {
	c.cache.Set(key, value, gocache.DefaultExpiration)
}

// SetWithTTL stores a value with an explicit expiration.
func (c *InMemoryManager[V]) SetWithTTL(ctx context.Context, key string, value V, ttl time.Duration) {
	c.cache.Set(key, value, ttl)
}

// Delete removes a key.
func (c *InMemoryManager[V]) Delete(ctx context.Context, key string) {
	c.cache.Delete(key)
}

// Flush drops everything.
func (c *InMemoryManager[V]) Flush(ctx context.Context) {
	c.cache.Flush()
}
