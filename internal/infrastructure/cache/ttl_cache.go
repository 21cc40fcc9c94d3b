package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// TTLCache is a typed, thread-safe key/value cache whose entries expire after a fixed TTL.
type TTLCache[V any] struct {
	store *gocache.Cache
	ttl   time.Duration
}

// NewTTLCache creates a cache. Expired entries are purged every cleanup interval;
// a non-positive cleanup disables the janitor (lookups still honour expiry).
func NewTTLCache[V any](ttl, cleanup time.Duration) *TTLCache[V] {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &TTLCache[V]{
		store: gocache.New(ttl, cleanup),
		ttl:   ttl,
	}
}

// Get returns the cached value if present and not expired.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	var zero V
	raw, ok := c.store.Get(key)
	if !ok {
		return zero, false
	}
	v, ok := raw.(V)
	if !ok {
		return zero, false
	}
	return v, true
}

// Set stores value under key with the cache TTL.
func (c *TTLCache[V]) Set(key string, value V) {
	c.store.Set(key, value, c.ttl)
}

// Delete removes key.
func (c *TTLCache[V]) Delete(key string) {
	c.store.Delete(key)
}

// Clear removes every entry.
func (c *TTLCache[V]) Clear() {
	c.store.Flush()
}

// Len returns the number of stored entries, expired ones included until purged.
func (c *TTLCache[V]) Len() int {
	return c.store.ItemCount()
}
