package cache

import (
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// TTLCache caches values by key with TTL-based expiration. A TTL of zero
// disables the cache entirely, which is the default for statvfs results.
//
// Thread-safe: backed by a concurrent map, TTL is atomic.
type TTLCache[V any] struct {
	entries *xsync.MapOf[string, ttlEntry[V]]
	ttl     atomic.Int64
	maxSize int
}

type ttlEntry[V any] struct {
	value   V
	expires time.Time
}

// NewTTLCache creates a new cache.
// ttl: Time-to-live for cached entries (0 disables caching)
// maxSize: Maximum number of entries (use 0 for unlimited)
func NewTTLCache[V any](ttl time.Duration, maxSize int) *TTLCache[V] {
	c := &TTLCache[V]{
		entries: xsync.NewMapOf[string, ttlEntry[V]](),
		maxSize: maxSize,
	}
	c.ttl.Store(int64(ttl))
	return c
}

// TTL returns the current time-to-live.
func (c *TTLCache[V]) TTL() time.Duration {
	return time.Duration(c.ttl.Load())
}

// SetTTL changes the time-to-live. Existing entries are dropped so a
// shorter TTL takes effect immediately.
func (c *TTLCache[V]) SetTTL(ttl time.Duration) {
	c.ttl.Store(int64(ttl))
	c.Invalidate()
}

// Get returns the cached value for key if present and fresh.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	var zero V
	if Disabled || c.TTL() <= 0 {
		return zero, false
	}
	e, ok := c.entries.Load(key)
	if !ok {
		return zero, false
	}
	if time.Now().After(e.expires) {
		c.entries.Delete(key)
		return zero, false
	}
	return e.value, true
}

// Set stores value for key. No-op when caching is disabled.
func (c *TTLCache[V]) Set(key string, value V) {
	ttl := c.TTL()
	if Disabled || ttl <= 0 {
		return
	}
	if c.maxSize > 0 && c.entries.Size() >= c.maxSize {
		// Don't add new entries when at capacity
		if _, exists := c.entries.Load(key); !exists {
			return
		}
	}
	c.entries.Store(key, ttlEntry[V]{value: value, expires: time.Now().Add(ttl)})
}

// GetOrLoad returns the cached value for key, calling load on a miss and
// caching its result when it succeeds.
func (c *TTLCache[V]) GetOrLoad(key string, load func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	c.Set(key, v)
	return v, nil
}

// Delete removes key.
func (c *TTLCache[V]) Delete(key string) {
	c.entries.Delete(key)
}

// Invalidate clears all entries from the cache.
func (c *TTLCache[V]) Invalidate() {
	c.entries.Clear()
}

// Size returns the current number of entries in the cache.
func (c *TTLCache[V]) Size() int {
	return c.entries.Size()
}
