// ABOUTME: Thread-safe TTL cache for idempotency keys on session starts
// ABOUTME: Remembers which owner-scoped keys were claimed recently, bounded in size

package dedupe

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache remembers claimed idempotency keys for a TTL. At capacity the
// oldest claim is evicted first.
type Cache struct {
	mu     sync.Mutex
	seen   *expirable.LRU[string, struct{}]
	closed bool
}

// New creates a cache with the given TTL and maximum size.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		seen: expirable.NewLRU[string, struct{}](maxSize, nil, ttl),
	}
}

// Key scopes an idempotency key to an owner so two users sending the same
// key never collide.
func Key(ownerID, key string) string {
	return ownerID + "\x00" + key
}

// Claim atomically checks and records key. It returns true if key was
// already claimed within the TTL (a duplicate) and false if the caller now
// owns it.
func (c *Cache) Claim(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen.Get(key); ok {
		return true
	}
	c.seen.Add(key, struct{}{})
	return false
}

// Release forgets key so the request it guarded can be retried, used when
// the guarded operation failed.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen.Remove(key)
}

// Len returns the number of keys held.
func (c *Cache) Len() int {
	return c.seen.Len()
}

// Close drops every key. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.seen.Purge()
		c.closed = true
	}
}
