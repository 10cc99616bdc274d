// ABOUTME: TTL cache for suppressing duplicate gateway webhook deliveries
// ABOUTME: Keys are (instance, message id) pairs; retries inside the TTL are rejected

package dedupe

import (
	"sync"
	"time"
)

// Cache is a thread-safe, TTL-based, size-limited record of seen webhook
// keys. A background goroutine sweeps expired entries.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a dedupe cache with the given TTL and maximum size.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// CheckAndMark atomically checks whether a key was seen inside the TTL and
// marks it if not. Returns true for a duplicate.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if at, ok := c.seen[key]; ok && now.Sub(at) < c.ttl {
		return true
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.seen[key] = now
	return false
}

// Forget drops a key so a later retry is not treated as a duplicate. Used
// when processing fails after the key was already marked.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, key)
}

// evictOldestLocked drops the entry with the oldest timestamp. Webhook
// volumes are small enough that a linear scan is fine here.
func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for key, at := range c.seen {
		if oldestKey == "" || at.Before(oldestAt) {
			oldestKey, oldestAt = key, at
		}
	}
	if oldestKey != "" {
		delete(c.seen, oldestKey)
	}
}

// sweep periodically removes expired entries.
func (c *Cache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for key, at := range c.seen {
				if now.Sub(at) > c.ttl {
					delete(c.seen, key)
				}
			}
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

// Close stops the background sweeper. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
