// Package memory holds in-process fallbacks for stores normally backed by Redis.
package memory

import (
	"context"
	"sync"
	"time"
)

const sweepEvery = 256

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// IdempotencyCache implements ports.IdempotencyCache in process memory.
// Receipts are lost on restart.
type IdempotencyCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	writes  int
	now     func() time.Time
}

// NewIdempotencyCache creates a new IdempotencyCache.
func NewIdempotencyCache() *IdempotencyCache {
	return &IdempotencyCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Get returns the cached receipt or nil if absent or expired.
func (c *IdempotencyCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, nil
	}
	return e.value, nil
}

// Set stores the receipt unless a live one already exists under key.
func (c *IdempotencyCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.entries[key]; ok && now.Before(e.expiresAt) {
		return nil
	}
	c.entries[key] = cacheEntry{value: append([]byte(nil), value...), expiresAt: now.Add(ttl)}

	c.writes++
	if c.writes%sweepEvery == 0 {
		for k, e := range c.entries {
			if !now.Before(e.expiresAt) {
				delete(c.entries, k)
			}
		}
	}
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (c *IdempotencyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
