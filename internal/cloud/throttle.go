package cloud

import (
	"context"
	"strings"
	"sync"
	"time"
)

// RateLimiter spaces calls per key (usually a provider service name).
type RateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	next     map[string]time.Time
}

// NewRateLimiter allows ratePerSec calls per key per second.
func NewRateLimiter(ratePerSec int) *RateLimiter {
	if ratePerSec <= 0 {
		ratePerSec = 10
	}
	return &RateLimiter{
		interval: time.Second / time.Duration(ratePerSec),
		next:     make(map[string]time.Time),
	}
}

// Wait blocks until key may be called again or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	rl.mu.Lock()
	now := time.Now()
	slot := rl.next[key]
	if slot.Before(now) {
		slot = now
	}
	rl.next[key] = slot.Add(rl.interval)
	rl.mu.Unlock()

	delay := time.Until(slot)
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type cacheEntry struct {
	data      any
	expiresAt time.Time
}

// ResponseCache is an in-memory TTL cache for read-only provider responses.
type ResponseCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

// NewResponseCache creates a cache whose entries live for ttl.
func NewResponseCache(ttl time.Duration) *ResponseCache {
	return &ResponseCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
	}
}

// Get returns a live entry.
func (c *ResponseCache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.data, true
}

// Put stores data under key.
func (c *ResponseCache) Put(key string, data any) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &cacheEntry{data: data, expiresAt: time.Now().Add(c.ttl)}
}

// Clear drops every entry whose key starts with prefix ("" clears all) and
// returns how many were removed.
func (c *ResponseCache) Clear(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			count++
		}
	}
	return count
}
