// Package cache provides the short-lived context cache used by the
// cached retrieval strategy. Entries hold rendered context blocks keyed
// by user and chat.
package cache

import (
	"context"
	"sync"
	"time"
)

// Config configures the context cache.
type Config struct {
	Capacity        int           // Maximum number of entries (default: 1000)
	DefaultTTL      time.Duration // Default TTL for entries (default: 5 minutes)
	CleanupInterval time.Duration // Interval for expired entry cleanup (default: 1 minute)
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:        1000,
		DefaultTTL:      5 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

// ContextCache caches rendered context blocks with LRU eviction and a
// background cleanup loop.
type ContextCache struct {
	lru *lruCache

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a context cache and starts its cleanup loop.
func New(cfg Config) *ContextCache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &ContextCache{
		lru:    newLRUCache(cfg.Capacity, cfg.DefaultTTL),
		ctx:    ctx,
		cancel: cancel,
	}

	c.wg.Add(1)
	go c.cleanupLoop(cfg.CleanupInterval)

	return c
}

// Close stops the cleanup loop.
func (c *ContextCache) Close() {
	c.cancel()
	c.wg.Wait()
}

// Key builds the cache key for a user/chat pair.
func Key(userID, chatID string) string {
	return "ctx:" + userID + ":" + chatID
}

// UserPattern builds the wildcard pattern matching all of a user's entries.
func UserPattern(userID string) string {
	return "ctx:" + userID + ":*"
}

// Get retrieves a cached context block.
func (c *ContextCache) Get(key string) (string, bool) {
	return c.lru.get(key)
}

// Set stores a context block. A non-positive ttl uses the default.
func (c *ContextCache) Set(key, value string, ttl time.Duration) {
	c.lru.set(key, value, ttl)
}

// Invalidate removes entries matching the pattern (trailing * wildcard
// supported, e.g. "ctx:user-1:*").
func (c *ContextCache) Invalidate(pattern string) int {
	return c.lru.invalidate(pattern)
}

// Size returns the number of cached entries.
func (c *ContextCache) Size() int {
	return c.lru.size()
}

func (c *ContextCache) cleanupLoop(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.lru.cleanupExpired()
		}
	}
}
