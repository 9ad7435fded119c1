package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// lruCache is an LRU cache with per-entry TTL backing ContextCache.
// Safe for concurrent use.
type lruCache struct {
	capacity   int
	defaultTTL time.Duration
	mu         sync.Mutex

	entries map[string]*entry
	order   *list.List
}

type entry struct {
	key       string
	value     string
	expiresAt time.Time
	element   *list.Element
}

func newLRUCache(capacity int, defaultTTL time.Duration) *lruCache {
	return &lruCache{
		capacity:   capacity,
		defaultTTL: defaultTTL,
		entries:    make(map[string]*entry),
		order:      list.New(),
	}
}

// get returns the value for key if present and unexpired, refreshing
// its LRU position.
func (c *lruCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if time.Now().After(e.expiresAt) {
		c.remove(e)
		return "", false
	}

	c.order.MoveToFront(e.element)
	return e.value, true
}

// set stores value under key, evicting the oldest entries at capacity.
func (c *lruCache) set(key, value string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		e.expiresAt = time.Now().Add(ttl)
		c.order.MoveToFront(e.element)
		return
	}

	for len(c.entries) >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.remove(oldest.Value.(*entry))
	}

	e := &entry{
		key:       key,
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	e.element = c.order.PushFront(e)
	c.entries[key] = e
}

// invalidate removes entries matching the pattern. A trailing *
// wildcard matches by prefix; anything else is an exact key.
func (c *lruCache) invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !strings.HasSuffix(pattern, "*") {
		if e, ok := c.entries[pattern]; ok {
			c.remove(e)
			return 1
		}
		return 0
	}

	prefix := strings.TrimSuffix(pattern, "*")
	count := 0
	for key, e := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.remove(e)
			count++
		}
	}
	return count
}

// cleanupExpired drops all expired entries.
func (c *lruCache) cleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	count := 0
	for _, e := range c.entries {
		if now.After(e.expiresAt) {
			c.remove(e)
			count++
		}
	}
	return count
}

func (c *lruCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// remove expects c.mu to be held.
func (c *lruCache) remove(e *entry) {
	c.order.Remove(e.element)
	delete(c.entries, e.key)
}
