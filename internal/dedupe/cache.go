package dedupe

import (
	"sync"
	"time"
)

type item struct {
	fingerprint string
	ts          time.Time
}

type entry struct {
	key string
	ts  time.Time
}

// Cache keeps a fixed-size map of recently ingested record keys and the
// fingerprint of the content they carried. A feed row is only a duplicate
// when both the key and the fingerprint match: the same book with a new
// price must be re-indexed, not dropped.
type Cache struct {
	mu       sync.Mutex
	items    map[string]item
	order    []entry
	capacity int
	ttl      time.Duration
}

// NewCache creates a cache with the provided capacity and ttl.
func NewCache(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		items:    make(map[string]item, capacity),
		order:    make([]entry, 0, capacity),
		capacity: capacity,
		ttl:      ttl,
	}
}

// Seen returns true when the key was observed with the same fingerprint
// inside the ttl window. It does not record anything; use Mark for that.
func (c *Cache) Seen(key, fingerprint string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		if it.fingerprint == fingerprint && now.Sub(it.ts) <= c.ttl {
			return true
		}
	}
	return false
}

// Mark records that a key was ingested with the given content fingerprint.
func (c *Cache) Mark(key, fingerprint string) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = item{fingerprint: fingerprint, ts: now}
	c.order = append(c.order, entry{key: key, ts: now})
	c.compact(now)
}

func (c *Cache) compact(now time.Time) {
	cutoff := now.Add(-c.ttl)

	for len(c.order) > 0 && (len(c.items) > c.capacity || c.order[0].ts.Before(cutoff)) {
		oldest := c.order[0]
		c.order = c.order[1:]

		if it, ok := c.items[oldest.key]; ok {
			if it.ts.Equal(oldest.ts) {
				delete(c.items, oldest.key)
			}
		}
	}
}
