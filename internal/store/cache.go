package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/openwardrive/netatlas/internal/model"
)

// viewportCache memoizes pure bounding-box query results for map panning.
// Entries expire after a short TTL and the whole cache is flushed on every
// write, so a stale viewport can never outlive the data under it.
type viewportCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]cacheEntry
	order   []string

	now func() time.Time
}

type cacheEntry struct {
	networks []model.Network
	storedAt time.Time
}

func newViewportCache(ttl time.Duration, max int) *viewportCache {
	return &viewportCache{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]cacheEntry, max),
		now:     time.Now,
	}
}

// key rounds bounds to 4 decimal places (~11m) so that map jitter between
// nearly identical viewports still hits the same entry. Pagination is part of
// the key: a cached page must never be served to an unpaginated query.
func (c *viewportCache) key(b model.Bounds, limit, offset int) string {
	return fmt.Sprintf("%.4f,%.4f,%.4f,%.4f:%d:%d", b.North, b.South, b.East, b.West, limit, offset)
}

func (c *viewportCache) get(b model.Bounds, limit, offset int) ([]model.Network, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := c.key(b, limit, offset)
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.storedAt) > c.ttl {
		c.evict(key)
		return nil, false
	}
	return entry.networks, true
}

func (c *viewportCache) put(b model.Bounds, limit, offset int, networks []model.Network) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := c.key(b, limit, offset)
	if _, exists := c.entries[key]; !exists {
		for len(c.order) >= c.max {
			c.evict(c.order[0])
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = cacheEntry{networks: networks, storedAt: c.now()}
}

// invalidate drops every entry; called after any write.
func (c *viewportCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]cacheEntry, c.max)
	c.order = c.order[:0]
}

// evict removes one key. Caller holds the lock.
func (c *viewportCache) evict(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
