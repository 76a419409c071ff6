package connstate

import (
	"sort"
	"sync"
	"time"
)

const (
	defaultCacheMax        = 1024
	defaultCacheSweepEvery = 64
)

type cacheEntry struct {
	value   string
	expires time.Time
}

// ttlCache is a small string cache with per-entry expiry. Expired entries are
// dropped on read and by periodic sweeps; when over capacity the entries
// closest to expiry go first.
type ttlCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	max     int
	sweep   uint64
	ops     uint64
	now     func() time.Time
}

func newTTLCache(max int) *ttlCache {
	if max <= 0 {
		max = defaultCacheMax
	}
	return &ttlCache{entries: map[string]cacheEntry{}, max: max, sweep: defaultCacheSweepEvery, now: time.Now}
}

func (c *ttlCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if !c.now().Before(ent.expires) {
		delete(c.entries, key)
		return "", false
	}
	return ent.value, true
}

func (c *ttlCache) Set(key, value string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.entries[key] = cacheEntry{value: value, expires: now.Add(ttl)}
	c.ops++
	if len(c.entries) > c.max || c.ops%c.sweep == 0 {
		c.pruneLocked(now)
	}
}

func (c *ttlCache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *ttlCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ttlCache) pruneLocked(now time.Time) {
	for k, ent := range c.entries {
		if !now.Before(ent.expires) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) <= c.max {
		return
	}
	type kv struct {
		k string
		e time.Time
	}
	items := make([]kv, 0, len(c.entries))
	for k, ent := range c.entries {
		items = append(items, kv{k: k, e: ent.expires})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].e.Before(items[j].e) })
	excess := len(c.entries) - c.max
	for i := 0; i < excess && i < len(items); i++ {
		delete(c.entries, items[i].k)
	}
}
