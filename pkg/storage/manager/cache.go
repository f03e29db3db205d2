package manager

import (
	"sync"
	"time"

	"github.com/stepcast/stepcast/pkg/observability"
	"github.com/stepcast/stepcast/pkg/storage"
)

// cacheEntry holds the canonical encoding of a value. Decoding on every hit
// gives callers an independent copy, the same copy-on-read guarantee the
// backends provide.
type cacheEntry struct {
	data      []byte
	expiresAt time.Time
}

// readCache is the manager's bounded TTL cache over Get results. When the
// entry count exceeds max, the tenth of the cache closest to expiry is
// evicted.
type readCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	max     int
	entries map[string]cacheEntry
	metrics *observability.Metrics
}

func newReadCache(ttl time.Duration, max int, metrics *observability.Metrics) *readCache {
	return &readCache{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]cacheEntry),
		metrics: metrics,
	}
}

func cacheKey(area storage.Area, key string) string {
	return string(area) + ":" + key
}

func (c *readCache) get(area storage.Area, key string) (storage.Value, bool) {
	c.mu.RLock()
	entry, ok := c.entries[cacheKey(area, key)]
	c.mu.RUnlock()

	if ok && time.Now().Before(entry.expiresAt) {
		value, err := storage.DecodeValue(entry.data)
		if err == nil {
			if c.metrics != nil {
				c.metrics.CacheHitsTotal.Inc()
			}
			return value, true
		}
	}
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
	return nil, false
}

func (c *readCache) put(area storage.Area, key string, value storage.Value) {
	data, err := storage.EncodeValue(value)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(area, key)] = cacheEntry{
		data:      data,
		expiresAt: time.Now().Add(c.ttl),
	}
	if c.max > 0 && len(c.entries) > c.max {
		c.evictLocked()
	}
	if c.metrics != nil {
		c.metrics.CacheEntries.Set(float64(len(c.entries)))
	}
}

// evictLocked drops the entries closest to expiry, a tenth of the cap at a
// time so eviction does not run on every insert.
func (c *readCache) evictLocked() {
	n := c.max / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n && len(c.entries) > 0; i++ {
		var oldestKey string
		var oldest time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.expiresAt.Before(oldest) {
				oldestKey = k
				oldest = e.expiresAt
			}
		}
		delete(c.entries, oldestKey)
		if c.metrics != nil {
			c.metrics.CacheEvictionsTotal.Inc()
		}
	}
}

func (c *readCache) invalidate(area storage.Area, key string) {
	c.mu.Lock()
	delete(c.entries, cacheKey(area, key))
	if c.metrics != nil {
		c.metrics.CacheEntries.Set(float64(len(c.entries)))
	}
	c.mu.Unlock()
}

func (c *readCache) invalidateArea(area storage.Area) {
	prefix := string(area) + ":"
	c.mu.Lock()
	for k := range c.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.entries, k)
		}
	}
	if c.metrics != nil {
		c.metrics.CacheEntries.Set(float64(len(c.entries)))
	}
	c.mu.Unlock()
}

func (c *readCache) purge() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	if c.metrics != nil {
		c.metrics.CacheEntries.Set(0)
	}
	c.mu.Unlock()
}

func (c *readCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
