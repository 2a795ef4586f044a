// Package cache provides a TTL-bound in-memory result cache for governed
// upstream calls. Correctness relies on the age check in Get alone; the
// background sweep only bounds memory for keys that are never re-read.
package cache

import (
	"sync"
	"time"

	"github.com/registrar-tools/crm-governor/internal/metrics"
)

type entry struct {
	value    any
	storedAt time.Time
}

// Stats is a read-only snapshot of cache state.
type Stats struct {
	Size int `json:"size"`
}

// Cache maps string keys to values with a fixed time-to-live. Entries are
// written only on successful upstream calls, never on failure.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration

	name     string
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Cache with the given TTL. If sweepInterval > 0, a background
// goroutine evicts expired entries on that interval until Stop is called.
// name labels the cache's metrics.
func New(name string, ttl, sweepInterval time.Duration) *Cache {
	c := &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		name:    name,
		stopCh:  make(chan struct{}),
	}
	if sweepInterval > 0 {
		go c.sweep(sweepInterval)
	}
	return c
}

// Get returns the cached value for key. A key that is absent or whose entry
// has aged past the TTL is a miss; an expired entry is removed as a side
// effect of the read.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		metrics.CacheMisses.WithLabelValues(c.name).Inc()
		return nil, false
	}
	if time.Since(e.storedAt) >= c.ttl {
		delete(c.entries, key)
		metrics.CacheSize.WithLabelValues(c.name).Set(float64(len(c.entries)))
		metrics.CacheMisses.WithLabelValues(c.name).Inc()
		return nil, false
	}
	metrics.CacheHits.WithLabelValues(c.name).Inc()
	return e.value, true
}

// Put stores value under key, unconditionally overwriting any existing entry.
func (c *Cache) Put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry{value: value, storedAt: time.Now()}
	metrics.CacheSize.WithLabelValues(c.name).Set(float64(len(c.entries)))
}

// EvictExpired removes all entries older than the TTL and returns how many
// were removed.
func (c *Cache) EvictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for key, e := range c.entries {
		if time.Since(e.storedAt) >= c.ttl {
			delete(c.entries, key)
			evicted++
		}
	}
	if evicted > 0 {
		metrics.CacheSize.WithLabelValues(c.name).Set(float64(len(c.entries)))
	}
	return evicted
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]entry)
	metrics.CacheSize.WithLabelValues(c.name).Set(0)
}

// Stats returns a snapshot of cache state.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Size: len(c.entries)}
}

// SetTTL updates the freshness window. Existing entries are re-judged against
// the new TTL on their next read.
func (c *Cache) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttl = ttl
}

// Stop terminates the background sweep goroutine. Safe to call more than
// once, or when no sweep was started.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Cache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.EvictExpired()
		case <-c.stopCh:
			return
		}
	}
}
