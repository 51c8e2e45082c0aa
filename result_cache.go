// result_cache.go
// Bounded, TTL-based store for inline completion results.
package sidekick

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// cacheEntry is one stored suggestion. No two live entries share a key.
type cacheEntry struct {
	key       string
	value     string
	createdAt time.Time
}

// ResultCache trades memory for avoided network calls. Entries expire lazily
// on read after a fixed TTL; once the store grows past its capacity, a batch
// of the oldest entries is evicted in one pass (amortized cost over LRU
// precision). Contents are process-local and never persisted.
//
// All methods are safe for concurrent use; a single mutex guards the map so
// no partial-update window is observable between operations.
type ResultCache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	ttl        time.Duration
	capacity   int
	evictCount int
	logger     *slog.Logger
	now        func() time.Time // clock hook for tests
}

// NewResultCache creates a cache with the package's fixed TTL and capacity.
func NewResultCache(logger *slog.Logger) *ResultCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResultCache{
		entries:    make(map[string]*cacheEntry),
		ttl:        completionCacheTTL,
		capacity:   completionCacheCapacity,
		evictCount: completionCacheEvictCount,
		logger:     logger.With("component", "ResultCache"),
		now:        time.Now,
	}
}

// Get returns the value for key if it exists and is younger than the TTL.
// A stale entry is evicted as a side effect and reported as a miss.
func (c *ResultCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.now().Sub(entry.createdAt) >= c.ttl {
		delete(c.entries, key)
		c.logger.Debug("Evicted expired cache entry", "key", key)
		return "", false
	}
	return entry.value, true
}

// Put inserts or overwrites the entry for key with createdAt = now. If the
// store then exceeds capacity, the oldest entries by createdAt are evicted
// in one batch.
func (c *ResultCache) Put(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &cacheEntry{key: key, value: value, createdAt: c.now()}
	if len(c.entries) > c.capacity {
		c.evictOldestLocked()
	}
}

// Len returns the number of live entries, counting not-yet-collected stale ones.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops every entry.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	c.logger.Debug("Cleared result cache")
}

// evictOldestLocked removes the evictCount oldest entries by createdAt.
// Caller must hold c.mu.
func (c *ResultCache) evictOldestLocked() {
	ordered := make([]*cacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].createdAt.Before(ordered[j].createdAt)
	})
	n := c.evictCount
	if n > len(ordered) {
		n = len(ordered)
	}
	for _, e := range ordered[:n] {
		delete(c.entries, e.key)
	}
	c.logger.Debug("Batch-evicted oldest cache entries", "evicted", n, "remaining", len(c.entries))
}
