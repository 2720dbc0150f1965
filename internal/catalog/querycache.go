package catalog

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// QueryCache is a TTL cache for discovery results. Discovery is cheap but
// hot, and identical queries repeat in bursts; a short TTL keeps results
// fresh across reloads. Uses sync.Map for lock-free reads on the hot path.
type QueryCache struct {
	store  sync.Map // map[string]*queryCacheEntry
	ttl    time.Duration
	hits   atomic.Uint64
	misses atomic.Uint64
}

type queryCacheEntry struct {
	results   []*Metadata
	strategy  string
	expiresAt time.Time
}

// QueryCacheStats reports hit/miss counters for the health endpoint.
type QueryCacheStats struct {
	Hits   uint64  `json:"hits"`
	Misses uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// NewQueryCache creates a cache with the given TTL.
func NewQueryCache(ttl time.Duration) *QueryCache {
	return &QueryCache{ttl: ttl}
}

// Key builds a canonical cache key for a criteria set.
func (c *QueryCache) Key(crit Criteria) string {
	return strings.Join([]string{
		strings.ToLower(crit.Query),
		strings.ToLower(crit.Tag),
		strings.ToLower(crit.Role),
		strconv.Itoa(crit.Limit),
	}, "\x1f")
}

// Get returns a cached result set if present and fresh.
func (c *QueryCache) Get(key string) ([]*Metadata, string, bool) {
	v, ok := c.store.Load(key)
	if !ok {
		c.misses.Add(1)
		return nil, "", false
	}
	entry := v.(*queryCacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.store.Delete(key)
		c.misses.Add(1)
		return nil, "", false
	}
	c.hits.Add(1)
	return entry.results, entry.strategy, true
}

// Set stores a result set with a fresh TTL.
func (c *QueryCache) Set(key string, results []*Metadata, strategy string) {
	c.store.Store(key, &queryCacheEntry{
		results:   results,
		strategy:  strategy,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Clear drops every cached result. Called on catalog reload.
func (c *QueryCache) Clear() {
	c.store.Range(func(key, _ any) bool {
		c.store.Delete(key)
		return true
	})
}

// Stats returns the current hit/miss counters.
func (c *QueryCache) Stats() QueryCacheStats {
	h := c.hits.Load()
	m := c.misses.Load()
	s := QueryCacheStats{Hits: h, Misses: m}
	if h+m > 0 {
		s.HitRate = float64(h) / float64(h+m)
	}
	return s
}
