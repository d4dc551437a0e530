// Package respcache holds rendered HTTP responses so hot flag endpoints
// can be served without re-encoding on every request.
package respcache

import (
	"time"

	"github.com/dgraph-io/ristretto"
)

// Cache is a size-bounded cache for rendered response bodies.
type Cache struct {
	cache      *ristretto.Cache
	defaultTTL time.Duration
}

// item wraps a rendered body with its expiration time.
type item struct {
	body      []byte
	etag      string
	expiresAt time.Time
}

// Stats reports cache counters since startup.
type Stats struct {
	Hits      uint64
	Misses    uint64
	KeysAdded uint64
	Evictions uint64
	Size      int64
	Items     int64
}

// New creates a response cache holding at most maxBytes of bodies.
func New(maxBytes int64, defaultTTL time.Duration) (*Cache, error) {
	// NumCounters should be ~10x the expected number of entries. Responses
	// average a few KB, so derive the estimate from the byte budget.
	numCounters := maxBytes / 4096 * 10
	if numCounters < 1000 {
		numCounters = 1000
	}

	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxBytes,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}

	return &Cache{cache: rc, defaultTTL: defaultTTL}, nil
}

// Get returns the cached body and its ETag for key.
func (c *Cache) Get(key string) ([]byte, string, bool) {
	val, found := c.cache.Get(key)
	if !found {
		return nil, "", false
	}

	it, ok := val.(*item)
	if !ok {
		c.cache.Del(key)
		return nil, "", false
	}

	if time.Now().After(it.expiresAt) {
		c.cache.Del(key)
		return nil, "", false
	}

	return it.body, it.etag, true
}

// Set stores a rendered body under key. A zero ttl uses the default.
func (c *Cache) Set(key string, body []byte, etag string, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.defaultTTL
	}

	it := &item{
		body:      body,
		etag:      etag,
		expiresAt: time.Now().Add(ttl),
	}

	// Cost is the body size; ristretto evicts internally when over budget.
	_ = c.cache.Set(key, it, int64(len(body)))

	// Wait for the value to pass through the ingest buffers.
	c.cache.Wait()
}

// Delete removes a single key.
func (c *Cache) Delete(key string) {
	c.cache.Del(key)
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.cache.Clear()
}

// Stats returns counters from the underlying cache.
func (c *Cache) Stats() Stats {
	m := c.cache.Metrics
	return Stats{
		Hits:      m.Hits(),
		Misses:    m.Misses(),
		KeysAdded: m.KeysAdded(),
		Evictions: m.KeysEvicted(),
		Size:      int64(m.CostAdded() - m.CostEvicted()),
		Items:     int64(m.KeysAdded() - m.KeysEvicted()),
	}
}

// HitRatio reports hits/(hits+misses), and lifetime evictions, for the
// metrics collector.
func (c *Cache) HitRatio() (float64, uint64) {
	s := c.Stats()
	total := s.Hits + s.Misses
	if total == 0 {
		return 0, s.Evictions
	}
	return float64(s.Hits) / float64(total), s.Evictions
}

// Close releases the cache's resources.
func (c *Cache) Close() {
	c.cache.Close()
}
