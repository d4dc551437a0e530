// Package cachesize keeps approximate byte sizes for cached entries and
// drives eviction when the tracked total grows past the configured budget.
package cachesize

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/flagdeck/flagdeck-relay/internal/logger"
	"github.com/flagdeck/flagdeck-relay/internal/metrics"
)

// conservativeEstimate stands in for values that cannot be JSON-encoded.
const conservativeEstimate = 1024

// evictionTargetNum/Den: an eviction pass stops once the total is back
// under 80% of the limit.
const (
	evictionTargetNum = 8
	evictionTargetDen = 10
)

// EvictionCallback removes one key from the cache. Returning false leaves
// the key tracked; it will be a candidate again on a later pass.
type EvictionCallback func(key string) bool

// Stats is a point-in-time snapshot of the tracker.
type Stats struct {
	TotalBytes  int64
	MaxBytes    int64
	EntryCount  int
	Utilization float64
}

// Tracker accounts for cache entry sizes. A max size of zero or less
// disables eviction entirely.
type Tracker struct {
	mu       sync.Mutex
	sizes    map[string]int64
	order    []string // first-track order, oldest first
	total    int64
	maxBytes int64
	evict    EvictionCallback
	evicting bool

	log *slog.Logger
}

func NewTracker(maxSizeMB int) *Tracker {
	return &Tracker{
		sizes:    make(map[string]int64),
		maxBytes: int64(maxSizeMB) * 1024 * 1024,
		log:      logger.WithComponent("cachesize"),
	}
}

// SetEvictionCallback installs the function an eviction pass calls per
// candidate key. Without one, over-limit totals are only logged.
func (t *Tracker) SetEvictionCallback(cb EvictionCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evict = cb
}

// Track records the approximate size of v under key, replacing any prior
// size. Crossing the limit schedules an asynchronous eviction pass.
func (t *Tracker) Track(key string, v any) {
	size := estimateSize(v)

	t.mu.Lock()
	if _, exists := t.sizes[key]; !exists {
		t.order = append(t.order, key)
	}
	t.total += size - t.sizes[key]
	t.sizes[key] = size
	t.publishLocked()
	start := t.shouldEvictLocked()
	if start {
		t.evicting = true
	}
	t.mu.Unlock()

	if start {
		go t.evictPass()
	}
}

// Untrack forgets the key. Unknown keys are ignored.
func (t *Tracker) Untrack(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	size, exists := t.sizes[key]
	if !exists {
		return
	}
	t.total -= size
	delete(t.sizes, key)
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	t.publishLocked()
}

// SetMaxSize changes the budget and re-evaluates immediately.
func (t *Tracker) SetMaxSize(mb int) {
	t.mu.Lock()
	t.maxBytes = int64(mb) * 1024 * 1024
	start := t.shouldEvictLocked()
	if start {
		t.evicting = true
	}
	t.mu.Unlock()

	if start {
		go t.evictPass()
	}
}

// IsApproachingLimit reports whether the total has reached the given
// fraction of the budget.
func (t *Tracker) IsApproachingLimit(threshold float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.maxBytes <= 0 {
		return false
	}
	return float64(t.total) >= threshold*float64(t.maxBytes)
}

// EntrySize returns the tracked size for key.
func (t *Tracker) EntrySize(key string) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	size, ok := t.sizes[key]
	return size, ok
}

func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Stats{
		TotalBytes: t.total,
		MaxBytes:   t.maxBytes,
		EntryCount: len(t.sizes),
	}
	if t.maxBytes > 0 {
		s.Utilization = float64(t.total) / float64(t.maxBytes)
	}
	return s
}

// TrackedKeys returns the tracked keys, oldest first.
func (t *Tracker) TrackedKeys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, len(t.order))
	copy(keys, t.order)
	return keys
}

// Clear drops all tracking state. It does not touch the cache itself.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sizes = make(map[string]int64)
	t.order = nil
	t.total = 0
	t.publishLocked()
}

func (t *Tracker) shouldEvictLocked() bool {
	return t.maxBytes > 0 && t.total > t.maxBytes && !t.evicting && t.evict != nil
}

func (t *Tracker) publishLocked() {
	metrics.CacheSizeBytes.Set(float64(t.total))
	metrics.CacheTrackedEntries.Set(float64(len(t.sizes)))
}

// evictPass walks a snapshot of the tracked keys oldest-first, asking the
// callback to drop each one until the total is back under the target.
// Keys the callback declines (or panics on) are left for a later pass.
func (t *Tracker) evictPass() {
	defer func() {
		if r := recover(); r != nil {
			t.log.Warn("eviction pass panicked", "panic", r)
		}
		t.mu.Lock()
		t.evicting = false
		t.mu.Unlock()
	}()

	t.mu.Lock()
	candidates := make([]string, len(t.order))
	copy(candidates, t.order)
	cb := t.evict
	target := t.maxBytes / evictionTargetDen * evictionTargetNum
	t.mu.Unlock()

	if cb == nil {
		return
	}

	evicted := 0
	for _, key := range candidates {
		t.mu.Lock()
		done := t.total <= target
		_, stillTracked := t.sizes[key]
		t.mu.Unlock()
		if done {
			break
		}
		if !stillTracked {
			continue
		}
		if !t.runCallback(cb, key) {
			t.log.Debug("eviction declined", "key", key)
			continue
		}
		// The callback normally untracks via the cache's removal path;
		// untrack here as well so a forgetful callback cannot stall the pass.
		t.Untrack(key)
		metrics.CacheEvictions.Inc()
		evicted++
	}

	if evicted > 0 {
		t.log.Debug("eviction pass complete", "evicted", evicted)
	}
}

func (t *Tracker) runCallback(cb EvictionCallback, key string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Warn("eviction callback panicked", "key", key, "panic", r)
			ok = false
		}
	}()
	return cb(key)
}

// estimateSize approximates the serialized size of v. Values that cannot
// be encoded get a fixed conservative estimate instead of an error.
func estimateSize(v any) int64 {
	b, err := json.Marshal(v)
	if err != nil {
		return conservativeEstimate
	}
	return int64(len(b))
}
