package cache

import (
	"time"

	"github.com/flagdeck/flagdeck-relay/internal/config"
)

// Policy describes the caller's intent for a cached entry: how long it
// lives, whether it is written through to durable storage, and how eager
// the size manager should be to evict it.
type Policy struct {
	// TTL is the time until expiry. Zero means the value must not be
	// cached at all: Put refuses it and stores nothing.
	TTL time.Duration
	// Persist writes the serialized entry through to the key-value store.
	Persist bool
	// EvictionWeight is an advisory hint for eviction ordering. Higher
	// weights are evicted earlier. Zero is neutral.
	EvictionWeight int
}

// Cacheable reports whether the policy allows storing anything.
func (p Policy) Cacheable() bool {
	return p.TTL > 0
}

// NoCaching returns the preset that rejects every write.
func NoCaching() Policy {
	return Policy{}
}

// ShortLived returns the preset for values that go stale quickly. It is
// memory-only; the short TTL rarely justifies a disk round trip.
func ShortLived() Policy {
	return Policy{TTL: config.Load().CacheShortTTL}
}

// DefaultPolicy returns the SDK-wide default: the configured default TTL,
// written through to the key-value store.
func DefaultPolicy() Policy {
	return Policy{TTL: config.Load().CacheDefaultTTL, Persist: true}
}
