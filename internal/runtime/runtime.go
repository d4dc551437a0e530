// Package runtime wires the resilience components together: cache manager,
// conversion manager, size tracker, breaker registry, and deduplicator. One
// Runtime is built at process start and passed by reference; tests build
// their own instead of resetting shared globals.
package runtime

import (
	"context"
	"io"
	"log/slog"

	"github.com/flagdeck/flagdeck-relay/internal/cache"
	"github.com/flagdeck/flagdeck-relay/internal/cachesize"
	"github.com/flagdeck/flagdeck-relay/internal/circuitbreaker"
	"github.com/flagdeck/flagdeck-relay/internal/config"
	"github.com/flagdeck/flagdeck-relay/internal/conversion"
	"github.com/flagdeck/flagdeck-relay/internal/dedup"
	"github.com/flagdeck/flagdeck-relay/internal/logger"
	"github.com/flagdeck/flagdeck-relay/internal/storage"
)

// Runtime owns the shared resilience collaborators.
type Runtime struct {
	Cache      *cache.Manager
	Conversion *conversion.Manager
	Sizes      *cachesize.Tracker
	Breakers   *circuitbreaker.Registry
	Dedup      *dedup.Deduplicator
	KV         storage.KeyValueStore
	Files      storage.FileStore

	log *slog.Logger
}

type options struct {
	kv        storage.KeyValueStore
	files     storage.FileStore
	cacheOpts cache.Options
	maxSizeMB int
}

// Option adjusts runtime construction.
type Option func(*options)

// WithKeyValueStore selects the persistent tier. Default is the in-memory
// store.
func WithKeyValueStore(kv storage.KeyValueStore) Option {
	return func(o *options) { o.kv = kv }
}

// WithFileStore selects the store for oversized values. Default is a
// directory store under the configured cache dir; with no cache dir
// configured every value is kept inline.
func WithFileStore(fs storage.FileStore) Option {
	return func(o *options) { o.files = fs }
}

// WithCacheOptions overrides the cache manager options.
func WithCacheOptions(co cache.Options) Option {
	return func(o *options) { o.cacheOpts = co }
}

// WithMaxCacheSizeMB overrides the size tracker budget.
func WithMaxCacheSizeMB(mb int) Option {
	return func(o *options) { o.maxSizeMB = mb }
}

// New builds a runtime from config plus overrides. The size tracker's
// eviction callback is wired to the cache manager's removal path.
func New(opts ...Option) (*Runtime, error) {
	cfg := config.Load()
	o := options{maxSizeMB: cfg.CacheMaxSizeMB}
	for _, opt := range opts {
		opt(&o)
	}
	if o.kv == nil {
		o.kv = storage.NewMemory()
	}
	if o.files == nil && cfg.CacheDir != "" {
		dir, err := storage.NewDir(cfg.CacheDir)
		if err != nil {
			return nil, err
		}
		o.files = dir
	}

	conv := conversion.NewManager()
	sizes := cachesize.NewTracker(o.maxSizeMB)
	mgr := cache.NewManager(o.kv, o.files, conv, sizes, o.cacheOpts)
	sizes.SetEvictionCallback(func(key string) bool {
		return mgr.Remove(context.Background(), key)
	})

	return &Runtime{
		Cache:      mgr,
		Conversion: conv,
		Sizes:      sizes,
		Breakers:   circuitbreaker.NewRegistry(),
		Dedup:      dedup.NewDeduplicator(),
		KV:         o.kv,
		Files:      o.files,
		log:        logger.WithComponent("runtime"),
	}, nil
}

// Close releases backend resources held by the stores.
func (r *Runtime) Close() {
	if c, ok := r.KV.(io.Closer); ok {
		if err := c.Close(); err != nil {
			r.log.Warn("closing key-value store failed", "error", err)
		}
	}
}
