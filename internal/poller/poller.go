// Package poller periodically fetches the flag configuration and feeds it
// into the cache. Every fetch goes through the full resilience chain:
// rate limiter, request deduplication, circuit breaker, and retry with
// exponential backoff.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/flagdeck/flagdeck-relay/internal/cache"
	"github.com/flagdeck/flagdeck-relay/internal/circuitbreaker"
	"github.com/flagdeck/flagdeck-relay/internal/config"
	"github.com/flagdeck/flagdeck-relay/internal/dedup"
	"github.com/flagdeck/flagdeck-relay/internal/logger"
	"github.com/flagdeck/flagdeck-relay/internal/metrics"
	"github.com/flagdeck/flagdeck-relay/internal/retry"
	"github.com/flagdeck/flagdeck-relay/internal/runtime"
	"github.com/flagdeck/flagdeck-relay/internal/upstream"
)

const (
	// DocumentKey is the cache key holding the whole flag document.
	DocumentKey = "flag_document"
	// FlagKeyPrefix prefixes the per-flag cache keys.
	FlagKeyPrefix = "flag:"

	dedupKey    = "flag-config-poll"
	breakerName = "upstream-fetch"
)

// Fetcher is the part of the upstream client the poller needs.
type Fetcher interface {
	FetchConfig(ctx context.Context) (*upstream.Document, error)
}

// Listener is notified after a successful poll that changed the served
// configuration version.
type Listener func(version int64)

// Poller drives the fetch loop.
type Poller struct {
	rt       *runtime.Runtime
	fetch    Fetcher
	limiter  *rate.Limiter
	interval time.Duration

	breakerCfg circuitbreaker.Config
	retryCfg   retry.Config
	policy     cache.Policy

	mu          sync.Mutex
	listeners   []Listener
	lastVersion int64
	lastETag    string
	lastFlags   map[string]struct{}

	log *slog.Logger
}

// New builds a poller from config. The fetcher is an interface so tests
// can drive the loop without a server.
func New(rt *runtime.Runtime, fetch Fetcher) *Poller {
	cfg := config.Load()
	return &Poller{
		rt:       rt,
		fetch:    fetch,
		limiter:  rate.NewLimiter(rate.Limit(cfg.PollRPS), cfg.PollBurst),
		interval: cfg.PollInterval,
		breakerCfg: circuitbreaker.Config{
			Name:             breakerName,
			FailureThreshold: cfg.BreakerFailureThreshold,
			ResetTimeout:     cfg.BreakerResetTimeout,
		},
		retryCfg: retry.Config{
			MaxAttempts:  cfg.RetryMaxAttempts,
			InitialDelay: cfg.RetryInitialDelay,
			Multiplier:   cfg.RetryMultiplier,
			MaxDelay:     cfg.RetryMaxDelay,
			JitterFactor: cfg.RetryJitterFactor,
		},
		policy:    cache.Policy{TTL: cfg.CacheDefaultTTL, Persist: true},
		lastFlags: make(map[string]struct{}),
		log:       logger.WithComponent("poller"),
	}
}

// Subscribe registers a listener for configuration version changes.
func (p *Poller) Subscribe(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// Version returns the version of the last successfully applied document.
func (p *Poller) Version() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastVersion
}

// Start runs the poll loop until ctx is canceled. The first poll happens
// immediately so the relay has data before the first tick.
func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	if err := p.PollOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		p.log.Warn("initial poll failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.PollOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.log.Warn("poll failed", "error", err)
			}
		}
	}
}

// PollOnce runs a single poll cycle through the resilience chain and
// applies the result to the cache.
func (p *Poller) PollOnce(ctx context.Context) error {
	cycle := uuid.NewString()
	start := time.Now()

	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	metrics.PollRateLimitWaits.Inc()

	doc, err := dedup.Do(ctx, p.rt.Dedup, dedupKey, func(ctx context.Context) (*upstream.Document, error) {
		cb := p.rt.Breakers.Get(p.breakerCfg)
		return circuitbreaker.Do(ctx, cb, func(ctx context.Context) (*upstream.Document, error) {
			return retry.Do(ctx, "upstream_fetch", p.retryCfg, func(ctx context.Context) (*upstream.Document, error) {
				d, err := p.fetch.FetchConfig(ctx)
				if errors.Is(err, upstream.ErrNotModified) {
					// Not-modified is a healthy outcome; it must not count
					// against the breaker or trigger retries.
					return nil, nil
				}
				return d, err
			})
		})
	})

	status := "success"
	switch {
	case err != nil:
		status = "failure"
	case doc == nil:
		status = "not_modified"
	}
	metrics.PollCycles.WithLabelValues(status).Inc()
	metrics.PollCycleDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	if err != nil {
		p.log.Warn("poll cycle failed", "cycle", cycle, "error", err, "elapsed", time.Since(start))
		return err
	}
	if doc == nil {
		p.log.Debug("configuration unchanged", "cycle", cycle)
		return nil
	}

	p.apply(ctx, cycle, doc)
	return nil
}

// apply writes the document and its flags into the cache and notifies
// listeners when the served version changed.
func (p *Poller) apply(ctx context.Context, cycle string, doc *upstream.Document) {
	md := map[string]string{"etag": doc.ETag, "version": strconv.FormatInt(doc.Version, 10)}
	if !p.rt.Cache.Put(ctx, DocumentKey, doc.Raw, cache.WithPolicy(p.policy), cache.WithMetadata(md)) {
		p.log.Warn("storing flag document failed", "cycle", cycle)
	}
	for key, v := range doc.Flags {
		p.rt.Cache.Put(ctx, FlagKeyPrefix+key, v, cache.WithPolicy(p.policy))
	}

	p.mu.Lock()
	// Flags deleted upstream are removed rather than left to expire.
	var stale []string
	current := make(map[string]struct{}, len(doc.Flags))
	for key := range doc.Flags {
		current[key] = struct{}{}
	}
	for key := range p.lastFlags {
		if _, ok := current[key]; !ok {
			stale = append(stale, key)
		}
	}
	p.lastFlags = current

	version := doc.Version
	if version == 0 && doc.ETag != p.lastETag {
		// Upstream without versions: synthesize one per distinct ETag.
		version = p.lastVersion + 1
	}
	changed := version != p.lastVersion
	p.lastVersion = version
	p.lastETag = doc.ETag
	listeners := make([]Listener, len(p.listeners))
	copy(listeners, p.listeners)
	p.mu.Unlock()

	for _, key := range stale {
		p.rt.Cache.Remove(ctx, FlagKeyPrefix+key)
	}

	metrics.FlagsLoaded.Set(float64(len(doc.Flags)))
	metrics.FlagConfigVersion.Set(float64(version))

	if changed {
		p.log.Info("flag configuration updated",
			"cycle", cycle, "version", version, "flags", len(doc.Flags), "removed", len(stale))
		for _, l := range listeners {
			l(version)
		}
	}
}
