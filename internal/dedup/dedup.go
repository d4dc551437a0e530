// Package dedup collapses concurrent identical requests: the deduplicator
// guarantees at most one in-flight execution per key, and the coalescer
// batches callers into a single shared fetch.
package dedup

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/flagdeck/flagdeck-relay/internal/metrics"
	"github.com/flagdeck/flagdeck-relay/internal/sdkerr"
)

// Deduplicator ensures at most one concurrent execution per key. Callers
// that arrive while a key is in flight wait for and share that execution's
// outcome instead of running their own.
type Deduplicator struct {
	sf singleflight.Group

	mu      sync.Mutex
	waiting map[string]int
}

func NewDeduplicator() *Deduplicator {
	return &Deduplicator{waiting: make(map[string]int)}
}

// Do executes fn for key, sharing the result with every concurrent caller
// using the same key. A panic inside fn becomes an internal error for all
// of them rather than a crash.
func Do[T any](ctx context.Context, d *Deduplicator, key string, fn func(context.Context) (T, error)) (T, error) {
	d.track(key, 1)
	defer d.track(key, -1)

	v, err, shared := d.sf.Do(key, func() (any, error) {
		metrics.DedupExecutions.Inc()
		return invoke(ctx, fn)
	})
	if shared {
		metrics.DedupSharedResults.Inc()
	}

	out, _ := v.(T)
	return out, err
}

// InFlight reports whether any caller is currently executing or awaiting
// the given key.
func (d *Deduplicator) InFlight(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waiting[key] > 0
}

// InFlightCount returns the number of keys with callers in flight.
func (d *Deduplicator) InFlightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.waiting)
}

func (d *Deduplicator) track(key string, delta int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.waiting[key] += delta
	if d.waiting[key] <= 0 {
		delete(d.waiting, key)
	}
}

func invoke[T any](ctx context.Context, fn func(context.Context) (T, error)) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			out = zero
			err = sdkerr.Internal(fmt.Errorf("request panicked: %v", r))
		}
	}()
	return fn(ctx)
}
