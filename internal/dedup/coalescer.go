package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flagdeck/flagdeck-relay/internal/metrics"
	"github.com/flagdeck/flagdeck-relay/internal/sdkerr"
)

// Coalescer buffers concurrent callers and serves them all from one
// executor invocation. A batch dispatches when it reaches maxBatch or when
// the window elapses after its first caller, whichever comes first.
type Coalescer[T any] struct {
	window   time.Duration
	maxBatch int
	executor func(ctx context.Context, batchSize int) (T, error)

	mu  sync.Mutex
	cur *batch[T]
}

type batch[T any] struct {
	size   int
	timer  *time.Timer
	done   chan struct{}
	result T
	err    error
}

// NewCoalescer builds a coalescer around executor. A non-positive window
// dispatches a batch almost immediately; a non-positive maxBatch leaves
// batches unbounded until the window closes.
func NewCoalescer[T any](window time.Duration, maxBatch int, executor func(ctx context.Context, batchSize int) (T, error)) *Coalescer[T] {
	return &Coalescer[T]{
		window:   window,
		maxBatch: maxBatch,
		executor: executor,
	}
}

// Join adds the caller to the current batch and blocks until the batch
// result arrives, the batch is canceled, or ctx is done. A caller leaving
// via ctx does not shrink or cancel the batch.
func (c *Coalescer[T]) Join(ctx context.Context) (T, error) {
	c.mu.Lock()
	if c.cur == nil {
		b := &batch[T]{done: make(chan struct{})}
		c.cur = b
		b.timer = time.AfterFunc(c.window, func() { c.dispatchIfCurrent(b) })
	}
	b := c.cur
	b.size++
	full := c.maxBatch > 0 && b.size >= c.maxBatch
	if full {
		c.detachLocked(b)
	}
	c.mu.Unlock()

	if full {
		go c.run(b)
	}

	select {
	case <-b.done:
		return b.result, b.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// CancelAll fails every buffered, not-yet-dispatched caller with a
// cancellation error. Batches already dispatched are unaffected.
func (c *Coalescer[T]) CancelAll() {
	c.mu.Lock()
	b := c.cur
	if b != nil {
		c.detachLocked(b)
	}
	c.mu.Unlock()

	if b == nil {
		return
	}
	metrics.CoalescerCancellations.Add(float64(b.size))
	b.err = sdkerr.CoalesceCanceled()
	close(b.done)
}

// Pending reports the number of callers buffered in the current batch.
func (c *Coalescer[T]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return 0
	}
	return c.cur.size
}

// dispatchIfCurrent is the window-timer path. The batch may already have
// dispatched through the size limit or CancelAll; then this is a no-op.
func (c *Coalescer[T]) dispatchIfCurrent(b *batch[T]) {
	c.mu.Lock()
	current := c.cur == b
	if current {
		c.detachLocked(b)
	}
	c.mu.Unlock()

	if current {
		c.run(b)
	}
}

// detachLocked removes b as the open batch so later joins start a new one.
// Callers hold c.mu.
func (c *Coalescer[T]) detachLocked(b *batch[T]) {
	c.cur = nil
	if b.timer != nil {
		b.timer.Stop()
	}
}

// run invokes the executor exactly once for the batch and wakes every
// buffered caller. An executor panic is delivered as an internal error.
func (c *Coalescer[T]) run(b *batch[T]) {
	metrics.CoalescerBatchSize.Observe(float64(b.size))
	b.result, b.err = c.safeExecute(b.size)
	close(b.done)
}

func (c *Coalescer[T]) safeExecute(size int) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			out = zero
			err = sdkerr.Internal(fmt.Errorf("coalesced executor panicked: %v", r))
		}
	}()
	return c.executor(context.Background(), size)
}
