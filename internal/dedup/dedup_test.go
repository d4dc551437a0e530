package dedup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flagdeck/flagdeck-relay/internal/sdkerr"
)

func TestDeduplicatorExecutesOnce(t *testing.T) {
	d := NewDeduplicator()
	ctx := context.Background()

	var executions atomic.Int32
	release := make(chan struct{})

	const callers = 20
	results := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = Do(ctx, d, "flags/latest", func(context.Context) (string, error) {
				executions.Add(1)
				<-release
				return "payload", nil
			})
		}(i)
	}

	// Let the callers pile up behind the first execution.
	deadline := time.Now().Add(time.Second)
	for !d.InFlight("flags/latest") {
		if time.Now().After(deadline) {
			t.Fatal("execution never started")
		}
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()

	if got := executions.Load(); got != 1 {
		t.Errorf("executions = %d, want 1", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil || results[i] != "payload" {
			t.Errorf("caller %d: %q, %v", i, results[i], errs[i])
		}
	}
	if d.InFlight("flags/latest") {
		t.Error("key still marked in flight after completion")
	}
	if d.InFlightCount() != 0 {
		t.Errorf("InFlightCount = %d, want 0", d.InFlightCount())
	}
}

func TestDeduplicatorDistinctKeys(t *testing.T) {
	d := NewDeduplicator()
	ctx := context.Background()

	var executions atomic.Int32
	var wg sync.WaitGroup
	for _, key := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			Do(ctx, d, key, func(context.Context) (string, error) {
				executions.Add(1)
				time.Sleep(20 * time.Millisecond)
				return key, nil
			})
		}(key)
	}
	wg.Wait()

	if got := executions.Load(); got != 3 {
		t.Errorf("executions = %d, want 3 for distinct keys", got)
	}
}

func TestDeduplicatorSharesErrors(t *testing.T) {
	d := NewDeduplicator()
	ctx := context.Background()
	boom := errors.New("fetch failed")

	release := make(chan struct{})
	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = Do(ctx, d, "k", func(context.Context) (int, error) {
				<-release
				return 0, boom
			})
		}(i)
	}

	deadline := time.Now().Add(time.Second)
	for !d.InFlight("k") {
		if time.Now().After(deadline) {
			t.Fatal("execution never started")
		}
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, boom) {
			t.Errorf("caller %d err = %v, want shared failure", i, err)
		}
	}
}

func TestDeduplicatorContainsPanic(t *testing.T) {
	d := NewDeduplicator()
	ctx := context.Background()

	_, err := Do(ctx, d, "k", func(context.Context) (int, error) {
		panic("kaboom")
	})
	if sdkerr.CodeOf(err) != sdkerr.ErrInternal {
		t.Fatalf("err = %v, want internal error instead of a panic", err)
	}
}

func TestCoalescerWindowDispatch(t *testing.T) {
	var executions atomic.Int32
	var lastBatch atomic.Int32
	c := NewCoalescer(100*time.Millisecond, 100, func(_ context.Context, batchSize int) (string, error) {
		executions.Add(1)
		lastBatch.Store(int32(batchSize))
		return "shared", nil
	})

	var wg sync.WaitGroup
	results := make([]string, 3)
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Join(context.Background())
		}(i)
	}
	wg.Wait()

	if got := executions.Load(); got != 1 {
		t.Errorf("executions = %d, want 1", got)
	}
	if got := lastBatch.Load(); got != 3 {
		t.Errorf("batchSize = %d, want 3", got)
	}
	for i := 0; i < 3; i++ {
		if errs[i] != nil || results[i] != "shared" {
			t.Errorf("caller %d: %q, %v", i, results[i], errs[i])
		}
	}
}

func TestCoalescerSizeDispatch(t *testing.T) {
	c := NewCoalescer(10*time.Second, 2, func(_ context.Context, batchSize int) (int, error) {
		return batchSize, nil
	})

	start := time.Now()
	var wg sync.WaitGroup
	got := make([]int, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], _ = c.Join(context.Background())
		}(i)
	}
	wg.Wait()

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("size-triggered dispatch waited %v; should not wait for the window", elapsed)
	}
	if got[0] != 2 || got[1] != 2 {
		t.Errorf("batch sizes = %v, want [2 2]", got)
	}

	// The next caller starts a fresh batch.
	if c.Pending() != 0 {
		t.Errorf("Pending = %d after dispatch, want 0", c.Pending())
	}
}

func TestCoalescerCancelAll(t *testing.T) {
	c := NewCoalescer(10*time.Second, 100, func(_ context.Context, batchSize int) (int, error) {
		return batchSize, nil
	})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Join(context.Background())
		}(i)
	}

	deadline := time.Now().Add(time.Second)
	for c.Pending() != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("callers never buffered: pending = %d", c.Pending())
		}
		time.Sleep(time.Millisecond)
	}

	c.CancelAll()
	wg.Wait()

	for i, err := range errs {
		if sdkerr.CodeOf(err) != sdkerr.ErrCoalesceCanceled {
			t.Errorf("caller %d err = %v, want coalesce-canceled", i, err)
		}
	}

	// CancelAll on an empty coalescer is a no-op.
	c.CancelAll()
}

func TestCoalescerCallerAbandonsViaContext(t *testing.T) {
	c := NewCoalescer(150*time.Millisecond, 100, func(_ context.Context, batchSize int) (int, error) {
		return batchSize, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	abandoned := make(chan error, 1)
	go func() {
		_, err := c.Join(ctx)
		abandoned <- err
	}()

	deadline := time.Now().Add(time.Second)
	for c.Pending() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("caller never buffered")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	if err := <-abandoned; !errors.Is(err, context.Canceled) {
		t.Fatalf("abandoning caller got %v, want context.Canceled", err)
	}

	// The batch still dispatches and still counts the abandoned caller.
	got, err := c.Join(context.Background())
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if got != 2 {
		t.Errorf("batchSize = %d, want 2 including the abandoned caller", got)
	}
}

func TestCoalescerExecutorErrorShared(t *testing.T) {
	boom := errors.New("bulk fetch failed")
	c := NewCoalescer(20*time.Millisecond, 100, func(_ context.Context, _ int) (int, error) {
		return 0, boom
	})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Join(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, boom) {
			t.Errorf("caller %d err = %v, want shared failure", i, err)
		}
	}
}

func TestCoalescerExecutorPanicContained(t *testing.T) {
	c := NewCoalescer(10*time.Millisecond, 100, func(_ context.Context, _ int) (int, error) {
		panic("kaboom")
	})

	_, err := c.Join(context.Background())
	if sdkerr.CodeOf(err) != sdkerr.ErrInternal {
		t.Fatalf("err = %v, want internal error instead of a panic", err)
	}
}
