package metrics

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testGaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	return testutil.ToFloat64(g)
}

func TestCollectorPublishesFileStats(t *testing.T) {
	c := NewCollector(time.Hour, func() (int, int64, error) {
		return 3, 4096, nil
	}, nil)

	c.collectMetrics()

	if got := testGaugeValue(t, CacheFilesTotal); got != 3 {
		t.Errorf("cache_files_total = %v, want 3", got)
	}
	if got := testGaugeValue(t, CacheFileBytes); got != 4096 {
		t.Errorf("cache_file_bytes = %v, want 4096", got)
	}
}

func TestCollectorSignalsStaleDataOnError(t *testing.T) {
	c := NewCollector(time.Hour, func() (int, int64, error) {
		return 0, 0, errors.New("unreadable dir")
	}, nil)

	c.collectMetrics()

	if got := testGaugeValue(t, CacheFilesTotal); got != -1 {
		t.Errorf("cache_files_total = %v, want -1 stale marker", got)
	}
}

func TestCollectorRespCacheStats(t *testing.T) {
	c := NewCollector(time.Hour, nil, func() (float64, uint64) {
		return 0.75, 12
	})

	c.collectMetrics()

	if got := testGaugeValue(t, RespCacheHitRatio); got != 0.75 {
		t.Errorf("resp_cache_hit_ratio = %v, want 0.75", got)
	}
	if got := testGaugeValue(t, RespCacheKeysEvicted); got != 12 {
		t.Errorf("resp_cache_keys_evicted = %v, want 12", got)
	}
}

func TestCollectorStops(t *testing.T) {
	var calls atomic.Int32
	c := NewCollector(10*time.Millisecond, func() (int, int64, error) {
		calls.Add(1)
		return 0, 0, nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()

	time.Sleep(35 * time.Millisecond)
	c.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop after Stop()")
	}
	if calls.Load() < 1 {
		t.Error("expected at least the initial collection to run")
	}
}

func TestCollectorContextCancellation(t *testing.T) {
	c := NewCollector(time.Hour, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop on context cancellation")
	}
}
