package metrics

import (
	"context"
	"log"
	"time"
)

// FileStatsFunc reports file-backed cache usage: entry count and bytes on disk.
type FileStatsFunc func() (count int, bytes int64, err error)

// RespCacheStatsFunc reports the rendered-response cache hit ratio and
// cumulative evicted key count.
type RespCacheStatsFunc func() (ratio float64, evicted uint64)

// Collector periodically collects and updates Prometheus metrics that are
// pull-based rather than event-driven.
type Collector struct {
	interval  time.Duration
	stop      chan struct{}
	fileStats FileStatsFunc
	respStats RespCacheStatsFunc
}

// NewCollector creates a new metrics collector. Either stats source may be
// nil, in which case its gauges are left untouched.
func NewCollector(interval time.Duration, fileStats FileStatsFunc, respStats RespCacheStatsFunc) *Collector {
	return &Collector{
		interval:  interval,
		stop:      make(chan struct{}),
		fileStats: fileStats,
		respStats: respStats,
	}
}

// Start begins the metrics collection loop
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Collect initial metrics
	c.collectMetrics()

	for {
		select {
		case <-ticker.C:
			c.collectMetrics()
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the metrics collector
func (c *Collector) Stop() {
	close(c.stop)
}

func (c *Collector) collectMetrics() {
	c.collectFileStats()
	c.collectRespCacheStats()
}

// collectFileStats publishes on-disk usage of file-backed cache entries
func (c *Collector) collectFileStats() {
	if c.fileStats == nil {
		return
	}
	count, bytes, err := c.fileStats()
	if err != nil {
		log.Printf("Error collecting cache file stats: %v", err)
		MetricsCollectionErrors.WithLabelValues("files").Inc()
		CacheFilesTotal.Set(-1) // Signal stale data
		CacheFileBytes.Set(-1)
		return
	}
	CacheFilesTotal.Set(float64(count))
	CacheFileBytes.Set(float64(bytes))
}

// collectRespCacheStats publishes rendered-response cache internals
func (c *Collector) collectRespCacheStats() {
	if c.respStats == nil {
		return
	}
	ratio, evicted := c.respStats()
	RespCacheHitRatio.Set(ratio)
	RespCacheKeysEvicted.Set(float64(evicted))
}
