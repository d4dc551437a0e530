package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"tier"}, // tier: memory, kv, file
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of cache misses",
		},
	)

	CacheExpiredReads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_expired_reads_total",
			Help: "Total number of reads that found only an expired entry",
		},
	)

	CacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_writes_total",
			Help: "Total number of cache writes",
		},
		[]string{"kind"}, // kind: inline, file
	)

	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Total number of entries evicted by the size manager",
		},
	)

	CacheSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cache_size_bytes",
			Help: "Approximate tracked size of cached values in bytes",
		},
	)

	CacheTrackedEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cache_tracked_entries",
			Help: "Number of keys tracked by the size manager",
		},
	)

	CacheBackgroundRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_background_refreshes_total",
			Help: "Total number of near-expiry background refreshes",
		},
		[]string{"status"}, // status: success, failure
	)

	// Conversion metrics
	ConversionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversion_failures_total",
			Help: "Total number of failed type conversions",
		},
		[]string{"target"},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"component"},
	)

	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_trips_total",
			Help: "Total number of circuit breaker trips",
		},
		[]string{"component"},
	)

	// Retry metrics
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts after a first failure",
		},
		[]string{"operation"},
	)

	RetryExhaustions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_exhaustions_total",
			Help: "Total number of operations that failed all retry attempts",
		},
		[]string{"operation"},
	)

	RetryAfterWaits = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "retry_after_wait_seconds",
			Help:    "Duration of server-requested Retry-After waits in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	// Deduplication metrics
	DedupExecutions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dedup_executions_total",
			Help: "Total number of deduplicated executions actually run",
		},
	)

	DedupSharedResults = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dedup_shared_results_total",
			Help: "Total number of callers served by an already in-flight call",
		},
	)

	CoalescerBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coalescer_batch_size",
			Help:    "Number of callers served per coalesced dispatch",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		},
	)

	CoalescerCancellations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coalescer_cancellations_total",
			Help: "Total number of buffered callers failed by cancelAll",
		},
	)

	// Poller metrics
	PollCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poll_cycles_total",
			Help: "Total number of upstream poll cycles",
		},
		[]string{"status"}, // status: success, not_modified, failure
	)

	PollCycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "poll_cycle_duration_seconds",
			Help:    "Duration of upstream poll cycles in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	PollRateLimitWaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "poll_rate_limit_waits_total",
			Help: "Total number of times the poller waited for the rate limiter",
		},
	)

	FlagsLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flags_loaded",
			Help: "Number of flags in the last successfully fetched document",
		},
	)

	FlagConfigVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flag_config_version",
			Help: "Version of the currently served flag configuration",
		},
	)

	// Upstream metrics
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Total number of HTTP requests made to the flag API",
		},
		[]string{"status"}, // status: success, not_modified, retry, failure
	)

	// Relay request metrics
	RelayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_request_duration_seconds",
			Help:    "Duration of relay API requests in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"endpoint", "method", "status"},
	)

	RelayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Total number of relay API requests",
		},
		[]string{"endpoint", "method", "status"},
	)

	// Rendered-response cache metrics
	RespCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resp_cache_hits_total",
			Help: "Total number of rendered-response cache hits",
		},
		[]string{"endpoint"},
	)

	RespCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resp_cache_misses_total",
			Help: "Total number of rendered-response cache misses",
		},
		[]string{"endpoint"},
	)

	RespCacheHitRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "resp_cache_hit_ratio",
			Help: "Hit ratio reported by the rendered-response cache",
		},
	)

	RespCacheKeysEvicted = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "resp_cache_keys_evicted",
			Help: "Keys evicted by the rendered-response cache since start",
		},
	)

	// Cache file store metrics (pull-collected)
	CacheFilesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cache_files_total",
			Help: "Number of file-backed cache entries on disk",
		},
	)

	CacheFileBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cache_file_bytes",
			Help: "Bytes used by file-backed cache entries on disk",
		},
	)

	// Metrics collection error tracking
	MetricsCollectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metrics_collection_errors_total",
			Help: "Total number of errors during metrics collection",
		},
		[]string{"collector"}, // collector: files, resp_cache
	)

	// Stream metrics
	StreamConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_connections_active",
			Help: "Number of active flag update stream connections",
		},
	)

	StreamMessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stream_messages_sent_total",
			Help: "Total number of stream messages sent to clients",
		},
	)
)
