package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/flagdeck/flagdeck-relay/internal/utils"
)

// Config holds application configuration derived from environment variables.
type Config struct {
	// Cache behavior
	CacheDefaultTTL    time.Duration // TTL applied by the default cache policy
	CacheShortTTL      time.Duration // TTL applied by the short-lived preset
	CacheKeyPrefix     string        // prefix for keys written to the key-value store
	CacheMaxSizeMB     int           // size-tracker limit before eviction kicks in
	CacheFileThreshold int           // serialized bytes above which a value is file-backed
	CacheRefreshWindow float64       // fraction of ttl remaining that triggers background refresh
	CacheDir           string        // directory for file-backed entries
	// Storage backend selection
	StorageBackend string // memory, file, postgres, or redis
	DatabaseURL    string // postgres connection string
	RedisAddr      string // redis host:port
	RedisPassword  string
	RedisDB        int
	// Circuit breaker defaults
	BreakerFailureThreshold int
	BreakerResetTimeout     time.Duration
	// Retry defaults
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryMultiplier   float64
	RetryJitterFactor float64
	// Request coalescing
	CoalesceWindow   time.Duration
	CoalesceMaxBatch int
	// Upstream flag source
	UpstreamURL     string
	UpstreamSDKKey  string
	UpstreamTimeout time.Duration
	PollInterval    time.Duration
	PollRPS         float64 // requests per second to the upstream flag API
	PollBurst       int
	// Relay HTTP server
	Port              int
	AdminAPIToken     string // Bearer token gating admin endpoints
	RespCacheMaxBytes int64  // rendered-response cache budget
	RespCacheTTL      time.Duration
	// Security settings
	RateLimitGlobal      float64  // requests per second globally
	RateLimitGlobalBurst int      // burst size for global rate limit
	RateLimitPerIP       float64  // requests per second per IP
	RateLimitPerIPBurst  int      // burst size for per-IP rate limit
	CORSAllowedOrigins   []string // allowed CORS origins
	EnableRateLimit      bool     // enable rate limiting middleware
	// Observability settings
	LogLevel          string  // log level: debug, info, warn, error
	OTELEnabled       bool    // enable OpenTelemetry tracing
	OTELEndpoint      string  // OpenTelemetry collector endpoint
	OTELSampleRate    float64 // trace sampling rate (0.0 to 1.0)
	SentryDSN         string  // Sentry DSN for error reporting
	SentryEnvironment string  // Sentry environment (dev, staging, production)
	SentryRelease     string  // Sentry release version
	SentrySampleRate  float64 // Sentry error sampling rate (0.0 to 1.0)
}

var cached *Config

// Load reads env vars once and caches them.
func Load() *Config {
	if cached != nil {
		return cached
	}
	cached = &Config{
		CacheDefaultTTL:    utils.GetEnvAsDuration("CACHE_DEFAULT_TTL_MS", time.Hour),
		CacheShortTTL:      utils.GetEnvAsDuration("CACHE_SHORT_TTL_MS", 5*time.Minute),
		CacheKeyPrefix:     utils.GetEnv("CACHE_KEY_PREFIX", "flagdeck_cache_"),
		CacheMaxSizeMB:     utils.GetEnvAsInt("CACHE_MAX_SIZE_MB", 50),
		CacheFileThreshold: utils.GetEnvAsInt("CACHE_FILE_THRESHOLD_BYTES", 100*1024),
		CacheRefreshWindow: utils.GetEnvAsFloat("CACHE_REFRESH_WINDOW", 0.2),
		CacheDir:           utils.GetEnv("CACHE_DIR", ""),
		StorageBackend:     strings.ToLower(utils.GetEnv("STORAGE_BACKEND", "memory")),
		DatabaseURL:        strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisAddr:          utils.GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            utils.GetEnvAsInt("REDIS_DB", 0),

		BreakerFailureThreshold: utils.GetEnvAsInt("BREAKER_FAILURE_THRESHOLD", 3),
		BreakerResetTimeout:     utils.GetEnvAsDuration("BREAKER_RESET_TIMEOUT_MS", time.Second),

		RetryMaxAttempts:  utils.GetEnvAsInt("RETRY_MAX_ATTEMPTS", 3),
		RetryInitialDelay: utils.GetEnvAsDuration("RETRY_INITIAL_DELAY_MS", 100*time.Millisecond),
		RetryMaxDelay:     utils.GetEnvAsDuration("RETRY_MAX_DELAY_MS", 10*time.Second),
		RetryMultiplier:   utils.GetEnvAsFloat("RETRY_MULTIPLIER", 2.0),
		RetryJitterFactor: utils.GetEnvAsFloat("RETRY_JITTER_FACTOR", 0.1),

		CoalesceWindow:   utils.GetEnvAsDuration("COALESCE_WINDOW_MS", 100*time.Millisecond),
		CoalesceMaxBatch: utils.GetEnvAsInt("COALESCE_MAX_BATCH", 16),

		UpstreamURL:     strings.TrimSpace(os.Getenv("UPSTREAM_URL")),
		UpstreamSDKKey:  strings.TrimSpace(os.Getenv("UPSTREAM_SDK_KEY")),
		UpstreamTimeout: utils.GetEnvAsDuration("UPSTREAM_TIMEOUT_MS", 15*time.Second),
		PollInterval:    utils.GetEnvAsDuration("POLL_INTERVAL_MS", 30*time.Second),
		PollRPS:         utils.GetEnvAsFloat("POLL_RPS", 1.0),
		PollBurst:       utils.GetEnvAsInt("POLL_BURST", 1),

		Port:              utils.GetEnvAsInt("PORT", 8030),
		AdminAPIToken:     strings.TrimSpace(os.Getenv("ADMIN_API_TOKEN")),
		RespCacheMaxBytes: int64(utils.GetEnvAsInt("RESP_CACHE_MAX_BYTES", 32*1024*1024)),
		RespCacheTTL:      utils.GetEnvAsDuration("RESP_CACHE_TTL_MS", 10*time.Second),

		// Security settings with sensible defaults
		RateLimitGlobal:      utils.GetEnvAsFloat("RATE_LIMIT_GLOBAL", 500.0),
		RateLimitGlobalBurst: utils.GetEnvAsInt("RATE_LIMIT_GLOBAL_BURST", 1000),
		RateLimitPerIP:       utils.GetEnvAsFloat("RATE_LIMIT_PER_IP", 50.0),
		RateLimitPerIPBurst:  utils.GetEnvAsInt("RATE_LIMIT_PER_IP_BURST", 100),
		EnableRateLimit:      utils.GetEnvAsBool("ENABLE_RATE_LIMIT", true),

		// Observability settings
		LogLevel:          strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))),
		OTELEnabled:       utils.GetEnvAsBool("OTEL_ENABLED", false),
		OTELEndpoint:      strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		OTELSampleRate:    utils.GetEnvAsFloat("OTEL_TRACE_SAMPLE_RATE", 0.1),
		SentryDSN:         strings.TrimSpace(os.Getenv("SENTRY_DSN")),
		SentryEnvironment: strings.TrimSpace(os.Getenv("SENTRY_ENVIRONMENT")),
		SentryRelease:     strings.TrimSpace(os.Getenv("SENTRY_RELEASE")),
		SentrySampleRate:  utils.GetEnvAsFloat("SENTRY_SAMPLE_RATE", 1.0),
	}
	if cached.LogLevel == "" {
		cached.LogLevel = "info"
	}
	if cached.CacheDir == "" {
		cached.CacheDir = filepathJoinTemp("flagdeck-cache")
	}
	switch cached.StorageBackend {
	case "memory", "file", "postgres", "redis":
	default:
		cached.StorageBackend = "memory"
	}
	if cached.SentryEnvironment == "" {
		if env := os.Getenv("ENV"); env != "" {
			cached.SentryEnvironment = env
		} else {
			cached.SentryEnvironment = "development"
		}
	}

	// Parse CORS allowed origins
	corsOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if corsOrigins == "" {
		cached.CORSAllowedOrigins = []string{"*"}
	} else {
		cached.CORSAllowedOrigins = strings.Split(corsOrigins, ",")
		for i := range cached.CORSAllowedOrigins {
			cached.CORSAllowedOrigins[i] = strings.TrimSpace(cached.CORSAllowedOrigins[i])
		}
	}

	return cached
}

// ResetForTest clears cached config; for use in tests only.
func ResetForTest() { cached = nil }

func filepathJoinTemp(sub string) string {
	return filepath.Join(os.TempDir(), sub)
}
