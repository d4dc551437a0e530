package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/flagdeck/flagdeck-relay/internal/config"
	"github.com/flagdeck/flagdeck-relay/internal/errorreporting"
	"github.com/flagdeck/flagdeck-relay/internal/logger"
	"github.com/flagdeck/flagdeck-relay/internal/metrics"
	"github.com/flagdeck/flagdeck-relay/internal/poller"
	"github.com/flagdeck/flagdeck-relay/internal/relay"
	"github.com/flagdeck/flagdeck-relay/internal/respcache"
	"github.com/flagdeck/flagdeck-relay/internal/runtime"
	"github.com/flagdeck/flagdeck-relay/internal/secrets"
	"github.com/flagdeck/flagdeck-relay/internal/storage"
	"github.com/flagdeck/flagdeck-relay/internal/tracing"
	"github.com/flagdeck/flagdeck-relay/internal/upstream"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found (falling back to system env)")
	}

	// Load configuration
	cfg := config.Load()

	// Initialize structured logging
	logger.Init(cfg.LogLevel)
	logger.Info("Initializing relay", "version", cfg.SentryRelease, "log_level", cfg.LogLevel)

	// Initialize error reporting
	if err := errorreporting.Init(); err != nil {
		logger.Warn("Failed to initialize error reporting", "error", err)
	} else if errorreporting.IsSentryEnabled() {
		logger.Info("Error reporting initialized", "environment", cfg.SentryEnvironment)
		defer func() {
			logger.Info("Flushing error reports...")
			errorreporting.Flush(2 * time.Second)
		}()
	}

	// Initialize tracing
	shutdownTracing, err := tracing.Init("flagdeck-relay")
	if err != nil {
		logger.Warn("Failed to initialize tracing", "error", err)
	} else if cfg.OTELEnabled {
		logger.Info("Tracing initialized", "endpoint", cfg.OTELEndpoint, "sample_rate", cfg.OTELSampleRate)
		defer func() {
			logger.Info("Shutting down tracer...")
			if err := shutdownTracing(context.Background()); err != nil {
				logger.Error("Failed to shutdown tracer", "error", err)
			}
		}()
	}

	if cfg.UpstreamURL == "" {
		logger.Error("UPSTREAM_URL environment variable is required")
		log.Fatal("UPSTREAM_URL environment variable is required")
	}
	if cfg.UpstreamSDKKey == "" {
		logger.Error("UPSTREAM_SDK_KEY environment variable is required")
		log.Fatal("UPSTREAM_SDK_KEY environment variable is required")
	}

	// Pick the persistence backend for cached flag data
	kv, files, err := buildStores(cfg)
	if err != nil {
		logger.Error("Failed to initialize storage backend", "backend", cfg.StorageBackend, "error", err)
		log.Fatalf("Failed to initialize storage backend: %v", err)
	}
	logger.Info("Storage backend ready", "backend", cfg.StorageBackend)

	opts := []runtime.Option{
		runtime.WithKeyValueStore(kv),
		runtime.WithMaxCacheSizeMB(cfg.CacheMaxSizeMB),
	}
	if files != nil {
		opts = append(opts, runtime.WithFileStore(files))
	}
	rt, err := runtime.New(opts...)
	if err != nil {
		logger.Error("Failed to initialize runtime", "error", err)
		log.Fatalf("Failed to initialize runtime: %v", err)
	}
	defer rt.Close()

	// Upstream client and poll loop
	client := upstream.NewClient(cfg.UpstreamURL, cfg.UpstreamSDKKey, cfg.UpstreamTimeout)
	logger.Info("Upstream configured",
		"url", secrets.MaskURL(cfg.UpstreamURL),
		"sdk_key", secrets.MaskSDKKey(cfg.UpstreamSDKKey),
		"poll_interval", cfg.PollInterval,
	)
	p := poller.New(rt, client)

	// Rendered-response cache
	resp, err := respcache.New(cfg.RespCacheMaxBytes, cfg.RespCacheTTL)
	if err != nil {
		logger.Error("Failed to initialize response cache", "error", err)
		log.Fatalf("Failed to initialize response cache: %v", err)
	}
	defer resp.Close()

	// Stream hub: version changes invalidate rendered responses and
	// fan out to connected SDK clients
	hub := relay.NewHub()
	p.Subscribe(func(version int64) {
		resp.Clear()
		hub.NotifyVersion(version)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go hub.Run(ctx)
	go p.Start(ctx)

	var fileStats metrics.FileStatsFunc
	if files != nil {
		fileStats = files.Stats
	}
	collector := metrics.NewCollector(30*time.Second, fileStats, resp.HitRatio)
	go collector.Start(ctx)
	defer collector.Stop()

	handlers := relay.NewHandlers(rt, resp, hub, p.Version)
	server := relay.NewServer(relay.NewRouter(handlers))

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Received shutdown signal")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(); err != nil {
		logger.Error("Server failed", "error", err)
		log.Fatalf("Server failed: %v", err)
	}
	logger.Info("Relay stopped")
}

// buildStores returns the key/value store for persisted entries and,
// when a cache directory is configured, the file store for oversized
// values.
func buildStores(cfg *config.Config) (storage.KeyValueStore, *storage.Dir, error) {
	var files *storage.Dir
	if cfg.CacheDir != "" {
		d, err := storage.NewDir(cfg.CacheDir)
		if err != nil {
			return nil, nil, err
		}
		files = d
	}

	switch cfg.StorageBackend {
	case "postgres":
		kv, err := storage.NewPostgres(cfg.DatabaseURL)
		return kv, files, err
	case "redis":
		kv, err := storage.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		return kv, files, err
	case "file":
		if files == nil {
			d, err := storage.NewDir(defaultCacheDir())
			if err != nil {
				return nil, nil, err
			}
			files = d
		}
		kv, err := storage.NewFileKV(files)
		return kv, files, err
	default:
		return storage.NewMemory(), files, nil
	}
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/flagdeck-relay"
	}
	return ".flagdeck-cache"
}
