package relay

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flagdeck/flagdeck-relay/internal/config"
	"github.com/flagdeck/flagdeck-relay/internal/metrics"
	"github.com/flagdeck/flagdeck-relay/internal/middleware"
)

// NewRouter assembles the relay's routes and middleware chain.
func NewRouter(h *Handlers) *mux.Router {
	cfg := config.Load()

	r := mux.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RecoverWithSentry)
	r.Use(middleware.CORS(corsConfig(cfg)))

	r.HandleFunc("/health", h.Health).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// The stream endpoint skips instrumentation and compression; both
	// break the websocket upgrade.
	r.HandleFunc("/stream", h.Stream).Methods("GET")

	sdk := r.PathPrefix("/sdk").Subrouter()
	sdk.Use(instrument)
	sdk.Use(middleware.Compress)
	if cfg.EnableRateLimit {
		rl := middleware.NewRateLimiter(
			cfg.RateLimitGlobal, cfg.RateLimitGlobalBurst,
			cfg.RateLimitPerIP, cfg.RateLimitPerIPBurst,
		)
		sdk.Use(rl.Limit)
	}
	sdk.HandleFunc("/flags", h.Flags).Methods("GET")
	sdk.HandleFunc("/flags/{key}", h.Flag).Methods("GET")

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(instrument)
	admin.Use(RequireAdmin)
	admin.HandleFunc("/cache/invalidate", h.InvalidateCache).Methods("POST")
	admin.HandleFunc("/cache/stats", h.CacheStats).Methods("GET")

	return r
}

func corsConfig(cfg *config.Config) *middleware.CORSConfig {
	c := middleware.DefaultCORSConfig()
	if len(cfg.CORSAllowedOrigins) > 0 {
		c.AllowedOrigins = cfg.CORSAllowedOrigins
	}
	return c
}

// statusRecorder captures the response status for instrumentation.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// instrument records request counts and latency per route template.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tmpl
			}
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		status := strconv.Itoa(rec.status)
		metrics.RelayRequestsTotal.WithLabelValues(endpoint, r.Method, status).Inc()
		metrics.RelayRequestDuration.WithLabelValues(endpoint, r.Method, status).Observe(time.Since(start).Seconds())
	})
}
