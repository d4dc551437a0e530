package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/flagdeck/flagdeck-relay/internal/config"
	"github.com/flagdeck/flagdeck-relay/internal/logger"
)

// Server wraps the relay's HTTP server with graceful shutdown.
type Server struct {
	http *http.Server
}

// NewServer builds the HTTP server from config.
func NewServer(handler http.Handler) *Server {
	cfg := config.Load()
	return &Server{
		http: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  90 * time.Second,
		},
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.http.Addr
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	logger.Info("relay listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
