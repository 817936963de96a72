package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/offboard-control/fcb/internal/auth"
)

// Server is the bridge HTTP API.
type Server struct {
	httpServer   *http.Server
	orchestrator OrchestratorPort
	telemetryHub TelemetryPort
	gate         SafetyPort
	audit        AuditPort
	auth         *auth.Middleware
	logger       *slog.Logger
	startTime    time.Time
	version      string

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithAuth protects every route except health with m.
func WithAuth(m *auth.Middleware) Option {
	return func(s *Server) { s.auth = m }
}

// WithAuditLogger records circuit breaker toggles.
func WithAuditLogger(a AuditPort) Option {
	return func(s *Server) { s.audit = a }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithTimeouts sets the HTTP server timeouts. A zero write timeout is
// required for the SSE stream to stay open.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		s.readTimeout, s.writeTimeout, s.idleTimeout = read, write, idle
	}
}

// WithVersion sets the version reported by health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer creates a new API server.
func NewServer(orchestrator OrchestratorPort, telemetryHub TelemetryPort, gate SafetyPort, opts ...Option) *Server {
	s := &Server{
		orchestrator: orchestrator,
		telemetryHub: telemetryHub,
		gate:         gate,
		logger:       slog.Default(),
		startTime:    time.Now(),
		version:      "dev",
		readTimeout:  10 * time.Second,
		idleTimeout:  60 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Start serves on addr until Stop. It returns nil after a clean shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  s.idleTimeout,
	}

	s.logger.Info("HTTP API listening", slog.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}
