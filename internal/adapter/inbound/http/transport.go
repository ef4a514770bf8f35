package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/govnext/web-core-sub000/internal/service"
)

// Server is the inbound adapter exposing the limiter over HTTP.
type Server struct {
	limiter         *service.LimiterService
	server          *http.Server
	addr            string
	logger          *slog.Logger
	registry        *prometheus.Registry
	metrics         *Metrics
	healthChecker   *HealthChecker
	guarded         http.Handler // Optional handler served behind RateLimitMiddleware
	shutdownTimeout time.Duration
}

// Option is a functional option for configuring Server.
type Option func(*Server)

// WithAddr sets the listen address for the HTTP server.
// Default is "127.0.0.1:8080" (localhost only).
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithLogger sets the logger for the HTTP server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRegistry sets the Prometheus registry served on /metrics. The HTTP
// metrics are registered on it as well.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

// WithHealthChecker sets the health checker for the /healthz endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(s *Server) {
		s.healthChecker = hc
	}
}

// WithGuardedHandler serves h for every path outside the limiter's own
// routes, behind RateLimitMiddleware.
func WithGuardedHandler(h http.Handler) Option {
	return func(s *Server) {
		s.guarded = h
	}
}

// WithShutdownTimeout bounds graceful shutdown. Default is 10s.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// NewServer creates the HTTP adapter around limiter.
func NewServer(limiter *service.LimiterService, opts ...Option) *Server {
	s := &Server{
		limiter:         limiter,
		addr:            "127.0.0.1:8080",
		logger:          slog.Default(),
		shutdownTimeout: 10 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	if s.healthChecker == nil {
		s.healthChecker = NewHealthChecker("")
	}
	s.metrics = NewMetrics(s.registry)
	return s
}

// Metrics returns the HTTP metrics registered by the server.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Router builds the chi router.
//
// Middleware order (outermost first):
//  1. MetricsMiddleware - MUST be outermost to capture full duration
//  2. RequestID - Extract/generate request ID and enrich logger
//  3. RealIP - Resolve the client address
//  4. Recoverer - Turn handler panics into 500s
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(MetricsMiddleware(s.metrics))
	r.Use(RequestIDMiddleware(s.logger))
	r.Use(RealIPMiddleware)
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/healthz", s.healthChecker.Handler())
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		Registry: s.registry,
	}))

	NewAPIHandler(s.limiter).Routes(r)

	if s.guarded != nil {
		r.With(RateLimitMiddleware(s.limiter)).Handle("/*", s.guarded)
	}
	return r
}

// Start begins accepting HTTP connections.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting HTTP server", "addr", s.addr)
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down HTTP server")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown performs graceful shutdown of the HTTP server.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return err
	}

	s.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the server.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	return s.shutdown()
}
