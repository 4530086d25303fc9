// Package api exposes the orchestrator over HTTP: JSON request endpoints, an
// SSE streaming endpoint, health probes and read-only operational views.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"conductor/pkg/agent"
	"conductor/pkg/agent/middleware/metrics"
	"conductor/pkg/agent/middleware/resilience/circuit"
	"conductor/pkg/agent/middleware/resilience/ratelimit"
	querymetrics "conductor/pkg/metrics"
	"conductor/pkg/logx"
	"conductor/pkg/persistence"
)

// maxBodyBytes caps request bodies on /api routes.
const maxBodyBytes = 1 << 20

// Runner executes requests. *orchestrator.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, rc agent.Context) (agent.Result, error)
	RunStream(ctx context.Context, rc agent.Context) (<-chan agent.StreamChunk, error)
}

// OutcomeReader reads the outcome ledger. *persistence.Ledger implements it.
type OutcomeReader interface {
	Recent(ctx context.Context, q persistence.OutcomeQuery) ([]*persistence.OutcomeRecord, error)
	Stats(ctx context.Context, since time.Time) (*persistence.OutcomeStats, error)
}

// MetricsReader reads aggregates back from Prometheus.
// *metrics.QueryService implements it.
type MetricsReader interface {
	Outcomes(ctx context.Context, window time.Duration) (*querymetrics.OutcomeSummary, error)
	BreakerStates(ctx context.Context) (map[string]float64, error)
}

// Server is the HTTP transport.
type Server struct {
	runner         Runner
	limiter        ratelimit.Limiter
	breakers       *circuit.Registry
	ledger         OutcomeReader
	query          MetricsReader
	metricsHandler http.Handler
	recorder       metrics.Recorder
	apiKey         string
	corsOrigins    []string
	logger         *logx.Logger
	httpServer     *http.Server
	addr           net.Addr
}

// Option configures a Server.
type Option func(*Server)

// WithLimiter enables admission control on /api routes.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithBreakers lets /ready and /api/stats report breaker state.
func WithBreakers(r *circuit.Registry) Option {
	return func(s *Server) { s.breakers = r }
}

// WithOutcomes enables /api/outcomes and the ledger part of /api/stats.
func WithOutcomes(r OutcomeReader) Option {
	return func(s *Server) { s.ledger = r }
}

// WithMetricsQuery enables the Prometheus part of /api/stats.
func WithMetricsQuery(q MetricsReader) Option {
	return func(s *Server) { s.query = q }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithRecorder records admission decisions.
func WithRecorder(r metrics.Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

// WithAPIKey requires key on /api routes, as X-API-Key or a bearer token.
func WithAPIKey(key string) Option {
	return func(s *Server) { s.apiKey = key }
}

// WithCORSOrigins sets the allowed origins. "*" allows any.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// NewServer creates a server in front of runner.
func NewServer(runner Runner, opts ...Option) *Server {
	s := &Server{
		runner:   runner,
		recorder: metrics.Nop(),
		logger:   logx.NewLogger("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(tagRequest)
	r.Use(s.cors)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Use(s.admission)

		r.Post("/search", s.handleSearch)
		r.Post("/search/stream", s.handleSearchStream)
		r.Post("/chat", s.handleChat)
		r.Get("/outcomes", s.handleOutcomes)
		r.Get("/stats", s.handleStats)
	})
	return r
}

// Start listens on addr and serves in the background. Bind errors are
// returned; later serve errors are logged.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.addr = ln.Addr()
	s.logger.Info("Starting API server on %s", s.addr)

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Shutting down API server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown failed: %w", err)
	}
	return nil
}
