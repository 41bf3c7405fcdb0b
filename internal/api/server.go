// Package api serves the festdb HTTP API.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/techfest/festdb/internal/config"
	"github.com/techfest/festdb/internal/facade"
	"github.com/techfest/festdb/internal/fest"
	"github.com/techfest/festdb/internal/replication"
)

// Server is the festdb HTTP API server.
type Server struct {
	config      config.ServerConfig
	facade      *facade.Facade
	fest        *fest.Queries
	coordinator *replication.Coordinator
	logger      *slog.Logger
	metrics     *Metrics
	rateLimiter *RateLimiter
	http        *http.Server

	mu       sync.Mutex
	addr     string
	streams  context.Context // cancelled on shutdown to close change streams
	cancel   context.CancelFunc
	handlers http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the base request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithCoordinator exposes the coordinator's replay counters on /metricz.
func WithCoordinator(c *replication.Coordinator) Option {
	return func(s *Server) { s.coordinator = c }
}

// NewServer creates a Server over f.
func NewServer(cfg config.ServerConfig, f *facade.Facade, opts ...Option) *Server {
	s := &Server{
		config:  cfg,
		facade:  f,
		fest:    fest.New(f),
		logger:  slog.Default(),
		metrics: NewMetrics(),
	}
	for _, o := range opts {
		o(s)
	}
	if cfg.RateLimit > 0 {
		s.rateLimiter = NewRateLimiter(cfg.RateLimit, cfg.Burst)
	}
	s.streams, s.cancel = context.WithCancel(context.Background())
	s.handlers = s.routes()

	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.handlers,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler { return s.handlers }

// Metrics returns the server's counters.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server", "err", err)
		}
	}()
	if s.rateLimiter != nil {
		go s.rateLimiter.Run(s.streams)
	}
	return nil
}

// Addr returns the address the server listens on once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown closes change streams and gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.http.Shutdown(ctx)
}

// routes builds the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		recoveryMiddleware,
		requestIDMiddleware,
		loggerMiddleware(s.logger),
		metricsMiddleware(s.metrics),
		loggingMiddleware,
		corsMiddleware(s.config.CORSAllowedOrigins),
		maxBytesMiddleware(s.config.MaxBodyBytes),
		rateLimitMiddleware(s.rateLimiter, s.metrics),
	)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeBadRequest, "method not allowed")
	})

	admin := requireAdmin(s.config.AdminToken)

	// Health & metrics
	r.Get("/healthz", s.handleHealthz)
	r.Get("/metricz", s.handleMetrics)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/schema", s.handleSchema)
		r.Get("/schema/{table}", s.handleSchemaTable)
		r.Get("/changes", s.handleChanges)

		r.Route("/tables/{table}", func(r chi.Router) {
			r.Use(s.restrictedTables(admin))
			r.Get("/records", s.handleListRecords)
			r.Post("/records", s.handleInsertRecord)
			r.Get("/records/{id}", s.handleGetRecord)
			r.Patch("/records/{id}", s.handleUpdateRecord)
			r.Delete("/records/{id}", s.handleDeleteRecord)
			r.With(admin).Post("/records/{id}/resync", s.handleResync)
			r.With(admin).Post("/backfill", s.handleBackfill)
			r.Get("/changes", s.handleChanges)
		})

		r.Route("/replication", func(r chi.Router) {
			r.Use(admin)
			r.Get("/tasks", s.handleListTasks)
			r.Get("/tasks/{id}", s.handleGetTask)
			r.Post("/tasks/{id}/requeue", s.handleRequeue)
			r.Post("/purge", s.handlePurge)
		})

		r.Route("/fest", s.festRoutes)
	})
	return r
}

// handleHealthz is the liveness probe; it never touches the stores.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type metricsResponse struct {
	MetricsSnapshot
	Replication *replication.Stats `json:"replication,omitempty"`
	Subscribers int                `json:"subscribers"`
	Dropped     int64              `json:"dropped_changes"`
}

// handleMetrics returns a snapshot of server metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	resp := metricsResponse{
		MetricsSnapshot: s.metrics.Snapshot(),
		Subscribers:     s.facade.Hub().Subscribers(),
		Dropped:         s.facade.Hub().Dropped(),
	}
	if s.coordinator != nil {
		st := s.coordinator.Stats()
		resp.Replication = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHealth reports store reachability and the replication backlog.
// It answers 503 only when neither store can serve reads.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.facade.Health(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	status := http.StatusOK
	if !h.PrimaryReachable && !h.BackupReachable {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}
