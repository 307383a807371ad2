// Package api provides the operational HTTP surface of the finalizer.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/auction-finalizer/internal/logging"
	"github.com/auction-finalizer/internal/models"
	"github.com/auction-finalizer/internal/service"
)

// Scanner runs one scan cycle on demand
type Scanner interface {
	ScanAndEnqueue(ctx context.Context) (*service.ScanResult, error)
}

// JobAdmin is the operator side of the job queue
type JobAdmin interface {
	ListFailed(ctx context.Context, limit int) ([]*models.JobRecord, error)
	Requeue(ctx context.Context, jobID string) error
	Stats(ctx context.Context) (*models.QueueStats, error)
}

// StatusFunc reports the running components' status
type StatusFunc func() interface{}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	scanner    Scanner
	jobs       JobAdmin
	metrics    http.Handler
	status     StatusFunc
	logger     *logging.Logger
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// RequestsPerSecond per client; 0 disables rate limiting
	RequestsPerSecond int
}

// NewServer creates a new API server instance. scanner and metrics may be nil;
// the corresponding routes then report 503 and 404.
func NewServer(config *ServerConfig, scanner Scanner, jobs JobAdmin, metrics http.Handler, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	s := &Server{
		router:  mux.NewRouter(),
		scanner: scanner,
		jobs:    jobs,
		metrics: metrics,
		logger:  logger.WithComponent("api"),
		config:  config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware(s.logger))
	s.router.Use(CORSMiddleware)
	if s.config.RequestsPerSecond > 0 {
		s.router.Use(RateLimitMiddleware(NewRateLimiter(s.config.RequestsPerSecond)))
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:           s.router,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods("GET")
	}

	// registered on the root router so a wrong method answers 405, not 404
	s.router.HandleFunc("/api/scan", s.handleScan).Methods("POST")
	s.router.HandleFunc("/api/jobs/failed", s.handleListFailed).Methods("GET")
	s.router.HandleFunc("/api/jobs/{id}/retry", s.handleRetryJob).Methods("POST")
	s.router.HandleFunc("/api/queue/stats", s.handleQueueStats).Methods("GET")
	s.router.HandleFunc("/api/status", s.handleStatus).Methods("GET")
}

// SetStatusSource installs the source for GET /api/status. Call before Start.
func (s *Server) SetStatusSource(fn StatusFunc) {
	s.status = fn
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth reports healthy while the queue answers
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := s.jobs.Stats(ctx); err != nil {
		s.logger.WithError(err).Warn("Health check: queue unreachable")
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "unhealthy",
			"service": "auction-finalizer",
			"queue":   "unreachable",
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "auction-finalizer",
	})
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
