package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/tilepack/internal/events"
	"github.com/mattjoyce/tilepack/internal/jobs"
	"github.com/mattjoyce/tilepack/internal/pipeline"
	"github.com/mattjoyce/tilepack/internal/workspace"
)

// JobService is the pipeline as seen by the HTTP handlers.
type JobService interface {
	Submit(ctx context.Context, sub pipeline.Submission) (jobs.Job, error)
	Status(id string) (jobs.Job, error)
}

// QueueDepther reports how many tasks are waiting for a worker.
type QueueDepther interface {
	Depth() int
}

// ScratchReporter totals the workspace root.
type ScratchReporter interface {
	Usage(ctx context.Context) (workspace.Usage, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the single shared bearer token. Empty leaves the API open.
	APIKey         string
	UploadDir      string
	MaxUploadBytes int64
	// RateLimit is submissions per second; zero disables limiting.
	RateLimit float64
	RateBurst int
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	jobs      JobService
	depth     QueueDepther
	scratch   ScratchReporter
	events    *events.Hub
	limiter   *submitLimiter
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. depth and hub may be nil.
func New(config Config, svc JobService, depth QueueDepther, hub *events.Hub, logger *slog.Logger) *Server {
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = 512 << 20
	}
	if hub == nil {
		hub = events.NewHub(256)
	}
	return &Server{
		config:    config,
		jobs:      svc,
		depth:     depth,
		events:    hub,
		limiter:   newSubmitLimiter(config.RateLimit, config.RateBurst),
		logger:    logger,
		startedAt: time.Now(),
	}
}

// ReportScratch adds workspace usage to /healthz.
func (s *Server) ReportScratch(r ScratchReporter) {
	s.scratch = r
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     router,
		ReadTimeout: 10 * time.Minute, // uploads can be large
		// Zero so the event stream and large downloads are not cut off.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "auth", s.config.APIKey != "")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated liveness endpoints.
	r.Get("/healthcheck", s.handleHealthcheck)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		if s.config.APIKey != "" {
			r.Use(s.authMiddleware)
		}
		r.With(s.rateLimitMiddleware).Post("/mbtiles", s.handleSubmit)
		r.Get("/", s.handleLegacyStatus)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Get("/download/{jobID}", s.handleDownload)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
