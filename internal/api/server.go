package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/installman/internal/auth"
	"github.com/mattjoyce/installman/internal/events"
	"github.com/mattjoyce/installman/internal/history"
	"github.com/mattjoyce/installman/internal/pipeline"
)

// Installer is the part of pipeline.Installer the API drives.
type Installer interface {
	Start(req pipeline.Request) (*pipeline.Handle, error)
	Current() *pipeline.Handle
	Last() *pipeline.Handle
	Cancel() bool
}

// HistoryReader looks up finished and running jobs.
type HistoryReader interface {
	List(ctx context.Context, limit int) ([]history.Record, error)
	Get(ctx context.Context, id string) (history.Record, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// Tokens lists scoped bearer tokens. With none configured the API is
	// unauthenticated.
	Tokens []auth.TokenConfig
	// RequireDigest rejects POST /jobs without a blake3 field.
	RequireDigest bool
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	installer Installer
	history   HistoryReader
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, installer Installer, hist HistoryReader, hub *events.Hub, logger *slog.Logger) *Server {
	if hub == nil {
		hub = events.NewHub(0)
	}
	return &Server{
		config:    config,
		installer: installer,
		history:   hist,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.setupRoutes() }

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: /events streams for as long as the client stays.
		IdleTimeout: 60 * time.Second,
	}

	if len(s.config.Tokens) == 0 {
		s.logger.Warn("API has no tokens configured; requests are not authenticated", "listen", s.config.Listen)
	}
	s.logger.Info("API server starting", "listen", s.config.Listen)

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

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeJobsWrite)).Post("/jobs", s.handleStartJob)
		r.With(s.requireScopes(auth.ScopeJobsRead)).Get("/jobs", s.handleListJobs)
		r.With(s.requireScopes(auth.ScopeJobsRead)).Get("/jobs/current", s.handleCurrentJob)
		r.With(s.requireScopes(auth.ScopeJobsWrite)).Post("/jobs/current/cancel", s.handleCancelJob)
		r.With(s.requireScopes(auth.ScopeJobsRead)).Get("/jobs/{jobID}", s.handleGetJob)
		r.With(s.requireScopes(auth.ScopeEventsRead)).Get("/events", s.handleEvents)
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
