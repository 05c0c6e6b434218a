package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/installman/internal/pipeline"
)

// Server represents the webhook HTTP server.
type Server struct {
	config  Config
	starter Starter
	logger  *slog.Logger
	server  *http.Server

	// endpoints maps URL paths to their configurations
	endpoints map[string]*EndpointConfig
}

// New creates a new webhook server instance.
func New(config Config, starter Starter, logger *slog.Logger) *Server {
	endpoints := make(map[string]*EndpointConfig)
	for i := range config.Endpoints {
		ep := &config.Endpoints[i]
		if ep.MaxBodySize == 0 {
			ep.MaxBodySize = DefaultMaxBodySize
		}
		if ep.SignatureHeader == "" {
			ep.SignatureHeader = DefaultSignatureHeader
		}
		endpoints[ep.Path] = ep
	}

	return &Server{
		config:    config,
		starter:   starter,
		logger:    logger,
		endpoints: endpoints,
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.setupRoutes() }

// Start starts the webhook HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen, "endpoints", len(s.endpoints))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	for path := range s.endpoints {
		r.Post(path, s.handleWebhook)
	}

	return r
}

// loggingMiddleware logs HTTP requests (excludes payloads).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// handleWebhook verifies a signed trigger and starts the install.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := s.endpoints[r.URL.Path]
	if !ok {
		s.respondError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, endpoint.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > endpoint.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	signature := r.Header.Get(endpoint.SignatureHeader)
	if signature == "" {
		s.logger.Warn("webhook signature missing", "path", r.URL.Path, "header", endpoint.SignatureHeader)
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err := verifyHMACSignature(body, signature, endpoint.Secret); err != nil {
		s.logger.Warn("webhook signature verification failed", "path", r.URL.Path, "error", err)
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	var trigger TriggerRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&trigger); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	archivePath, err := resolveArchive(endpoint.ArchiveDir, trigger.Archive)
	if err != nil {
		s.logger.Warn("webhook archive rejected", "path", r.URL.Path, "archive", trigger.Archive, "error", err)
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.starter.Start(pipeline.Request{
		ArchivePath:    archivePath,
		Prefix:         endpoint.Prefix,
		ExpectedDigest: trigger.BLAKE3,
	})
	if err != nil {
		s.respondError(w, statusForStartError(err), err.Error())
		return
	}

	s.logger.Info("webhook install started",
		"path", r.URL.Path,
		"archive", archivePath,
		"job_id", job.ID,
	)
	s.respondJSON(w, http.StatusAccepted, TriggerResponse{JobID: job.ID})
}

// resolveArchive joins name onto dir and refuses anything that lands outside
// dir, following symlinks when the target exists.
func resolveArchive(dir, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("archive is required")
	}
	if filepath.IsAbs(name) {
		return "", errors.New("archive must be relative to the endpoint's archive_dir")
	}

	joined := filepath.Join(dir, name)
	if !within(dir, joined) {
		return "", errors.New("archive escapes archive_dir")
	}

	real, err := filepath.EvalSymlinks(joined)
	if err != nil {
		// Missing files are reported by the installer.
		return joined, nil
	}
	realDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		realDir = dir
	}
	if !within(realDir, real) {
		return "", errors.New("archive escapes archive_dir")
	}
	return joined, nil
}

func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func statusForStartError(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrJobActive):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrArchiveNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrChecksumMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pipeline.ErrNoArchive):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
