package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/installman/internal/history"
	"github.com/mattjoyce/installman/internal/pipeline"
)

// maxStartJobBody bounds a POST /jobs body; a request is three short strings.
const maxStartJobBody = 64 << 10

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if job := s.installer.Current(); job != nil {
		resp.Busy = true
		resp.CurrentJobID = job.ID
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleStartJob handles POST /jobs.
func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxStartJobBody)
	var req StartJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if s.config.RequireDigest && strings.TrimSpace(req.BLAKE3) == "" {
		s.writeError(w, http.StatusBadRequest, "blake3 digest is required")
		return
	}

	job, err := s.installer.Start(pipeline.Request{
		ArchivePath:    req.Archive,
		Prefix:         req.Prefix,
		ExpectedDigest: req.BLAKE3,
	})
	if err != nil {
		s.writeError(w, statusForStartError(err), err.Error())
		return
	}

	s.logger.Info("install job accepted", "job_id", job.ID, "archive", job.ArchivePath, "prefix", job.Prefix)
	w.Header().Set("Location", "/jobs/"+job.ID)
	respondJSON(w, http.StatusAccepted, job.Snapshot())
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

// handleCurrentJob handles GET /jobs/current.
func (s *Server) handleCurrentJob(w http.ResponseWriter, r *http.Request) {
	var resp CurrentJobResponse
	if job := s.installer.Current(); job != nil {
		snap := job.Snapshot()
		resp.Active = true
		resp.Job = &snap
	}
	if last := s.installer.Last(); last != nil {
		snap := last.Snapshot()
		resp.Last = &snap
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleCancelJob handles POST /jobs/current/cancel.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job := s.installer.Current()
	if job == nil {
		s.writeError(w, http.StatusNotFound, "no active job")
		return
	}
	if !s.installer.Cancel() && !job.CancelRequested() {
		// Finished between the lookup and the request.
		s.writeError(w, http.StatusConflict, "job already finished")
		return
	}
	respondJSON(w, http.StatusAccepted, CancelResponse{
		JobID:           job.ID,
		CancelRequested: true,
		State:           job.State(),
	})
}

// handleListJobs handles GET /jobs?limit=N.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotImplemented, "job history is disabled")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	recs, err := s.history.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if recs == nil {
		recs = []history.Record{}
	}
	respondJSON(w, http.StatusOK, recs)
}

// handleGetJob handles GET /jobs/{jobID}. The running job is served live.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	if job := s.installer.Current(); job != nil && job.ID == jobID {
		respondJSON(w, http.StatusOK, job.Snapshot())
		return
	}
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}

	rec, err := s.history.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("failed to retrieve job", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
