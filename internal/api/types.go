package api

import "github.com/mattjoyce/installman/internal/pipeline"

// StartJobRequest is the JSON body for POST /jobs
type StartJobRequest struct {
	Archive string `json:"archive"`
	Prefix  string `json:"prefix,omitempty"`
	BLAKE3  string `json:"blake3,omitempty"`
}

// CurrentJobResponse is returned by GET /jobs/current
type CurrentJobResponse struct {
	Active bool               `json:"active"`
	Job    *pipeline.Snapshot `json:"job,omitempty"`
	Last   *pipeline.Snapshot `json:"last,omitempty"`
}

// CancelResponse is returned by POST /jobs/current/cancel
type CancelResponse struct {
	JobID           string         `json:"job_id"`
	CancelRequested bool           `json:"cancel_requested"`
	State           pipeline.State `json:"state"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Busy          bool   `json:"busy"`
	CurrentJobID  string `json:"current_job_id,omitempty"`
}
