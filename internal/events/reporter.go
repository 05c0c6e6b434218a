package events

import (
	"sync"

	"github.com/mattjoyce/installman/internal/report"
)

// StartedData is the payload of job.started.
type StartedData = report.JobInfo

// ProgressData is the payload of job.progress.
type ProgressData struct {
	JobID    string  `json:"job_id"`
	Fraction float64 `json:"fraction"`
	Label    string  `json:"label"`
}

// LogData is the payload of job.log.
type LogData struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
	Error   bool   `json:"error"`
}

// FinishedData is the payload of job.finished.
type FinishedData struct {
	JobID   string         `json:"job_id"`
	Outcome report.Outcome `json:"outcome"`
}

// RejectedData is the payload of job.rejected.
type RejectedData struct {
	Message string `json:"message"`
}

// Reporter publishes pipeline callbacks to a Hub. Events between a start and
// a finish carry that job's ID.
type Reporter struct {
	hub *Hub

	mu    sync.Mutex
	jobID string
}

var (
	_ report.Observer      = (*Reporter)(nil)
	_ report.StartListener = (*Reporter)(nil)
)

func NewReporter(hub *Hub) *Reporter {
	return &Reporter{hub: hub}
}

func (r *Reporter) current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobID
}

func (r *Reporter) OnJobStarted(info report.JobInfo) {
	r.mu.Lock()
	r.jobID = info.ID
	r.mu.Unlock()
	r.hub.Publish(TypeJobStarted, StartedData(info))
}

func (r *Reporter) OnProgress(fraction float64, label string) {
	r.hub.Publish(TypeJobProgress, ProgressData{JobID: r.current(), Fraction: fraction, Label: label})
}

func (r *Reporter) OnLog(message string, isError bool) {
	r.hub.Publish(TypeJobLog, LogData{JobID: r.current(), Message: message, Error: isError})
}

func (r *Reporter) OnFatalError(message string) {
	r.hub.Publish(TypeJobRejected, RejectedData{Message: message})
}

func (r *Reporter) OnJobFinished(outcome report.Outcome) {
	r.mu.Lock()
	id := r.jobID
	r.jobID = ""
	r.mu.Unlock()
	r.hub.Publish(TypeJobFinished, FinishedData{JobID: id, Outcome: outcome})
}
