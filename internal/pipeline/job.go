package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/installman/internal/report"
	"github.com/mattjoyce/installman/internal/workspace"
)

// State is a pipeline state-machine position.
type State string

const (
	StateIdle        State = "idle"
	StateExtracting  State = "extracting"
	StateConfiguring State = "configuring"
	StateBuilding    State = "building"
	StateInstalling  State = "installing"
	StateCleaningUp  State = "cleaning_up"
	StateSucceeded   State = "succeeded"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

func stateFor(o report.Outcome) State {
	switch o {
	case report.OutcomeSucceeded:
		return StateSucceeded
	case report.OutcomeCancelled:
		return StateCancelled
	default:
		return StateFailed
	}
}

// Request asks the installer to start a job.
type Request struct {
	ArchivePath string
	// Prefix overrides the configured install prefix when non-empty.
	Prefix string
	// ExpectedDigest, when set, must equal the archive's BLAKE3 hex digest.
	ExpectedDigest string
}

// Snapshot is a point-in-time copy of a job's externally visible fields.
type Snapshot struct {
	ID          string         `json:"job_id"`
	ArchivePath string         `json:"archive"`
	Prefix      string         `json:"prefix"`
	Digest      string         `json:"blake3,omitempty"`
	State       State          `json:"state"`
	Outcome     report.Outcome `json:"outcome,omitempty"`
	WorkDir     string         `json:"work_dir,omitempty"`
	SourceDir   string         `json:"source_dir,omitempty"`
	Cancelled   bool           `json:"cancel_requested"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Job is one install run. It doubles as the supervision handle returned by
// Installer.Start.
type Job struct {
	ID          string
	ArchivePath string
	ArchiveSize int64
	Prefix      string

	cancel atomic.Bool
	done   chan struct{}

	mu         sync.Mutex
	state      State
	outcome    report.Outcome
	digest     string
	ws         workspace.Workspace
	sourceDir  string
	startedAt  time.Time
	finishedAt time.Time
	err        error
	cleaned    bool
}

// Handle is the supervision view of a running job.
type Handle = Job

func newJob(id, archivePath string, size int64, prefix, digest string, now time.Time) *Job {
	return &Job{
		ID:          id,
		ArchivePath: archivePath,
		ArchiveSize: size,
		Prefix:      prefix,
		digest:      digest,
		state:       StateIdle,
		startedAt:   now,
		done:        make(chan struct{}),
	}
}

// Cancel requests cancellation. It is observed at the next checkpoint and
// never un-set. It returns false if the request was already made or the job
// has finished.
func (j *Job) Cancel() bool {
	if j.State().Terminal() {
		return false
	}
	return j.cancel.CompareAndSwap(false, true)
}

// CancelRequested reports whether Cancel has been called.
func (j *Job) CancelRequested() bool { return j.cancel.Load() }

// State returns the current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Outcome returns the terminal outcome, or "" while the job is running.
func (j *Job) Outcome() report.Outcome {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.outcome
}

// Err returns the error that ended the job, if any.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Done is closed once the job is terminal and cleanup has run.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finishes or ctx is done.
func (j *Job) Wait(ctx context.Context) (report.Outcome, error) {
	select {
	case <-j.done:
		return j.Outcome(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Snapshot copies the job's visible fields.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := Snapshot{
		ID:          j.ID,
		ArchivePath: j.ArchivePath,
		Prefix:      j.Prefix,
		Digest:      j.digest,
		State:       j.state,
		Outcome:     j.outcome,
		WorkDir:     j.ws.Dir,
		SourceDir:   j.sourceDir,
		Cancelled:   j.cancel.Load(),
		StartedAt:   j.startedAt,
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		s.FinishedAt = &t
	}
	if j.err != nil {
		s.Error = j.err.Error()
	}
	return s
}

func (j *Job) info() report.JobInfo {
	return report.JobInfo{ID: j.ID, ArchivePath: j.ArchivePath, ArchiveSize: j.ArchiveSize, Prefix: j.Prefix, StartedAt: j.startedAt}
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

func (j *Job) setWorkspace(ws workspace.Workspace) {
	j.mu.Lock()
	j.ws = ws
	j.mu.Unlock()
}

func (j *Job) workspace() workspace.Workspace {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.ws
}

func (j *Job) setSourceDir(dir string) {
	j.mu.Lock()
	j.sourceDir = dir
	j.mu.Unlock()
}

func (j *Job) setDigest(d string) {
	j.mu.Lock()
	j.digest = d
	j.mu.Unlock()
}

func (j *Job) hasDigest() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.digest != ""
}

// markCleaned returns true the first time only.
func (j *Job) markCleaned() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cleaned {
		return false
	}
	j.cleaned = true
	return true
}

func (j *Job) finish(outcome report.Outcome, err error, now time.Time) {
	j.mu.Lock()
	j.outcome = outcome
	j.state = stateFor(outcome)
	j.err = err
	j.finishedAt = now
	j.mu.Unlock()
}
