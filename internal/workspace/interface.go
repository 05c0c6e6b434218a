package workspace

import (
	"context"
	"time"
)

// DirPrefix marks directories owned by installman inside the base directory.
const DirPrefix = "installman_"

// Workspace is the working directory of one install job. It holds the
// extracted sources and nothing else; it is removed when the job ends.
type Workspace struct {
	JobID string
	Dir   string
}

// CleanupReport summarizes a prune run.
type CleanupReport struct {
	DeletedDirs int
}

// Manager governs working-directory lifecycle for install jobs.
type Manager interface {
	// Create allocates a fresh, uniquely named directory for jobID.
	Create(ctx context.Context, jobID string) (Workspace, error)

	// Remove deletes ws.Dir and everything below it. It reports whether
	// anything was removed; removing an absent workspace is not an error.
	Remove(ws Workspace) (bool, error)

	// Cleanup removes installman directories older than olderThan, left
	// behind by processes that died mid-job.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
