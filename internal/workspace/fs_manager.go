package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// fsWorkspaceManager allocates job directories on local disk.
type fsWorkspaceManager struct {
	baseDir string
	now     func() time.Time
}

var _ Manager = (*fsWorkspaceManager)(nil)

// NewFSManager creates a filesystem-backed workspace manager rooted at
// baseDir. An empty baseDir means the system temporary directory.
func NewFSManager(baseDir string) (*fsWorkspaceManager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		trimmed = os.TempDir()
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace base directory: %w", err)
	}

	return &fsWorkspaceManager{
		baseDir: abs,
		now:     time.Now,
	}, nil
}

// BaseDir returns the directory workspaces are allocated in.
func (m *fsWorkspaceManager) BaseDir() string { return m.baseDir }

// Create allocates a new uniquely named directory for jobID.
func (m *fsWorkspaceManager) Create(ctx context.Context, jobID string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}
	if err := validateJobID(jobID); err != nil {
		return Workspace{}, err
	}

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace base directory: %w", err)
	}

	dir, err := os.MkdirTemp(m.baseDir, DirPrefix+shortID(jobID)+"_")
	if err != nil {
		return Workspace{}, fmt.Errorf("create workspace for job %q: %w", jobID, err)
	}

	return Workspace{JobID: jobID, Dir: dir}, nil
}

// Remove deletes the workspace tree. Directories extracted read-only are made
// writable first so the removal cannot be blocked by archive permissions.
func (m *fsWorkspaceManager) Remove(ws Workspace) (bool, error) {
	if err := m.owns(ws.Dir); err != nil {
		return false, err
	}

	if _, err := os.Lstat(ws.Dir); os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("stat workspace %q: %w", ws.Dir, err)
	}

	if err := os.RemoveAll(ws.Dir); err != nil {
		makeWritable(ws.Dir)
		if err := os.RemoveAll(ws.Dir); err != nil {
			return false, fmt.Errorf("remove workspace %q: %w", ws.Dir, err)
		}
	}
	return true, nil
}

// Cleanup removes installman workspaces older than olderThan based on
// directory modification time. Other entries in the base directory are
// never touched.
func (m *fsWorkspaceManager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read workspace base directory: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	report := CleanupReport{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), DirPrefix) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("read workspace entry info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		removed, err := m.Remove(Workspace{Dir: filepath.Join(m.baseDir, entry.Name())})
		if err != nil {
			return report, err
		}
		if removed {
			report.DeletedDirs++
		}
	}

	return report, nil
}

// owns refuses to remove anything that is not an installman directory
// directly inside the base directory.
func (m *fsWorkspaceManager) owns(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return fmt.Errorf("workspace directory is empty")
	}
	clean := filepath.Clean(dir)
	if filepath.Dir(clean) != m.baseDir || !strings.HasPrefix(filepath.Base(clean), DirPrefix) {
		return fmt.Errorf("refusing to remove %q: not a workspace under %q", dir, m.baseDir)
	}
	return nil
}

func makeWritable(root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if info, err := d.Info(); err == nil {
				_ = os.Chmod(path, info.Mode().Perm()|0o700)
			}
		}
		return nil
	})
}

func shortID(jobID string) string {
	if len(jobID) > 8 {
		return jobID[:8]
	}
	return jobID
}

func validateJobID(jobID string) error {
	trimmed := strings.TrimSpace(jobID)
	if trimmed == "" {
		return fmt.Errorf("jobID is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("jobID %q is invalid", jobID)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("jobID %q must not contain path separators", jobID)
	}
	if strings.ContainsAny(trimmed, "*?[") {
		return fmt.Errorf("jobID %q must not contain pattern characters", jobID)
	}
	return nil
}
