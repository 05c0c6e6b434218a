// Package inspect renders a detailed report of one install job: its history
// record plus whatever is left of its working directory on disk.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/installman/internal/history"
)

// maxArtifacts bounds the file list; source trees can hold thousands of files.
const maxArtifacts = 20

// Finder looks up a job by full ID or unique prefix. *history.Store satisfies it.
type Finder interface {
	Find(ctx context.Context, idOrPrefix string) (history.Record, error)
}

// Report is the structured JSON representation of a job report.
type Report struct {
	history.Record
	Duration  string    `json:"duration,omitempty"`
	Workspace Workspace `json:"workspace"`
}

// Workspace describes the job's working directory as found now.
type Workspace struct {
	Path      string   `json:"path,omitempty"`
	Present   bool     `json:"present"`
	Files     int      `json:"files"`
	Bytes     int64    `json:"bytes"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// BuildReport renders a terminal-friendly report for a job.
func BuildReport(ctx context.Context, finder Finder, jobID string) (string, error) {
	report, err := gatherReportData(ctx, finder, jobID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Install Job Report\n")
	fmt.Fprintf(&out, "Job ID      : %s\n", report.ID)
	fmt.Fprintf(&out, "Archive     : %s\n", report.Archive)
	fmt.Fprintf(&out, "BLAKE3      : %s\n", renderUnset(report.Digest, "<not computed>"))
	fmt.Fprintf(&out, "Prefix      : %s\n", report.Prefix)
	fmt.Fprintf(&out, "State       : %s\n", report.State)
	fmt.Fprintf(&out, "Outcome     : %s\n", renderUnset(string(report.Outcome), "<running>"))
	if report.Cancelled {
		fmt.Fprintf(&out, "Cancel      : requested\n")
	}
	fmt.Fprintf(&out, "Started     : %s\n", report.StartedAt.Local().Format(time.RFC3339))
	if report.FinishedAt != nil {
		fmt.Fprintf(&out, "Finished    : %s\n", report.FinishedAt.Local().Format(time.RFC3339))
		fmt.Fprintf(&out, "Duration    : %s\n", report.Duration)
	}
	if report.Error != "" {
		fmt.Fprintf(&out, "Error       : %s\n", report.Error)
	}
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Workspace\n")
	fmt.Fprintf(&out, "    path       : %s\n", renderUnset(report.Workspace.Path, "<none>"))
	fmt.Fprintf(&out, "    source dir : %s\n", renderUnset(report.SourceDir, "<not located>"))
	if !report.Workspace.Present {
		fmt.Fprintf(&out, "    on disk    : removed\n")
		return out.String(), nil
	}
	fmt.Fprintf(&out, "    on disk    : %d file(s), %s\n", report.Workspace.Files, humanize.IBytes(uint64(report.Workspace.Bytes)))
	if len(report.Workspace.Artifacts) > 0 {
		fmt.Fprintf(&out, "    files      :\n")
		for _, a := range report.Workspace.Artifacts {
			fmt.Fprintf(&out, "      - %s\n", a)
		}
		if extra := report.Workspace.Files - len(report.Workspace.Artifacts); extra > 0 {
			fmt.Fprintf(&out, "      ... and %d more\n", extra)
		}
	}
	return out.String(), nil
}

// BuildJSONReport returns the machine-readable JSON report.
func BuildJSONReport(ctx context.Context, finder Finder, jobID string) (string, error) {
	report, err := gatherReportData(ctx, finder, jobID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, finder Finder, jobID string) (*Report, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("job_id is required")
	}

	rec, err := finder.Find(ctx, jobID)
	if err != nil {
		return nil, err
	}

	report := &Report{Record: rec}
	if rec.FinishedAt != nil {
		report.Duration = rec.Duration().Round(time.Millisecond).String()
	}
	report.Workspace, err = inspectWorkspace(rec.WorkDir)
	if err != nil {
		return nil, err
	}
	return report, nil
}

func inspectWorkspace(dir string) (Workspace, error) {
	ws := Workspace{Path: dir}
	if dir == "" {
		return ws, nil
	}
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ws, nil
		}
		return ws, fmt.Errorf("stat workspace: %w", err)
	}
	ws.Present = true

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		ws.Files++
		if info, err := d.Info(); err == nil {
			ws.Bytes += info.Size()
		}
		if len(ws.Artifacts) < maxArtifacts {
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			ws.Artifacts = append(ws.Artifacts, rel)
		}
		return nil
	})
	if err != nil {
		return ws, fmt.Errorf("walk workspace: %w", err)
	}
	sort.Strings(ws.Artifacts)
	return ws, nil
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
