package inspect

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/installman/internal/history"
	"github.com/mattjoyce/installman/internal/pipeline"
	"github.com/mattjoyce/installman/internal/report"
)

func openStore(t *testing.T) *history.Store {
	t.Helper()
	s, err := history.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(t *testing.T, s *history.Store, snap pipeline.Snapshot) {
	t.Helper()
	ctx := context.Background()
	if err := s.RecordStart(ctx, snap); err != nil {
		t.Fatalf("RecordStart: %v", err)
	}
	// RecordFinish also persists work dirs for a job that is still running.
	if err := s.RecordFinish(ctx, snap); err != nil {
		t.Fatalf("RecordFinish: %v", err)
	}
}

func TestBuildReportFinishedJob(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(95 * time.Second)
	record(t, s, pipeline.Snapshot{
		ID:          "0f1e2d3c-aaaa-bbbb-cccc-000000000001",
		ArchivePath: "/srv/zlib-1.3.tar.gz",
		Prefix:      "/usr/local",
		Digest:      "feedface",
		State:       pipeline.StateFailed,
		Outcome:     report.OutcomeFailed,
		WorkDir:     filepath.Join(t.TempDir(), "installman_gone"),
		StartedAt:   start,
		FinishedAt:  &end,
		Error:       "build: exit status 2",
	})

	out, err := BuildReport(context.Background(), s, "0f1e2d3c")
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}
	for _, want := range []string{
		"Job ID      : 0f1e2d3c-aaaa-bbbb-cccc-000000000001",
		"BLAKE3      : feedface",
		"Outcome     : failed",
		"Duration    : 1m35s",
		"Error       : build: exit status 2",
		"on disk    : removed",
		"source dir : <not located>",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}
}

func TestBuildReportListsLeftoverWorkspace(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	workDir := filepath.Join(t.TempDir(), "installman_1234")
	src := filepath.Join(workDir, "pkg-1.0")
	if err := os.MkdirAll(src, 0o755); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < maxArtifacts+5; i++ {
		name := filepath.Join(src, "f"+strings.Repeat("x", i%3)+string(rune('a'+i%26))+".c")
		if err := os.WriteFile(name, []byte("int x;\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	record(t, s, pipeline.Snapshot{
		ID:          "running-job",
		ArchivePath: "/srv/pkg-1.0.tar.gz",
		Prefix:      "/opt",
		State:       pipeline.StateBuilding,
		WorkDir:     workDir,
		SourceDir:   src,
		StartedAt:   time.Now().UTC(),
	})

	out, err := BuildJSONReport(context.Background(), s, "running-job")
	if err != nil {
		t.Fatalf("BuildJSONReport: %v", err)
	}
	var rep Report
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rep.ID != "running-job" || rep.State != pipeline.StateBuilding {
		t.Fatalf("record not embedded: %+v", rep.Record)
	}
	if !rep.Workspace.Present || rep.Workspace.Files != maxArtifacts+5 {
		t.Fatalf("workspace = %+v", rep.Workspace)
	}
	if len(rep.Workspace.Artifacts) != maxArtifacts {
		t.Fatalf("artifacts = %d, want %d", len(rep.Workspace.Artifacts), maxArtifacts)
	}
	if rep.Duration != "" {
		t.Fatalf("running job has duration %q", rep.Duration)
	}

	text, err := BuildReport(context.Background(), s, "running-job")
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}
	if !strings.Contains(text, "Outcome     : <running>") || !strings.Contains(text, "... and 5 more") {
		t.Fatalf("unexpected report:\n%s", text)
	}
}

func TestBuildReportUnknownJob(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	if _, err := BuildReport(context.Background(), s, "nope"); err == nil {
		t.Fatal("expected error")
	}
	if _, err := BuildReport(context.Background(), s, "  "); err == nil || !strings.Contains(err.Error(), "job_id is required") {
		t.Fatalf("err = %v", err)
	}
}
