package pipeline

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/installman/internal/archive"
	"github.com/mattjoyce/installman/internal/log"
	"github.com/mattjoyce/installman/internal/report"
	"github.com/mattjoyce/installman/internal/runner"
	"github.com/mattjoyce/installman/internal/workspace"
)

type member struct {
	name string
	body string
	mode int64
	dir  bool
}

func writeTarGz(t *testing.T, members []member) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pkg-1.0.tar.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for _, m := range members {
		hdr := &tar.Header{Name: m.name, Mode: m.mode, ModTime: time.Unix(1700000000, 0)}
		if m.dir {
			hdr.Typeflag = tar.TypeDir
			if hdr.Mode == 0 {
				hdr.Mode = 0o755
			}
		} else {
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(m.body))
			if hdr.Mode == 0 {
				hdr.Mode = 0o644
			}
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if !m.dir {
			_, err := tw.Write([]byte(m.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return path
}

func autotoolsArchive(t *testing.T) string {
	return writeTarGz(t, []member{
		{name: "pkg-1.0/", dir: true},
		{name: "pkg-1.0/configure", body: "#!/bin/sh\necho configured > configured.txt\n", mode: 0o755},
		{name: "pkg-1.0/Makefile", body: "all:\n"},
		{name: "pkg-1.0/main.c", body: "int main(void) { return 0; }\n"},
	})
}

func plainMakeArchive(t *testing.T) string {
	return writeTarGz(t, []member{
		{name: "tool-2.3/", dir: true},
		{name: "tool-2.3/Makefile", body: "all:\n"},
	})
}

type fakeRunner struct {
	mu   sync.Mutex
	cmds []runner.Command
	fn   func(c runner.Command) (runner.Result, error)
}

func (f *fakeRunner) Run(c runner.Command) (runner.Result, error) {
	f.mu.Lock()
	f.cmds = append(f.cmds, c)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(c)
	}
	return runner.Result{}, nil
}

func (f *fakeRunner) argv() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.cmds))
	for i, c := range f.cmds {
		out[i] = c.Args
	}
	return out
}

func exitStatus(code int, stderr string) error {
	return &runner.Error{Command: "fake", ExitCode: code, Stderr: stderr, Err: runner.ErrExitStatus}
}

// hookObserver lets a test react to progress synchronously on the worker.
type hookObserver struct {
	*report.Recorder
	onProgress func(fraction float64)
}

func (h *hookObserver) OnProgress(fraction float64, label string) {
	h.Recorder.OnProgress(fraction, label)
	if h.onProgress != nil {
		h.onProgress(fraction)
	}
}

// finishHook runs a callback from inside OnJobFinished on the worker.
type finishHook struct {
	*report.Recorder
	onFinished func()
}

func (h *finishHook) OnJobFinished(outcome report.Outcome) {
	h.Recorder.OnJobFinished(outcome)
	if h.onFinished != nil {
		h.onFinished()
	}
}

type fakeHistory struct {
	mu       sync.Mutex
	started  []Snapshot
	finished []Snapshot
}

func (h *fakeHistory) RecordStart(_ context.Context, s Snapshot) error {
	h.mu.Lock()
	h.started = append(h.started, s)
	h.mu.Unlock()
	return nil
}

func (h *fakeHistory) RecordFinish(_ context.Context, s Snapshot) error {
	h.mu.Lock()
	h.finished = append(h.finished, s)
	h.mu.Unlock()
	return nil
}

func newTestInstaller(t *testing.T, cfg Config, obs report.Observer, opts ...Option) (*Installer, string) {
	t.Helper()
	base := t.TempDir()
	ws, err := workspace.NewFSManager(base)
	require.NoError(t, err)
	opts = append([]Option{WithWorkspaces(ws), WithLogger(log.Discard())}, opts...)
	in, err := New(cfg, obs, opts...)
	require.NoError(t, err)
	return in, base
}

func wait(t *testing.T, job *Job) report.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	outcome, err := job.Wait(ctx)
	require.NoError(t, err)
	return outcome
}

func assertNoWorkspaces(t *testing.T, base string) {
	t.Helper()
	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	assert.Empty(t, entries, "working directory must be removed")
}

func TestInstallWithConfigureSucceeds(t *testing.T) {
	rec := &report.Recorder{}
	fr := &fakeRunner{}
	in, base := newTestInstaller(t, Config{}, rec, WithRunner(fr))

	job, err := in.Start(Request{ArchivePath: autotoolsArchive(t), Prefix: "/opt/pkg"})
	require.NoError(t, err)

	assert.Equal(t, report.OutcomeSucceeded, wait(t, job))
	assert.Equal(t, StateSucceeded, job.State())
	assert.Equal(t, []float64{0.25, 0.5, 0.75, 0.9, 1.0}, rec.Fractions())
	assert.Equal(t, []report.Outcome{report.OutcomeSucceeded}, rec.Outcomes())
	assert.Equal(t, [][]string{
		{"./configure", "--prefix=/opt/pkg"},
		{"make", "-j2"},
		{"make", "install"},
	}, fr.argv())

	snap := job.Snapshot()
	assert.Equal(t, "pkg-1.0", filepath.Base(snap.SourceDir))
	for _, c := range fr.cmds {
		assert.Equal(t, snap.SourceDir, c.Dir)
	}
	assert.Len(t, snap.Digest, 64)
	assertNoWorkspaces(t, base)
	assert.False(t, in.Busy())
	assert.Nil(t, in.Current())
	assert.Equal(t, job, in.Last())

	fi, err := os.Stat(job.ArchivePath)
	require.NoError(t, err)
	started := rec.Events()[0]
	require.Equal(t, report.KindStarted, started.Kind)
	assert.Equal(t, fi.Size(), started.Job.ArchiveSize)
	assert.Positive(t, started.Job.ArchiveSize)
}

func TestInstallWithoutConfigureSkipsConfigureStage(t *testing.T) {
	rec := &report.Recorder{}
	fr := &fakeRunner{}
	in, base := newTestInstaller(t, Config{}, rec, WithRunner(fr))

	job, err := in.Start(Request{ArchivePath: plainMakeArchive(t)})
	require.NoError(t, err)

	assert.Equal(t, report.OutcomeSucceeded, wait(t, job))
	assert.Equal(t, []float64{0.25, 0.75, 0.9, 1.0}, rec.Fractions())
	assert.Equal(t, [][]string{{"make", "-j2"}, {"make", "install"}}, fr.argv())
	assert.Equal(t, DefaultPrefix, job.Prefix)
	assertNoWorkspaces(t, base)
}

func TestBuildFailureStopsBeforeInstall(t *testing.T) {
	rec := &report.Recorder{}
	fr := &fakeRunner{fn: func(c runner.Command) (runner.Result, error) {
		if c.Args[0] == "make" && c.Args[1] == "-j2" {
			return runner.Result{ExitCode: 2, Stderr: "boom"}, exitStatus(2, "boom")
		}
		return runner.Result{}, nil
	}}
	in, base := newTestInstaller(t, Config{}, rec, WithRunner(fr))

	job, err := in.Start(Request{ArchivePath: autotoolsArchive(t)})
	require.NoError(t, err)

	assert.Equal(t, report.OutcomeFailed, wait(t, job))
	assert.Equal(t, StateFailed, job.State())
	assert.Equal(t, []float64{0.25, 0.5, 0.75}, rec.Fractions())
	assert.Len(t, fr.argv(), 2, "install must never run")

	var rerr *runner.Error
	require.ErrorAs(t, job.Err(), &rerr)
	assert.Equal(t, 2, rerr.ExitCode)
	assertNoWorkspaces(t, base)
}

func TestRealCommandsInstallIntoPrefix(t *testing.T) {
	rec := &report.Recorder{}
	cfg := Config{
		BuildCommand:   []string{"sh", "-c", "test -f configured.txt && echo compiled > hello"},
		InstallCommand: []string{"sh", "-c", `mkdir -p "$1" && cp hello "$1"/`, "sh", "{prefix}"},
	}
	in, base := newTestInstaller(t, cfg, rec)
	prefix := filepath.Join(t.TempDir(), "opt")

	job, err := in.Start(Request{ArchivePath: autotoolsArchive(t), Prefix: prefix})
	require.NoError(t, err)

	require.Equal(t, report.OutcomeSucceeded, wait(t, job), "logs: %v", rec.Logs(false))
	data, err := os.ReadFile(filepath.Join(prefix, "hello"))
	require.NoError(t, err)
	assert.Equal(t, "compiled\n", string(data))
	assert.Contains(t, rec.Logs(false), "Installation finished successfully!")
	assertNoWorkspaces(t, base)
}

func TestRealBuildFailureSurfacesStderr(t *testing.T) {
	rec := &report.Recorder{}
	cfg := Config{
		BuildCommand:   []string{"sh", "-c", "echo 'undefined reference' >&2; exit 2"},
		InstallCommand: []string{"sh", "-c", "touch installed", "sh"},
	}
	in, base := newTestInstaller(t, cfg, rec)

	job, err := in.Start(Request{ArchivePath: plainMakeArchive(t)})
	require.NoError(t, err)

	assert.Equal(t, report.OutcomeFailed, wait(t, job))
	errs := strings.Join(rec.Logs(true), "\n")
	assert.Contains(t, errs, "undefined reference")
	assert.Contains(t, errs, "Exit status: 2")
	assertNoWorkspaces(t, base)
}

func TestCancelDuringExtraction(t *testing.T) {
	members := []member{{name: "pkg-1.0/", dir: true}, {name: "pkg-1.0/Makefile", body: "all:\n"}}
	for i := 0; i < 20; i++ {
		members = append(members, member{name: "pkg-1.0/file" + string(rune('a'+i)), body: "x"})
	}
	archivePath := writeTarGz(t, members)

	fr := &fakeRunner{}
	obs := &hookObserver{Recorder: &report.Recorder{}}
	in, base := newTestInstaller(t, Config{}, obs, WithRunner(fr))
	obs.onProgress = func(fraction float64) {
		if fraction == 0.25 {
			assert.True(t, in.Cancel())
		}
	}

	job, err := in.Start(Request{ArchivePath: archivePath})
	require.NoError(t, err)

	assert.Equal(t, report.OutcomeCancelled, wait(t, job))
	assert.Equal(t, StateCancelled, job.State())
	assert.ErrorIs(t, job.Err(), ErrCancelled)
	assert.ErrorIs(t, job.Err(), archive.ErrCancelled)
	assert.Empty(t, fr.argv(), "no external command may run after cancellation")
	assert.Equal(t, []float64{0.25}, obs.Fractions())
	assert.Equal(t, []report.Outcome{report.OutcomeCancelled}, obs.Outcomes())
	assertNoWorkspaces(t, base)
}

func TestCancelDuringBuildLetsItFinishThenStops(t *testing.T) {
	rec := &report.Recorder{}
	var in *Installer
	fr := &fakeRunner{}
	fr.fn = func(c runner.Command) (runner.Result, error) {
		if c.Args[1] == "-j2" {
			assert.True(t, in.Cancel())
			assert.False(t, in.Cancel(), "second request is a no-op")
		}
		return runner.Result{}, nil
	}
	in, base := newTestInstaller(t, Config{}, rec, WithRunner(fr))

	job, err := in.Start(Request{ArchivePath: plainMakeArchive(t)})
	require.NoError(t, err)

	assert.Equal(t, report.OutcomeCancelled, wait(t, job))
	assert.True(t, job.CancelRequested())
	assert.Equal(t, [][]string{{"make", "-j2"}}, fr.argv())
	assert.Equal(t, []float64{0.25, 0.75}, rec.Fractions())
	assert.False(t, job.Cancel(), "finished jobs ignore cancellation")
	assertNoWorkspaces(t, base)
}

func TestSecondJobRejectedWhileActive(t *testing.T) {
	rec := &report.Recorder{}
	release := make(chan struct{})
	building := make(chan struct{})
	fr := &fakeRunner{fn: func(c runner.Command) (runner.Result, error) {
		if c.Args[1] == "-j2" {
			close(building)
			<-release
		}
		return runner.Result{}, nil
	}}
	in, _ := newTestInstaller(t, Config{}, rec, WithRunner(fr))
	archivePath := plainMakeArchive(t)

	first, err := in.Start(Request{ArchivePath: archivePath})
	require.NoError(t, err)
	<-building

	second, err := in.Start(Request{ArchivePath: archivePath})
	assert.Nil(t, second)
	assert.ErrorIs(t, err, ErrJobActive)
	var reqErr *RequestError
	assert.ErrorAs(t, err, &reqErr)
	assert.Equal(t, []string{ErrJobActive.Error()}, rec.Fatals())
	assert.Equal(t, first, in.Current())
	assert.Equal(t, StateBuilding, first.State())

	close(release)
	assert.Equal(t, report.OutcomeSucceeded, wait(t, first))

	third, err := in.Start(Request{ArchivePath: archivePath})
	require.NoError(t, err, "slot is free again after the job finishes")
	assert.Equal(t, report.OutcomeSucceeded, wait(t, third))
}

func TestStartRejectsBadRequests(t *testing.T) {
	dir := t.TempDir()
	archivePath := plainMakeArchive(t)

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"empty path", Request{ArchivePath: "  "}, ErrNoArchive},
		{"missing file", Request{ArchivePath: filepath.Join(dir, "nope.tar.gz")}, ErrArchiveNotFound},
		{"directory", Request{ArchivePath: dir}, ErrArchiveNotFound},
		{"digest mismatch", Request{ArchivePath: archivePath, ExpectedDigest: strings.Repeat("0", 64)}, ErrChecksumMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &report.Recorder{}
			fr := &fakeRunner{}
			in, base := newTestInstaller(t, Config{}, rec, WithRunner(fr))

			job, err := in.Start(tt.req)
			assert.Nil(t, job)
			assert.ErrorIs(t, err, tt.want)
			assert.Len(t, rec.Fatals(), 1)
			assert.Empty(t, rec.Outcomes())
			assert.Empty(t, fr.argv())
			assert.False(t, in.Busy())
			assertNoWorkspaces(t, base)
		})
	}
}

func TestStartAcceptsMatchingDigest(t *testing.T) {
	archivePath := plainMakeArchive(t)
	digest, err := archive.Digest(archivePath)
	require.NoError(t, err)

	in, _ := newTestInstaller(t, Config{}, &report.Recorder{}, WithRunner(&fakeRunner{}))
	job, err := in.Start(Request{ArchivePath: archivePath, ExpectedDigest: strings.ToUpper(digest)})
	require.NoError(t, err)
	assert.Equal(t, report.OutcomeSucceeded, wait(t, job))
	assert.Equal(t, digest, job.Snapshot().Digest)
}

func TestLocatorMisses(t *testing.T) {
	tests := []struct {
		name    string
		members []member
		runs    int
	}{
		{"no top-level directory", []member{{name: "README", body: "hi"}}, 0},
		{"no makefile in source dir", []member{{name: "pkg/", dir: true}, {name: "pkg/main.c", body: ""}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &report.Recorder{}
			fr := &fakeRunner{}
			in, base := newTestInstaller(t, Config{}, rec, WithRunner(fr))

			job, err := in.Start(Request{ArchivePath: writeTarGz(t, tt.members)})
			require.NoError(t, err)

			assert.Equal(t, report.OutcomeFailed, wait(t, job))
			assert.ErrorIs(t, job.Err(), ErrLocatorMiss)
			assert.Len(t, fr.argv(), tt.runs)
			assertNoWorkspaces(t, base)
		})
	}
}

func TestMakefileElsewhereIsFlagged(t *testing.T) {
	rec := &report.Recorder{}
	fr := &fakeRunner{}
	in, _ := newTestInstaller(t, Config{}, rec, WithRunner(fr))

	job, err := in.Start(Request{ArchivePath: writeTarGz(t, []member{
		{name: "a-docs/", dir: true},
		{name: "a-docs/Makefile", body: "all:\n"},
		{name: "b-src/", dir: true},
		{name: "b-src/configure", body: "#!/bin/sh\n", mode: 0o755},
		{name: "b-src/Makefile", body: "all:\n"},
	})})
	require.NoError(t, err)

	assert.Equal(t, report.OutcomeSucceeded, wait(t, job))
	assert.Equal(t, "b-src", filepath.Base(job.Snapshot().SourceDir))
	warned := false
	for _, l := range rec.Logs(true) {
		if strings.Contains(l, "a-docs") {
			warned = true
		}
	}
	assert.True(t, warned, "differing Makefile directory should be logged")
}

func TestElevateAndPlaceholders(t *testing.T) {
	fr := &fakeRunner{}
	cfg := Config{
		ConfigureArgs:  []string{"--prefix={prefix}", "--srcdir={source}"},
		BuildCommand:   []string{"make"},
		InstallCommand: []string{"make", "install", "DESTDIR={workdir}/stage"},
		Elevate:        []string{"sudo", "-n"},
		Env:            []string{"CFLAGS=-O2"},
	}
	in, _ := newTestInstaller(t, cfg, &report.Recorder{}, WithRunner(fr))

	job, err := in.Start(Request{ArchivePath: autotoolsArchive(t), Prefix: "/srv"})
	require.NoError(t, err)
	require.Equal(t, report.OutcomeSucceeded, wait(t, job))

	snap := job.Snapshot()
	argv := fr.argv()
	require.Len(t, argv, 3)
	assert.Equal(t, []string{"./configure", "--prefix=/srv", "--srcdir=" + snap.SourceDir}, argv[0])
	assert.Equal(t, []string{"sudo", "-n", "make", "install", "DESTDIR=" + snap.WorkDir + "/stage"}, argv[2])
	assert.Equal(t, []string{"CFLAGS=-O2"}, fr.cmds[1].Env)
}

func TestCleanupIsIdempotent(t *testing.T) {
	in, base := newTestInstaller(t, Config{}, &report.Recorder{}, WithRunner(&fakeRunner{}))
	job, err := in.Start(Request{ArchivePath: plainMakeArchive(t)})
	require.NoError(t, err)
	wait(t, job)

	removed, err := in.cleanup(job)
	assert.NoError(t, err)
	assert.False(t, removed)
	removed, err = in.cleanup(job)
	assert.NoError(t, err)
	assert.False(t, removed)
	assertNoWorkspaces(t, base)

	fresh := newJob("x", "a.tar", 0, "/usr/local", "", time.Now())
	removed, err = in.cleanup(fresh)
	assert.NoError(t, err)
	assert.False(t, removed, "a job without a workspace has nothing to remove")
}

func TestShutdownCancelsAndJoins(t *testing.T) {
	rec := &report.Recorder{}
	building := make(chan struct{})
	release := make(chan struct{})
	fr := &fakeRunner{fn: func(c runner.Command) (runner.Result, error) {
		if c.Args[1] == "-j2" {
			close(building)
			<-release
		}
		return runner.Result{}, nil
	}}
	in, base := newTestInstaller(t, Config{}, rec, WithRunner(fr))

	job, err := in.Start(Request{ArchivePath: plainMakeArchive(t)})
	require.NoError(t, err)
	<-building

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, in.Shutdown(short), context.DeadlineExceeded)

	close(release)
	require.NoError(t, in.Shutdown(context.Background()))
	assert.Equal(t, report.OutcomeCancelled, job.Outcome())
	assert.Len(t, fr.argv(), 1)
	assertNoWorkspaces(t, base)
}

func TestHistoryRecordsLifecycle(t *testing.T) {
	h := &fakeHistory{}
	in, _ := newTestInstaller(t, Config{}, &report.Recorder{}, WithRunner(&fakeRunner{}), WithHistory(h))

	job, err := in.Start(Request{ArchivePath: plainMakeArchive(t)})
	require.NoError(t, err)
	wait(t, job)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.started, 1)
	require.Len(t, h.finished, 1)
	assert.Equal(t, job.ID, h.started[0].ID)
	assert.Equal(t, StateIdle, h.started[0].State)
	assert.Equal(t, report.OutcomeSucceeded, h.finished[0].Outcome)
	assert.NotNil(t, h.finished[0].FinishedAt)
}

func TestStartListenerSeesJobBeforeProgress(t *testing.T) {
	rec := &report.Recorder{}
	in, _ := newTestInstaller(t, Config{}, rec, WithRunner(&fakeRunner{}))
	job, err := in.Start(Request{ArchivePath: plainMakeArchive(t)})
	require.NoError(t, err)
	wait(t, job)

	events := rec.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, report.KindStarted, events[0].Kind)
	assert.Equal(t, job.ID, events[0].Job.ID)
	assert.Equal(t, report.KindFinished, events[len(events)-1].Kind)
}

func TestSlotFreedOnlyAfterFinishIsReported(t *testing.T) {
	hook := &finishHook{Recorder: &report.Recorder{}}
	in, _ := newTestInstaller(t, Config{}, hook, WithRunner(&fakeRunner{}))
	archivePath := plainMakeArchive(t)

	var busyAtFinish bool
	var startErr error
	hook.onFinished = func() {
		busyAtFinish = in.Busy()
		_, startErr = in.Start(Request{ArchivePath: archivePath})
	}

	first, err := in.Start(Request{ArchivePath: archivePath})
	require.NoError(t, err)
	wait(t, first)

	assert.True(t, busyAtFinish, "slot must still be held while observers hear the finish")
	assert.ErrorIs(t, startErr, ErrJobActive)
	assert.False(t, in.Busy(), "Wait returns only once the slot is free")
	assert.Equal(t, first, in.Last())

	hook.onFinished = nil
	second, err := in.Start(Request{ArchivePath: archivePath})
	require.NoError(t, err)
	wait(t, second)

	var order []string
	for _, ev := range hook.Events() {
		switch ev.Kind {
		case report.KindStarted:
			order = append(order, "started:"+ev.Job.ID)
		case report.KindFinished:
			order = append(order, "finished")
		}
	}
	assert.Equal(t, []string{"started:" + first.ID, "finished", "started:" + second.ID, "finished"}, order)
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateSucceeded, StateFailed, StateCancelled} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []State{StateIdle, StateExtracting, StateConfiguring, StateBuilding, StateInstalling, StateCleaningUp} {
		assert.False(t, s.Terminal(), s)
	}
	assert.Equal(t, StateFailed, stateFor(report.OutcomeFailed))
	assert.Equal(t, StateCancelled, stateFor(report.OutcomeCancelled))
}

func TestExpandArgsIsSinglePass(t *testing.T) {
	vars := map[string]string{
		"{prefix}":  "/opt/{source}",
		"{source}":  "/work/pkg-1.0",
		"{workdir}": "/work",
	}
	args := []string{"--prefix={prefix}", "--srcdir={source}", "{workdir}/{workdir}", "plain"}
	want := []string{"--prefix=/opt/{source}", "--srcdir=/work/pkg-1.0", "/work//work", "plain"}

	for i := 0; i < 50; i++ {
		assert.Equal(t, want, expandArgs(args, vars))
	}
}
