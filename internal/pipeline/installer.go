package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/installman/internal/archive"
	"github.com/mattjoyce/installman/internal/locate"
	"github.com/mattjoyce/installman/internal/log"
	"github.com/mattjoyce/installman/internal/report"
	"github.com/mattjoyce/installman/internal/runner"
	"github.com/mattjoyce/installman/internal/workspace"
)

// Progress labels.
const (
	LabelExtracting  = "Extracting archive"
	LabelConfiguring = "Configuring build"
	LabelBuilding    = "Compiling"
	LabelInstalling  = "Installing"
	LabelComplete    = "Installation complete"
)

// CommandRunner executes one external command synchronously.
type CommandRunner interface {
	Run(c runner.Command) (runner.Result, error)
}

// HistoryStore records job lifecycles. Failures are logged and never affect
// the job.
type HistoryStore interface {
	RecordStart(ctx context.Context, s Snapshot) error
	RecordFinish(ctx context.Context, s Snapshot) error
}

// Installer owns the single-job slot and runs accepted jobs.
type Installer struct {
	cfg        Config
	observer   report.Observer
	runner     CommandRunner
	workspaces workspace.Manager
	history    HistoryStore
	logger     *slog.Logger
	now        func() time.Time

	active atomic.Bool
	wg     sync.WaitGroup

	mu      sync.Mutex
	current *Job
	last    *Job
}

// Option configures an Installer.
type Option func(*Installer)

// WithRunner replaces the command runner.
func WithRunner(r CommandRunner) Option {
	return func(in *Installer) { in.runner = r }
}

// WithWorkspaces replaces the workspace manager.
func WithWorkspaces(m workspace.Manager) Option {
	return func(in *Installer) { in.workspaces = m }
}

// WithHistory records every accepted job in h.
func WithHistory(h HistoryStore) Option {
	return func(in *Installer) { in.history = h }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(in *Installer) { in.logger = l }
}

// New builds an Installer reporting to obs (nil means nowhere).
func New(cfg Config, obs report.Observer, opts ...Option) (*Installer, error) {
	if obs == nil {
		obs = report.Nop{}
	}
	in := &Installer{
		cfg:      cfg.withDefaults(),
		observer: obs,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(in)
	}
	if in.logger == nil {
		in.logger = log.WithComponent("pipeline")
	}
	if in.runner == nil {
		in.runner = runner.New(obs)
	}
	if in.workspaces == nil {
		m, err := workspace.NewFSManager("")
		if err != nil {
			return nil, fmt.Errorf("workspace manager: %w", err)
		}
		in.workspaces = m
	}
	return in, nil
}

// Config returns the effective build recipe.
func (in *Installer) Config() Config { return in.cfg }

// Start validates req and, if accepted, runs the job in the background.
func (in *Installer) Start(req Request) (*Handle, error) {
	archivePath := strings.TrimSpace(req.ArchivePath)
	if archivePath == "" {
		return nil, in.reject(&RequestError{Err: ErrNoArchive})
	}
	if !in.active.CompareAndSwap(false, true) {
		return nil, in.reject(&RequestError{Err: ErrJobActive})
	}

	job, err := in.accept(req, archivePath)
	if err != nil {
		in.active.Store(false)
		return nil, in.reject(err)
	}

	in.mu.Lock()
	in.current = job
	in.mu.Unlock()

	in.wg.Add(1)
	go in.run(job)
	return job, nil
}

func (in *Installer) accept(req Request, archivePath string) (*Job, error) {
	abs, err := filepath.Abs(archivePath)
	if err != nil {
		return nil, &RequestError{Err: ErrArchiveNotFound, Detail: archivePath}
	}
	info, err := os.Stat(abs)
	if err != nil || !info.Mode().IsRegular() {
		return nil, &RequestError{Err: ErrArchiveNotFound, Detail: archivePath}
	}

	var digest string
	if expected := strings.TrimSpace(req.ExpectedDigest); expected != "" {
		digest, err = archive.Digest(abs)
		if err != nil {
			return nil, &RequestError{Err: ErrArchiveNotFound, Detail: err.Error()}
		}
		if !archive.DigestMatches(digest, expected) {
			return nil, &RequestError{Err: ErrChecksumMismatch, Detail: fmt.Sprintf("got %s, want %s", digest, expected)}
		}
	}

	prefix := strings.TrimSpace(req.Prefix)
	if prefix == "" {
		prefix = in.cfg.Prefix
	}
	return newJob(uuid.NewString(), abs, info.Size(), prefix, digest, in.now()), nil
}

func (in *Installer) reject(err error) error {
	in.logger.Warn("install request rejected", "error", err)
	in.observer.OnFatalError(err.Error())
	return err
}

// Current returns the running job, or nil.
func (in *Installer) Current() *Handle {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.current
}

// Last returns the most recently finished job, or nil.
func (in *Installer) Last() *Handle {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.last
}

// Busy reports whether a job holds the slot.
func (in *Installer) Busy() bool { return in.active.Load() }

// Cancel requests cancellation of the running job. It returns false when
// nothing is running or cancellation was already requested.
func (in *Installer) Cancel() bool {
	job := in.Current()
	if job == nil || !job.Cancel() {
		return false
	}
	in.observer.OnLog("Cancellation requested...", false)
	in.logger.Info("cancellation requested", "job_id", job.ID, "state", job.State())
	return true
}

// Shutdown cancels the running job and waits for it to finish.
func (in *Installer) Shutdown(ctx context.Context) error {
	in.Cancel()
	done := make(chan struct{})
	go func() {
		in.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for job: %w", ctx.Err())
	}
}

func (in *Installer) run(job *Job) {
	defer in.wg.Done()
	ctx := context.Background()
	logger := in.logger.With("job_id", job.ID)

	if sl, ok := in.observer.(report.StartListener); ok {
		sl.OnJobStarted(job.info())
	}
	logger.Info("job started", "archive", job.ArchivePath, "prefix", job.Prefix)
	in.recordStart(ctx, job, logger)

	outcome, err := in.execute(ctx, job, logger)

	job.setState(StateCleaningUp)
	if _, cerr := in.cleanup(job); cerr != nil {
		logger.Error("cleanup failed", "error", cerr)
		in.observer.OnLog(fmt.Sprintf("Failed to remove temporary files: %v", cerr), true)
	}

	job.finish(outcome, err, in.now())
	logger.Info("job finished", "outcome", outcome, "error", err)
	in.recordFinish(ctx, job, logger)

	// Observers hear the finish before the slot frees, so a job started the
	// moment it does can never be reported ahead of this one's end.
	in.observer.OnJobFinished(outcome)

	in.mu.Lock()
	in.current = nil
	in.last = job
	in.mu.Unlock()
	in.active.Store(false)
	close(job.done)
}

// execute walks the stages and returns the terminal outcome.
func (in *Installer) execute(ctx context.Context, job *Job, logger *slog.Logger) (report.Outcome, error) {
	fail := func(err error) (report.Outcome, error) {
		if errors.Is(err, ErrCancelled) {
			return report.OutcomeCancelled, err
		}
		return report.OutcomeFailed, err
	}

	if err := in.checkpoint(job, "extract"); err != nil {
		return fail(err)
	}

	ws, err := in.workspaces.Create(ctx, job.ID)
	if err != nil {
		in.observer.OnLog(fmt.Sprintf("Failed to create working directory: %v", err), true)
		return fail(fmt.Errorf("create workspace: %w", err))
	}
	job.setWorkspace(ws)

	in.enter(job, logger, StateExtracting, 0.25, LabelExtracting)
	in.observer.OnLog("Working directory: "+ws.Dir, false)
	if !job.hasDigest() {
		if d, derr := archive.Digest(job.ArchivePath); derr == nil {
			job.setDigest(d)
			in.observer.OnLog("BLAKE3: "+d, false)
		} else {
			logger.Warn("archive digest failed", "error", derr)
		}
	}
	if _, err := archive.Extract(ctx, job.ArchivePath, ws.Dir, archive.Options{
		Cancelled: job.CancelRequested,
		Reporter:  in.observer,
	}); err != nil {
		if errors.Is(err, archive.ErrCancelled) {
			return fail(fmt.Errorf("%w: %w", ErrCancelled, err))
		}
		return fail(fmt.Errorf("extract: %w", err))
	}

	sourceDir, script, err := in.resolveSource(ws.Dir, logger)
	if err != nil {
		in.observer.OnLog(err.Error(), true)
		return fail(err)
	}
	job.setSourceDir(sourceDir)
	vars := map[string]string{
		"{prefix}":  job.Prefix,
		"{source}":  sourceDir,
		"{workdir}": ws.Dir,
	}

	if script != "" {
		if err := in.checkpoint(job, "configure"); err != nil {
			return fail(err)
		}
		in.enter(job, logger, StateConfiguring, 0.5, LabelConfiguring)
		in.observer.OnLog("Found configure script, configuring...", false)
		args := append([]string{"./" + filepath.Base(script)}, expandArgs(in.cfg.ConfigureArgs, vars)...)
		if err := in.runStage(sourceDir, args); err != nil {
			return fail(fmt.Errorf("configure: %w", err))
		}
	}

	if err := in.checkpoint(job, "build"); err != nil {
		return fail(err)
	}
	in.enter(job, logger, StateBuilding, 0.75, LabelBuilding)
	in.observer.OnLog("Starting compilation...", false)
	if err := in.runStage(sourceDir, expandArgs(in.cfg.BuildCommand, vars)); err != nil {
		return fail(fmt.Errorf("build: %w", err))
	}
	in.observer.OnLog("Compilation finished successfully", false)

	if err := in.checkpoint(job, "install"); err != nil {
		return fail(err)
	}
	in.enter(job, logger, StateInstalling, 0.9, LabelInstalling)
	in.observer.OnLog("Installing program...", false)
	if dir, ok := locate.MakefileDir(ws.Dir, in.cfg.MakefileNames); ok && dir != sourceDir {
		logger.Warn("makefile directory differs from source directory", "makefile_dir", dir, "source_dir", sourceDir)
		in.observer.OnLog(fmt.Sprintf("Warning: Makefile found in %s, installing from %s", dir, sourceDir), true)
	}
	if !locate.HasMakefile(sourceDir, in.cfg.MakefileNames) {
		err := fmt.Errorf("%w: no Makefile in %s", ErrLocatorMiss, sourceDir)
		in.observer.OnLog("Makefile not found", true)
		return fail(err)
	}
	installArgs := append(append([]string(nil), in.cfg.Elevate...), expandArgs(in.cfg.InstallCommand, vars)...)
	if err := in.runStage(sourceDir, installArgs); err != nil {
		return fail(fmt.Errorf("install: %w", err))
	}

	in.observer.OnLog("Installation finished successfully!", false)
	in.observer.OnProgress(1.0, LabelComplete)
	return report.OutcomeSucceeded, nil
}

// resolveSource picks the one directory every stage runs in.
func (in *Installer) resolveSource(workDir string, logger *slog.Logger) (string, string, error) {
	script, hasScript := locate.ConfigureScript(workDir, in.cfg.ConfigureScript)
	first, hasFirst := locate.SourceDir(workDir)
	if hasScript {
		dir := filepath.Dir(script)
		if hasFirst && first != dir {
			logger.Warn("configure script is not in the first source directory", "script_dir", dir, "first_dir", first)
		}
		return dir, script, nil
	}
	if !hasFirst {
		return "", "", fmt.Errorf("%w: no source directory in extracted archive", ErrLocatorMiss)
	}
	return first, "", nil
}

func (in *Installer) enter(job *Job, logger *slog.Logger, s State, fraction float64, label string) {
	job.setState(s)
	logger.Info("stage started", "stage", s)
	in.observer.OnProgress(fraction, label)
}

func (in *Installer) checkpoint(job *Job, stage string) error {
	if !job.CancelRequested() {
		return nil
	}
	in.observer.OnLog("Installation cancelled by user", false)
	return fmt.Errorf("%w before %s", ErrCancelled, stage)
}

func (in *Installer) runStage(dir string, args []string) error {
	_, err := in.runner.Run(runner.Command{
		Args:    args,
		Dir:     dir,
		Env:     in.cfg.Env,
		Timeout: in.cfg.StageTimeout,
	})
	return err
}

// cleanup removes the job's working directory. Only the first call does any
// work; later calls report (false, nil).
func (in *Installer) cleanup(job *Job) (bool, error) {
	if !job.markCleaned() {
		return false, nil
	}
	ws := job.workspace()
	if ws.Dir == "" {
		return false, nil
	}
	removed, err := in.workspaces.Remove(ws)
	if err != nil {
		return removed, fmt.Errorf("remove workspace: %w", err)
	}
	if removed {
		in.observer.OnLog("Temporary files removed", false)
	}
	return removed, nil
}

func (in *Installer) recordStart(ctx context.Context, job *Job, logger *slog.Logger) {
	if in.history == nil {
		return
	}
	if err := in.history.RecordStart(ctx, job.Snapshot()); err != nil {
		logger.Warn("history record failed", "error", err)
	}
}

func (in *Installer) recordFinish(ctx context.Context, job *Job, logger *slog.Logger) {
	if in.history == nil {
		return
	}
	if err := in.history.RecordFinish(ctx, job.Snapshot()); err != nil {
		logger.Warn("history record failed", "error", err)
	}
}
