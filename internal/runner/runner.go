// Package runner executes external build commands synchronously.
//
// Commands are argument vectors handed straight to the OS; nothing is ever
// interpreted by a shell. A command is a failure when it cannot be started or
// exits non-zero. Job cancellation never interrupts a running command; the only
// thing that terminates one early is its optional timeout, which sends SIGTERM
// to the command's whole process group and escalates to SIGKILL after a grace
// period.
package runner

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/installman/internal/log"
	"github.com/mattjoyce/installman/internal/report"
)

const (
	// maxCaptureBytes caps how much of each stream is kept.
	maxCaptureBytes = 1 << 20

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

var (
	ErrSpawn      = errors.New("command could not be started")
	ErrExitStatus = errors.New("command exited with non-zero status")
	ErrTimeout    = errors.New("command timed out")
)

// Command is one external invocation.
type Command struct {
	Args []string
	Dir  string
	// Env is appended to the inherited environment.
	Env []string
	// Timeout of zero lets the command run for as long as it needs.
	Timeout time.Duration
}

// String renders the command line for display, quoting where needed.
func (c Command) String() string {
	parts := make([]string, len(c.Args))
	for i, a := range c.Args {
		parts[i] = quote(a)
	}
	return strings.Join(parts, " ")
}

// Result is what a finished command left behind.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Error describes a failed command. It wraps ErrSpawn, ErrExitStatus or ErrTimeout.
type Error struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	switch {
	case errors.Is(e.Err, ErrExitStatus):
		return fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
	default:
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Runner executes commands and relays their output to a Reporter.
type Runner struct {
	reporter report.Reporter
	logger   *slog.Logger
	grace    time.Duration
	capBytes int
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithGracePeriod overrides the SIGTERM to SIGKILL delay.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Runner) { r.grace = d }
}

// WithCaptureLimit overrides the per-stream capture cap.
func WithCaptureLimit(n int) Option {
	return func(r *Runner) { r.capBytes = n }
}

// New creates a Runner reporting to rep (nil means nowhere).
func New(rep report.Reporter, opts ...Option) *Runner {
	if rep == nil {
		rep = report.Nop{}
	}
	r := &Runner{
		reporter: rep,
		grace:    terminationGracePeriod,
		capBytes: maxCaptureBytes,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = log.WithComponent("runner")
	}
	return r
}

// Run executes cmd and blocks until it exits. A nil error means exit status 0.
func (r *Runner) Run(c Command) (Result, error) {
	line := c.String()
	if len(c.Args) == 0 || c.Args[0] == "" {
		err := &Error{Command: line, ExitCode: -1, Err: fmt.Errorf("%w: empty command", ErrSpawn)}
		r.reporter.OnLog(err.Error(), true)
		return Result{ExitCode: -1}, err
	}

	r.reporter.OnLog("Running: "+line, false)

	res, err := r.spawn(c)

	if res.Stdout != "" {
		r.reporter.OnLog(res.Stdout, false)
	}
	if res.Stderr != "" {
		r.reporter.OnLog(res.Stderr, true)
	}

	switch {
	case errors.Is(err, ErrSpawn), errors.Is(err, ErrTimeout):
		r.reporter.OnLog(err.Error(), true)
		return res, &Error{Command: line, ExitCode: res.ExitCode, Stderr: res.Stderr, Err: err}
	case err != nil:
		return res, &Error{Command: line, ExitCode: res.ExitCode, Stderr: res.Stderr, Err: err}
	case res.ExitCode != 0:
		r.reporter.OnLog(fmt.Sprintf("Exit status: %d", res.ExitCode), true)
		return res, &Error{Command: line, ExitCode: res.ExitCode, Stderr: res.Stderr, Err: ErrExitStatus}
	}
	return res, nil
}

func (r *Runner) spawn(c Command) (Result, error) {
	cmd := exec.Command(c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	stdout := &cappedBuffer{max: r.capBytes}
	stderr := &cappedBuffer{max: r.capBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if c.Timeout > 0 {
		startOwnGroup(cmd)
		// A grandchild that left the group may still hold the pipes.
		cmd.WaitDelay = r.grace
	}

	logger := r.logger.With("command", c.Args[0], "dir", c.Dir)
	logger.Debug("spawning command", "args", c.Args, "timeout", c.Timeout)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var (
		err      error
		timedOut bool
	)
	if c.Timeout > 0 {
		timer := time.NewTimer(c.Timeout)
		defer timer.Stop()
		select {
		case err = <-waitErr:
		case <-timer.C:
			timedOut = true
			err = r.terminate(cmd, waitErr, logger)
		}
	} else {
		err = <-waitErr
	}

	res := Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	logger.Debug("command finished", "exit_code", res.ExitCode, "duration", res.Duration)

	if timedOut {
		return res, fmt.Errorf("%w after %v", ErrTimeout, c.Timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
			return res, fmt.Errorf("wait for process: %w", err)
		}
	}
	return res, nil
}

func (r *Runner) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) error {
	logger.Warn("command timed out, sending SIGTERM")
	if err := signalGroup(cmd, syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(r.grace)
	defer grace.Stop()

	select {
	case err := <-waitErr:
		logger.Info("command exited after SIGTERM")
		return err
	case <-grace.C:
		logger.Warn("command did not exit after SIGTERM, sending SIGKILL")
		if err := signalGroup(cmd, syscall.SIGKILL); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		return <-waitErr
	}
}

// cappedBuffer keeps the first max bytes written and drops the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = len(p) > 0 || b.truncated
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]\n"
	}
	return b.buf.String()
}

func quote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`*?[]{}()<>|&;#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
