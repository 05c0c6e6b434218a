package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"

	"github.com/mattjoyce/installman/internal/config"
	"github.com/mattjoyce/installman/internal/history"
	"github.com/mattjoyce/installman/internal/lock"
	"github.com/mattjoyce/installman/internal/log"
	"github.com/mattjoyce/installman/internal/pipeline"
	"github.com/mattjoyce/installman/internal/report"
	"github.com/mattjoyce/installman/internal/tui"
	"github.com/mattjoyce/installman/internal/workspace"
)

type installFlags struct {
	configPath string
	prefix     string
	digest     string
	noTUI      bool
	logFile    string
}

func runInstall(args []string) int {
	var f installFlags
	fs := flag.NewFlagSet("install", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "Path to configuration file or directory")
	fs.StringVar(&f.prefix, "prefix", "", "Install prefix (default from config, /usr/local)")
	fs.StringVar(&f.digest, "blake3", "", "Expected BLAKE3 digest of the archive (hex)")
	fs.BoolVar(&f.noTUI, "no-tui", false, "Print plain progress lines instead of the terminal UI")
	fs.StringVar(&f.logFile, "log-file", "", "Write structured logs to this file")

	positional, err := parseInterspersed(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitUsage
	}
	if len(positional) != 1 {
		printInstallHelp()
		return exitUsage
	}

	cfg, err := config.LoadOrDefault(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitFailed
	}
	if cfg.Install.RequireDigest && f.digest == "" {
		fmt.Fprintln(os.Stderr, "install.require_digest is set: pass --blake3")
		return exitUsage
	}

	useTUI := !f.noTUI && isatty.IsTerminal(os.Stdout.Fd())
	logOut, closeLog, err := installLogOutput(f.logFile, useTUI)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		return exitFailed
	}
	defer closeLog()
	log.SetupWriter(logOut, cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")

	if cfg.Install.LockPath != "" {
		pidLock, err := lock.AcquirePIDLock(cfg.Install.LockPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Another install is running: %v\n", err)
			return exitFailed
		}
		defer pidLock.Release()
	}

	ctx := context.Background()
	hist, err := history.Open(ctx, cfg.History.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open history: %v\n", err)
		return exitFailed
	}
	defer hist.Close()

	wsm, err := workspace.NewFSManager(cfg.Workspace.BaseDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to prepare workspace: %v\n", err)
		return exitFailed
	}

	req := pipeline.Request{ArchivePath: positional[0], Prefix: f.prefix, ExpectedDigest: f.digest}
	opts := []pipeline.Option{
		pipeline.WithWorkspaces(wsm),
		pipeline.WithHistory(hist),
		pipeline.WithLogger(log.WithComponent("pipeline")),
	}

	var mirror []report.Observer
	if f.logFile != "" {
		mirror = append(mirror, report.NewSlogReporter(log.WithComponent("job")))
	}

	if useTUI {
		return installWithTUI(cfg, req, opts, mirror, logger)
	}
	return installPlain(cfg, req, opts, mirror, logger)
}

func installPlain(cfg *config.Config, req pipeline.Request, opts []pipeline.Option, mirror []report.Observer, logger *slog.Logger) int {
	obs := report.NewAsync(append(report.Multi{report.NewPrinter(os.Stdout)}, mirror...))
	defer obs.Close()

	inst, err := pipeline.New(pipelineConfig(cfg), obs, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid build configuration: %v\n", err)
		return exitFailed
	}

	handle, err := inst.Start(req)
	if err != nil {
		return exitFailed
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for sig := range sigCh {
			logger.Info("received signal, cancelling install", "signal", sig)
			inst.Cancel()
		}
	}()

	outcome, _ := handle.Wait(context.Background())
	return exitCodeFor(outcome)
}

func installWithTUI(cfg *config.Config, req pipeline.Request, opts []pipeline.Option, mirror []report.Observer, logger *slog.Logger) int {
	var inst *pipeline.Installer
	model := tui.New(tui.Options{
		Title: "installman",
		Cancel: func() error {
			if !inst.Cancel() {
				return errors.New("no job to cancel")
			}
			return nil
		},
	})
	p := tea.NewProgram(model, tea.WithAltScreen())

	obs := report.NewAsync(append(report.Multi{tui.NewObserver(p)}, mirror...))

	var err error
	inst, err = pipeline.New(pipelineConfig(cfg), obs, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid build configuration: %v\n", err)
		return exitFailed
	}

	handle, err := inst.Start(req)
	if err != nil {
		// The UI never ran, so the queued fatal message has no reader; leave
		// obs open and report here instead.
		fmt.Fprintf(os.Stderr, "installman: %v\n", err)
		return exitFailed
	}

	if _, err := p.Run(); err != nil {
		logger.Error("terminal UI failed", "error", err)
	}

	// Quitting the UI while the job runs cancels it.
	if inst.Cancel() {
		fmt.Fprintln(os.Stderr, "Cancelling install...")
	}
	outcome, _ := handle.Wait(context.Background())
	obs.Close()

	if err := handle.Err(); err != nil && outcome == report.OutcomeFailed {
		fmt.Fprintf(os.Stderr, "installman: %v\n", err)
	}
	return exitCodeFor(outcome)
}

func exitCodeFor(outcome report.Outcome) int {
	switch outcome {
	case report.OutcomeSucceeded:
		return exitOK
	case report.OutcomeCancelled:
		return exitCancelled
	default:
		return exitFailed
	}
}

// installLogOutput picks where structured logs go. The TUI owns the terminal,
// so without a log file they are dropped.
func installLogOutput(path string, tuiActive bool) (io.Writer, func(), error) {
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		return f, func() { _ = f.Close() }, nil
	}
	if tuiActive {
		return io.Discard, func() {}, nil
	}
	return os.Stderr, func() {}, nil
}
