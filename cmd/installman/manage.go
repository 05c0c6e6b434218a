package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/installman/internal/config"
	"github.com/mattjoyce/installman/internal/doctor"
	"github.com/mattjoyce/installman/internal/history"
	"github.com/mattjoyce/installman/internal/inspect"
	"github.com/mattjoyce/installman/internal/lock"
	"github.com/mattjoyce/installman/internal/storage"
	"github.com/mattjoyce/installman/internal/tui"
	"github.com/mattjoyce/installman/internal/workspace"
)

// --- watch ---

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://127.0.0.1:8088", "Server URL")
	token := fs.String("token", os.Getenv("INSTALLMAN_TOKEN"), "API Bearer Token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitUsage
	}

	p := tea.NewProgram(tui.NewRemote(*apiURL, *token), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

// --- doctor ---

func runDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	format := fs.String("format", "human", "Output format: human or json")
	strict := fs.Bool("strict", false, "Treat warnings as failures")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitUsage
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return 1
	}
	if cfg.SourcePath != "" && *format == "human" {
		fmt.Printf("Using config: %s\n", cfg.SourcePath)
	}

	result := doctor.New(cfg).Validate()
	switch *format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
	case "human":
		fmt.Print(doctor.FormatHuman(result))
	default:
		fmt.Fprintf(os.Stderr, "Unknown format %q (expected human or json)\n", *format)
		return exitUsage
	}

	if !result.Valid || (*strict && len(result.Warnings) > 0) {
		return 1
	}
	return 0
}

// --- history ---

func runHistoryNoun(args []string) int {
	if len(args) < 1 {
		printHistoryNounHelp(os.Stderr)
		return exitUsage
	}
	if isHelpToken(args[0]) {
		printHistoryNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "list":
		return runHistoryList(actionArgs)
	case "show":
		return runHistoryShow(actionArgs)
	case "prune":
		return runHistoryPrune(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown history action: %s\n", action)
		return exitUsage
	}
}

func printHistoryNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: installman history <action> [--config PATH]")
	fmt.Fprintln(w, "Actions: list [--limit N] [--json], show <job_id> [--json], prune [--older-than DURATION]")
}

// openHistory opens the configured store, refusing the in-memory default
// since it never holds anything from an earlier process.
func openHistory(configPath string) (*history.Store, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.History.Path == storage.MemoryPath {
		return nil, errors.New("history.path is :memory:, so no history is kept between runs; set history.path to a file")
	}
	return history.Open(context.Background(), cfg.History.Path)
}

func runHistoryList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", 20, "Maximum number of jobs to show")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitUsage
	}

	store, err := openHistory(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	records, err := store.List(context.Background(), *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(records, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	if len(records) == 0 {
		fmt.Println("No install jobs recorded.")
		return 0
	}
	fmt.Println(renderHistoryTable(records, time.Now()))
	return 0
}

func renderHistoryTable(records []history.Record, now time.Time) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("JOB", "ARCHIVE", "PREFIX", "STATE", "STARTED", "DURATION")
	for _, r := range records {
		duration := "running"
		if r.FinishedAt != nil {
			duration = r.Duration().Round(time.Second).String()
		}
		t.Row(
			shortJobID(r.ID),
			r.Archive,
			r.Prefix,
			string(r.State),
			humanize.RelTime(r.StartedAt, now, "ago", "from now"),
			duration,
		)
	}
	return t.Render()
}

func shortJobID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func runHistoryShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitUsage
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: installman history show <job_id> [--json]")
		return exitUsage
	}

	store, err := openHistory(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	ctx := context.Background()
	var out string
	if *jsonOut {
		out, err = inspect.BuildJSONReport(ctx, store, positional[0])
	} else {
		out, err = inspect.BuildReport(ctx, store, positional[0])
	}
	switch {
	case errors.Is(err, history.ErrNotFound):
		fmt.Fprintf(os.Stderr, "Job not found: %s\n", positional[0])
		return 1
	case errors.Is(err, history.ErrAmbiguous):
		fmt.Fprintf(os.Stderr, "Job ID prefix %q matches more than one job; use more characters\n", positional[0])
		return 1
	case err != nil:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Println(strings.TrimRight(out, "\n"))
	return 0
}

func runHistoryPrune(args []string) int {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	olderThan := fs.Duration("older-than", 30*24*time.Hour, "Delete finished jobs older than this")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitUsage
	}

	store, err := openHistory(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	n, err := store.Prune(context.Background(), *olderThan)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Deleted %d history record(s)\n", n)
	return 0
}

// --- workspace ---

func runWorkspaceNoun(args []string) int {
	if len(args) < 1 {
		printWorkspaceNounHelp(os.Stderr)
		return exitUsage
	}
	if isHelpToken(args[0]) {
		printWorkspaceNounHelp(os.Stdout)
		return 0
	}

	switch args[0] {
	case "prune":
		return runWorkspacePrune(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown workspace action: %s\n", args[0])
		return exitUsage
	}
}

func printWorkspaceNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: installman workspace <action> [--config PATH]")
	fmt.Fprintln(w, "Actions: prune [--older-than DURATION]")
}

func runWorkspacePrune(args []string) int {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	olderThan := fs.Duration("older-than", 0, "Remove working directories older than this (default workspace.stale_age)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitUsage
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	age := *olderThan
	if age == 0 {
		age = cfg.Workspace.StaleAge
	}

	// Holding the install lock keeps a running job's directory safe.
	if cfg.Install.LockPath != "" {
		pidLock, err := lock.AcquirePIDLock(cfg.Install.LockPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "An install is running: %v\n", err)
			return 1
		}
		defer pidLock.Release()
	}

	wsm, err := workspace.NewFSManager(cfg.Workspace.BaseDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	rep, err := wsm.Cleanup(context.Background(), age)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Removed %d stale working director%s from %s\n", rep.DeletedDirs, plural(rep.DeletedDirs, "y", "ies"), wsm.BaseDir())
	return 0
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
