package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/installman/internal/config"
	"github.com/mattjoyce/installman/internal/pipeline"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// Exit codes for install.
const (
	exitOK        = 0
	exitFailed    = 1
	exitUsage     = 2
	exitCancelled = 130
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return exitUsage
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "install":
		if hasHelpFlag(args) {
			printInstallHelp()
			return 0
		}
		return runInstall(args)
	case "serve":
		if hasHelpFlag(args) {
			printServeHelp()
			return 0
		}
		return runServe(args)
	case "watch":
		if hasHelpFlag(args) {
			printWatchHelp()
			return 0
		}
		return runWatch(args)
	case "doctor":
		if hasHelpFlag(args) {
			printDoctorHelp()
			return 0
		}
		return runDoctor(args)

	// --- NOUNS ---
	case "history":
		return runHistoryNoun(args)
	case "workspace":
		return runWorkspaceNoun(args)

	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return exitUsage
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitUsage
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: installman version [--json]")
		return exitUsage
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("installman %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

// parseInterspersed parses flags that may appear before or after positional
// arguments, which the flag package alone stops at.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if fs.NArg() == 0 {
			return positional, nil
		}
		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// pipelineConfig maps the file configuration onto the installer's.
func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		Prefix:          cfg.Install.Prefix,
		ConfigureScript: cfg.Build.ConfigureScript,
		ConfigureArgs:   cfg.Build.ConfigureArgs,
		BuildCommand:    cfg.Build.Command,
		InstallCommand:  cfg.Build.InstallCommand,
		Elevate:         cfg.Install.Elevate,
		MakefileNames:   cfg.Build.MakefileNames,
		Env:             cfg.BuildEnv(),
		StageTimeout:    cfg.Build.StageTimeout,
	}
}

func printUsage() {
	fmt.Print(`installman - build and install source archives

Usage:
  installman <command> [flags]

Commands:
  install <archive>   Extract, configure, build and install an archive
  serve               Run the HTTP control API
  watch               Follow a running server's jobs in a terminal UI
  doctor              Check configuration and build tools

Resources:
  history list        Show recent install jobs
  history show <id>   Show one install job
  history prune       Delete old history records
  workspace prune     Remove stale working directories

General:
  version             Show version information
  help                Show this help message

Use 'installman <command> --help' for command flags.
`)
}

func printInstallHelp() {
	fmt.Println("Usage: installman install <archive> [--prefix DIR] [--blake3 HEX] [--config PATH] [--no-tui] [--log-file PATH]")
	fmt.Println("Extract the archive, run ./configure when present, make, and make install.")
	fmt.Println()
	fmt.Println("Exit codes:")
	fmt.Println("  0    Installation complete")
	fmt.Println("  1    Installation failed or was refused")
	fmt.Println("  130  Installation cancelled")
}

func printServeHelp() {
	fmt.Println("Usage: installman serve [--config PATH] [--listen ADDR]")
	fmt.Println("Run the HTTP control API in the foreground.")
}

func printWatchHelp() {
	fmt.Println("Usage: installman watch [--api-url URL] [--token TOKEN]")
	fmt.Println()
	fmt.Println("Follow install jobs on a running server.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Server URL (default: http://127.0.0.1:8088)")
	fmt.Println("  --token TOKEN    Bearer token (or INSTALLMAN_TOKEN env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  c                Cancel the current job")
	fmt.Println("  ↑/↓              Scroll the log")
	fmt.Println("  q, Ctrl+C        Quit")
}

func printDoctorHelp() {
	fmt.Println("Usage: installman doctor [--config PATH] [--format human|json] [--strict]")
	fmt.Println("Validate configuration and check build tools, directories and locks.")
	fmt.Println()
	fmt.Println("Exit codes:")
	fmt.Println("  0  No errors (and no warnings with --strict)")
	fmt.Println("  1  One or more checks failed")
}
