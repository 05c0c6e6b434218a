// Package doctor checks that a loaded installman configuration can actually
// run a job on this host: tools on PATH, writable directories, sane API auth.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mattjoyce/installman/internal/auth"
	"github.com/mattjoyce/installman/internal/config"
	"github.com/mattjoyce/installman/internal/lock"
	"github.com/mattjoyce/installman/internal/storage"
	"github.com/mattjoyce/installman/internal/webhook"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a configuration against the host it will run on.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
	detectFS func(string) (storage.Filesystem, error)
}

// Option customizes a Doctor.
type Option func(*Doctor)

// WithLookPath replaces exec.LookPath, mainly for tests.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(d *Doctor) { d.lookPath = fn }
}

// WithFilesystemDetector replaces storage.DetectFilesystem.
func WithFilesystemDetector(fn func(string) (storage.Filesystem, error)) Option {
	return func(d *Doctor) { d.detectFS = fn }
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config, opts ...Option) *Doctor {
	d := &Doctor{cfg: cfg, lookPath: exec.LookPath, detectFS: storage.DetectFilesystem}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateTools(r)
	d.validatePlaceholders(r)
	d.validatePrefix(r)
	d.validateWorkspace(r)
	d.validateHistory(r)
	d.validateLock(r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.validateWebhooks(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateTools checks that every program the pipeline will exec is on PATH.
func (d *Doctor) validateTools(r *Result) {
	check := func(field string, argv []string) {
		if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
			d.addError(r, "tools", field, "no program configured")
			return
		}
		if _, err := d.lookPath(argv[0]); err != nil {
			d.addError(r, "tools", field, fmt.Sprintf("%q not found on PATH", argv[0]))
		}
	}

	check("build.command", d.cfg.Build.Command)
	check("build.install_command", d.cfg.Build.InstallCommand)
	if len(d.cfg.Install.Elevate) > 0 {
		check("install.elevate", d.cfg.Install.Elevate)
	}
	// configure scripts are run through /bin/sh by their shebang.
	if d.cfg.Build.ConfigureScript != "" {
		if _, err := d.lookPath("sh"); err != nil {
			d.addWarning(r, "tools", "build.configure_script", "sh not found on PATH; configure scripts will not run")
		}
	}
}

var placeholderRe = regexp.MustCompile(`\{([a-z_]+)\}`)

var knownPlaceholders = map[string]bool{"prefix": true, "source": true, "workdir": true}

// validatePlaceholders warns about {name} tokens that will pass through unexpanded.
func (d *Doctor) validatePlaceholders(r *Result) {
	fields := map[string][]string{
		"build.configure_args":  d.cfg.Build.ConfigureArgs,
		"build.command":         d.cfg.Build.Command,
		"build.install_command": d.cfg.Build.InstallCommand,
	}
	for field, args := range fields {
		for _, a := range args {
			for _, m := range placeholderRe.FindAllStringSubmatch(a, -1) {
				if !knownPlaceholders[m[1]] {
					d.addWarning(r, "placeholders", field,
						fmt.Sprintf("unknown placeholder %q is passed through literally", m[0]))
				}
			}
		}
	}
}

// validatePrefix checks the default install prefix.
func (d *Doctor) validatePrefix(r *Result) {
	prefix := d.cfg.Install.Prefix
	if !filepath.IsAbs(prefix) {
		d.addError(r, "prefix", "install.prefix", fmt.Sprintf("prefix %q is not absolute", prefix))
		return
	}
	info, err := os.Stat(prefix)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		d.addWarning(r, "prefix", "install.prefix",
			fmt.Sprintf("prefix %q does not exist yet; make install must create it", prefix))
		return
	case err != nil:
		d.addError(r, "prefix", "install.prefix", err.Error())
		return
	case !info.IsDir():
		d.addError(r, "prefix", "install.prefix", fmt.Sprintf("prefix %q is not a directory", prefix))
		return
	}
	if len(d.cfg.Install.Elevate) == 0 && !writableDir(prefix) {
		d.addWarning(r, "prefix", "install.prefix",
			fmt.Sprintf("prefix %q is not writable by this user and install.elevate is empty", prefix))
	}
}

// validateWorkspace checks that per-job working directories can be created.
func (d *Doctor) validateWorkspace(r *Result) {
	base := d.cfg.Workspace.BaseDir
	field := "workspace.base_dir"
	if base == "" {
		base = os.TempDir()
		field = "workspace.base_dir (default)"
	}
	info, err := os.Stat(base)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			parent := filepath.Dir(base)
			if !writableDir(parent) {
				d.addError(r, "workspace", field,
					fmt.Sprintf("%q does not exist and %q is not writable", base, parent))
			}
			return
		}
		d.addError(r, "workspace", field, err.Error())
		return
	}
	if !info.IsDir() {
		d.addError(r, "workspace", field, fmt.Sprintf("%q is not a directory", base))
		return
	}
	if !writableDir(base) {
		d.addError(r, "workspace", field, fmt.Sprintf("%q is not writable", base))
		return
	}
	d.warnIfRemote(r, "workspace", field, base, "builds there will be slow")
}

func (d *Doctor) warnIfRemote(r *Result, category, field, path, consequence string) {
	fsys, err := d.detectFS(path)
	if err != nil || !fsys.Network {
		return
	}
	d.addWarning(r, category, field, fmt.Sprintf("%q is on %s, a network filesystem; %s", path, fsys.Type, consequence))
}

// validateHistory checks the history database location.
func (d *Doctor) validateHistory(r *Result) {
	path := d.cfg.History.Path
	if path == "" || path == storage.MemoryPath {
		d.addWarning(r, "history", "history.path", "history is kept in memory and lost on exit")
		return
	}
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); err == nil {
		if !writableDir(dir) {
			d.addError(r, "history", "history.path", fmt.Sprintf("directory %q is not writable", dir))
		}
		return
	}
	if !writableDir(filepath.Dir(dir)) {
		d.addError(r, "history", "history.path", fmt.Sprintf("directory %q cannot be created", dir))
	}
}

// validateLock reports an existing lock holder.
func (d *Doctor) validateLock(r *Result) {
	path := d.cfg.Install.LockPath
	if path == "" {
		return
	}
	if !writableDir(filepath.Dir(path)) {
		d.addError(r, "lock", "install.lock_path",
			fmt.Sprintf("directory %q is not writable", filepath.Dir(path)))
		return
	}
	_, statErr := os.Stat(path)
	l, err := lock.AcquirePIDLock(path)
	if err != nil {
		if pid, ok := lock.HolderPID(path); ok {
			d.addWarning(r, "lock", "install.lock_path",
				fmt.Sprintf("lock is held by pid %d; installs will be refused until it exits", pid))
			return
		}
		d.addWarning(r, "lock", "install.lock_path", err.Error())
		return
	}
	_ = l.Release()
	if errors.Is(statErr, fs.ErrNotExist) {
		_ = os.Remove(path)
	}
	d.warnIfRemote(r, "lock", "install.lock_path", path, "flock may not exclude other hosts")
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required for serve")
	}
	if len(d.cfg.API.Tokens) == 0 {
		d.addWarning(r, "api", "api.tokens", "no tokens configured; the API accepts unauthenticated requests")
	}
	for i, token := range d.cfg.API.Tokens {
		if token.Token == "" {
			d.addWarning(r, "env_vars", fmt.Sprintf("api.tokens[%d].token", i),
				"token value is empty (possibly unresolved environment variable)")
		}
	}
}

var knownScopes = map[string]bool{
	auth.ScopeJobsRead:    true,
	auth.ScopeJobsWrite:   true,
	auth.ScopeEventsRead:  true,
	auth.ScopeEventsWrite: true,
	auth.ScopeAll:         true,
}

// validateTokenScopes checks that token scopes are ones the API understands.
func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Tokens {
		if len(token.Scopes) == 0 {
			d.addWarning(r, "token_scopes", fmt.Sprintf("api.tokens[%d].scopes", i),
				"token has no scopes and can only reach /healthz")
		}
		for j, scope := range token.Scopes {
			if !knownScopes[strings.TrimSpace(scope)] {
				d.addError(r, "token_scopes", fmt.Sprintf("api.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (expected jobs:ro, jobs:rw, events:ro, events:rw or *)", scope))
			}
		}
	}
}

// validateWebhooks checks trigger endpoints against the filesystem and the API.
func (d *Doctor) validateWebhooks(r *Result) {
	wc := d.cfg.Webhooks
	if wc == nil {
		return
	}
	if wc.Listen != "" && wc.Listen == d.cfg.API.Listen {
		d.addError(r, "webhooks", "webhooks.listen",
			fmt.Sprintf("webhooks.listen %q is the same address as api.listen", wc.Listen))
	}
	if _, err := webhook.FromGlobalConfig(wc); err != nil {
		d.addError(r, "webhooks", "webhooks.endpoints", err.Error())
	}

	for i, ep := range wc.Endpoints {
		field := fmt.Sprintf("webhooks.endpoints[%d]", i)
		info, err := os.Stat(ep.ArchiveDir)
		switch {
		case err != nil:
			d.addError(r, "webhooks", field+".archive_dir",
				fmt.Sprintf("webhook %q: archive_dir %q is not accessible", ep.Path, ep.ArchiveDir))
		case !info.IsDir():
			d.addError(r, "webhooks", field+".archive_dir",
				fmt.Sprintf("webhook %q: archive_dir %q is not a directory", ep.Path, ep.ArchiveDir))
		}
		if len(ep.Secret) < 16 {
			d.addWarning(r, "webhooks", field+".secret",
				fmt.Sprintf("webhook %q: secret is shorter than 16 characters", ep.Path))
		}
	}
}

// writableDir probes dir by creating and removing a temp file.
func writableDir(dir string) bool {
	f, err := os.CreateTemp(dir, ".installman-doctor-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}

	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
