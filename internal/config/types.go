package config

import "time"

// Config represents the complete installman configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Install   InstallConfig   `yaml:"install"`
	Build     BuildConfig     `yaml:"build"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	History   HistoryConfig   `yaml:"history"`
	API       APIConfig       `yaml:"api,omitempty"`
	Webhooks  *WebhooksConfig `yaml:"webhooks,omitempty"`

	// SourcePath is the file the config was loaded from, empty for defaults.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines process-wide settings.
type ServiceConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// InstallConfig defines where and how packages are installed.
type InstallConfig struct {
	Prefix string `yaml:"prefix"`
	// Elevate is prepended to the install command, e.g. [sudo, -n].
	Elevate []string `yaml:"elevate,omitempty"`
	// LockPath enables the cross-process install lock when set.
	LockPath string `yaml:"lock_path,omitempty"`
	// RequireDigest rejects requests that carry no expected BLAKE3 digest.
	RequireDigest bool `yaml:"require_digest"`
}

// BuildConfig defines the commands run against the extracted source tree.
type BuildConfig struct {
	ConfigureScript string            `yaml:"configure_script"`
	ConfigureArgs   []string          `yaml:"configure_args"`
	Command         []string          `yaml:"command"`
	InstallCommand  []string          `yaml:"install_command"`
	Env             map[string]string `yaml:"env,omitempty"`
	StageTimeout    time.Duration     `yaml:"stage_timeout"`
	MakefileNames   []string          `yaml:"makefile_names"`
}

// WorkspaceConfig defines where per-job working directories live.
type WorkspaceConfig struct {
	BaseDir  string        `yaml:"base_dir"`
	StaleAge time.Duration `yaml:"stale_age"`
	// PruneOnStart removes stale working directories before serving.
	PruneOnStart bool `yaml:"prune_on_start"`
}

// HistoryConfig defines the job history database.
type HistoryConfig struct {
	// Path is a SQLite file path or ":memory:".
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Listen      string     `yaml:"listen"`
	Tokens      []APIToken `yaml:"tokens,omitempty"`
	EventBuffer int        `yaml:"event_buffer"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// WebhooksConfig defines the signed install trigger listener.
type WebhooksConfig struct {
	Listen    string            `yaml:"listen"`
	Endpoints []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookEndpoint is one HMAC-verified trigger path.
type WebhookEndpoint struct {
	Path            string `yaml:"path"`
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header,omitempty"`
	// MaxBodySize accepts byte sizes such as "64KiB" or "1MB".
	MaxBodySize string `yaml:"max_body_size,omitempty"`
	// ArchiveDir confines the archives a trigger may name.
	ArchiveDir string `yaml:"archive_dir"`
	// Prefix overrides install.prefix for jobs from this endpoint.
	Prefix string `yaml:"prefix,omitempty"`
}

// Defaults returns a Config with all default values.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Install: InstallConfig{
			Prefix: "/usr/local",
		},
		Build: BuildConfig{
			ConfigureScript: "configure",
			ConfigureArgs:   []string{"--prefix={prefix}"},
			Command:         []string{"make", "-j2"},
			InstallCommand:  []string{"make", "install"},
			MakefileNames:   []string{"GNUmakefile", "makefile", "Makefile"},
		},
		Workspace: WorkspaceConfig{
			StaleAge: 24 * time.Hour,
		},
		History: HistoryConfig{
			Path: ":memory:",
		},
		API: APIConfig{
			Listen:      "127.0.0.1:8088",
			EventBuffer: 256,
		},
	}
}
