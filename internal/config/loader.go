package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file, applies defaults and
// validates the result.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath

	cfg = applyConfigDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads the discovered config file, or returns defaults when
// discovery finds nothing.
func LoadOrDefault(flagPath string) (*Config, error) {
	path, err := Discover(flagPath)
	if errors.Is(err, ErrNoConfig) {
		cfg := Defaults()
		return cfg, validate(cfg)
	}
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// loadConfigFile parses a single file without applying defaults.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(interpolated))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.Install.Prefix == "" {
		cfg.Install.Prefix = defaults.Install.Prefix
	}

	if cfg.Build.ConfigureScript == "" {
		cfg.Build.ConfigureScript = defaults.Build.ConfigureScript
	}
	// An explicit empty list means "no configure arguments".
	if cfg.Build.ConfigureArgs == nil {
		cfg.Build.ConfigureArgs = defaults.Build.ConfigureArgs
	}
	if len(cfg.Build.Command) == 0 {
		cfg.Build.Command = defaults.Build.Command
	}
	if len(cfg.Build.InstallCommand) == 0 {
		cfg.Build.InstallCommand = defaults.Build.InstallCommand
	}
	if len(cfg.Build.MakefileNames) == 0 {
		cfg.Build.MakefileNames = defaults.Build.MakefileNames
	}

	if cfg.Workspace.StaleAge == 0 {
		cfg.Workspace.StaleAge = defaults.Workspace.StaleAge
	}

	if cfg.History.Path == "" {
		cfg.History.Path = defaults.History.Path
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.API.EventBuffer == 0 {
		cfg.API.EventBuffer = defaults.API.EventBuffer
	}
	return cfg
}

// interpolateEnv replaces ${VAR} with its value. Unset variables are left in
// place so validation can name them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	switch cfg.Service.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if !filepath.IsAbs(cfg.Install.Prefix) {
		return fmt.Errorf("install.prefix must be an absolute path (got %q)", cfg.Install.Prefix)
	}
	if err := checkUnresolved("install.lock_path", cfg.Install.LockPath); err != nil {
		return err
	}

	if strings.ContainsRune(cfg.Build.ConfigureScript, filepath.Separator) {
		return fmt.Errorf("build.configure_script must be a file name, not a path (got %q)", cfg.Build.ConfigureScript)
	}
	if strings.TrimSpace(cfg.Build.Command[0]) == "" {
		return fmt.Errorf("build.command[0] must name a program")
	}
	if strings.TrimSpace(cfg.Build.InstallCommand[0]) == "" {
		return fmt.Errorf("build.install_command[0] must name a program")
	}
	if cfg.Build.StageTimeout < 0 {
		return fmt.Errorf("build.stage_timeout must not be negative")
	}
	for k, v := range cfg.Build.Env {
		if k == "" || strings.Contains(k, "=") {
			return fmt.Errorf("build.env: invalid variable name %q", k)
		}
		if err := checkUnresolved("build.env."+k, v); err != nil {
			return err
		}
	}

	if cfg.Workspace.StaleAge < 0 {
		return fmt.Errorf("workspace.stale_age must not be negative")
	}

	for i, tok := range cfg.API.Tokens {
		if tok.Token == "" {
			return fmt.Errorf("api.tokens[%d].token is required", i)
		}
		if err := checkUnresolved(fmt.Sprintf("api.tokens[%d].token", i), tok.Token); err != nil {
			return err
		}
		if len(tok.Scopes) == 0 {
			return fmt.Errorf("api.tokens[%d].scopes must be non-empty", i)
		}
	}
	if cfg.API.EventBuffer < 0 {
		return fmt.Errorf("api.event_buffer must not be negative")
	}
	return validateWebhooks(cfg.Webhooks)
}

func validateWebhooks(wc *WebhooksConfig) error {
	if wc == nil {
		return nil
	}
	if wc.Listen == "" {
		return fmt.Errorf("webhooks.listen is required when webhooks are configured")
	}
	seen := make(map[string]bool)
	for i, ep := range wc.Endpoints {
		field := fmt.Sprintf("webhooks.endpoints[%d]", i)
		if !strings.HasPrefix(ep.Path, "/") {
			return fmt.Errorf("%s.path must start with / (got %q)", field, ep.Path)
		}
		if seen[ep.Path] {
			return fmt.Errorf("%s.path %q is used twice", field, ep.Path)
		}
		seen[ep.Path] = true
		if ep.Secret == "" {
			return fmt.Errorf("%s.secret is required", field)
		}
		if err := checkUnresolved(field+".secret", ep.Secret); err != nil {
			return err
		}
		if !filepath.IsAbs(ep.ArchiveDir) {
			return fmt.Errorf("%s.archive_dir must be an absolute path (got %q)", field, ep.ArchiveDir)
		}
		if ep.Prefix != "" && !filepath.IsAbs(ep.Prefix) {
			return fmt.Errorf("%s.prefix must be an absolute path (got %q)", field, ep.Prefix)
		}
	}
	return nil
}

func checkUnresolved(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

// BuildEnv returns build.env as sorted KEY=VALUE pairs.
func (c *Config) BuildEnv() []string {
	if len(c.Build.Env) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.Build.Env))
	for k, v := range c.Build.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
