package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// EnvConfigPath names the environment variable consulted after --config.
const EnvConfigPath = "INSTALLMAN_CONFIG"

// ErrNoConfig means discovery found no config file; callers fall back to Defaults.
var ErrNoConfig = errors.New("no config file found")

// systemConfigPath is a variable so tests can point it elsewhere.
var systemConfigPath = "/etc/installman/config.yaml"

// Discover finds the config file to load.
// Priority order: --config flag, $INSTALLMAN_CONFIG, ~/.config/installman/config.yaml,
// /etc/installman/config.yaml. An explicit flag or env path must exist.
func Discover(flagPath string) (string, error) {
	// 1. Explicit flag
	if flagPath != "" {
		if _, err := os.Stat(flagPath); err != nil {
			return "", fmt.Errorf("config file not found: %s", flagPath)
		}
		return flagPath, nil
	}

	// 2. Environment variable
	if path := os.Getenv(EnvConfigPath); path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("$%s points to missing file: %s", EnvConfigPath, path)
		}
		return path, nil
	}

	// 3. User config
	if homeDir, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(homeDir, ".config", "installman", "config.yaml")
		if fileExists(userPath) {
			return userPath, nil
		}
	}

	// 4. System config
	if fileExists(systemConfigPath) {
		return systemConfigPath, nil
	}

	return "", ErrNoConfig
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
