// Package locate answers read-only questions about an extracted source tree.
// All lookups scan the top-level subdirectories of the working directory in
// os.ReadDir order (lexical by name); "not found" is reported as false, never
// as an error.
package locate

import (
	"os"
	"path/filepath"
)

// DefaultConfigureScript is the conventional autoconf entry point.
const DefaultConfigureScript = "configure"

// DefaultMakefileNames are the descriptors GNU make looks for, in its order.
var DefaultMakefileNames = []string{"GNUmakefile", "makefile", "Makefile"}

// SourceDir returns the first top-level directory in workDir.
func SourceDir(workDir string) (string, bool) {
	dirs := subdirs(workDir)
	if len(dirs) == 0 {
		return "", false
	}
	return dirs[0], true
}

// ConfigureScript returns the path of the first executable regular file named
// name found directly inside a top-level directory of workDir.
func ConfigureScript(workDir, name string) (string, bool) {
	if name == "" {
		name = DefaultConfigureScript
	}
	for _, dir := range subdirs(workDir) {
		candidate := filepath.Join(dir, name)
		if isExecutableFile(candidate) {
			return candidate, true
		}
	}
	return "", false
}

// MakefileDir returns the first top-level directory of workDir that holds one
// of names (DefaultMakefileNames when empty).
func MakefileDir(workDir string, names []string) (string, bool) {
	for _, dir := range subdirs(workDir) {
		if HasMakefile(dir, names) {
			return dir, true
		}
	}
	return "", false
}

// HasMakefile reports whether dir directly contains one of names.
func HasMakefile(dir string, names []string) bool {
	if len(names) == 0 {
		names = DefaultMakefileNames
	}
	for _, n := range names {
		info, err := os.Stat(filepath.Join(dir, n))
		if err == nil && info.Mode().IsRegular() {
			return true
		}
	}
	return false
}

func subdirs(workDir string) []string {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if name == "." || name == ".." {
			continue
		}
		full := filepath.Join(workDir, name)
		// Follow symlinks the way a stat-based directory test would.
		info, err := os.Stat(full)
		if err != nil || !info.IsDir() {
			continue
		}
		out = append(out, full)
	}
	return out
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}
