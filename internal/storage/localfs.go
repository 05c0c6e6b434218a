package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Filesystem describes the filesystem holding a path.
type Filesystem struct {
	// Probed is the nearest existing ancestor that was actually inspected.
	Probed  string
	Type    string
	Network bool
}

var remoteTypes = map[string]bool{
	"afpfs":  true,
	"cifs":   true,
	"fuse":   true,
	"nfs":    true,
	"smb2":   true,
	"smbfs":  true,
	"webdav": true,
}

// DetectFilesystem reports the filesystem under path. Path need not exist yet.
func DetectFilesystem(path string) (Filesystem, error) {
	return detectWith(path, statfsType)
}

func detectWith(path string, probe func(string) (string, error)) (Filesystem, error) {
	if strings.TrimSpace(path) == "" {
		return Filesystem{}, errors.New("path is empty")
	}
	existing, err := nearestExisting(path)
	if err != nil {
		return Filesystem{}, err
	}
	typ, err := probe(existing)
	if err != nil {
		return Filesystem{}, fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}
	typ = strings.ToLower(strings.TrimSpace(typ))
	return Filesystem{Probed: existing, Type: typ, Network: remoteTypes[typ]}, nil
}

// requireLocal refuses history databases on network mounts, where SQLite
// locking cannot be trusted.
func requireLocal(path string, probe func(string) (string, error)) error {
	fsys, err := detectWith(path, probe)
	if err != nil {
		return err
	}
	if fsys.Network {
		return fmt.Errorf("history database %q is on %s, a network filesystem; keep history.path on a local disk or use %s", path, fsys.Type, MemoryPath)
	}
	return nil
}

func nearestExisting(path string) (string, error) {
	dir, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}
	for {
		_, err := os.Stat(dir)
		switch {
		case err == nil:
			return dir, nil
		case !errors.Is(err, fs.ErrNotExist):
			return "", fmt.Errorf("stat %q: %w", dir, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing ancestor of %q", path)
		}
		dir = parent
	}
}
