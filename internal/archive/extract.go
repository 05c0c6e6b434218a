package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/installman/internal/report"
)

// Options tune a single extraction.
type Options struct {
	// Cancelled is consulted before every entry. Nil means never cancelled.
	Cancelled func() bool
	// Reporter receives the start and completion log lines. Nil is allowed.
	Reporter report.Reporter
}

// Stats summarizes a finished extraction.
type Stats struct {
	Format  Format
	Entries int
	Bytes   int64
}

type dirMeta struct {
	path    string
	mode    os.FileMode
	modTime time.Time
}

// Extract unpacks archivePath into destDir, which must already exist.
// Failures are returned as *ExtractError.
func Extract(ctx context.Context, archivePath, destDir string, opts Options) (Stats, error) {
	rep := opts.Reporter
	if rep == nil {
		rep = report.Nop{}
	}
	cancelled := func() bool {
		if ctx.Err() != nil {
			return true
		}
		return opts.Cancelled != nil && opts.Cancelled()
	}

	rep.OnLog(fmt.Sprintf("Extracting archive %s", filepath.Base(archivePath)), false)

	stats, err := extract(archivePath, destDir, cancelled)
	if err != nil {
		var xe *ExtractError
		if errors.As(err, &xe) && xe.Op == OpCancel {
			rep.OnLog("Extraction cancelled by user", true)
		} else {
			rep.OnLog(fmt.Sprintf("Extraction failed: %v", err), true)
		}
		return stats, err
	}

	rep.OnLog(fmt.Sprintf("Archive extracted (%s, %d entries, %s)",
		stats.Format, stats.Entries, humanize.Bytes(uint64(stats.Bytes))), false)
	return stats, nil
}

func extract(archivePath, destDir string, cancelled func() bool) (Stats, error) {
	destDir, err := filepath.Abs(destDir)
	if err != nil {
		return Stats{}, &ExtractError{Op: OpOpen, Err: err}
	}

	entries, format, err := openEntries(archivePath)
	if err != nil {
		return Stats{}, &ExtractError{Op: OpOpen, Err: err}
	}
	defer entries.Close()

	stats := Stats{Format: format}
	var dirs []dirMeta

	for {
		e, body, err := entries.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if stats.Entries == 0 && errors.Is(err, ErrUnsupportedFormat) {
				return stats, &ExtractError{Op: OpOpen, Err: err}
			}
			return stats, &ExtractError{Op: OpEntry, Entry: e.Name, Err: err}
		}

		if cancelled() {
			return stats, &ExtractError{Op: OpCancel, Entry: e.Name, Err: ErrCancelled}
		}

		n, dir, err := writeEntry(destDir, e, body)
		if err != nil {
			return stats, &ExtractError{Op: OpEntry, Entry: e.Name, Err: err}
		}
		if dir != nil {
			dirs = append(dirs, *dir)
		}
		stats.Entries++
		stats.Bytes += n
	}

	// Directory metadata last: writing children would bump mtimes and a
	// read-only mode would block them.
	for i := len(dirs) - 1; i >= 0; i-- {
		d := dirs[i]
		_ = os.Chmod(d.path, d.mode)
		if !d.modTime.IsZero() {
			_ = os.Chtimes(d.path, d.modTime, d.modTime)
		}
	}

	return stats, nil
}

func writeEntry(destDir string, e Entry, body io.Reader) (int64, *dirMeta, error) {
	target, err := ResolvePath(destDir, e.Name)
	if err != nil {
		return 0, nil, err
	}
	if target == "" {
		return 0, nil, nil
	}
	if err := checkParents(destDir, target); err != nil {
		return 0, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, nil, fmt.Errorf("create parent directory: %w", err)
	}

	switch e.Type {
	case TypeDir:
		if info, err := os.Lstat(target); err == nil && !info.IsDir() {
			return 0, nil, fmt.Errorf("%s exists and is not a directory", target)
		}
		if err := os.MkdirAll(target, 0o755); err != nil {
			return 0, nil, fmt.Errorf("create directory: %w", err)
		}
		mode := e.Mode
		if mode == 0 {
			mode = 0o755
		}
		return 0, &dirMeta{path: target, mode: mode, modTime: e.ModTime}, nil

	case TypeFile:
		n, err := writeFile(target, e, body)
		return n, nil, err

	case TypeSymlink:
		if !linkTargetInside(destDir, target, e.Linkname) {
			return 0, nil, fmt.Errorf("%w: symlink to %s", ErrUnsafePath, e.Linkname)
		}
		if err := removeExisting(target); err != nil {
			return 0, nil, err
		}
		if err := os.Symlink(e.Linkname, target); err != nil {
			return 0, nil, fmt.Errorf("create symlink: %w", err)
		}
		return 0, nil, nil

	case TypeHardlink:
		src, err := ResolvePath(destDir, e.Linkname)
		if err != nil || src == "" {
			return 0, nil, fmt.Errorf("%w: hardlink to %s", ErrUnsafePath, e.Linkname)
		}
		if err := checkParents(destDir, src); err != nil {
			return 0, nil, err
		}
		if real, err := filepath.EvalSymlinks(src); err == nil {
			realRoot, rerr := filepath.EvalSymlinks(destDir)
			if rerr != nil || !within(realRoot, real) {
				return 0, nil, fmt.Errorf("%w: hardlink to %s", ErrUnsafePath, e.Linkname)
			}
		}
		info, err := os.Lstat(src)
		if err != nil {
			return 0, nil, fmt.Errorf("hardlink source: %w", err)
		}
		if !info.Mode().IsRegular() {
			return 0, nil, fmt.Errorf("hardlink source %s is not a regular file", e.Linkname)
		}
		if err := removeExisting(target); err != nil {
			return 0, nil, err
		}
		if err := os.Link(src, target); err != nil {
			return 0, nil, fmt.Errorf("create hardlink: %w", err)
		}
		return 0, nil, nil

	default:
		// Device nodes and fifos have no place in a source tree.
		return 0, nil, nil
	}
}

func writeFile(target string, e Entry, body io.Reader) (int64, error) {
	if err := removeExisting(target); err != nil {
		return 0, err
	}
	mode := e.Mode
	if mode == 0 {
		mode = 0o644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}
	var n int64
	if body != nil {
		n, err = io.Copy(f, body)
		if err != nil {
			_ = f.Close()
			return n, fmt.Errorf("write file: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return n, fmt.Errorf("close file: %w", err)
	}
	if err := os.Chmod(target, mode); err != nil {
		return n, fmt.Errorf("set permissions: %w", err)
	}
	if !e.ModTime.IsZero() {
		if err := os.Chtimes(target, e.ModTime, e.ModTime); err != nil {
			return n, fmt.Errorf("set times: %w", err)
		}
	}
	return n, nil
}

func removeExisting(target string) error {
	info, err := os.Lstat(target)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s exists and is a directory", target)
	}
	return os.Remove(target)
}
