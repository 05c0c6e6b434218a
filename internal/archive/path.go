package archive

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ResolvePath maps an archive entry name to a location inside destDir.
// Leading slashes are dropped so absolute names are re-rooted under destDir;
// names that climb above destDir after cleaning are rejected. An empty result
// with a nil error means the entry names destDir itself.
func ResolvePath(destDir, name string) (string, error) {
	slashed := strings.ReplaceAll(name, `\`, "/")
	rel := strings.TrimLeft(slashed, "/")
	if rel == "" {
		return "", nil
	}

	rel = path.Clean(rel)
	if rel == "." {
		return "", nil
	}
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}

	target := filepath.Join(destDir, filepath.FromSlash(rel))
	if !within(destDir, target) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}

// within reports whether target is strictly below root.
func within(root, target string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(target))
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// linkTargetInside reports whether a symlink target stays inside root.
// ".." is only accepted as a leading run: the link's parent directories are
// real (checkParents), so climbing from them is exact, while a ".." after a
// named component could step back out of a symlink that is, or later becomes,
// a link elsewhere.
func linkTargetInside(root, linkPath, linkname string) bool {
	if linkname == "" || filepath.IsAbs(linkname) || strings.HasPrefix(linkname, "/") {
		return false
	}
	climbing := true
	for _, part := range strings.Split(filepath.ToSlash(linkname), "/") {
		switch part {
		case "", ".":
		case "..":
			if !climbing {
				return false
			}
		default:
			climbing = false
		}
	}
	resolved := filepath.Join(filepath.Dir(linkPath), filepath.FromSlash(linkname))
	return resolved == filepath.Clean(root) || within(root, resolved)
}

// checkParents refuses targets whose intermediate directories (below root) are
// symlinks, so a hostile archive cannot plant a link and then write through it.
func checkParents(root, target string) error {
	rel, err := filepath.Rel(root, filepath.Dir(target))
	if err != nil {
		return err
	}
	if rel == "." {
		return nil
	}
	cur := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: parent %s is a symlink", ErrUnsafePath, cur)
		}
		if !info.IsDir() {
			return fmt.Errorf("parent %s is not a directory", cur)
		}
	}
	return nil
}
