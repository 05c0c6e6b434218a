package storage

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedProbe(typ string, seen *string) func(string) (string, error) {
	return func(path string) (string, error) {
		if seen != nil {
			*seen = path
		}
		return typ, nil
	}
}

func TestDetectWalksUpToExistingAncestor(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	var seen string
	got, err := detectWith(filepath.Join(root, "a", "b", "history.db"), fixedProbe("EXT4", &seen))
	require.NoError(t, err)
	assert.Equal(t, root, seen)
	assert.Equal(t, Filesystem{Probed: root, Type: "ext4"}, got)
}

func TestDetectFlagsNetworkTypes(t *testing.T) {
	t.Parallel()
	for typ, network := range map[string]bool{
		"nfs":    true,
		" SMBFS": true,
		"fuse":   true,
		"apfs":   false,
		"0x6969": false,
	} {
		got, err := detectWith(t.TempDir(), fixedProbe(typ, nil))
		require.NoError(t, err)
		assert.Equal(t, network, got.Network, "type %q", typ)
	}
}

func TestDetectErrors(t *testing.T) {
	t.Parallel()
	_, err := detectWith("  ", fixedProbe("ext4", nil))
	assert.Error(t, err)

	boom := errors.New("statfs failed")
	_, err = detectWith(t.TempDir(), func(string) (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)
}

func TestRequireLocal(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "history.db")

	require.NoError(t, requireLocal(path, fixedProbe("xfs", nil)))

	err := requireLocal(path, fixedProbe("cifs", nil))
	require.Error(t, err)
	for _, want := range []string{"cifs", "network filesystem", "history.path", MemoryPath} {
		assert.True(t, strings.Contains(err.Error(), want), "missing %q in %q", want, err)
	}
}

func TestDetectFilesystemOnTempDir(t *testing.T) {
	t.Parallel()
	got, err := DetectFilesystem(t.TempDir())
	require.NoError(t, err)
	assert.NotEmpty(t, got.Type)
}
