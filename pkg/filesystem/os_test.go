package filesystem

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/arthur-debert/deployd/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOS(t *testing.T) {
	fs := NewOS()
	assert.NotNil(t, fs)

	tmpDir := t.TempDir()
	testutil.WriteFile(t, filepath.Join(tmpDir, "test.txt"), "hello world", 0644)
	require.NoError(t, os.Symlink("test.txt", filepath.Join(tmpDir, "link")))
	require.NoError(t, os.MkdirAll(filepath.Join(tmpDir, "sub"), 0755))

	info, err := fs.Lstat(filepath.Join(tmpDir, "link"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSymlink, "Lstat must not follow symlinks")

	target, err := fs.Readlink(filepath.Join(tmpDir, "link"))
	require.NoError(t, err)
	assert.Equal(t, "test.txt", target)

	entries, err := fs.ReadDir(tmpDir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestChecksum(t *testing.T) {
	path := testutil.WriteFile(t, filepath.Join(t.TempDir(), "f"), "hello world", 0644)

	sum, err := Checksum(NewOS(), path)
	require.NoError(t, err)
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", sum)
	assert.Equal(t, testutil.Checksum("hello world"), sum)

	_, err = Checksum(NewOS(), path+".missing")
	assert.Error(t, err)
}
