package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	d1, err := HashFile(path)
	require.NoError(t, err)
	assert.Contains(t, d1, "sha256:")

	d2, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, d1, d2, "digest must be stable")

	require.NoError(t, os.WriteFile(path, []byte("hello!"), 0o644))
	d3, err := HashFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3, "digest must change with content")
}

func TestCopyFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "nested", "deeper", "dst.txt")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	require.NoError(t, CopyFile(src, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestFindFilesByExtension(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "one.anvil.hcl"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "two.anvil.hcl"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), nil, 0o644))

	files, err := FindFilesByExtension(dir, ".anvil.hcl")
	require.NoError(t, err)
	assert.Len(t, files, 2)
}
