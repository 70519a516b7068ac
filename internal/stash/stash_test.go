package stash

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "sha256:0011aabb"

func writeOutputs(t *testing.T, dir string, files map[string]string) []string {
	t.Helper()
	var names []string
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		names = append(names, name)
	}
	return names
}

func TestLocal_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	backend, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	outDir := t.TempDir()
	names := writeOutputs(t, outDir, map[string]string{
		"bin/app":     "elf-bytes",
		"docs/readme": "hello",
	})

	found, err := backend.Find(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, backend.Upload(ctx, testKey, outDir, names))
	found, err = backend.Find(ctx, testKey)
	require.NoError(t, err)
	assert.True(t, found)

	destDir := t.TempDir()
	stats, err := backend.Materialize(ctx, testKey, destDir)
	require.NoError(t, err)
	require.Len(t, stats, 2)

	restored, err := os.ReadFile(filepath.Join(destDir, "bin", "app"))
	require.NoError(t, err)
	assert.Equal(t, "elf-bytes", string(restored))
}

func TestLocal_UploadIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	backend, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	outDir := t.TempDir()
	names := writeOutputs(t, outDir, map[string]string{"out.txt": "v1"})
	require.NoError(t, backend.Upload(ctx, testKey, outDir, names))

	// A second upload under the same key must not clobber the stash.
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "out.txt"), []byte("v2"), 0o644))
	require.NoError(t, backend.Upload(ctx, testKey, outDir, names))

	destDir := t.TempDir()
	_, err = backend.Materialize(ctx, testKey, destDir)
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(destDir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))
}

func TestLocal_CorruptionDetected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	root := t.TempDir()
	backend, err := NewLocal(root)
	require.NoError(t, err)
	outDir := t.TempDir()
	names := writeOutputs(t, outDir, map[string]string{"out.txt": "pristine"})
	require.NoError(t, backend.Upload(ctx, testKey, outDir, names))

	// Flip bytes inside the stored stash.
	stored := filepath.Join(backend.stashDir(testKey), "out.txt")
	require.NoError(t, os.WriteFile(stored, []byte("tampered"), 0o644))

	_, err = backend.Materialize(ctx, testKey, t.TempDir())
	var corrupt *CorruptionError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, "local", corrupt.Backend)
}

func TestChain_FirstHitWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	primary, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	secondary, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	// Same key in both backends with different content proves priority.
	outA := t.TempDir()
	writeOutputs(t, outA, map[string]string{"out.txt": "from-primary"})
	require.NoError(t, primary.Upload(ctx, testKey, outA, []string{"out.txt"}))
	outB := t.TempDir()
	writeOutputs(t, outB, map[string]string{"out.txt": "from-secondary"})
	require.NoError(t, secondary.Upload(ctx, testKey, outB, []string{"out.txt"}))

	chain := NewChain(primary, secondary)
	destDir := t.TempDir()
	stats, err := chain.Materialize(ctx, testKey, destDir)
	require.NoError(t, err)
	require.Len(t, stats, 1)

	got, err := os.ReadFile(filepath.Join(destDir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "from-primary", string(got))
}

func TestChain_CorruptStashFallsThrough(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	primary, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	secondary, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	outDir := t.TempDir()
	names := writeOutputs(t, outDir, map[string]string{"out.txt": "good"})
	require.NoError(t, primary.Upload(ctx, testKey, outDir, names))
	require.NoError(t, secondary.Upload(ctx, testKey, outDir, names))

	// Corrupt the primary copy; the chain must fall through to the secondary.
	stored := filepath.Join(primary.stashDir(testKey), "out.txt")
	require.NoError(t, os.WriteFile(stored, []byte("bad"), 0o644))

	chain := NewChain(primary, secondary)
	destDir := t.TempDir()
	stats, err := chain.Materialize(ctx, testKey, destDir)
	require.NoError(t, err)
	require.Len(t, stats, 1)

	got, err := os.ReadFile(filepath.Join(destDir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "good", string(got))
}

func TestChain_MissReturnsNil(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	backend, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	chain := NewChain(backend)

	found, err := chain.Find(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, found)

	stats, err := chain.Materialize(ctx, testKey, t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, stats)
}
