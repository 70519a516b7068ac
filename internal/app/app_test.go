package app

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anvil-build/anvil/internal/config"
)

func testConfig(t *testing.T, workspaceDir string) *config.Config {
	t.Helper()
	return &config.Config{
		WorkspaceDir: workspaceDir,
		BuildDir:     t.TempDir(),
		Backend:      "local",
		Jobs:         2,
		LogLevel:     "error",
		LogFormat:    "text",
	}
}

func TestApp_EndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "build.anvil.hcl"), []byte(`
scope "hello" {}

target "genfile" "greeting" {
  output  = "greeting.txt"
  content = "hello, anvil"
}

target "command" "shout" {
  deps     = [":greeting"]
  inputs   = ["{build}/greeting.txt"]
  outputs  = ["shout.txt"]
  commands = ["cp {build}/greeting.txt {build}/shout.txt"]
}
`), 0o644))

	cfg := testConfig(t, ws)
	a := New(io.Discard, cfg)

	require.NoError(t, a.Run(ctx, "build", nil))
	got, err := os.ReadFile(filepath.Join(cfg.BuildDir, "greeting.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello, anvil", string(got))
	assert.FileExists(t, filepath.Join(cfg.BuildDir, "shout.txt"))
}

// A deleted intermediate that regenerates byte-identically must not ripple
// downstream, while a content change must.
func TestApp_ByteIdenticalEarlyCutoff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ws := t.TempDir()
	manifest := func(content string) string {
		return `
scope "cutoff" {}

target "genfile" "seed" {
  output  = "seed.txt"
  content = "` + content + `"
}

target "command" "final" {
  deps     = [":seed"]
  inputs   = ["{build}/seed.txt"]
  outputs  = ["final.txt"]
  commands = ["cp {build}/seed.txt {build}/final.txt"]
}
`
	}
	manifestPath := filepath.Join(ws, "build.anvil.hcl")
	require.NoError(t, os.WriteFile(manifestPath, []byte(manifest("stable")), 0o644))

	cfg := testConfig(t, ws)
	require.NoError(t, New(io.Discard, cfg).Run(ctx, "build", nil))

	seedPath := filepath.Join(cfg.BuildDir, "seed.txt")
	finalPath := filepath.Join(cfg.BuildDir, "final.txt")
	before, err := os.Stat(finalPath)
	require.NoError(t, err)

	// Deleting the intermediate forces its action to re-run, but the
	// regenerated bytes are identical so the downstream copy stays put.
	require.NoError(t, os.Remove(seedPath))
	require.NoError(t, New(io.Discard, cfg).Run(ctx, "build", nil))

	after, err := os.Stat(finalPath)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime(), "final.txt should not have been rewritten")
	got, err := os.ReadFile(seedPath)
	require.NoError(t, err)
	assert.Equal(t, "stable", string(got))

	// A real content change invalidates the whole chain.
	require.NoError(t, os.WriteFile(manifestPath, []byte(manifest("changed")), 0o644))
	require.NoError(t, New(io.Discard, cfg).Run(ctx, "build", nil))
	got, err = os.ReadFile(finalPath)
	require.NoError(t, err)
	assert.Equal(t, "changed", string(got))
}

func TestApp_CleanRemovesOutputs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "build.anvil.hcl"), []byte(`
scope "hello" {}

target "genfile" "greeting" {
  output  = "greeting.txt"
  content = "bye"
}
`), 0o644))

	cfg := testConfig(t, ws)
	require.NoError(t, New(io.Discard, cfg).Run(ctx, "build", nil))
	require.FileExists(t, filepath.Join(cfg.BuildDir, "greeting.txt"))

	require.NoError(t, New(io.Discard, cfg).Run(ctx, "clean", nil))
	assert.NoFileExists(t, filepath.Join(cfg.BuildDir, "greeting.txt"))
}

func TestApp_NinjaExport(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "build.anvil.hcl"), []byte(`
scope "hello" {}

target "genfile" "greeting" {
  output  = "greeting.txt"
  content = "hi"
}
`), 0o644))

	cfg := testConfig(t, ws)
	cfg.Backend = "ninja"
	require.NoError(t, New(io.Discard, cfg).Run(ctx, "generate", nil))
	assert.FileExists(t, filepath.Join(cfg.BuildDir, "build.ninja"))
}

func TestApp_UnknownBackend(t *testing.T) {
	t.Parallel()

	ws := t.TempDir()
	cfg := testConfig(t, ws)
	cfg.Backend = "make"
	err := New(io.Discard, cfg).Run(context.Background(), "build", nil)
	var unknown *config.UnknownBackendError
	assert.ErrorAs(t, err, &unknown)
}
