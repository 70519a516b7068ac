package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anvil-build/anvil/internal/buildgraph"
	"github.com/anvil-build/anvil/internal/config"
	"github.com/anvil-build/anvil/internal/executor"
)

type translatorFunc func(tc *buildgraph.TranslateContext) error

func (f translatorFunc) Translate(tc *buildgraph.TranslateContext) error { return f(tc) }

// newWorkspace builds a linked single-scope workspace: gen copies seed.txt to
// out.txt, use copies out.txt to final.txt.
func newWorkspace(t *testing.T) (*buildgraph.Workspace, *config.Config) {
	t.Helper()
	ctx := context.Background()

	scopeDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(scopeDir, "seed.txt"), []byte("v1"), 0o644))

	w := buildgraph.NewWorkspace()
	s, err := w.Scope("ws", scopeDir)
	require.NoError(t, err)

	gen := translatorFunc(func(tc *buildgraph.TranslateContext) error {
		_, err := tc.NewAction("copy", buildgraph.ActionSpec{
			Inputs:   []string{"seed.txt"},
			Outputs:  []string{"out.txt"},
			Commands: [][]string{{"cp", filepath.Join(tc.ScopeDir(), "seed.txt"), filepath.Join(tc.BuildDir(), "out.txt")}},
		})
		return err
	})
	use := translatorFunc(func(tc *buildgraph.TranslateContext) error {
		_, err := tc.NewAction("copy", buildgraph.ActionSpec{
			Inputs:   []string{filepath.Join(tc.BuildDir(), "out.txt")},
			Outputs:  []string{"final.txt"},
			Commands: [][]string{{"cp", filepath.Join(tc.BuildDir(), "out.txt"), filepath.Join(tc.BuildDir(), "final.txt")}},
		})
		return err
	})

	_, err = s.DeclareTarget("gen", "t:1", gen, buildgraph.TargetOptions{})
	require.NoError(t, err)
	_, err = s.DeclareTarget("use", "t:2", use, buildgraph.TargetOptions{Deps: []string{":gen"}})
	require.NoError(t, err)
	require.NoError(t, w.Link(ctx))

	cfg := &config.Config{
		WorkspaceDir: scopeDir,
		BuildDir:     t.TempDir(),
		Backend:      "local",
		Jobs:         2,
	}
	return w, cfg
}

func TestNew_UnknownBackend(t *testing.T) {
	t.Parallel()

	w, cfg := newWorkspace(t)
	_, err := New("bazel", w, cfg)
	var unknown *config.UnknownBackendError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "bazel", unknown.Name)
	assert.Equal(t, []string{"local", "ninja"}, unknown.Known)
}

func TestLocal_BuildIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	w, cfg := newWorkspace(t)
	b, err := New("local", w, cfg)
	require.NoError(t, err)

	require.NoError(t, b.Build(ctx, nil))
	assert.FileExists(t, filepath.Join(cfg.BuildDir, "final.txt"))

	// A second build over an unchanged workspace must not rewrite anything.
	final := filepath.Join(cfg.BuildDir, "final.txt")
	before, err := os.Stat(final)
	require.NoError(t, err)

	// The graph carries per-invocation memoization, so a fresh backend over
	// the same declarations models a second invocation. Targets cannot be
	// re-translated in the same workspace; reuse the backend instead.
	require.NoError(t, b.Build(ctx, nil))
	after, err := os.Stat(final)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime(), "unchanged action must not re-run")
}

func TestLocal_DeletedOutputIsRebuilt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	w, cfg := newWorkspace(t)
	b, err := New("local", w, cfg)
	require.NoError(t, err)
	require.NoError(t, b.Build(ctx, nil))

	require.NoError(t, os.Remove(filepath.Join(cfg.BuildDir, "final.txt")))
	require.NoError(t, b.Build(ctx, nil))
	assert.FileExists(t, filepath.Join(cfg.BuildDir, "final.txt"))
}

func TestLocal_BuildSelectedTarget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	w, cfg := newWorkspace(t)
	b, err := New("local", w, cfg)
	require.NoError(t, err)

	require.NoError(t, b.Build(ctx, []string{"//ws:gen"}))
	assert.FileExists(t, filepath.Join(cfg.BuildDir, "out.txt"))
	assert.NoFileExists(t, filepath.Join(cfg.BuildDir, "final.txt"))
}

func TestLocal_BuildFailurePropagatesExitCode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	scopeDir := t.TempDir()
	w := buildgraph.NewWorkspace()
	s, err := w.Scope("ws", scopeDir)
	require.NoError(t, err)
	boom := translatorFunc(func(tc *buildgraph.TranslateContext) error {
		_, err := tc.NewAction("run", buildgraph.ActionSpec{
			Commands: [][]string{{"sh", "-c", "exit 3"}},
			Buffered: true,
		})
		return err
	})
	_, err = s.DeclareTarget("boom", "t:1", boom, buildgraph.TargetOptions{})
	require.NoError(t, err)
	require.NoError(t, w.Link(ctx))

	cfg := &config.Config{BuildDir: t.TempDir(), Backend: "local", Jobs: 1}
	b, err := New("local", w, cfg)
	require.NoError(t, err)

	err = b.Build(ctx, nil)
	var cmdErr *executor.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 3, cmdErr.ExitCode)
}

func TestLocal_Clean(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	w, cfg := newWorkspace(t)
	b, err := New("local", w, cfg)
	require.NoError(t, err)
	require.NoError(t, b.Build(ctx, nil))
	require.FileExists(t, filepath.Join(cfg.BuildDir, "final.txt"))

	require.NoError(t, b.Clean(ctx, nil))
	assert.NoFileExists(t, filepath.Join(cfg.BuildDir, "out.txt"))
	assert.NoFileExists(t, filepath.Join(cfg.BuildDir, "final.txt"))

	// Cleaning an already clean workspace is a no-op, not an error.
	require.NoError(t, b.Clean(ctx, nil))
}

func TestNinja_Generate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	w, cfg := newWorkspace(t)
	cfg.Backend = "ninja"
	b, err := New("ninja", w, cfg)
	require.NoError(t, err)

	require.NoError(t, b.Generate(ctx))
	bs, err := os.ReadFile(filepath.Join(cfg.BuildDir, "build.ninja"))
	require.NoError(t, err)
	content := string(bs)
	assert.Contains(t, content, "ninja_required_version")
	assert.Contains(t, content, "out.txt")
	assert.Contains(t, content, "final.txt")
	assert.Contains(t, content, "rule r0")

	// Build only regenerates; nothing is executed.
	require.NoError(t, b.Build(ctx, nil))
	assert.NoFileExists(t, filepath.Join(cfg.BuildDir, "out.txt"))

	require.NoError(t, b.Clean(ctx, nil))
	assert.NoFileExists(t, filepath.Join(cfg.BuildDir, "build.ninja"))
}
