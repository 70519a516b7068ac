package backend

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/anvil-build/anvil/internal/buildgraph"
	"github.com/anvil-build/anvil/internal/config"
	"github.com/anvil-build/anvil/internal/ctxlog"
	"github.com/anvil-build/anvil/internal/executor"
	"github.com/anvil-build/anvil/internal/stash"
	"github.com/anvil-build/anvil/internal/state"
)

// localBackend executes actions in-process through the engine.
type localBackend struct {
	w   *buildgraph.Workspace
	cfg *config.Config

	// graph is translated once per backend; a workspace cannot be
	// re-translated.
	graph *buildgraph.ActionGraph
}

func newLocal(w *buildgraph.Workspace, cfg *config.Config) Backend {
	return &localBackend{w: w, cfg: cfg}
}

// stateDir is where the run-record database lives, under the build directory
// so `rm -rf` of the build dir resets everything consistently.
func (b *localBackend) stateDir() string {
	return filepath.Join(b.cfg.BuildDir, ".anvil", "state")
}

func (b *localBackend) translate(ctx context.Context) (*buildgraph.ActionGraph, error) {
	if b.graph != nil {
		return b.graph, nil
	}
	if err := os.MkdirAll(b.cfg.BuildDir, 0o755); err != nil {
		return nil, err
	}
	g, err := b.w.TranslateAll(ctx, b.cfg.BuildDir)
	if err != nil {
		return nil, err
	}
	b.graph = g
	return g, nil
}

// Generate validates the workspace by translating it. The local backend has
// no external build file to write.
func (b *localBackend) Generate(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	g, err := b.translate(ctx)
	if err != nil {
		return err
	}
	logger.Info("Workspace translated.", "actions", len(g.Actions()))
	return nil
}

func (b *localBackend) Build(ctx context.Context, targets []string) error {
	logger := ctxlog.FromContext(ctx)

	g, err := b.translate(ctx)
	if err != nil {
		return err
	}
	requested, err := b.requestedActions(ctx, g, targets)
	if err != nil {
		return err
	}

	store, err := state.Open(b.stateDir())
	if err != nil {
		return err
	}
	defer store.Close()

	cache, err := stash.FromConfig(b.cfg.Stash)
	if err != nil {
		return err
	}

	engine := executor.New(g, store, cache, executor.Options{
		Workers:  b.cfg.Jobs,
		FailFast: b.cfg.FailFast,
		Download: b.cfg.Stash.Download,
		Upload:   b.cfg.Stash.Upload,
		Verbose:  b.cfg.Verbose,
	})

	summary, err := engine.Run(ctx, requested)
	logger.Info("Build finished.",
		"executed", summary.Executed,
		"cached", summary.Cached,
		"upToDate", summary.UpToDate,
		"failed", summary.Failed,
		"skipped", summary.Skipped)
	if err != nil {
		return err
	}

	live := make(map[string]bool, len(g.Actions()))
	for _, a := range g.Actions() {
		live[a.LongName()] = true
	}
	if err := store.Prune(ctx, live); err != nil {
		logger.Warn("Could not prune stale records.", "error", err)
	}
	return nil
}

// Clean removes the declared and recorded outputs of the requested targets
// and forgets their run records. Absent files are fine; removal errors are
// reported but do not stop the sweep.
func (b *localBackend) Clean(ctx context.Context, targets []string) error {
	logger := ctxlog.FromContext(ctx)

	g, err := b.translate(ctx)
	if err != nil {
		return err
	}
	requested, err := b.requestedActions(ctx, g, targets)
	if err != nil {
		return err
	}

	store, err := state.Open(b.stateDir())
	if err != nil {
		return err
	}
	defer store.Close()

	closure := g.Closure(requested)
	var firstErr error
	removed := 0
	for name, a := range closure {
		paths := append([]string(nil), a.Outputs...)
		if rec, err := store.Get(name); err == nil && rec != nil {
			for _, out := range rec.Outputs {
				paths = append(paths, out.Path)
			}
		}
		seen := make(map[string]bool)
		for _, path := range paths {
			if seen[path] {
				continue
			}
			seen[path] = true
			err := os.Remove(path)
			if err == nil {
				removed++
				continue
			}
			if !errors.Is(err, fs.ErrNotExist) {
				logger.Warn("Could not remove output.", "path", path, "error", err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}

	// Forget the cleaned actions so the next build re-runs them.
	live := make(map[string]bool)
	for _, a := range g.Actions() {
		if _, cleaned := closure[a.LongName()]; !cleaned {
			live[a.LongName()] = true
		}
	}
	if err := store.Prune(ctx, live); err != nil && firstErr == nil {
		firstErr = err
	}

	logger.Info("Clean finished.", "removed", removed)
	return firstErr
}

// requestedActions resolves target references into their actions. A nil or
// empty request selects the whole graph.
func (b *localBackend) requestedActions(ctx context.Context, g *buildgraph.ActionGraph, targets []string) ([]*buildgraph.Action, error) {
	if len(targets) == 0 {
		return nil, nil
	}
	var actions []*buildgraph.Action
	for _, refStr := range targets {
		t, err := b.w.ResolveTarget(ctx, refStr, nil)
		if err != nil {
			return nil, fmt.Errorf("resolving requested target %q: %w", refStr, err)
		}
		actions = append(actions, t.Actions()...)
	}
	return actions, nil
}
