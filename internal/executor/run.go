package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/anvil-build/anvil/internal/buildgraph"
	"github.com/anvil-build/anvil/internal/ctxlog"
	"github.com/anvil-build/anvil/internal/fsutil"
	"github.com/anvil-build/anvil/internal/state"
)

// passthroughVars are the only ambient environment variables handed to
// commands. Everything else must be declared on the action, because only
// declared variables are part of the hash key.
var passthroughVars = []string{"PATH", "HOME", "TMPDIR"}

// execute runs one action through the full pipeline and reports how it
// ended. Hash keys are computed here, after all dependencies completed, so
// upstream keys are always available.
func (e *Engine) execute(ctx context.Context, a *buildgraph.Action) (nodeState, error) {
	logger := ctxlog.FromContext(ctx).With("action", a.LongName())

	key, err := e.graph.HashKey(ctx, a)
	if err != nil {
		return stateFailed, fmt.Errorf("hashing %s: %w", a.LongName(), err)
	}

	if a.NoOp() {
		logger.Debug("No-op action, nothing to run.")
		return stateUpToDate, nil
	}

	rec, err := e.store.Get(a.LongName())
	if err != nil {
		return stateFailed, err
	}
	if rec != nil && rec.HashKey == key && rec.OutputsIntact() {
		logger.Debug("Action is up to date.", "key", key)
		return stateUpToDate, nil
	}

	if outcome, ok := e.tryRestore(ctx, a, key); ok {
		return outcome, nil
	}

	logger.Info("▶️ Running action.")
	if err := e.runCommands(ctx, a); err != nil {
		return stateFailed, err
	}

	stats, err := e.verifyOutputs(a)
	if err != nil {
		return stateFailed, err
	}

	if err := e.store.Put(a.LongName(), &state.Record{HashKey: key, Outputs: stats}); err != nil {
		return stateFailed, err
	}

	e.tryUpload(ctx, a, key)
	logger.Info("✅ Action finished.")
	return stateSucceeded, nil
}

// tryRestore attempts to satisfy the action from the stash cache. Any cache
// problem degrades to a miss.
func (e *Engine) tryRestore(ctx context.Context, a *buildgraph.Action, key string) (nodeState, bool) {
	if e.cache == nil || !e.opts.Download || len(a.Outputs) == 0 {
		return 0, false
	}
	logger := ctxlog.FromContext(ctx).With("action", a.LongName())

	stats, err := e.cache.Materialize(ctx, key, e.graph.BuildDir())
	if err != nil {
		logger.Warn("Stash retrieval failed, running action instead.", "error", err)
		return 0, false
	}
	if stats == nil {
		return 0, false
	}
	for _, out := range a.Outputs {
		if _, err := os.Stat(out); err != nil {
			logger.Warn("Stash did not cover all outputs, running action instead.", "missing", out)
			return 0, false
		}
	}
	if err := e.store.Put(a.LongName(), &state.Record{HashKey: key, Outputs: stats}); err != nil {
		logger.Warn("Could not record restored action.", "error", err)
	}
	logger.Info("📦 Restored from stash.", "key", key)
	return stateCached, true
}

// tryUpload publishes the action's outputs to the stash cache. Upload
// failures are logged, never fatal: the build already succeeded.
func (e *Engine) tryUpload(ctx context.Context, a *buildgraph.Action, key string) {
	if e.cache == nil || !e.opts.Upload || e.cache.ReadOnly() || len(a.Outputs) == 0 {
		return
	}
	logger := ctxlog.FromContext(ctx).With("action", a.LongName())

	names := make([]string, 0, len(a.Outputs))
	for _, out := range a.Outputs {
		rel, err := filepath.Rel(e.graph.BuildDir(), out)
		if err != nil || filepath.IsAbs(rel) {
			logger.Warn("Output outside build dir, not stashing.", "output", out)
			return
		}
		names = append(names, filepath.ToSlash(rel))
	}
	if err := e.cache.Upload(ctx, key, e.graph.BuildDir(), names); err != nil {
		logger.Warn("Stash upload failed.", "error", err)
		return
	}
	logger.Debug("Outputs stashed.", "key", key)
}

// runCommands executes the action's argv vectors in order, stopping at the
// first failure.
func (e *Engine) runCommands(ctx context.Context, a *buildgraph.Action) error {
	for _, dir := range outputDirs(a) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	env := commandEnv(a.Env)
	for _, argv := range a.Commands {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = a.Dir
		cmd.Env = env

		var buf bytes.Buffer
		if a.Buffered {
			cmd.Stdout = &buf
			cmd.Stderr = &buf
		} else {
			cmd.Stdout = e.stdout
			cmd.Stderr = e.stderr
		}

		if err := cmd.Run(); err != nil {
			if a.Buffered {
				// Captured output is only shown when the command fails.
				e.stderr.Write(buf.Bytes())
			}
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return &CommandError{Action: a.LongName(), Command: argv, ExitCode: exitErr.ExitCode()}
			}
			return fmt.Errorf("action %s: starting %q: %w", a.LongName(), argv[0], err)
		}
		if a.Buffered && e.opts.Verbose {
			e.stdout.Write(buf.Bytes())
		}
	}
	return nil
}

// verifyOutputs checks that every declared output exists and returns their
// checksummed stats for the run record.
func (e *Engine) verifyOutputs(a *buildgraph.Action) ([]fsutil.FileStat, error) {
	var missing []string
	var stats []fsutil.FileStat
	for _, out := range a.Outputs {
		st, err := fsutil.Stat(out)
		if err != nil {
			missing = append(missing, out)
			continue
		}
		stats = append(stats, *st)
	}
	if len(missing) > 0 {
		return nil, &IncompleteOutputsError{Action: a.LongName(), Missing: missing}
	}
	return stats, nil
}

// outputDirs returns the distinct parent directories of the declared outputs.
func outputDirs(a *buildgraph.Action) []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, out := range a.Outputs {
		dir := filepath.Dir(out)
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

// commandEnv builds the process environment: the pass-through variables plus
// the action's declared environment in sorted order.
func commandEnv(declared map[string]string) []string {
	env := make([]string, 0, len(passthroughVars)+len(declared))
	for _, name := range passthroughVars {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	keys := make([]string, 0, len(declared))
	for k := range declared {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+declared[k])
	}
	return env
}
