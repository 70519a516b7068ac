package backend

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/anvil-build/anvil/internal/buildgraph"
	"github.com/anvil-build/anvil/internal/config"
	"github.com/anvil-build/anvil/internal/ctxlog"
)

// ninjaFileName is the build file the export backend writes.
const ninjaFileName = "build.ninja"

// ninjaBackend exports the action graph as a Ninja build file. It never
// executes actions itself: building is delegated to the ninja binary run by
// the user.
type ninjaBackend struct {
	w   *buildgraph.Workspace
	cfg *config.Config

	graph *buildgraph.ActionGraph
}

func newNinja(w *buildgraph.Workspace, cfg *config.Config) Backend {
	return &ninjaBackend{w: w, cfg: cfg}
}

func (b *ninjaBackend) path() string {
	return filepath.Join(b.cfg.BuildDir, ninjaFileName)
}

func (b *ninjaBackend) Generate(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)

	if err := os.MkdirAll(b.cfg.BuildDir, 0o755); err != nil {
		return err
	}
	if b.graph == nil {
		g, err := b.w.TranslateAll(ctx, b.cfg.BuildDir)
		if err != nil {
			return err
		}
		b.graph = g
	}
	actions, err := b.graph.TopoSort()
	if err != nil {
		return err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Generated by anvil. Do not edit.\nninja_required_version = 1.3\n\n")

	for i, a := range actions {
		writeNinjaAction(&sb, a, i)
	}

	var defaults []string
	for _, a := range actions {
		if len(a.Dependents()) == 0 {
			defaults = append(defaults, ninjaTargets(a)...)
		}
	}
	if len(defaults) > 0 {
		fmt.Fprintf(&sb, "default %s\n", strings.Join(defaults, " "))
	}

	if err := os.WriteFile(b.path(), []byte(sb.String()), 0o644); err != nil {
		return err
	}
	logger.Info("Ninja build file written.", "path", b.path(), "actions", len(actions))
	return nil
}

// Build regenerates the build file. Execution belongs to ninja; running it
// here would duplicate the external tool's scheduling and caching.
func (b *ninjaBackend) Build(ctx context.Context, targets []string) error {
	logger := ctxlog.FromContext(ctx)
	if err := b.Generate(ctx); err != nil {
		return err
	}
	logger.Info("Export backend does not execute actions; run ninja against the generated file.",
		"command", fmt.Sprintf("ninja -C %s", b.cfg.BuildDir))
	return nil
}

// Clean removes the generated build file.
func (b *ninjaBackend) Clean(ctx context.Context, targets []string) error {
	err := os.Remove(b.path())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// writeNinjaAction emits one rule/build pair. Each action gets its own rule
// because ninja rules carry the command line.
func writeNinjaAction(sb *strings.Builder, a *buildgraph.Action, idx int) {
	rule := fmt.Sprintf("r%d", idx)

	var cmds []string
	for _, argv := range a.Commands {
		cmds = append(cmds, shellquote.Join(argv...))
	}
	command := strings.Join(cmds, " && ")
	if command == "" {
		// No-op aggregation points become phony edges.
		fmt.Fprintf(sb, "build %s: phony %s\n\n",
			strings.Join(ninjaTargets(a), " "), strings.Join(ninjaDeps(a), " "))
		return
	}
	if a.Dir != "" {
		command = fmt.Sprintf("cd %s && %s", shellquote.Join(a.Dir), command)
	}

	fmt.Fprintf(sb, "rule %s\n  command = %s\n  description = %s\n", rule, command, a.LongName())
	fmt.Fprintf(sb, "build %s: %s %s", strings.Join(ninjaTargets(a), " "), rule,
		strings.Join(escapeNinjaPaths(a.Inputs), " "))
	if deps := ninjaDeps(a); len(deps) > 0 {
		fmt.Fprintf(sb, " | %s", strings.Join(deps, " "))
	}
	fmt.Fprintf(sb, "\n\n")
}

// ninjaTargets returns the action's output paths, or a phony name when it has
// none so the edge still exists in the ninja graph.
func ninjaTargets(a *buildgraph.Action) []string {
	if len(a.Outputs) > 0 {
		return escapeNinjaPaths(a.Outputs)
	}
	return []string{phonyName(a)}
}

// ninjaDeps returns the targets of the action's dependency edges.
func ninjaDeps(a *buildgraph.Action) []string {
	var deps []string
	for _, dep := range a.Deps() {
		deps = append(deps, ninjaTargets(dep)...)
	}
	return deps
}

func phonyName(a *buildgraph.Action) string {
	return ninjaEscape(strings.TrimPrefix(a.LongName(), "//"))
}

func escapeNinjaPaths(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, ninjaEscape(p))
	}
	return out
}

// ninjaEscape escapes the characters ninja treats specially in paths.
func ninjaEscape(s string) string {
	r := strings.NewReplacer(" ", "$ ", ":", "$:", "$", "$$")
	return r.Replace(s)
}
