package buildgraph

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/anvil-build/anvil/internal/ctxlog"
)

// ActionGraph is the DAG of all actions for one build invocation. It is built
// once by TranslateAll, read during scheduling, and discarded after the run.
type ActionGraph struct {
	actions map[string]*Action
	order   []string

	buildDir string
	digests  *digestCache
}

// Actions returns every action in translation order.
func (g *ActionGraph) Actions() []*Action {
	out := make([]*Action, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.actions[name])
	}
	return out
}

// Action returns the action with the given long name.
func (g *ActionGraph) Action(longName string) (*Action, bool) {
	a, ok := g.actions[longName]
	return a, ok
}

// BuildDir returns the directory output paths are interpreted against.
func (g *ActionGraph) BuildDir() string { return g.buildDir }

// Closure returns the requested actions plus everything they transitively
// depend on. A nil request selects the whole graph.
func (g *ActionGraph) Closure(requested []*Action) map[string]*Action {
	if requested == nil {
		return g.actions
	}
	closure := make(map[string]*Action)
	var visit func(a *Action)
	visit = func(a *Action) {
		if _, ok := closure[a.LongName()]; ok {
			return
		}
		closure[a.LongName()] = a
		for _, dep := range a.Deps() {
			visit(dep)
		}
	}
	for _, a := range requested {
		visit(a)
	}
	return closure
}

// TopoSort returns the actions in dependency order. Translation cannot
// introduce a cycle across targets (the target graph is validated first), but
// a translator could wire one among its own actions; that is reported as a
// *CycleError.
func (g *ActionGraph) TopoSort() ([]*Action, error) {
	visiting := make(map[*Action]bool)
	visited := make(map[*Action]bool)
	var out []*Action

	var visit func(a *Action) error
	visit = func(a *Action) error {
		visiting[a] = true
		for _, dep := range a.Deps() {
			if visiting[dep] {
				return &CycleError{Members: []string{dep.LongName(), a.LongName(), dep.LongName()}}
			}
			if !visited[dep] {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		delete(visiting, a)
		visited[a] = true
		out = append(out, a)
		return nil
	}

	for _, a := range g.Actions() {
		if !visited[a] {
			if err := visit(a); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// TranslateContext is handed to a target's translator. It is the only way to
// declare actions.
type TranslateContext struct {
	ctx    context.Context
	graph  *ActionGraph
	target *Target
}

// Context returns the invocation context, for logging.
func (tc *TranslateContext) Context() context.Context { return tc.ctx }

// Target returns the target being translated.
func (tc *TranslateContext) Target() *Target { return tc.target }

// BuildDir returns the directory relative output paths resolve against.
func (tc *TranslateContext) BuildDir() string { return tc.graph.buildDir }

// ScopeDir returns the directory relative input paths resolve against.
func (tc *TranslateContext) ScopeDir() string { return tc.target.scope.dir }

// DepActions returns the already-translated leaf actions of a dependency.
// Dependencies are always translated before dependents, so this is safe to
// call for any target in Target().Deps() or its transitive deps.
func (tc *TranslateContext) DepActions(dep *Target) []*Action {
	return dep.LeafActions()
}

// NewAction declares an action on the target being translated. The id must
// be unique within the target.
func (tc *TranslateContext) NewAction(id string, spec ActionSpec) (*Action, error) {
	t := tc.target
	a := &Action{
		target:     t,
		id:         id,
		Inputs:     absAll(spec.Inputs, t.scope.dir),
		Outputs:    absAll(spec.Outputs, tc.graph.buildDir),
		Commands:   spec.Commands,
		Env:        spec.Env,
		Dir:        spec.Dir,
		Buffered:   spec.Buffered,
		deps:       make(map[string]*Action),
		dependents: make(map[string]*Action),
	}
	if a.Dir == "" {
		a.Dir = t.scope.dir
	}

	for _, dep := range spec.Deps {
		switch d := dep.(type) {
		case *Action:
			a.dependOn(d)
		case *Target:
			for _, leaf := range d.LeafActions() {
				a.dependOn(leaf)
			}
		case string:
			sibling, ok := t.actions[d]
			if !ok {
				return nil, fmt.Errorf("action %s depends on unknown sibling action %q", a.LongName(), d)
			}
			a.dependOn(sibling)
		default:
			return nil, fmt.Errorf("action %s: dependency must be *Action, *Target or string, got %T", a.LongName(), dep)
		}
	}

	if err := t.addAction(a); err != nil {
		return nil, err
	}
	g := tc.graph
	g.actions[a.LongName()] = a
	g.order = append(g.order, a.LongName())
	return a, nil
}

// TranslateAll visits every target in dependency order exactly once, invokes
// its translator, and links the resulting actions. Target-graph edges are
// inherited: every root action of a target depends on the leaf actions of the
// target's deps, so aggregation-only targets still order the build correctly.
func (w *Workspace) TranslateAll(ctx context.Context, buildDir string) (*ActionGraph, error) {
	logger := ctxlog.FromContext(ctx)
	if !w.linked {
		return nil, fmt.Errorf("workspace must be linked before translation")
	}
	if w.translated {
		return nil, fmt.Errorf("workspace already translated")
	}
	w.translated = true

	g := &ActionGraph{
		actions:  make(map[string]*Action),
		buildDir: buildDir,
		digests:  newDigestCache(),
	}

	var translate func(t *Target) error
	translate = func(t *Target) error {
		if t.translated {
			return nil
		}
		for _, dep := range t.allDeps() {
			if err := translate(dep); err != nil {
				return err
			}
		}
		t.translated = true

		tc := &TranslateContext{ctx: ctx, graph: g, target: t}
		if err := t.impl.Translate(tc); err != nil {
			return fmt.Errorf("translating %s: %w", t.LongName(), err)
		}

		// Inherit target-graph edges onto actions that declared none.
		for _, a := range t.Actions() {
			if len(a.deps) > 0 {
				continue
			}
			for _, dep := range t.deps {
				for _, leaf := range dep.LeafActions() {
					a.dependOn(leaf)
				}
			}
		}
		logger.Debug("Target translated.", "target", t.LongName(), "actions", len(t.actions))
		return nil
	}

	for _, t := range w.Targets() {
		if err := translate(t); err != nil {
			return nil, err
		}
	}
	logger.Debug("Translation complete.", "actions", len(g.actions))
	return g, nil
}

func absAll(paths []string, base string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		out = append(out, filepath.Clean(p))
	}
	return out
}
