package buildgraph

import (
	"context"
	"fmt"

	"github.com/anvil-build/anvil/internal/ctxlog"
)

// Scope is a namespace for uniquely-named targets and products. Scopes are
// created when a manifest is first loaded and are immutable afterwards except
// for target and product registration.
type Scope struct {
	ws   *Workspace
	name string
	dir  string

	targets     map[string]*Target
	targetOrder []string
	products    map[string]*Product
}

// Name returns the unique scope name.
func (s *Scope) Name() string { return s.name }

// Dir returns the directory the scope's manifest was loaded from. Input paths
// of the scope's actions are interpreted relative to it.
func (s *Scope) Dir() string { return s.dir }

// Targets returns the scope's targets in declaration order.
func (s *Scope) Targets() []*Target {
	out := make([]*Target, 0, len(s.targetOrder))
	for _, name := range s.targetOrder {
		out = append(out, s.targets[name])
	}
	return out
}

// DeclareTarget registers a target in the scope. The name must be unique
// within the scope; pos identifies the declaration site for error reporting.
// Dependency references are recorded as strings and resolved later by
// Workspace.Link, so forward references across manifests are legal.
func (s *Scope) DeclareTarget(name, pos string, impl Translator, opts TargetOptions) (*Target, error) {
	if s.ws.linked {
		return nil, fmt.Errorf("scope %q: cannot declare target %q after linking", s.name, name)
	}
	if prev, ok := s.targets[name]; ok {
		return nil, &DuplicateTargetError{
			Name:   fmt.Sprintf("//%s:%s", s.name, name),
			First:  prev.pos,
			Second: pos,
		}
	}

	t := &Target{
		scope:       s,
		name:        name,
		pos:         pos,
		impl:        impl,
		depRefs:     opts.Deps,
		visibleRefs: opts.VisibleDeps,
		visibleSet:  opts.VisibleDeps != nil,
		actions:     make(map[string]*Action),
	}
	s.targets[name] = t
	s.targetOrder = append(s.targetOrder, name)
	return t, nil
}

// DeclareProduct registers a product in the scope.
func (s *Scope) DeclareProduct(name, kind string, data map[string]string) (*Product, error) {
	if _, ok := s.products[name]; ok {
		return nil, &DuplicateProductError{Name: fmt.Sprintf("//%s:%s", s.name, name)}
	}
	p := &Product{scope: s, name: name, Kind: kind, Data: data}
	s.products[name] = p
	return p, nil
}

// Entity is anything a reference can resolve to: a *Target or a *Product.
type Entity interface {
	LongName() string
}

// Workspace accumulates scopes and, once linked, exposes the validated target
// graph.
type Workspace struct {
	scopes     map[string]*Scope
	scopeOrder []string
	linked     bool
	translated bool
}

// NewWorkspace returns an empty workspace.
func NewWorkspace() *Workspace {
	return &Workspace{scopes: make(map[string]*Scope)}
}

// Scope returns the named scope, creating it rooted at dir on first use. A
// second registration with a different directory is an error.
func (w *Workspace) Scope(name, dir string) (*Scope, error) {
	if s, ok := w.scopes[name]; ok {
		if s.dir != dir {
			return nil, fmt.Errorf("scope %q registered for both %s and %s", name, s.dir, dir)
		}
		return s, nil
	}
	s := &Scope{
		ws:       w,
		name:     name,
		dir:      dir,
		targets:  make(map[string]*Target),
		products: make(map[string]*Product),
	}
	w.scopes[name] = s
	w.scopeOrder = append(w.scopeOrder, name)
	return s, nil
}

// Targets returns every target across all scopes in declaration order.
func (w *Workspace) Targets() []*Target {
	var out []*Target
	for _, name := range w.scopeOrder {
		out = append(out, w.scopes[name].Targets()...)
	}
	return out
}

// Resolve resolves a reference string against the current scope. Products are
// consulted before targets, so a product shadows a target of the same name.
func (w *Workspace) Resolve(ctx context.Context, refStr string, current *Scope) (Entity, error) {
	ref, err := ParseRef(refStr)
	if err != nil {
		return nil, err
	}
	if ref.Scope == "" {
		if current == nil {
			return nil, &UnresolvedRefError{Ref: ref}
		}
		ref = ref.In(current.name)
	}

	scope, ok := w.scopes[ref.Scope]
	if !ok {
		return nil, &UnresolvedRefError{Ref: ref}
	}
	if p, ok := scope.products[ref.Name]; ok {
		if _, shadowed := scope.targets[ref.Name]; shadowed {
			ctxlog.FromContext(ctx).Debug("Product shadows target of the same name.", "ref", ref.String())
		}
		return p, nil
	}
	if t, ok := scope.targets[ref.Name]; ok {
		return t, nil
	}
	return nil, &UnresolvedRefError{Ref: ref}
}

// ResolveTarget resolves a reference that must name a target.
func (w *Workspace) ResolveTarget(ctx context.Context, refStr string, current *Scope) (*Target, error) {
	e, err := w.Resolve(ctx, refStr, current)
	if err != nil {
		return nil, err
	}
	t, ok := e.(*Target)
	if !ok {
		return nil, fmt.Errorf("reference %q names a product, not a target", refStr)
	}
	return t, nil
}

// Link resolves every declared dependency reference, applies the visible-deps
// default, and eagerly rejects dependency cycles. It must be called exactly
// once, after all manifests have been loaded and before translation.
func (w *Workspace) Link(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	if w.linked {
		return fmt.Errorf("workspace already linked")
	}

	for _, t := range w.Targets() {
		if err := t.link(ctx); err != nil {
			return err
		}
	}
	logger.Debug("Reference resolution complete.", "targets", len(w.Targets()))

	if err := w.detectCycles(); err != nil {
		return err
	}
	logger.Debug("Target graph cycle detection passed.")

	w.linked = true
	return nil
}

// detectCycles runs a DFS over the linked target graph and reports the first
// cycle found, naming its full membership.
func (w *Workspace) detectCycles() error {
	visiting := make(map[*Target]bool)
	visited := make(map[*Target]bool)
	var stack []*Target

	var visit func(t *Target) error
	visit = func(t *Target) error {
		visiting[t] = true
		stack = append(stack, t)
		for _, dep := range t.allDeps() {
			if visiting[dep] {
				return cycleFrom(stack, dep)
			}
			if !visited[dep] {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		delete(visiting, t)
		visited[t] = true
		return nil
	}

	for _, t := range w.Targets() {
		if !visited[t] {
			if err := visit(t); err != nil {
				return err
			}
		}
	}
	return nil
}

// cycleFrom trims the DFS stack down to the cycle members, starting and
// ending at the repeated target.
func cycleFrom(stack []*Target, repeat *Target) error {
	var members []string
	seen := false
	for _, t := range stack {
		if t == repeat {
			seen = true
		}
		if seen {
			members = append(members, t.LongName())
		}
	}
	members = append(members, repeat.LongName())
	return &CycleError{Members: members}
}
