package buildgraph

import (
	"context"
	"fmt"
)

// Translator is the single capability a target is polymorphic over: invoked
// exactly once per build invocation, it declares the actions that realise the
// target. Implementations are registered per target kind and must be free of
// side effects other than declaring actions.
type Translator interface {
	Translate(tc *TranslateContext) error
}

// TargetOptions carries the dependency declarations of a target. VisibleDeps
// defaults to Deps when nil; an explicit empty slice hides all deps from
// transitive dependents.
type TargetOptions struct {
	Deps        []string
	VisibleDeps []string
}

// Target is a declared build entity that translates into zero or more
// actions. It is owned by its scope for its whole lifetime and never mutated
// after translation.
type Target struct {
	scope *Scope
	name  string
	pos   string
	impl  Translator

	depRefs     []string
	visibleRefs []string
	visibleSet  bool

	deps            []*Target
	visibleDeps     []*Target
	depProducts     []*Product
	visibleProducts []*Product

	actions     map[string]*Action
	actionOrder []string
	translated  bool
}

// Name returns the target name, unique within its scope.
func (t *Target) Name() string { return t.name }

// Scope returns the owning scope.
func (t *Target) Scope() *Scope { return t.scope }

// LongName returns the absolute reference form `//scope:name`.
func (t *Target) LongName() string {
	return fmt.Sprintf("//%s:%s", t.scope.name, t.name)
}

// Deps returns the direct target dependencies.
func (t *Target) Deps() []*Target { return t.deps }

// VisibleDeps returns the dependencies re-exported to transitive dependents.
func (t *Target) VisibleDeps() []*Target { return t.visibleDeps }

// Actions returns the target's actions in declaration order. Empty before
// translation.
func (t *Target) Actions() []*Action {
	out := make([]*Action, 0, len(t.actionOrder))
	for _, id := range t.actionOrder {
		out = append(out, t.actions[id])
	}
	return out
}

// LeafActions returns the actions of t that no other action of t depends on.
// These are the actions dependents attach to.
func (t *Target) LeafActions() []*Action {
	interior := make(map[*Action]bool)
	for _, a := range t.Actions() {
		for _, dep := range a.Deps() {
			if dep.target == t {
				interior[dep] = true
			}
		}
	}
	var leaves []*Action
	for _, a := range t.Actions() {
		if !interior[a] {
			leaves = append(leaves, a)
		}
	}
	return leaves
}

// TransitiveDeps returns the direct deps plus the visible deps of everything
// reachable through visible edges, deduplicated in discovery order. This is
// how a dependent two hops away still observes, for example, a prebuilt
// archive.
func (t *Target) TransitiveDeps() []*Target {
	var out []*Target
	seen := make(map[*Target]bool)
	add := func(d *Target) bool {
		if seen[d] {
			return false
		}
		seen[d] = true
		out = append(out, d)
		return true
	}

	var walk func(d *Target)
	walk = func(d *Target) {
		for _, v := range d.visibleDeps {
			if add(v) {
				walk(v)
			}
		}
	}

	for _, d := range t.deps {
		if add(d) {
			walk(d)
		}
	}
	walk(t)
	return out
}

// TransitiveProducts returns the products observable from t: its own dep
// products plus the visible products of all transitive deps.
func (t *Target) TransitiveProducts() []*Product {
	var out []*Product
	seen := make(map[*Product]bool)
	add := func(ps []*Product) {
		for _, p := range ps {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	add(t.depProducts)
	add(t.visibleProducts)
	for _, d := range t.TransitiveDeps() {
		add(d.visibleProducts)
	}
	return out
}

// link resolves the recorded reference strings into graph edges and product
// attachments, and applies the visible-deps default.
func (t *Target) link(ctx context.Context) error {
	resolve := func(refs []string) (targets []*Target, products []*Product, err error) {
		for _, refStr := range refs {
			e, err := t.scope.ws.Resolve(ctx, refStr, t.scope)
			if err != nil {
				return nil, nil, fmt.Errorf("in deps of %s: %w", t.LongName(), err)
			}
			switch dep := e.(type) {
			case *Target:
				targets = append(targets, dep)
			case *Product:
				products = append(products, dep)
			}
		}
		return targets, products, nil
	}

	var err error
	t.deps, t.depProducts, err = resolve(t.depRefs)
	if err != nil {
		return err
	}
	if t.visibleSet {
		t.visibleDeps, t.visibleProducts, err = resolve(t.visibleRefs)
		if err != nil {
			return err
		}
	} else {
		t.visibleDeps = t.deps
		t.visibleProducts = t.depProducts
	}
	return nil
}

// allDeps returns deps and visible deps as a single edge list for cycle
// detection.
func (t *Target) allDeps() []*Target {
	if !t.visibleSet {
		return t.deps
	}
	out := make([]*Target, 0, len(t.deps)+len(t.visibleDeps))
	seen := make(map[*Target]bool)
	for _, d := range t.deps {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	for _, d := range t.visibleDeps {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

func (t *Target) addAction(a *Action) error {
	if _, ok := t.actions[a.id]; ok {
		return &DuplicateActionError{Target: t.LongName(), ID: a.id}
	}
	t.actions[a.id] = a
	t.actionOrder = append(t.actionOrder, a.id)
	return nil
}
