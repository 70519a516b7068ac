package buildgraph

import (
	"fmt"
	"sort"
)

// ActionSpec declares a new action. Inputs and outputs must be fully and
// consistently declared; the dirty-check and cache key are only correct for
// what is declared here.
type ActionSpec struct {
	// Inputs are file paths consumed by the commands, relative to the owning
	// scope's directory unless absolute.
	Inputs []string

	// Outputs are file paths produced by the commands, relative to the build
	// directory unless absolute.
	Outputs []string

	// Commands are the argv vectors run in order. An action with no commands
	// is a no-op that exists only to carry dependency edges.
	Commands [][]string

	// Env is the complete explicit environment of the commands. It is part
	// of the hash key; ambient shell state is not.
	Env map[string]string

	// Dir is the working directory for the commands. Empty means the scope
	// directory.
	Dir string

	// Buffered captures command output and emits it only on failure.
	Buffered bool

	// Deps may contain *Action values, *Target values (standing for the
	// target's leaf actions) and strings naming sibling actions of the same
	// target.
	Deps []any
}

// Action is a concrete unit of work: a node of the action DAG. Actions must
// behave as pure functions of their declared inputs.
type Action struct {
	target *Target
	id     string

	Inputs   []string
	Outputs  []string
	Commands [][]string
	Env      map[string]string
	Dir      string
	Buffered bool

	deps       map[string]*Action
	dependents map[string]*Action

	hashKey string
}

// Target returns the owning target.
func (a *Action) Target() *Target { return a.target }

// ID returns the identifier, unique within the owning target.
func (a *Action) ID() string { return a.id }

// LongName returns the globally unique name `//scope:target!id`.
func (a *Action) LongName() string {
	return fmt.Sprintf("%s!%s", a.target.LongName(), a.id)
}

// NoOp reports whether the action carries no commands and exists only to
// preserve dependency edges.
func (a *Action) NoOp() bool { return len(a.Commands) == 0 }

// Deps returns the direct dependency actions in a deterministic order.
func (a *Action) Deps() []*Action { return sortedActions(a.deps) }

// Dependents returns the direct dependent actions in a deterministic order.
func (a *Action) Dependents() []*Action { return sortedActions(a.dependents) }

func (a *Action) dependOn(dep *Action) {
	if dep == a {
		return
	}
	if _, ok := a.deps[dep.LongName()]; ok {
		return
	}
	a.deps[dep.LongName()] = dep
	dep.dependents[a.LongName()] = a
}

func sortedActions(m map[string]*Action) []*Action {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*Action, 0, len(names))
	for _, name := range names {
		out = append(out, m[name])
	}
	return out
}
