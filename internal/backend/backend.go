// Package backend defines the drivers behind the generate, build and clean
// operations. The in-process driver runs actions itself; export drivers emit
// build files for an external tool and never execute anything.
package backend

import (
	"context"
	"sort"

	"github.com/anvil-build/anvil/internal/buildgraph"
	"github.com/anvil-build/anvil/internal/config"
)

// Backend drives one invocation over a linked workspace.
type Backend interface {
	// Generate produces whatever artifacts the backend needs ahead of
	// building. For export backends this writes the external build file.
	Generate(ctx context.Context) error

	// Build realises the requested targets. Empty means every target.
	Build(ctx context.Context, targets []string) error

	// Clean removes the outputs of the requested targets. Missing outputs
	// are not an error.
	Clean(ctx context.Context, targets []string) error
}

type factory func(w *buildgraph.Workspace, cfg *config.Config) Backend

var registry = map[string]factory{
	"local": newLocal,
	"ninja": newNinja,
}

// New returns the named backend over a linked workspace. Unknown names are a
// configuration error listing the alternatives.
func New(name string, w *buildgraph.Workspace, cfg *config.Config) (Backend, error) {
	f, ok := registry[name]
	if !ok {
		return nil, &config.UnknownBackendError{Name: name, Known: Names()}
	}
	return f(w, cfg), nil
}

// Names lists the registered backends, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
