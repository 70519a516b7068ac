package manifest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/kballard/go-shellquote"

	"github.com/anvil-build/anvil/internal/buildgraph"
)

// Factory turns the kind-specific remainder of a target block into a
// translator. Kinds are dispatched through this table instead of probing the
// block's attributes at translation time.
type Factory func(body hcl.Body, evalCtx *hcl.EvalContext) (buildgraph.Translator, error)

var factories = map[string]Factory{
	"command": newCommandTarget,
	"genfile": newGenfileTarget,
	"group":   newGroupTarget,
}

// Register adds a target kind. Intended for embedders; the built-in kinds are
// registered at init.
func Register(kind string, f Factory) {
	if _, ok := factories[kind]; ok {
		panic(fmt.Sprintf("target kind %q registered twice", kind))
	}
	factories[kind] = f
}

func knownKinds() string {
	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return strings.Join(kinds, ", ")
}

// commandTarget runs shell-style command lines over declared inputs and
// outputs. Command strings are split with shell quoting rules; no shell is
// involved at run time.
type commandTarget struct {
	Inputs   []string          `hcl:"inputs,optional"`
	Outputs  []string          `hcl:"outputs,optional"`
	Commands []string          `hcl:"commands"`
	Env      map[string]string `hcl:"env,optional"`
	Dir      string            `hcl:"dir,optional"`
	Buffered bool              `hcl:"buffered,optional"`
}

func newCommandTarget(body hcl.Body, evalCtx *hcl.EvalContext) (buildgraph.Translator, error) {
	var t commandTarget
	if diags := gohcl.DecodeBody(body, evalCtx, &t); diags.HasErrors() {
		return nil, diags
	}
	if len(t.Commands) == 0 {
		return nil, fmt.Errorf("command target needs at least one command")
	}
	return &t, nil
}

func (t *commandTarget) Translate(tc *buildgraph.TranslateContext) error {
	argvs := make([][]string, 0, len(t.Commands))
	for _, line := range t.Commands {
		argv, err := shellquote.Split(line)
		if err != nil {
			return fmt.Errorf("target %s: bad command %q: %w", tc.Target().LongName(), line, err)
		}
		if len(argv) == 0 {
			return fmt.Errorf("target %s: empty command", tc.Target().LongName())
		}
		argvs = append(argvs, expandAll(tc, argv))
	}
	_, err := tc.NewAction("run", buildgraph.ActionSpec{
		Inputs:   expandAll(tc, t.Inputs),
		Outputs:  expandAll(tc, t.Outputs),
		Commands: argvs,
		Env:      t.Env,
		Dir:      expand(tc, t.Dir),
		Buffered: t.Buffered,
	})
	return err
}

// expand resolves the {build} and {scope} placeholders. They are the only way
// a manifest can name files outside its own directory, since the build
// directory is chosen per invocation.
func expand(tc *buildgraph.TranslateContext, s string) string {
	s = strings.ReplaceAll(s, "{build}", tc.BuildDir())
	return strings.ReplaceAll(s, "{scope}", tc.ScopeDir())
}

func expandAll(tc *buildgraph.TranslateContext, ss []string) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		out = append(out, expand(tc, s))
	}
	return out
}

// genfileTarget writes a literal string to an output file.
type genfileTarget struct {
	Output  string `hcl:"output"`
	Content string `hcl:"content"`
}

func newGenfileTarget(body hcl.Body, evalCtx *hcl.EvalContext) (buildgraph.Translator, error) {
	var t genfileTarget
	if diags := gohcl.DecodeBody(body, evalCtx, &t); diags.HasErrors() {
		return nil, diags
	}
	return &t, nil
}

func (t *genfileTarget) Translate(tc *buildgraph.TranslateContext) error {
	// The content rides inside the command line, so it participates in the
	// hash key without a separate input file. The command runs in the build
	// directory so only relative paths appear in it.
	_, err := tc.NewAction("write", buildgraph.ActionSpec{
		Outputs: []string{t.Output},
		Dir:     tc.BuildDir(),
		Commands: [][]string{
			{"sh", "-c", "printf '%s' " + shellquote.Join(t.Content) + " > " + shellquote.Join(t.Output)},
		},
		Buffered: true,
	})
	return err
}

// groupTarget aggregates its deps behind a single no-op action.
type groupTarget struct{}

func newGroupTarget(body hcl.Body, evalCtx *hcl.EvalContext) (buildgraph.Translator, error) {
	var t groupTarget
	if diags := gohcl.DecodeBody(body, evalCtx, &struct{}{}); diags.HasErrors() {
		return nil, diags
	}
	return &t, nil
}

func (t *groupTarget) Translate(tc *buildgraph.TranslateContext) error {
	_, err := tc.NewAction("all", buildgraph.ActionSpec{})
	return err
}
