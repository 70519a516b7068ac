// Package manifest loads build manifests into a workspace. Manifests are HCL
// files named *.anvil.hcl; each file contributes targets and products to one
// scope. Paths and commands may use the {build} and {scope} placeholders,
// resolved at translation time.
package manifest

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/anvil-build/anvil/internal/buildgraph"
	"github.com/anvil-build/anvil/internal/ctxlog"
	"github.com/anvil-build/anvil/internal/fsutil"
)

// Extension is the suffix manifest files must carry.
const Extension = ".anvil.hcl"

var fileSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "scope", LabelNames: []string{"name"}},
		{Type: "target", LabelNames: []string{"kind", "name"}},
		{Type: "product", LabelNames: []string{"name"}},
	},
}

// commonTargetFields are the attributes every target kind shares. The rest of
// the block body is handed to the kind's factory.
type commonTargetFields struct {
	Deps        []string  `hcl:"deps,optional"`
	VisibleDeps *[]string `hcl:"visible_deps,optional"`
	Remain      hcl.Body  `hcl:",remain"`
}

type hclProduct struct {
	Kind string            `hcl:"kind"`
	Data map[string]string `hcl:"data,optional"`
}

// LoadWorkspace discovers every manifest under rootDir and declares its
// targets and products. References are not resolved here; callers must Link
// the workspace afterwards, which is what allows manifests to reference each
// other regardless of load order.
func LoadWorkspace(ctx context.Context, w *buildgraph.Workspace, rootDir string) error {
	logger := ctxlog.FromContext(ctx)

	files, err := fsutil.FindFilesByExtension(rootDir, Extension)
	if err != nil {
		return fmt.Errorf("finding manifests in %s: %w", rootDir, err)
	}
	if len(files) == 0 {
		logger.Warn("No manifest files found.", "dir", rootDir, "extension", Extension)
		return nil
	}

	parser := hclparse.NewParser()
	for _, file := range files {
		if err := loadFile(ctx, w, parser, rootDir, file); err != nil {
			return err
		}
	}
	logger.Debug("Manifests loaded.", "files", len(files))
	return nil
}

func loadFile(ctx context.Context, w *buildgraph.Workspace, parser *hclparse.Parser, rootDir, path string) error {
	hclFile, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return fmt.Errorf("parsing manifest %s: %w", path, diags)
	}
	content, diags := hclFile.Body.Content(fileSchema)
	if diags.HasErrors() {
		return fmt.Errorf("decoding manifest %s: %w", path, diags)
	}

	scopeName, err := scopeNameFor(content, rootDir, path)
	if err != nil {
		return err
	}
	scope, err := w.Scope(scopeName, filepath.Dir(path))
	if err != nil {
		return err
	}
	evalCtx := evalContext(scope)

	for _, block := range content.Blocks {
		switch block.Type {
		case "scope":
			// Handled by scopeNameFor.
		case "target":
			if err := declareTarget(scope, block, evalCtx); err != nil {
				return err
			}
		case "product":
			if err := declareProduct(scope, block, evalCtx); err != nil {
				return err
			}
		}
	}
	return nil
}

// evalContext exposes the scope's identity to expressions in the manifest,
// e.g. `commands = ["tar cf ${scope.name}.tar ."]`.
func evalContext(scope *buildgraph.Scope) *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"scope": cty.ObjectVal(map[string]cty.Value{
				"name": cty.StringVal(scope.Name()),
				"dir":  cty.StringVal(scope.Dir()),
			}),
		},
	}
}

// scopeNameFor returns the file's scope: the explicit `scope "name" {}` block
// when present, otherwise a name derived from the directory relative to the
// workspace root.
func scopeNameFor(content *hcl.BodyContent, rootDir, path string) (string, error) {
	var name string
	for _, block := range content.Blocks {
		if block.Type != "scope" {
			continue
		}
		if name != "" {
			return "", fmt.Errorf("%s: duplicate scope block", block.DefRange)
		}
		name = block.Labels[0]
	}
	if name != "" {
		return name, nil
	}

	rel, err := filepath.Rel(rootDir, filepath.Dir(path))
	if err != nil {
		return "", err
	}
	if rel == "." {
		return "root", nil
	}
	return filepath.ToSlash(rel), nil
}

func declareTarget(scope *buildgraph.Scope, block *hcl.Block, evalCtx *hcl.EvalContext) error {
	kind, name := block.Labels[0], block.Labels[1]
	pos := block.DefRange.String()

	factory, ok := factories[kind]
	if !ok {
		return fmt.Errorf("%s: unknown target kind %q (known: %s)", pos, kind, knownKinds())
	}

	var common commonTargetFields
	if diags := gohcl.DecodeBody(block.Body, evalCtx, &common); diags.HasErrors() {
		return fmt.Errorf("%s: %w", pos, diags)
	}
	impl, err := factory(common.Remain, evalCtx)
	if err != nil {
		return fmt.Errorf("%s: %w", pos, err)
	}

	opts := buildgraph.TargetOptions{Deps: common.Deps}
	if common.VisibleDeps != nil {
		vd := *common.VisibleDeps
		if vd == nil {
			// `visible_deps = []` means hide everything, which is distinct
			// from the attribute being absent.
			vd = []string{}
		}
		opts.VisibleDeps = vd
	}
	_, err = scope.DeclareTarget(name, pos, impl, opts)
	return err
}

func declareProduct(scope *buildgraph.Scope, block *hcl.Block, evalCtx *hcl.EvalContext) error {
	pos := block.DefRange.String()
	var p hclProduct
	if diags := gohcl.DecodeBody(block.Body, evalCtx, &p); diags.HasErrors() {
		return fmt.Errorf("%s: %w", pos, diags)
	}
	_, err := scope.DeclareProduct(block.Labels[0], p.Kind, p.Data)
	return err
}
