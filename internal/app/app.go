// Package app is the composition root: it assembles the workspace, backend
// and logger for one invocation and runs the requested command.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/anvil-build/anvil/internal/backend"
	"github.com/anvil-build/anvil/internal/buildgraph"
	"github.com/anvil-build/anvil/internal/config"
	"github.com/anvil-build/anvil/internal/ctxlog"
	"github.com/anvil-build/anvil/internal/manifest"
)

// App encapsulates the application's dependencies, configuration and
// lifecycle.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	cfg    *config.Config
}

// New returns a fully initialized App with its own isolated logger.
func New(outW io.Writer, cfg *config.Config) *App {
	return &App{
		outW:   outW,
		logger: newLogger(cfg.LogLevel, cfg.LogFormat, outW),
		cfg:    cfg,
	}
}

// Run loads and links the workspace, then dispatches the command to the
// configured backend.
func (a *App) Run(ctx context.Context, command string, targets []string) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("Starting invocation.",
		"command", command,
		"workspace", a.cfg.WorkspaceDir,
		"buildDir", a.cfg.BuildDir,
		"backend", a.cfg.Backend)

	w := buildgraph.NewWorkspace()
	if err := manifest.LoadWorkspace(ctx, w, a.cfg.WorkspaceDir); err != nil {
		return err
	}
	if err := w.Link(ctx); err != nil {
		return err
	}

	b, err := backend.New(a.cfg.Backend, w, a.cfg)
	if err != nil {
		return err
	}

	switch command {
	case "generate":
		return b.Generate(ctx)
	case "build":
		return b.Build(ctx, targets)
	case "clean":
		return b.Clean(ctx, targets)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}
