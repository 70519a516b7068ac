package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/anvil-build/anvil/internal/app"
	"github.com/anvil-build/anvil/internal/cli"
)

// main is the entrypoint for the anvil binary.
func main() {
	// Use a minimal logger until the full one is configured.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := run(os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.ExitCode(err))
	}
}

// run encapsulates the main application logic for easier testing and error
// handling.
func run(outW io.Writer, args []string) error {
	inv, shouldExit, err := cli.Parse(args, outW)
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}

	a := app.New(outW, inv.Config)
	return a.Run(context.Background(), inv.Command, inv.Targets)
}
