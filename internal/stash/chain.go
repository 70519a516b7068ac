package stash

import (
	"context"
	"errors"
	"log/slog"

	"github.com/anvil-build/anvil/internal/ctxlog"
	"github.com/anvil-build/anvil/internal/fsutil"
)

// Chain composes backends in priority order. Lookups return the first usable
// hit; a backend error or corrupt stash demotes to the next backend. Uploads
// fan out to every writable backend.
type Chain struct {
	backends []Backend
}

// NewChain builds a chain over the given backends, earlier entries queried
// first.
func NewChain(backends ...Backend) *Chain {
	return &Chain{backends: backends}
}

func (c *Chain) Name() string { return "chain" }

func (c *Chain) ReadOnly() bool {
	for _, b := range c.backends {
		if !b.ReadOnly() {
			return false
		}
	}
	return true
}

func (c *Chain) Find(ctx context.Context, key string) (bool, error) {
	logger := ctxlog.FromContext(ctx)
	for _, b := range c.backends {
		found, err := b.Find(ctx, key)
		if err != nil {
			logger.Warn("Stash lookup failed, trying next backend.",
				slog.String("backend", b.Name()), slog.Any("error", err))
			continue
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

// Materialize restores the stash from the first backend that can deliver it
// intact and returns (nil, nil) when none can. Corrupt or erroring backends
// are logged and skipped, so a poisoned cache degrades to a miss instead of
// failing the build.
func (c *Chain) Materialize(ctx context.Context, key, destDir string) ([]fsutil.FileStat, error) {
	logger := ctxlog.FromContext(ctx)
	for _, b := range c.backends {
		found, err := b.Find(ctx, key)
		if err != nil || !found {
			continue
		}
		stats, err := b.Materialize(ctx, key, destDir)
		if err == nil {
			return stats, nil
		}
		var corrupt *CorruptionError
		if errors.As(err, &corrupt) {
			logger.Warn("Ignoring corrupt stash.",
				slog.String("backend", corrupt.Backend),
				slog.String("key", key),
				slog.String("reason", corrupt.Reason))
			continue
		}
		logger.Warn("Stash retrieval failed, trying next backend.",
			slog.String("backend", b.Name()), slog.Any("error", err))
	}
	return nil, nil
}

func (c *Chain) Upload(ctx context.Context, key, baseDir string, names []string) error {
	var firstErr error
	for _, b := range c.backends {
		if b.ReadOnly() {
			continue
		}
		if err := b.Upload(ctx, key, baseDir, names); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
