// Package stash implements the content-addressed output cache. A stash is a
// bundle of output files stored under an action's hash key; before running an
// action the engine asks the configured backends for a stash, and after a
// successful run it may upload one.
//
// Backends are chained: lookups walk the chain in order and the first hit
// wins, uploads go to every writable backend. A corrupted stash is reported
// as a CorruptionError and treated as a miss, never as a build failure.
package stash

import (
	"context"
	"fmt"

	"github.com/anvil-build/anvil/internal/fsutil"
)

// Entry describes one file inside a stash. Name is the path relative to the
// directory the stash is materialized into, always slash-separated.
type Entry struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Digest string `json:"digest"`
}

// manifest is the serialized index of a stash.
type manifest struct {
	Key     string  `json:"key"`
	Entries []Entry `json:"entries"`
}

const manifestName = "manifest.json"

// Backend stores and retrieves stashes by hash key.
type Backend interface {
	// Name identifies the backend in log output.
	Name() string

	// ReadOnly reports whether Upload is unsupported.
	ReadOnly() bool

	// Find reports whether a stash exists for the key.
	Find(ctx context.Context, key string) (bool, error)

	// Materialize restores the stash's files into destDir and returns their
	// verified stats. A stash whose content does not match its manifest
	// yields a *CorruptionError.
	Materialize(ctx context.Context, key, destDir string) ([]fsutil.FileStat, error)

	// Upload stores the named files, resolved relative to baseDir, under key.
	// Uploading over an existing key is a no-op.
	Upload(ctx context.Context, key string, baseDir string, names []string) error
}

// CorruptionError reports a stash whose stored content disagrees with its
// manifest. Callers treat it as a cache miss.
type CorruptionError struct {
	Backend string
	Key     string
	Reason  string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupt stash %s in backend %q: %s", e.Key, e.Backend, e.Reason)
}

// buildManifest stats the named files under baseDir.
func buildManifest(key, baseDir string, names []string) (*manifest, error) {
	m := &manifest{Key: key}
	for _, name := range names {
		st, err := fsutil.Stat(joinName(baseDir, name))
		if err != nil {
			return nil, fmt.Errorf("stashing %s: %w", name, err)
		}
		m.Entries = append(m.Entries, Entry{Name: name, Size: st.Size, Digest: st.Digest})
	}
	return m, nil
}
