package stash

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/anvil-build/anvil/internal/fsutil"
)

// Local stores stashes as directories on the local file system, one directory
// per hash key with a manifest.json alongside the files. Writes go through a
// uniquely named staging directory and a rename, so concurrent builds sharing
// a cache directory never observe a half-written stash.
type Local struct {
	root string
}

// NewLocal returns a backend rooted at dir, creating it if needed.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating stash dir %s: %w", dir, err)
	}
	return &Local{root: dir}, nil
}

func (l *Local) Name() string   { return "local" }
func (l *Local) ReadOnly() bool { return false }

func (l *Local) stashDir(key string) string {
	return filepath.Join(l.root, keyPathSegment(key))
}

func (l *Local) Find(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(filepath.Join(l.stashDir(key), manifestName))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (l *Local) Materialize(_ context.Context, key, destDir string) ([]fsutil.FileStat, error) {
	dir := l.stashDir(key)
	bs, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(bs, &m); err != nil {
		return nil, &CorruptionError{Backend: l.Name(), Key: key, Reason: "unreadable manifest: " + err.Error()}
	}

	var stats []fsutil.FileStat
	for _, e := range m.Entries {
		src := joinName(dir, e.Name)
		dst := joinName(destDir, e.Name)
		if err := fsutil.CopyFile(src, dst); err != nil {
			return nil, &CorruptionError{Backend: l.Name(), Key: key, Reason: "missing file " + e.Name}
		}
		st, err := fsutil.Stat(dst)
		if err != nil {
			return nil, err
		}
		if st.Digest != e.Digest {
			return nil, &CorruptionError{Backend: l.Name(), Key: key, Reason: "checksum mismatch on " + e.Name}
		}
		stats = append(stats, *st)
	}
	return stats, nil
}

func (l *Local) Upload(_ context.Context, key, baseDir string, names []string) error {
	final := l.stashDir(key)
	if _, err := os.Stat(final); err == nil {
		return nil
	}

	m, err := buildManifest(key, baseDir, names)
	if err != nil {
		return err
	}

	staging := filepath.Join(l.root, ".staging-"+uuid.NewString())
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	for _, e := range m.Entries {
		if err := fsutil.CopyFile(joinName(baseDir, e.Name), joinName(staging, e.Name)); err != nil {
			return fmt.Errorf("staging %s: %w", e.Name, err)
		}
	}
	bs, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(staging, manifestName), bs, 0o644); err != nil {
		return err
	}

	if err := os.Rename(staging, final); err != nil {
		// Another build published the same key first. That stash holds the
		// same content, so losing the race is fine.
		if _, statErr := os.Stat(final); statErr == nil {
			return nil
		}
		return err
	}
	return nil
}

// keyPathSegment makes a hash key safe to use as a directory name.
func keyPathSegment(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c == ':' || c == '/' {
			c = '_'
		}
		out = append(out, c)
	}
	return string(out)
}

// joinName resolves a slash-separated entry name under dir.
func joinName(dir, name string) string {
	return filepath.Join(dir, filepath.FromSlash(name))
}
