package buildgraph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kballard/go-shellquote"
)

// hashKeyVersion is folded into every key so a change to the hashing scheme
// invalidates all previously recorded keys.
const hashKeyVersion = "anvil-action-v1"

// absentInputMarker is hashed in place of a digest when an input file does
// not exist at hash time. The action will simply fail when it runs; hashing
// must not.
const absentInputMarker = "absent"

const digestCacheSize = 4096

// digestCache memoizes file content digests for one build invocation. Entries
// are revalidated against size and mtime, so a file rewritten mid-build (by
// an upstream action) is re-hashed.
type digestCache struct {
	entries *lru.Cache[string, digestEntry]
}

type digestEntry struct {
	size    int64
	modTime time.Time
	digest  string
}

func newDigestCache() *digestCache {
	entries, err := lru.New[string, digestEntry](digestCacheSize)
	if err != nil {
		panic(err)
	}
	return &digestCache{entries: entries}
}

// digest returns the content digest of path, or absentInputMarker if the file
// does not exist.
func (c *digestCache) digest(path string) (string, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return absentInputMarker, nil
	}
	if err != nil {
		return "", err
	}
	if e, ok := c.entries.Get(path); ok {
		if e.size == info.Size() && e.modTime.Equal(info.ModTime()) {
			return e.digest, nil
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	digest := hex.EncodeToString(h.Sum(nil))

	c.entries.Add(path, digestEntry{size: info.Size(), modTime: info.ModTime(), digest: digest})
	return digest, nil
}

// HashKey computes the Merkle-style cache key of an action: a digest over its
// definition, the content of its direct file inputs, and the hash keys of all
// upstream actions. Keys are memoized per invocation; callers must only ask
// for an action's key once its dependencies' inputs are final, i.e. after the
// upstream actions completed.
//
// The key is deterministic and independent of enumeration order: every
// variable-length component is sorted before hashing.
func (g *ActionGraph) HashKey(ctx context.Context, a *Action) (string, error) {
	if a.hashKey != "" {
		return a.hashKey, nil
	}

	depKeys := make([]string, 0, len(a.deps))
	for _, dep := range a.Deps() {
		k, err := g.HashKey(ctx, dep)
		if err != nil {
			return "", err
		}
		depKeys = append(depKeys, k)
	}
	sort.Strings(depKeys)

	h := sha256.New()
	put := func(s string) {
		// Length-prefixed so component boundaries cannot alias.
		fmt.Fprintf(h, "%d:%s", len(s), s)
	}

	put(hashKeyVersion)
	put(a.LongName())
	put(g.canonToken(a.Dir, a.target.scope.dir))
	for _, cmd := range a.Commands {
		canon := make([]string, len(cmd))
		for i, tok := range cmd {
			canon[i] = g.canonToken(tok, a.target.scope.dir)
		}
		put(shellquote.Join(canon...))
	}

	envKeys := make([]string, 0, len(a.Env))
	for k := range a.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for _, k := range envKeys {
		put(k + "=" + a.Env[k])
	}

	inputs := append([]string(nil), a.Inputs...)
	sort.Strings(inputs)
	for _, in := range inputs {
		put(g.canonToken(in, a.target.scope.dir))
		digest, err := g.digests.digest(in)
		if err != nil {
			return "", err
		}
		put(digest)
	}

	outputs := make([]string, 0, len(a.Outputs))
	for _, out := range a.Outputs {
		outputs = append(outputs, g.relPath(out, g.buildDir))
	}
	sort.Strings(outputs)
	for _, out := range outputs {
		put(out)
	}

	for _, k := range depKeys {
		put(k)
	}

	a.hashKey = hex.EncodeToString(h.Sum(nil))
	return a.hashKey, nil
}

// canonToken rewrites absolute paths inside command arguments into a form
// anchored at the build or scope directory. Without this, every checkout
// location would produce distinct keys and remote stashes would never hit.
func (g *ActionGraph) canonToken(tok, scopeDir string) string {
	if !filepath.IsAbs(tok) {
		return tok
	}
	if rel, err := filepath.Rel(g.buildDir, tok); err == nil && !strings.HasPrefix(rel, "..") {
		return "{build}/" + filepath.ToSlash(rel)
	}
	if rel, err := filepath.Rel(scopeDir, tok); err == nil && !strings.HasPrefix(rel, "..") {
		return "{scope}/" + filepath.ToSlash(rel)
	}
	return filepath.ToSlash(tok)
}

// relPath canonicalises a path relative to base so keys are stable across
// machines with different checkout locations.
func (g *ActionGraph) relPath(path, base string) string {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}
