// Package state persists the outcome of previous runs: for every action, the
// hash key it last completed with and the checksums of the outputs it
// produced. The execution engine consults these records for its dirty check,
// so a build with no changes touches no process at all.
//
// Records live in an embedded BadgerDB under the build directory. Badger
// gives cheap point lookups under concurrent writers, which matters because
// every worker slot records completions independently.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/anvil-build/anvil/internal/ctxlog"
	"github.com/anvil-build/anvil/internal/fsutil"
)

const recordPrefix = "action:"

// Record is what the engine remembers about an action's last successful run.
type Record struct {
	// HashKey is the Merkle key the action completed with.
	HashKey string `json:"hash_key"`

	// Outputs are the files the action produced, with content checksums so
	// manual deletion or modification is detected.
	Outputs []fsutil.FileStat `json:"outputs,omitempty"`
}

// Store is the run-record database. Safe for concurrent use.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the record database rooted at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening state db at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a throwaway store backed by memory only. Used by tests.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// Get returns the record for an action long name, or nil if the action has
// never completed.
func (s *Store) Get(actionName string) (*Record, error) {
	var rec *Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(recordPrefix + actionName))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec = new(Record)
			return json.Unmarshal(val, rec)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading record for %s: %w", actionName, err)
	}
	return rec, nil
}

// Put stores the record for an action long name.
func (s *Store) Put(actionName string, rec *Record) error {
	bs, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling record for %s: %w", actionName, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(recordPrefix+actionName), bs)
	})
}

// Prune drops records for actions that are no longer part of the graph, so
// renamed or deleted targets do not accumulate state forever.
func (s *Store) Prune(ctx context.Context, live map[string]bool) error {
	logger := ctxlog.FromContext(ctx)

	var stale [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(recordPrefix)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			name := string(key[len(recordPrefix):])
			if !live[name] {
				stale = append(stale, key)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	logger.Debug("Pruned stale action records.", slog.Int("count", len(stale)))
	return nil
}

// OutputsIntact reports whether every recorded output still exists on disk
// with matching size and checksum. A clean action whose outputs were tampered
// with must re-run.
func (r *Record) OutputsIntact() bool {
	for _, out := range r.Outputs {
		info, err := os.Stat(out.Path)
		if err != nil || info.Size() != out.Size {
			return false
		}
		digest, err := fsutil.HashFile(out.Path)
		if err != nil || digest != out.Digest {
			return false
		}
	}
	return true
}
