// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var (
	// ErrCorrupt means the on-disk store cannot be opened or replayed.
	ErrCorrupt = errors.New("tracking store unrecoverable")
	// ErrNotFound means no row exists for the path.
	ErrNotFound = errors.New("no tracking row for path")
	// ErrIllegalTransition rejects a status change the lifecycle forbids.
	ErrIllegalTransition = errors.New("illegal status transition")
)

const filePrefix = "file:"

// Store is the badger-backed tracking index. All writes go through badger's
// single write path; a partially written record is discarded on replay, so
// readers never observe torn rows.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the store under dir. A failure here is terminal
// for the daemon and wrapped as ErrCorrupt.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrCorrupt, dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Writable probes that the store accepts writes; used by the health check.
func (s *Store) Writable() bool {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("meta:probe"), []byte(time.Now().Format(time.RFC3339)))
	})
	return err == nil
}

// Upsert inserts or merges a row. On merge the user sets are unioned and
// cachedAt of the existing row is preserved.
func (s *Store) Upsert(ctx context.Context, e Entry) error {
	if e.Path == "" {
		return fmt.Errorf("upsert: empty path")
	}
	if len(e.Users) == 0 && e.Source != SourceManual {
		return fmt.Errorf("upsert %s: user set empty for source %s", e.Path, e.Source)
	}
	key := []byte(filePrefix + e.Path)
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		switch {
		case err == nil:
			var cur Entry
			if verr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &cur)
			}); verr == nil {
				e.Users = mergeUsers(cur.Users, e.Users)
				if !cur.CachedAt.IsZero() {
					e.CachedAt = cur.CachedAt
				}
			}
		case errors.Is(err, badger.ErrKeyNotFound):
		default:
			return err
		}
		buf, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return txn.Set(key, buf)
	})
}

// legalTransition encodes the row lifecycle. pendingRemoval is terminal:
// rows leave it only through Remove.
func legalTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusActive:
		return to == StatusOrphaned || to == StatusPendingRemoval
	case StatusOrphaned:
		return to == StatusActive || to == StatusPendingRemoval
	default:
		return false
	}
}

// Mark transitions the row's status. Illegal transitions are rejected with
// ErrIllegalTransition.
func (s *Store) Mark(ctx context.Context, path string, to Status) error {
	key := []byte(filePrefix + path)
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		if err != nil {
			return err
		}
		var cur Entry
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cur)
		}); err != nil {
			return err
		}
		if !legalTransition(cur.Status, to) {
			return fmt.Errorf("%w: %s -> %s for %s", ErrIllegalTransition, cur.Status, to, path)
		}
		cur.Status = to
		buf, err := json.Marshal(cur)
		if err != nil {
			return err
		}
		return txn.Set(key, buf)
	})
}

// Remove hard-deletes the row. The caller must hold the redirection lock for
// the path.
func (s *Store) Remove(ctx context.Context, path string) error {
	key := []byte(filePrefix + path)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// Get returns the row for one path.
func (s *Store) Get(ctx context.Context, path string) (Entry, error) {
	key := []byte(filePrefix + path)
	var out Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return Entry{}, err
	}
	return out, nil
}

// UpdateLastSeen refreshes lastSeenInUpstream on an existing row without
// touching anything else. Missing rows are skipped.
func (s *Store) UpdateLastSeen(ctx context.Context, paths []string, seen time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, p := range paths {
			key := []byte(filePrefix + p)
			item, err := txn.Get(key)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var cur Entry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &cur)
			}); err != nil {
				return err
			}
			cur.LastSeen = seen
			buf, err := json.Marshal(cur)
			if err != nil {
				return err
			}
			if err := txn.Set(key, buf); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetSize records the on-disk truth for a row's size.
func (s *Store) SetSize(ctx context.Context, path string, size int64) error {
	key := []byte(filePrefix + path)
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		if err != nil {
			return err
		}
		var cur Entry
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cur)
		}); err != nil {
			return err
		}
		cur.SizeBytes = size
		buf, err := json.Marshal(cur)
		if err != nil {
			return err
		}
		return txn.Set(key, buf)
	})
}

// Snapshot materialises an immutable, path-sorted view without blocking
// writers; badger read transactions are snapshot-consistent.
func (s *Store) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{TakenAt: time.Now()}
	prefix := []byte(filePrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				continue
			}
			snap.Entries = append(snap.Entries, e)
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	sort.Slice(snap.Entries, func(i, j int) bool {
		return snap.Entries[i].Path < snap.Entries[j].Path
	})
	return snap, nil
}
