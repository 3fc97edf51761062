// SPDX-License-Identifier: MIT

// Package reconcile restores consistency between the tracking store and the
// filesystem. It runs on startup and on a slow cadence, and is the only
// writer to the store outside the redirection pipeline.
package reconcile

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/ManuGH/plexcached/internal/config"
	"github.com/ManuGH/plexcached/internal/log"
	"github.com/ManuGH/plexcached/internal/metrics"
	"github.com/ManuGH/plexcached/internal/pathmap"
	"github.com/ManuGH/plexcached/internal/pipeline"
	"github.com/ManuGH/plexcached/internal/store"
	"github.com/rs/zerolog"
)

// Summary is the outcome of one reconciler pass.
type Summary struct {
	Scanned       int   `json:"scanned"`
	Orphaned      int   `json:"orphaned"`
	RowsDeleted   int   `json:"rows_deleted"`
	Adopted       int   `json:"adopted"`
	FilesDeleted  int   `json:"files_deleted"`
	StaleRemoved  int   `json:"stale_removed"`
	SizesRepaired int   `json:"sizes_repaired"`
	Duration      int64 `json:"duration_ms"`
}

// Reconciler scans the store and the cache filesystem and repairs drift.
type Reconciler struct {
	cfg      *config.AppConfig
	resolver *pathmap.Resolver
	st       *store.Store
	locks    *pipeline.PathLocks
	logger   zerolog.Logger
}

// New builds a reconciler sharing the pipeline's per-path lock registry so
// concurrent actors on the same path serialise.
func New(cfg *config.AppConfig, resolver *pathmap.Resolver, st *store.Store, locks *pipeline.PathLocks) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		resolver: resolver,
		st:       st,
		locks:    locks,
		logger:   log.WithComponent("reconcile"),
	}
}

// Run performs one full pass.
func (r *Reconciler) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	var sum Summary

	snap, err := r.st.Snapshot(ctx)
	if err != nil {
		return sum, err
	}
	sum.Scanned = len(snap.Entries)

	for _, e := range snap.Entries {
		select {
		case <-ctx.Done():
			return sum, ctx.Err()
		default:
		}
		r.reconcileEntry(ctx, e, &sum)
	}

	tracked := make(map[string]struct{}, len(snap.Entries))
	for _, e := range snap.Entries {
		if m, err := r.resolver.Resolve(e.Path); err == nil {
			tracked[m.CachePath] = struct{}{}
		}
	}
	for _, root := range r.resolver.CacheRoots() {
		r.scanUntracked(ctx, root, tracked, &sum)
	}

	sum.Duration = time.Since(start).Milliseconds()
	metrics.ReconcileRuns.Inc()
	r.logger.Info().
		Int("scanned", sum.Scanned).
		Int("orphaned", sum.Orphaned).
		Int("adopted", sum.Adopted).
		Int("files_deleted", sum.FilesDeleted).
		Int("stale_removed", sum.StaleRemoved).
		Str(log.FieldEvent, "reconcile.complete").
		Msg("reconcile pass complete")
	return sum, nil
}

func (r *Reconciler) reconcileEntry(ctx context.Context, e store.Entry, sum *Summary) {
	unlock := r.locks.Lock(e.Path)
	defer unlock()

	// Re-read under the lock; the pipeline may have acted meanwhile.
	cur, err := r.st.Get(ctx, e.Path)
	if err != nil {
		return
	}

	m, err := r.resolver.Resolve(cur.Path)
	if err != nil {
		return
	}
	cacheFi, cacheErr := os.Stat(m.CachePath)
	_, arrayErr := os.Lstat(cur.Path)

	switch {
	case cur.Status == store.StatusPendingRemoval:
		// Deferred cleanup from an ambiguous pipeline failure.
		r.resolvePendingRemoval(ctx, cur, m, cacheErr == nil, sum)

	case cacheErr != nil && errors.Is(cacheErr, fs.ErrNotExist):
		// Orphan: tracked but missing on cache. Two consecutive passes
		// seeing it gone delete the row.
		if cur.Status == store.StatusOrphaned {
			if err := r.st.Remove(ctx, cur.Path); err == nil {
				sum.RowsDeleted++
				metrics.ReconcileRepairs.WithLabelValues("orphan_deleted").Inc()
			}
			return
		}
		if err := r.st.Mark(ctx, cur.Path, store.StatusOrphaned); err == nil {
			sum.Orphaned++
			metrics.ReconcileRepairs.WithLabelValues("orphan_marked").Inc()
		}

	case cacheErr == nil && arrayErr != nil && errors.Is(arrayErr, fs.ErrNotExist):
		// Stale: array side vanished, restore is impossible.
		_ = r.st.Mark(ctx, cur.Path, store.StatusPendingRemoval)
		if err := os.Remove(m.CachePath); err == nil || os.IsNotExist(err) {
			_ = r.st.Remove(ctx, cur.Path)
			sum.StaleRemoved++
			metrics.ReconcileRepairs.WithLabelValues("stale_removed").Inc()
		}

	case cacheErr == nil:
		if cur.Status == store.StatusOrphaned {
			// The cache file came back; resurrect the row.
			if err := r.st.Mark(ctx, cur.Path, store.StatusActive); err == nil {
				metrics.ReconcileRepairs.WithLabelValues("orphan_recovered").Inc()
			}
		}
		if cacheFi.Size() != cur.SizeBytes {
			if err := r.st.SetSize(ctx, cur.Path, cacheFi.Size()); err == nil {
				sum.SizesRepaired++
				metrics.ReconcileRepairs.WithLabelValues("size_drift").Inc()
			}
		}
	}
}

// resolvePendingRemoval finishes what the pipeline could not. If the array
// path is a symlink into the cache, the bytes are copied back first.
func (r *Reconciler) resolvePendingRemoval(ctx context.Context, e store.Entry, m pathmap.Mapping, cacheExists bool, sum *Summary) {
	if cacheExists {
		if fi, err := os.Lstat(e.Path); err == nil && fi.Mode()&os.ModeSymlink != 0 {
			if err := copyBack(ctx, m.CachePath, e.Path); err != nil {
				r.logger.Warn().
					Err(err).
					Str(log.FieldPath, e.Path).
					Str(log.FieldEvent, "reconcile.restore_failed").
					Msg("could not restore pendingRemoval path, leaving for next pass")
				return
			}
		}
		if err := os.Remove(m.CachePath); err != nil && !os.IsNotExist(err) {
			return
		}
		sum.FilesDeleted++
	}
	if err := r.st.Remove(ctx, e.Path); err == nil {
		sum.RowsDeleted++
		metrics.ReconcileRepairs.WithLabelValues("pending_removed").Inc()
	}
}

// scanUntracked walks one cache root looking for files with no tracking row.
func (r *Reconciler) scanUntracked(ctx context.Context, root string, tracked map[string]struct{}, sum *Summary) {
	grace := r.cfg.Cache.UntrackedGrace()
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, skip
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if _, ok := tracked[path]; ok {
			return nil
		}
		r.adoptOrDelete(ctx, path, grace, sum)
		return nil
	})
}

// adoptOrDelete handles one untracked cache file: adopt it when the array
// holds a symlink pointing at it, otherwise delete it once past the grace
// window.
func (r *Reconciler) adoptOrDelete(ctx context.Context, cachePath string, grace time.Duration, sum *Summary) {
	m, err := r.resolver.ResolveCachePath(cachePath)
	if err != nil {
		return
	}

	unlock := r.locks.Lock(m.ArrayPath)
	defer unlock()

	if _, err := r.st.Get(ctx, m.ArrayPath); err == nil {
		return // row appeared while we walked
	}

	fi, err := os.Stat(cachePath)
	if err != nil {
		return
	}

	if target, err := os.Readlink(m.ArrayPath); err == nil {
		if filepath.Clean(target) == filepath.Clean(cachePath) {
			now := time.Now()
			entry := store.Entry{
				Path:      m.ArrayPath,
				Source:    store.SourceManual,
				CachedAt:  now,
				LastSeen:  now,
				SizeBytes: fi.Size(),
				Method:    store.MethodAtomicSymlink,
				Status:    store.StatusActive,
			}
			if err := r.st.Upsert(ctx, entry); err == nil {
				sum.Adopted++
				metrics.ReconcileRepairs.WithLabelValues("adopted").Inc()
				r.logger.Info().
					Str(log.FieldPath, m.ArrayPath).
					Str(log.FieldEvent, "reconcile.adopted").
					Msg("adopted dangling cache file")
			}
			return
		}
	}

	if time.Since(fi.ModTime()) > grace {
		if err := os.Remove(cachePath); err == nil {
			sum.FilesDeleted++
			metrics.ReconcileRepairs.WithLabelValues("untracked_deleted").Inc()
		}
	}
}
