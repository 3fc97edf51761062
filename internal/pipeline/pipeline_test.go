// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ManuGH/plexcached/internal/config"
	"github.com/ManuGH/plexcached/internal/events"
	"github.com/ManuGH/plexcached/internal/pathmap"
	"github.com/ManuGH/plexcached/internal/plan"
	"github.com/ManuGH/plexcached/internal/score"
	"github.com/ManuGH/plexcached/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	pipe      *Pipeline
	st        *store.Store
	array     string
	cache     string
	protected map[string]struct{}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	array := filepath.Join(t.TempDir(), "array")
	cache := filepath.Join(t.TempDir(), "cache")
	require.NoError(t, os.MkdirAll(array, 0o755))
	require.NoError(t, os.MkdirAll(cache, 0o755))

	resolver, err := pathmap.New([]pathmap.Pair{{SourceRoot: array, CacheRoot: cache}})
	require.NoError(t, err)

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := &config.AppConfig{
		Cache: config.CacheConfig{
			LimitBytes:        100 << 30,
			Mode:              config.EvictSmart,
			MinRetentionHours: 6,
		},
		Plan: config.PlanConfig{
			CachePoolSize:   2,
			ArrayPoolSize:   1,
			CooldownMinutes: 30,
		},
	}

	f := &fixture{st: st, array: array, cache: cache, protected: map[string]struct{}{}}
	f.pipe = New(cfg, resolver, st, events.NewBus(64),
		func() map[string]struct{} { return f.protected },
		nil,
	)
	return f
}

func (f *fixture) file(t *testing.T, rel, content string) string {
	t.Helper()
	path := filepath.Join(f.array, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (f *fixture) cachePath(rel string) string {
	return filepath.Join(f.cache, rel)
}

func task(path string, size int64) plan.CacheIn {
	return plan.CacheIn{
		Path:      path,
		Score:     50,
		Users:     []string{"alice"},
		Source:    store.SourceOnDeck,
		SizeBytes: size,
	}
}

func TestCacheInSwapsSymlink(t *testing.T) {
	f := newFixture(t)
	path := f.file(t, "movies/film.mkv", "original-bytes")
	ctx := context.Background()

	stats, err := f.pipe.CacheIn(ctx, task(path, int64(len("original-bytes"))))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FilesCached)

	// The server path is now a symlink resolving onto the cache twin.
	fi, err := os.Lstat(path)
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&os.ModeSymlink)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "original-bytes", string(got), "open-through content unchanged")

	cacheGot, err := os.ReadFile(f.cachePath("movies/film.mkv"))
	require.NoError(t, err)
	assert.Equal(t, "original-bytes", string(cacheGot))

	entry, err := f.st.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, store.MethodAtomicSymlink, entry.Method)
	assert.Equal(t, store.StatusActive, entry.Status)
	assert.EqualValues(t, len("original-bytes"), entry.SizeBytes)
}

func TestCacheInProtectedCopiesOnly(t *testing.T) {
	f := newFixture(t)
	path := f.file(t, "movies/live.mkv", "live-bytes")
	f.protected[path] = struct{}{}
	ctx := context.Background()

	tk := task(path, int64(len("live-bytes")))
	tk.Protected = true
	_, err := f.pipe.CacheIn(ctx, tk)
	require.NoError(t, err)

	// Original stays a regular file; no handle was invalidated.
	fi, err := os.Lstat(path)
	require.NoError(t, err)
	assert.True(t, fi.Mode().IsRegular())

	_, err = os.Stat(f.cachePath("movies/live.mkv"))
	require.NoError(t, err)

	entry, err := f.st.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, store.MethodAtomicCopy, entry.Method)
}

func TestCacheInMissingBothTiersFails(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipe.CacheIn(context.Background(), task(filepath.Join(f.array, "gone.mkv"), 10))
	assert.Error(t, err)
}

func TestCacheInAlreadyRedirectedRefreshesRowOnly(t *testing.T) {
	f := newFixture(t)
	cp := f.cachePath("movies/film.mkv")
	require.NoError(t, os.MkdirAll(filepath.Dir(cp), 0o755))
	require.NoError(t, os.WriteFile(cp, []byte("bytes"), 0o644))
	path := filepath.Join(f.array, "movies/film.mkv")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.Symlink(cp, path))
	ctx := context.Background()

	stats, err := f.pipe.CacheIn(ctx, task(path, 5))
	require.NoError(t, err)
	assert.Zero(t, stats.FilesCached, "idempotent re-run moves no bytes")

	entry, err := f.st.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, store.MethodAtomicSymlink, entry.Method)
}

func TestRestoreBringsBytesBack(t *testing.T) {
	f := newFixture(t)
	path := f.file(t, "movies/film.mkv", "original-bytes")
	ctx := context.Background()

	_, err := f.pipe.CacheIn(ctx, task(path, int64(len("original-bytes"))))
	require.NoError(t, err)

	stats, err := f.pipe.Restore(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FilesRestored)

	fi, err := os.Lstat(path)
	require.NoError(t, err)
	assert.True(t, fi.Mode().IsRegular(), "array path is a regular file again")

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "original-bytes", string(got))

	_, err = os.Stat(f.cachePath("movies/film.mkv"))
	assert.True(t, os.IsNotExist(err), "cache copy removed")

	_, err = f.st.Get(ctx, path)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRestoreRefusesProtectedPath(t *testing.T) {
	f := newFixture(t)
	path := f.file(t, "movies/film.mkv", "bytes")
	ctx := context.Background()
	_, err := f.pipe.CacheIn(ctx, task(path, 5))
	require.NoError(t, err)

	f.protected[path] = struct{}{}
	_, err = f.pipe.Restore(ctx, path)
	assert.ErrorIs(t, err, ErrProtected)
}

func TestRestoreUntrackedFails(t *testing.T) {
	f := newFixture(t)
	path := f.file(t, "movies/film.mkv", "bytes")
	_, err := f.pipe.Restore(context.Background(), path)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCacheInNoSpaceWithoutEvictionPlanner(t *testing.T) {
	f := newFixture(t)
	path := f.file(t, "movies/huge.mkv", "bytes")

	orig := pathmap.DiskFree
	defer func() { pathmap.DiskFree = orig }()
	pathmap.DiskFree = func(string) (uint64, error) { return 0, nil }

	_, err := f.pipe.CacheIn(context.Background(), task(path, 1<<30))
	assert.ErrorIs(t, err, ErrNoSpace)
}

func TestCacheInEvictsSynchronouslyForSpace(t *testing.T) {
	f := newFixture(t)
	victim := f.file(t, "movies/victim.mkv", "victim-bytes")
	newcomer := f.file(t, "movies/new.mkv", "new-bytes")
	ctx := context.Background()

	_, err := f.pipe.CacheIn(ctx, task(victim, int64(len("victim-bytes"))))
	require.NoError(t, err)

	// First probe is short, post-eviction probe has room.
	calls := 0
	orig := pathmap.DiskFree
	defer func() { pathmap.DiskFree = orig }()
	pathmap.DiskFree = func(string) (uint64, error) {
		calls++
		if calls == 1 {
			return 0, nil
		}
		return 1 << 40, nil
	}
	f.pipe.evictPlan = func(ctx context.Context, need int64) score.Plan {
		entry, err := f.st.Get(ctx, victim)
		require.NoError(t, err)
		return score.Plan{Victims: []score.Victim{{Entry: entry, Score: 10}}, ToFree: need, FreedBytes: entry.SizeBytes}
	}

	stats, err := f.pipe.CacheIn(ctx, task(newcomer, int64(len("new-bytes"))))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FilesEvicted, "victim evicted to make room")
	assert.Equal(t, 1, stats.FilesCached)

	// Victim landed back on the array as a regular file.
	fi, err := os.Lstat(victim)
	require.NoError(t, err)
	assert.True(t, fi.Mode().IsRegular())
}

func TestCooldownSkipsRecentFailure(t *testing.T) {
	f := newFixture(t)
	path := f.file(t, "movies/flaky.mkv", "bytes")

	f.pipe.noteFailure(path, os.ErrPermission)
	_, err := f.pipe.CacheIn(context.Background(), task(path, 5))
	assert.ErrorIs(t, err, ErrCoolingDown)

	// Cancellation never triggers cool-down.
	other := f.file(t, "movies/ok.mkv", "bytes")
	f.pipe.noteFailure(other, context.Canceled)
	_, err = f.pipe.CacheIn(context.Background(), task(other, 5))
	assert.NoError(t, err)
}

func TestRunBatchAggregates(t *testing.T) {
	f := newFixture(t)
	a := f.file(t, "movies/a.mkv", "aaaa")
	b := f.file(t, "movies/b.mkv", "bbbb")
	ctx := context.Background()

	stats := f.pipe.RunBatch(ctx, []plan.CacheIn{task(a, 4), task(b, 4)}, nil)
	assert.Equal(t, 2, stats.FilesCached)
	assert.EqualValues(t, 8, stats.BytesCached)
	assert.Empty(t, stats.Errors)

	stats = f.pipe.RunBatch(ctx, nil, []plan.Restore{{Path: a}, {Path: b}})
	assert.Equal(t, 2, stats.FilesRestored)
}

func TestReasonCodes(t *testing.T) {
	assert.Equal(t, "no_space", reason(ErrNoSpace))
	assert.Equal(t, "protected", reason(ErrProtected))
	assert.Equal(t, "cooldown", reason(ErrCoolingDown))
	assert.Equal(t, "cancelled", reason(context.Canceled))
	assert.Equal(t, "permission", reason(os.ErrPermission))
	assert.Equal(t, "untracked", reason(store.ErrNotFound))
	assert.Equal(t, "io_error", reason(assert.AnError))
}

func TestPathLocksSerialisePerPath(t *testing.T) {
	locks := NewPathLocks()
	unlock := locks.Lock("/a")

	done := make(chan struct{})
	go func() {
		u := locks.Lock("/a")
		u()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second locker acquired while first held")
	case <-time.After(30 * time.Millisecond):
	}
	unlock()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second locker never acquired after release")
	}
}
