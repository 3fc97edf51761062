// SPDX-License-Identifier: MIT

package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ManuGH/plexcached/internal/config"
	"github.com/ManuGH/plexcached/internal/pathmap"
	"github.com/ManuGH/plexcached/internal/pipeline"
	"github.com/ManuGH/plexcached/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	rec   *Reconciler
	st    *store.Store
	array string
	cache string
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
			LimitBytes:          100 << 30,
			Mode:                config.EvictSmart,
			UntrackedGraceHours: 24,
		},
	}
	return &fixture{
		rec:   New(cfg, resolver, st, pipeline.NewPathLocks()),
		st:    st,
		array: array,
		cache: cache,
	}
}

func (f *fixture) arrayFile(t *testing.T, rel, content string) string {
	t.Helper()
	path := filepath.Join(f.array, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (f *fixture) cacheFile(t *testing.T, rel, content string) string {
	t.Helper()
	path := filepath.Join(f.cache, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (f *fixture) track(t *testing.T, path string, size int64, status store.Status) {
	t.Helper()
	now := time.Now()
	require.NoError(t, f.st.Upsert(context.Background(), store.Entry{
		Path:      path,
		Source:    store.SourceOnDeck,
		CachedAt:  now,
		LastSeen:  now,
		SizeBytes: size,
		Users:     []string{"alice"},
		Method:    store.MethodAtomicSymlink,
		Status:    store.StatusActive,
	}))
	if status != store.StatusActive {
		require.NoError(t, f.st.Mark(context.Background(), path, status))
	}
}

func TestOrphanDeletedAfterTwoPasses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := f.arrayFile(t, "movies/film.mkv", "bytes")
	f.track(t, path, 5, store.StatusActive)
	// No cache-side file exists.

	sum, err := f.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Orphaned)

	entry, err := f.st.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, store.StatusOrphaned, entry.Status)

	sum, err = f.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.RowsDeleted)
	_, err = f.st.Get(ctx, path)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestOrphanRecoversWhenCacheFileReturns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := f.arrayFile(t, "movies/film.mkv", "bytes")
	f.track(t, path, 5, store.StatusOrphaned)
	f.cacheFile(t, "movies/film.mkv", "bytes")

	_, err := f.rec.Run(ctx)
	require.NoError(t, err)

	entry, err := f.st.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, entry.Status)
}

func TestStaleCacheCopyRemovedWhenArrayGone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cp := f.cacheFile(t, "movies/gone.mkv", "bytes")
	path := filepath.Join(f.array, "movies/gone.mkv")
	f.track(t, path, 5, store.StatusActive)
	// Array path never existed: restore is impossible.

	sum, err := f.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.StaleRemoved)

	_, err = os.Stat(cp)
	assert.True(t, os.IsNotExist(err))
	_, err = f.st.Get(ctx, path)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSizeDriftRepaired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := f.arrayFile(t, "movies/film.mkv", "bytes")
	f.cacheFile(t, "movies/film.mkv", "grown-cache-copy")
	f.track(t, path, 5, store.StatusActive)

	sum, err := f.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.SizesRepaired)

	entry, err := f.st.Get(ctx, path)
	require.NoError(t, err)
	assert.EqualValues(t, len("grown-cache-copy"), entry.SizeBytes)
}

func TestPendingRemovalCopiesBackAndCleansUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cp := f.cacheFile(t, "movies/film.mkv", "cache-bytes")
	path := filepath.Join(f.array, "movies/film.mkv")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.Symlink(cp, path))
	f.track(t, path, int64(len("cache-bytes")), store.StatusPendingRemoval)

	sum, err := f.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.FilesDeleted)
	assert.Equal(t, 1, sum.RowsDeleted)

	fi, err := os.Lstat(path)
	require.NoError(t, err)
	assert.True(t, fi.Mode().IsRegular(), "symlink replaced by real bytes")
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "cache-bytes", string(got))
	_, err = os.Stat(cp)
	assert.True(t, os.IsNotExist(err))
	_, err = f.st.Get(ctx, path)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAdoptsDanglingCacheFileBehindSymlink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cp := f.cacheFile(t, "movies/film.mkv", "bytes")
	path := filepath.Join(f.array, "movies/film.mkv")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.Symlink(cp, path))
	// No tracking row: crash between rename and commit.

	sum, err := f.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Adopted)

	entry, err := f.st.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, store.SourceManual, entry.Source)
	assert.Equal(t, store.StatusActive, entry.Status)
	assert.EqualValues(t, len("bytes"), entry.SizeBytes)
}

func TestUntrackedCacheFileDeletedPastGrace(t *testing.T) {
	f := newFixture(t)
	f.rec.cfg.Cache.UntrackedGraceHours = 0
	cp := f.cacheFile(t, "movies/junk.mkv", "bytes")
	// Nothing on the array side references it.

	sum, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.FilesDeleted)
	_, err = os.Stat(cp)
	assert.True(t, os.IsNotExist(err))
}

func TestUntrackedCacheFileKeptWithinGrace(t *testing.T) {
	f := newFixture(t)
	cp := f.cacheFile(t, "movies/fresh.mkv", "bytes")

	sum, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.FilesDeleted)
	_, err = os.Stat(cp)
	assert.NoError(t, err)
}
