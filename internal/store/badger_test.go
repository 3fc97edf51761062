// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testEntry(path string) Entry {
	return Entry{
		Path:      path,
		Source:    SourceOnDeck,
		CachedAt:  time.Now().UTC().Truncate(time.Second),
		SizeBytes: 1 << 20,
		Users:     []string{"alice"},
		Method:    MethodAtomicSymlink,
		Status:    StatusActive,
	}
}

func TestUpsertAndGetRoundTrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	e := testEntry("/mnt/array/m/a.mkv")
	require.NoError(t, st.Upsert(ctx, e))

	got, err := st.Get(ctx, e.Path)
	require.NoError(t, err)
	assert.Equal(t, e.Users, got.Users)
	assert.Equal(t, e.Source, got.Source)
	assert.True(t, e.CachedAt.Equal(got.CachedAt))
}

func TestUpsertMergesUsersAndKeepsCachedAt(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	first := testEntry("/a")
	require.NoError(t, st.Upsert(ctx, first))

	second := first
	second.Users = []string{"bob", "alice"}
	second.CachedAt = first.CachedAt.Add(time.Hour)
	require.NoError(t, st.Upsert(ctx, second))

	got, err := st.Get(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, got.Users)
	assert.True(t, first.CachedAt.Equal(got.CachedAt), "merge must preserve original cachedAt")
}

func TestUpsertRejectsEmptyUsers(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	e := testEntry("/a")
	e.Users = nil
	assert.Error(t, st.Upsert(ctx, e))

	e.Source = SourceManual
	assert.NoError(t, st.Upsert(ctx, e), "manual rows may have no user")
}

func TestMarkTransitions(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	require.NoError(t, st.Upsert(ctx, testEntry("/a")))

	require.NoError(t, st.Mark(ctx, "/a", StatusOrphaned))
	require.NoError(t, st.Mark(ctx, "/a", StatusActive))
	require.NoError(t, st.Mark(ctx, "/a", StatusPendingRemoval))

	// pendingRemoval is terminal.
	err := st.Mark(ctx, "/a", StatusActive)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	assert.ErrorIs(t, st.Mark(ctx, "/missing", StatusOrphaned), ErrNotFound)
}

func TestRemoveAndNotFound(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	require.NoError(t, st.Upsert(ctx, testEntry("/a")))
	require.NoError(t, st.Remove(ctx, "/a"))

	_, err := st.Get(ctx, "/a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateLastSeenSkipsMissing(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	require.NoError(t, st.Upsert(ctx, testEntry("/a")))

	seen := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.UpdateLastSeen(ctx, []string{"/a", "/missing"}, seen))

	got, err := st.Get(ctx, "/a")
	require.NoError(t, err)
	assert.True(t, seen.Equal(got.LastSeen))
}

func TestSnapshotSortedAndReopen(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir)
	require.NoError(t, err)
	ctx := context.Background()

	for _, p := range []string{"/c", "/a", "/b"} {
		require.NoError(t, st.Upsert(ctx, testEntry(p)))
	}
	require.NoError(t, st.Close())

	// Rows survive a restart.
	st, err = Open(dir)
	require.NoError(t, err)
	defer st.Close() // nolint:errcheck

	snap, err := st.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Entries, 3)
	assert.Equal(t, "/a", snap.Entries[0].Path)
	assert.Equal(t, "/b", snap.Entries[1].Path)
	assert.Equal(t, "/c", snap.Entries[2].Path)

	e, ok := snap.Get("/b")
	assert.True(t, ok)
	assert.Equal(t, "/b", e.Path)
	_, ok = snap.Get("/z")
	assert.False(t, ok)
}

func TestSnapshotActiveBytesIgnoresNonActive(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	a := testEntry("/a")
	b := testEntry("/b")
	require.NoError(t, st.Upsert(ctx, a))
	require.NoError(t, st.Upsert(ctx, b))
	require.NoError(t, st.Mark(ctx, "/b", StatusPendingRemoval))

	snap, err := st.Snapshot(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, a.SizeBytes, snap.ActiveBytes())
}

func TestWritable(t *testing.T) {
	st := testStore(t)
	assert.True(t, st.Writable())
}
