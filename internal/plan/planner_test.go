// SPDX-License-Identifier: MIT

package plan

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ManuGH/plexcached/internal/collect"
	"github.com/ManuGH/plexcached/internal/config"
	"github.com/ManuGH/plexcached/internal/pathmap"
	"github.com/ManuGH/plexcached/internal/plex"
	"github.com/ManuGH/plexcached/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type planFixture struct {
	planner *Planner
	array   string
	cache   string
}

func newFixture(t *testing.T) *planFixture {
	t.Helper()
	array := filepath.Join(t.TempDir(), "array")
	cache := filepath.Join(t.TempDir(), "cache")
	require.NoError(t, os.MkdirAll(array, 0o755))
	require.NoError(t, os.MkdirAll(cache, 0o755))

	resolver, err := pathmap.New([]pathmap.Pair{{SourceRoot: array, CacheRoot: cache}})
	require.NoError(t, err)

	cfg := &config.AppConfig{
		Cache: config.CacheConfig{
			LimitBytes:        100 << 30,
			Mode:              config.EvictSmart,
			MinRetentionHours: 6,
		},
	}
	return &planFixture{planner: New(cfg, resolver), array: array, cache: cache}
}

func (f *planFixture) file(t *testing.T, rel string) string {
	t.Helper()
	path := filepath.Join(f.array, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("media-bytes"), 0o644))
	return path
}

func okResult(name string, src store.Source, cands ...collect.Candidate) collect.Result {
	return collect.Result{Name: name, Source: src, Status: collect.StatusOK, Candidates: cands}
}

func TestPlanEmitsCacheInForNewCandidate(t *testing.T) {
	f := newFixture(t)
	path := f.file(t, "movies/film.mkv")
	now := time.Now()

	out := f.planner.Plan(context.Background(), Input{
		Results: []collect.Result{okResult("ondeck", store.SourceOnDeck, collect.Candidate{
			Path:   path,
			Source: store.SourceOnDeck,
			User:   "alice",
			Hint:   collect.Hint{EpisodeOffset: 0, IsCurrentOnDeck: true},
		})},
		Now: now,
	})

	require.Len(t, out.CacheIns, 1)
	ci := out.CacheIns[0]
	assert.Equal(t, path, ci.Path)
	assert.Equal(t, []string{"alice"}, ci.Users)
	assert.Equal(t, store.SourceOnDeck, ci.Source)
	assert.EqualValues(t, len("media-bytes"), ci.SizeBytes)
	assert.False(t, ci.Protected)
	assert.Empty(t, out.Restores)
}

// Running the same inputs against a snapshot that already tracks the file
// produces no tasks: planning is idempotent.
func TestPlanIdempotentOnSecondRun(t *testing.T) {
	f := newFixture(t)
	path := f.file(t, "movies/film.mkv")
	now := time.Now()

	in := Input{
		Results: []collect.Result{okResult("ondeck", store.SourceOnDeck, collect.Candidate{
			Path: path, Source: store.SourceOnDeck, User: "alice",
		})},
		Now: now,
	}
	first := f.planner.Plan(context.Background(), in)
	require.Len(t, first.CacheIns, 1)

	in.Snapshot = store.Snapshot{Entries: []store.Entry{{
		Path:     path,
		Source:   store.SourceOnDeck,
		CachedAt: now.Add(-time.Hour),
		Users:    []string{"alice"},
		Method:   store.MethodAtomicSymlink,
		Status:   store.StatusActive,
	}}}
	second := f.planner.Plan(context.Background(), in)
	assert.Empty(t, second.CacheIns)
	assert.Empty(t, second.Restores)
	assert.Equal(t, []string{path}, second.LastSeen)
}

// OnDeck freshness comes from the tracked row's prior sighting, never from
// the collection itself: a brand-new candidate scores without the age term,
// and the same candidate scores ten higher once its row records a recent
// upstream sighting.
func TestPlanOnDeckAgeReadsPriorSighting(t *testing.T) {
	f := newFixture(t)
	path := f.file(t, "tv/s01e01.mkv")
	now := time.Now()

	in := Input{
		Results: []collect.Result{okResult("ondeck", store.SourceOnDeck, collect.Candidate{
			Path: path, Source: store.SourceOnDeck, User: "alice",
			Hint: collect.Hint{EpisodeOffset: 0, IsCurrentOnDeck: true},
		})},
		Now: now,
	}
	first := f.planner.Plan(context.Background(), in)
	assert.Equal(t, 60, first.Scores[path], "first sighting: base 45 + current-episode 15")

	in.Snapshot = store.Snapshot{Entries: []store.Entry{{
		Path:     path,
		Source:   store.SourceOnDeck,
		CachedAt: now.Add(-48 * time.Hour),
		LastSeen: now.Add(-time.Hour),
		Users:    []string{"alice"},
		Status:   store.StatusActive,
	}}}
	second := f.planner.Plan(context.Background(), in)
	assert.Equal(t, 70, second.Scores[path], "tracked sighting within a day adds 10")
}

func TestPlanRestoresTrackedNotDesiredPastRetention(t *testing.T) {
	f := newFixture(t)
	path := f.file(t, "movies/old.mkv")
	now := time.Now()

	out := f.planner.Plan(context.Background(), Input{
		Snapshot: store.Snapshot{Entries: []store.Entry{{
			Path:     path,
			Source:   store.SourceWatchlist,
			CachedAt: now.Add(-48 * time.Hour),
			Users:    []string{"alice"},
			Status:   store.StatusActive,
		}}},
		Now: now,
	})
	require.Len(t, out.Restores, 1)
	assert.Equal(t, path, out.Restores[0].Path)
}

func TestPlanRetentionGuardHoldsFreshFiles(t *testing.T) {
	f := newFixture(t)
	path := f.file(t, "movies/fresh.mkv")
	now := time.Now()

	out := f.planner.Plan(context.Background(), Input{
		Snapshot: store.Snapshot{Entries: []store.Entry{{
			Path:     path,
			Source:   store.SourceWatchlist,
			CachedAt: now.Add(-time.Hour),
			Users:    []string{"alice"},
			Status:   store.StatusActive,
		}}},
		Now: now,
	})
	assert.Empty(t, out.Restores, "files inside min retention never restore")
}

func TestPlanProtectedPathNeverRestores(t *testing.T) {
	f := newFixture(t)
	path := f.file(t, "movies/watching.mkv")
	now := time.Now()

	out := f.planner.Plan(context.Background(), Input{
		Sessions: []plex.Session{{User: "bob", Path: path, State: plex.StatePlaying}},
		Snapshot: store.Snapshot{Entries: []store.Entry{{
			Path:     path,
			Source:   store.SourceWatchlist,
			CachedAt: now.Add(-48 * time.Hour),
			Users:    []string{"alice"},
			Status:   store.StatusActive,
		}}},
		Now: now,
	})
	assert.Empty(t, out.Restores)
	// The session pins the path in the desired set at score 100.
	assert.Equal(t, 100, out.Scores[path])
}

func TestPlanSessionForcesProtectedCopy(t *testing.T) {
	f := newFixture(t)
	path := f.file(t, "movies/live.mkv")

	out := f.planner.Plan(context.Background(), Input{
		Sessions: []plex.Session{{User: "bob", Path: path, State: plex.StatePaused}},
		Now:      time.Now(),
	})
	require.Len(t, out.CacheIns, 1)
	assert.True(t, out.CacheIns[0].Protected)
	assert.Equal(t, store.SourceActiveWatch, out.CacheIns[0].Source)
	assert.Equal(t, 100, out.CacheIns[0].Score)
}

func TestPlanDropsUnknownRoots(t *testing.T) {
	f := newFixture(t)
	out := f.planner.Plan(context.Background(), Input{
		Results: []collect.Result{okResult("ondeck", store.SourceOnDeck, collect.Candidate{
			Path: "/unconfigured/root/film.mkv", Source: store.SourceOnDeck, User: "alice",
		})},
		Now: time.Now(),
	})
	assert.Empty(t, out.CacheIns)
	assert.Empty(t, out.Desired)
}

func TestPlanSubtitleSiblingsInherit(t *testing.T) {
	f := newFixture(t)
	film := f.file(t, "movies/film.mkv")
	sub := f.file(t, "movies/film.srt")
	now := time.Now()

	out := f.planner.Plan(context.Background(), Input{
		Results: []collect.Result{okResult("ondeck", store.SourceOnDeck, collect.Candidate{
			Path: film, Source: store.SourceOnDeck, User: "alice",
		})},
		Now: now,
	})
	require.Len(t, out.CacheIns, 2)
	paths := []string{out.CacheIns[0].Path, out.CacheIns[1].Path}
	assert.Contains(t, paths, film)
	assert.Contains(t, paths, sub)
	assert.Equal(t, out.Scores[film], out.Scores[sub], "siblings share the parent's score")
}

func TestPlanDefersWhenCachingDisabled(t *testing.T) {
	f := newFixture(t)
	f.planner.cfg.Cache.LimitBytes = 0
	f.planner.cfg.Cache.Mode = config.EvictNone
	path := f.file(t, "movies/film.mkv")

	out := f.planner.Plan(context.Background(), Input{
		Results: []collect.Result{okResult("ondeck", store.SourceOnDeck, collect.Candidate{
			Path: path, Source: store.SourceOnDeck, User: "alice",
		})},
		Now: time.Now(),
	})
	assert.Empty(t, out.CacheIns)
	assert.Equal(t, []string{path}, out.Deferred)
}

func TestPlanFailedCollectorHoldsState(t *testing.T) {
	f := newFixture(t)
	path := f.file(t, "movies/film.mkv")
	now := time.Now()

	out := f.planner.Plan(context.Background(), Input{
		Results: []collect.Result{{
			Name:   "ondeck",
			Source: store.SourceOnDeck,
			Status: collect.StatusFailed,
			Err:    assert.AnError,
		}},
		Snapshot: store.Snapshot{Entries: []store.Entry{{
			Path:     path,
			Source:   store.SourceOnDeck,
			CachedAt: now.Add(-48 * time.Hour),
			LastSeen: now.Add(-time.Hour),
			Users:    []string{"alice"},
			Status:   store.StatusActive,
		}}},
		Now: now,
	})
	assert.NotEmpty(t, out.Warnings)
	// A failed collector holds its last-seen state: no mass restore of the
	// rows it attributed.
	assert.Empty(t, out.Restores)
	assert.Empty(t, out.CacheIns)
}

func TestPlanManualPinsNeverRestore(t *testing.T) {
	f := newFixture(t)
	path := f.file(t, "movies/pinned.mkv")
	now := time.Now()

	out := f.planner.Plan(context.Background(), Input{
		Snapshot: store.Snapshot{Entries: []store.Entry{{
			Path:     path,
			Source:   store.SourceManual,
			CachedAt: now.Add(-30 * 24 * time.Hour),
			Users:    []string{"alice"},
			Status:   store.StatusActive,
		}}},
		Now: now,
	})
	assert.Empty(t, out.Restores)
}
