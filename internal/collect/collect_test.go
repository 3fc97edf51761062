// SPDX-License-Identifier: MIT

package collect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ManuGH/plexcached/internal/config"
	"github.com/ManuGH/plexcached/internal/plex"
	"github.com/ManuGH/plexcached/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer is a programmable MediaServer for collector tests.
type fakeServer struct {
	onDeck    map[string][]plex.Item
	watchlist map[string][]plex.Item
	episodes  map[string][]plex.Item
	byGUID    map[string]plex.Item
	err       error
}

func (f *fakeServer) Ping(context.Context) error { return nil }

func (f *fakeServer) Sessions(context.Context) ([]plex.Session, error) { return nil, nil }

func (f *fakeServer) OnDeck(_ context.Context, user string) ([]plex.Item, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.onDeck[user], nil
}

func (f *fakeServer) Watchlist(_ context.Context, user string) ([]plex.Item, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.watchlist[user], nil
}

func (f *fakeServer) ShowEpisodes(_ context.Context, showKey string) ([]plex.Item, error) {
	return f.episodes[showKey], nil
}

func (f *fakeServer) FindByGUID(_ context.Context, guid string) (plex.Item, bool, error) {
	it, ok := f.byGUID[guid]
	return it, ok, nil
}

func collectorConfig() *config.AppConfig {
	return &config.AppConfig{
		Users: map[string]config.UserPolicy{
			"alice": {OnDeck: true, Watchlist: true, Lists: true},
		},
		OnDeck:    config.OnDeckConfig{EpisodesAhead: 3, DaysToMonitor: 14},
		Watchlist: config.WatchlistConfig{EpisodesPerShow: 2, RetentionDays: 60},
	}
}

func episode(key, show, path string, season, ep int) plex.Item {
	return plex.Item{
		RatingKey:    key,
		Kind:         plex.KindEpisode,
		Path:         path,
		ShowKey:      show,
		SeasonIndex:  season,
		EpisodeIndex: ep,
		AddedAt:      time.Now().Add(-time.Hour),
		AiredAt:      time.Now().Add(-24 * time.Hour),
	}
}

func TestOnDeckExpandsEpisodeWindow(t *testing.T) {
	srv := &fakeServer{
		onDeck: map[string][]plex.Item{
			"alice": {episode("ep3", "show1", "/mnt/array/tv/s01e03.mkv", 1, 3)},
		},
		episodes: map[string][]plex.Item{
			"show1": {
				episode("ep1", "show1", "/mnt/array/tv/s01e01.mkv", 1, 1),
				episode("ep2", "show1", "/mnt/array/tv/s01e02.mkv", 1, 2),
				episode("ep3", "show1", "/mnt/array/tv/s01e03.mkv", 1, 3),
				episode("ep4", "show1", "/mnt/array/tv/s01e04.mkv", 1, 4),
				episode("ep5", "show1", "/mnt/array/tv/s01e05.mkv", 1, 5),
			},
		},
	}
	res := NewOnDeck(srv, collectorConfig()).Collect(context.Background())
	require.Equal(t, StatusOK, res.Status)
	require.Len(t, res.Candidates, 3, "current plus episodes_ahead-1")

	assert.Equal(t, "/mnt/array/tv/s01e03.mkv", res.Candidates[0].Path)
	assert.True(t, res.Candidates[0].Hint.IsCurrentOnDeck)
	assert.Equal(t, 0, res.Candidates[0].Hint.EpisodeOffset)
	assert.Equal(t, "/mnt/array/tv/s01e04.mkv", res.Candidates[1].Path)
	assert.Equal(t, 1, res.Candidates[1].Hint.EpisodeOffset)
	assert.Equal(t, "/mnt/array/tv/s01e05.mkv", res.Candidates[2].Path)
}

func TestOnDeckMovieSingleCandidate(t *testing.T) {
	srv := &fakeServer{
		onDeck: map[string][]plex.Item{
			"alice": {{
				RatingKey: "m1",
				Kind:      plex.KindMovie,
				Path:      "/mnt/array/movies/film.mkv",
				AddedAt:   time.Now().Add(-time.Hour),
			}},
		},
	}
	res := NewOnDeck(srv, collectorConfig()).Collect(context.Background())
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, store.SourceOnDeck, res.Candidates[0].Source)
}

func TestOnDeckSkipsItemsOutsideMonitorWindow(t *testing.T) {
	old := episode("ep1", "show1", "/old.mkv", 1, 1)
	old.AddedAt = time.Now().AddDate(0, 0, -30)
	srv := &fakeServer{onDeck: map[string][]plex.Item{"alice": {old}}}

	res := NewOnDeck(srv, collectorConfig()).Collect(context.Background())
	assert.Empty(t, res.Candidates)
}

func TestOnDeckSkippedWithoutUsers(t *testing.T) {
	cfg := collectorConfig()
	cfg.Users = map[string]config.UserPolicy{"alice": {Excluded: true, OnDeck: true}}
	res := NewOnDeck(&fakeServer{}, cfg).Collect(context.Background())
	assert.Equal(t, StatusSkipped, res.Status)
}

func TestOnDeckAllUsersFailedIsFailure(t *testing.T) {
	srv := &fakeServer{err: errors.New("plex down")}
	res := NewOnDeck(srv, collectorConfig()).Collect(context.Background())
	assert.Equal(t, StatusFailed, res.Status)
	assert.Error(t, res.Err)
}

func TestWatchlistMoviesRequireAiring(t *testing.T) {
	unaired := plex.Item{
		Kind:    plex.KindMovie,
		Path:    "/mnt/array/movies/future.mkv",
		AddedAt: time.Now(),
		AiredAt: time.Now().Add(30 * 24 * time.Hour),
	}
	aired := plex.Item{
		Kind:    plex.KindMovie,
		Path:    "/mnt/array/movies/out.mkv",
		AddedAt: time.Now(),
		AiredAt: time.Now().Add(-24 * time.Hour),
	}
	srv := &fakeServer{watchlist: map[string][]plex.Item{"alice": {unaired, aired}}}

	res := NewWatchlist(srv, collectorConfig()).Collect(context.Background())
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "/mnt/array/movies/out.mkv", res.Candidates[0].Path)
}

func TestWatchlistShowTakesFirstAiredEpisodes(t *testing.T) {
	show := plex.Item{
		RatingKey: "show1",
		Kind:      plex.KindShow,
		AddedAt:   time.Now().Add(-48 * time.Hour),
	}
	future := episode("ep3", "show1", "/tv/s01e03.mkv", 1, 3)
	future.AiredAt = time.Now().Add(24 * time.Hour)
	srv := &fakeServer{
		watchlist: map[string][]plex.Item{"alice": {show}},
		episodes: map[string][]plex.Item{
			"show1": {
				episode("ep1", "show1", "/tv/s01e01.mkv", 1, 1),
				episode("ep2", "show1", "/tv/s01e02.mkv", 1, 2),
				future,
			},
		},
	}
	res := NewWatchlist(srv, collectorConfig()).Collect(context.Background())
	require.Len(t, res.Candidates, 2, "episodes_per_show caps the expansion")
	assert.Equal(t, 0, res.Candidates[0].Hint.RankWithinShow)
	assert.Equal(t, 1, res.Candidates[1].Hint.RankWithinShow)
	assert.True(t, show.AddedAt.Equal(res.Candidates[0].Hint.AddedAt),
		"episodes inherit the show's watchlist-add time")
}

type fakeProvider struct {
	id      string
	entries []ListEntry
	err     error
}

func (p *fakeProvider) ID() string { return p.id }
func (p *fakeProvider) Fetch(_ context.Context, limit int) ([]ListEntry, error) {
	if p.err != nil {
		return nil, p.err
	}
	if limit > 0 && len(p.entries) > limit {
		return p.entries[:limit], nil
	}
	return p.entries, nil
}

func listsConfig(mode string, count, fillLimit int) *config.AppConfig {
	cfg := collectorConfig()
	cfg.Lists = []config.ListConfig{{
		ID:        "top",
		Type:      "custom",
		Count:     count,
		Mode:      mode,
		FillLimit: fillLimit,
	}}
	return cfg
}

func listServer() *fakeServer {
	return &fakeServer{byGUID: map[string]plex.Item{
		"imdb://tt1": {RatingKey: "r1", Kind: plex.KindMovie, Path: "/movies/one.mkv"},
		"imdb://tt3": {RatingKey: "r3", Kind: plex.KindMovie, Path: "/movies/three.mkv"},
		"imdb://tt4": {RatingKey: "r4", Kind: plex.KindMovie, Path: "/movies/four.mkv"},
	}}
}

var listEntries = []ListEntry{
	{Title: "One", GUIDs: []string{"imdb://tt1"}},
	{Title: "Two (not in library)", GUIDs: []string{"imdb://tt2"}},
	{Title: "Three", GUIDs: []string{"imdb://tt3"}},
	{Title: "Four", GUIDs: []string{"imdb://tt4"}},
}

func TestListsStrictModeBurnsSlots(t *testing.T) {
	prov := &fakeProvider{id: "top", entries: listEntries}
	l := NewLists(listServer(), listsConfig("strict", 2, 0), []Provider{prov})

	res := l.Collect(context.Background())
	require.Equal(t, StatusOK, res.Status)
	// Top two slots: tt1 resolves, tt2 burns its slot.
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "/movies/one.mkv", res.Candidates[0].Path)
	assert.Equal(t, ListUser, res.Candidates[0].User)
}

func TestListsFillModeWalksDown(t *testing.T) {
	prov := &fakeProvider{id: "top", entries: listEntries}
	l := NewLists(listServer(), listsConfig("fill", 2, 4), []Provider{prov})

	res := l.Collect(context.Background())
	require.Len(t, res.Candidates, 2)
	assert.Equal(t, "/movies/one.mkv", res.Candidates[0].Path)
	assert.Equal(t, "/movies/three.mkv", res.Candidates[1].Path)
}

func TestListsSkippedWithoutEnabledUsers(t *testing.T) {
	cfg := listsConfig("strict", 2, 0)
	cfg.Users = map[string]config.UserPolicy{"alice": {OnDeck: true}}
	l := NewLists(listServer(), cfg, []Provider{&fakeProvider{id: "top"}})
	assert.Equal(t, StatusSkipped, l.Collect(context.Background()).Status)
}

func TestListsAllProvidersFailedIsFailure(t *testing.T) {
	prov := &fakeProvider{id: "top", err: errors.New("upstream 500")}
	l := NewLists(listServer(), listsConfig("strict", 2, 0), []Provider{prov})
	res := l.Collect(context.Background())
	assert.Equal(t, StatusFailed, res.Status)
}
