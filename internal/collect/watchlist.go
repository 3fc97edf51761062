// SPDX-License-Identifier: MIT

package collect

import (
	"context"
	"time"

	"github.com/ManuGH/plexcached/internal/config"
	"github.com/ManuGH/plexcached/internal/log"
	"github.com/ManuGH/plexcached/internal/plex"
	"github.com/ManuGH/plexcached/internal/store"
	"github.com/rs/zerolog"
)

// Watchlist emits, for every enabled user, their watchlisted movies and the
// first episodes_per_show already-aired episodes of each watchlisted show.
type Watchlist struct {
	server plex.MediaServer
	cfg    *config.AppConfig
	logger zerolog.Logger
}

// NewWatchlist builds the watchlist collector.
func NewWatchlist(server plex.MediaServer, cfg *config.AppConfig) *Watchlist {
	return &Watchlist{server: server, cfg: cfg, logger: log.WithComponent("collect.watchlist")}
}

func (w *Watchlist) Name() string { return "watchlist" }

func (w *Watchlist) Collect(ctx context.Context) Result {
	users := enabledUsers(w.cfg, func(p config.UserPolicy) bool { return p.Watchlist })
	if len(users) == 0 {
		return skipped(w.Name(), store.SourceWatchlist)
	}

	perShow := w.cfg.Watchlist.EpisodesPerShow
	if perShow < 1 {
		perShow = 1
	}
	now := time.Now()

	res := Result{Name: w.Name(), Source: store.SourceWatchlist, Status: StatusOK}
	var lastErr error
	failures := 0
	for _, user := range users {
		items, err := w.server.Watchlist(ctx, user)
		if err != nil {
			failures++
			lastErr = err
			w.logger.Warn().
				Err(err).
				Str(log.FieldUser, user).
				Str(log.FieldEvent, "collect.watchlist.user_failed").
				Msg("watchlist fetch failed for user")
			continue
		}
		for _, it := range items {
			switch it.Kind {
			case plex.KindMovie:
				if !it.Aired(now) {
					continue
				}
				res.Candidates = append(res.Candidates, Candidate{
					Path:   it.Path,
					Source: store.SourceWatchlist,
					User:   user,
					Hint:   Hint{AddedAt: it.AddedAt, RankWithinShow: 0},
				})
			case plex.KindShow:
				res.Candidates = append(res.Candidates, w.expandShow(ctx, user, it, perShow, now)...)
			case plex.KindEpisode:
				if !it.Aired(now) {
					continue
				}
				res.Candidates = append(res.Candidates, Candidate{
					Path:   it.Path,
					Source: store.SourceWatchlist,
					User:   user,
					Hint:   Hint{AddedAt: it.AddedAt, RankWithinShow: 0},
				})
			}
		}
	}
	if failures == len(users) && lastErr != nil {
		return failed(w.Name(), store.SourceWatchlist, lastErr)
	}
	return res
}

// expandShow emits the first aired episodes of a watchlisted show.
func (w *Watchlist) expandShow(ctx context.Context, user string, show plex.Item, perShow int, now time.Time) []Candidate {
	eps, err := w.server.ShowEpisodes(ctx, show.RatingKey)
	if err != nil {
		w.logger.Warn().
			Err(err).
			Str(log.FieldUser, user).
			Str(log.FieldEvent, "collect.watchlist.episodes_failed").
			Msg("show expansion failed, skipping show")
		return nil
	}
	var out []Candidate
	rank := 0
	for _, ep := range eps {
		if rank >= perShow {
			break
		}
		if !ep.Aired(now) || ep.Path == "" {
			continue
		}
		out = append(out, Candidate{
			Path:   ep.Path,
			Source: store.SourceWatchlist,
			User:   user,
			Hint:   Hint{AddedAt: show.AddedAt, RankWithinShow: rank},
		})
		rank++
	}
	return out
}
