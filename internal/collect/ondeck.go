// SPDX-License-Identifier: MIT

package collect

import (
	"context"
	"sort"
	"time"

	"github.com/ManuGH/plexcached/internal/config"
	"github.com/ManuGH/plexcached/internal/log"
	"github.com/ManuGH/plexcached/internal/plex"
	"github.com/ManuGH/plexcached/internal/store"
	"github.com/rs/zerolog"
)

// OnDeck emits, for every enabled user, the current OnDeck episode plus the
// next episodes-ahead-1 episodes of the same show. Movies emit a single
// candidate.
type OnDeck struct {
	server plex.MediaServer
	cfg    *config.AppConfig
	logger zerolog.Logger
}

// NewOnDeck builds the OnDeck collector.
func NewOnDeck(server plex.MediaServer, cfg *config.AppConfig) *OnDeck {
	return &OnDeck{server: server, cfg: cfg, logger: log.WithComponent("collect.ondeck")}
}

func (o *OnDeck) Name() string { return "ondeck" }

// Collect walks all enabled users' queues. A per-user fetch error degrades
// to a warning; only a total failure marks the result failed.
func (o *OnDeck) Collect(ctx context.Context) Result {
	users := enabledUsers(o.cfg, func(p config.UserPolicy) bool { return p.OnDeck })
	if len(users) == 0 {
		return skipped(o.Name(), store.SourceOnDeck)
	}

	ahead := o.cfg.OnDeck.EpisodesAhead
	if ahead < 1 {
		ahead = 1
	}
	cutoff := time.Time{}
	if d := o.cfg.OnDeck.DaysToMonitor; d > 0 {
		cutoff = time.Now().AddDate(0, 0, -d)
	}

	res := Result{Name: o.Name(), Source: store.SourceOnDeck, Status: StatusOK}
	var lastErr error
	failures := 0
	for _, user := range users {
		items, err := o.server.OnDeck(ctx, user)
		if err != nil {
			failures++
			lastErr = err
			o.logger.Warn().
				Err(err).
				Str(log.FieldUser, user).
				Str(log.FieldEvent, "collect.ondeck.user_failed").
				Msg("ondeck fetch failed for user")
			continue
		}
		for _, it := range items {
			if !cutoff.IsZero() && !it.AddedAt.IsZero() && it.AddedAt.Before(cutoff) {
				continue
			}
			res.Candidates = append(res.Candidates, o.expand(ctx, user, it, ahead)...)
		}
	}
	if failures == len(users) && lastErr != nil {
		return failed(o.Name(), store.SourceOnDeck, lastErr)
	}
	return res
}

// expand turns one OnDeck item into the episode window.
func (o *OnDeck) expand(ctx context.Context, user string, it plex.Item, ahead int) []Candidate {
	if it.Kind == plex.KindMovie {
		return []Candidate{{
			Path:   it.Path,
			Source: store.SourceOnDeck,
			User:   user,
			Hint:   Hint{EpisodeOffset: 0, IsCurrentOnDeck: true},
		}}
	}

	window := []plex.Item{it}
	if ahead > 1 && it.ShowKey != "" {
		eps, err := o.server.ShowEpisodes(ctx, it.ShowKey)
		if err != nil {
			o.logger.Warn().
				Err(err).
				Str(log.FieldUser, user).
				Str(log.FieldEvent, "collect.ondeck.episodes_failed").
				Msg("episode expansion failed, caching the current episode only")
		} else {
			for i, ep := range eps {
				if ep.RatingKey != it.RatingKey {
					continue
				}
				for j := i + 1; j < len(eps) && len(window) < ahead; j++ {
					window = append(window, eps[j])
				}
				break
			}
		}
	}

	out := make([]Candidate, 0, len(window))
	for i, ep := range window {
		out = append(out, Candidate{
			Path:   ep.Path,
			Source: store.SourceOnDeck,
			User:   user,
			Hint: Hint{
				EpisodeOffset:   i,
				IsCurrentOnDeck: i == 0,
			},
		})
	}
	return out
}

// enabledUsers lists configured user IDs whose effective policy passes the
// filter; excluded users never contribute.
func enabledUsers(cfg *config.AppConfig, pass func(config.UserPolicy) bool) []string {
	var out []string
	for id, p := range cfg.Users {
		if p.Excluded {
			continue
		}
		if pass(p) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
