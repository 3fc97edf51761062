// SPDX-License-Identifier: MIT

// Package plan joins collector output, session state and the tracking
// snapshot into the Desired Cache Set plus the task lists that realise it.
// The planner is pure over its inputs: it never touches the store or the
// filesystem beyond stat calls through the resolver.
package plan

import (
	"context"
	"errors"
	"time"

	"github.com/ManuGH/plexcached/internal/collect"
	"github.com/ManuGH/plexcached/internal/config"
	"github.com/ManuGH/plexcached/internal/log"
	"github.com/ManuGH/plexcached/internal/pathmap"
	"github.com/ManuGH/plexcached/internal/plex"
	"github.com/ManuGH/plexcached/internal/score"
	"github.com/ManuGH/plexcached/internal/store"
	"github.com/rs/zerolog"
)

// Desired is one entry of the Desired Cache Set.
type Desired struct {
	Path      string
	Score     int
	Users     []string
	Source    store.Source
	Signals   []score.Signal
	SizeBytes int64
	Protected bool
}

// CacheIn is a task to bring one path onto the cache.
type CacheIn struct {
	Path      string
	Score     int
	Users     []string
	Source    store.Source
	SizeBytes int64
	// Protected forces atomicCopy; the path is in an active session.
	Protected bool
}

// Restore is a task to move one path back to the array.
type Restore struct {
	Path string
}

// Output is the result of one planning pass.
type Output struct {
	Desired  map[string]Desired
	CacheIns []CacheIn
	Restores []Restore
	// LastSeen lists tracked paths seen upstream this cycle.
	LastSeen []string
	// Scores covers the union of desired and tracked paths; the eviction
	// walk reads it.
	Scores map[string]int
	// Deferred lists candidates dropped because caching is disabled
	// (zero budget with eviction off).
	Deferred []string
	Warnings []string
}

// Input is everything a planning pass consumes, snapshotted at tick start.
type Input struct {
	Sessions   []plex.Session
	Results    []collect.Result
	Snapshot   store.Snapshot
	LastActive map[string]time.Time // per-user last observed activity
	Now        time.Time
}

// Planner holds the static collaborators.
type Planner struct {
	cfg      *config.AppConfig
	resolver *pathmap.Resolver
	logger   zerolog.Logger

	unknownRoots map[string]struct{} // log once per unknown root
}

// New builds a planner.
func New(cfg *config.AppConfig, resolver *pathmap.Resolver) *Planner {
	return &Planner{
		cfg:          cfg,
		resolver:     resolver,
		logger:       log.WithComponent("plan"),
		unknownRoots: make(map[string]struct{}),
	}
}

// pathState accumulates per-path planning state before scoring.
type pathState struct {
	signals   []score.Signal
	users     map[string]struct{}
	protected bool
	sibling   bool
	parent    string
}

// Plan runs one planning pass.
func (p *Planner) Plan(ctx context.Context, in Input) Output {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	out := Output{
		Desired: make(map[string]Desired),
		Scores:  make(map[string]int),
	}

	inactiveCutoff := time.Time{}
	if d := p.cfg.ExcludeInactiveUsersDays; d > 0 {
		inactiveCutoff = now.AddDate(0, 0, -d)
	}

	states := make(map[string]*pathState)
	get := func(path string) *pathState {
		st, ok := states[path]
		if !ok {
			st = &pathState{users: make(map[string]struct{})}
			states[path] = st
		}
		return st
	}

	// 1. Union collector outputs, dropping unresolvable paths and
	// candidates from long-inactive shared users. A failed collector holds
	// its last-seen state: rows attributed to its source are neither
	// refreshed nor restored this cycle.
	failedSources := make(map[store.Source]bool)
	for _, res := range in.Results {
		if res.Status != collect.StatusOK {
			if res.Status == collect.StatusFailed {
				failedSources[res.Source] = true
				out.Warnings = append(out.Warnings, res.Name+": "+res.Err.Error())
			}
			continue
		}
		for _, c := range res.Candidates {
			if c.Path == "" {
				continue
			}
			if !inactiveCutoff.IsZero() && c.User != collect.ListUser {
				if last, ok := in.LastActive[c.User]; ok && last.Before(inactiveCutoff) {
					continue
				}
			}
			if _, err := p.resolver.Resolve(c.Path); err != nil {
				p.logUnknownRoot(c.Path, err)
				continue
			}
			sig := signalFor(c)
			// OnDeck freshness ages against the row's prior upstream
			// sighting; a first sighting carries no age term.
			if sig.Source == store.SourceOnDeck {
				if prev, ok := in.Snapshot.Get(c.Path); ok {
					sig.OnDeckLastSeen = prev.LastSeen
				}
			}
			st := get(c.Path)
			st.users[c.User] = struct{}{}
			st.signals = append(st.signals, sig)
		}
	}

	// 2. Active sessions join the desired set unconditionally and protect
	// their paths. Session paths under unknown roots still protect the
	// pipeline but cannot be planned.
	for _, s := range in.Sessions {
		if _, err := p.resolver.Resolve(s.Path); err != nil {
			p.logUnknownRoot(s.Path, err)
			continue
		}
		st := get(s.Path)
		st.protected = true
		st.users[s.User] = struct{}{}
		st.signals = append(st.signals, score.Signal{Source: store.SourceActiveWatch, EpisodeOffset: -1})
	}

	// 3. Subtitle siblings inherit the parent's claim.
	for path, st := range states {
		if st.sibling {
			continue
		}
		sibs, err := p.resolver.Siblings(path)
		if err != nil {
			continue
		}
		for _, sib := range sibs {
			ss := get(sib.Path)
			ss.sibling = true
			ss.parent = path
		}
	}

	// 4. Score and materialise the desired set.
	retention := p.cfg.Cache.MinRetention()
	for path, st := range states {
		src := st
		if st.sibling && st.parent != "" {
			if parent, ok := states[st.parent]; ok {
				src = parent
			}
		}
		users := setToSlice(src.users)
		sc := score.Score(score.Input{
			ActiveSession: src.protected,
			Signals:       src.signals,
			UserCount:     len(users),
			CachedAt:      cachedAt(in.Snapshot, path),
			Retention:     retention,
			Now:           now,
		})
		d := Desired{
			Path:      path,
			Score:     sc,
			Users:     users,
			Source:    dominantSource(src, now),
			Signals:   src.signals,
			Protected: src.protected,
		}
		out.Desired[path] = d
		out.Scores[path] = sc
	}

	// 5. Merge against the tracked state. pendingRemoval rows are invisible
	// here; the reconciler owns them.
	tracked := make(map[string]store.Entry, len(in.Snapshot.Entries))
	for _, e := range in.Snapshot.Entries {
		if e.Status == store.StatusPendingRemoval {
			continue
		}
		tracked[e.Path] = e
	}

	cachingDisabled := p.cfg.Cache.LimitBytes == 0 && p.cfg.Cache.Mode == config.EvictNone

	for path, d := range out.Desired {
		if _, ok := tracked[path]; ok {
			out.LastSeen = append(out.LastSeen, path)
			continue
		}
		mf, err := p.resolver.Stat(path)
		if err != nil {
			out.Warnings = append(out.Warnings, "stat "+path+": "+err.Error())
			continue
		}
		if cachingDisabled {
			out.Deferred = append(out.Deferred, path)
			continue
		}
		d.SizeBytes = mf.Size
		out.Desired[path] = d
		out.CacheIns = append(out.CacheIns, CacheIn{
			Path:      path,
			Score:     d.Score,
			Users:     d.Users,
			Source:    d.Source,
			SizeBytes: mf.Size,
			Protected: d.Protected,
		})
	}

	// 6. Tracked entries that fell off every upstream become restore
	// candidates, guarded by retention and protection.
	protected := make(map[string]struct{}, len(in.Sessions))
	for _, s := range in.Sessions {
		protected[s.Path] = struct{}{}
	}
	for path, e := range tracked {
		if _, wanted := out.Desired[path]; wanted {
			continue
		}
		// Score tracked-only entries from their stored attribution so the
		// eviction walk can order them.
		out.Scores[path] = score.Score(score.Input{
			Signals:   signalsFromEntry(e),
			UserCount: len(e.Users),
			CachedAt:  e.CachedAt,
			Retention: retention,
			Now:       now,
		})
		if e.Status != store.StatusActive {
			continue
		}
		if _, ok := protected[path]; ok {
			continue
		}
		if failedSources[e.Source] {
			continue
		}
		// Manual pins persist until removed through the API.
		if e.Source == store.SourceManual {
			continue
		}
		if retention > 0 && now.Sub(e.CachedAt) < retention {
			continue
		}
		out.Restores = append(out.Restores, Restore{Path: path})
	}

	sortOutput(&out)
	return out
}

func (p *Planner) logUnknownRoot(path string, err error) {
	if !errors.Is(err, pathmap.ErrUnknownRoot) {
		return
	}
	root := pathmap.RootOf(path)
	if _, seen := p.unknownRoots[root]; seen {
		return
	}
	p.unknownRoots[root] = struct{}{}
	p.logger.Warn().
		Str(log.FieldPath, path).
		Str(log.FieldEvent, "plan.unknown_root").
		Msg("dropping candidates under unconfigured root")
}

func signalFor(c collect.Candidate) score.Signal {
	sig := score.Signal{Source: c.Source, EpisodeOffset: -1}
	switch c.Source {
	case store.SourceOnDeck:
		sig.EpisodeOffset = c.Hint.EpisodeOffset
	case store.SourceWatchlist:
		sig.WatchlistAddedAt = c.Hint.AddedAt
	}
	return sig
}

// signalsFromEntry reconstructs scoring signals for a tracked row from its
// stored attribution.
func signalsFromEntry(e store.Entry) []score.Signal {
	sig := score.Signal{Source: e.Source, EpisodeOffset: -1}
	switch e.Source {
	case store.SourceOnDeck:
		sig.OnDeckLastSeen = e.LastSeen
	case store.SourceWatchlist:
		sig.WatchlistAddedAt = e.LastSeen
	}
	return []score.Signal{sig}
}

func dominantSource(st *pathState, now time.Time) store.Source {
	if st.protected {
		return store.SourceActiveWatch
	}
	if src := score.Dominant(st.signals, now); src != "" {
		return src
	}
	return store.SourceManual
}

func cachedAt(snap store.Snapshot, path string) time.Time {
	if e, ok := snap.Get(path); ok {
		return e.CachedAt
	}
	return time.Time{}
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sortStrings(out)
	return out
}
