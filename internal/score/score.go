// SPDX-License-Identifier: MIT

// Package score assigns every candidate and tracked file a priority in
// [0, 100] and selects eviction victims under the size budget. Everything
// here is pure: inputs in, deterministic outputs out.
package score

import (
	"time"

	"github.com/ManuGH/plexcached/internal/store"
)

// Signal is one upstream source's claim on a path, with its source-specific
// aging inputs.
type Signal struct {
	Source store.Source

	// OnDeck
	EpisodeOffset  int // 0 current, 1 next, 2 next-plus-one; -1 not applicable
	OnDeckLastSeen time.Time

	// Watchlist
	WatchlistAddedAt time.Time
}

// Input is everything the scorer looks at for one path.
type Input struct {
	ActiveSession bool
	Signals       []Signal
	UserCount     int
	CachedAt      time.Time // zero when not yet cached
	Retention     time.Duration
	Now           time.Time
}

const (
	baseOnDeck      = 45
	baseWatchlist   = 30
	baseList        = 25
	baseManual      = 40
	baseActiveWatch = 100

	userBonusStep = 5
	userBonusCap  = 15
)

// Score computes the priority for one path. Components are additive and the
// sum is clipped to [0, 100]; an active session pins the score at 100.
func Score(in Input) int {
	if in.ActiveSession {
		return 100
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	best := 0
	for _, sig := range in.Signals {
		if s := subScore(sig, now); s > best {
			best = s
		}
	}

	total := best
	if in.UserCount > 1 {
		bonus := (in.UserCount - 1) * userBonusStep
		if bonus > userBonusCap {
			bonus = userBonusCap
		}
		total += bonus
	}
	total += recency(in.CachedAt, in.Retention, now)

	return clip(total)
}

// subScore is the per-source contribution: base plus source-specific aging.
func subScore(sig Signal, now time.Time) int {
	switch sig.Source {
	case store.SourceOnDeck:
		s := baseOnDeck
		if !sig.OnDeckLastSeen.IsZero() {
			age := now.Sub(sig.OnDeckLastSeen)
			if age < 24*time.Hour {
				s += 10
			} else if age > 14*24*time.Hour {
				s -= 10
			}
		}
		switch sig.EpisodeOffset {
		case 0:
			s += 15
		case 1:
			s += 10
		case 2:
			s += 5
		}
		return s
	case store.SourceWatchlist:
		s := baseWatchlist
		if !sig.WatchlistAddedAt.IsZero() {
			age := now.Sub(sig.WatchlistAddedAt)
			if age < 7*24*time.Hour {
				s += 10
			} else if age > 60*24*time.Hour {
				s -= 10
			}
		}
		return s
	case store.SourceList:
		return baseList
	case store.SourceManual:
		return baseManual
	case store.SourceActiveWatch:
		return baseActiveWatch
	default:
		return 0
	}
}

// recency rewards freshly cached files: +15 under six hours, decaying
// linearly to zero at the retention horizon.
func recency(cachedAt time.Time, retention time.Duration, now time.Time) int {
	if cachedAt.IsZero() || retention <= 0 {
		return 0
	}
	age := now.Sub(cachedAt)
	if age < 0 {
		age = 0
	}
	if age < 6*time.Hour {
		return 15
	}
	if age >= retention {
		return 0
	}
	span := retention - 6*time.Hour
	if span <= 0 {
		return 0
	}
	remain := retention - age
	return int(15 * float64(remain) / float64(span))
}

func clip(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Dominant picks the source to record on the tracking row: the signal with
// the highest sub-score, ties broken by fixed source precedence so results
// are stable across runs.
func Dominant(signals []Signal, now time.Time) store.Source {
	if now.IsZero() {
		now = time.Now()
	}
	precedence := map[store.Source]int{
		store.SourceActiveWatch: 5,
		store.SourceOnDeck:      4,
		store.SourceManual:      3,
		store.SourceWatchlist:   2,
		store.SourceList:        1,
	}
	best := store.Source("")
	bestScore, bestPrec := -1, -1
	for _, sig := range signals {
		s := subScore(sig, now)
		p := precedence[sig.Source]
		if s > bestScore || (s == bestScore && p > bestPrec) {
			best, bestScore, bestPrec = sig.Source, s, p
		}
	}
	return best
}

// Less is the deterministic tie-break ordering for equal scores: higher
// user-count first, then older cachedAt, then lexicographic path.
func Less(aUsers int, aCachedAt time.Time, aPath string, bUsers int, bCachedAt time.Time, bPath string) bool {
	if aUsers != bUsers {
		return aUsers > bUsers
	}
	if !aCachedAt.Equal(bCachedAt) {
		return aCachedAt.Before(bCachedAt)
	}
	return aPath < bPath
}
