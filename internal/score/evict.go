// SPDX-License-Identifier: MIT

package score

import (
	"sort"

	"github.com/ManuGH/plexcached/internal/config"
	"github.com/ManuGH/plexcached/internal/store"
)

// EvictionInput is the state the victim selection runs over. Scores holds
// the current priority per tracked path; paths absent from it score zero.
type EvictionInput struct {
	Snapshot  store.Snapshot
	Protected map[string]struct{}
	Scores    map[string]int

	LimitBytes    uint64
	UsedBytes     int64
	AbovePercent  int
	TargetPercent int
	Mode          config.EvictionMode
	MinPriority   int

	// NeedBytes, when positive, requests eviction of at least this many
	// bytes regardless of the above-threshold gate (pipeline free-space
	// safety net).
	NeedBytes int64
}

// Victim is one selected entry with the score it held at selection time.
type Victim struct {
	Entry store.Entry
	Score int
}

// Plan is the outcome of a victim selection walk.
type Plan struct {
	Victims    []Victim
	ToFree     int64
	FreedBytes int64
	// BudgetExceeded is set when the walk could not meet ToFree, either
	// because eviction is disabled or every remaining entry is protected
	// or above MinPriority.
	BudgetExceeded bool
}

// PlanEviction selects the victim set. It never mutates anything; the
// pipeline executes the plan, and dry-run callers just read it.
func PlanEviction(in EvictionInput) Plan {
	var plan Plan

	threshold := int64(in.LimitBytes) * int64(in.AbovePercent) / 100
	target := int64(in.LimitBytes) * int64(in.TargetPercent) / 100

	if in.NeedBytes > 0 {
		plan.ToFree = in.NeedBytes
		if in.UsedBytes > target {
			if over := in.UsedBytes - target; over > plan.ToFree {
				plan.ToFree = over
			}
		}
	} else {
		if in.UsedBytes <= threshold {
			return plan
		}
		plan.ToFree = in.UsedBytes - target
	}

	if in.Mode == config.EvictNone {
		plan.BudgetExceeded = plan.ToFree > 0
		return plan
	}

	candidates := make([]Victim, 0, len(in.Snapshot.Entries))
	for _, e := range in.Snapshot.Entries {
		if e.Status != store.StatusActive {
			continue
		}
		if _, ok := in.Protected[e.Path]; ok {
			continue
		}
		s := in.Scores[e.Path]
		if s >= 100 {
			continue // pinned
		}
		if in.MinPriority > 0 && s >= in.MinPriority {
			continue
		}
		candidates = append(candidates, Victim{Entry: e, Score: s})
	}

	switch in.Mode {
	case config.EvictFIFO:
		sort.SliceStable(candidates, func(i, j int) bool {
			a, b := candidates[i].Entry, candidates[j].Entry
			if !a.CachedAt.Equal(b.CachedAt) {
				return a.CachedAt.Before(b.CachedAt)
			}
			return a.Path < b.Path
		})
	case config.EvictSmart:
		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].Score != candidates[j].Score {
				return candidates[i].Score < candidates[j].Score
			}
			a, b := candidates[i].Entry, candidates[j].Entry
			if !a.CachedAt.Equal(b.CachedAt) {
				return a.CachedAt.Before(b.CachedAt)
			}
			return a.Path < b.Path
		})
	}

	for _, v := range candidates {
		if plan.FreedBytes >= plan.ToFree {
			break
		}
		plan.Victims = append(plan.Victims, v)
		plan.FreedBytes += v.Entry.SizeBytes
	}
	if plan.FreedBytes < plan.ToFree {
		plan.BudgetExceeded = true
	}
	return plan
}
