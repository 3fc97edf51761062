// SPDX-License-Identifier: MIT

// Package collect gathers cache candidates from the upstream sources. Each
// collector degrades independently: a failure yields a failed Result, never
// an aborted cycle.
package collect

import (
	"context"
	"time"

	"github.com/ManuGH/plexcached/internal/store"
)

// ListUser is the synthetic user ID attributed to list-sourced entries so
// that tracked rows always carry a non-empty user set without inflating the
// multi-user score bonus.
const ListUser = "@lists"

// Hint carries source-specific scoring inputs.
type Hint struct {
	// OnDeck
	EpisodeOffset   int // 0 = the OnDeck episode itself
	IsCurrentOnDeck bool

	// Watchlist
	AddedAt        time.Time
	RankWithinShow int

	// Lists
	ListID string
	Rank   int
}

// Candidate is one path a collector wants cached.
type Candidate struct {
	Path   string
	Source store.Source
	User   string
	Hint   Hint
}

// StatusKind tags a collector outcome.
type StatusKind string

const (
	StatusOK      StatusKind = "ok"
	StatusSkipped StatusKind = "skipped"
	StatusFailed  StatusKind = "failed"
)

// Result is the outcome of one collector run. The planner reasons over
// partial outputs by inspecting Status instead of catching errors.
type Result struct {
	Name       string
	Source     store.Source
	Status     StatusKind
	Err        error
	Candidates []Candidate
}

// Collector is the shared contract of the upstream collectors.
type Collector interface {
	Name() string
	Collect(ctx context.Context) Result
}

func failed(name string, src store.Source, err error) Result {
	return Result{Name: name, Source: src, Status: StatusFailed, Err: err}
}

func skipped(name string, src store.Source) Result {
	return Result{Name: name, Source: src, Status: StatusSkipped}
}
