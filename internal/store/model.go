// SPDX-License-Identifier: MIT

// Package store is the persistent tracking index of cached files. One row per
// server-visible path; rows are owned exclusively by this package and written
// only by the redirection pipeline and the reconciler.
package store

import (
	"sort"
	"time"
)

// Source records how a file earned its place on the cache.
type Source string

const (
	SourceOnDeck      Source = "onDeck"
	SourceWatchlist   Source = "watchlist"
	SourceList        Source = "list"
	SourceManual      Source = "manual"
	SourceActiveWatch Source = "activeWatch"
)

// Method records how the redirection was performed.
type Method string

const (
	MethodAtomicCopy    Method = "atomicCopy"
	MethodAtomicSymlink Method = "atomicSymlink"
)

// Status is the lifecycle state of a tracked row.
type Status string

const (
	StatusActive         Status = "active"
	StatusOrphaned       Status = "orphaned"
	StatusPendingRemoval Status = "pendingRemoval"
)

// Entry is one tracking row. Path is the identity.
type Entry struct {
	Path      string    `json:"path"`
	Source    Source    `json:"source"`
	CachedAt  time.Time `json:"cachedAt"`
	LastSeen  time.Time `json:"lastSeenInUpstream"`
	SizeBytes int64     `json:"sizeBytes"`
	Users     []string  `json:"users"`
	Method    Method    `json:"method"`
	Status    Status    `json:"status"`
}

// HasUser reports whether id is in the entry's user set.
func (e *Entry) HasUser(id string) bool {
	for _, u := range e.Users {
		if u == id {
			return true
		}
	}
	return false
}

// mergeUsers unions two user sets, sorted for deterministic serialisation.
func mergeUsers(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, u := range a {
		set[u] = struct{}{}
	}
	for _, u := range b {
		set[u] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Snapshot is an immutable, path-sorted view of the store.
type Snapshot struct {
	Entries []Entry
	TakenAt time.Time
}

// Get returns the entry for path, if present.
func (s *Snapshot) Get(path string) (Entry, bool) {
	i := sort.Search(len(s.Entries), func(i int) bool { return s.Entries[i].Path >= path })
	if i < len(s.Entries) && s.Entries[i].Path == path {
		return s.Entries[i], true
	}
	return Entry{}, false
}

// BySource filters the snapshot to one source.
func (s *Snapshot) BySource(src Source) []Entry {
	var out []Entry
	for _, e := range s.Entries {
		if e.Source == src {
			out = append(out, e)
		}
	}
	return out
}

// ForUser filters the snapshot to rows wanted by one user.
func (s *Snapshot) ForUser(id string) []Entry {
	var out []Entry
	for _, e := range s.Entries {
		if e.HasUser(id) {
			out = append(out, e)
		}
	}
	return out
}

// ActiveBytes sums size over rows with status active.
func (s *Snapshot) ActiveBytes() int64 {
	var n int64
	for _, e := range s.Entries {
		if e.Status == StatusActive {
			n += e.SizeBytes
		}
	}
	return n
}
