// SPDX-License-Identifier: MIT

// Package health tracks daemon readiness: the controller flips it healthy
// once the first planning tick has completed and the tracking store accepts
// writes.
package health

import (
	"sync"
	"time"
)

// Status is the overall daemon state.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusStarting Status = "starting"
	StatusDegraded Status = "degraded"
)

// State is the shared readiness record.
type State struct {
	mu             sync.RWMutex
	firstTickDone  bool
	storeWritable  bool
	lastTick       time.Time
	lastTickErrors int
}

// New starts in the starting state.
func New() *State {
	return &State{storeWritable: true}
}

// TickCompleted records one finished planning tick.
func (s *State) TickCompleted(errors int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.firstTickDone = true
	s.lastTick = time.Now()
	s.lastTickErrors = errors
}

// SetStoreWritable records whether the tracking store accepts writes.
func (s *State) SetStoreWritable(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storeWritable = ok
}

// Status reports the current state.
func (s *State) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case !s.firstTickDone:
		return StatusStarting
	case !s.storeWritable:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// Healthy is the health-endpoint predicate.
func (s *State) Healthy() bool {
	return s.Status() == StatusHealthy
}

// LastTick returns when the last planning tick finished.
func (s *State) LastTick() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTick
}
