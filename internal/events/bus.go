// SPDX-License-Identifier: MIT

// Package events is the realtime feed of cache activity. Events carry a
// monotonically increasing sequence number so clients can detect gaps; the
// feed is best-effort and the HTTP file listing remains the source of truth.
package events

import (
	"context"
	"sync"
	"time"
)

// Type enumerates the emitted event kinds.
type Type string

const (
	TypeFileAdded    Type = "cache_file_added"
	TypeFileRemoved  Type = "cache_file_removed"
	TypeStatsUpdated Type = "cache_statistics_updated"
	TypeProgress     Type = "operation_progress"
)

// Event is one feed entry.
type Event struct {
	Seq     uint64    `json:"seq"`
	Type    Type      `json:"type"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// Progress is the payload of operation_progress events.
type Progress struct {
	OperationID string  `json:"operation_id"`
	Path        string  `json:"path"`
	Kind        string  `json:"kind"` // cache_in, restore, evict
	BytesDone   int64   `json:"bytes_done"`
	BytesTotal  int64   `json:"bytes_total"`
	Status      string  `json:"status"` // running, completed, failed
	Reason      string  `json:"reason,omitempty"`
	Fraction    float64 `json:"fraction"`
}

const defaultRetain = 512

// Bus buffers the most recent events and wakes long-poll waiters.
type Bus struct {
	mu     sync.Mutex
	seq    uint64
	buf    []Event
	retain int
	wake   chan struct{}
}

// NewBus builds a bus retaining the last retain events (default 512).
func NewBus(retain int) *Bus {
	if retain <= 0 {
		retain = defaultRetain
	}
	return &Bus{retain: retain, wake: make(chan struct{})}
}

// Emit appends one event, assigning its sequence number.
func (b *Bus) Emit(t Type, payload any) Event {
	b.mu.Lock()
	b.seq++
	ev := Event{Seq: b.seq, Type: t, Time: time.Now(), Payload: payload}
	b.buf = append(b.buf, ev)
	if len(b.buf) > b.retain {
		b.buf = b.buf[len(b.buf)-b.retain:]
	}
	close(b.wake)
	b.wake = make(chan struct{})
	b.mu.Unlock()
	return ev
}

// Since returns buffered events with Seq > after.
func (b *Bus) Since(after uint64) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for _, ev := range b.buf {
		if ev.Seq > after {
			out = append(out, ev)
		}
	}
	return out
}

// WaitSince blocks until events newer than after exist, the context ends, or
// maxWait elapses. It returns whatever is available (possibly nothing).
func (b *Bus) WaitSince(ctx context.Context, after uint64, maxWait time.Duration) []Event {
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	for {
		b.mu.Lock()
		wake := b.wake
		b.mu.Unlock()

		if evs := b.Since(after); len(evs) > 0 {
			return evs
		}
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return nil
		case <-wake:
		}
	}
}

// Seq returns the current sequence high-water mark.
func (b *Bus) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}
