// SPDX-License-Identifier: MIT

// Package sessions polls the media server for in-progress playback. Sessions
// are advisory: a polling error never fails a cycle, and the last known set
// is reused for a bounded grace window before it is cleared.
package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/ManuGH/plexcached/internal/log"
	"github.com/ManuGH/plexcached/internal/plex"
	"github.com/rs/zerolog"
)

// Monitor keeps the last known session set.
type Monitor struct {
	server plex.MediaServer
	grace  time.Duration
	logger zerolog.Logger

	mu      sync.RWMutex
	current []plex.Session
	lastOK  time.Time
}

// New builds a monitor with the given stale-session grace window.
func New(server plex.MediaServer, grace time.Duration) *Monitor {
	return &Monitor{
		server: server,
		grace:  grace,
		logger: log.WithComponent("sessions"),
	}
}

// Poll refreshes the session set. On error the previous set survives for up
// to the grace window, then degrades to empty.
func (m *Monitor) Poll(ctx context.Context) []plex.Session {
	sess, err := m.server.Sessions(ctx)
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		if now.Sub(m.lastOK) > m.grace {
			if len(m.current) > 0 {
				m.logger.Warn().
					Err(err).
					Str(log.FieldEvent, "sessions.stale_cleared").
					Msg("session poll failing beyond grace, clearing set")
			}
			m.current = nil
		} else {
			m.logger.Warn().
				Err(err).
				Str(log.FieldEvent, "sessions.poll_failed").
				Msg("session poll failed, keeping last known set")
		}
		return cloneSessions(m.current)
	}

	m.current = sess
	m.lastOK = now
	return cloneSessions(m.current)
}

// Current returns the last known set without polling.
func (m *Monitor) Current() []plex.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneSessions(m.current)
}

// ProtectedPaths returns the paths currently being read. Any non-stopped
// session protects its path from moves and eviction.
func (m *Monitor) ProtectedPaths() map[string]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]struct{}, len(m.current))
	for _, s := range m.current {
		out[s.Path] = struct{}{}
	}
	return out
}

func cloneSessions(in []plex.Session) []plex.Session {
	if in == nil {
		return nil
	}
	out := make([]plex.Session, len(in))
	copy(out, in)
	return out
}
