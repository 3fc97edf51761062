// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/plexcached/internal/store"
	"github.com/go-chi/chi/v5"
)

const eventLongPoll = 25 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.health.Status()
	// Not ready until the first tick lands and the store accepts writes;
	// orchestrators hold traffic back on 503.
	code := http.StatusOK
	if !s.health.Healthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    st,
		"last_tick": s.health.LastTick(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.st.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store", err.Error())
		return
	}
	counts := s.ctrl.UpstreamCounts()
	history := s.ctrl.History()
	var last any
	if len(history) > 0 {
		last = history[0]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"running":           s.health.Status(),
		"version":           s.version,
		"uptime_seconds":    int64(time.Since(s.startTime).Seconds()),
		"stats":             last,
		"history":           history,
		"active_sessions":   len(s.monitor.Current()),
		"tracked_files":     len(snap.Entries),
		"ondeck_entries":    counts[store.SourceOnDeck],
		"watchlist_entries": counts[store.SourceWatchlist],
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.st.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store", err.Error())
		return
	}
	used := snap.ActiveBytes()
	limit := s.cfg.Cache.LimitBytes
	var pct float64
	if limit > 0 {
		pct = float64(used) / float64(limit) * 100
	}
	breakdown := map[store.Source]map[string]int64{}
	for _, e := range snap.Entries {
		if e.Status != store.StatusActive {
			continue
		}
		b := breakdown[e.Source]
		if b == nil {
			b = map[string]int64{}
			breakdown[e.Source] = b
		}
		b["files"]++
		b["bytes"] += e.SizeBytes
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_size_bytes":    used,
		"limit_bytes":         limit,
		"used_percent":        pct,
		"health":              s.health.Status(),
		"breakdown_by_source": breakdown,
	})
}

func (s *Server) handleCacheFiles(w http.ResponseWriter, r *http.Request) {
	snap, err := s.st.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store", err.Error())
		return
	}
	q := r.URL.Query()
	source := q.Get("source")
	user := q.Get("user")
	limit := intParam(q.Get("limit"), 100, 1000)
	offset := intParam(q.Get("offset"), 0, 1<<30)

	var filtered []store.Entry
	for _, e := range snap.Entries {
		if e.Status == store.StatusPendingRemoval {
			continue
		}
		if source != "" && string(e.Source) != source {
			continue
		}
		if user != "" && !e.HasUser(user) {
			continue
		}
		filtered = append(filtered, e)
	}

	total := len(filtered)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"files":  filtered[offset:end],
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	res, ok := s.ctrl.RunCycle(r.Context())
	if !ok {
		writeError(w, http.StatusConflict, "busy", "a planning tick is already running")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DryRun bool `json:"dry_run"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
			return
		}
	}
	ep, stats, err := s.ctrl.Evict(r.Context(), req.DryRun)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store", err.Error())
		return
	}
	victims := make([]map[string]any, 0, len(ep.Victims))
	for _, v := range ep.Victims {
		victims = append(victims, map[string]any{
			"path":       v.Entry.Path,
			"score":      v.Score,
			"size_bytes": v.Entry.SizeBytes,
		})
	}
	resp := map[string]any{
		"dry_run":         req.DryRun,
		"to_free_bytes":   ep.ToFree,
		"victims":         victims,
		"budget_exceeded": ep.BudgetExceeded,
	}
	if !req.DryRun {
		resp["result"] = stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	sum, err := s.ctrl.Reconcile(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reconcile", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handlePin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
		User string `json:"user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "body must be {path, user?}")
		return
	}
	stats, err := s.ctrl.Pin(r.Context(), req.Path, req.User)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	path := "/" + strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if path == "/" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing path")
		return
	}
	stats, err := s.ctrl.Pipeline().Restore(r.Context(), path)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.monitor.Current()})
}

// handleEvents serves the long-poll event feed. Clients pass the last
// sequence number they saw; the response returns as soon as newer events
// exist, or empty after the poll window.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "since must be a sequence number")
			return
		}
		since = v
	}
	evs := s.bus.WaitSince(r.Context(), since, eventLongPoll)
	writeJSON(w, http.StatusOK, map[string]any{
		"events": evs,
		"seq":    s.bus.Seq(),
	})
}

func intParam(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}
