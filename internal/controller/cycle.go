// SPDX-License-Identifier: MIT

package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/plexcached/internal/collect"
	"github.com/ManuGH/plexcached/internal/events"
	"github.com/ManuGH/plexcached/internal/log"
	"github.com/ManuGH/plexcached/internal/metrics"
	"github.com/ManuGH/plexcached/internal/pipeline"
	"github.com/ManuGH/plexcached/internal/plan"
	"github.com/ManuGH/plexcached/internal/store"
	"github.com/google/uuid"
)

// CycleResult summarises one planning tick.
type CycleResult struct {
	ID              string               `json:"id"`
	StartedAt       time.Time            `json:"started_at"`
	DurationSeconds float64              `json:"duration_seconds"`
	FilesCached     int                  `json:"files_cached"`
	BytesCached     int64                `json:"bytes_cached"`
	FilesRestored   int                  `json:"files_restored"`
	BytesRestored   int64                `json:"bytes_restored"`
	FilesEvicted    int                  `json:"files_evicted"`
	BytesEvicted    int64                `json:"bytes_evicted"`
	Deferred        int                  `json:"deferred"`
	Errors          []pipeline.TaskError `json:"errors,omitempty"`
	Warnings        []string             `json:"warnings,omitempty"`
}

// RunCycle executes one planning tick on demand. It shares the
// skip-if-running guard with the ticker, so a manual trigger during a
// running tick reports busy instead of overlapping.
func (c *Controller) RunCycle(ctx context.Context) (CycleResult, bool) {
	if !c.planRunning.TryLock() {
		return CycleResult{}, false
	}
	defer c.planRunning.Unlock()
	return c.runCycleLocked(ctx), true
}

// runCycleLocked is the full planning tick: collect, plan, execute, then
// budget enforcement. Caller holds planRunning. The tick gets a deadline
// short of the next fire so a hung upstream cannot stall the cadence
// forever.
func (c *Controller) runCycleLocked(ctx context.Context) CycleResult {
	deadline := time.Duration(float64(c.cfg.Plan.PlanInterval) * 0.9)
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	res := CycleResult{ID: uuid.NewString(), StartedAt: start}
	logger := c.logger.With().Str(log.FieldTaskID, res.ID).Logger()
	logger.Info().Str(log.FieldEvent, "cycle.start").Msg("planning tick started")
	metrics.PlanCycles.Inc()

	sess := c.monitor.Poll(ctx)
	results := c.runCollectors(ctx)

	snap, err := c.st.Snapshot(ctx)
	if err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "cycle.snapshot_failed").Msg("cannot snapshot tracking store")
		c.health.SetStoreWritable(false)
		res.DurationSeconds = time.Since(start).Seconds()
		c.record(res)
		return res
	}
	c.health.SetStoreWritable(true)

	c.mu.RLock()
	lastActive := make(map[string]time.Time, len(c.lastActive))
	for k, v := range c.lastActive {
		lastActive[k] = v
	}
	c.mu.RUnlock()

	out := c.planner.Plan(ctx, plan.Input{
		Sessions:   sess,
		Results:    results,
		Snapshot:   snap,
		LastActive: lastActive,
		Now:        start,
	})
	res.Warnings = out.Warnings
	res.Deferred = len(out.Deferred)

	c.mu.Lock()
	c.lastScores = out.Scores
	counts := make(map[store.Source]int)
	for _, r := range results {
		if r.Status == collect.StatusOK {
			counts[r.Source] = len(r.Candidates)
		}
	}
	c.lastCounts = counts
	c.mu.Unlock()

	if len(out.LastSeen) > 0 {
		if err := c.st.UpdateLastSeen(ctx, out.LastSeen, start); err != nil {
			logger.Warn().Err(err).Str(log.FieldEvent, "cycle.last_seen_failed").Msg("cannot refresh upstream sightings")
		}
	}

	stats := c.pipe.RunBatch(ctx, out.CacheIns, out.Restores)

	// Budget enforcement after the batch: cache-ins may have pushed usage
	// over the high-water mark.
	if ep, err := c.PlanEviction(ctx); err == nil {
		if len(ep.Victims) > 0 {
			evStats := c.pipe.ExecuteEviction(ctx, ep)
			stats = mergeStats(stats, evStats)
		}
		// A breach the walk cannot clear (mode none, or every entry held
		// back by protection or min-priority) still gets reported.
		if ep.BudgetExceeded {
			warning := fmt.Sprintf("cache budget exceeded: %d bytes to free, eviction unavailable or exhausted", ep.ToFree)
			res.Warnings = append(res.Warnings, warning)
			logger.Warn().
				Int64("to_free_bytes", ep.ToFree).
				Str("mode", string(c.cfg.Cache.Mode)).
				Str(log.FieldEvent, "cycle.budget_exceeded").
				Msg("eviction walk could not reach the target")
		}
	}

	res.FilesCached = stats.FilesCached
	res.BytesCached = stats.BytesCached
	res.FilesRestored = stats.FilesRestored
	res.BytesRestored = stats.BytesRestored
	res.FilesEvicted = stats.FilesEvicted
	res.BytesEvicted = stats.BytesEvicted
	res.Errors = stats.Errors
	res.DurationSeconds = time.Since(start).Seconds()

	c.record(res)
	c.publishStats(ctx, res)

	logger.Info().
		Int("files_cached", res.FilesCached).
		Int("files_restored", res.FilesRestored).
		Int("files_evicted", res.FilesEvicted).
		Int("errors", len(res.Errors)).
		Float64("duration_seconds", res.DurationSeconds).
		Str(log.FieldEvent, "cycle.done").
		Msg("planning tick finished")
	return res
}

// runCollectors fans the collectors out in parallel; each degrades
// independently.
func (c *Controller) runCollectors(ctx context.Context) []collect.Result {
	results := make([]collect.Result, len(c.collectors))
	var wg sync.WaitGroup
	for i, col := range c.collectors {
		wg.Add(1)
		go func(i int, col collect.Collector) {
			defer wg.Done()
			results[i] = col.Collect(ctx)
		}(i, col)
	}
	wg.Wait()

	for _, r := range results {
		switch r.Status {
		case collect.StatusFailed:
			metrics.CollectorFailures.WithLabelValues(r.Name).Inc()
			c.logger.Warn().
				Err(r.Err).
				Str(log.FieldSource, string(r.Source)).
				Str(log.FieldEvent, "collect.failed").
				Msgf("collector %s failed, holding its last-seen state", r.Name)
		case collect.StatusSkipped:
			c.logger.Debug().
				Str(log.FieldSource, string(r.Source)).
				Str(log.FieldEvent, "collect.skipped").
				Msgf("collector %s skipped", r.Name)
		}
	}
	return results
}

func (c *Controller) record(res CycleResult) {
	c.mu.Lock()
	c.history = append([]CycleResult{res}, c.history...)
	if len(c.history) > historySize {
		c.history = c.history[:historySize]
	}
	c.mu.Unlock()
	c.health.TickCompleted(len(res.Errors))
}

// publishStats refreshes the usage gauge, the sidecar index, and the event
// feed after a tick.
func (c *Controller) publishStats(ctx context.Context, res CycleResult) {
	snap, err := c.st.Snapshot(ctx)
	if err != nil {
		return
	}
	used := snap.ActiveBytes()
	metrics.CacheUsedBytes.Set(float64(used))

	if err := c.writeIndex(snap, res); err != nil {
		c.logger.Warn().Err(err).Str(log.FieldEvent, "cycle.index_failed").Msg("cannot write cache index sidecar")
	}

	c.bus.Emit(events.TypeStatsUpdated, map[string]any{
		"tracked_files": len(snap.Entries),
		"used_bytes":    used,
		"limit_bytes":   c.cfg.Cache.LimitBytes,
		"cycle_id":      res.ID,
	})
}

func mergeStats(a, b pipeline.BatchStats) pipeline.BatchStats {
	a.FilesCached += b.FilesCached
	a.BytesCached += b.BytesCached
	a.FilesRestored += b.FilesRestored
	a.BytesRestored += b.BytesRestored
	a.FilesEvicted += b.FilesEvicted
	a.BytesEvicted += b.BytesEvicted
	a.Errors = append(a.Errors, b.Errors...)
	return a
}
