// SPDX-License-Identifier: MIT

// Package controller orchestrates the planning and session cadences. It is
// the star centre of the daemon: it owns every long-lived component, and
// components exchange snapshots and task lists only through it.
package controller

import (
	"context"
	"sync"
	"time"

	"github.com/ManuGH/plexcached/internal/collect"
	"github.com/ManuGH/plexcached/internal/config"
	"github.com/ManuGH/plexcached/internal/events"
	"github.com/ManuGH/plexcached/internal/health"
	"github.com/ManuGH/plexcached/internal/log"
	"github.com/ManuGH/plexcached/internal/metrics"
	"github.com/ManuGH/plexcached/internal/pathmap"
	"github.com/ManuGH/plexcached/internal/pipeline"
	"github.com/ManuGH/plexcached/internal/plan"
	"github.com/ManuGH/plexcached/internal/reconcile"
	"github.com/ManuGH/plexcached/internal/score"
	"github.com/ManuGH/plexcached/internal/sessions"
	"github.com/ManuGH/plexcached/internal/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const historySize = 16

// Controller wires and drives the core components.
type Controller struct {
	cfg        *config.AppConfig
	resolver   *pathmap.Resolver
	st         *store.Store
	bus        *events.Bus
	monitor    *sessions.Monitor
	collectors []collect.Collector
	planner    *plan.Planner
	pipe       *pipeline.Pipeline
	reconciler *reconcile.Reconciler
	health     *health.State
	logger     zerolog.Logger

	// planRunning guards the skip-if-running rule for planning ticks.
	planRunning sync.Mutex

	mu         sync.RWMutex
	lastScores map[string]int
	lastActive map[string]time.Time
	lastCounts map[store.Source]int
	history    []CycleResult

	reconcileNudge chan struct{}
}

// New wires the controller and its owned components.
func New(cfg *config.AppConfig, resolver *pathmap.Resolver, st *store.Store, bus *events.Bus, monitor *sessions.Monitor, collectors []collect.Collector, hs *health.State) *Controller {
	c := &Controller{
		cfg:            cfg,
		resolver:       resolver,
		st:             st,
		bus:            bus,
		monitor:        monitor,
		collectors:     collectors,
		planner:        plan.New(cfg, resolver),
		health:         hs,
		logger:         log.WithComponent("controller"),
		lastScores:     make(map[string]int),
		lastActive:     make(map[string]time.Time),
		lastCounts:     make(map[store.Source]int),
		reconcileNudge: make(chan struct{}, 1),
	}
	c.pipe = pipeline.New(cfg, resolver, st, bus, monitor.ProtectedPaths, c.evictionPlanner)
	c.reconciler = reconcile.New(cfg, resolver, st, c.pipe.Locks())
	return c
}

// Pipeline exposes the execution plane for the API's manual controls.
func (c *Controller) Pipeline() *pipeline.Pipeline { return c.pipe }

// Run drives the tickers until ctx is cancelled. In-flight work completes
// to a safe point before return.
func (c *Controller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	// Startup reconcile adopts whatever a previous crash left behind.
	if _, err := c.reconciler.Run(ctx); err != nil && ctx.Err() == nil {
		c.logger.Warn().Err(err).Str(log.FieldEvent, "controller.startup_reconcile_failed").Msg("startup reconcile failed")
	}

	g.Go(func() error { return c.planLoop(ctx) })
	g.Go(func() error { return c.sessionLoop(ctx) })
	g.Go(func() error { return c.reconcileLoop(ctx) })
	g.Go(func() error {
		err := reconcile.Watch(ctx, c.resolver.CacheRoots(), 30*time.Second, c.NudgeReconcile)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.logger.Warn().Err(err).Str(log.FieldEvent, "controller.watch_unavailable").Msg("cache-root watcher unavailable")
		}
		return nil
	})

	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

func (c *Controller) planLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Plan.PlanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !c.planRunning.TryLock() {
				metrics.PlanSkipped.Inc()
				c.logger.Warn().Str(log.FieldEvent, "plan.tick_skipped").Msg("previous planning tick still running, skipping")
				continue
			}
			c.runCycleLocked(ctx)
			c.planRunning.Unlock()
		}
	}
}

func (c *Controller) sessionLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Plex.SessionPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.sessionTick(ctx)
		}
	}
}

func (c *Controller) reconcileLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Plan.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-c.reconcileNudge:
		}
		if _, err := c.reconciler.Run(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn().Err(err).Str(log.FieldEvent, "reconcile.failed").Msg("reconcile pass failed")
		}
	}
}

// NudgeReconcile schedules an early reconcile pass.
func (c *Controller) NudgeReconcile() {
	select {
	case c.reconcileNudge <- struct{}{}:
	default:
	}
}

// Reconcile runs one pass on demand (API surface).
func (c *Controller) Reconcile(ctx context.Context) (reconcile.Summary, error) {
	return c.reconciler.Run(ctx)
}

// sessionTick refreshes the session set, records user activity, and
// opportunistically caches actively watched paths under copy-only rules.
func (c *Controller) sessionTick(ctx context.Context) {
	sess := c.monitor.Poll(ctx)

	now := time.Now()
	c.mu.Lock()
	for _, s := range sess {
		c.lastActive[s.User] = now
	}
	c.mu.Unlock()

	for _, s := range sess {
		if c.cfg.PolicyFor(s.User).Excluded {
			continue
		}
		if _, err := c.resolver.Resolve(s.Path); err != nil {
			continue
		}
		if _, err := c.st.Get(ctx, s.Path); err == nil {
			continue
		}
		mf, err := c.resolver.Stat(s.Path)
		if err != nil {
			continue
		}
		t := plan.CacheIn{
			Path:      s.Path,
			Score:     100,
			Users:     []string{s.User},
			Source:    store.SourceActiveWatch,
			SizeBytes: mf.Size,
			Protected: true,
		}
		if _, err := c.pipe.CacheIn(ctx, t); err != nil {
			c.logger.Debug().
				Err(err).
				Str(log.FieldPath, s.Path).
				Str(log.FieldEvent, "controller.active_watch_skip").
				Msg("opportunistic cache-in not possible")
		}
	}
}

// evictionPlanner builds a victim plan that frees at least need bytes,
// using the latest scoring state. Wired into the pipeline as a supplier so
// the pipeline never references the planner.
func (c *Controller) evictionPlanner(ctx context.Context, need int64) score.Plan {
	snap, err := c.st.Snapshot(ctx)
	if err != nil {
		return score.Plan{BudgetExceeded: true, ToFree: need}
	}
	c.mu.RLock()
	scores := make(map[string]int, len(c.lastScores))
	for k, v := range c.lastScores {
		scores[k] = v
	}
	c.mu.RUnlock()

	return score.PlanEviction(score.EvictionInput{
		Snapshot:      snap,
		Protected:     c.monitor.ProtectedPaths(),
		Scores:        scores,
		LimitBytes:    c.cfg.Cache.LimitBytes,
		UsedBytes:     snap.ActiveBytes(),
		AbovePercent:  c.cfg.Cache.EvictAbovePercent,
		TargetPercent: c.cfg.Cache.EvictTargetPercent,
		Mode:          c.cfg.Cache.Mode,
		MinPriority:   c.cfg.Cache.MinPriorityForEviction,
		NeedBytes:     need,
	})
}

// PlanEviction previews (or prepares) a budget eviction with current state.
func (c *Controller) PlanEviction(ctx context.Context) (score.Plan, error) {
	snap, err := c.st.Snapshot(ctx)
	if err != nil {
		return score.Plan{}, err
	}
	c.mu.RLock()
	scores := make(map[string]int, len(c.lastScores))
	for k, v := range c.lastScores {
		scores[k] = v
	}
	c.mu.RUnlock()
	return score.PlanEviction(score.EvictionInput{
		Snapshot:      snap,
		Protected:     c.monitor.ProtectedPaths(),
		Scores:        scores,
		LimitBytes:    c.cfg.Cache.LimitBytes,
		UsedBytes:     snap.ActiveBytes(),
		AbovePercent:  c.cfg.Cache.EvictAbovePercent,
		TargetPercent: c.cfg.Cache.EvictTargetPercent,
		Mode:          c.cfg.Cache.Mode,
		MinPriority:   c.cfg.Cache.MinPriorityForEviction,
	}), nil
}

// Evict executes a budget eviction; with dryRun it only previews.
func (c *Controller) Evict(ctx context.Context, dryRun bool) (score.Plan, pipeline.BatchStats, error) {
	ep, err := c.PlanEviction(ctx)
	if err != nil {
		return ep, pipeline.BatchStats{}, err
	}
	if dryRun {
		return ep, pipeline.BatchStats{}, nil
	}
	stats := c.pipe.ExecuteEviction(ctx, ep)
	return ep, stats, nil
}

// Pin queues a manual cache-in for one path, outside the planning cadence.
func (c *Controller) Pin(ctx context.Context, path, user string) (pipeline.BatchStats, error) {
	mf, err := c.resolver.Stat(path)
	if err != nil {
		return pipeline.BatchStats{}, err
	}
	var users []string
	if user != "" {
		users = []string{user}
	}
	t := plan.CacheIn{
		Path:      path,
		Score:     score.Score(score.Input{Signals: []score.Signal{{Source: store.SourceManual}}, UserCount: len(users), Now: time.Now()}),
		Users:     users,
		Source:    store.SourceManual,
		SizeBytes: mf.Size,
	}
	return c.pipe.CacheIn(ctx, t)
}

// History returns the retained cycle results, newest first.
func (c *Controller) History() []CycleResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CycleResult, len(c.history))
	copy(out, c.history)
	return out
}

// UpstreamCounts reports per-source candidate counts from the last cycle.
func (c *Controller) UpstreamCounts() map[store.Source]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[store.Source]int, len(c.lastCounts))
	for k, v := range c.lastCounts {
		out[k] = v
	}
	return out
}
