// SPDX-License-Identifier: MIT

// Package pipeline is the execution plane: it carries files between the
// array and cache tiers without ever invalidating an open file handle.
// Cache-ins and restores run under two bounded pools; all mutation per path
// is serialised by a per-path lock.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ManuGH/plexcached/internal/config"
	"github.com/ManuGH/plexcached/internal/events"
	"github.com/ManuGH/plexcached/internal/log"
	"github.com/ManuGH/plexcached/internal/metrics"
	"github.com/ManuGH/plexcached/internal/pathmap"
	"github.com/ManuGH/plexcached/internal/plan"
	"github.com/ManuGH/plexcached/internal/score"
	"github.com/ManuGH/plexcached/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrNoSpace means eviction could not free enough room for a cache-in.
	ErrNoSpace = errors.New("insufficient cache space")
	// ErrProtected refuses to move a path an active session is reading.
	ErrProtected = errors.New("path is protected by an active session")
	// ErrCoolingDown skips a path that failed recently.
	ErrCoolingDown = errors.New("path is cooling down after a recent failure")
)

// headroom is the free-space safety factor for cache-ins.
const headroom = 1.05

// EvictionPlanner supplies a victim plan that frees at least need bytes.
// The controller wires this to the scoring engine with current state.
type EvictionPlanner func(ctx context.Context, need int64) score.Plan

// ProtectedFn supplies the current protected path set.
type ProtectedFn func() map[string]struct{}

// TaskError is one failed task in a batch summary.
type TaskError struct {
	Path   string `json:"path"`
	Op     string `json:"op"`
	Reason string `json:"reason"`
}

// BatchStats summarises one pipeline batch.
type BatchStats struct {
	FilesCached   int         `json:"files_cached"`
	BytesCached   int64       `json:"bytes_cached"`
	FilesRestored int         `json:"files_restored"`
	BytesRestored int64       `json:"bytes_restored"`
	FilesEvicted  int         `json:"files_evicted"`
	BytesEvicted  int64       `json:"bytes_evicted"`
	Errors        []TaskError `json:"errors,omitempty"`
}

func (s *BatchStats) merge(o BatchStats) {
	s.FilesCached += o.FilesCached
	s.BytesCached += o.BytesCached
	s.FilesRestored += o.FilesRestored
	s.BytesRestored += o.BytesRestored
	s.FilesEvicted += o.FilesEvicted
	s.BytesEvicted += o.BytesEvicted
	s.Errors = append(s.Errors, o.Errors...)
}

// Pipeline executes cache-ins and restores.
type Pipeline struct {
	cfg       *config.AppConfig
	resolver  *pathmap.Resolver
	st        *store.Store
	bus       *events.Bus
	protected ProtectedFn
	evictPlan EvictionPlanner
	logger    zerolog.Logger

	locks *PathLocks
	// admission serialises pool admission and tracking-store commits; it is
	// never held across copy I/O.
	admission sync.Mutex

	inflightCacheBytes atomic.Int64

	cooldownMu sync.Mutex
	cooldown   map[string]time.Time
}

// New wires the pipeline. protected and evictPlan are snapshot suppliers,
// not component references: the controller owns all long-lived parts.
func New(cfg *config.AppConfig, resolver *pathmap.Resolver, st *store.Store, bus *events.Bus, protected ProtectedFn, evictPlan EvictionPlanner) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		resolver:  resolver,
		st:        st,
		bus:       bus,
		protected: protected,
		evictPlan: evictPlan,
		logger:    log.WithComponent("pipeline"),
		locks:     NewPathLocks(),
		cooldown:  make(map[string]time.Time),
	}
}

// Locks exposes the per-path lock registry so the reconciler serialises
// against in-flight pipeline work.
func (p *Pipeline) Locks() *PathLocks { return p.locks }

// InflightCacheBytes reports bytes currently flowing to the cache tier.
func (p *Pipeline) InflightCacheBytes() int64 { return p.inflightCacheBytes.Load() }

// RunBatch executes one cycle's task lists. Cache-ins drain highest score
// first through the cache pool; restores drain FIFO through the array pool.
// The call returns when every task has completed or the context is done.
func (p *Pipeline) RunBatch(ctx context.Context, ins []plan.CacheIn, restores []plan.Restore) BatchStats {
	var (
		mu    sync.Mutex
		stats BatchStats
	)
	record := func(b BatchStats) {
		mu.Lock()
		stats.merge(b)
		mu.Unlock()
	}

	sorted := make([]plan.CacheIn, len(ins))
	copy(sorted, ins)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		return sorted[i].Path < sorted[j].Path
	})

	var wg sync.WaitGroup

	inCh := make(chan plan.CacheIn)
	for w := 0; w < p.cfg.Plan.CachePoolSize; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range inCh {
				b, err := p.CacheIn(ctx, t)
				if err != nil {
					b.Errors = append(b.Errors, taskError(t.Path, "cache_in", err))
				}
				record(b)
			}
		}()
	}

	restCh := make(chan plan.Restore)
	for w := 0; w < p.cfg.Plan.ArrayPoolSize; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range restCh {
				b, err := p.Restore(ctx, t.Path)
				if err != nil {
					b.Errors = append(b.Errors, taskError(t.Path, "restore", err))
				}
				record(b)
			}
		}()
	}

	feed := func() {
		defer close(inCh)
		defer close(restCh)
		for _, t := range sorted {
			select {
			case <-ctx.Done():
				return
			case inCh <- t:
			}
		}
		for _, t := range restores {
			select {
			case <-ctx.Done():
				return
			case restCh <- t:
			}
		}
	}
	go feed()
	wg.Wait()
	return stats
}

// CacheIn executes the cache-in contract for one path. The returned stats
// include any eviction performed to make room.
func (p *Pipeline) CacheIn(ctx context.Context, t plan.CacheIn) (BatchStats, error) {
	var stats BatchStats
	if err := p.checkCooldown(t.Path); err != nil {
		return stats, err
	}
	opID := uuid.NewString()

	unlock := p.locks.Lock(t.Path)
	defer unlock()

	m, err := p.resolver.Resolve(t.Path)
	if err != nil {
		return stats, err
	}

	// Pre-flight: already redirected or cached means refresh-only.
	class, err := p.resolver.Classify(t.Path)
	if err != nil {
		return stats, err
	}
	if class == pathmap.OnCache || class == pathmap.Redirected {
		return stats, p.commitRow(ctx, t, m, methodFor(class), time.Now())
	}
	if class == pathmap.Missing {
		return stats, fmt.Errorf("cache-in %s: file missing on both tiers", t.Path)
	}

	size := t.SizeBytes
	if size <= 0 {
		if fi, err := os.Stat(t.Path); err == nil {
			size = fi.Size()
		}
	}
	need := int64(float64(size) * headroom)

	// Free-space check, with synchronous eviction as the remedy. The
	// filesystem probe is a safety net; the budget is enforced per cycle.
	evStats, err := p.ensureSpace(ctx, m.CacheRoot, need)
	stats.merge(evStats)
	if err != nil {
		return stats, err
	}

	p.inflightCacheBytes.Add(size)
	defer p.inflightCacheBytes.Add(-size)

	copied, err := stageCopy(ctx, t.Path, m.CachePath, func(done, total int64) {
		p.emitProgress(opID, t.Path, "cache_in", done, total, "running", "")
	})
	if err != nil {
		p.noteFailure(t.Path, err)
		p.emitProgress(opID, t.Path, "cache_in", copied, size, "failed", reason(err))
		return stats, err
	}

	// Redirection method is decided at admission time against live
	// protection state, not a global toggle.
	method := store.MethodAtomicSymlink
	if t.Protected || p.isProtected(t.Path) || p.cfg.Cache.CopyOnly || t.Source == store.SourceActiveWatch {
		method = store.MethodAtomicCopy
	}

	if method == store.MethodAtomicSymlink {
		if err := p.swapSymlink(t.Path, m.CachePath); err != nil {
			// The cache copy is committed; fall back to copy semantics if
			// the original survived, otherwise defer to the reconciler.
			if cls, cerr := p.resolver.Classify(t.Path); cerr == nil && cls == pathmap.OnCache {
				method = store.MethodAtomicCopy
			} else {
				p.logger.Error().
					Err(err).
					Str(log.FieldPath, t.Path).
					Str(log.FieldEvent, "pipeline.symlink_ambiguous").
					Msg("symlink swap failed ambiguously, deferring to reconciler")
				_ = p.markPendingRemoval(ctx, t, m, size)
				return stats, err
			}
		}
	}

	if err := p.commitRow(ctx, t, m, method, time.Now()); err != nil {
		// Failure after the rename: the reconciler adopts the dangling
		// cache file on its next pass.
		return stats, err
	}

	stats.FilesCached++
	stats.BytesCached += copied
	metrics.FilesCached.Inc()
	metrics.BytesCached.Add(float64(copied))
	p.emitProgress(opID, t.Path, "cache_in", copied, size, "completed", "")
	p.bus.Emit(events.TypeFileAdded, map[string]any{
		"path": t.Path, "source": t.Source, "bytes": copied, "method": method,
	})
	p.logger.Info().
		Str(log.FieldPath, t.Path).
		Str(log.FieldMethod, string(method)).
		Int64(log.FieldBytes, copied).
		Str(log.FieldEvent, "pipeline.cached").
		Msg("cache-in complete")
	return stats, nil
}

// swapSymlink atomically replaces path with a symlink to cachePath. A
// tmp-name symlink is renamed over the original so an observer always sees
// either the file or the link.
func (p *Pipeline) swapSymlink(path, cachePath string) error {
	tmp := path + ".tmp-" + uuid.NewString()[:8]
	if err := os.Symlink(cachePath, tmp); err != nil {
		return fmt.Errorf("symlink %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("swap %s: %w", path, err)
	}
	return nil
}

// Restore executes the restore contract for one tracked path.
func (p *Pipeline) Restore(ctx context.Context, path string) (BatchStats, error) {
	return p.restore(ctx, path, false)
}

// Evict removes one victim from the cache. Identical mechanics to Restore
// but accounted as an eviction.
func (p *Pipeline) evictOne(ctx context.Context, path string) (BatchStats, error) {
	return p.restore(ctx, path, true)
}

func (p *Pipeline) restore(ctx context.Context, path string, eviction bool) (BatchStats, error) {
	var stats BatchStats
	if err := p.checkCooldown(path); err != nil {
		return stats, err
	}
	if p.isProtected(path) {
		return stats, fmt.Errorf("restore %s: %w", path, ErrProtected)
	}
	opID := uuid.NewString()

	unlock := p.locks.Lock(path)
	defer unlock()

	// Re-check under the lock; a session may have started while queued.
	if p.isProtected(path) {
		return stats, fmt.Errorf("restore %s: %w", path, ErrProtected)
	}

	entry, err := p.st.Get(ctx, path)
	if err != nil {
		return stats, err
	}
	m, err := p.resolver.Resolve(path)
	if err != nil {
		return stats, err
	}

	var restored int64
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		restored, err = stageCopy(ctx, m.CachePath, path, func(done, total int64) {
			p.emitProgress(opID, path, kindOf(eviction), done, total, "running", "")
		})
		if err != nil {
			p.noteFailure(path, err)
			p.emitProgress(opID, path, kindOf(eviction), restored, entry.SizeBytes, "failed", reason(err))
			return stats, err
		}
	}

	if err := os.Remove(m.CachePath); err != nil && !os.IsNotExist(err) {
		p.noteFailure(path, err)
		return stats, fmt.Errorf("remove cache copy %s: %w", m.CachePath, err)
	}

	p.admission.Lock()
	err = p.st.Remove(ctx, path)
	p.admission.Unlock()
	if err != nil {
		return stats, err
	}

	if eviction {
		stats.FilesEvicted++
		stats.BytesEvicted += entry.SizeBytes
		metrics.FilesEvicted.Inc()
	} else {
		stats.FilesRestored++
		stats.BytesRestored += entry.SizeBytes
		metrics.FilesRestored.Inc()
		metrics.BytesRestored.Add(float64(entry.SizeBytes))
	}
	p.emitProgress(opID, path, kindOf(eviction), restored, entry.SizeBytes, "completed", "")
	p.bus.Emit(events.TypeFileRemoved, map[string]any{
		"path": path, "bytes": entry.SizeBytes, "eviction": eviction,
	})
	p.logger.Info().
		Str(log.FieldPath, path).
		Bool("eviction", eviction).
		Int64(log.FieldBytes, entry.SizeBytes).
		Str(log.FieldEvent, "pipeline.restored").
		Msg("restore complete")
	return stats, nil
}

// ExecuteEviction realises a victim plan. Used by the cycle-level budget
// enforcement and by the manual eviction endpoint.
func (p *Pipeline) ExecuteEviction(ctx context.Context, ep score.Plan) BatchStats {
	var stats BatchStats
	for _, v := range ep.Victims {
		select {
		case <-ctx.Done():
			return stats
		default:
		}
		b, err := p.evictOne(ctx, v.Entry.Path)
		stats.merge(b)
		if err != nil {
			stats.Errors = append(stats.Errors, taskError(v.Entry.Path, "evict", err))
		}
	}
	return stats
}

// ensureSpace verifies free space on the cache root, triggering synchronous
// eviction when short. Bytes already flowing to the cache count against the
// free figure.
func (p *Pipeline) ensureSpace(ctx context.Context, cacheRoot string, need int64) (BatchStats, error) {
	var stats BatchStats
	free, err := pathmap.DiskFree(cacheRoot)
	if err != nil {
		return stats, err
	}
	avail := int64(free) - p.inflightCacheBytes.Load()
	if avail >= need {
		return stats, nil
	}
	if p.evictPlan == nil {
		return stats, fmt.Errorf("%w: need %d, have %d", ErrNoSpace, need, avail)
	}

	ep := p.evictPlan(ctx, need-avail)
	stats = p.ExecuteEviction(ctx, ep)

	free, err = pathmap.DiskFree(cacheRoot)
	if err != nil {
		return stats, err
	}
	avail = int64(free) - p.inflightCacheBytes.Load()
	if avail < need {
		return stats, fmt.Errorf("%w: need %d, have %d after eviction", ErrNoSpace, need, avail)
	}
	return stats, nil
}

// commitRow writes the tracking row under the admission mutex.
func (p *Pipeline) commitRow(ctx context.Context, t plan.CacheIn, m pathmap.Mapping, method store.Method, now time.Time) error {
	size := t.SizeBytes
	if fi, err := os.Stat(m.CachePath); err == nil {
		size = fi.Size()
	}
	users := t.Users
	if len(users) == 0 && t.Source != store.SourceManual {
		users = []string{"@unknown"}
	}
	entry := store.Entry{
		Path:      t.Path,
		Source:    t.Source,
		CachedAt:  now,
		LastSeen:  now,
		SizeBytes: size,
		Users:     users,
		Method:    method,
		Status:    store.StatusActive,
	}
	p.admission.Lock()
	defer p.admission.Unlock()
	return p.st.Upsert(ctx, entry)
}

func (p *Pipeline) markPendingRemoval(ctx context.Context, t plan.CacheIn, m pathmap.Mapping, size int64) error {
	entry := store.Entry{
		Path:      t.Path,
		Source:    t.Source,
		CachedAt:  time.Now(),
		LastSeen:  time.Now(),
		SizeBytes: size,
		Users:     t.Users,
		Method:    store.MethodAtomicSymlink,
		Status:    store.StatusPendingRemoval,
	}
	p.admission.Lock()
	defer p.admission.Unlock()
	return p.st.Upsert(ctx, entry)
}

func (p *Pipeline) isProtected(path string) bool {
	if p.protected == nil {
		return false
	}
	_, ok := p.protected()[path]
	return ok
}

func (p *Pipeline) checkCooldown(path string) error {
	p.cooldownMu.Lock()
	defer p.cooldownMu.Unlock()
	until, ok := p.cooldown[path]
	if !ok {
		return nil
	}
	if time.Now().After(until) {
		delete(p.cooldown, path)
		return nil
	}
	return fmt.Errorf("%s: %w", path, ErrCoolingDown)
}

// noteFailure puts a path on cool-down after an I/O failure so it is not
// retried every tick.
func (p *Pipeline) noteFailure(path string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	p.cooldownMu.Lock()
	p.cooldown[path] = time.Now().Add(p.cfg.Plan.Cooldown())
	p.cooldownMu.Unlock()
	metrics.TaskFailures.WithLabelValues("io", reason(err)).Inc()
}

func (p *Pipeline) emitProgress(opID, path, kind string, done, total int64, status, why string) {
	frac := 0.0
	if total > 0 {
		frac = float64(done) / float64(total)
	}
	p.bus.Emit(events.TypeProgress, events.Progress{
		OperationID: opID,
		Path:        path,
		Kind:        kind,
		BytesDone:   done,
		BytesTotal:  total,
		Status:      status,
		Reason:      why,
		Fraction:    frac,
	})
}

func kindOf(eviction bool) string {
	if eviction {
		return "evict"
	}
	return "restore"
}

func methodFor(class pathmap.Class) store.Method {
	if class == pathmap.Redirected {
		return store.MethodAtomicSymlink
	}
	return store.MethodAtomicCopy
}

func taskError(path, op string, err error) TaskError {
	return TaskError{Path: path, Op: op, Reason: reason(err)}
}

// reason maps an error onto a stable machine-readable code.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrNoSpace):
		return "no_space"
	case errors.Is(err, ErrProtected):
		return "protected"
	case errors.Is(err, ErrCoolingDown):
		return "cooldown"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, os.ErrPermission):
		return "permission"
	case errors.Is(err, os.ErrNotExist):
		return "missing"
	case errors.Is(err, store.ErrNotFound):
		return "untracked"
	default:
		return "io_error"
	}
}
