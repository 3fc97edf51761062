// SPDX-License-Identifier: MIT

// Package metrics holds the prometheus business metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FilesCached = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "plexcached",
		Name:      "files_cached_total",
		Help:      "Files moved onto the cache tier",
	})
	BytesCached = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "plexcached",
		Name:      "bytes_cached_total",
		Help:      "Bytes copied onto the cache tier",
	})
	FilesRestored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "plexcached",
		Name:      "files_restored_total",
		Help:      "Files restored to the array tier",
	})
	BytesRestored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "plexcached",
		Name:      "bytes_restored_total",
		Help:      "Bytes restored to the array tier",
	})
	FilesEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "plexcached",
		Name:      "files_evicted_total",
		Help:      "Files evicted under the size budget",
	})
	TaskFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plexcached",
		Name:      "task_failures_total",
		Help:      "Pipeline task failures by operation and reason",
	}, []string{"op", "reason"})
	CacheUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "plexcached",
		Name:      "cache_used_bytes",
		Help:      "Bytes currently tracked as active on the cache tier",
	})
	PlanCycles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "plexcached",
		Name:      "plan_cycles_total",
		Help:      "Completed planning ticks",
	})
	PlanSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "plexcached",
		Name:      "plan_ticks_skipped_total",
		Help:      "Planning ticks skipped because the previous tick was still running",
	})
	CollectorFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plexcached",
		Name:      "collector_failures_total",
		Help:      "Collector runs that ended in failure",
	}, []string{"collector"})
	ReconcileRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "plexcached",
		Name:      "reconcile_runs_total",
		Help:      "Completed reconciler passes",
	})
	ReconcileRepairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plexcached",
		Name:      "reconcile_repairs_total",
		Help:      "Drift repairs by kind",
	}, []string{"kind"})
)
