// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Validate checks structural invariants of a loaded configuration. It returns
// the first violation found; the daemon exits with code 2 on any error.
func Validate(cfg *AppConfig) error {
	if cfg.Plex.URL == "" {
		return fmt.Errorf("plex.url is required")
	}
	if u, err := url.Parse(cfg.Plex.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("plex.url %q is not an absolute URL", cfg.Plex.URL)
	}
	if cfg.Plex.Token == "" {
		return fmt.Errorf("plex.token is required")
	}
	if cfg.Plex.MaxRetries < 0 {
		return fmt.Errorf("plex.max_retries must be >= 0")
	}
	if cfg.Plex.MaxConcurrent < 1 {
		return fmt.Errorf("plex.max_concurrent must be >= 1")
	}

	if len(cfg.Paths) == 0 {
		return fmt.Errorf("paths must contain at least one source/cache pair")
	}
	for i, p := range cfg.Paths {
		if !filepath.IsAbs(p.Source) || !filepath.IsAbs(p.Cache) {
			return fmt.Errorf("paths[%d]: source and cache must be absolute", i)
		}
		for _, alt := range p.Alternates {
			if !filepath.IsAbs(alt) {
				return fmt.Errorf("paths[%d]: alternate root %q must be absolute", i, alt)
			}
		}
	}

	c := &cfg.Cache
	switch c.Mode {
	case EvictNone, EvictFIFO, EvictSmart:
	default:
		return fmt.Errorf("cache.mode %q is not one of none, fifo, smart", c.Mode)
	}
	if c.EvictTargetPercent <= 0 || c.EvictTargetPercent > c.EvictAbovePercent || c.EvictAbovePercent > 100 {
		return fmt.Errorf("cache eviction thresholds must satisfy 0 < target <= above <= 100 (target=%d above=%d)",
			c.EvictTargetPercent, c.EvictAbovePercent)
	}
	if c.MinPriorityForEviction < 0 || c.MinPriorityForEviction > 100 {
		return fmt.Errorf("cache.min_priority_for_eviction must be in [0, 100]")
	}
	if c.MinRetentionHours < 0 {
		return fmt.Errorf("cache.min_retention_hours must be >= 0")
	}

	if cfg.Plan.CachePoolSize < 1 || cfg.Plan.ArrayPoolSize < 1 {
		return fmt.Errorf("plan pool sizes must be >= 1")
	}
	if cfg.Plan.PlanInterval <= 0 || cfg.Plan.ReconcileInterval <= 0 {
		return fmt.Errorf("plan intervals must be positive")
	}

	for _, l := range cfg.Lists {
		if l.ID == "" {
			return fmt.Errorf("lists: every list needs an id")
		}
		if l.Count <= 0 {
			return fmt.Errorf("lists[%s]: count must be positive", l.ID)
		}
		switch strings.ToLower(l.Mode) {
		case "", "strict", "fill":
		default:
			return fmt.Errorf("lists[%s]: mode %q is not strict or fill", l.ID, l.Mode)
		}
		if strings.EqualFold(l.Mode, "fill") && l.FillLimit < l.Count {
			return fmt.Errorf("lists[%s]: fill_limit must be >= count", l.ID)
		}
	}

	if cfg.StateDir == "" || !filepath.IsAbs(cfg.StateDir) {
		return fmt.Errorf("state_dir must be an absolute path")
	}
	return nil
}
