// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with precedence ENV > File > Defaults.
type Loader struct {
	configPath string
	version    string
}

// NewLoader creates a new configuration loader.
func NewLoader(configPath, version string) *Loader {
	return &Loader{configPath: configPath, version: version}
}

// Load loads configuration in strict order: defaults, file (strict YAML),
// environment overrides, then validation and limit resolution.
func (l *Loader) Load() (AppConfig, error) {
	cfg := defaults()
	cfg.Version = l.version

	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", l.configPath, err)
		}
	}

	applyEnv(&cfg)

	if err := Validate(&cfg); err != nil {
		return cfg, err
	}

	if len(cfg.Paths) > 0 {
		limit, err := ParseCacheLimit(cfg.Cache.Limit, cfg.Paths[0].Cache)
		if err != nil {
			return cfg, fmt.Errorf("resolve cache limit: %w", err)
		}
		cfg.Cache.LimitBytes = limit
	}

	return cfg, nil
}

func defaults() AppConfig {
	return AppConfig{
		StateDir: "/var/lib/plexcached",
		LogLevel: "info",
		Plex: PlexConfig{
			SessionPollInterval: 30 * time.Second,
			APIDelay:            250 * time.Millisecond,
			MaxRetries:          3,
			MaxConcurrent:       4,
			RequestTimeout:      30 * time.Second,
		},
		Cache: CacheConfig{
			Limit:                  "90 %",
			EvictAbovePercent:      90,
			EvictTargetPercent:     75,
			Mode:                   EvictSmart,
			MinPriorityForEviction: 0,
			MinRetentionHours:      6,
			UntrackedGraceHours:    24,
		},
		Plan: PlanConfig{
			PlanInterval:      15 * time.Minute,
			ReconcileInterval: time.Hour,
			CachePoolSize:     2,
			ArrayPoolSize:     1,
			CooldownMinutes:   30,
		},
		Default: UserPolicy{OnDeck: true, Watchlist: true, Lists: false},
		Watchlist: WatchlistConfig{
			EpisodesPerShow: 3,
			RetentionDays:   60,
		},
		OnDeck: OnDeckConfig{
			EpisodesAhead: 5,
			DaysToMonitor: 14,
		},
		API: APIConfig{
			Listen:        ":8787",
			RequestsPerIP: 300,
		},
		Telemetry: TelemetryConfig{
			ExporterType: "noop",
			SamplingRate: 0.1,
		},
		ExcludeInactiveUsersDays: 0,
		StaleSessionGrace:        2 * time.Minute,
	}
}

// applyEnv overlays PLEXCACHED_* environment variables onto cfg.
func applyEnv(cfg *AppConfig) {
	cfg.StateDir = ParseString("PLEXCACHED_STATE_DIR", cfg.StateDir)
	cfg.LogLevel = ParseString("PLEXCACHED_LOG_LEVEL", cfg.LogLevel)

	cfg.Plex.URL = ParseString("PLEXCACHED_PLEX_URL", cfg.Plex.URL)
	cfg.Plex.Token = ParseString("PLEXCACHED_PLEX_TOKEN", cfg.Plex.Token)
	cfg.Plex.SessionPollInterval = ParseDuration("PLEXCACHED_SESSION_POLL_INTERVAL", cfg.Plex.SessionPollInterval)
	cfg.Plex.MaxRetries = ParseInt("PLEXCACHED_PLEX_MAX_RETRIES", cfg.Plex.MaxRetries)
	cfg.Plex.FailFastIfUnreachable = ParseBool("PLEXCACHED_FAIL_FAST", cfg.Plex.FailFastIfUnreachable)

	cfg.Cache.Limit = ParseString("PLEXCACHED_CACHE_LIMIT", cfg.Cache.Limit)
	cfg.Cache.EvictAbovePercent = ParseInt("PLEXCACHED_EVICT_ABOVE_PERCENT", cfg.Cache.EvictAbovePercent)
	cfg.Cache.EvictTargetPercent = ParseInt("PLEXCACHED_EVICT_TARGET_PERCENT", cfg.Cache.EvictTargetPercent)
	cfg.Cache.Mode = EvictionMode(ParseString("PLEXCACHED_EVICTION_MODE", string(cfg.Cache.Mode)))
	cfg.Cache.MinRetentionHours = ParseInt("PLEXCACHED_MIN_RETENTION_HOURS", cfg.Cache.MinRetentionHours)

	cfg.Plan.PlanInterval = ParseDuration("PLEXCACHED_PLAN_INTERVAL", cfg.Plan.PlanInterval)
	cfg.Plan.ReconcileInterval = ParseDuration("PLEXCACHED_RECONCILE_INTERVAL", cfg.Plan.ReconcileInterval)
	cfg.Plan.CachePoolSize = ParseInt("PLEXCACHED_CACHE_POOL_SIZE", cfg.Plan.CachePoolSize)
	cfg.Plan.ArrayPoolSize = ParseInt("PLEXCACHED_ARRAY_POOL_SIZE", cfg.Plan.ArrayPoolSize)

	cfg.API.Listen = ParseString("PLEXCACHED_LISTEN", cfg.API.Listen)
}
