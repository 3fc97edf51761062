// SPDX-License-Identifier: MIT

// Package config loads and validates the daemon configuration with
// precedence ENV > file > defaults. The resulting AppConfig is immutable
// after load.
package config

import "time"

// EvictionMode selects the victim-ordering discipline.
type EvictionMode string

const (
	EvictNone  EvictionMode = "none"
	EvictFIFO  EvictionMode = "fifo"
	EvictSmart EvictionMode = "smart"
)

// PlexConfig holds the media-server connection settings.
type PlexConfig struct {
	URL                   string        `yaml:"url"`
	Token                 string        `yaml:"token"`
	SessionPollInterval   time.Duration `yaml:"session_poll_interval"`
	APIDelay              time.Duration `yaml:"api_delay"`
	MaxRetries            int           `yaml:"max_retries"`
	MaxConcurrent         int           `yaml:"max_concurrent"`
	RequestTimeout        time.Duration `yaml:"request_timeout"`
	FailFastIfUnreachable bool          `yaml:"fail_fast_if_unreachable"`
}

// PathPair maps one array root onto its cache twin.
type PathPair struct {
	Source     string   `yaml:"source"`
	Cache      string   `yaml:"cache"`
	Alternates []string `yaml:"alternates"`
}

// CacheConfig is the size budget and eviction policy.
type CacheConfig struct {
	// Limit accepts "500 GB", "75 %" (of the cache volume) or bare bytes.
	Limit                  string       `yaml:"limit"`
	LimitBytes             uint64       `yaml:"-"`
	EvictAbovePercent      int          `yaml:"evict_above_percent"`
	EvictTargetPercent     int          `yaml:"evict_target_percent"`
	Mode                   EvictionMode `yaml:"mode"`
	// CopyOnly forces atomicCopy for every cache-in; symlink redirection
	// is never attempted.
	CopyOnly               bool         `yaml:"copy_only"`
	MinPriorityForEviction int          `yaml:"min_priority_for_eviction"`
	MinRetentionHours      int          `yaml:"min_retention_hours"`
	UntrackedGraceHours    int          `yaml:"untracked_grace_hours"`
}

// PlanConfig drives the controller cadence and pipeline sizing.
type PlanConfig struct {
	PlanInterval      time.Duration `yaml:"plan_interval"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	CachePoolSize     int           `yaml:"cache_pool_size"`
	ArrayPoolSize     int           `yaml:"array_pool_size"`
	CooldownMinutes   int           `yaml:"cooldown_minutes"`
}

// UserPolicy is the per-user feature toggle record. Users absent from the
// users map inherit DefaultUserPolicy.
type UserPolicy struct {
	OnDeck    bool `yaml:"ondeck"`
	Watchlist bool `yaml:"watchlist"`
	Lists     bool `yaml:"lists"`
	Excluded  bool `yaml:"excluded"`
}

// ListConfig describes one external list provider.
type ListConfig struct {
	ID        string `yaml:"id"`
	URL       string `yaml:"url"`
	Type      string `yaml:"type"` // trending, popular, custom
	Count     int    `yaml:"count"`
	Mode      string `yaml:"mode"` // strict, fill
	FillLimit int    `yaml:"fill_limit"`
}

// WatchlistConfig tunes the watchlist collector.
type WatchlistConfig struct {
	EpisodesPerShow int `yaml:"episodes_per_show"`
	RetentionDays   int `yaml:"retention_days"`
}

// OnDeckConfig tunes the OnDeck collector.
type OnDeckConfig struct {
	EpisodesAhead int `yaml:"episodes_ahead"`
	DaysToMonitor int `yaml:"days_to_monitor"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Listen        string `yaml:"listen"`
	RequestsPerIP int    `yaml:"requests_per_ip"` // per minute, httprate
}

// TelemetryConfig configures the OTLP tracer provider.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ExporterType string  `yaml:"exporter"` // grpc, http, noop
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// AppConfig is the root configuration object.
type AppConfig struct {
	Version  string `yaml:"-"`
	StateDir string `yaml:"state_dir"`
	LogLevel string `yaml:"log_level"`

	Plex      PlexConfig            `yaml:"plex"`
	Paths     []PathPair            `yaml:"paths"`
	Cache     CacheConfig           `yaml:"cache"`
	Plan      PlanConfig            `yaml:"plan"`
	Users     map[string]UserPolicy `yaml:"users"`
	Default   UserPolicy            `yaml:"default_user_policy"`
	Lists     []ListConfig          `yaml:"lists"`
	Watchlist WatchlistConfig       `yaml:"watchlist"`
	OnDeck    OnDeckConfig          `yaml:"ondeck"`
	API       APIConfig             `yaml:"api"`
	Telemetry TelemetryConfig       `yaml:"telemetry"`

	ExcludeInactiveUsersDays int           `yaml:"exclude_inactive_users_days"`
	StaleSessionGrace        time.Duration `yaml:"stale_session_grace"`
}

// PolicyFor returns the effective policy for a user ID.
func (c *AppConfig) PolicyFor(user string) UserPolicy {
	if p, ok := c.Users[user]; ok {
		return p
	}
	return c.Default
}

// MinRetention returns the retention guard as a duration.
func (c *CacheConfig) MinRetention() time.Duration {
	return time.Duration(c.MinRetentionHours) * time.Hour
}

// UntrackedGrace returns the reconciler grace window as a duration.
func (c *CacheConfig) UntrackedGrace() time.Duration {
	return time.Duration(c.UntrackedGraceHours) * time.Hour
}

// Cooldown returns the failure cool-down as a duration.
func (c *PlanConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}
