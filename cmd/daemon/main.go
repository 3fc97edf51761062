// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ManuGH/plexcached/internal/api"
	"github.com/ManuGH/plexcached/internal/collect"
	"github.com/ManuGH/plexcached/internal/config"
	"github.com/ManuGH/plexcached/internal/controller"
	"github.com/ManuGH/plexcached/internal/events"
	"github.com/ManuGH/plexcached/internal/health"
	"github.com/ManuGH/plexcached/internal/log"
	"github.com/ManuGH/plexcached/internal/pathmap"
	"github.com/ManuGH/plexcached/internal/plex"
	"github.com/ManuGH/plexcached/internal/sessions"
	"github.com/ManuGH/plexcached/internal/store"
	"github.com/ManuGH/plexcached/internal/telemetry"
	"github.com/rs/zerolog"
)

var (
	version   = "v0.3.0"
	commit    = "none"
	buildDate = "unknown"
)

// Exit codes: 0 clean shutdown, 2 config error, 3 corrupt tracking store,
// 4 media server unreachable with fail-fast enabled.
const (
	exitConfig      = 2
	exitStore       = 3
	exitUnreachable = 4
)

// maskURL removes user info from a URL string for safe logging.
func maskURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "invalid-url-redacted"
	}
	parsed.User = nil
	return parsed.String()
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	log.Configure(log.Config{
		Level:   "info",
		Service: "plexcached",
		Version: version,
	})
	logger := log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*configPath, version)
	loaded, err := loader.Load()
	if err != nil {
		logger.Error().
			Err(err).
			Str(log.FieldEvent, "config.load_failed").
			Str("config_path", *configPath).
			Msg("failed to load configuration")
		os.Exit(exitConfig)
	}
	cfg := &loaded

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: "plexcached",
		Version: version,
	})

	if err := os.MkdirAll(cfg.StateDir, 0o750); err != nil {
		logger.Error().Err(err).Str(log.FieldPath, cfg.StateDir).Msg("cannot create state directory")
		os.Exit(exitConfig)
	}

	// Single-instance guard: two daemons moving the same files corrupt both.
	unlock, err := acquireLock(filepath.Join(cfg.StateDir, "plexcached.lock"))
	if err != nil {
		logger.Error().
			Err(err).
			Str(log.FieldEvent, "startup.lock_held").
			Msg("another instance holds the state directory")
		os.Exit(exitConfig)
	}
	defer unlock()

	resolver, err := pathmap.New(pathPairs(cfg))
	if err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "config.paths_invalid").Msg("invalid path mapping")
		os.Exit(exitConfig)
	}

	st, err := openStore(cfg.StateDir, logger)
	if err != nil {
		os.Exit(exitStore)
	}
	defer st.Close() // nolint:errcheck

	server := plex.New(cfg.Plex)
	if err := server.Ping(ctx); err != nil {
		if cfg.Plex.FailFastIfUnreachable {
			logger.Error().
				Err(err).
				Str("url", maskURL(cfg.Plex.URL)).
				Str(log.FieldEvent, "startup.plex_unreachable").
				Msg("media server unreachable and fail-fast is enabled")
			os.Exit(exitUnreachable)
		}
		logger.Warn().
			Err(err).
			Str("url", maskURL(cfg.Plex.URL)).
			Str(log.FieldEvent, "startup.plex_unreachable").
			Msg("media server unreachable, continuing degraded")
	}

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "plexcached",
		ServiceVersion: version,
		ExporterType:   cfg.Telemetry.ExporterType,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "telemetry.init_failed").Msg("invalid telemetry configuration")
		os.Exit(exitConfig)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	bus := events.NewBus(512)
	monitor := sessions.New(server, cfg.StaleSessionGrace)
	hs := health.New()
	hs.SetStoreWritable(st.Writable())

	var providers []collect.Provider
	for _, lc := range cfg.Lists {
		providers = append(providers, collect.NewHTTPProvider(lc))
	}
	collectors := []collect.Collector{
		collect.NewOnDeck(server, cfg),
		collect.NewWatchlist(server, cfg),
		collect.NewLists(server, cfg, providers),
	}

	ctrl := controller.New(cfg, resolver, st, bus, monitor, collectors, hs)

	apiServer := api.New(cfg, ctrl, st, monitor, bus, hs, version)
	httpSrv := &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().
			Str("addr", cfg.API.Listen).
			Str(log.FieldEvent, "api.listen").
			Msg("API server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str(log.FieldEvent, "api.failed").Msg("API server failed")
			stop()
		}
	}()

	logger.Info().
		Str(log.FieldEvent, "startup").
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Str("plex", maskURL(cfg.Plex.URL)).
		Int("path_pairs", len(cfg.Paths)).
		Msg("starting plexcached")

	err = ctrl.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if herr := httpSrv.Shutdown(shutdownCtx); herr != nil {
		logger.Warn().Err(herr).Msg("HTTP shutdown incomplete")
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Str(log.FieldEvent, "shutdown.error").Msg("controller stopped with error")
		os.Exit(1)
	}
	logger.Info().Str(log.FieldEvent, "shutdown").Msg("clean shutdown")
}

func pathPairs(cfg *config.AppConfig) []pathmap.Pair {
	pairs := make([]pathmap.Pair, len(cfg.Paths))
	for i, p := range cfg.Paths {
		pairs[i] = pathmap.Pair{
			SourceRoot: p.Source,
			CacheRoot:  p.Cache,
			Alternates: p.Alternates,
		}
	}
	return pairs
}

// openStore opens the tracking store, moving a corrupt database aside so
// the evidence survives the crash loop.
func openStore(stateDir string, logger zerolog.Logger) (*store.Store, error) {
	dir := filepath.Join(stateDir, "db")
	st, err := store.Open(dir)
	if err == nil {
		return st, nil
	}
	if errors.Is(err, store.ErrCorrupt) {
		backup := fmt.Sprintf("%s.corrupt-%d", dir, time.Now().Unix())
		if mvErr := os.Rename(dir, backup); mvErr != nil {
			logger.Error().Err(mvErr).Msg("cannot move corrupt store aside")
		} else {
			logger.Error().
				Err(err).
				Str("backup", backup).
				Str(log.FieldEvent, "store.corrupt").
				Msg("tracking store corrupt, preserved for inspection")
		}
		return nil, err
	}
	logger.Error().Err(err).Str(log.FieldEvent, "store.open_failed").Msg("cannot open tracking store")
	return nil, err
}
