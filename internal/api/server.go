// SPDX-License-Identifier: MIT

// Package api provides the HTTP control surface of the daemon.
package api

import (
	"net/http"
	"time"

	"github.com/ManuGH/plexcached/internal/config"
	"github.com/ManuGH/plexcached/internal/controller"
	"github.com/ManuGH/plexcached/internal/events"
	"github.com/ManuGH/plexcached/internal/health"
	"github.com/ManuGH/plexcached/internal/log"
	"github.com/ManuGH/plexcached/internal/sessions"
	"github.com/ManuGH/plexcached/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Server serves the control API. All state flows through the controller;
// the server itself is stateless apart from the start timestamp.
type Server struct {
	cfg       *config.AppConfig
	ctrl      *controller.Controller
	st        *store.Store
	monitor   *sessions.Monitor
	bus       *events.Bus
	health    *health.State
	version   string
	startTime time.Time
	logger    zerolog.Logger
}

// New builds the API server.
func New(cfg *config.AppConfig, ctrl *controller.Controller, st *store.Store, monitor *sessions.Monitor, bus *events.Bus, hs *health.State, version string) *Server {
	return &Server{
		cfg:       cfg,
		ctrl:      ctrl,
		st:        st,
		monitor:   monitor,
		bus:       bus,
		health:    hs,
		version:   version,
		startTime: time.Now(),
		logger:    log.WithComponent("api"),
	}
}

// Handler builds the routed handler, wrapped for tracing.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)
	if s.cfg.API.RequestsPerIP > 0 {
		r.Use(httprate.Limit(
			s.cfg.API.RequestsPerIP,
			time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
		))
	}

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/status", s.handleStatus)
	r.Get("/sessions", s.handleSessions)
	r.Get("/events", s.handleEvents)

	r.Route("/cache", func(r chi.Router) {
		r.Get("/stats", s.handleCacheStats)
		r.Get("/files", s.handleCacheFiles)
		r.Post("/cycle", s.handleCycle)
		r.Post("/evict", s.handleEvict)
		r.Post("/reconcile", s.handleReconcile)
		r.Post("/file", s.handlePin)
		r.Delete("/file/*", s.handleRestore)
	})

	return otelhttp.NewHandler(r, "plexcached-api")
}

// requestLogger logs one line per request at debug, errors at warn.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		ev := s.logger.Debug()
		if rec.status >= 500 {
			ev = s.logger.Warn()
		}
		ev.
			Str(log.FieldMethod, r.Method).
			Str(log.FieldPath, r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Str(log.FieldEvent, "api.request").
			Msg("request handled")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
