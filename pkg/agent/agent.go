// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package agent wires the capture pipeline into a host process: one
// dispatcher and detector shared by all sessions, a fresh profiling session
// per request, self-monitoring and live configuration reload.
package agent

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/mbeema/liveprof/pkg/backend"
	"github.com/mbeema/liveprof/pkg/config"
	"github.com/mbeema/liveprof/pkg/health"
	"github.com/mbeema/liveprof/pkg/persist"
	"github.com/mbeema/liveprof/pkg/profile"
	"github.com/mbeema/liveprof/pkg/profiler"
	"go.uber.org/zap"
)

// Agent owns the shared pipeline infrastructure. Its methods are safe for
// concurrent use; the sessions it creates are not shared.
type Agent struct {
	cfg      atomic.Pointer[config.Config]
	detector atomic.Pointer[backend.Detector]
	logger   *zap.Logger
	version  string

	dispatcher   *persist.Dispatcher
	healthStats  *health.Stats
	healthServer *health.Server

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New creates an agent from a validated config.
func New(cfg *config.Config, version string, logger *zap.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Agent{
		logger:      logger,
		version:     version,
		healthStats: health.NewStats(),
	}
	a.cfg.Store(cfg)
	a.detector.Store(backend.NewDetector(cfg.DetectorConfig(logger)))
	a.dispatcher = persist.New(cfg.DispatcherConfig(version, a.healthStats), logger)

	if cfg.Health.Enabled {
		a.healthServer = health.NewServer(cfg.Health.Port, version, a.healthStats, logger)
	}
	return a, nil
}

// Start prepares the store schema when persisting to the store and starts
// the health server.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, a.cancel = context.WithCancel(ctx)
	cfg := a.cfg.Load()

	if cfg.Mode == profile.ModeStore && !a.dispatcher.CreateTable(ctx) {
		a.logger.Warn("profile table not ready, records will be lost until the store is reachable",
			zap.String("target", cfg.Target))
	}

	if a.healthServer != nil {
		if err := a.healthServer.Start(ctx); err != nil {
			return err
		}
		a.healthServer.SetBackend(a.NewSession().Backend())
		a.healthServer.SetReady(true)
	}

	a.logger.Info("profiling agent started",
		zap.String("app", cfg.App),
		zap.Stringer("mode", cfg.Mode),
		zap.Int("divider", cfg.Divider),
		zap.Int("total_divider", cfg.TotalDivider),
		zap.String("backend", cfg.Backends.Default),
	)
	return nil
}

// NewSession returns an idle profiling session built from the current
// config.
func (a *Agent) NewSession() *profiler.Profiler {
	cfg := a.cfg.Load()
	return profiler.New(&profiler.Config{
		App:          cfg.App,
		Mode:         cfg.Mode,
		Divider:      cfg.Divider,
		TotalDivider: cfg.TotalDivider,
		Dispatcher:   a.dispatcher,
		Detector:     a.detector.Load(),
		Backend:      cfg.Backends.Default,
		Logger:       a.logger,
		Stats:        a.healthStats,
		Normalizer:   cfg.Normalizer(),
	})
}

// Handler profiles every request served by next.
func (a *Agent) Handler(next http.Handler) http.Handler {
	return profiler.Middleware(a.NewSession, next)
}

// Stats returns the self-monitoring counters.
func (a *Agent) Stats() *health.Stats { return a.healthStats }

// Reload applies a new config to sessions created from now on. The
// destination (mode and sink settings) is fixed at startup; a change to it
// is logged and the current destination is kept.
func (a *Agent) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	old := a.cfg.Load()
	if !old.SameDestination(cfg) {
		a.logger.Warn("persistence destination changes require a restart, keeping the current destination",
			zap.Stringer("mode", old.Mode),
			zap.Stringer("requested_mode", cfg.Mode),
			zap.String("target", old.Target),
			zap.String("requested_target", cfg.Target),
		)
		cfg = cfg.WithDestinationOf(old)
	}

	a.detector.Store(backend.NewDetector(cfg.DetectorConfig(a.logger)))
	a.cfg.Store(cfg)
	if a.healthServer != nil {
		a.healthServer.SetBackend(a.NewSession().Backend())
	}

	a.logger.Info("configuration reloaded",
		zap.Stringer("mode", cfg.Mode),
		zap.Int("divider", cfg.Divider),
		zap.Int("total_divider", cfg.TotalDivider),
		zap.String("backend", cfg.Backends.Default),
	)
	return nil
}

// Stop shuts down the health server and closes every sink.
func (a *Agent) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}

	if a.healthServer != nil {
		a.healthServer.SetReady(false)
		a.healthServer.Stop()
	}

	err := a.dispatcher.Close()

	snap := a.healthStats.Snapshot()
	a.logger.Info("profiling agent stopped",
		zap.Int64("sessions_started", snap.SessionsStarted),
		zap.Int64("sessions_sampled", snap.SessionsSampled),
		zap.Int64("records_persisted", snap.RecordsPersisted),
		zap.Int64("persist_failures", snap.PersistFailures),
	)
	return err
}
