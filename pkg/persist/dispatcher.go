// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package persist routes finalized profile records to a storage sink.
//
// The dispatcher never lets a failure escape: every error is logged and
// reported as false, and panics inside a sink are recovered. One attempt is
// made per record; a slow or broken sink loses the sample instead of
// retrying or queueing.
package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mbeema/liveprof/pkg/codec"
	"github.com/mbeema/liveprof/pkg/health"
	"github.com/mbeema/liveprof/pkg/profile"
	"go.uber.org/zap"
)

var (
	// ErrConfiguration marks an invalid destination (bad DSN, missing path,
	// missing API key).
	ErrConfiguration = errors.New("invalid persistence configuration")
	// ErrPersistence marks a schema, write or network failure.
	ErrPersistence = errors.New("persistence failure")
)

// Sink is a persistence destination.
type Sink interface {
	Name() string
	Save(ctx context.Context, rec *profile.Record, payload []byte) error
	Close() error
}

// Config describes every destination. Only the one selected by the mode
// passed to Persist is used.
type Config struct {
	// Target is the store DSN in store mode and the base directory in files mode.
	Target string
	// Table is the store table name.
	Table string

	APIKey      string
	APIEndpoint string
	APITimeout  time.Duration

	OTLP OTLPConfig

	ServiceVersion string
	Codec          codec.Codec
	Stats          *health.Stats
}

const (
	// DefaultTable is the store table used when Config.Table is empty.
	DefaultTable = "details"
	// DefaultAPIEndpoint is the collector endpoint of the API sink.
	DefaultAPIEndpoint = "https://api.liveprof.org/v1/profiles"

	defaultAPITimeout  = 10 * time.Second
	defaultOTLPTimeout = 10 * time.Second
)

// Dispatcher persists records through lazily created, cached sinks. It is
// safe for concurrent use.
type Dispatcher struct {
	cfg    Config
	codec  codec.Codec
	logger *zap.Logger
	stats  *health.Stats

	mu    sync.Mutex
	sinks map[profile.Mode]Sink

	breaker *CircuitBreaker
}

// New creates a dispatcher. No connection is made until the first record.
func New(cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.Default()
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = DefaultAPIEndpoint
	}
	if cfg.APITimeout <= 0 {
		cfg.APITimeout = defaultAPITimeout
	}
	if cfg.OTLP.Timeout <= 0 {
		cfg.OTLP.Timeout = defaultOTLPTimeout
	}
	return &Dispatcher{
		cfg:     cfg,
		codec:   cfg.Codec,
		logger:  logger,
		stats:   cfg.Stats,
		sinks:   make(map[profile.Mode]Sink),
		breaker: NewCircuitBreaker(5, 30*time.Second),
	}
}

// Persist encodes rec and writes it to the sink selected by mode. It returns
// false on any failure, after logging it.
func (d *Dispatcher) Persist(ctx context.Context, rec *profile.Record, mode profile.Mode) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic while persisting profile",
				zap.String("mode", mode.String()),
				zap.Any("panic", r),
			)
			d.recordFailure()
			ok = false
		}
	}()

	if err := d.persist(ctx, rec, mode); err != nil {
		fields := []zap.Field{zap.String("mode", mode.String()), zap.Error(err)}
		if rec != nil {
			fields = append(fields, zap.String("app", rec.App), zap.String("label", rec.Label))
		}
		d.logger.Error("failed to persist profile", fields...)
		d.recordFailure()
		return false
	}

	if d.stats != nil {
		d.stats.RecordsPersisted.Add(1)
	}
	return true
}

func (d *Dispatcher) persist(ctx context.Context, rec *profile.Record, mode profile.Mode) error {
	if rec == nil {
		return fmt.Errorf("%w: nil record", ErrPersistence)
	}
	sink, err := d.sink(mode)
	if err != nil {
		return err
	}
	payload, err := d.codec.Encode(rec.Payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return sink.Save(ctx, rec, payload)
}

// CreateTable creates the store schema if it does not exist yet.
func (d *Dispatcher) CreateTable(ctx context.Context) bool {
	sink, err := d.sink(profile.ModeStore)
	if err == nil {
		err = sink.(*storeSink).ensureSchema(ctx)
	}
	if err != nil {
		d.logger.Error("failed to create profile table", zap.String("table", d.cfg.Table), zap.Error(err))
		return false
	}
	return true
}

// Close releases every sink that was opened.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for mode, s := range d.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s sink: %w", s.Name(), err))
		}
		delete(d.sinks, mode)
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) sink(mode profile.Mode) (Sink, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s, ok := d.sinks[mode]; ok {
		return s, nil
	}

	var (
		s   Sink
		err error
	)
	switch mode {
	case profile.ModeStore:
		s, err = newStoreSink(d.cfg.Target, d.cfg.Table)
	case profile.ModeFiles:
		s, err = newFileSink(d.cfg.Target, d.codec.Name())
	case profile.ModeAPI:
		s, err = newAPISink(d.cfg.APIEndpoint, d.cfg.APIKey, d.cfg.APITimeout, d.breaker, d.logger)
	case profile.ModeOTLP:
		s, err = newOTLPSink(&d.cfg.OTLP, d.cfg.ServiceVersion, d.codec.Name())
	default:
		err = fmt.Errorf("%w: unknown mode %d", ErrConfiguration, int(mode))
	}
	if err != nil {
		return nil, err
	}

	d.sinks[mode] = s
	d.logger.Debug("persistence sink opened", zap.String("sink", s.Name()))
	return s, nil
}

func (d *Dispatcher) recordFailure() {
	if d.stats != nil {
		d.stats.PersistFailures.Add(1)
	}
}
