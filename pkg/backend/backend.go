// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package backend selects the instrumentation provider feeding a profiling
// session. Providers are plain descriptors evaluated in a fixed priority
// order; the manual timer engine is the last resort.
package backend

import (
	"sort"
	"time"

	"github.com/mbeema/liveprof/pkg/profile"
	"github.com/mbeema/liveprof/pkg/timer"
	"go.uber.org/zap"
)

// Built-in provider names, in decreasing fidelity.
const (
	NamePProf   = "pprof"
	NameFGProf  = "fgprof"
	NameSampler = "sampler"
	NameTimer   = "timer"
)

// Descriptor describes one instrumentation provider. Start begins capture;
// End stops it and returns what was collected: nil when the capture failed,
// profile.NoSamples when it ran but sampled nothing. Discard, when set,
// stops capture and drops its data without reporting.
type Descriptor struct {
	Name      string
	Priority  int
	Available func() bool
	Start     func()
	End       func() profile.Payload
	Discard   func()
}

// IsAvailable evaluates the availability predicate. A nil predicate means
// always available.
func (d Descriptor) IsAvailable() bool {
	return d.Available == nil || d.Available()
}

// Builder returns a fresh descriptor. Providers keep per-session state in
// their callbacks, so each session gets its own instance.
type Builder func() Descriptor

// Config configures the built-in providers.
type Config struct {
	// Enabled restricts detection to the named providers. Empty means all.
	Enabled []string
	// SamplerInterval is the tick interval of the goroutine sampler.
	SamplerInterval time.Duration
	Logger          *zap.Logger
}

// DefaultSamplerInterval is used when Config.SamplerInterval is unset.
const DefaultSamplerInterval = 10 * time.Millisecond

// Detector picks a provider from a priority-ordered list.
type Detector struct {
	builders []Builder
	enabled  map[string]bool
	logger   *zap.Logger
}

// NewDetector returns a detector over the built-in providers.
func NewDetector(cfg *Config) *Detector {
	if cfg == nil {
		cfg = &Config{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.SamplerInterval
	if interval <= 0 {
		interval = DefaultSamplerInterval
	}

	builders := []Builder{
		func() Descriptor { return newPProfDescriptor(logger) },
		func() Descriptor { return newFGProfDescriptor(logger) },
		func() Descriptor { return newSamplerDescriptor(interval) },
	}
	return NewDetectorWith(builders, cfg.Enabled, logger)
}

// NewDetectorWith returns a detector over custom builders. Descriptors are
// ordered by Priority (lower first) at detection time.
func NewDetectorWith(builders []Builder, enabled []string, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Detector{builders: builders, logger: logger}
	if len(enabled) > 0 {
		d.enabled = make(map[string]bool, len(enabled))
		for _, name := range enabled {
			d.enabled[name] = true
		}
	}
	return d
}

func (d *Detector) allowed(name string) bool {
	return d.enabled == nil || d.enabled[name]
}

func (d *Detector) candidates() []Descriptor {
	descs := make([]Descriptor, 0, len(d.builders))
	for _, b := range d.builders {
		descs = append(descs, b())
	}
	sort.SliceStable(descs, func(i, j int) bool { return descs[i].Priority < descs[j].Priority })
	return descs
}

// Detect returns the highest-priority available provider, or fallback when
// none is available.
func (d *Detector) Detect(fallback Descriptor) Descriptor {
	for _, desc := range d.candidates() {
		if !d.allowed(desc.Name) {
			continue
		}
		if desc.IsAvailable() {
			d.logger.Debug("profiling backend detected", zap.String("backend", desc.Name))
			return desc
		}
	}
	d.logger.Debug("no profiling backend available, using fallback", zap.String("backend", fallback.Name))
	return fallback
}

// Lookup returns the named provider regardless of its availability. The
// timer name resolves to fallback.
func (d *Detector) Lookup(name string, fallback Descriptor) (Descriptor, bool) {
	if name == fallback.Name {
		return fallback, true
	}
	for _, desc := range d.candidates() {
		if desc.Name == name {
			return desc, true
		}
	}
	return Descriptor{}, false
}

// TimerDescriptor wires the manual timer engine as a provider. It is always
// available and returns a pre-aggregated payload.
func TimerDescriptor(e *timer.Engine) Descriptor {
	return Descriptor{
		Name:      NameTimer,
		Priority:  100,
		Available: func() bool { return true },
		Start:     e.Enable,
		End:       func() profile.Payload { return e.Disable() },
		Discard:   e.Discard,
	}
}
