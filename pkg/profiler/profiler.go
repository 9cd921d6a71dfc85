// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package profiler drives one profiling session: the sampling decision, the
// provider callbacks, normalization of what they return and the hand-off of
// the finalized record to persistence.
//
// A Profiler belongs to one request or execution unit and is not safe for
// concurrent use. None of its operations panic or return errors to the host;
// failures are logged and reported as false.
package profiler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mbeema/liveprof/pkg/backend"
	"github.com/mbeema/liveprof/pkg/callgraph"
	"github.com/mbeema/liveprof/pkg/health"
	"github.com/mbeema/liveprof/pkg/profile"
	"github.com/mbeema/liveprof/pkg/timer"
	"go.uber.org/zap"
)

// ErrCapture marks a provider that returned nothing usable.
var ErrCapture = errors.New("profile capture failed")

var errNothingSampled = errors.New("nothing sampled")

const (
	// DefaultApp is the app name used when none is configured.
	DefaultApp = "Default"
	// TotalLabel is the label of sessions selected only by the total gate.
	TotalLabel = "All"
	// BackendAuto selects the provider by detection.
	BackendAuto = "auto"
)

// Persister stores finalized records. *persist.Dispatcher implements it.
type Persister interface {
	Persist(ctx context.Context, rec *profile.Record, mode profile.Mode) bool
}

// Config configures a Profiler. Zero values are usable: every session is
// sampled, the total gate is off and the backend is detected.
type Config struct {
	App   string
	Label string
	Mode  profile.Mode

	// Divider makes roughly one in Divider sessions sampled. <= 1 samples all.
	Divider int
	// TotalDivider selects an independent one in TotalDivider share of
	// sessions into the TotalLabel bucket. <= 0 disables it.
	TotalDivider int

	Dispatcher Persister
	Detector   *backend.Detector
	// Backend names the provider to use, or BackendAuto.
	Backend string

	Logger *zap.Logger
	Stats  *health.Stats

	Now        func() time.Time
	Rand       func(n int) int
	Normalizer callgraph.Normalizer

	// ScriptName is the label fallback when no request path is known.
	// Defaults to the program name.
	ScriptName string
	RequestURI string
}

// Profiler is a profiling session.
type Profiler struct {
	app          string
	label        string
	datetime     string
	mode         profile.Mode
	divider      int
	totalDivider int
	requestURI   string
	scriptName   string

	persister  Persister
	detector   *backend.Detector
	logger     *zap.Logger
	stats      *health.Stats
	now        func() time.Time
	intn       func(n int) int
	normalizer callgraph.Normalizer
	engine     *timer.Engine

	backendName string
	onStart     func()
	onEnd       func() profile.Payload
	onDiscard   func()

	running      bool
	recordLabel  string
	autoDateTime bool
	last         profile.Aggregate
}

// New creates an idle session and wires its provider.
func New(cfg *Config) *Profiler {
	if cfg == nil {
		cfg = &Config{}
	}
	p := &Profiler{
		app:          cfg.App,
		label:        cfg.Label,
		mode:         cfg.Mode,
		divider:      cfg.Divider,
		totalDivider: cfg.TotalDivider,
		requestURI:   cfg.RequestURI,
		scriptName:   cfg.ScriptName,
		persister:    cfg.Dispatcher,
		detector:     cfg.Detector,
		logger:       cfg.Logger,
		stats:        cfg.Stats,
		now:          cfg.Now,
		intn:         cfg.Rand,
		normalizer:   cfg.Normalizer,
	}
	if p.app == "" {
		p.app = DefaultApp
	}
	if p.scriptName == "" {
		p.scriptName = filepath.Base(os.Args[0])
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.intn == nil {
		p.intn = defaultIntN
	}
	if p.detector == nil {
		p.detector = backend.NewDetector(&backend.Config{Logger: p.logger})
	}

	tcfg := &timer.Config{Clock: p.now, Logger: p.logger}
	if p.stats != nil {
		tcfg.OnViolation = func() { p.stats.ProtocolViolations.Add(1) }
	}
	p.engine = timer.New(tcfg)

	switch name := cfg.Backend; name {
	case "", BackendAuto:
		p.DetectBackend()
	default:
		if !p.UseBackend(name) {
			p.wire(backend.TimerDescriptor(p.engine))
		}
	}
	return p
}

// Start begins a session if this execution is selected for sampling. It is
// a no-op while running and always returns true: a session that fails to
// start only loses its sample.
func (p *Profiler) Start() bool {
	if p.running {
		return true
	}
	if p.stats != nil {
		p.stats.SessionsStarted.Add(1)
	}

	switch {
	case gate{divider: p.divider}.selects(p.intn):
		if p.label == "" {
			p.label = p.autoLabel()
		}
		p.recordLabel = p.label
	case gate{divider: p.totalDivider, disabledAtZero: true}.selects(p.intn):
		p.recordLabel = TotalLabel
	default:
		return true
	}

	if p.datetime == "" {
		p.datetime = p.now().Format(profile.DateTimeLayout)
		p.autoDateTime = true
	}
	if p.onStart != nil {
		if err := protect(p.onStart); err != nil {
			p.logger.Warn("profiling backend failed to start",
				zap.String("backend", p.backendName), zap.Error(err))
		}
	}
	p.running = true
	if p.stats != nil {
		p.stats.SessionsSampled.Add(1)
	}
	return true
}

// End stops the provider, normalizes its payload and persists the record.
// The session is idle afterwards whatever the outcome. End on an idle
// session, or one whose provider sampled nothing, returns true without
// persisting anything.
func (p *Profiler) End(ctx context.Context) bool {
	if !p.running {
		return true
	}
	defer p.idle()

	if p.onEnd == nil {
		return true
	}

	agg, err := p.collect()
	if errors.Is(err, errNothingSampled) {
		p.logger.Debug("nothing sampled, no profile recorded",
			zap.String("backend", p.backendName),
			zap.String("label", p.recordLabel),
		)
		return true
	}
	if err != nil {
		p.logger.Warn("invalid profiler data",
			zap.String("backend", p.backendName),
			zap.String("label", p.recordLabel),
			zap.Error(err),
		)
		if p.stats != nil {
			p.stats.CaptureErrors.Add(1)
		}
		return false
	}
	p.last = agg

	rec := &profile.Record{
		App:      p.app,
		Label:    p.recordLabel,
		DateTime: p.datetime,
		Payload:  agg,
	}
	if p.persister == nil {
		p.logger.Error("can't save profile data: no dispatcher configured", zap.String("label", rec.Label))
		return false
	}
	if !p.persister.Persist(ctx, rec, p.mode) {
		p.logger.Error("can't save profile data",
			zap.String("app", rec.App),
			zap.String("label", rec.Label),
			zap.Stringer("mode", p.mode),
		)
		return false
	}
	return true
}

// Reset stops any active provider, discarding its data, and returns the
// session to idle.
func (p *Profiler) Reset() bool {
	stop := p.onDiscard
	if stop == nil && p.onEnd != nil {
		stop = func() { p.onEnd() }
	}
	if p.running && stop != nil {
		if err := protect(stop); err != nil {
			p.logger.Warn("profiling backend failed to stop", zap.String("backend", p.backendName), zap.Error(err))
		}
	}
	p.idle()
	return true
}

func (p *Profiler) idle() {
	p.running = false
	p.recordLabel = ""
	if p.autoDateTime {
		p.datetime = ""
		p.autoDateTime = false
	}
}

// collect runs the end callback and turns its payload into an aggregate.
func (p *Profiler) collect() (profile.Aggregate, error) {
	var payload profile.Payload
	if err := protect(func() { payload = p.onEnd() }); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCapture, err)
	}
	if _, ok := payload.(profile.NoSamples); ok {
		return nil, errNothingSampled
	}
	if payload == nil || payload.Empty() {
		return nil, fmt.Errorf("%w: backend returned no data", ErrCapture)
	}

	switch v := payload.(type) {
	case profile.RawTicks:
		return p.normalizer.Normalize(v), nil
	case profile.Aggregate:
		return v, nil
	default:
		return nil, fmt.Errorf("%w: unsupported payload %T", ErrCapture, payload)
	}
}

func protect(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	fn()
	return nil
}

// autoLabel derives the label from the request path, without its query
// string, falling back to the script name.
func (p *Profiler) autoLabel() string {
	if path, _, _ := strings.Cut(p.requestURI, "?"); path != "" {
		return path
	}
	return p.scriptName
}

// UseBackend wires the named provider. It is rejected while running and
// for unknown names.
func (p *Profiler) UseBackend(name string) bool {
	if p.running {
		p.logger.Warn("profiling is already started, backend not changed", zap.String("backend", name))
		return false
	}
	desc, ok := p.detector.Lookup(name, backend.TimerDescriptor(p.engine))
	if !ok {
		p.logger.Warn("unknown profiling backend", zap.String("backend", name))
		return false
	}
	p.wire(desc)
	return true
}

// DetectBackend wires the best available provider. It is rejected while
// running.
func (p *Profiler) DetectBackend() bool {
	if p.running {
		p.logger.Warn("profiling is already started, backend not detected")
		return false
	}
	p.wire(p.detector.Detect(backend.TimerDescriptor(p.engine)))
	return true
}

func (p *Profiler) wire(d backend.Descriptor) {
	p.backendName = d.Name
	p.onStart = d.Start
	p.onEnd = d.End
	p.onDiscard = d.Discard
}

// SetCallbacks replaces the provider callbacks with custom ones. Either may
// be nil.
func (p *Profiler) SetCallbacks(start func(), end func() profile.Payload) {
	p.backendName = "custom"
	p.onStart = start
	p.onEnd = end
	p.onDiscard = nil
}

// Timer returns the manual timer engine owned by this session. It feeds the
// session only when the timer backend is wired.
func (p *Profiler) Timer() *timer.Engine { return p.engine }

// Backend returns the name of the wired provider.
func (p *Profiler) Backend() string { return p.backendName }

// IsRunning reports whether a sampled session is in progress.
func (p *Profiler) IsRunning() bool { return p.running }

// LastProfileData returns the aggregate of the last completed session. It
// is empty before the first one.
func (p *Profiler) LastProfileData() profile.Aggregate {
	if p.last == nil {
		return profile.Aggregate{}
	}
	return p.last
}

// App returns the application name recorded with each profile.
func (p *Profiler) App() string { return p.app }

// SetApp sets the application name.
func (p *Profiler) SetApp(app string) { p.app = app }

// Label returns the configured label; empty until Start derives one.
func (p *Profiler) Label() string { return p.label }

// SetLabel sets the label, overriding the derived one.
func (p *Profiler) SetLabel(label string) { p.label = label }

// Mode returns the persistence mode.
func (p *Profiler) Mode() profile.Mode { return p.mode }

// SetMode sets the persistence mode.
func (p *Profiler) SetMode(m profile.Mode) { p.mode = m }

// DateTime returns the record datetime, pinned or stamped by Start.
func (p *Profiler) DateTime() string { return p.datetime }

// Divider returns the per-label sampling divider.
func (p *Profiler) Divider() int { return p.divider }

// SetDivider sets the per-label sampling divider. <= 1 samples every session.
func (p *Profiler) SetDivider(n int) { p.divider = n }

// TotalDivider returns the divider of the total bucket.
func (p *Profiler) TotalDivider() int { return p.totalDivider }

// SetTotalDivider sets the divider of the total bucket. <= 0 disables it.
func (p *Profiler) SetTotalDivider(n int) { p.totalDivider = n }

// RequestURI returns the request URI used to derive the label.
func (p *Profiler) RequestURI() string { return p.requestURI }

// SetRequestURI sets the request URI used to derive the label.
func (p *Profiler) SetRequestURI(u string) { p.requestURI = u }

// SetDateTime pins the datetime of the record; otherwise Start stamps it.
func (p *Profiler) SetDateTime(dt string) {
	p.datetime = dt
	p.autoDateTime = false
}
