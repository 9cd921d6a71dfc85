// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package profiler

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/mbeema/liveprof/pkg/backend"
	"github.com/mbeema/liveprof/pkg/callgraph"
	"github.com/mbeema/liveprof/pkg/health"
	"github.com/mbeema/liveprof/pkg/persist"
	"github.com/mbeema/liveprof/pkg/profile"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingPersister struct {
	records []*profile.Record
	modes   []profile.Mode
	result  bool
}

func (r *recordingPersister) Persist(_ context.Context, rec *profile.Record, mode profile.Mode) bool {
	r.records = append(r.records, rec)
	r.modes = append(r.modes, mode)
	return r.result
}

func fixedNow() time.Time { return time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC) }

func newTestProfiler(t *testing.T, cfg Config) (*Profiler, *recordingPersister) {
	t.Helper()
	rp := &recordingPersister{result: true}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = rp
	}
	if cfg.Now == nil {
		cfg.Now = fixedNow
	}
	if cfg.Backend == "" {
		cfg.Backend = backend.NameTimer
	}
	return New(&cfg), rp
}

func TestTimerSessionPersists(t *testing.T) {
	p, rp := newTestProfiler(t, Config{App: "shop", Label: "checkout", Mode: profile.ModeFiles})
	if p.Backend() != backend.NameTimer {
		t.Fatalf("backend = %q", p.Backend())
	}

	if !p.Start() || !p.IsRunning() {
		t.Fatal("expected a running session")
	}
	p.Timer().StartTimer("db")
	p.Timer().EndTimer("db")

	if !p.End(context.Background()) {
		t.Fatal("End returned false")
	}
	if p.IsRunning() {
		t.Error("session must be idle after End")
	}
	if len(rp.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(rp.records))
	}
	rec := rp.records[0]
	if rec.App != "shop" || rec.Label != "checkout" || rec.DateTime != "2024-03-01 12:30:00" {
		t.Errorf("unexpected record header %+v", rec)
	}
	if rp.modes[0] != profile.ModeFiles {
		t.Errorf("mode = %v", rp.modes[0])
	}
	if rec.Payload[profile.RootLabel].CT != 1 || rec.Payload["main()==>db"].CT != 1 {
		t.Errorf("unexpected payload %+v", rec.Payload)
	}
	if len(p.LastProfileData()) != 2 {
		t.Errorf("LastProfileData = %+v", p.LastProfileData())
	}
}

func TestStartIsIdempotent(t *testing.T) {
	p, _ := newTestProfiler(t, Config{})
	starts := 0
	p.SetCallbacks(func() { starts++ }, func() profile.Payload { return profile.Aggregate{"x": {CT: 1}} })

	p.Start()
	p.Start()
	if starts != 1 {
		t.Errorf("start callback ran %d times, want 1", starts)
	}
}

func TestStartWithoutCallbacks(t *testing.T) {
	p, rp := newTestProfiler(t, Config{})
	p.SetCallbacks(nil, nil)

	if !p.Start() || !p.IsRunning() {
		t.Fatal("nil start callback must be tolerated")
	}
	if !p.End(context.Background()) {
		t.Error("End without an end callback returns true")
	}
	if p.IsRunning() || len(rp.records) != 0 {
		t.Error("expected idle session and no record")
	}
}

func TestAutoLabel(t *testing.T) {
	tests := []struct {
		name       string
		requestURI string
		scriptName string
		want       string
	}{
		{"script fallback", "", "index.php", "index.php"},
		{"query stripped", "/test/test?param=value", "", "/test/test"},
		{"bare query", "?a=b", "worker", "worker"},
		{"plain path", "/orders", "worker", "/orders"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, rp := newTestProfiler(t, Config{RequestURI: tt.requestURI, ScriptName: tt.scriptName})
			if tt.scriptName == "" {
				p.scriptName = ""
			}
			p.Start()
			if p.Label() != tt.want {
				t.Errorf("label = %q, want %q", p.Label(), tt.want)
			}
			p.End(context.Background())
			if len(rp.records) == 1 && rp.records[0].Label != tt.want {
				t.Errorf("record label = %q", rp.records[0].Label)
			}
		})
	}
}

func TestNotSampled(t *testing.T) {
	never := func(n int) int { return n - 1 }
	p, rp := newTestProfiler(t, Config{Divider: 10, Rand: never})

	started := false
	p.SetCallbacks(func() { started = true }, nil)

	if !p.Start() {
		t.Fatal("Start always returns true")
	}
	if p.IsRunning() || started {
		t.Error("unsampled session must not start the provider")
	}
	if !p.End(context.Background()) || len(rp.records) != 0 {
		t.Error("End on an unsampled session must be a no-op")
	}
}

func TestTotalGateUsesAllLabel(t *testing.T) {
	// Only the total gate (divider 5) draws zero.
	intn := func(n int) int {
		if n == 5 {
			return 0
		}
		return 1
	}
	p, rp := newTestProfiler(t, Config{Label: "checkout", Divider: 10, TotalDivider: 5, Rand: intn})

	p.Start()
	if !p.IsRunning() {
		t.Fatal("total gate must start the session")
	}
	p.End(context.Background())
	if rp.records[0].Label != TotalLabel {
		t.Errorf("label = %q, want %q", rp.records[0].Label, TotalLabel)
	}
	if p.Label() != "checkout" {
		t.Errorf("configured label changed to %q", p.Label())
	}
}

func TestTotalDividerOne(t *testing.T) {
	never := func(n int) int { return n - 1 }
	p, _ := newTestProfiler(t, Config{Divider: 1000, TotalDivider: 1, Rand: never})
	p.Start()
	if !p.IsRunning() {
		t.Error("total divider 1 always selects")
	}
}

func TestSamplingRate(t *testing.T) {
	const (
		sessions = 20000
		divider  = 10
	)
	r := rand.New(rand.NewPCG(1, 2))
	sampled := 0
	for i := 0; i < sessions; i++ {
		p, _ := newTestProfiler(t, Config{Divider: divider, Rand: r.IntN})
		p.SetCallbacks(nil, nil)
		p.Start()
		if p.IsRunning() {
			sampled++
		}
	}

	got := float64(sampled) / sessions
	want := 1.0 / divider
	if math.Abs(got-want) > want*0.1 {
		t.Errorf("sampling rate %.4f outside 10%% of %.4f", got, want)
	}
}

func TestDividerAtMostOneAlwaysSamples(t *testing.T) {
	for _, d := range []int{-3, 0, 1} {
		p, _ := newTestProfiler(t, Config{Divider: d, Rand: func(int) int { panic("must not draw") }})
		p.SetCallbacks(nil, nil)
		p.Start()
		if !p.IsRunning() {
			t.Errorf("divider %d must always sample", d)
		}
	}
}

func TestEndWhileIdle(t *testing.T) {
	p, rp := newTestProfiler(t, Config{})
	if !p.End(context.Background()) {
		t.Error("End while idle returns true")
	}
	if len(rp.records) != 0 {
		t.Error("End while idle must not persist")
	}
}

func TestEndWithoutData(t *testing.T) {
	tests := []struct {
		name string
		end  func() profile.Payload
	}{
		{"nil", func() profile.Payload { return nil }},
		{"empty aggregate", func() profile.Payload { return profile.Aggregate{} }},
		{"empty ticks", func() profile.Payload { return profile.RawTicks{} }},
		{"panic", func() profile.Payload { panic("provider crashed") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.WarnLevel)
			stats := health.NewStats()
			p, rp := newTestProfiler(t, Config{Logger: zap.New(core), Stats: stats})
			p.SetCallbacks(nil, tt.end)

			p.Start()
			if p.End(context.Background()) {
				t.Error("End must fail without data")
			}
			if p.IsRunning() {
				t.Error("session must be idle")
			}
			if len(rp.records) != 0 {
				t.Error("nothing must be persisted")
			}
			if logs.FilterLevelExact(zapcore.WarnLevel).Len() != 1 {
				t.Errorf("expected one warning, got %d", logs.Len())
			}
			if stats.CaptureErrors.Load() != 1 {
				t.Errorf("CaptureErrors = %d", stats.CaptureErrors.Load())
			}
		})
	}
}

func TestEndNothingSampled(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	stats := health.NewStats()
	p, rp := newTestProfiler(t, Config{Logger: zap.New(core), Stats: stats})
	p.SetCallbacks(nil, func() profile.Payload { return profile.NoSamples{} })

	p.Start()
	if !p.End(context.Background()) {
		t.Error("a capture without samples is not a failure")
	}
	if p.IsRunning() {
		t.Error("session must be idle")
	}
	if len(rp.records) != 0 {
		t.Error("nothing must be persisted")
	}
	if logs.Len() != 0 {
		t.Errorf("expected no warnings, got %d", logs.Len())
	}
	if stats.CaptureErrors.Load() != 0 {
		t.Errorf("CaptureErrors = %d, want 0", stats.CaptureErrors.Load())
	}
}

func TestShortCPUProfileSession(t *testing.T) {
	stats := health.NewStats()
	p, rp := newTestProfiler(t, Config{Backend: backend.NamePProf, Stats: stats})
	if p.Backend() != backend.NamePProf {
		t.Fatalf("backend = %q", p.Backend())
	}

	p.Start()
	if !p.End(context.Background()) {
		t.Fatal("an immediate End on the cpu profile must not fail")
	}
	if stats.CaptureErrors.Load() != 0 {
		t.Errorf("CaptureErrors = %d, want 0", stats.CaptureErrors.Load())
	}
	if len(rp.records) > 1 {
		t.Errorf("expected at most one record, got %d", len(rp.records))
	}
}

func TestRawTicksAreNormalized(t *testing.T) {
	p, rp := newTestProfiler(t, Config{Normalizer: callgraph.Normalizer{TickWeight: 1000000}})
	p.SetCallbacks(nil, func() profile.Payload {
		return profile.RawTicks{
			1001: "main()==>func",
			1002: "main()==>func==>func2",
			1003: "main()",
		}
	})

	p.Start()
	if !p.End(context.Background()) {
		t.Fatal("End returned false")
	}
	want := profile.Aggregate{
		"main()":        {CT: 3, WT: 3000000},
		"main()==>func": {CT: 2, WT: 2000000},
		"func==>func2":  {CT: 1, WT: 1000000},
	}
	got := rp.records[0].Payload
	if len(got) != len(want) {
		t.Fatalf("got %+v", got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %+v, want %+v", k, got[k], v)
		}
	}
}

func TestFailingSinkStillIdles(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	logger := zap.New(core)
	d := persist.New(persist.Config{Target: "/nonexistent/dir/x.db"}, logger)
	defer d.Close()

	p, _ := newTestProfiler(t, Config{Dispatcher: d, Logger: logger, Mode: profile.ModeStore})
	p.SetCallbacks(nil, func() profile.Payload { return profile.Aggregate{"main()": {CT: 1, WT: 10}} })

	p.Start()
	if p.End(context.Background()) {
		t.Error("End must report the persistence failure")
	}
	if p.IsRunning() {
		t.Error("session must be idle after a failed End")
	}
	if logs.FilterMessage("failed to persist profile").Len() != 1 {
		t.Error("expected the dispatcher to log the failure")
	}
}

func TestPersisterRejects(t *testing.T) {
	rp := &recordingPersister{result: false}
	p, _ := newTestProfiler(t, Config{Dispatcher: rp})
	p.SetCallbacks(nil, func() profile.Payload { return profile.Aggregate{"a": {CT: 1}} })
	p.Start()
	if p.End(context.Background()) {
		t.Error("End returns the dispatcher outcome")
	}
	if len(p.LastProfileData()) != 1 {
		t.Error("LastProfileData is kept even when persisting fails")
	}
}

func TestReset(t *testing.T) {
	p, rp := newTestProfiler(t, Config{})
	stopped := 0
	p.SetCallbacks(nil, func() profile.Payload {
		stopped++
		return profile.Aggregate{"a": {CT: 1}}
	})

	if !p.Reset() {
		t.Fatal("Reset returns true")
	}
	if stopped != 0 {
		t.Error("Reset while idle must not call the end callback")
	}

	p.Start()
	if !p.Reset() || p.IsRunning() {
		t.Fatal("Reset must return to idle")
	}
	if stopped != 1 {
		t.Errorf("end callback ran %d times, want 1", stopped)
	}
	if len(rp.records) != 0 {
		t.Error("Reset must not persist")
	}
}

func TestResetWithOpenTimersIsQuiet(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	stats := health.NewStats()
	p, rp := newTestProfiler(t, Config{Logger: zap.New(core), Stats: stats})

	p.Start()
	p.Timer().StartTimer("outer")
	p.Timer().StartTimer("inner")
	if !p.Reset() || p.IsRunning() {
		t.Fatal("Reset must return to idle")
	}
	if p.Timer().Enabled() {
		t.Error("timer engine must be disabled after Reset")
	}
	if stats.ProtocolViolations.Load() != 0 {
		t.Errorf("ProtocolViolations = %d, want 0", stats.ProtocolViolations.Load())
	}
	if logs.Len() != 0 {
		t.Errorf("expected no warnings, got %d", logs.Len())
	}
	if len(rp.records) != 0 {
		t.Error("Reset must not persist")
	}
}

func TestTimerViolationDiscardsSession(t *testing.T) {
	stats := health.NewStats()
	p, rp := newTestProfiler(t, Config{Stats: stats})

	p.Start()
	p.Timer().StartTimer("a")
	p.Timer().EndTimer("b")

	if p.End(context.Background()) {
		t.Error("a poisoned timer session must not persist")
	}
	if len(rp.records) != 0 {
		t.Error("nothing must be persisted")
	}
	if stats.ProtocolViolations.Load() != 1 {
		t.Errorf("ProtocolViolations = %d", stats.ProtocolViolations.Load())
	}
}

func TestBackendSelectionWhileRunning(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	p, _ := newTestProfiler(t, Config{Logger: zap.New(core)})

	p.Start()
	if p.UseBackend(backend.NameSampler) {
		t.Error("UseBackend must be rejected while running")
	}
	if p.DetectBackend() {
		t.Error("DetectBackend must be rejected while running")
	}
	if p.Backend() != backend.NameTimer {
		t.Errorf("backend changed to %q", p.Backend())
	}
	if logs.Len() != 2 {
		t.Errorf("expected 2 warnings, got %d", logs.Len())
	}

	p.End(context.Background())
	if !p.UseBackend(backend.NameSampler) || p.Backend() != backend.NameSampler {
		t.Error("UseBackend must succeed once idle")
	}
	if p.UseBackend("xhprof") {
		t.Error("unknown backend must be rejected")
	}
}

func TestUnknownConfiguredBackendFallsBackToTimer(t *testing.T) {
	p, _ := newTestProfiler(t, Config{Backend: "nope"})
	if p.Backend() != backend.NameTimer {
		t.Errorf("backend = %q, want timer", p.Backend())
	}
}

func TestDetectedBackend(t *testing.T) {
	det := backend.NewDetectorWith(nil, nil, nil)
	p, _ := newTestProfiler(t, Config{Backend: BackendAuto, Detector: det})
	if p.Backend() != backend.NameTimer {
		t.Errorf("empty detector must fall back to timer, got %q", p.Backend())
	}
}

func TestSettersGetters(t *testing.T) {
	p, _ := newTestProfiler(t, Config{})
	if got := p.LastProfileData(); got == nil || len(got) != 0 {
		t.Errorf("LastProfileData before any session = %+v", got)
	}
	if p.App() != DefaultApp {
		t.Errorf("default app = %q", p.App())
	}

	p.SetApp("test_app")
	p.SetLabel("test_label")
	p.SetMode(profile.ModeAPI)
	p.SetDateTime("test_datetime")
	p.SetDivider(1)
	p.SetTotalDivider(2)
	p.SetRequestURI("/x")

	if p.App() != "test_app" || p.Label() != "test_label" || p.Mode() != profile.ModeAPI {
		t.Error("app/label/mode setters")
	}
	if p.DateTime() != "test_datetime" || p.Divider() != 1 || p.TotalDivider() != 2 || p.RequestURI() != "/x" {
		t.Error("datetime/divider/request setters")
	}
}

func TestPinnedDateTimeSurvivesSession(t *testing.T) {
	p, rp := newTestProfiler(t, Config{})
	p.SetCallbacks(nil, func() profile.Payload { return profile.Aggregate{"a": {CT: 1}} })

	p.Start()
	p.End(context.Background())
	if p.DateTime() != "" {
		t.Errorf("stamped datetime must be cleared after End, got %q", p.DateTime())
	}

	p.SetDateTime("2020-01-01 00:00:00")
	p.Start()
	p.End(context.Background())
	if rp.records[1].DateTime != "2020-01-01 00:00:00" {
		t.Errorf("record datetime = %q", rp.records[1].DateTime)
	}
}
