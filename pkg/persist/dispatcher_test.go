// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package persist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mbeema/liveprof/pkg/codec"
	"github.com/mbeema/liveprof/pkg/health"
	"github.com/mbeema/liveprof/pkg/profile"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func testRecord() *profile.Record {
	return &profile.Record{
		App:      "Default",
		Label:    "/orders",
		DateTime: "2024-03-01 12:30:00",
		Payload: profile.Aggregate{
			"main()":          {CT: 1, WT: 500},
			"main()==>handle": {CT: 2, WT: 300},
		},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	stats := health.NewStats()
	d := New(Config{Target: ":memory:", Stats: stats}, zap.NewNop())
	defer d.Close()

	ctx := context.Background()
	if !d.CreateTable(ctx) {
		t.Fatal("CreateTable on an in-memory store failed")
	}
	rec := testRecord()
	if !d.Persist(ctx, rec, profile.ModeStore) {
		t.Fatal("Persist returned false")
	}

	sink, _ := d.sink(profile.ModeStore)
	row := sink.(*storeSink).db.QueryRowContext(ctx,
		"SELECT app, label, datetime, payload FROM details")
	var app, label, dt string
	var payload []byte
	if err := row.Scan(&app, &label, &dt, &payload); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if app != rec.App || label != rec.Label || dt != rec.DateTime {
		t.Errorf("row = (%q, %q, %q)", app, label, dt)
	}
	got, err := codec.Default().Decode(payload)
	if err != nil {
		t.Fatalf("decode stored payload: %v", err)
	}
	if got["main()==>handle"] != rec.Payload["main()==>handle"] {
		t.Errorf("payload mismatch: %+v", got)
	}
	if stats.RecordsPersisted.Load() != 1 {
		t.Errorf("RecordsPersisted = %d, want 1", stats.RecordsPersisted.Load())
	}
}

func TestStoreCustomTable(t *testing.T) {
	d := New(Config{Target: "duckdb://:memory:", Table: "profiles"}, zap.NewNop())
	defer d.Close()

	ctx := context.Background()
	if !d.Persist(ctx, testRecord(), profile.ModeStore) {
		t.Fatal("Persist returned false")
	}
	sink, _ := d.sink(profile.ModeStore)
	var n int
	if err := sink.(*storeSink).db.QueryRowContext(ctx, "SELECT count(*) FROM profiles").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
}

func TestStoreBadTargetIsContained(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	stats := health.NewStats()
	d := New(Config{Target: "/nonexistent/dir/x.db", Stats: stats}, zap.New(core))
	defer d.Close()

	if d.CreateTable(context.Background()) {
		t.Error("CreateTable must fail for an unreachable store")
	}
	if d.Persist(context.Background(), testRecord(), profile.ModeStore) {
		t.Error("Persist must fail for an unreachable store")
	}
	if logs.FilterMessage("failed to persist profile").Len() != 1 {
		t.Errorf("expected one persistence error log, got %d", logs.FilterMessage("failed to persist profile").Len())
	}
	if stats.PersistFailures.Load() != 1 {
		t.Errorf("PersistFailures = %d, want 1", stats.PersistFailures.Load())
	}
}

func TestInvalidTableName(t *testing.T) {
	d := New(Config{Target: ":memory:", Table: "details; DROP TABLE x"}, zap.NewNop())
	defer d.Close()

	_, err := d.sink(profile.ModeStore)
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestFilesSink(t *testing.T) {
	base := t.TempDir()
	d := New(Config{Target: base}, zap.NewNop())
	defer d.Close()

	rec := testRecord()
	if !d.Persist(context.Background(), rec, profile.ModeFiles) {
		t.Fatal("Persist returned false")
	}

	want := filepath.Join(base, "Default", "%2Forders-2024-03-01%2012:30:00.json")
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("expected file at %s: %v", want, err)
	}
	got, err := codec.Default().Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("decoded %d entries, want 2", len(got))
	}
}

func TestFilesSinkStaysInsideBase(t *testing.T) {
	s, err := newFileSink("/var/prof", "json")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		app, label string
	}{
		{"..", "x"},
		{".", "../../etc/passwd"},
		{"", ""},
		{"a/../../b", "/"},
	}
	for _, tt := range tests {
		p := s.Path(&profile.Record{App: tt.app, Label: tt.label, DateTime: "now"})
		rel, err := filepath.Rel("/var/prof", p)
		if err != nil || strings.HasPrefix(rel, "..") {
			t.Errorf("app=%q label=%q escaped base: %s", tt.app, tt.label, p)
		}
		if strings.Count(rel, string(filepath.Separator)) != 1 {
			t.Errorf("app=%q label=%q: want <app>/<file>, got %s", tt.app, tt.label, rel)
		}
	}
}

func TestFilesSinkRequiresBase(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	d := New(Config{}, zap.New(core))
	defer d.Close()

	if d.Persist(context.Background(), testRecord(), profile.ModeFiles) {
		t.Fatal("Persist must fail without a base directory")
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	if err, ok := entries[0].ContextMap()["error"].(string); !ok || !strings.Contains(err, ErrConfiguration.Error()) {
		t.Errorf("expected configuration error in log, got %v", entries[0].ContextMap())
	}
}

func TestNilRecord(t *testing.T) {
	d := New(Config{Target: t.TempDir()}, zap.NewNop())
	defer d.Close()
	if d.Persist(context.Background(), nil, profile.ModeFiles) {
		t.Error("nil record must not persist")
	}
}

type panicSink struct{}

func (panicSink) Name() string { return "panic" }
func (panicSink) Save(context.Context, *profile.Record, []byte) error {
	panic("sink blew up")
}
func (panicSink) Close() error { return nil }

func TestPersistRecoversSinkPanic(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	stats := health.NewStats()
	d := New(Config{Stats: stats}, zap.New(core))
	d.sinks[profile.ModeFiles] = panicSink{}

	if d.Persist(context.Background(), testRecord(), profile.ModeFiles) {
		t.Fatal("Persist must report a panicking sink as failure")
	}
	if logs.FilterMessage("panic while persisting profile").Len() != 1 {
		t.Error("expected the panic to be logged")
	}
	if stats.PersistFailures.Load() != 1 {
		t.Errorf("PersistFailures = %d, want 1", stats.PersistFailures.Load())
	}
}

func TestUnknownMode(t *testing.T) {
	d := New(Config{}, zap.NewNop())
	if d.Persist(context.Background(), testRecord(), profile.Mode(42)) {
		t.Error("unknown mode must not persist")
	}
}

func TestSinksAreCached(t *testing.T) {
	d := New(Config{Target: t.TempDir()}, zap.NewNop())
	a, err := d.sink(profile.ModeFiles)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := d.sink(profile.ModeFiles)
	if a != b {
		t.Error("expected the same sink instance")
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if len(d.sinks) != 0 {
		t.Error("Close must release every sink")
	}
}
