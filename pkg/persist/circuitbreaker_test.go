// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package persist

import (
	"testing"
	"time"
)

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time          { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int) (*CircuitBreaker, *manualClock) {
	clk := &manualClock{t: time.Unix(1700000000, 0)}
	cb := NewCircuitBreaker(threshold, time.Minute)
	cb.now = clk.now
	return cb, clk
}

func TestCircuitBreakerClosedAllows(t *testing.T) {
	cb, _ := newTestBreaker(3)
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed, got %v", cb.State())
	}
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatal("closed circuit must allow every request")
		}
	}
}

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3)
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed below threshold, got %v", cb.State())
	}
	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open at threshold, got %v", cb.State())
	}
	if cb.Allow() {
		t.Error("open circuit must drop requests")
	}
}

func TestCircuitBreakerSingleProbe(t *testing.T) {
	cb, clk := newTestBreaker(1)
	cb.RecordFailure()

	clk.advance(59 * time.Second)
	if cb.Allow() {
		t.Fatal("cooldown not elapsed, request must be dropped")
	}

	clk.advance(time.Second)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open, got %v", cb.State())
	}
	if !cb.Allow() {
		t.Fatal("first request after cooldown is the probe")
	}
	if cb.Allow() {
		t.Error("only one probe may be in flight")
	}
}

func TestCircuitBreakerProbeOutcome(t *testing.T) {
	cb, clk := newTestBreaker(2)
	cb.RecordFailure()
	cb.RecordFailure()
	clk.advance(time.Minute)

	cb.Allow()
	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("failed probe must reopen, got %v", cb.State())
	}

	clk.advance(time.Minute)
	cb.Allow()
	cb.RecordSuccess()
	if cb.State() != CircuitClosed {
		t.Fatalf("successful probe must close, got %v", cb.State())
	}
	if cb.FailureCount() != 0 {
		t.Errorf("failure count = %d, want 0", cb.FailureCount())
	}
}

func TestCircuitStateString(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  string
	}{
		{CircuitClosed, "closed"},
		{CircuitOpen, "open"},
		{CircuitHalfOpen, "half-open"},
		{CircuitState(7), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("CircuitState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
