// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Stats tracks self-monitoring counters of the capture pipeline. The zero
// value is not usable; call NewStats.
type Stats struct {
	startTime time.Time

	SessionsStarted    atomic.Int64
	SessionsSampled    atomic.Int64
	RecordsPersisted   atomic.Int64
	PersistFailures    atomic.Int64
	CaptureErrors      atomic.Int64
	ProtocolViolations atomic.Int64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Uptime returns time since NewStats.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	UptimeSeconds      float64 `json:"uptime_seconds"`
	Goroutines         int     `json:"goroutines"`
	MemoryRSSBytes     uint64  `json:"memory_rss_bytes"`
	SessionsStarted    int64   `json:"sessions_started"`
	SessionsSampled    int64   `json:"sessions_sampled"`
	RecordsPersisted   int64   `json:"records_persisted"`
	PersistFailures    int64   `json:"persist_failures"`
	CaptureErrors      int64   `json:"capture_errors"`
	ProtocolViolations int64   `json:"protocol_violations"`
}

var self = sync.OnceValue(func() *process.Process {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil
	}
	return p
})

// rss reports the resident set size of this process, falling back to the
// Go runtime's view when the OS cannot be queried.
func rss() uint64 {
	if p := self(); p != nil {
		if mi, err := p.MemoryInfo(); err == nil && mi != nil {
			return mi.RSS
		}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		UptimeSeconds:      s.Uptime().Seconds(),
		Goroutines:         runtime.NumGoroutine(),
		MemoryRSSBytes:     rss(),
		SessionsStarted:    s.SessionsStarted.Load(),
		SessionsSampled:    s.SessionsSampled.Load(),
		RecordsPersisted:   s.RecordsPersisted.Load(),
		PersistFailures:    s.PersistFailures.Load(),
		CaptureErrors:      s.CaptureErrors.Load(),
		ProtocolViolations: s.ProtocolViolations.Load(),
	}
}

// PrometheusMetrics returns stats in Prometheus text exposition format.
func (s *Stats) PrometheusMetrics() string {
	return prometheusFormat(s.Snapshot())
}

func prometheusFormat(snap Snapshot) string {
	var b []byte
	b = appendMetric(b, "liveprof_uptime_seconds", "gauge", "Uptime in seconds", snap.UptimeSeconds)
	b = appendMetric(b, "liveprof_goroutines", "gauge", "Number of goroutines", float64(snap.Goroutines))
	b = appendMetric(b, "liveprof_memory_rss_bytes", "gauge", "Resident set size in bytes", float64(snap.MemoryRSSBytes))
	b = appendMetric(b, "liveprof_sessions_started_total", "counter", "Sessions started", float64(snap.SessionsStarted))
	b = appendMetric(b, "liveprof_sessions_sampled_total", "counter", "Sessions selected for capture", float64(snap.SessionsSampled))
	b = appendMetric(b, "liveprof_records_persisted_total", "counter", "Records persisted", float64(snap.RecordsPersisted))
	b = appendMetric(b, "liveprof_persist_failures_total", "counter", "Records lost to persistence failures", float64(snap.PersistFailures))
	b = appendMetric(b, "liveprof_capture_errors_total", "counter", "Sessions that produced no usable payload", float64(snap.CaptureErrors))
	b = appendMetric(b, "liveprof_timer_protocol_violations_total", "counter", "Timer sessions discarded for unbalanced calls", float64(snap.ProtocolViolations))
	return string(b)
}

func appendMetric(b []byte, name, typ, help string, value float64) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, "\n# TYPE "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, typ...)
	b = append(b, '\n')
	b = append(b, name...)
	b = append(b, ' ')
	b = strconv.AppendFloat(b, value, 'f', -1, 64)
	return append(b, '\n')
}
