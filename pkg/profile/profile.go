// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package profile holds the data model shared by the capture pipeline:
// raw tick samples, aggregated metrics and the finalized record handed to
// the persistence layer.
package profile

import (
	"fmt"
	"strings"
)

const (
	// Delimiter joins frame labels in raw stacks and edge keys.
	Delimiter = "==>"

	// RootLabel is the implicit root frame of manual timer sessions.
	RootLabel = "main()"

	// DateTimeLayout is the layout of Record.DateTime.
	DateTimeLayout = "2006-01-02 15:04:05"
)

// Metrics is one aggregate entry. WT is in microseconds, MU in bytes.
type Metrics struct {
	CT int64 `json:"ct"`
	WT int64 `json:"wt"`
	MU int64 `json:"mu,omitempty"`
}

// Add accumulates other into m.
func (m *Metrics) Add(other Metrics) {
	m.CT += other.CT
	m.WT += other.WT
	m.MU += other.MU
}

// Payload is what a provider's end callback hands back: either RawTicks that
// still need normalizing, or an Aggregate that is used as-is.
type Payload interface {
	payload()
	Empty() bool
}

// RawTicks maps a provider-defined tick counter to a raw stack string
// (frame labels joined by Delimiter, root first).
type RawTicks map[int64]string

func (RawTicks) payload() {}

// Empty reports whether there are no ticks.
func (t RawTicks) Empty() bool { return len(t) == 0 }

// Aggregate maps an edge key (root frame or parent==>child) or a timer path
// to its metrics.
type Aggregate map[string]Metrics

func (Aggregate) payload() {}

// Empty reports whether the aggregate holds no entries.
func (a Aggregate) Empty() bool { return len(a) == 0 }

// Clone returns an independent copy.
func (a Aggregate) Clone() Aggregate {
	out := make(Aggregate, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// NoSamples is returned by a provider whose capture ran cleanly but recorded
// nothing, such as a CPU profile shorter than one sampling period.
type NoSamples struct{}

func (NoSamples) payload() {}

// Empty always reports true.
func (NoSamples) Empty() bool { return true }

// Record is a finalized profile ready for persistence.
type Record struct {
	App      string
	Label    string
	DateTime string
	Payload  Aggregate
}

// Mode selects the persistence sink.
type Mode int

const (
	ModeStore Mode = iota
	ModeFiles
	ModeAPI
	ModeOTLP
)

func (m Mode) String() string {
	switch m {
	case ModeStore:
		return "store"
	case ModeFiles:
		return "files"
	case ModeAPI:
		return "api"
	case ModeOTLP:
		return "otlp"
	default:
		return "unknown"
	}
}

// ParseMode parses a mode name, case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "store", "db", "":
		return ModeStore, nil
	case "files", "file":
		return ModeFiles, nil
	case "api":
		return ModeAPI, nil
	case "otlp":
		return ModeOTLP, nil
	}
	return ModeStore, fmt.Errorf("unknown mode %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so modes can be
// written by name in YAML.
func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
