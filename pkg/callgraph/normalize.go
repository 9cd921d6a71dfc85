// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package callgraph turns raw per-tick stack samples into aggregated
// caller/callee edge metrics.
package callgraph

import (
	"strings"

	"github.com/mbeema/liveprof/pkg/profile"
)

// DefaultTickWeight is the wall time, in microseconds, attributed to one
// sampling tick when nothing else is configured. It matches the default
// goroutine sampler interval of 10ms.
const DefaultTickWeight int64 = 10000

// Normalizer aggregates raw tick samples. The zero value uses
// DefaultTickWeight and profile.Delimiter.
type Normalizer struct {
	// TickWeight is the reconstructed wall time (µs) of one tick.
	TickWeight int64
	Delimiter  string
}

func (n Normalizer) weight() int64 {
	if n.TickWeight <= 0 {
		return DefaultTickWeight
	}
	return n.TickWeight
}

func (n Normalizer) delim() string {
	if n.Delimiter == "" {
		return profile.Delimiter
	}
	return n.Delimiter
}

// Normalize aggregates ticks into edge metrics. Each tick adds one
// occurrence to its root frame and to every adjacent caller/callee pair.
// The result does not depend on map iteration order.
func (n Normalizer) Normalize(ticks profile.RawTicks) profile.Aggregate {
	out := make(profile.Aggregate)
	delim := n.delim()
	wt := n.weight()

	for _, stack := range ticks {
		if stack == "" {
			continue
		}
		AddStack(out, strings.Split(stack, delim), delim, 1, wt)
	}
	return out
}

// AddStack adds one weighted observation of frames (root first) to agg:
// the root key plus every adjacent pair.
func AddStack(agg profile.Aggregate, frames []string, delim string, ct, wt int64) {
	if len(frames) == 0 {
		return
	}
	add(agg, frames[0], ct, wt)
	for i := 0; i+1 < len(frames); i++ {
		add(agg, frames[i]+delim+frames[i+1], ct, wt)
	}
}

func add(agg profile.Aggregate, key string, ct, wt int64) {
	m := agg[key]
	m.CT += ct
	m.WT += wt
	agg[key] = m
}
