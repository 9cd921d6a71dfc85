// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package backend

import (
	"bytes"
	"runtime/pprof"
	"sync/atomic"

	"github.com/felixge/fgprof"
	"github.com/mbeema/liveprof/pkg/callgraph"
	"github.com/mbeema/liveprof/pkg/profile"
	"go.uber.org/zap"

	pprofProfile "github.com/google/pprof/profile"
)

// The runtime allows a single CPU profile per process.
var cpuProfileBusy atomic.Bool

// cpuCapture records one runtime CPU profile.
type cpuCapture struct {
	logger *zap.Logger
	buf    bytes.Buffer
	active bool
}

func newPProfDescriptor(logger *zap.Logger) Descriptor {
	c := &cpuCapture{logger: logger}
	return Descriptor{
		Name:      NamePProf,
		Priority:  1,
		Available: func() bool { return !cpuProfileBusy.Load() },
		Start:     c.start,
		End:       c.end,
	}
}

func (c *cpuCapture) start() {
	if !cpuProfileBusy.CompareAndSwap(false, true) {
		c.logger.Warn("cpu profile already running in this process, sample lost")
		return
	}
	c.buf.Reset()
	if err := pprof.StartCPUProfile(&c.buf); err != nil {
		cpuProfileBusy.Store(false)
		c.logger.Warn("failed to start cpu profile", zap.Error(err))
		return
	}
	c.active = true
}

func (c *cpuCapture) end() profile.Payload {
	if !c.active {
		return nil
	}
	pprof.StopCPUProfile()
	c.active = false
	cpuProfileBusy.Store(false)

	agg, err := aggregatePProf(c.buf.Bytes())
	if err != nil {
		c.logger.Warn("failed to parse cpu profile", zap.Error(err))
		return nil
	}
	return sampled(agg)
}

// wallCapture records an fgprof wall-clock profile (on and off CPU).
type wallCapture struct {
	logger *zap.Logger
	buf    bytes.Buffer
	stop   func() error
}

func newFGProfDescriptor(logger *zap.Logger) Descriptor {
	c := &wallCapture{logger: logger}
	return Descriptor{
		Name:      NameFGProf,
		Priority:  2,
		Available: func() bool { return true },
		Start:     c.start,
		End:       c.end,
	}
}

func (c *wallCapture) start() {
	c.buf.Reset()
	c.stop = fgprof.Start(&c.buf, fgprof.FormatPprof)
}

func (c *wallCapture) end() profile.Payload {
	if c.stop == nil {
		return nil
	}
	err := c.stop()
	c.stop = nil
	if err != nil {
		c.logger.Warn("failed to stop wall-clock profile", zap.Error(err))
		return nil
	}

	agg, err := aggregatePProf(c.buf.Bytes())
	if err != nil {
		c.logger.Warn("failed to parse wall-clock profile", zap.Error(err))
		return nil
	}
	return sampled(agg)
}

// sampled maps a clean capture without samples to profile.NoSamples.
func sampled(agg profile.Aggregate) profile.Payload {
	if agg.Empty() {
		return profile.NoSamples{}
	}
	return agg
}

// aggregatePProf folds a pprof profile into call-graph edges. The sample
// count becomes ct and the first nanosecond-valued sample type becomes wt.
func aggregatePProf(data []byte) (profile.Aggregate, error) {
	prof, err := pprofProfile.ParseData(data)
	if err != nil {
		return nil, err
	}
	return FoldProfile(prof), nil
}

// FoldProfile converts pprof samples into an aggregate keyed by root frame
// and caller==>callee pairs. Inlined frames are expanded.
func FoldProfile(prof *pprofProfile.Profile) profile.Aggregate {
	ctIdx, wtIdx := -1, -1
	for i, st := range prof.SampleType {
		switch {
		case st.Unit == "count" && ctIdx < 0:
			ctIdx = i
		case st.Unit == "nanoseconds" && wtIdx < 0:
			wtIdx = i
		}
	}

	agg := make(profile.Aggregate)
	for _, s := range prof.Sample {
		ct := int64(1)
		if ctIdx >= 0 {
			ct = s.Value[ctIdx]
		}
		var wt int64
		if wtIdx >= 0 {
			wt = s.Value[wtIdx] / 1000
		}
		if ct == 0 && wt == 0 {
			continue
		}
		callgraph.AddStack(agg, rootFirst(s.Location), profile.Delimiter, ct, wt)
	}
	return agg
}

// rootFirst flattens leaf-first locations into root-first function names.
// Within a location the last line is the outermost caller.
func rootFirst(locs []*pprofProfile.Location) []string {
	var frames []string
	for i := len(locs) - 1; i >= 0; i-- {
		lines := locs[i].Line
		for j := len(lines) - 1; j >= 0; j-- {
			if lines[j].Function == nil {
				continue
			}
			frames = append(frames, lines[j].Function.Name)
		}
	}
	return frames
}
