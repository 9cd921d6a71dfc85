// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package backend

import (
	"runtime"
	"strings"
	"time"

	"github.com/mbeema/liveprof/pkg/profile"
)

// goroutineSampler takes a snapshot of every goroutine stack on each tick
// and records them as raw samples, one tick key per observed stack.
type goroutineSampler struct {
	interval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}

	// owned by the sampling goroutine until doneCh is closed
	ticks     profile.RawTicks
	seq       int64
	records   []runtime.StackRecord
	selfFrame string
}

func newSamplerDescriptor(interval time.Duration) Descriptor {
	s := &goroutineSampler{interval: interval}
	return Descriptor{
		Name:      NameSampler,
		Priority:  3,
		Available: func() bool { return true },
		Start:     s.start,
		End:       s.end,
	}
}

func (s *goroutineSampler) start() {
	if s.stopCh != nil {
		return
	}
	s.ticks = make(profile.RawTicks)
	s.seq = 0
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop()
}

func (s *goroutineSampler) end() profile.Payload {
	if s.stopCh == nil {
		return nil
	}
	close(s.stopCh)
	<-s.doneCh
	s.stopCh = nil

	ticks := s.ticks
	s.ticks = nil
	if ticks.Empty() {
		return profile.NoSamples{}
	}
	return ticks
}

func (s *goroutineSampler) loop() {
	defer close(s.doneCh)

	// Our own stack is hidden from the output.
	pc := make([]uintptr, 1)
	if runtime.Callers(1, pc) == 1 {
		f, _ := runtime.CallersFrames(pc).Next()
		s.selfFrame = f.Function
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sample()
		case <-s.stopCh:
			return
		}
	}
}

func (s *goroutineSampler) sample() {
	// Grow with headroom: goroutines can be spawned between two calls.
	for {
		n, ok := runtime.GoroutineProfile(s.records[:cap(s.records)])
		if ok {
			s.records = s.records[:n]
			break
		}
		s.records = make([]runtime.StackRecord, 0, int(float64(n)*1.1)+1)
	}

	for i := range s.records {
		stack := s.stackString(s.records[i].Stack())
		if stack == "" {
			continue
		}
		s.seq++
		s.ticks[s.seq] = stack
	}
}

// stackString symbolizes a leaf-first PC list into a root-first raw stack.
// It returns "" for the sampler's own goroutine.
func (s *goroutineSampler) stackString(pcs []uintptr) string {
	var frames []string
	it := runtime.CallersFrames(pcs)
	for {
		f, more := it.Next()
		if s.selfFrame != "" && f.Function == s.selfFrame {
			return ""
		}
		if f.Function != "" {
			frames = append(frames, f.Function)
		}
		if !more {
			break
		}
	}
	for i, j := 0, len(frames)-1; i < j; i, j = i+1, j-1 {
		frames[i], frames[j] = frames[j], frames[i]
	}
	return strings.Join(frames, profile.Delimiter)
}
