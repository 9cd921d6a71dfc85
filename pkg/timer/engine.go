// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package timer implements manual, explicitly delimited nested timers for
// hosts that run without a sampling provider.
//
// Nesting must be balanced. Any mismatched EndTimer poisons the session and
// Disable then returns an empty aggregate: partially unwound intervals cannot
// be attributed to the right scope, so nothing is reported rather than
// something misleading.
package timer

import (
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mbeema/liveprof/pkg/profile"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// ErrProtocolViolation marks unbalanced or mismatched timer calls.
var ErrProtocolViolation = errors.New("timer protocol violation")

// MemoryProbe returns the current memory usage in bytes.
type MemoryProbe func() int64

// Config configures an Engine. All fields are optional.
type Config struct {
	Clock  func() time.Time
	Memory MemoryProbe
	Logger *zap.Logger
	// OnViolation is called once when the engine becomes poisoned.
	OnViolation func()
}

type frame struct {
	tag     string
	startWT time.Time
	startMU int64
}

// Engine is a single-session nested timer. It is not safe for concurrent use.
type Engine struct {
	now         func() time.Time
	mem         MemoryProbe
	logger      *zap.Logger
	onViolation func()

	enabled  bool
	poisoned bool
	stack    []frame
	acc      profile.Aggregate
}

// New creates a disabled engine.
func New(cfg *Config) *Engine {
	if cfg == nil {
		cfg = &Config{}
	}
	e := &Engine{
		now:         cfg.Clock,
		mem:         cfg.Memory,
		logger:      cfg.Logger,
		onViolation: cfg.OnViolation,
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.mem == nil {
		e.mem = ProcessRSS
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e
}

var selfProcess = sync.OnceValue(func() *process.Process {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil
	}
	return p
})

// ProcessRSS reports the resident set size of the current process, or 0 when
// it cannot be read.
func ProcessRSS() int64 {
	p := selfProcess()
	if p == nil {
		return 0
	}
	mi, err := p.MemoryInfo()
	if err != nil {
		return 0
	}
	return int64(mi.RSS)
}

// Enable starts a new session. Enabling an already enabled engine discards
// the running session and starts over.
func (e *Engine) Enable() {
	if e.enabled {
		e.logger.Debug("timer engine re-enabled, discarding running session",
			zap.Int("depth", len(e.stack)))
	}
	e.reset()
	e.enabled = true
	e.stack = append(e.stack, frame{tag: profile.RootLabel, startWT: e.now(), startMU: e.mem()})
}

// StartTimer opens a nested interval named tag.
func (e *Engine) StartTimer(tag string) bool {
	if !e.enabled {
		e.logger.Debug("StartTimer ignored, timer engine is disabled", zap.String("tag", tag))
		return false
	}
	if e.poisoned {
		return false
	}
	e.stack = append(e.stack, frame{tag: tag, startWT: e.now(), startMU: e.mem()})
	return true
}

// EndTimer closes the innermost interval, which must be named tag.
func (e *Engine) EndTimer(tag string) bool {
	if !e.enabled || len(e.stack) == 0 {
		e.logger.Debug("EndTimer ignored, timer engine is disabled", zap.String("tag", tag))
		return false
	}
	if e.poisoned {
		return false
	}

	top := e.stack[len(e.stack)-1]
	if len(e.stack) == 1 || top.tag != tag {
		e.poison(tag, top.tag)
		return false
	}

	e.stack = e.stack[:len(e.stack)-1]
	key := e.path() + profile.Delimiter + tag
	e.accumulate(key, top)
	return true
}

// Disable ends the session and returns the collected timings. It returns an
// empty aggregate when the session was poisoned or left timers open.
func (e *Engine) Disable() profile.Aggregate {
	if !e.enabled {
		return profile.Aggregate{}
	}
	defer e.reset()

	if e.poisoned {
		return profile.Aggregate{}
	}
	if len(e.stack) != 1 {
		e.logger.Warn("timer engine disabled with open timers, discarding session",
			zap.Error(ErrProtocolViolation),
			zap.String("open", e.path()),
		)
		e.violated()
		return profile.Aggregate{}
	}

	e.accumulate(profile.RootLabel, e.stack[0])
	return e.acc.Clone()
}

// Discard ends the session and drops whatever it collected. Open timers are
// not a protocol violation here.
func (e *Engine) Discard() {
	if e.enabled {
		e.logger.Debug("timer session discarded", zap.Int("depth", len(e.stack)))
	}
	e.reset()
}

// Enabled reports whether a session is running.
func (e *Engine) Enabled() bool { return e.enabled }

// Poisoned reports whether the running session hit a protocol violation.
func (e *Engine) Poisoned() bool { return e.poisoned }

func (e *Engine) path() string {
	tags := make([]string, len(e.stack))
	for i, f := range e.stack {
		tags[i] = f.tag
	}
	return strings.Join(tags, profile.Delimiter)
}

func (e *Engine) accumulate(key string, f frame) {
	m := e.acc[key]
	m.Add(profile.Metrics{
		CT: 1,
		WT: e.now().Sub(f.startWT).Microseconds(),
		MU: e.mem() - f.startMU,
	})
	e.acc[key] = m
}

func (e *Engine) poison(got, want string) {
	e.poisoned = true
	e.logger.Warn("mismatched EndTimer, timer session discarded",
		zap.Error(ErrProtocolViolation),
		zap.String("tag", got),
		zap.String("expected", want),
	)
	e.violated()
}

func (e *Engine) violated() {
	if e.onViolation != nil {
		e.onViolation()
	}
}

func (e *Engine) reset() {
	e.enabled = false
	e.poisoned = false
	e.stack = e.stack[:0]
	e.acc = make(profile.Aggregate)
}
