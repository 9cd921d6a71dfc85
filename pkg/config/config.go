// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mbeema/liveprof/pkg/backend"
	"github.com/mbeema/liveprof/pkg/callgraph"
	"github.com/mbeema/liveprof/pkg/health"
	"github.com/mbeema/liveprof/pkg/persist"
	"github.com/mbeema/liveprof/pkg/profile"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the host-side configuration of the capture pipeline.
type Config struct {
	App          string       `yaml:"app"`
	Mode         profile.Mode `yaml:"mode"`
	Target       string       `yaml:"target"` // store DSN or files base directory
	Divider      int          `yaml:"divider"`
	TotalDivider int          `yaml:"total_divider"`
	APIKey       string       `yaml:"api_key"`
	LogLevel     string       `yaml:"log_level"`

	Backends BackendsConfig     `yaml:"backends"`
	Store    StoreConfig        `yaml:"store"`
	API      APIConfig          `yaml:"api"`
	OTLP     persist.OTLPConfig `yaml:"otlp"`
	Health   HealthConfig       `yaml:"health"`
}

// BackendsConfig selects and tunes the instrumentation providers.
type BackendsConfig struct {
	Default         string        `yaml:"default"` // provider name or "auto"
	Enabled         []string      `yaml:"enabled"` // empty = all
	SamplerInterval time.Duration `yaml:"sampler_interval"`
	TickWeightUS    int64         `yaml:"tick_weight_us"` // 0 = sampler interval
}

// StoreConfig configures the DuckDB store sink.
type StoreConfig struct {
	Table string `yaml:"table"`
}

// APIConfig configures the remote collector sink.
type APIConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// HealthConfig configures the self-monitoring HTTP server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port"`
}

// Load reads and parses a YAML configuration file over the defaults, then
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the defaults: one in 1000 requests profiled per
// label, one in 10000 into the total bucket, stored in a local DuckDB file.
func DefaultConfig() *Config {
	return &Config{
		App:          "Default",
		Mode:         profile.ModeStore,
		Target:       "liveprof.duckdb",
		Divider:      1000,
		TotalDivider: 10000,
		LogLevel:     "info",
		Backends: BackendsConfig{
			Default:         "auto",
			SamplerInterval: backend.DefaultSamplerInterval,
		},
		Store: StoreConfig{
			Table: persist.DefaultTable,
		},
		API: APIConfig{
			Endpoint: persist.DefaultAPIEndpoint,
			Timeout:  10 * time.Second,
		},
		OTLP: persist.OTLPConfig{
			Endpoint: "localhost:4317",
			Insecure: true,
			Timeout:  10 * time.Second,
		},
		Health: HealthConfig{
			Enabled: true,
			Port:    ":8687",
		},
	}
}

// ApplyEnvOverrides reads LIVEPROF_* environment variables and applies them
// over the YAML values.
func (c *Config) ApplyEnvOverrides() error {
	envOverrides := map[string]func(string){
		"LIVEPROF_APP":           func(v string) { c.App = v },
		"LIVEPROF_TARGET":        func(v string) { c.Target = v },
		"LIVEPROF_API_KEY":       func(v string) { c.APIKey = v },
		"LIVEPROF_LOG_LEVEL":     func(v string) { c.LogLevel = v },
		"LIVEPROF_BACKEND":       func(v string) { c.Backends.Default = v },
		"LIVEPROF_STORE_TABLE":   func(v string) { c.Store.Table = v },
		"LIVEPROF_API_ENDPOINT":  func(v string) { c.API.Endpoint = v },
		"LIVEPROF_OTLP_ENDPOINT": func(v string) { c.OTLP.Endpoint = v },
		"LIVEPROF_HEALTH_PORT":   func(v string) { c.Health.Port = v },
	}

	boolOverrides := map[string]*bool{
		"LIVEPROF_OTLP_INSECURE":  &c.OTLP.Insecure,
		"LIVEPROF_HEALTH_ENABLED": &c.Health.Enabled,
	}

	intOverrides := map[string]*int{
		"LIVEPROF_DIVIDER":       &c.Divider,
		"LIVEPROF_TOTAL_DIVIDER": &c.TotalDivider,
	}

	for envKey, setter := range envOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}

	for envKey, target := range boolOverrides {
		if val := os.Getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}

	for envKey, target := range intOverrides {
		if val := os.Getenv(envKey); val != "" {
			n, err := strconv.Atoi(strings.TrimSpace(val))
			if err != nil {
				return fmt.Errorf("%s: %w", envKey, err)
			}
			*target = n
		}
	}

	if val := os.Getenv("LIVEPROF_MODE"); val != "" {
		if err := c.Mode.UnmarshalText([]byte(val)); err != nil {
			return fmt.Errorf("LIVEPROF_MODE: %w", err)
		}
	}
	return nil
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

var knownBackends = map[string]bool{
	backend.NamePProf:   true,
	backend.NameFGProf:  true,
	backend.NameSampler: true,
	backend.NameTimer:   true,
}

// Validate checks the configuration. Destination problems are reported as
// persist.ErrConfiguration.
func (c *Config) Validate() error {
	if c.App == "" {
		return fmt.Errorf("app is required")
	}
	if c.Divider < 0 || c.TotalDivider < 0 {
		return fmt.Errorf("divider and total_divider must not be negative")
	}

	switch c.Mode {
	case profile.ModeStore:
		if c.Store.Table == "" {
			return fmt.Errorf("%w: store.table is required in store mode", persist.ErrConfiguration)
		}
	case profile.ModeFiles:
		if strings.TrimSpace(c.Target) == "" {
			return fmt.Errorf("%w: target directory is required in files mode", persist.ErrConfiguration)
		}
	case profile.ModeAPI:
		if c.APIKey == "" {
			return fmt.Errorf("%w: api_key is required in api mode", persist.ErrConfiguration)
		}
		if c.API.Endpoint == "" {
			return fmt.Errorf("%w: api.endpoint is required in api mode", persist.ErrConfiguration)
		}
	case profile.ModeOTLP:
		if c.OTLP.Endpoint == "" {
			return fmt.Errorf("%w: otlp.endpoint is required in otlp mode", persist.ErrConfiguration)
		}
	}

	if d := c.Backends.Default; d != "auto" && !knownBackends[d] {
		return fmt.Errorf("backends.default: unknown backend %q", d)
	}
	for _, name := range c.Backends.Enabled {
		if !knownBackends[name] {
			return fmt.Errorf("backends.enabled: unknown backend %q", name)
		}
	}
	if c.Backends.SamplerInterval <= 0 {
		return fmt.Errorf("backends.sampler_interval must be positive")
	}
	if c.Backends.TickWeightUS < 0 {
		return fmt.Errorf("backends.tick_weight_us must not be negative")
	}

	if _, err := zap.ParseAtomicLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

// Normalizer returns the call-graph normalizer. Without an explicit tick
// weight each tick counts for one sampler interval.
func (c *Config) Normalizer() callgraph.Normalizer {
	w := c.Backends.TickWeightUS
	if w == 0 {
		w = c.Backends.SamplerInterval.Microseconds()
	}
	return callgraph.Normalizer{TickWeight: w}
}

// DetectorConfig returns the provider settings.
func (c *Config) DetectorConfig(logger *zap.Logger) *backend.Config {
	return &backend.Config{
		Enabled:         c.Backends.Enabled,
		SamplerInterval: c.Backends.SamplerInterval,
		Logger:          logger,
	}
}

// SameDestination reports whether c and other persist records to the same
// place: same mode and same sink settings.
func (c *Config) SameDestination(other *Config) bool {
	return c.Mode == other.Mode && c.DispatcherConfig("", nil) == other.DispatcherConfig("", nil)
}

// WithDestinationOf returns a copy of c that persists where from does.
func (c *Config) WithDestinationOf(from *Config) *Config {
	out := *c
	out.Mode = from.Mode
	out.Target = from.Target
	out.APIKey = from.APIKey
	out.Store = from.Store
	out.API = from.API
	out.OTLP = from.OTLP
	return &out
}

// DispatcherConfig returns the persistence settings.
func (c *Config) DispatcherConfig(version string, stats *health.Stats) persist.Config {
	return persist.Config{
		Target:         c.Target,
		Table:          c.Store.Table,
		APIKey:         c.APIKey,
		APIEndpoint:    c.API.Endpoint,
		APITimeout:     c.API.Timeout,
		OTLP:           c.OTLP,
		ServiceVersion: version,
		Stats:          stats,
	}
}
