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

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the socket tracer.
type Config struct {
	LogLevel  string          `yaml:"log_level" env:"STRACER_LOG_LEVEL"`
	Source    SourceConfig    `yaml:"source"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Limits    LimitsConfig    `yaml:"limits"`
	Exporters ExportersConfig `yaml:"exporters"`
	Health    HealthConfig    `yaml:"health"`
}

// SourceConfig configures the kernel event source.
type SourceConfig struct {
	BPFObjectPath  string        `yaml:"bpf_object_path"`
	SamplingPeriod time.Duration `yaml:"sampling_period"` // poll cadence
	MaxBatch       int           `yaml:"max_batch"`       // events per buffer per poll

	// DumpPath tees every raw event to a file for offline replay.
	DumpPath string `yaml:"dump_path"`

	// ReplayPath replays a previously recorded dump instead of
	// attaching probes.
	ReplayPath string `yaml:"replay_path"`
}

// TracingConfig selects which protocols are traced and how records are
// filtered before table append.
type TracingConfig struct {
	HTTP  ProtocolToggle `yaml:"http"`
	GRPC  ProtocolToggle `yaml:"grpc"`
	MySQL ProtocolToggle `yaml:"mysql"`

	PushPeriod time.Duration `yaml:"push_period"` // transfer cadence

	// HTTPResponseHeaderFilters is a comma-separated list of
	// Header:substring entries; a "-" prefix turns an entry into a deny
	// rule. Example: "Content-Type:json,-Content-Encoding:gzip".
	HTTPResponseHeaderFilters string `yaml:"http_response_header_filters"`

	// DisableSelfTracing drops records whose tgid is this process.
	DisableSelfTracing bool `yaml:"disable_self_tracing"`

	// ParseProtobufs decodes gRPC payloads via the descriptor set.
	ParseProtobufs    bool   `yaml:"parse_protobufs"`
	DescriptorSetPath string `yaml:"descriptor_set_path"`
}

// ProtocolToggle enables or disables one protocol table.
type ProtocolToggle struct {
	Enabled bool `yaml:"enabled"`
}

// LimitsConfig bounds tracker memory usage and timeouts.
type LimitsConfig struct {
	GapTimeout        time.Duration `yaml:"gap_timeout"`
	ReqTimeout        time.Duration `yaml:"req_timeout"`
	InactivityTTL     time.Duration `yaml:"inactivity_ttl"`
	MaxStreamBytes    int           `yaml:"max_stream_bytes"`
	ClassifyWindow    int           `yaml:"classify_window"`
	ParseErrorBudget  int           `yaml:"parse_error_budget"`
	MaxFramesBuffered int           `yaml:"max_frames_buffered"`
	MaxTrackers       int           `yaml:"max_trackers"`
}

// ExportersConfig configures optional record export.
type ExportersConfig struct {
	OTLP   OTLPConfig   `yaml:"otlp"`
	Stdout StdoutConfig `yaml:"stdout"`
}

// OTLPConfig configures the OTLP gRPC exporter.
type OTLPConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Endpoint string            `yaml:"endpoint"`
	Insecure bool              `yaml:"insecure"`
	Headers  map[string]string `yaml:"headers"`
}

// StdoutConfig configures the debug stdout exporter.
type StdoutConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"` // "text" or "json"
}

// HealthConfig configures the health HTTP server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port" env:"STRACER_HEALTH_PORT"` // e.g. ":8686"
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Source: SourceConfig{
			BPFObjectPath:  "/usr/lib/socktracer/socket_trace.bpf.o",
			SamplingPeriod: 100 * time.Millisecond,
			MaxBatch:       4096,
		},
		Tracing: TracingConfig{
			HTTP:               ProtocolToggle{Enabled: true},
			GRPC:               ProtocolToggle{Enabled: true},
			MySQL:              ProtocolToggle{Enabled: true},
			PushPeriod:         time.Second,
			DisableSelfTracing: true,
		},
		Limits: LimitsConfig{
			GapTimeout:        time.Second,
			ReqTimeout:        10 * time.Second,
			InactivityTTL:     5 * time.Minute,
			MaxStreamBytes:    1 << 20,
			ClassifyWindow:    1024,
			ParseErrorBudget:  32,
			MaxFramesBuffered: 256,
			MaxTrackers:       100000,
		},
		Exporters: ExportersConfig{
			OTLP: OTLPConfig{
				Enabled:  false,
				Endpoint: "localhost:4317",
				Insecure: true,
			},
			Stdout: StdoutConfig{
				Enabled: false,
				Format:  "text",
			},
		},
		Health: HealthConfig{
			Enabled: true,
			Port:    ":8686",
		},
	}
}

// ApplyEnvOverrides reads STRACER_* environment variables and applies
// them, overriding YAML values.
func (c *Config) ApplyEnvOverrides() {
	strOverrides := map[string]func(string){
		"STRACER_LOG_LEVEL":           func(v string) { c.LogLevel = v },
		"STRACER_HEALTH_PORT":         func(v string) { c.Health.Port = v },
		"STRACER_BPF_OBJECT_PATH":     func(v string) { c.Source.BPFObjectPath = v },
		"STRACER_DUMP_PATH":           func(v string) { c.Source.DumpPath = v },
		"STRACER_OTLP_ENDPOINT":       func(v string) { c.Exporters.OTLP.Endpoint = v },
		"STRACER_HTTP_HEADER_FILTERS": func(v string) { c.Tracing.HTTPResponseHeaderFilters = v },
		"STRACER_DESCRIPTOR_SET_PATH": func(v string) { c.Tracing.DescriptorSetPath = v },
	}

	boolOverrides := map[string]*bool{
		"STRACER_HTTP_ENABLED":         &c.Tracing.HTTP.Enabled,
		"STRACER_GRPC_ENABLED":         &c.Tracing.GRPC.Enabled,
		"STRACER_MYSQL_ENABLED":        &c.Tracing.MySQL.Enabled,
		"STRACER_DISABLE_SELF_TRACING": &c.Tracing.DisableSelfTracing,
		"STRACER_PARSE_PROTOBUFS":      &c.Tracing.ParseProtobufs,
		"STRACER_HEALTH_ENABLED":       &c.Health.Enabled,
		"STRACER_OTLP_ENABLED":         &c.Exporters.OTLP.Enabled,
	}

	durOverrides := map[string]*time.Duration{
		"STRACER_SAMPLING_PERIOD": &c.Source.SamplingPeriod,
		"STRACER_PUSH_PERIOD":     &c.Tracing.PushPeriod,
	}

	for envKey, setter := range strOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}
	for envKey, target := range boolOverrides {
		if val := os.Getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}
	for envKey, target := range durOverrides {
		if val := os.Getenv(envKey); val != "" {
			if d, err := parseDuration(val); err == nil {
				*target = d
			}
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

// parseDuration accepts Go duration syntax or a bare millisecond count.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.Atoi(s); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Source.ReplayPath == "" && c.Source.BPFObjectPath == "" {
		return fmt.Errorf("source.bpf_object_path is required")
	}
	if c.Source.SamplingPeriod <= 0 {
		return fmt.Errorf("source.sampling_period must be positive")
	}
	if c.Source.MaxBatch <= 0 {
		return fmt.Errorf("source.max_batch must be positive")
	}
	if c.Tracing.PushPeriod < time.Millisecond {
		return fmt.Errorf("tracing.push_period must be at least 1ms")
	}
	if c.Tracing.ParseProtobufs && c.Tracing.DescriptorSetPath == "" {
		return fmt.Errorf("tracing.descriptor_set_path is required when parse_protobufs is enabled")
	}
	if c.Limits.MaxStreamBytes <= 0 {
		return fmt.Errorf("limits.max_stream_bytes must be positive")
	}
	if c.Limits.MaxTrackers <= 0 {
		return fmt.Errorf("limits.max_trackers must be positive")
	}
	if c.Exporters.OTLP.Enabled && c.Exporters.OTLP.Endpoint == "" {
		return fmt.Errorf("exporters.otlp.endpoint is required when OTLP is enabled")
	}
	return nil
}
