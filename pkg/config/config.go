// Package config provides YAML-based configuration loading for jammesh.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. JAMMESH_LOG_LEVEL=debug.
const EnvPrefix = "JAMMESH"

// Config is the root application configuration.
type Config struct {
	// NodeID is this node's mesh identity. Empty generates a random UUID.
	NodeID string `mapstructure:"node_id"`

	// DisplayName is shown to other participants.
	DisplayName string `mapstructure:"display_name"`

	// PayloadFormat is the envelope payload encoding: cbor or json.
	PayloadFormat string `mapstructure:"payload_format"`

	Log     LogConfig     `mapstructure:"log"`
	Tracing TracingConfig `mapstructure:"tracing"`

	// Transports list the inbound and outbound links.
	Transports []TransportConfig `mapstructure:"transports"`

	// Peers seed the static rendezvous source.
	Peers []PeerConfig `mapstructure:"peers"`

	Net       NetConfig       `mapstructure:"net"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Router    RouterConfig    `mapstructure:"router"`
	Registry  RegistryConfig  `mapstructure:"registry"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// TracingConfig enables OTLP/HTTP span export when Endpoint is set.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// PeerConfig is one statically known participant.
type PeerConfig struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
	// Addr is an endpoint such as tcp://10.0.0.2:7000; empty waits for
	// the peer to dial in.
	Addr string `mapstructure:"addr"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		DisplayName:   "jammesh-node",
		PayloadFormat: "cbor",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/jammesh.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Tracing: TracingConfig{ServiceName: "jammesh-node", SampleRatio: 1},
		Transports: []TransportConfig{
			{
				Kind:   "tcp",
				Listen: []string{":7700"},
			},
		},
		Net:       NetConfig{DialBackoffInitialMS: 500, DialBackoffMaxMS: 30000, DialBackoffJitter: 0.2, HelloTimeoutMS: 5000},
		Heartbeat: HeartbeatConfig{IntervalMS: 5000, TimeoutMS: 10000, SuspectAfter: 2, EvictAfter: 3},
		Router: RouterConfig{
			HopBudget:      3,
			RetryBaseMS:    200,
			RetryFactor:    2,
			RetryAttempts:  3,
			ReorderDepth:   8,
			ReorderFlushMS: 250,
			SendTimeoutMS:  2000,
			Workers:        4,
		},
		Registry: RegistryConfig{LatencyWeight: 0.2, TombstoneTTLSec: 600},
	}
}

// Load reads configuration from path (if non-empty), otherwise it searches
// common locations. Environment variables use the JAMMESH prefix with `.`
// and `-` replaced by `_`.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("node_id", cfg.NodeID)
	v.SetDefault("display_name", cfg.DisplayName)
	v.SetDefault("payload_format", cfg.PayloadFormat)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("tracing.endpoint", cfg.Tracing.Endpoint)
	v.SetDefault("tracing.insecure", cfg.Tracing.Insecure)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
	v.SetDefault("tracing.sample_ratio", cfg.Tracing.SampleRatio)
	v.SetDefault("transports", cfg.Transports)
	v.SetDefault("peers", cfg.Peers)
	v.SetDefault("net.dial_backoff_initial_ms", cfg.Net.DialBackoffInitialMS)
	v.SetDefault("net.dial_backoff_max_ms", cfg.Net.DialBackoffMaxMS)
	v.SetDefault("net.dial_backoff_jitter", cfg.Net.DialBackoffJitter)
	v.SetDefault("net.hello_timeout_ms", cfg.Net.HelloTimeoutMS)
	v.SetDefault("heartbeat.interval_ms", cfg.Heartbeat.IntervalMS)
	v.SetDefault("heartbeat.timeout_ms", cfg.Heartbeat.TimeoutMS)
	v.SetDefault("heartbeat.suspect_after", cfg.Heartbeat.SuspectAfter)
	v.SetDefault("heartbeat.evict_after", cfg.Heartbeat.EvictAfter)
	v.SetDefault("router.hop_budget", cfg.Router.HopBudget)
	v.SetDefault("router.retry_base_ms", cfg.Router.RetryBaseMS)
	v.SetDefault("router.retry_factor", cfg.Router.RetryFactor)
	v.SetDefault("router.retry_attempts", cfg.Router.RetryAttempts)
	v.SetDefault("router.reorder_depth", cfg.Router.ReorderDepth)
	v.SetDefault("router.reorder_flush_ms", cfg.Router.ReorderFlushMS)
	v.SetDefault("router.send_timeout_ms", cfg.Router.SendTimeoutMS)
	v.SetDefault("router.workers", cfg.Router.Workers)
	v.SetDefault("router.rate_per_sec", cfg.Router.RatePerSec)
	v.SetDefault("router.burst", cfg.Router.Burst)
	v.SetDefault("registry.latency_weight", cfg.Registry.LatencyWeight)
	v.SetDefault("registry.tombstone_ttl_sec", cfg.Registry.TombstoneTTLSec)

	if path == "" {
		if envPath := os.Getenv(EnvPrefix + "_CONFIG"); envPath != "" {
			path = envPath
		}
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("jammesh")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".jammesh"))
		}
	}

	// a missing config file is fine; defaults and env apply
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	c.NodeID = strings.TrimSpace(c.NodeID)
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	c.PayloadFormat = strings.ToLower(strings.TrimSpace(c.PayloadFormat))
	switch c.PayloadFormat {
	case "":
		c.PayloadFormat = "cbor"
	case "cbor", "json":
	default:
		return fmt.Errorf("invalid payload_format: %q", c.PayloadFormat)
	}

	for i := range c.Transports {
		tc := &c.Transports[i]
		tc.Kind = strings.ToLower(strings.TrimSpace(tc.Kind))
		if !knownKind(tc.Kind) {
			return fmt.Errorf("transports[%d]: unknown kind %q", i, tc.Kind)
		}
	}
	seen := make(map[string]bool, len(c.Peers))
	for i, p := range c.Peers {
		switch {
		case strings.TrimSpace(p.ID) == "":
			return fmt.Errorf("peers[%d]: empty id", i)
		case p.ID == c.NodeID:
			return fmt.Errorf("peers[%d]: %q is this node", i, p.ID)
		case seen[p.ID]:
			return fmt.Errorf("peers[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
	}

	if err := c.Net.validate(); err != nil {
		return err
	}
	if err := c.Heartbeat.validate(); err != nil {
		return err
	}
	if err := c.Router.validate(); err != nil {
		return err
	}
	if c.Registry.LatencyWeight <= 0 || c.Registry.LatencyWeight > 1 {
		return fmt.Errorf("registry.latency_weight must be in (0,1], got %v", c.Registry.LatencyWeight)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be in [0,1], got %v", c.Tracing.SampleRatio)
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
