package config

import (
	"fmt"
	"time"
)

// NetConfig contains link tuning options.
type NetConfig struct {
	DialBackoffInitialMS int     `mapstructure:"dial_backoff_initial_ms"`
	DialBackoffMaxMS     int     `mapstructure:"dial_backoff_max_ms"`
	DialBackoffJitter    float64 `mapstructure:"dial_backoff_jitter"`
	HelloTimeoutMS       int     `mapstructure:"hello_timeout_ms"`
}

func (n NetConfig) BackoffInitial() time.Duration { return ms(n.DialBackoffInitialMS) }
func (n NetConfig) BackoffMax() time.Duration     { return ms(n.DialBackoffMaxMS) }
func (n NetConfig) HelloTimeout() time.Duration   { return ms(n.HelloTimeoutMS) }

func (n NetConfig) validate() error {
	if n.DialBackoffInitialMS <= 0 || n.DialBackoffMaxMS < n.DialBackoffInitialMS {
		return fmt.Errorf("net: dial backoff %dms..%dms is not a range", n.DialBackoffInitialMS, n.DialBackoffMaxMS)
	}
	if n.DialBackoffJitter < 0 || n.DialBackoffJitter > 1 {
		return fmt.Errorf("net.dial_backoff_jitter must be in [0,1], got %v", n.DialBackoffJitter)
	}
	return nil
}

// HeartbeatConfig drives peer liveness.
type HeartbeatConfig struct {
	IntervalMS   int `mapstructure:"interval_ms"`
	TimeoutMS    int `mapstructure:"timeout_ms"`
	SuspectAfter int `mapstructure:"suspect_after"`
	EvictAfter   int `mapstructure:"evict_after"`
}

func (h HeartbeatConfig) Interval() time.Duration { return ms(h.IntervalMS) }
func (h HeartbeatConfig) Timeout() time.Duration  { return ms(h.TimeoutMS) }

func (h HeartbeatConfig) validate() error {
	if h.IntervalMS <= 0 {
		return fmt.Errorf("heartbeat.interval_ms must be positive, got %d", h.IntervalMS)
	}
	if h.SuspectAfter < 1 || h.EvictAfter <= h.SuspectAfter {
		return fmt.Errorf("heartbeat: need 1 <= suspect_after < evict_after, got %d/%d", h.SuspectAfter, h.EvictAfter)
	}
	return nil
}

// RouterConfig tunes delivery, relay and the egress pipeline.
type RouterConfig struct {
	HopBudget      int     `mapstructure:"hop_budget"`
	RetryBaseMS    int     `mapstructure:"retry_base_ms"`
	RetryFactor    float64 `mapstructure:"retry_factor"`
	RetryAttempts  int     `mapstructure:"retry_attempts"`
	ReorderDepth   int     `mapstructure:"reorder_depth"`
	ReorderFlushMS int     `mapstructure:"reorder_flush_ms"`
	SendTimeoutMS  int     `mapstructure:"send_timeout_ms"`

	Workers    int   `mapstructure:"workers"`
	RatePerSec int64 `mapstructure:"rate_per_sec"` // per-peer bytes/s, 0 disables shaping
	Burst      int64 `mapstructure:"burst"`
}

func (r RouterConfig) RetryBase() time.Duration    { return ms(r.RetryBaseMS) }
func (r RouterConfig) ReorderFlush() time.Duration { return ms(r.ReorderFlushMS) }
func (r RouterConfig) SendTimeout() time.Duration  { return ms(r.SendTimeoutMS) }

func (r RouterConfig) validate() error {
	switch {
	case r.HopBudget < 1:
		return fmt.Errorf("router.hop_budget must be at least 1, got %d", r.HopBudget)
	case r.RetryAttempts < 1:
		return fmt.Errorf("router.retry_attempts must be at least 1, got %d", r.RetryAttempts)
	case r.RetryFactor < 1:
		return fmt.Errorf("router.retry_factor must be at least 1, got %v", r.RetryFactor)
	case r.ReorderDepth < 1:
		return fmt.Errorf("router.reorder_depth must be at least 1, got %d", r.ReorderDepth)
	}
	return nil
}

// RegistryConfig tunes the peer registry.
type RegistryConfig struct {
	LatencyWeight   float64 `mapstructure:"latency_weight"`
	TombstoneTTLSec int     `mapstructure:"tombstone_ttl_sec"` // negative keeps no tombstones
}

func (r RegistryConfig) TombstoneTTL() time.Duration {
	return time.Duration(r.TombstoneTTLSec) * time.Second
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
