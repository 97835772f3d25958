package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jammesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
node_id: alice
display_name: Alice
payload_format: JSON
log:
  level: debug
transports:
  - kind: TCP
    listen: [":7800"]
    dial:
      - address: "10.0.0.2:7800"
        peer_id: bob
peers:
  - id: bob
    name: Bob
    addr: tcp://10.0.0.2:7800
heartbeat:
  interval_ms: 1000
  timeout_ms: 2000
router:
  hop_budget: 4
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.NodeID)
	assert.Equal(t, "json", cfg.PayloadFormat)
	assert.Equal(t, "debug", cfg.Log.Level)
	require.Len(t, cfg.Transports, 1)
	assert.Equal(t, "tcp", cfg.Transports[0].Kind)
	assert.Equal(t, "bob", cfg.Transports[0].Dial[0].PeerID)
	require.Len(t, cfg.Peers, 1)
	assert.Equal(t, "tcp://10.0.0.2:7800", cfg.Peers[0].Addr)
	assert.Equal(t, time.Second, cfg.Heartbeat.Interval())
	assert.Equal(t, 3, cfg.Heartbeat.EvictAfter)
	assert.Equal(t, 4, cfg.Router.HopBudget)
	assert.Equal(t, 200*time.Millisecond, cfg.Router.RetryBase())
	assert.Equal(t, 10*time.Minute, cfg.Registry.TombstoneTTL())
}

func TestDefaultsAndGeneratedNodeID(t *testing.T) {
	cfg, err := Load(writeConfig(t, "display_name: x\n"))
	require.NoError(t, err)
	_, err = uuid.Parse(cfg.NodeID)
	assert.NoError(t, err)
	assert.Equal(t, "cbor", cfg.PayloadFormat)
	assert.Equal(t, 5*time.Second, cfg.Heartbeat.Interval())
	assert.Equal(t, 2, cfg.Heartbeat.SuspectAfter)
	assert.Equal(t, 8, cfg.Router.ReorderDepth)
	assert.Empty(t, cfg.Tracing.Endpoint)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("JAMMESH_LOG_LEVEL", "warn")
	t.Setenv("JAMMESH_ROUTER_HOP_BUDGET", "5")
	cfg, err := Load(writeConfig(t, "node_id: n1\n"))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 5, cfg.Router.HopBudget)
}

func TestInvalidConfigs(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"log level", "log:\n  level: loud\n"},
		{"payload format", "payload_format: xml\n"},
		{"transport kind", "transports:\n  - kind: udp\n"},
		{"peer without id", "peers:\n  - addr: tcp://x:1\n"},
		{"peer is self", "node_id: a\npeers:\n  - id: a\n"},
		{"duplicate peer", "peers:\n  - id: b\n  - id: b\n"},
		{"evict before suspect", "heartbeat:\n  suspect_after: 3\n  evict_after: 3\n"},
		{"zero hop budget", "router:\n  hop_budget: 0\n"},
		{"backoff range", "net:\n  dial_backoff_initial_ms: 100\n  dial_backoff_max_ms: 10\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}
