package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
id = 1
endpoints = ["10.0.0.1:8531", "10.0.0.2:8531", "10.0.0.3:8531"]
data-dir = "/var/lib/agency"
proto = "grpc"
election-timeout-min = "150ms"
election-timeout-max = "300ms"
heartbeat-interval = "250ms"

[gossip]
enable = true
bind = "0.0.0.0:7946"
seeds = ["10.0.0.1:7946"]

[tls]
enable = false
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agency.toml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, uint64(1), cfg.ID)
	assert.Len(t, cfg.Endpoints, 3)
	assert.Equal(t, "grpc", cfg.Proto)
	assert.Equal(t, 150*time.Millisecond, cfg.ElectionTimeoutMin.Std())
	assert.Equal(t, 300*time.Millisecond, cfg.ElectionTimeoutMax.Std())
	assert.Equal(t, 250*time.Millisecond, cfg.HeartbeatInterval.Std())
	assert.True(t, cfg.Gossip.Enable)
	assert.Equal(t, []string{"10.0.0.1:7946"}, cfg.Gossip.Seeds)
	// bind defaults to the peer's own endpoint
	assert.Equal(t, "10.0.0.2:8531", cfg.Bind)
}

func TestValidateDefaults(t *testing.T) {
	cfg := Config{ID: 0, Endpoints: []string{"127.0.0.1:8531"}}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "http", cfg.Proto)
	assert.Equal(t, 150*time.Millisecond, cfg.ElectionTimeoutMin.Std())
	assert.Equal(t, 300*time.Millisecond, cfg.ElectionTimeoutMax.Std())
	assert.Equal(t, 250*time.Millisecond, cfg.HeartbeatInterval.Std())
	assert.Equal(t, 500*time.Millisecond, cfg.RPCTimeout.Std())
}

func TestValidateErrors(t *testing.T) {
	cfg := Config{}
	assert.Error(t, cfg.Validate())

	cfg = Config{ID: 3, Endpoints: []string{"a", "b"}}
	assert.Error(t, cfg.Validate())

	cfg = Config{Endpoints: []string{"a"}, Proto: "carrier-pigeon"}
	assert.Error(t, cfg.Validate())

	cfg = Config{Endpoints: []string{"a"}, TLS: TLS{Enable: true}}
	assert.Error(t, cfg.Validate())
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1.5s")))
	assert.Equal(t, 1500*time.Millisecond, d.Std())

	b, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1.5s", string(b))

	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
