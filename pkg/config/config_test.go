package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-relay/pkg/config"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.LoadWith(env(nil))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.True(t, cfg.LiteMode())
	assert.Equal(t, 8, cfg.MaxHops)
	assert.Equal(t, 30*time.Second, cfg.Replication.Interval)
	assert.NotEmpty(t, cfg.NodeID)
	assert.Empty(t, cfg.Peers)
}

func TestLoad_EnvOverrides(t *testing.T) {
	cfg, err := config.LoadWith(env(map[string]string{
		"PORT":                        "9090",
		"LOG_LEVEL":                   "DEBUG",
		"DATABASE_URL":                "postgres://relay@db:5432/relay",
		"RELAY_NODE_ID":               "relay-a",
		"RELAY_MAX_HOPS":              "3",
		"RELAY_REPLICATION_INTERVAL":  "5s",
		"RELAY_REPLICATION_TIMEOUT":   "2s",
		"REDIS_ADDR":                  "redis:6379",
		"RELAY_RATE_LIMIT_RPM":        "120",
		"OTEL_EXPORTER_OTLP_ENDPOINT": "collector:4317",
	}))
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.False(t, cfg.LiteMode())
	assert.Equal(t, "relay-a", cfg.NodeID)
	assert.Equal(t, 3, cfg.MaxHops)
	assert.Equal(t, 5*time.Second, cfg.Replication.Interval)
	assert.Equal(t, 2*time.Second, cfg.Replication.Timeout)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 120, cfg.RateLimit.RPM)
	assert.Equal(t, "collector:4317", cfg.OTLPEndpoint)
}

func TestLoad_InvalidEnv(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"non-integer hops", map[string]string{"RELAY_MAX_HOPS": "many"}},
		{"zero hops", map[string]string{"RELAY_MAX_HOPS": "0"}},
		{"bad interval", map[string]string{"RELAY_REPLICATION_INTERVAL": "soon"}},
		{"negative timeout", map[string]string{"RELAY_REPLICATION_TIMEOUT": "-1s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.LoadWith(env(tt.env))
			assert.Error(t, err)
		})
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
node_id: relay-a
max_hops: 4
replication:
  interval: 10s
peers:
  - peer_id: relay-b
    url: http://relay-b:8080
    shared_secret: s3cret
  - peer_id: relay-c
    url: http://relay-c:8080
    shared_secret_env: RELAY_C_SECRET
`)
	cfg, err := config.LoadWith(env(map[string]string{
		"RELAY_CONFIG":   path,
		"RELAY_C_SECRET": "from-env",
		"RELAY_MAX_HOPS": "6",
	}))
	require.NoError(t, err)

	assert.Equal(t, "relay-a", cfg.NodeID)
	assert.Equal(t, 6, cfg.MaxHops, "env wins over file")
	assert.Equal(t, 10*time.Second, cfg.Replication.Interval)
	assert.Equal(t, 20*time.Second, cfg.Replication.Timeout, "unset keys keep defaults")
	require.Len(t, cfg.Peers, 2)
	assert.Equal(t, "s3cret", cfg.Peers[0].SharedSecret)
	assert.Equal(t, "from-env", cfg.Peers[1].SharedSecret)
}

func TestLoad_FileErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown key", "node_id: a\nbogus: 1\n"},
		{"missing secret", "node_id: a\npeers:\n  - peer_id: b\n    url: http://b\n"},
		{"duplicate peer", "node_id: a\npeers:\n  - {peer_id: b, url: http://b, shared_secret: x}\n  - {peer_id: b, url: http://b2, shared_secret: y}\n"},
		{"self as peer", "node_id: a\npeers:\n  - {peer_id: a, url: http://a, shared_secret: x}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.LoadWith(env(map[string]string{"RELAY_CONFIG": writeFile(t, tt.body)}))
			assert.Error(t, err)
		})
	}

	_, err := config.LoadWith(env(map[string]string{"RELAY_CONFIG": "/nonexistent/relay.yaml"}))
	assert.Error(t, err)
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := config.LoadWith(env(map[string]string{"RELAY_CONFIG": writeFile(t, "")}))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
}
