package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "agent.yaml", `
user:
  id: worker-7
tracking:
  dwell_time: 60s
transport:
  kind: http
  base_url: https://api.example.com
storage:
  backend: journal
  path: /tmp/q.journal
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "worker-7", cfg.User.ID)
	assert.Equal(t, 60*time.Second, cfg.Tracking.DwellTime)
	assert.Equal(t, 20*time.Second, cfg.Tracking.MinUpdateInterval, "default applied")
	assert.Equal(t, "journal", cfg.Storage.Backend)
	assert.Equal(t, 2, cfg.Transport.Attempts)
	require.NoError(t, cfg.Validate())
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "agent.toml", `
[user]
id = "worker-8"

[tracking]
max_accuracy = 50.0
dwell_time = "2m"

[transport]
kind = "grpc"
grpc_addr = "localhost:50051"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "worker-8", cfg.User.ID)
	assert.InDelta(t, 50.0, cfg.Tracking.MaxAccuracy, 1e-9)
	assert.Equal(t, 2*time.Minute, cfg.Tracking.DwellTime)
	assert.Equal(t, "grpc", cfg.Transport.Kind)
	require.NoError(t, cfg.Validate())
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = Load(writeFile(t, "bad.yaml", "user: [unclosed"))
	assert.ErrorContains(t, err, "failed to parse config YAML")

	_, err = Load(writeFile(t, "bad.toml", "user = = 1"))
	assert.ErrorContains(t, err, "failed to parse config TOML")
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 20*time.Second, cfg.Tracking.MinUpdateInterval)
	assert.InDelta(t, 100.0, cfg.Tracking.MaxAccuracy, 1e-9)
	assert.InDelta(t, 20.0, cfg.Tracking.HysteresisBuffer, 1e-9)
	assert.Equal(t, 90*time.Second, cfg.Tracking.DwellTime)
	assert.Equal(t, 30*24*time.Hour, cfg.Queue.Retention)
	assert.Equal(t, 30*time.Second, cfg.Transport.Timeout)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "user.id is required")
	assert.ErrorContains(t, err, "transport.base_url is required")

	cfg.User.ID = "u1"
	cfg.Transport.BaseURL = "http://localhost"
	require.NoError(t, cfg.Validate())

	cfg.Storage.Backend = "postgres"
	assert.ErrorContains(t, cfg.Validate(), "storage.backend")

	cfg.Storage.Backend = "sqlite"
	cfg.Source.PositionTopic = "dev/pos"
	assert.ErrorContains(t, cfg.Validate(), "mqtt.broker is required when source topics are set")
}
