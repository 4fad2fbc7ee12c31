package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL.Std())
	assert.Equal(t, 2, cfg.Jobs.Workers)
	assert.Equal(t, 10, cfg.Health.MinSamples)
	assert.Equal(t, time.Hour, cfg.Jobs.Retention.Std())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9090"
redis:
  addr: "cache.internal:6379"
  db: 2
cache:
  ttl: 1h
jobs:
  workers: 8
  soft_timeout: 90s
health:
  threshold: 0.65
  window: 72h
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "cache.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, time.Hour, cfg.Cache.TTL.Std())
	assert.Equal(t, 8, cfg.Jobs.Workers)
	assert.Equal(t, 90*time.Second, cfg.Jobs.SoftTimeout.Std())
	assert.InDelta(t, 0.65, cfg.Health.Threshold, 1e-9)
	assert.Equal(t, 72*time.Hour, cfg.HealthConfig().Window)

	// Untouched fields keep their defaults.
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 64, cfg.Jobs.QueueDepth)
	assert.Equal(t, 3*time.Minute, cfg.JobsConfig().HardTimeout)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedYaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: [unclosed"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadInvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  ttl: tomorrow\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
