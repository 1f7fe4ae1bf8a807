package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.NotEmpty(t, cfg.DataDir)
	assert.Equal(t, 30*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, 15*time.Second, cfg.Probe.Interval)
	assert.Equal(t, 5*time.Minute, cfg.Sync.RefreshInterval)
	assert.Zero(t, cfg.Sync.MaxAttempts, "dead-lettering is opt-in")
	assert.Equal(t, "info", cfg.Log.Level)
	require.NoError(t, cfg.Validate())
}

func TestLoad_fileThenEnv(t *testing.T) {
	path := writeFile(t, `
data_dir: /var/lib/fieldsync
backend:
  url: https://api.example.com/v1
  token: from-file
  timeout: 10s
sync:
  max_attempts: 5
  sweep_interval: 2m
log:
  level: debug
`)

	cfg, err := LoadWithEnv(path, map[string]string{
		"FIELDSYNC_BACKEND_TOKEN":  "from-env",
		"FIELDSYNC_PROBE_INTERVAL": "3s",
		"FIELDSYNC_OTEL_ENDPOINT":  "localhost:4318",
		"FIELDSYNC_SERVER_ADDR":    ":9000",
		"UNRELATED_BACKEND_TOKEN":  "ignored",
	})
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/fieldsync", cfg.DataDir)
	assert.Equal(t, "https://api.example.com/v1", cfg.Backend.URL)
	assert.Equal(t, "from-env", cfg.Backend.Token)
	assert.Equal(t, 10*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, 3*time.Second, cfg.Probe.Interval)
	assert.Equal(t, 5, cfg.Sync.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Sync.SweepInterval)
	assert.Equal(t, 5*time.Minute, cfg.Sync.RefreshInterval, "defaults survive a partial file")
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "localhost:4318", cfg.Telemetry.Endpoint)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, filepath.Join("/var/lib/fieldsync", "fieldsync.db"), cfg.DBPath())
	assert.Equal(t, "https://api.example.com/v1/health", cfg.ProbeURL())
	assert.False(t, cfg.ObjectStore.Enabled())
}

func TestLoad_missingExplicitFile(t *testing.T) {
	_, err := LoadWithEnv(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrConfig))
}

func TestLoad_badYAML(t *testing.T) {
	_, err := LoadWithEnv(writeFile(t, "backend: [unclosed"), nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrConfig))
}

func TestLoad_badEnv(t *testing.T) {
	_, err := LoadWithEnv(writeFile(t, "data_dir: /tmp/x"), map[string]string{
		"FIELDSYNC_SYNC_MAX_ATTEMPTS": "lots",
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrConfig))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = " " }},
		{"bad backend url", func(c *Config) { c.Backend.URL = "api.example.com" }},
		{"negative interval", func(c *Config) { c.Probe.Interval = -time.Second }},
		{"negative attempts", func(c *Config) { c.Sync.MaxAttempts = -1 }},
		{"unknown level", func(c *Config) { c.Log.Level = "loud" }},
		{"object store without endpoint", func(c *Config) { c.ObjectStore.Bucket = "photos" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.True(t, apperrors.Is(cfg.Validate(), apperrors.ErrConfig))
		})
	}
}

func TestProbeURL(t *testing.T) {
	cfg := Default()
	assert.Empty(t, cfg.ProbeURL())

	cfg.Probe.URL = "https://status.example.com"
	assert.Equal(t, "https://status.example.com", cfg.ProbeURL())
}
