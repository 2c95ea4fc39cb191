package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rld013/arrival-rate-server/internal/config"
)

// writeTempYAML writes content to a temp file and returns its path.
func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_HasSensibleValues(t *testing.T) {
	cfg := config.Default()

	assert.Equal(t, 8080, cfg.Node.Port)
	assert.Equal(t, "0.0.0.0", cfg.Node.Host)
	assert.Equal(t, "./data", cfg.Node.DataDir)
	assert.Equal(t, 1.0, cfg.Schedule.DefaultRate)
	assert.Equal(t, 10.0, cfg.Schedule.DefaultDuration)
	assert.Zero(t, cfg.HTTP.WriteTimeout, "long-poll responses need no write timeout")
	assert.False(t, cfg.Archive.Enabled)
	assert.Len(t, cfg.Webhook.RetryDelaysMs, 3)
	assert.Equal(t, filepath.Join("data", "archive.db"), cfg.ArchivePath())
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile_ReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Node.Port)

	cfg, err = config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeTempYAML(t, `
node:
  port: 9999
  host: "127.0.0.1"
schedule:
  default_rate: 2.5
  seed: 42
  renew: true
http:
  read_timeout: 3s
  shutdown_timeout: 1m
archive:
  enabled: true
  path: /tmp/a.db
log:
  format: json
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Node.Port)
	assert.Equal(t, "127.0.0.1", cfg.Node.Host)
	assert.Equal(t, 2.5, cfg.Schedule.DefaultRate)
	assert.Equal(t, int64(42), cfg.Schedule.Seed)
	assert.True(t, cfg.Schedule.Renew)
	assert.Equal(t, 3*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, time.Minute, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, "/tmp/a.db", cfg.ArchivePath())
	assert.Equal(t, "json", cfg.Log.Format)

	// Unset fields keep their defaults.
	assert.Equal(t, 10.0, cfg.Schedule.DefaultDuration)
	assert.Equal(t, "./data", cfg.Node.DataDir)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	_, err := config.Load(writeTempYAML(t, "node: [invalid: yaml: {{{}}"))
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ARRIVALS_PORT", "7070")
	t.Setenv("ARRIVALS_DATA_DIR", "/var/lib/arrivals")
	t.Setenv("ARRIVALS_API_KEY", "s3cret")
	t.Setenv("ARRIVALS_LOG_LEVEL", "debug")
	t.Setenv("ARRIVALS_SEED", "7")

	cfg, err := config.Load(writeTempYAML(t, "node:\n  port: 1234\n"))
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Node.Port, "env wins over file")
	assert.Equal(t, "/var/lib/arrivals", cfg.Node.DataDir)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, "s3cret", cfg.Auth.APIKey)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, int64(7), cfg.Schedule.Seed)
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("ARRIVALS_PORT", "eighty")
	_, err := config.Load("")
	assert.Error(t, err)
}

func TestValidate_Rejections(t *testing.T) {
	cases := map[string]func(*config.Config){
		"port zero":          func(c *config.Config) { c.Node.Port = 0 },
		"port too big":       func(c *config.Config) { c.Node.Port = 99999 },
		"empty data dir":     func(c *config.Config) { c.Node.DataDir = "" },
		"zero rate":          func(c *config.Config) { c.Schedule.DefaultRate = 0 },
		"negative duration":  func(c *config.Config) { c.Schedule.DefaultDuration = -1 },
		"zero max arrivals":  func(c *config.Config) { c.Schedule.MaxArrivals = 0 },
		"negative timeout":   func(c *config.Config) { c.HTTP.ReadTimeout = -time.Second },
		"no shutdown window": func(c *config.Config) { c.HTTP.ShutdownTimeout = 0 },
		"auth without key":   func(c *config.Config) { c.Auth.Enabled = true },
		"bad metrics port":   func(c *config.Config) { c.Metrics.Port = 0 },
		"negative retry":     func(c *config.Config) { c.Webhook.RetryDelaysMs = []int{-5} },
		"zero hook timeout":  func(c *config.Config) { c.Webhook.TimeoutMs = 0 },
		"unknown log format": func(c *config.Config) { c.Log.Format = "xml" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_MetricsPortIgnoredWhenDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Metrics.Enabled = false
	cfg.Metrics.Port = 0
	assert.NoError(t, cfg.Validate())
}
