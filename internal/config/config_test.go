package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "observer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "/gpio", cfg.RTIO.ObserveURI)
	assert.Equal(t, 12668, cfg.RTIO.ObserveID)
	assert.Equal(t, 12667, cfg.RTIO.CommandID)
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8420, cfg.Port)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
port: 9000
max_observations: 3
retention: 30s
rtio:
  service: http://demo.mkrainbow.local:17917
  device_id: cfa09baa-4913-4ad7-a936-0e26f9671b06
  observe_uri: /temperature
  timeout: 2s
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 3, cfg.MaxObservations)
	assert.Equal(t, 1000, cfg.HistorySize, "unset keys keep their defaults")
	assert.Equal(t, 30*time.Second, cfg.Retention)
	assert.Equal(t, "http://demo.mkrainbow.local:17917", cfg.RTIO.Service)
	assert.Equal(t, "cfa09baa-4913-4ad7-a936-0e26f9671b06", cfg.RTIO.DeviceID)
	assert.Equal(t, "/temperature", cfg.RTIO.ObserveURI)
	assert.Equal(t, 12668, cfg.RTIO.ObserveID)
	assert.Equal(t, 2*time.Second, cfg.RTIO.Timeout)
	assert.Equal(t, Log{Level: "debug", Format: "json"}, cfg.Log)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "port: 9000\nrtio:\n  service: http://file:1\n")
	t.Setenv("PORT", "9100")
	t.Setenv("RTIO_SERVICE", "http://env:2")
	t.Setenv("RTIO_DEVICE_ID", "dev-env")
	t.Setenv("MAX_OBSERVATIONS", "7")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "http://env:2", cfg.RTIO.Service)
	assert.Equal(t, "dev-env", cfg.RTIO.DeviceID)
	assert.Equal(t, 7, cfg.MaxObservations)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_IgnoresBadEnvNumbers(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8420, cfg.Port)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "port: [unterminated\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Port = 0 }},
		{"max observations", func(c *Config) { c.MaxObservations = 0 }},
		{"history", func(c *Config) { c.HistorySize = -1 }},
		{"relative service", func(c *Config) { c.RTIO.Service = "demo.local:17917/x" }},
		{"empty service", func(c *Config) { c.RTIO.Service = "" }},
		{"observe uri", func(c *Config) { c.RTIO.ObserveURI = "gpio" }},
		{"timeout", func(c *Config) { c.RTIO.Timeout = -time.Second }},
		{"retention", func(c *Config) { c.Retention = -time.Minute }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
