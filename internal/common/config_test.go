package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestNewDefaultConfig_IsValid(t *testing.T) {
	config := NewDefaultConfig()

	require.NoError(t, config.Validate())
	assert.Equal(t, 10, config.Scheduler.Concurrency)
	assert.Equal(t, 30, config.Scheduler.StoreCapacity)
	assert.Equal(t, 0.70, config.Reporting.Threshold)
	assert.Equal(t, 500, config.Reporting.MaxBatchSize)
	assert.Equal(t, 2, config.Reporting.Retries)
}

func TestLoadFromFiles_LaterFilesOverride(t *testing.T) {
	base := writeConfig(t, "base.toml", `
[scheduler]
concurrency = 4
store_capacity = 12

[classifier]
timeout = "2s"
`)
	override := writeConfig(t, "override.toml", `
[scheduler]
concurrency = 2
`)

	config, err := LoadFromFiles(base, override)
	require.NoError(t, err)

	assert.Equal(t, 2, config.Scheduler.Concurrency)
	assert.Equal(t, 12, config.Scheduler.StoreCapacity)
	assert.Equal(t, "2s", config.Classifier.Timeout)
	// Untouched sections keep defaults
	assert.Equal(t, "@every 10s", config.Reporting.FlushSchedule)
}

func TestLoadFromFiles_MissingFile(t *testing.T) {
	_, err := LoadFromFiles(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadFromFiles_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[server]
port = 9000
`)
	t.Setenv("PHISHWATCH_SERVER_PORT", "9100")
	t.Setenv("PHISHWATCH_REPORTING_THRESHOLD", "0.9")
	t.Setenv("PHISHWATCH_LOG_OUTPUT", "stdout, file")

	config, err := LoadFromFiles(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, config.Server.Port)
	assert.Equal(t, 0.9, config.Reporting.Threshold)
	assert.Equal(t, []string{"stdout", "file"}, config.Logging.Output)
}

func TestApplyFlagOverrides(t *testing.T) {
	config := NewDefaultConfig()

	ApplyFlagOverrides(config, 0, "")
	assert.Equal(t, 8085, config.Server.Port)

	ApplyFlagOverrides(config, 9999, "0.0.0.0")
	assert.Equal(t, 9999, config.Server.Port)
	assert.Equal(t, "0.0.0.0", config.Server.Host)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Scheduler.Concurrency = 0 }},
		{"zero store capacity", func(c *Config) { c.Scheduler.StoreCapacity = 0 }},
		{"threshold above one", func(c *Config) { c.Reporting.Threshold = 1.5 }},
		{"bad duration", func(c *Config) { c.Classifier.Timeout = "soon" }},
		{"negative duration", func(c *Config) { c.Handshake.Timeout = "-1s" }},
		{"bad schedule", func(c *Config) { c.Reporting.FlushSchedule = "every now and then" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := NewDefaultConfig()
			tt.mutate(config)
			assert.Error(t, config.Validate())
		})
	}
}

func TestParseDurationOr(t *testing.T) {
	assert.Equal(t, 3*time.Second, ParseDurationOr("3s", time.Minute))
	assert.Equal(t, time.Minute, ParseDurationOr("", time.Minute))
	assert.Equal(t, time.Minute, ParseDurationOr("garbage", time.Minute))
	assert.Equal(t, time.Minute, ParseDurationOr("0s", time.Minute))
}
