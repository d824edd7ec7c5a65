package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("", true)
	require.NoError(t, err)

	assert.True(t, cfg.Dev)
	assert.Equal(t, "file", cfg.Upstream.Mode)
	assert.Equal(t, 1000, cfg.Sessions.Max)
	assert.Equal(t, 30*time.Minute, cfg.IdleTimeout())
	assert.Equal(t, time.Minute, cfg.SweepInterval())
	assert.Equal(t, 500*time.Millisecond, cfg.RetryDelay())

	prod, err := Load("", false)
	require.NoError(t, err)
	assert.Equal(t, "sse", prod.Upstream.Mode)
	assert.NotEmpty(t, prod.Upstream.Endpoint)
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
listen = "127.0.0.1:9000"

[upstream]
mode = "sse"
endpoint = "http://orch.internal/api/v1"
log_retry_attempts = 5

[sessions]
max = 50
idle_timeout_minutes = 5
`), 0644))

	cfg, err := Load(path, true)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Listen)
	assert.Equal(t, "http://orch.internal/api/v1", cfg.Upstream.Endpoint)
	assert.Equal(t, 5, cfg.Upstream.LogRetryAttempts)
	assert.Equal(t, 50, cfg.Sessions.Max)
	assert.Equal(t, 5*time.Minute, cfg.IdleTimeout())
	// Untouched values keep their defaults.
	assert.Equal(t, 2, cfg.Upstream.ProgressRetryAttempts)
}

func TestValidation(t *testing.T) {
	write := func(content string) string {
		path := filepath.Join(t.TempDir(), "config.toml")
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		return path
	}

	_, err := Load(write("[upstream]\nmode = \"carrier-pigeon\"\n"), true)
	assert.ErrorContains(t, err, "unknown upstream.mode")

	_, err = Load(write("[upstream]\nmode = \"sse\"\nendpoint = \"\"\n"), true)
	assert.ErrorContains(t, err, "endpoint required")

	_, err = Load(write("[persist]\nenabled = true\n"), true)
	assert.ErrorContains(t, err, "persist.dsn")
}
