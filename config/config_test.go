package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.AllowedOrigins)
	assert.False(t, cfg.RequireAuth)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "localhost", cfg.Redis.Host)
	assert.Equal(t, 30*time.Second, cfg.Signaling.RingTimeout)
	assert.Equal(t, time.Minute, cfg.Signaling.SessionRetention)
	assert.Equal(t, 64, cfg.Signaling.MaxPendingCandidates)
	assert.Equal(t, int64(64*1024), cfg.Signaling.MaxMessageBytes)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.IsProduction())
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("PORT", "9090")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("RING_TIMEOUT", "45s")
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 45*time.Second, cfg.Signaling.RingTimeout)
	assert.False(t, cfg.Redis.Enabled)
	assert.True(t, cfg.IsProduction())
}

func TestLoadINIFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signaling.ini")
	contents := "port = 7000\nring_timeout = 10s\n\n[redis]\nhost = redis.internal\n\n[log]\nlevel = debug\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "7001")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "7001", cfg.Port, "environment wins over the file")
	assert.Equal(t, 10*time.Second, cfg.Signaling.RingTimeout)
	assert.Equal(t, "redis.internal", cfg.Redis.Host)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "unparsable duration", key: "RING_TIMEOUT", value: "soon"},
		{name: "zero ring timeout", key: "RING_TIMEOUT", value: "0s"},
		{name: "unparsable int", key: "MAX_PENDING_CANDIDATES", value: "many"},
		{name: "zero candidates", key: "MAX_PENDING_CANDIDATES", value: "0"},
		{name: "unparsable bool", key: "REQUIRE_AUTH", value: "maybe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CONFIG_FILE", "")
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.ini"))

	_, err := Load()
	assert.Error(t, err)
}
