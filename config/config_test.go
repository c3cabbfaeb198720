package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.AppAddr)
	assert.Equal(t, "Africa/Addis_Ababa", cfg.Timezone)
	assert.Equal(t, 15*time.Second, cfg.AppReadTimeout)
	assert.Equal(t, 120, cfg.RateLimitPerMinute)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, []string{"berhane", "girmay"}, cfg.Branches)
	assert.Equal(t, time.Hour, cfg.ReconciliationCheckInterval)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("APP_ADDR", ":9090")
	t.Setenv("DB_PATH", "/tmp/erp.db")
	t.Setenv("TIMEZONE", "UTC")
	t.Setenv("REDIS_ADDR", "127.0.0.1:6379")
	t.Setenv("CORS_ORIGINS", "http://localhost:3000,https://erp.example.com")
	t.Setenv("APP_ENV", "production")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.AppAddr)
	assert.Equal(t, "/tmp/erp.db", cfg.DBPath)
	assert.Equal(t, time.UTC, cfg.Location())
	assert.Equal(t, "127.0.0.1:6379", cfg.RedisAddr)
	assert.Equal(t, []string{"http://localhost:3000", "https://erp.example.com"}, cfg.CORSOrigins)
	assert.True(t, cfg.IsProduction())
}

func TestLoad_RejectsUnknownTimezone(t *testing.T) {
	t.Setenv("TIMEZONE", "Mars/Olympus_Mons")

	_, err := Load()
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		logger, err := NewLogger(format, "debug")
		require.NoError(t, err)
		assert.NotNil(t, logger)
	}

	// Unknown levels fall back to info rather than failing startup.
	logger, err := NewLogger("json", "chatty")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1))
}
