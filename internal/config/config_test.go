package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-chat-bridge/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, ":8000", cfg.ListenAddr)
	assert.Equal(t, 128, cfg.MaxWorkers)
	assert.Equal(t, 25*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.LivenessWindow)
	assert.Equal(t, 120*time.Second, cfg.ResponseWait)
	assert.Equal(t, 10*time.Second, cfg.AcquireWait)
	assert.True(t, cfg.IsDev())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9100")
	t.Setenv("MAX_WORKERS", "4")
	t.Setenv("RESPONSE_WAIT", "5s")
	t.Setenv("APP_ENV", "prod")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.ListenAddr)
	assert.Equal(t, 4, cfg.MaxWorkers)
	assert.Equal(t, 5*time.Second, cfg.ResponseWait)
	assert.True(t, cfg.IsProd())
	assert.False(t, cfg.IsTest())
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("LIVENESS_WINDOW", "not-a-duration")
	_, err := config.Load()
	require.Error(t, err)
}

func TestEvictionTick(t *testing.T) {
	t.Parallel()
	cfg := config.Config{LivenessWindow: 30 * time.Second}
	assert.Equal(t, 15*time.Second, cfg.EvictionTick())

	// Zero window falls back to a sane default.
	assert.Equal(t, 15*time.Second, config.Config{}.EvictionTick())
}
