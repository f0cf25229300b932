package config_test

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chen1tian/SillyTavern-NewAge-sub000/pkg/config"
)

func testLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(testLogger(), "nonexistent-config")
	require.NoError(t, err)

	assert.Equal(t, ":4838", cfg.Server.Address)
	assert.Equal(t, 1, cfg.Server.ConnectionLimit.MaxPerIdentity)
	assert.Equal(t, "cycle", cfg.Server.ConnectionLimit.Mode)
	assert.Equal(t, "Conversational", cfg.Rooms.DefaultMode)

	assert.Equal(t, 5*time.Second, cfg.Think.SweepInterval)
	assert.InDelta(t, 0.3, cfg.Think.Probability, 0.0001)
	assert.Equal(t, 15*time.Second, cfg.Think.MinDeadline)
	assert.Equal(t, 60*time.Second, cfg.Think.MaxDeadline)

	assert.Equal(t, 200*time.Millisecond, cfg.Lifecycle.SweepInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Lifecycle.Grace)
	assert.Equal(t, 3, cfg.Lifecycle.ReconnectAttempts)

	assert.Equal(t, 50, cfg.Context.PageSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Context.PageDelay)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("STNA_SERVER_ADDRESS", ":9999")
	t.Setenv("STNA_LOG_LEVEL", "debug")

	cfg, err := config.Load(testLogger(), "nonexistent-config")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Address)
	assert.Equal(t, "debug", cfg.Log.Level)
}
