package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultThresholds(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 20, cfg.Circuit.Window)
	assert.Equal(t, 50.0, cfg.Circuit.FailureRatio)
	assert.Equal(t, 5, cfg.Circuit.MinSamples)
	assert.Equal(t, 3, cfg.Circuit.HalfOpenSuccesses)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
}

func TestLoadCIModeImpliesOfflineAndDryRun(t *testing.T) {
	t.Setenv("CI_MODE", "true")
	t.Setenv("GRACE_PORT", "9001")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.CIMode)
	assert.True(t, cfg.OfflineMode)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, 9001, cfg.Server.Port)
}

func TestLoadFromFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9100\ncircuit:\n  window: 40\n"), 0o644))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 40, cfg.Circuit.Window)
}

func TestTruthy(t *testing.T) {
	assert.True(t, Truthy("1"))
	assert.True(t, Truthy("true"))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy("nope"))
}
