package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegiscore/platform/internal/config"
)

func newTestConfig() *config.CoreConfig {
	cfg := config.Default()
	cfg.OfflineMode = true
	cfg.DryRun = true
	cfg.Server.Port = 0
	return cfg
}

func TestNewWiresEveryComponent(t *testing.T) {
	a, err := New(newTestConfig(), nil, nil)
	require.NoError(t, err)

	assert.NotNil(t, a.EventBus)
	assert.NotNil(t, a.Incidents)
	assert.NotNil(t, a.Registry)
	assert.NotNil(t, a.Discoverer)
	assert.NotNil(t, a.Health)
	assert.NotNil(t, a.LoadBalancer)
	assert.NotNil(t, a.Snapshots)
	assert.NotNil(t, a.Actions)
	assert.NotNil(t, a.Gateway)
	assert.NotNil(t, a.Playbooks)
	assert.NotNil(t, a.Metrics)
	assert.NotNil(t, a.MetaLoop)
}

func TestNewSkipsDatabaseInOfflineMode(t *testing.T) {
	cfg := newTestConfig()
	cfg.Database.DSN = "postgres://example/invalid"
	a, err := New(cfg, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, a.db)
}

func TestStartStopRunsLifecycleAndIsIdempotent(t *testing.T) {
	a, err := New(newTestConfig(), nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.Stop(ctx))
	require.NoError(t, a.Stop(ctx))
}

func TestDescriptorsReportsRegisteredComponents(t *testing.T) {
	a, err := New(newTestConfig(), nil, nil)
	require.NoError(t, err)

	descs := a.Descriptors()
	assert.NotEmpty(t, descs)
}
