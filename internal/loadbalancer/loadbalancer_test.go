package loadbalancer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegiscore/platform/internal/config"
	"github.com/aegiscore/platform/internal/eventbus"
	"github.com/aegiscore/platform/internal/registry"
)

func newTestMesh(t *testing.T, n int) (*registry.Registry, []string) {
	t.Helper()
	bus := eventbus.New(config.EventBusConfig{BufferSize: 8}, nil)
	reg := registry.New(bus, nil)
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		inst, err := reg.Register(registry.ServiceInstance{
			Kind:         registry.KindDomain,
			Endpoint:     registry.Endpoint{Host: "127.0.0.1", Port: 9000 + i},
			Capabilities: []string{"demo"},
		})
		require.NoError(t, err)
		require.NoError(t, reg.TransitionHealth(inst.ID, registry.StatusHealthy))
		ids = append(ids, inst.ID)
	}
	return reg, ids
}

func TestPickFailsWithNoCapacity(t *testing.T) {
	reg, _ := newTestMesh(t, 0)
	lb := New(reg)
	_, err := lb.Pick("demo", RoundRobin, "")
	assert.Error(t, err)
}

func TestRoundRobinRotatesThroughAllInstances(t *testing.T) {
	reg, ids := newTestMesh(t, 3)
	lb := New(reg)

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		inst, err := lb.Pick("demo", RoundRobin, "")
		require.NoError(t, err)
		seen[inst.ID] = true
	}
	for _, id := range ids {
		assert.True(t, seen[id])
	}
}

func TestLeastOutstandingPrefersIdleInstance(t *testing.T) {
	reg, ids := newTestMesh(t, 2)
	lb := New(reg)

	// Load up ids[0] with in-flight calls.
	lb.inFlight[ids[0]] = 5

	inst, err := lb.Pick("demo", LeastOutstanding, "")
	require.NoError(t, err)
	assert.NotEqual(t, ids[0], inst.ID)
}

func TestStickyByKeyIsStableAcrossCalls(t *testing.T) {
	reg, _ := newTestMesh(t, 5)
	lb := New(reg)

	first, err := lb.Pick("demo", StickyByKey, "caller-42")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := lb.Pick("demo", StickyByKey, "caller-42")
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
	}
}

func TestReleaseDecrementsInFlight(t *testing.T) {
	reg, _ := newTestMesh(t, 1)
	lb := New(reg)

	inst, err := lb.Pick("demo", RoundRobin, "")
	require.NoError(t, err)
	assert.Equal(t, 1, lb.InFlight(inst.ID))

	lb.Release(inst.ID)
	assert.Equal(t, 0, lb.InFlight(inst.ID))
}
