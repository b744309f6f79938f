package gateway

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegiscore/platform/internal/config"
	"github.com/aegiscore/platform/internal/eventbus"
	"github.com/aegiscore/platform/internal/loadbalancer"
	"github.com/aegiscore/platform/internal/registry"
)

func newTestGateway(t *testing.T, transport Transport) (*Gateway, *registry.Registry) {
	t.Helper()
	bus := eventbus.New(config.EventBusConfig{BufferSize: 8}, nil)
	reg := registry.New(bus, nil)
	lb := loadbalancer.New(reg)

	circuit := config.CircuitConfig{Window: 4, FailureRatio: 50, MinSamples: 2, Cooldown: 50 * time.Millisecond, HalfOpenSuccesses: 1}
	retry := config.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MinRPCLatency: time.Microsecond}
	rl := config.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000}

	gw := New(reg, lb, bus, circuit, retry, rl, transport, nil)
	return gw, reg
}

func registerHealthy(t *testing.T, reg *registry.Registry) *registry.ServiceInstance {
	t.Helper()
	inst, err := reg.Register(registry.ServiceInstance{
		Kind:         registry.KindDomain,
		Endpoint:     registry.Endpoint{Host: "127.0.0.1", Port: 9500},
		Capabilities: []string{"demo"},
	})
	require.NoError(t, err)
	require.NoError(t, reg.TransitionHealth(inst.ID, registry.StatusHealthy))
	return inst
}

func TestCallSucceedsOnFirstAttempt(t *testing.T) {
	gw, reg := newTestGateway(t, func(ctx context.Context, inst registry.ServiceInstance, path string, body io.Reader) (int, []byte, error) {
		return 200, []byte("ok"), nil
	})
	registerHealthy(t, reg)

	res, err := gw.Call(context.Background(), CallOptions{Capability: "demo", Caller: "test", Idempotent: true})
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, 1, res.Attempts)
}

func TestCallRetriesTransientFailureWhenIdempotent(t *testing.T) {
	var calls int32
	gw, reg := newTestGateway(t, func(ctx context.Context, inst registry.ServiceInstance, path string, body io.Reader) (int, []byte, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			return 503, nil, nil
		}
		return 200, []byte("ok"), nil
	})
	registerHealthy(t, reg)

	res, err := gw.Call(context.Background(), CallOptions{Capability: "demo", Caller: "test", Idempotent: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
}

func TestCallDoesNotRetryNonIdempotentCalls(t *testing.T) {
	var calls int32
	gw, reg := newTestGateway(t, func(ctx context.Context, inst registry.ServiceInstance, path string, body io.Reader) (int, []byte, error) {
		atomic.AddInt32(&calls, 1)
		return 503, nil, nil
	})
	registerHealthy(t, reg)

	_, err := gw.Call(context.Background(), CallOptions{Capability: "demo", Caller: "test"})
	assert.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCircuitOpensAfterFailureRatioExceeded(t *testing.T) {
	gw, reg := newTestGateway(t, func(ctx context.Context, inst registry.ServiceInstance, path string, body io.Reader) (int, []byte, error) {
		return 500, nil, nil
	})
	inst := registerHealthy(t, reg)

	for i := 0; i < 3; i++ {
		_, _ = gw.Call(context.Background(), CallOptions{Capability: "demo", Caller: "test"})
	}

	assert.Equal(t, "open", gw.BreakerState(inst.ID, "demo"))

	_, err := gw.Call(context.Background(), CallOptions{Capability: "demo", Caller: "test"})
	assert.Error(t, err)
}
