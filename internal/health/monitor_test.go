package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegiscore/platform/internal/config"
	"github.com/aegiscore/platform/internal/eventbus"
	"github.com/aegiscore/platform/internal/registry"
)

func newTestMonitor(t *testing.T) (*Monitor, *registry.Registry) {
	t.Helper()
	bus := eventbus.New(config.EventBusConfig{BufferSize: 8}, nil)
	reg := registry.New(bus, nil)
	cfg := config.HealthConfig{
		StartingToHealthy:   2,
		ErrorRateT1Percent:  10,
		ErrorRateT2Percent:  50,
		ConsecutiveFailures: 3,
		ProbeTimeout:        time.Second,
		DomainInterval:      time.Millisecond,
		KernelInterval:      time.Millisecond,
		ExternalInterval:    time.Millisecond,
	}
	return New(reg, bus, cfg, nil), reg
}

func hostPort(t *testing.T, url string) (string, int) {
	t.Helper()
	url = strings.TrimPrefix(url, "http://")
	host, portStr, err := net.SplitHostPort(url)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestStartingPromotesToHealthyAfterKSuccesses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mon, reg := newTestMonitor(t)
	host, port := hostPort(t, srv.URL)
	inst, err := reg.Register(registry.ServiceInstance{
		Kind:         registry.KindDomain,
		Endpoint:     registry.Endpoint{Host: host, Port: port},
		Capabilities: []string{"demo"},
	})
	require.NoError(t, err)

	mon.RunProbeCycle(context.Background(), []registry.ServiceInstance{*inst})
	hs, _ := reg.Health(inst.ID)
	assert.Equal(t, registry.StatusStarting, hs.Status)

	mon.RunProbeCycle(context.Background(), []registry.ServiceInstance{*inst})
	hs, _ = reg.Health(inst.ID)
	assert.Equal(t, registry.StatusHealthy, hs.Status)
}

func TestQuarantineNeverAutoTransitions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mon, reg := newTestMonitor(t)
	host, port := hostPort(t, srv.URL)
	inst, err := reg.Register(registry.ServiceInstance{
		Kind:         registry.KindDomain,
		Endpoint:     registry.Endpoint{Host: host, Port: port},
		Capabilities: []string{"demo"},
	})
	require.NoError(t, err)
	require.NoError(t, mon.Quarantine(inst.ID))

	mon.RunProbeCycle(context.Background(), []registry.ServiceInstance{*inst})
	hs, _ := reg.Health(inst.ID)
	assert.Equal(t, registry.StatusQuarantined, hs.Status)
}
