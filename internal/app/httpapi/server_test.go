package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegiscore/platform/internal/action"
	core "github.com/aegiscore/platform/internal/app/core/service"
	"github.com/aegiscore/platform/internal/config"
	"github.com/aegiscore/platform/internal/eventbus"
	"github.com/aegiscore/platform/internal/health"
	"github.com/aegiscore/platform/internal/incident"
	"github.com/aegiscore/platform/internal/loadbalancer"
	"github.com/aegiscore/platform/internal/registry"
	"github.com/aegiscore/platform/internal/snapshot"
)

func newTestServer(t *testing.T, jwtSecret []byte) *Server {
	bus := eventbus.New(config.EventBusConfig{BufferSize: 8}, nil)
	reg := registry.New(bus, nil)
	lb := loadbalancer.New(reg)
	snaps := snapshot.New(snapshot.NewMemoryBackend(), time.Hour, bus, nil)
	incidents := incident.New(t.TempDir(), nil, bus, nil)
	actions := action.New(reg, bus, snaps, incidents, nil)
	mon := health.New(reg, bus, config.HealthConfig{}, nil)

	return NewServer("127.0.0.1:0", Deps{
		Actions:     actions,
		Registry:    reg,
		Health:      mon,
		Gateway:     nil,
		Incidents:   incidents,
		Bus:         bus,
		Descriptors: func() []core.Descriptor { return nil },
		JWTSecret:   jwtSecret,
	})
}

func TestHealthzReturnsOK(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPendingActionsListsNone(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/actions/pending", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var pending []action.PendingApprovalInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	assert.Empty(t, pending)
}

func TestPostActionsRequiresAuthWhenSecretConfigured(t *testing.T) {
	s := newTestServer(t, []byte("shh"))
	body := bytes.NewBufferString(`{"action_type":"noop","caller":"tester"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/actions", body)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMeshTopologyListsRegisteredInstances(t *testing.T) {
	s := newTestServer(t, nil)
	_, err := s.registry.Register(registry.ServiceInstance{
		Kind:         registry.KindDomain,
		Endpoint:     registry.Endpoint{Host: "localhost", Port: 9100},
		Capabilities: []string{"probe"},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/mesh/topology", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var out []topologyInstance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Len(t, out, 1)
}
