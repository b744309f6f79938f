// Package health implements the Health Monitor (§4.4): the state machine
// driving each ServiceInstance's HealthState, fed by concurrent HTTP probes,
// and the aggregator that backs /api/mesh/health (/healthz and /readyz
// return fixed status bodies and do not use it). Grounded on the teacher's
// infrastructure/service/{healthcheck,probes}.go (DeepHealthChecker fan-out,
// ProbeManager ready/live gating), repurposed from a single process's own
// health to the mesh-wide health of every registered instance.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	core "github.com/aegiscore/platform/internal/app/core/service"
	"github.com/aegiscore/platform/internal/config"
	"github.com/aegiscore/platform/internal/eventbus"
	"github.com/aegiscore/platform/internal/registry"
	"github.com/aegiscore/platform/pkg/logger"
)

// ComponentHealth is one probe result, aggregated into DeepHealthResponse.
type ComponentHealth struct {
	InstanceID string    `json:"instance_id"`
	Kind       string    `json:"kind"`
	Status     string    `json:"status"`
	Latency    string    `json:"latency,omitempty"`
	Message    string    `json:"message,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// DeepHealthResponse is the aggregated shape served by /api/mesh/health
// (§4.4); /healthz and /readyz do not return it.
type DeepHealthResponse struct {
	Status     string             `json:"status"`
	Components []*ComponentHealth `json:"components"`
	CheckedAt  time.Time          `json:"checked_at"`
}

// healthPathFor returns the well-known probe path for a kind; callers may
// override per-instance via ServiceInstance.Metadata["health_path"].
func healthPathFor(inst registry.ServiceInstance) string {
	if p, ok := inst.Metadata["health_path"]; ok && p != "" {
		return p
	}
	return "/healthz"
}

func intervalFor(kind registry.Kind, cfg config.HealthConfig) time.Duration {
	switch kind {
	case registry.KindDomain:
		return cfg.DomainInterval
	case registry.KindKernel:
		return cfg.KernelInterval
	default:
		return cfg.ExternalInterval
	}
}

// Monitor runs concurrent probes and drives registry.TransitionHealth
// according to the thresholds in config.HealthConfig.
type Monitor struct {
	reg    *registry.Registry
	bus    *eventbus.Bus
	cfg    config.HealthConfig
	client *http.Client
	log    *logger.Logger

	workerCap int

	mu        sync.RWMutex
	lastCheck *DeepHealthResponse

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Monitor over reg. The Monitor publishes nothing on bus
// itself: health.changed events come from Registry.TransitionHealth, which
// the state machine calls on every status change.
func New(reg *registry.Registry, bus *eventbus.Bus, cfg config.HealthConfig, log *logger.Logger) *Monitor {
	if log == nil {
		log = logger.NewDefault("health")
	}
	return &Monitor{
		reg:       reg,
		bus:       bus,
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.ProbeTimeout},
		log:       log,
		workerCap: 16,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Name implements system.Service.
func (m *Monitor) Name() string { return "health.monitor" }

// Start runs one probe cycle per instance's configured interval, fanned out
// concurrently and bounded by workerCap, until Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	go m.loop(ctx)
	return nil
}

// Stop halts the probe loop and waits for in-flight probes to finish.
func (m *Monitor) Stop(context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
	return nil
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(5 * time.Second) // finest common interval; per-instance cadence gated below
	defer ticker.Stop()
	lastRun := make(map[string]time.Time)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			var due []registry.ServiceInstance
			for _, inst := range m.reg.ListAll() {
				interval := intervalFor(inst.Kind, m.cfg)
				if now.Sub(lastRun[inst.ID]) >= interval {
					due = append(due, inst)
					lastRun[inst.ID] = now
				}
			}
			if len(due) > 0 {
				m.RunProbeCycle(ctx, due)
			}
		}
	}
}

// RunProbeCycle probes every instance in insts concurrently (bounded by
// workerCap), applies the state machine, and aggregates the result for
// /api/mesh/health.
func (m *Monitor) RunProbeCycle(ctx context.Context, insts []registry.ServiceInstance) *DeepHealthResponse {
	sem := make(chan struct{}, m.workerCap)
	results := make(chan *ComponentHealth, len(insts))
	var wg sync.WaitGroup

	for _, inst := range insts {
		wg.Add(1)
		sem <- struct{}{}
		go func(inst registry.ServiceInstance) {
			defer wg.Done()
			defer func() { <-sem }()
			results <- m.probeOne(ctx, inst)
		}(inst)
	}

	wg.Wait()
	close(results)

	components := make([]*ComponentHealth, 0, len(insts))
	overall := "healthy"
	for r := range results {
		components = append(components, r)
		switch r.Status {
		case string(registry.StatusUnhealthy), string(registry.StatusQuarantined):
			overall = "unhealthy"
		case string(registry.StatusDegraded):
			if overall != "unhealthy" {
				overall = "degraded"
			}
		}
	}

	resp := &DeepHealthResponse{Status: overall, Components: components, CheckedAt: time.Now().UTC()}
	m.mu.Lock()
	m.lastCheck = resp
	m.mu.Unlock()
	return resp
}

// LastCheck returns the most recent aggregated probe cycle, or nil before
// the first cycle completes.
func (m *Monitor) LastCheck() *DeepHealthResponse {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastCheck
}

func (m *Monitor) probeOne(ctx context.Context, inst registry.ServiceInstance) *ComponentHealth {
	path := healthPathFor(inst)
	url := fmt.Sprintf("http://%s:%d%s", inst.Endpoint.Host, inst.Endpoint.Port, path)

	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	success := false
	message := ""

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err == nil {
		resp, rerr := m.client.Do(req)
		if rerr != nil {
			message = rerr.Error()
		} else {
			defer resp.Body.Close()
			success = resp.StatusCode < 500
			if !success {
				message = fmt.Sprintf("status %d", resp.StatusCode)
			}
		}
	} else {
		message = err.Error()
	}

	latency := time.Since(start)
	m.reg.RecordProbe(inst.ID, success, latency)
	m.applyStateMachine(inst.ID, success)

	hs, _ := m.reg.Health(inst.ID)
	return &ComponentHealth{
		InstanceID: inst.ID,
		Kind:       string(inst.Kind),
		Status:     string(hs.Status),
		Latency:    latency.String(),
		Message:    message,
		CheckedAt:  time.Now().UTC(),
	}
}

// applyStateMachine evaluates the transition table in §4.4 against the
// instance's current HealthState, honoring the read-modify-write window: a
// quarantined instance never auto-transitions, matching "leaves only by
// explicit unquarantine".
func (m *Monitor) applyStateMachine(id string, success bool) {
	hs, err := m.reg.Health(id)
	if err != nil {
		return
	}
	if hs.Status == registry.StatusQuarantined {
		return
	}

	errRate := hs.ErrorRate()
	var next registry.Status

	switch hs.Status {
	case registry.StatusStarting:
		if success && hs.ConsecutiveSuccesses >= m.cfg.StartingToHealthy {
			next = registry.StatusHealthy
		} else {
			next = registry.StatusStarting
		}
	case registry.StatusHealthy:
		if errRate > m.cfg.ErrorRateT1Percent {
			next = registry.StatusDegraded
		} else {
			next = registry.StatusHealthy
		}
	case registry.StatusDegraded:
		switch {
		case errRate > m.cfg.ErrorRateT2Percent || hs.ConsecutiveFailures >= m.cfg.ConsecutiveFailures:
			next = registry.StatusUnhealthy
		case success && hs.ConsecutiveSuccesses >= m.cfg.StartingToHealthy:
			next = registry.StatusHealthy
		default:
			next = registry.StatusDegraded
		}
	case registry.StatusUnhealthy:
		if success {
			next = registry.StatusDegraded
		} else {
			next = registry.StatusUnhealthy
		}
	default:
		next = hs.Status
	}

	if next != hs.Status {
		_ = m.reg.TransitionHealth(id, next)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Quarantine forces an instance into StatusQuarantined, per an explicit
// operator or playbook action.
func (m *Monitor) Quarantine(id string) error {
	return m.reg.TransitionHealth(id, registry.StatusQuarantined)
}

// Unquarantine is the only way a quarantined instance recovers; it resumes
// from StatusStarting so the consecutive-success gate re-applies.
func (m *Monitor) Unquarantine(id string) error {
	return m.reg.TransitionHealth(id, registry.StatusStarting)
}

// Descriptor advertises this component's placement for the admin API.
func (m *Monitor) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "health.monitor",
		Domain:       "mesh",
		Layer:        core.LayerEngine,
		Capabilities: []string{"health-probing", "state-machine"},
	}
}
