// Package registry implements the Service Registry & Discovery component:
// the authoritative set of ServiceInstances, their HealthState, and the
// CapabilityIndex derived from both. Registry mutations never block on
// network I/O; the discovery sweep that probes candidate endpoints runs as
// a separate background task (see Discoverer in discovery.go).
package registry

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	core "github.com/aegiscore/platform/internal/app/core/service"
	"github.com/aegiscore/platform/internal/eventbus"
	"github.com/aegiscore/platform/internal/platformerr"
	"github.com/aegiscore/platform/pkg/logger"
)

// Kind classifies what a ServiceInstance is.
type Kind string

const (
	KindDomain   Kind = "domain"
	KindKernel   Kind = "kernel"
	KindExternal Kind = "external"
)

// Endpoint is where an instance can be reached.
type Endpoint struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	PathPrefix string `json:"path_prefix,omitempty"`
}

func (e Endpoint) key() string {
	return fmt.Sprintf("%s:%d%s", e.Host, e.Port, e.PathPrefix)
}

// ServiceInstance is a registered addressable unit.
type ServiceInstance struct {
	ID              string            `json:"id"`
	Kind            Kind              `json:"kind"`
	Endpoint        Endpoint          `json:"endpoint"`
	Capabilities    []string          `json:"capabilities"`
	Weight          int               `json:"weight"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	RegisteredAt    time.Time         `json:"registered_at"`
	SigningKeyRef   string            `json:"signing_key_ref,omitempty"`
}

var capabilityPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// Registry owns ServiceInstance and HealthState. All cross-component
// references to instances are by id; no other component mutates this state
// directly.
type Registry struct {
	mu sync.RWMutex

	instances  map[string]*ServiceInstance
	health     map[string]*HealthState
	byEndpoint map[string]string // (kind, endpoint) -> id
	capIndex   map[string][]string

	bus *eventbus.Bus
	log *logger.Logger
}

// New constructs an empty Registry publishing lifecycle events on bus.
func New(bus *eventbus.Bus, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.NewDefault("registry")
	}
	return &Registry{
		instances:  make(map[string]*ServiceInstance),
		health:     make(map[string]*HealthState),
		byEndpoint: make(map[string]string),
		capIndex:   make(map[string][]string),
		bus:        bus,
		log:        log,
	}
}

// Register validates and stores a new ServiceInstance. (kind, endpoint) must
// be unique; capability strings must be non-empty kebab-case. Status begins
// as StatusStarting.
func (r *Registry) Register(inst ServiceInstance) (*ServiceInstance, error) {
	if len(inst.Capabilities) == 0 {
		return nil, platformerr.ConfigError("capabilities", "at least one capability is required")
	}
	for _, c := range inst.Capabilities {
		if !capabilityPattern.MatchString(c) {
			return nil, platformerr.ConfigError("capabilities", fmt.Sprintf("capability %q must be non-empty kebab-case", c))
		}
	}
	if inst.Weight <= 0 {
		inst.Weight = 100
	}

	endpointKey := string(inst.Kind) + "|" + inst.Endpoint.key()

	r.mu.Lock()
	if existingID, ok := r.byEndpoint[endpointKey]; ok {
		r.mu.Unlock()
		return nil, platformerr.ConfigError("endpoint", fmt.Sprintf("endpoint already registered as %s", existingID))
	}

	inst.ID = uuid.NewString()
	inst.RegisteredAt = time.Now().UTC()
	r.instances[inst.ID] = &inst
	r.byEndpoint[endpointKey] = inst.ID
	r.health[inst.ID] = newHealthState()
	r.rebuildCapabilityIndexLocked()
	r.mu.Unlock()

	r.log.WithField("instance_id", inst.ID).WithField("kind", inst.Kind).Info("service instance registered")
	r.publish("registry.added", inst.ID)
	return &inst, nil
}

// Deregister removes an instance from the registry and the capability index.
// Idempotent: deregistering an unknown id is not an error.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.instances, id)
	delete(r.health, id)
	delete(r.byEndpoint, string(inst.Kind)+"|"+inst.Endpoint.key())
	r.rebuildCapabilityIndexLocked()
	r.mu.Unlock()

	r.log.WithField("instance_id", id).Info("service instance deregistered")
	r.publish("registry.removed", id)
}

// FindByCapability returns every instance able to serve cap whose status is
// healthy or degraded. Ordering is unspecified; callers defer selection to
// the load balancer.
func (r *Registry) FindByCapability(cap string) []ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.capIndex[cap]
	out := make([]ServiceInstance, 0, len(ids))
	for _, id := range ids {
		if inst, ok := r.instances[id]; ok {
			out = append(out, *inst)
		}
	}
	return out
}

// FindByID returns the instance with the given id, or NotFound.
func (r *Registry) FindByID(id string) (*ServiceInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, platformerr.NotFound("service_instance", id)
	}
	cp := *inst
	return &cp, nil
}

// ListAll returns every registered instance.
func (r *Registry) ListAll() []ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceInstance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, *inst)
	}
	return out
}

// Health returns the HealthState for an instance id.
func (r *Registry) Health(id string) (HealthState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs, ok := r.health[id]
	if !ok {
		return HealthState{}, platformerr.NotFound("health_state", id)
	}
	return *hs, nil
}

// TransitionHealth applies a new status to an instance's HealthState,
// rebuilds the capability index (membership depends on status), and
// publishes health.changed. Called by the Health Monitor, by the
// Discoverer when it demotes a failing instance, and by remediation
// playbooks.
func (r *Registry) TransitionHealth(id string, newStatus Status) error {
	r.mu.Lock()
	hs, ok := r.health[id]
	if !ok {
		r.mu.Unlock()
		return platformerr.NotFound("health_state", id)
	}
	old := hs.Status
	if old == newStatus {
		r.mu.Unlock()
		return nil
	}
	hs.Status = newStatus
	hs.LastProbeAt = time.Now().UTC()
	hs.resetCounters()
	r.rebuildCapabilityIndexLocked()
	r.mu.Unlock()

	r.log.WithField("instance_id", id).WithField("from", old).WithField("to", newStatus).Info("health state changed")
	r.publishHealthChanged(id, old, newStatus)
	return nil
}

// RecordProbe updates the rolling counters/latency window of an instance's
// HealthState after a probe; it does not itself decide the status
// transition (see internal/health for the state machine).
func (r *Registry) RecordProbe(id string, success bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hs, ok := r.health[id]
	if !ok {
		return
	}
	hs.recordProbe(success, latency)
}

func (r *Registry) rebuildCapabilityIndexLocked() {
	idx := make(map[string][]string)
	for id, inst := range r.instances {
		hs := r.health[id]
		if hs == nil || !hs.Status.ServesTraffic() {
			continue
		}
		for _, cap := range inst.Capabilities {
			idx[cap] = append(idx[cap], id)
		}
	}
	r.capIndex = idx
}

func (r *Registry) publish(eventType, instanceID string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{
		Type:   eventType,
		Source: "registry",
		Payload: map[string]interface{}{
			"instance_id": instanceID,
		},
	})
}

func (r *Registry) publishHealthChanged(id string, from, to Status) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{
		Type:   "health.changed",
		Source: "registry",
		Payload: map[string]interface{}{
			"instance_id": id,
			"from":        string(from),
			"to":          string(to),
		},
	})
}

// Descriptor advertises this component's placement for the admin API.
func (r *Registry) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "registry",
		Domain:       "mesh",
		Layer:        core.LayerAdapter,
		Capabilities: []string{"service-discovery", "capability-index"},
	}
}
