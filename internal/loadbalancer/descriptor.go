package loadbalancer

import core "github.com/aegiscore/platform/internal/app/core/service"

// Descriptor advertises this component's placement for the admin API.
func (lb *LoadBalancer) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "loadbalancer",
		Domain:       "mesh",
		Layer:        core.LayerEngine,
		Capabilities: []string{"round-robin", "least-outstanding", "health-aware", "sticky-by-key"},
	}
}
