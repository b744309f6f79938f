package gateway

import core "github.com/aegiscore/platform/internal/app/core/service"

// Descriptor advertises this component's placement for the admin API.
func (g *Gateway) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "gateway",
		Domain:       "mesh",
		Layer:        core.LayerIngress,
		Capabilities: []string{"circuit-breaker", "rate-limit", "retry"},
	}
}
