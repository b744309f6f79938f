package eventbus

import core "github.com/aegiscore/platform/internal/app/core/service"

// Descriptor advertises this component's placement for the admin API.
func (b *Bus) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "eventbus",
		Domain:       "mesh",
		Layer:        core.LayerEngine,
		Capabilities: []string{"pub-sub", "event-signing", "replay"},
	}
}
