package proactive

import "time"

// Directive is emitted when a rolling-window aggregate crosses a configured
// Threshold (§4.10). The Collector counts each Directive and publishes it as
// a directive.issued event; it does not submit Directives to the Action
// Gateway, and no component here turns them into ActionRequests.
type Directive struct {
	Metric    string    `json:"metric"`
	Aggregate float64   `json:"aggregate"`
	Threshold float64   `json:"threshold"`
	CreatedAt time.Time `json:"created_at"`
}
