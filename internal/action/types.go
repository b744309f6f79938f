// Package action implements the Action Gateway & Contract/Verification
// Layer (§4.6): any state-changing action proposed by any component is
// classified into a tier, subjected to a precondition contract, optionally
// snapshotted, executed through a registered handler, and verified against
// postconditions before the outcome is published and logged. Grounded on
// internal/app/services/triggers/service.go's validate-then-persist shape
// (constructor takes dependencies + logger, a validateAndNormalize step
// before the mutating call, chained WithField logging, a Descriptor
// method) generalized from trigger registration to action governance.
package action

import (
	"context"
	"time"

	"github.com/aegiscore/platform/internal/snapshot"
)

// Tier classifies how much authority an action requires before it runs.
type Tier int

const (
	// Tier1 is read-only or a self-contained idempotent write; auto-approved.
	Tier1 Tier = 1
	// Tier2 is a user-visible mutation or external side-effect; requires
	// approval unless an active policy auto-approves it.
	Tier2 Tier = 2
	// Tier3 is privileged or irreversible; always requires explicit approval.
	Tier3 Tier = 3
)

// Status is the lifecycle state of an ActionRequest.
type Status string

const (
	StatusPendingApproval Status = "pending_approval"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusRejected        Status = "rejected"
)

// Predicate is a pure boolean expression evaluated via gval, either over the
// world-state snapshot (precondition) or the post-execution result document
// (postcondition). Name identifies which predicate failed for diagnostics.
type Predicate struct {
	Name       string
	Expression string
}

// ActionContract binds the preconditions and postconditions an action must
// satisfy and the tier that governs its approval requirement.
type ActionContract struct {
	ActionType     string
	Tier           Tier
	Preconditions  []Predicate
	Postconditions []Predicate
}

// ActionRequest is a proposed state-changing action. TraceID is the
// idempotency key: re-submission with the same TraceID within the dedup
// window returns the prior ActionResult instead of re-executing.
type ActionRequest struct {
	TraceID       string                 `json:"trace_id"`
	ActionType    string                 `json:"action_type"`
	DeclaredTier  Tier                   `json:"declared_tier"`
	Caller        string                 `json:"caller"`
	Params        map[string]interface{} `json:"params,omitempty"`
	IncidentID    string                 `json:"incident_id,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

// ActionResult is the outcome of governing an ActionRequest.
type ActionResult struct {
	RequestID string                 `json:"request_id"`
	TraceID   string                 `json:"trace_id"`
	Status    Status                 `json:"status"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// Handler executes the action's side-effect and returns a result document
// that the verifier's postconditions run against.
type Handler func(ctx context.Context, req ActionRequest) (map[string]interface{}, error)

// registration bundles everything the gateway needs to govern one action
// type: its minimum tier, contract predicates, snapshot hooks (only
// consulted for tier >= 2), and the handler itself.
type registration struct {
	minTier  Tier
	contract ActionContract
	capture  snapshot.CaptureFunc
	restore  snapshot.RestoreFunc
	handler  Handler
}

// PolicyFunc decides whether a tier-2 action with an otherwise-satisfied
// contract may proceed without an explicit approval (e.g. an active
// maintenance-window policy, or an allowlisted caller). Tier 3 always
// requires approval regardless of PolicyFunc.
type PolicyFunc func(req ActionRequest, tier Tier) bool

// pendingApproval tracks a request awaiting Approve/Reject.
type pendingApproval struct {
	req       ActionRequest
	tier      Tier
	contract  ActionContract
	createdAt time.Time
	expiresAt time.Time
}

// cacheEntry is one idempotency-window slot.
type cacheEntry struct {
	result    ActionResult
	expiresAt time.Time
}
