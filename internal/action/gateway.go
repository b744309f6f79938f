package action

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	core "github.com/aegiscore/platform/internal/app/core/service"
	"github.com/aegiscore/platform/internal/eventbus"
	"github.com/aegiscore/platform/internal/incident"
	"github.com/aegiscore/platform/internal/platformerr"
	"github.com/aegiscore/platform/internal/registry"
	"github.com/aegiscore/platform/internal/snapshot"
	"github.com/aegiscore/platform/pkg/logger"
)

// defaultIdempotencyWindow is the re-submission dedup window (§4.6).
const defaultIdempotencyWindow = 10 * time.Minute

// defaultApprovalTTL bounds how long a pending approval stays valid; a
// late Approve/Reject past this is rejected.
const defaultApprovalTTL = 30 * time.Minute

// defaultExecuteDeadline bounds handler execution.
const defaultExecuteDeadline = 30 * time.Second

// Gateway governs every state-changing action proposed by any component
// (§4.6): tiering, contract evaluation, snapshot/rollback, and verification.
type Gateway struct {
	reg       *registry.Registry
	bus       *eventbus.Bus
	snapshots *snapshot.Manager
	incidents *incident.Log
	policy    PolicyFunc
	log       *logger.Logger

	idempotencyWindow time.Duration
	approvalTTL       time.Duration
	executeDeadline   time.Duration

	mu           sync.Mutex
	registrations map[string]*registration
	pending       map[string]*pendingApproval
	cache         map[string]*cacheEntry
}

// Option configures a Gateway at construction time.
type Option func(*Gateway)

// WithPolicy installs the auto-approval policy consulted for tier-2 actions.
func WithPolicy(p PolicyFunc) Option {
	return func(g *Gateway) { g.policy = p }
}

// WithIdempotencyWindow overrides the default 10-minute dedup window.
func WithIdempotencyWindow(d time.Duration) Option {
	return func(g *Gateway) { g.idempotencyWindow = d }
}

// WithApprovalTTL overrides the default approval expiry.
func WithApprovalTTL(d time.Duration) Option {
	return func(g *Gateway) { g.approvalTTL = d }
}

// WithExecuteDeadline overrides the default handler execution deadline.
func WithExecuteDeadline(d time.Duration) Option {
	return func(g *Gateway) { g.executeDeadline = d }
}

// New constructs a Gateway. snapshots and incidents may be nil for
// deployments that only ever register tier-1 actions.
func New(reg *registry.Registry, bus *eventbus.Bus, snapshots *snapshot.Manager, incidents *incident.Log, log *logger.Logger, opts ...Option) *Gateway {
	if log == nil {
		log = logger.NewDefault("action")
	}
	g := &Gateway{
		reg:               reg,
		bus:               bus,
		snapshots:         snapshots,
		incidents:         incidents,
		log:               log,
		idempotencyWindow: defaultIdempotencyWindow,
		approvalTTL:       defaultApprovalTTL,
		executeDeadline:   defaultExecuteDeadline,
		registrations:     make(map[string]*registration),
		pending:           make(map[string]*pendingApproval),
		cache:             make(map[string]*cacheEntry),
	}
	return g
}

// Name implements system.Service.
func (g *Gateway) Name() string { return "action.gateway" }

// Start/Stop are no-ops; the gateway has no background loop of its own.
func (g *Gateway) Start(context.Context) error { return nil }
func (g *Gateway) Stop(context.Context) error  { return nil }

// RegisterAction binds an action type to its minimum tier, contract, and
// handler, with optional snapshot hooks consulted for tier >= 2 requests.
func (g *Gateway) RegisterAction(actionType string, minTier Tier, contract ActionContract, capture snapshot.CaptureFunc, restore snapshot.RestoreFunc, handler Handler) {
	contract.ActionType = actionType
	g.mu.Lock()
	defer g.mu.Unlock()
	g.registrations[actionType] = &registration{
		minTier:  minTier,
		contract: contract,
		capture:  capture,
		restore:  restore,
		handler:  handler,
	}
}

// RequestAction governs req per the flow in §4.6: classify tier, evaluate
// policy, and either persist as pending approval or proceed through the
// contract/execute/verify pipeline.
func (g *Gateway) RequestAction(ctx context.Context, req ActionRequest) (*ActionResult, error) {
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	if cached, ok := g.cachedResult(req.TraceID); ok {
		return &cached, nil
	}

	g.mu.Lock()
	reg, ok := g.registrations[req.ActionType]
	g.mu.Unlock()
	if !ok {
		return nil, platformerr.ConfigError("action_type", fmt.Sprintf("unknown action type %q", req.ActionType))
	}

	tier := req.DeclaredTier
	if reg.minTier > tier {
		tier = reg.minTier
	}

	requiresApproval := tier == Tier3
	if tier == Tier2 {
		requiresApproval = g.policy == nil || !g.policy(req, tier)
	}

	if requiresApproval {
		return g.persistPending(req, tier, reg.contract)
	}

	return g.proceed(ctx, req, tier, reg)
}

// Approve admits a pending request for execution. Late approvals (past the
// approval TTL) are rejected rather than silently dropped.
func (g *Gateway) Approve(ctx context.Context, requestID, approver string) (*ActionResult, error) {
	g.mu.Lock()
	p, ok := g.pending[requestID]
	if ok {
		delete(g.pending, requestID)
	}
	g.mu.Unlock()
	if !ok {
		return nil, platformerr.NotFound("pending_approval", requestID)
	}
	if time.Now().After(p.expiresAt) {
		return g.finish(ActionResult{RequestID: requestID, TraceID: p.req.TraceID, Status: StatusRejected, Error: "approval expired"}), platformerr.Denied("approval expired")
	}

	g.mu.Lock()
	reg := g.registrations[p.req.ActionType]
	g.mu.Unlock()

	g.log.WithField("request_id", requestID).WithField("approver", approver).Info("action approved")
	result, err := g.proceed(ctx, p.req, p.tier, reg)
	return result, err
}

// Reject denies a pending request without executing it.
func (g *Gateway) Reject(requestID, approver, reason string) (*ActionResult, error) {
	g.mu.Lock()
	p, ok := g.pending[requestID]
	if ok {
		delete(g.pending, requestID)
	}
	g.mu.Unlock()
	if !ok {
		return nil, platformerr.NotFound("pending_approval", requestID)
	}
	g.log.WithField("request_id", requestID).WithField("approver", approver).WithField("reason", reason).Info("action rejected")
	result := ActionResult{RequestID: requestID, TraceID: p.req.TraceID, Status: StatusRejected, Error: reason}
	return g.finish(result), nil
}

// PendingApprovalInfo summarizes an outstanding approval request for
// operator-facing listings (§4.6's approval queue).
type PendingApprovalInfo struct {
	RequestID  string
	ActionType string
	Tier       Tier
	Caller     string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// ListPendingApprovals returns the current approval queue.
func (g *Gateway) ListPendingApprovals() []PendingApprovalInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]PendingApprovalInfo, 0, len(g.pending))
	for id, p := range g.pending {
		out = append(out, PendingApprovalInfo{
			RequestID:  id,
			ActionType: p.req.ActionType,
			Tier:       p.tier,
			Caller:     p.req.Caller,
			CreatedAt:  p.createdAt,
			ExpiresAt:  p.expiresAt,
		})
	}
	return out
}

func (g *Gateway) persistPending(req ActionRequest, tier Tier, contract ActionContract) (*ActionResult, error) {
	requestID := uuid.NewString()
	now := time.Now()
	g.mu.Lock()
	g.pending[requestID] = &pendingApproval{
		req:       req,
		tier:      tier,
		contract:  contract,
		createdAt: now,
		expiresAt: now.Add(g.approvalTTL),
	}
	g.mu.Unlock()

	g.publish("approval.requested", map[string]interface{}{
		"request_id":  requestID,
		"trace_id":    req.TraceID,
		"action_type": req.ActionType,
		"tier":        int(tier),
		"caller":      req.Caller,
	})

	result := ActionResult{RequestID: requestID, TraceID: req.TraceID, Status: StatusPendingApproval}
	return &result, nil
}

func (g *Gateway) proceed(ctx context.Context, req ActionRequest, tier Tier, reg *registration) (*ActionResult, error) {
	requestID := uuid.NewString()

	world := worldStateFromInstances(instancesWorldState(g.reg), req.Params)
	if err := evaluatePredicates(reg.contract.Preconditions, world); err != nil {
		result := ActionResult{RequestID: requestID, TraceID: req.TraceID, Status: StatusRejected, Error: err.Error()}
		return g.finish(result), err
	}

	var snap *snapshot.Snapshot
	if tier >= Tier2 && g.snapshots != nil && reg.capture != nil {
		blob, err := reg.capture(ctx, requestID, req.ActionType)
		if err != nil {
			result := ActionResult{RequestID: requestID, TraceID: req.TraceID, Status: StatusFailed, Error: fmt.Sprintf("snapshot capture failed: %v", err)}
			return g.finish(result), err
		}
		snap, err = g.snapshots.Capture(ctx, requestID, req.ActionType, blob)
		if err != nil {
			result := ActionResult{RequestID: requestID, TraceID: req.TraceID, Status: StatusFailed, Error: fmt.Sprintf("snapshot capture failed: %v", err)}
			return g.finish(result), err
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, g.executeDeadline)
	defer cancel()
	execResult, err := reg.handler(execCtx, req)
	if err == nil {
		if status := resultField(execResult, "status"); status.Exists() && status.String() == "failed" {
			err = platformerr.ContractViolation("result.status", fmt.Errorf("handler reported status=failed"))
		}
	}
	if err == nil {
		postWorld := worldStateFromInstances(instancesWorldState(g.reg), execResult)
		err = evaluatePredicates(reg.contract.Postconditions, postWorld)
	}

	if err != nil {
		return g.handleFailure(ctx, requestID, req, tier, snap, reg, err)
	}

	result := ActionResult{RequestID: requestID, TraceID: req.TraceID, Status: StatusCompleted, Result: execResult}
	g.publish("action.completed", map[string]interface{}{
		"request_id":  requestID,
		"trace_id":    req.TraceID,
		"action_type": req.ActionType,
	})
	if req.IncidentID != "" && g.incidents != nil {
		_ = g.incidents.AttachAction(ctx, req.IncidentID, requestID)
	}
	return g.finish(result), nil
}

func (g *Gateway) handleFailure(ctx context.Context, requestID string, req ActionRequest, tier Tier, snap *snapshot.Snapshot, reg *registration, cause error) (*ActionResult, error) {
	result := ActionResult{RequestID: requestID, TraceID: req.TraceID, Status: StatusFailed, Error: cause.Error()}

	if tier >= Tier2 && snap != nil && g.snapshots != nil && reg.restore != nil {
		restoreErr := g.snapshots.Restore(ctx, snap.ID, reg.restore)
		if restoreErr != nil {
			g.publish("rollback.failed", map[string]interface{}{
				"request_id":  requestID,
				"trace_id":    req.TraceID,
				"action_type": req.ActionType,
			})
			if req.IncidentID != "" && g.incidents != nil {
				_, _ = g.incidents.Close(ctx, req.IncidentID, "rollback_failed", true)
			}
		}
	}

	g.publish("action.failed", map[string]interface{}{
		"request_id":  requestID,
		"trace_id":    req.TraceID,
		"action_type": req.ActionType,
		"error":       cause.Error(),
	})
	return g.finish(result), cause
}

func (g *Gateway) finish(result ActionResult) *ActionResult {
	g.mu.Lock()
	g.cache[result.TraceID] = &cacheEntry{result: result, expiresAt: time.Now().Add(g.idempotencyWindow)}
	g.mu.Unlock()
	return &result
}

func (g *Gateway) cachedResult(traceID string) (ActionResult, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.cache[traceID]
	if !ok {
		return ActionResult{}, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(g.cache, traceID)
		return ActionResult{}, false
	}
	return entry.result, true
}

func (g *Gateway) publish(eventType string, payload map[string]interface{}) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(eventbus.Event{Type: eventType, Source: "action-gateway", Payload: payload})
}

func instancesWorldState(reg *registry.Registry) map[string]interface{} {
	out := make(map[string]interface{})
	if reg == nil {
		return out
	}
	for _, inst := range reg.ListAll() {
		raw, _ := json.Marshal(inst)
		var decoded map[string]interface{}
		_ = json.Unmarshal(raw, &decoded)
		out[inst.ID] = decoded
	}
	return out
}

// Descriptor advertises this component's placement for the admin API.
func (g *Gateway) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "action-gateway",
		Domain:       "action-pipeline",
		Layer:        core.LayerEngine,
		Capabilities: []string{"tiering", "contract-verification", "rollback"},
	}
}
