package action

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegiscore/platform/internal/incident"
	"github.com/aegiscore/platform/internal/snapshot"
)

func newTestGateway(t *testing.T, opts ...Option) *Gateway {
	snaps := snapshot.New(snapshot.NewMemoryBackend(), time.Hour, nil, nil)
	incidents := incident.New(t.TempDir(), nil, nil, nil)
	return New(nil, nil, snaps, incidents, nil, opts...)
}

func TestTier1ActionExecutesWithoutApproval(t *testing.T) {
	g := newTestGateway(t)
	g.RegisterAction("noop-read", Tier1, ActionContract{}, nil, nil,
		func(ctx context.Context, req ActionRequest) (map[string]interface{}, error) {
			return map[string]interface{}{"ok": true}, nil
		})

	result, err := g.RequestAction(context.Background(), ActionRequest{ActionType: "noop-read", Caller: "tester"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
}

func TestTier3ActionAlwaysRequiresApproval(t *testing.T) {
	g := newTestGateway(t)
	g.RegisterAction("drop-table", Tier3, ActionContract{}, nil, nil,
		func(ctx context.Context, req ActionRequest) (map[string]interface{}, error) {
			return map[string]interface{}{}, nil
		})

	result, err := g.RequestAction(context.Background(), ActionRequest{ActionType: "drop-table", Caller: "tester"})
	require.NoError(t, err)
	assert.Equal(t, StatusPendingApproval, result.Status)
}

func TestApprovePendingRequestExecutesAction(t *testing.T) {
	g := newTestGateway(t)
	var executed bool
	g.RegisterAction("restart", Tier3, ActionContract{}, nil, nil,
		func(ctx context.Context, req ActionRequest) (map[string]interface{}, error) {
			executed = true
			return map[string]interface{}{}, nil
		})

	pending, err := g.RequestAction(context.Background(), ActionRequest{ActionType: "restart", Caller: "tester"})
	require.NoError(t, err)
	require.Equal(t, StatusPendingApproval, pending.Status)

	approved, err := g.Approve(context.Background(), pending.RequestID, "ops")
	require.NoError(t, err)
	assert.True(t, executed)
	assert.Equal(t, StatusCompleted, approved.Status)
}

func TestRejectPendingRequestDoesNotExecute(t *testing.T) {
	g := newTestGateway(t)
	var executed bool
	g.RegisterAction("restart", Tier3, ActionContract{}, nil, nil,
		func(ctx context.Context, req ActionRequest) (map[string]interface{}, error) {
			executed = true
			return map[string]interface{}{}, nil
		})

	pending, err := g.RequestAction(context.Background(), ActionRequest{ActionType: "restart", Caller: "tester"})
	require.NoError(t, err)

	rejected, err := g.Reject(pending.RequestID, "ops", "not now")
	require.NoError(t, err)
	assert.False(t, executed)
	assert.Equal(t, StatusRejected, rejected.Status)
}

func TestLateApprovalPastTTLIsRejected(t *testing.T) {
	g := newTestGateway(t, WithApprovalTTL(time.Millisecond))
	g.RegisterAction("restart", Tier3, ActionContract{}, nil, nil,
		func(ctx context.Context, req ActionRequest) (map[string]interface{}, error) {
			return map[string]interface{}{}, nil
		})

	pending, err := g.RequestAction(context.Background(), ActionRequest{ActionType: "restart", Caller: "tester"})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = g.Approve(context.Background(), pending.RequestID, "ops")
	assert.Error(t, err)
}

func TestIdempotentResubmissionReturnsCachedResult(t *testing.T) {
	g := newTestGateway(t)
	var calls int
	g.RegisterAction("noop-read", Tier1, ActionContract{}, nil, nil,
		func(ctx context.Context, req ActionRequest) (map[string]interface{}, error) {
			calls++
			return map[string]interface{}{"calls": calls}, nil
		})

	first, err := g.RequestAction(context.Background(), ActionRequest{ActionType: "noop-read", TraceID: "trace-1", Caller: "tester"})
	require.NoError(t, err)
	second, err := g.RequestAction(context.Background(), ActionRequest{ActionType: "noop-read", TraceID: "trace-1", Caller: "tester"})
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, first.Result, second.Result)
}

func TestPreconditionFailureRejectsBeforeExecution(t *testing.T) {
	g := newTestGateway(t)
	var executed bool
	g.RegisterAction("guarded", Tier1, ActionContract{
		Preconditions: []Predicate{{Name: "must-be-allowed", Expression: "allowed == true"}},
	}, nil, nil, func(ctx context.Context, req ActionRequest) (map[string]interface{}, error) {
		executed = true
		return map[string]interface{}{}, nil
	})

	result, err := g.RequestAction(context.Background(), ActionRequest{
		ActionType: "guarded",
		Caller:     "tester",
		Params:     map[string]interface{}{"allowed": false},
	})
	assert.Error(t, err)
	assert.False(t, executed)
	assert.Equal(t, StatusRejected, result.Status)
}

func TestFailedTier2ActionRestoresSnapshot(t *testing.T) {
	g := newTestGateway(t)
	var restored []byte
	g.RegisterAction("mutate", Tier2, ActionContract{}, func(ctx context.Context, actionID, kind string) ([]byte, error) {
		return []byte("pre-state"), nil
	}, func(ctx context.Context, kind string, blob []byte) error {
		restored = blob
		return nil
	}, func(ctx context.Context, req ActionRequest) (map[string]interface{}, error) {
		return nil, assertErr
	})
	g.policy = func(ActionRequest, Tier) bool { return true }

	result, err := g.RequestAction(context.Background(), ActionRequest{ActionType: "mutate", Caller: "tester"})
	assert.Error(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, []byte("pre-state"), restored)
}

func TestListPendingApprovalsReflectsQueue(t *testing.T) {
	g := newTestGateway(t)
	g.RegisterAction("restart", Tier3, ActionContract{}, nil, nil,
		func(ctx context.Context, req ActionRequest) (map[string]interface{}, error) {
			return map[string]interface{}{}, nil
		})

	pending, err := g.RequestAction(context.Background(), ActionRequest{ActionType: "restart", Caller: "tester"})
	require.NoError(t, err)
	require.Equal(t, StatusPendingApproval, pending.Status)

	queue := g.ListPendingApprovals()
	require.Len(t, queue, 1)
	assert.Equal(t, pending.RequestID, queue[0].RequestID)
	assert.Equal(t, "restart", queue[0].ActionType)
	assert.Equal(t, Tier3, queue[0].Tier)

	_, err = g.Reject(pending.RequestID, "ops", "no")
	require.NoError(t, err)
	assert.Empty(t, g.ListPendingApprovals())
}

func TestPostconditionFailsWhenHandlerReportsFailedStatus(t *testing.T) {
	g := newTestGateway(t)
	g.RegisterAction("flaky", Tier1, ActionContract{}, nil, nil,
		func(ctx context.Context, req ActionRequest) (map[string]interface{}, error) {
			return map[string]interface{}{"status": "failed"}, nil
		})

	result, err := g.RequestAction(context.Background(), ActionRequest{ActionType: "flaky", Caller: "tester"})
	assert.Error(t, err)
	assert.Equal(t, StatusFailed, result.Status)
}

type assertError string

func (e assertError) Error() string { return string(e) }

var assertErr = assertError("handler exploded")
