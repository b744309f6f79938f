package proactive

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegiscore/platform/internal/action"
	"github.com/aegiscore/platform/internal/incident"
	"github.com/aegiscore/platform/internal/snapshot"
)

func newTestGateway(t *testing.T) *action.Gateway {
	snaps := snapshot.New(snapshot.NewMemoryBackend(), time.Hour, nil, nil)
	incidents := incident.New(t.TempDir(), nil, nil, nil)
	return action.New(nil, nil, snaps, incidents, nil)
}

func TestMetaLoopCycleSubmitsProposalsAsTier3Actions(t *testing.T) {
	gw := newTestGateway(t)

	reg := prometheus.NewRegistry()
	collector := New(time.Hour, time.Hour, []Threshold{{Metric: "cpu_percent", Max: 80}}, nil, nil, reg, nil)
	RegisterThresholdUpdateHandler(gw, collector.UpdateThreshold)

	review := func() []ThresholdProposal {
		return []ThresholdProposal{{Metric: "cpu_percent", NewMax: 90, Reason: "frequent false positives"}}
	}
	loop := NewMetaLoop(gw, review, time.Hour, nil)
	loop.cycle(context.Background())

	// Tier3 always requires approval, so the cycle only queues the proposal;
	// the threshold stays put until an operator approves it.
	assert.Equal(t, 80.0, collector.thresholds[0].Max)
	require.Len(t, gw.ListPendingApprovals(), 1)

	pending := gw.ListPendingApprovals()[0]
	_, err := gw.Approve(context.Background(), pending.RequestID, "operator")
	require.NoError(t, err)
	assert.Equal(t, 90.0, collector.thresholds[0].Max)
}

func TestMetaLoopCycleWithNoProposalsDoesNothing(t *testing.T) {
	gw := newTestGateway(t)
	reg := prometheus.NewRegistry()
	collector := New(time.Hour, time.Hour, []Threshold{{Metric: "cpu_percent", Max: 80}}, nil, nil, reg, nil)
	RegisterThresholdUpdateHandler(gw, collector.UpdateThreshold)

	loop := NewMetaLoop(gw, func() []ThresholdProposal { return nil }, time.Hour, nil)
	loop.cycle(context.Background())

	assert.Equal(t, 80.0, collector.thresholds[0].Max)
}

func TestMetaLoopRequiresApprovalWhenTierThree(t *testing.T) {
	gw := newTestGateway(t)
	var applied bool
	gw.RegisterAction(updateThresholdActionType, action.Tier3, action.ActionContract{}, nil, nil,
		func(ctx context.Context, req action.ActionRequest) (map[string]interface{}, error) {
			applied = true
			return map[string]interface{}{}, nil
		})

	result, err := gw.RequestAction(context.Background(), action.ActionRequest{
		ActionType:   updateThresholdActionType,
		DeclaredTier: action.Tier3,
		Caller:       "meta-loop",
	})
	require.NoError(t, err)
	assert.Equal(t, action.StatusPendingApproval, result.Status)
	assert.False(t, applied)
}
