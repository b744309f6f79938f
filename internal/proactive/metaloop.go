package proactive

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aegiscore/platform/internal/action"
	core "github.com/aegiscore/platform/internal/app/core/service"
	"github.com/aegiscore/platform/pkg/logger"
)

// ThresholdProposal is one change the meta loop wants applied to a
// Collector's thresholds, derived from reviewing the previous cycle's
// outcomes (e.g. a playbook whose success rate keeps degrading under the
// current threshold, or a metric that never once approached its ceiling).
type ThresholdProposal struct {
	Metric string
	NewMax float64
	Reason string
}

// ReviewFunc inspects the previous cycle's outcomes (playbook stats,
// incident MTTR, directive history) and proposes threshold changes. The
// embedding Application supplies this; MetaLoop stays free of any concrete
// dependency on the Playbook Executor or Incident Log.
type ReviewFunc func() []ThresholdProposal

const updateThresholdActionType = "update-threshold"

// MetaLoop reviews the previous cycle's outcomes and proposes threshold
// updates as tier-3 actions through the Action Gateway (§4.10), so a
// threshold change is itself governed, approved, and logged like any other
// privileged mutation.
type MetaLoop struct {
	gateway  *action.Gateway
	review   ReviewFunc
	interval time.Duration
	log      *logger.Logger

	cronSched *cron.Cron
	stopOnce  sync.Once
	done      chan struct{}
}

// NewMetaLoop constructs a MetaLoop. Call RegisterThresholdUpdateHandler on
// gateway before Start so proposed requests have a handler to execute once
// approved.
func NewMetaLoop(gateway *action.Gateway, review ReviewFunc, interval time.Duration, log *logger.Logger) *MetaLoop {
	if log == nil {
		log = logger.NewDefault("proactive.metaloop")
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &MetaLoop{
		gateway:  gateway,
		review:   review,
		interval: interval,
		log:      log,
		done:     make(chan struct{}),
	}
}

// Name implements system.Service.
func (m *MetaLoop) Name() string { return "proactive.metaloop" }

// Start runs the review cycle on a cron-driven ticker until Stop is called.
func (m *MetaLoop) Start(ctx context.Context) error {
	m.cronSched = cron.New()
	spec := "@every " + m.interval.String()
	if _, err := m.cronSched.AddFunc(spec, func() { m.cycle(ctx) }); err != nil {
		return err
	}
	m.cronSched.Start()
	return nil
}

// Stop halts the cron scheduler. Idempotent.
func (m *MetaLoop) Stop(context.Context) error {
	m.stopOnce.Do(func() {
		if m.cronSched != nil {
			m.cronSched.Stop()
		}
		close(m.done)
	})
	return nil
}

func (m *MetaLoop) cycle(ctx context.Context) {
	if m.review == nil || m.gateway == nil {
		return
	}
	for _, p := range m.review() {
		req := action.ActionRequest{
			ActionType:   updateThresholdActionType,
			DeclaredTier: action.Tier3,
			Caller:       "meta-loop",
			Params: map[string]interface{}{
				"metric":  p.Metric,
				"new_max": p.NewMax,
				"reason":  p.Reason,
			},
		}
		if _, err := m.gateway.RequestAction(ctx, req); err != nil {
			m.log.WithField("metric", p.Metric).WithField("error", err).Warn("threshold proposal rejected")
		}
	}
}

// RegisterThresholdUpdateHandler wires the "update-threshold" action type
// into gateway so approved proposals have something to execute; apply is
// the callback that actually mutates a live Collector's thresholds.
func RegisterThresholdUpdateHandler(gateway *action.Gateway, apply func(metric string, newMax float64)) {
	gateway.RegisterAction(updateThresholdActionType, action.Tier3, action.ActionContract{}, nil, nil,
		func(ctx context.Context, req action.ActionRequest) (map[string]interface{}, error) {
			metric, _ := req.Params["metric"].(string)
			newMax, _ := req.Params["new_max"].(float64)
			apply(metric, newMax)
			return map[string]interface{}{"metric": metric, "new_max": newMax}, nil
		})
}

// Descriptor advertises this component's placement for the admin API.
func (m *MetaLoop) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "proactive-metaloop",
		Domain:       "intelligence",
		Layer:        core.LayerEngine,
		Capabilities: []string{"threshold-review", "tier3-proposals"},
	}
}
