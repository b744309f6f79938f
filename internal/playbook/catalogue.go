package playbook

import (
	"context"
	"time"
)

// funcPlaybook adapts four plain functions into a Playbook, letting the
// catalogue below declare each remediation procedure as data instead of a
// bespoke type per playbook.
type funcPlaybook struct {
	name       string
	mttrTarget time.Duration
	applicable func(Failure) bool
	execute    func(context.Context, Failure) (Result, error)
	verify     func(context.Context, Result) bool
	rollback   func(context.Context, Result) error
}

func (p *funcPlaybook) Name() string              { return p.name }
func (p *funcPlaybook) MTTRTarget() time.Duration { return p.mttrTarget }
func (p *funcPlaybook) Applicable(f Failure) bool  { return p.applicable(f) }

func (p *funcPlaybook) DryRun(ctx context.Context, f Failure) (Plan, error) {
	return Plan{
		Description: "would run " + p.name,
		Params:      f.Context,
	}, nil
}

func (p *funcPlaybook) Execute(ctx context.Context, f Failure) (Result, error) {
	return p.execute(ctx, f)
}

func (p *funcPlaybook) Verify(ctx context.Context, result Result) bool {
	if p.verify == nil {
		return true
	}
	return p.verify(ctx, result)
}

func (p *funcPlaybook) Rollback(ctx context.Context, result Result) error {
	if p.rollback == nil {
		return nil
	}
	return p.rollback(ctx, result)
}

func modeIs(modes ...string) func(Failure) bool {
	set := make(map[string]bool, len(modes))
	for _, m := range modes {
		set[m] = true
	}
	return func(f Failure) bool { return set[f.Mode] }
}

// RegisterDefaultCatalogue registers the minimum playbook set named in
// §4.8: network healing, database recovery, API timeout mitigation,
// resource throttling, and safety de-escalation. Handlers call into exec
// (the side-effecting callback the embedding Application supplies — e.g.
// restarting a registry-known instance, issuing a SQL statement) so this
// package stays free of any concrete infrastructure dependency.
func RegisterDefaultCatalogue(e *Executor, exec PlaybookEffects) {
	// Network healing.
	e.Register(&funcPlaybook{
		name: "restart-component", mttrTarget: 10 * time.Second,
		applicable: modeIs("component-unhealthy", "component-unresponsive"),
		execute: func(ctx context.Context, f Failure) (Result, error) {
			return exec.RestartComponent(ctx, f)
		},
	})
	e.Register(&funcPlaybook{
		name: "clear-port", mttrTarget: 10 * time.Second,
		applicable: modeIs("port-conflict"),
		execute: func(ctx context.Context, f Failure) (Result, error) {
			return exec.ClearPort(ctx, f)
		},
	})
	e.Register(&funcPlaybook{
		name: "diagnose-network", mttrTarget: 10 * time.Second,
		applicable: modeIs("network-unreachable"),
		execute: func(ctx context.Context, f Failure) (Result, error) {
			return exec.DiagnoseNetwork(ctx, f)
		},
	})
	e.Register(&funcPlaybook{
		name: "rebind-port", mttrTarget: 10 * time.Second,
		applicable: modeIs("port-conflict", "bind-failure"),
		execute: func(ctx context.Context, f Failure) (Result, error) {
			return exec.RebindPort(ctx, f)
		},
	})

	// Database recovery.
	e.Register(&funcPlaybook{
		name: "clear-locks", mttrTarget: 60 * time.Second,
		applicable: modeIs("db-lock-contention"),
		execute: func(ctx context.Context, f Failure) (Result, error) {
			return exec.ClearLocks(ctx, f)
		},
	})
	e.Register(&funcPlaybook{
		name: "checkpoint-wal", mttrTarget: 60 * time.Second,
		applicable: modeIs("db-wal-backlog"),
		execute: func(ctx context.Context, f Failure) (Result, error) {
			return exec.CheckpointWAL(ctx, f)
		},
	})
	e.Register(&funcPlaybook{
		name: "restore-from-backup", mttrTarget: 60 * time.Second,
		applicable: modeIs("db-corruption"),
		execute: func(ctx context.Context, f Failure) (Result, error) {
			return exec.RestoreFromBackup(ctx, f)
		},
	})
	e.Register(&funcPlaybook{
		name: "create-fresh", mttrTarget: 60 * time.Second,
		applicable: modeIs("db-missing"),
		execute: func(ctx context.Context, f Failure) (Result, error) {
			return exec.CreateFresh(ctx, f)
		},
	})

	// API timeout mitigation.
	e.Register(&funcPlaybook{
		name: "kill-hung-requests", mttrTarget: 10 * time.Second,
		applicable: modeIs("api-timeout", "hung-requests"),
		execute: func(ctx context.Context, f Failure) (Result, error) {
			return exec.KillHungRequests(ctx, f)
		},
	})
	e.Register(&funcPlaybook{
		name: "optimize-performance", mttrTarget: 10 * time.Second,
		applicable: modeIs("api-timeout"),
		execute: func(ctx context.Context, f Failure) (Result, error) {
			return exec.OptimizePerformance(ctx, f)
		},
	})
	e.Register(&funcPlaybook{
		name: "scale-up", mttrTarget: 10 * time.Second,
		applicable: modeIs("api-timeout", "resource-saturation"),
		execute: func(ctx context.Context, f Failure) (Result, error) {
			return exec.ScaleUp(ctx, f)
		},
	})
	e.Register(&funcPlaybook{
		name: "restart-service", mttrTarget: 10 * time.Second,
		applicable: modeIs("api-timeout", "component-unresponsive"),
		execute: func(ctx context.Context, f Failure) (Result, error) {
			return exec.RestartService(ctx, f)
		},
	})

	// Resource management.
	e.Register(&funcPlaybook{
		name: "scale-workers", mttrTarget: 30 * time.Second,
		applicable: modeIs("resource-saturation", "queue-backlog"),
		execute: func(ctx context.Context, f Failure) (Result, error) {
			return exec.ScaleWorkers(ctx, f)
		},
	})
	e.Register(&funcPlaybook{
		name: "throttle-learning", mttrTarget: 30 * time.Second,
		applicable: modeIs("resource-saturation"),
		execute: func(ctx context.Context, f Failure) (Result, error) {
			return exec.ThrottleLearning(ctx, f)
		},
	})
	e.Register(&funcPlaybook{
		name: "shift-load", mttrTarget: 30 * time.Second,
		applicable: modeIs("resource-saturation", "instance-overloaded"),
		execute: func(ctx context.Context, f Failure) (Result, error) {
			return exec.ShiftLoad(ctx, f)
		},
	})

	// Safety de-escalation.
	e.Register(&funcPlaybook{
		name: "tighten-guardrails", mttrTarget: 30 * time.Second,
		applicable: modeIs("guardrail-breach", "repeated-rollback"),
		execute: func(ctx context.Context, f Failure) (Result, error) {
			return exec.TightenGuardrails(ctx, f)
		},
	})
	e.Register(&funcPlaybook{
		name: "downgrade-autonomy-tier", mttrTarget: 30 * time.Second,
		applicable: modeIs("guardrail-breach", "repeated-rollback"),
		execute: func(ctx context.Context, f Failure) (Result, error) {
			return exec.DowngradeAutonomyTier(ctx, f)
		},
	})
	e.Register(&funcPlaybook{
		name: "lock-supervised", mttrTarget: 30 * time.Second,
		applicable: modeIs("guardrail-breach"),
		execute: func(ctx context.Context, f Failure) (Result, error) {
			return exec.LockSupervised(ctx, f)
		},
	})
}

// PlaybookEffects is the set of side-effecting operations the default
// catalogue calls into. The embedding Application supplies a concrete
// implementation wired to the Registry, Load Balancer, Gateway, and
// Snapshot Manager; this package only orchestrates selection and metrics.
type PlaybookEffects interface {
	RestartComponent(ctx context.Context, f Failure) (Result, error)
	ClearPort(ctx context.Context, f Failure) (Result, error)
	DiagnoseNetwork(ctx context.Context, f Failure) (Result, error)
	RebindPort(ctx context.Context, f Failure) (Result, error)
	ClearLocks(ctx context.Context, f Failure) (Result, error)
	CheckpointWAL(ctx context.Context, f Failure) (Result, error)
	RestoreFromBackup(ctx context.Context, f Failure) (Result, error)
	CreateFresh(ctx context.Context, f Failure) (Result, error)
	KillHungRequests(ctx context.Context, f Failure) (Result, error)
	OptimizePerformance(ctx context.Context, f Failure) (Result, error)
	ScaleUp(ctx context.Context, f Failure) (Result, error)
	RestartService(ctx context.Context, f Failure) (Result, error)
	ScaleWorkers(ctx context.Context, f Failure) (Result, error)
	ThrottleLearning(ctx context.Context, f Failure) (Result, error)
	ShiftLoad(ctx context.Context, f Failure) (Result, error)
	TightenGuardrails(ctx context.Context, f Failure) (Result, error)
	DowngradeAutonomyTier(ctx context.Context, f Failure) (Result, error)
	LockSupervised(ctx context.Context, f Failure) (Result, error)
}
