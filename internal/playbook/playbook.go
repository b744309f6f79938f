// Package playbook implements the Playbook Executor & Registry (§4.8):
// a uniform applicable/dry_run/execute/verify/rollback interface across
// every remediation procedure, selected per-incident by highest recent
// (exponentially weighted) success rate subject to a post-failure cooldown.
// Grounded on the teacher's ServiceHandler interface in
// system/events/router.go (ServiceType()/ProcessRequest()/FulfillRequest(),
// dispatched from a registry keyed by type) generalized from blockchain
// service dispatch to remediation-playbook dispatch.
package playbook

import (
	"context"
	"fmt"
	"sync"
	"time"

	core "github.com/aegiscore/platform/internal/app/core/service"
	"github.com/aegiscore/platform/internal/eventbus"
	"github.com/aegiscore/platform/internal/platformerr"
	"github.com/aegiscore/platform/pkg/logger"
)

// Failure describes the condition a playbook is asked to remediate.
type Failure struct {
	Mode    string                 `json:"mode"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Plan is the dry_run output: what execute would have done.
type Plan struct {
	Description string                 `json:"description"`
	Steps       []string               `json:"steps,omitempty"`
	Params      map[string]interface{} `json:"params,omitempty"`
}

// Result is execute's output, handed to Verify and, on failure, Rollback.
type Result map[string]interface{}

// Playbook is the uniform interface every remediation procedure exposes.
type Playbook interface {
	Name() string
	MTTRTarget() time.Duration
	Applicable(f Failure) bool
	DryRun(ctx context.Context, f Failure) (Plan, error)
	Execute(ctx context.Context, f Failure) (Result, error)
	Verify(ctx context.Context, result Result) bool
	Rollback(ctx context.Context, result Result) error
}

// Stats tracks a playbook's execution history for selection and the admin API.
type Stats struct {
	ExecutionCount int           `json:"execution_count"`
	SuccessCount   int           `json:"success_count"`
	FailureCount   int           `json:"failure_count"`
	LastError      string        `json:"last_error,omitempty"`
	LastDuration   time.Duration `json:"last_duration"`
	successEWMA    float64
}

const ewmaAlpha = 0.3

// Executor runs playbooks against incidents, maintaining selection stats and
// honoring DRY_RUN/CI_MODE.
type Executor struct {
	mu            sync.Mutex
	playbooks     map[string]Playbook
	stats         map[string]*Stats
	cooldown      time.Duration
	lastFailureAt map[string]time.Time
	dryRun        bool
	bus           *eventbus.Bus
	log           *logger.Logger
}

// New constructs an Executor. dryRun mirrors DRY_RUN (or CI_MODE, which
// implies it): when true, Run invokes DryRun instead of Execute for every
// playbook invocation.
func New(dryRun bool, cooldown time.Duration, bus *eventbus.Bus, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.NewDefault("playbook")
	}
	if cooldown <= 0 {
		cooldown = 2 * time.Minute
	}
	return &Executor{
		playbooks:     make(map[string]Playbook),
		stats:         make(map[string]*Stats),
		cooldown:      cooldown,
		lastFailureAt: make(map[string]time.Time),
		dryRun:        dryRun,
		bus:           bus,
		log:           log,
	}
}

// Name implements system.Service.
func (e *Executor) Name() string { return "playbook.executor" }

// Start/Stop are no-ops; the Executor has no background loop of its own.
func (e *Executor) Start(context.Context) error { return nil }
func (e *Executor) Stop(context.Context) error  { return nil }

// Register adds a playbook to the catalogue.
func (e *Executor) Register(p Playbook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.playbooks[p.Name()] = p
	e.stats[p.Name()] = &Stats{successEWMA: 1.0}
}

// Select picks the applicable playbook with the highest recent success rate,
// skipping any still in cooldown after a recent failure.
func (e *Executor) Select(f Failure) (Playbook, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var best Playbook
	var bestScore float64 = -1
	now := time.Now()
	for name, p := range e.playbooks {
		if !p.Applicable(f) {
			continue
		}
		if until, ok := e.lastFailureAt[name]; ok && now.Sub(until) < e.cooldown {
			continue
		}
		score := e.stats[name].successEWMA
		if score > bestScore {
			bestScore = score
			best = p
		}
	}
	if best == nil {
		return nil, platformerr.NotFound("playbook", f.Mode)
	}
	return best, nil
}

// Run selects and runs a playbook against f: execute (or dry_run, depending
// on mode) then verify; on verify=false, rollback and record failure.
func (e *Executor) Run(ctx context.Context, f Failure) (Result, error) {
	p, err := e.Select(f)
	if err != nil {
		return nil, err
	}
	return e.RunWith(ctx, p, f)
}

// RunWith executes a specific playbook (bypassing selection) against f; used
// both by Run and by operators forcing a particular remediation.
func (e *Executor) RunWith(ctx context.Context, p Playbook, f Failure) (Result, error) {
	start := time.Now()
	name := p.Name()

	var result Result
	var runErr error
	if e.dryRun {
		plan, err := p.DryRun(ctx, f)
		runErr = err
		result = Result{"dry_run": true, "plan": plan}
	} else {
		result, runErr = p.Execute(ctx, f)
	}
	duration := time.Since(start)

	verified := runErr == nil && (e.dryRun || p.Verify(ctx, result))
	if !verified && !e.dryRun {
		if rbErr := p.Rollback(ctx, result); rbErr != nil {
			e.log.WithField("playbook", name).WithField("error", rbErr).Warn("playbook rollback failed")
		}
	}

	e.recordOutcome(name, verified, duration, runErr)
	e.publish(name, f, verified)

	if !verified {
		if runErr == nil {
			runErr = fmt.Errorf("playbook %s failed verification", name)
		}
		return result, runErr
	}
	return result, nil
}

// Stats returns a snapshot of a playbook's execution history.
func (e *Executor) Stats(name string) (Stats, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.stats[name]
	if !ok {
		return Stats{}, false
	}
	return *s, true
}

// AllStats returns every registered playbook's stats, for the admin API.
func (e *Executor) AllStats() map[string]Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Stats, len(e.stats))
	for name, s := range e.stats {
		out[name] = *s
	}
	return out
}

func (e *Executor) recordOutcome(name string, success bool, duration time.Duration, runErr error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.stats[name]
	if !ok {
		s = &Stats{successEWMA: 1.0}
		e.stats[name] = s
	}
	s.ExecutionCount++
	s.LastDuration = duration
	outcome := 0.0
	if success {
		s.SuccessCount++
		outcome = 1.0
		s.LastError = ""
	} else {
		s.FailureCount++
		e.lastFailureAt[name] = time.Now()
		if runErr != nil {
			s.LastError = runErr.Error()
		}
	}
	s.successEWMA = ewmaAlpha*outcome + (1-ewmaAlpha)*s.successEWMA
}

func (e *Executor) publish(name string, f Failure, success bool) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{
		Type:   "playbook.completed",
		Source: "playbook-executor",
		Payload: map[string]interface{}{
			"playbook": name,
			"mode":     f.Mode,
			"success":  success,
		},
	})
}

// Descriptor advertises this component's placement for the admin API.
func (e *Executor) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "playbook-executor",
		Domain:       "action-pipeline",
		Layer:        core.LayerEngine,
		Capabilities: []string{"remediation", "dry-run", "selection-by-success-rate"},
	}
}
