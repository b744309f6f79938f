// Package app assembles the platform core: the event bus, incident log,
// service registry, health monitor, load balancer, snapshot manager, action
// gateway (which embeds contract verification), API gateway, playbook
// executor, and proactive intelligence / meta loop, wired in that leaf-first
// order and handed to a lifecycle Manager. Grounded on the teacher's
// applications/application.go top-level constructor, generalized from a
// fixed catalogue of blockchain domain services to this platform's fixed
// catalogue of mesh and governed-action components.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	core "github.com/aegiscore/platform/internal/app/core/service"
	"github.com/aegiscore/platform/internal/app/system"

	"github.com/aegiscore/platform/internal/action"
	"github.com/aegiscore/platform/internal/config"
	"github.com/aegiscore/platform/internal/dbmigrate"
	"github.com/aegiscore/platform/internal/eventbus"
	"github.com/aegiscore/platform/internal/gateway"
	"github.com/aegiscore/platform/internal/health"
	"github.com/aegiscore/platform/internal/incident"
	"github.com/aegiscore/platform/internal/loadbalancer"
	"github.com/aegiscore/platform/internal/playbook"
	"github.com/aegiscore/platform/internal/proactive"
	"github.com/aegiscore/platform/internal/registry"
	"github.com/aegiscore/platform/internal/snapshot"
	"github.com/aegiscore/platform/pkg/logger"
)

// Application holds every wired component the rest of the process (the HTTP
// surface, cmd/appserver) needs a handle to.
type Application struct {
	Config *config.CoreConfig
	Log    *logger.Logger

	EventBus     *eventbus.Bus
	Incidents    *incident.Log
	Registry     *registry.Registry
	Discoverer   *registry.Discoverer
	Health       *health.Monitor
	LoadBalancer *loadbalancer.LoadBalancer
	Snapshots    *snapshot.Manager
	Actions      *action.Gateway
	Gateway      *gateway.Gateway
	Playbooks    *playbook.Executor
	Metrics      *proactive.Collector
	MetaLoop     *proactive.MetaLoop

	manager *system.Manager
	db      *sql.DB
}

// DiscoveryPlan supplies the address book the Discoverer sweeps. Deployments
// without a static plan (e.g. CI) pass nil and rely on explicit Register
// calls from onboarding services instead.
type DiscoveryPlan []registry.Candidate

// New wires every platform-core component from cfg, in the leaf-first order
// the design calls for: event bus, incident log, registry (+ discovery),
// health monitor, load balancer, snapshot manager, action gateway, API
// gateway, playbook executor, proactive intelligence, meta loop.
func New(cfg *config.CoreConfig, plan DiscoveryPlan, log *logger.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logger.New(logger.LoggingConfig{
			Level:      cfg.Logging.Level,
			Format:     cfg.Logging.Format,
			Output:     cfg.Logging.Output,
			FilePrefix: cfg.Logging.FilePrefix,
		})
	}

	a := &Application{Config: cfg, Log: log, manager: system.NewManager()}

	var sdb *sqlx.DB
	if cfg.Database.DSN != "" && !cfg.OfflineMode {
		db, err := sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("app: open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
		if cfg.Database.MigrateOnStart {
			if err := dbmigrate.Apply(db); err != nil {
				return nil, fmt.Errorf("app: migrate: %w", err)
			}
		}
		sdb = sqlx.NewDb(db, "postgres")
		a.db = db
	}

	a.EventBus = eventbus.New(cfg.EventBus, log)
	if err := a.manager.Register(a.EventBus); err != nil {
		return nil, err
	}

	var sink incident.Sink
	if sdb != nil {
		sink = incident.NewPostgresSink(sdb)
	}
	a.Incidents = incident.New("incidents", sink, a.EventBus, log)
	if err := a.manager.Register(a.Incidents); err != nil {
		return nil, err
	}

	a.Registry = registry.New(a.EventBus, log)

	a.Discoverer = registry.NewDiscoverer(a.Registry, plan, cfg.Discovery, cfg.OfflineMode, log)
	if err := a.manager.Register(a.Discoverer); err != nil {
		return nil, err
	}

	a.Health = health.New(a.Registry, a.EventBus, cfg.Health, log)
	if err := a.manager.Register(a.Health); err != nil {
		return nil, err
	}

	a.LoadBalancer = loadbalancer.New(a.Registry)

	var snapBackend snapshot.PersistenceBackend = snapshot.NewMemoryBackend()
	if sdb != nil {
		snapBackend = snapshot.NewPostgresBackend(sdb)
	}
	a.Snapshots = snapshot.New(snapBackend, cfg.Snapshot.RetentionWindow, a.EventBus, log)

	a.Actions = action.New(a.Registry, a.EventBus, a.Snapshots, a.Incidents, log,
		action.WithIdempotencyWindow(cfg.Action.IdempotencyWindow),
		action.WithApprovalTTL(cfg.Action.DefaultApprovalExpiry),
	)
	if err := a.manager.Register(a.Actions); err != nil {
		return nil, err
	}

	a.Gateway = gateway.New(a.Registry, a.LoadBalancer, a.EventBus, cfg.Circuit, cfg.Retry, cfg.RateLimit, nil, log)

	a.Playbooks = playbook.New(cfg.DryRun, 0, a.EventBus, log)
	effects := newRemediationEffects(a.Registry, a.LoadBalancer, a.Gateway, a.Snapshots, log)
	playbook.RegisterDefaultCatalogue(a.Playbooks, effects)
	if err := a.manager.Register(a.Playbooks); err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	a.Metrics = proactive.New(30*time.Second, 5*time.Minute, defaultThresholds(), nil, a.EventBus, promReg, log)
	if err := a.manager.Register(a.Metrics); err != nil {
		return nil, err
	}

	proactive.RegisterThresholdUpdateHandler(a.Actions, a.Metrics.UpdateThreshold)
	a.MetaLoop = proactive.NewMetaLoop(a.Actions, noProposals, 5*time.Minute, log)
	if err := a.manager.Register(a.MetaLoop); err != nil {
		return nil, err
	}

	return a, nil
}

// defaultThresholds seeds the Collector with the supervised metrics every
// deployment starts with; operators widen or tighten them through approved
// meta-loop proposals from there.
func defaultThresholds() []proactive.Threshold {
	return []proactive.Threshold{
		{Metric: "cpu_percent", Max: 85},
		{Metric: "memory_percent", Max: 90},
		{Metric: "queue_depth", Max: 100},
		{Metric: "rollback_rate", Max: 0.2},
		{Metric: "handler_error_rate", Max: 0.1},
	}
}

// noProposals is the conservative default meta-loop review: it proposes no
// threshold changes until an operator wires a concrete review policy (e.g.
// inspecting playbook success-rate regressions or incident MTTR trends). The
// loop still runs on its cadence and the approval path stays exercised by
// RegisterThresholdUpdateHandler; there is simply nothing to approve yet.
func noProposals() []proactive.ThresholdProposal { return nil }

// Start brings up every registered component in registration order.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop tears down every registered component in reverse order. Safe to call
// more than once.
func (a *Application) Stop(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	if a.db != nil {
		if cerr := a.db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Descriptors reports every component's self-description for /system/descriptors.
func (a *Application) Descriptors() []core.Descriptor {
	return a.manager.Descriptors()
}
