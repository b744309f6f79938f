// Package proactive implements the Proactive Intelligence & Meta Loop
// (§4.10): a metrics collector samples declared metrics at a fixed interval,
// aggregates over a rolling window, and emits Directives when an aggregate
// crosses a configured threshold. Grounded on the teacher's periodic
// sampling/aggregation shape in infrastructure/service/healthcheck.go
// (DeepHealthChecker: registered checks run on a schedule, aggregated into
// one response) and its robfig/cron/v3 scheduling idiom already used in
// registry.Discoverer, here sampling process metrics instead of probing
// component health.
package proactive

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	core "github.com/aegiscore/platform/internal/app/core/service"
	"github.com/aegiscore/platform/internal/eventbus"
	"github.com/aegiscore/platform/pkg/logger"
)

// Sample is one point-in-time reading of the declared metrics (§4.10):
// process-level figures sourced from gopsutil plus whatever
// application-level figures SupplementalFunc supplies.
type Sample struct {
	Timestamp         time.Time
	CPUPercent        float64
	MemPercent        float64
	Goroutines        int
	QueueDepth        float64
	WorkerUtilization float64
	ApprovalBacklog   float64
	RollbackRate      float64
	HandlerErrorRate  float64
}

// SupplementalFunc supplies the application-level metrics gopsutil has no
// visibility into (queue depth, worker utilization, approval backlog,
// rollback rate, handler error rate). The embedding Application wires this
// to the Gateway/Action/Playbook components; this package stays free of any
// concrete dependency on them, mirroring the PlaybookEffects seam.
type SupplementalFunc func() (queueDepth, workerUtilization, approvalBacklog, rollbackRate, handlerErrorRate float64)

// Threshold fires a Directive when a window's aggregate for Metric exceeds Max.
type Threshold struct {
	Metric string
	Max    float64
}

func (t Threshold) valueOf(agg Sample) float64 {
	switch t.Metric {
	case "cpu_percent":
		return agg.CPUPercent
	case "mem_percent":
		return agg.MemPercent
	case "goroutines":
		return float64(agg.Goroutines)
	case "queue_depth":
		return agg.QueueDepth
	case "worker_utilization":
		return agg.WorkerUtilization
	case "approval_backlog":
		return agg.ApprovalBacklog
	case "rollback_rate":
		return agg.RollbackRate
	case "handler_error_rate":
		return agg.HandlerErrorRate
	default:
		return 0
	}
}

// Collector samples declared metrics at a fixed interval (default 30s),
// aggregates over a rolling window (default 5 min), and emits Directives on
// threshold crossings.
type Collector struct {
	interval     time.Duration
	window       time.Duration
	thresholds   []Threshold
	supplemental SupplementalFunc
	bus          *eventbus.Bus
	log          *logger.Logger

	mu      sync.Mutex
	samples []Sample

	cpuGauge prometheus.Gauge
	memGauge prometheus.Gauge
	goroutineGauge prometheus.Gauge
	directiveCounter *prometheus.CounterVec

	cronSched *cron.Cron
	stopOnce  sync.Once
	done      chan struct{}
}

// New constructs a Collector. reg is the Prometheus registry metrics are
// registered against (a caller-supplied registry, not the global default,
// so tests and multiple instances don't collide).
func New(interval, window time.Duration, thresholds []Threshold, supplemental SupplementalFunc, bus *eventbus.Bus, reg *prometheus.Registry, log *logger.Logger) *Collector {
	if log == nil {
		log = logger.NewDefault("proactive")
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	c := &Collector{
		interval:     interval,
		window:       window,
		thresholds:   thresholds,
		supplemental: supplemental,
		bus:          bus,
		log:          log,
		done:         make(chan struct{}),
		cpuGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aegiscore_process_cpu_percent", Help: "Process CPU utilization percent.",
		}),
		memGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aegiscore_process_mem_percent", Help: "Process memory utilization percent.",
		}),
		goroutineGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aegiscore_goroutines", Help: "Live goroutine count.",
		}),
		directiveCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegiscore_directives_total", Help: "Directives emitted by metric.",
		}, []string{"metric"}),
	}
	if reg != nil {
		reg.MustRegister(c.cpuGauge, c.memGauge, c.goroutineGauge, c.directiveCounter)
	}
	return c
}

// Name implements system.Service.
func (c *Collector) Name() string { return "proactive.collector" }

// Start runs the sampling loop on a cron-driven ticker until Stop is called.
func (c *Collector) Start(ctx context.Context) error {
	c.cronSched = cron.New()
	spec := "@every " + c.interval.String()
	if _, err := c.cronSched.AddFunc(spec, func() { c.sample(ctx) }); err != nil {
		return err
	}
	c.cronSched.Start()
	return nil
}

// Stop halts the cron scheduler. Idempotent.
func (c *Collector) Stop(context.Context) error {
	c.stopOnce.Do(func() {
		if c.cronSched != nil {
			c.cronSched.Stop()
		}
		close(c.done)
	})
	return nil
}

func (c *Collector) sample(ctx context.Context) {
	s := Sample{Timestamp: time.Now()}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.MemPercent = vm.UsedPercent
	}
	s.Goroutines = runtime.NumGoroutine()

	if c.supplemental != nil {
		s.QueueDepth, s.WorkerUtilization, s.ApprovalBacklog, s.RollbackRate, s.HandlerErrorRate = c.supplemental()
	}

	c.cpuGauge.Set(s.CPUPercent)
	c.memGauge.Set(s.MemPercent)
	c.goroutineGauge.Set(float64(s.Goroutines))

	c.mu.Lock()
	c.samples = append(c.samples, s)
	cutoff := time.Now().Add(-c.window)
	kept := c.samples[:0]
	for _, sm := range c.samples {
		if sm.Timestamp.After(cutoff) {
			kept = append(kept, sm)
		}
	}
	c.samples = kept
	agg := aggregate(c.samples)
	c.mu.Unlock()

	c.checkThresholds(agg)
}

func aggregate(samples []Sample) Sample {
	if len(samples) == 0 {
		return Sample{}
	}
	var agg Sample
	for _, s := range samples {
		agg.CPUPercent += s.CPUPercent
		agg.MemPercent += s.MemPercent
		agg.Goroutines += s.Goroutines
		agg.QueueDepth += s.QueueDepth
		agg.WorkerUtilization += s.WorkerUtilization
		agg.ApprovalBacklog += s.ApprovalBacklog
		agg.RollbackRate += s.RollbackRate
		agg.HandlerErrorRate += s.HandlerErrorRate
	}
	n := float64(len(samples))
	agg.CPUPercent /= n
	agg.MemPercent /= n
	agg.Goroutines = int(float64(agg.Goroutines) / n)
	agg.QueueDepth /= n
	agg.WorkerUtilization /= n
	agg.ApprovalBacklog /= n
	agg.RollbackRate /= n
	agg.HandlerErrorRate /= n
	agg.Timestamp = time.Now()
	return agg
}

func (c *Collector) checkThresholds(agg Sample) {
	for _, t := range c.thresholds {
		if t.valueOf(agg) <= t.Max {
			continue
		}
		d := Directive{
			Metric:    t.Metric,
			Aggregate: t.valueOf(agg),
			Threshold: t.Max,
			CreatedAt: time.Now(),
		}
		c.directiveCounter.WithLabelValues(t.Metric).Inc()
		c.publish(d)
	}
}

func (c *Collector) publish(d Directive) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{
		Type:   "directive.issued",
		Source: "proactive-collector",
		Payload: map[string]interface{}{
			"metric":    d.Metric,
			"aggregate": d.Aggregate,
			"threshold": d.Threshold,
		},
	})
}

// UpdateThreshold mutates a registered threshold's ceiling in place (the
// target of the meta loop's tier-3 "update-threshold" proposals). A metric
// with no existing threshold is ignored; thresholds are declared at
// construction time, not created dynamically.
func (c *Collector) UpdateThreshold(metric string, newMax float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.thresholds {
		if c.thresholds[i].Metric == metric {
			c.thresholds[i].Max = newMax
			return
		}
	}
}

// Aggregate returns the current rolling-window aggregate.
func (c *Collector) Aggregate() Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return aggregate(c.samples)
}

// Descriptor advertises this component's placement for the admin API.
func (c *Collector) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "proactive-collector",
		Domain:       "intelligence",
		Layer:        core.LayerEngine,
		Capabilities: []string{"metrics-sampling", "threshold-directives"},
	}
}
