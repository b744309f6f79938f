package registry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aegiscore/platform/internal/config"
	"github.com/aegiscore/platform/pkg/logger"
)

// Candidate is an address the Discoverer probes on each sweep, as part of a
// configurable address plan (e.g. reserved host:port ranges per kind).
type Candidate struct {
	Kind        Kind
	Endpoint    Endpoint
	HealthPath  string
	Capabilities []string
}

// Discoverer runs the background discovery sweep described in §4.1: every D
// seconds it probes each candidate; unknown instances that answer are
// registered, known instances that fail repeatedly are demoted (never
// deregistered - operators expect stable ids).
type Discoverer struct {
	reg        *Registry
	candidates []Candidate
	client     *http.Client
	cronSched  *cron.Cron
	interval   time.Duration
	maxFail    int
	offline    bool
	log        *logger.Logger

	mu          sync.Mutex
	failures    map[string]int
	knownByAddr map[string]string // endpoint key -> instance id
	stopOnce    sync.Once
	done        chan struct{}
}

// NewDiscoverer builds a Discoverer over a static candidate list. Candidates
// are typically supplied by operator configuration (an address plan), not
// discovered recursively.
func NewDiscoverer(reg *Registry, candidates []Candidate, cfg config.DiscoveryConfig, offline bool, log *logger.Logger) *Discoverer {
	if log == nil {
		log = logger.NewDefault("discovery")
	}
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	maxFail := cfg.FailuresBeforeDemote
	if maxFail <= 0 {
		maxFail = 3
	}
	return &Discoverer{
		reg:         reg,
		candidates:  candidates,
		client:      &http.Client{Timeout: 2 * time.Second},
		interval:    interval,
		maxFail:     maxFail,
		offline:     offline,
		log:         log,
		failures:    make(map[string]int),
		knownByAddr: make(map[string]string),
		done:        make(chan struct{}),
	}
}

// Name implements system.Service.
func (d *Discoverer) Name() string { return "registry.discovery" }

// Start runs the discovery sweep on a cron-driven ticker until Stop is
// called or ctx is cancelled. When OFFLINE_MODE is set, external candidates
// are skipped on every sweep; the other candidates are still swept on each
// tick.
func (d *Discoverer) Start(ctx context.Context) error {
	d.cronSched = cron.New()
	spec := "@every " + d.interval.String()
	if _, err := d.cronSched.AddFunc(spec, func() { d.sweep(ctx) }); err != nil {
		return err
	}
	d.cronSched.Start()
	go d.sweep(ctx)
	return nil
}

// Stop halts the cron scheduler. Idempotent.
func (d *Discoverer) Stop(context.Context) error {
	d.stopOnce.Do(func() {
		if d.cronSched != nil {
			d.cronSched.Stop()
		}
		close(d.done)
	})
	return nil
}

func (d *Discoverer) sweep(ctx context.Context) {
	for _, c := range d.candidates {
		if d.offline && c.Kind == KindExternal {
			continue
		}
		d.probeOne(ctx, c)
	}
}

func (d *Discoverer) probeOne(ctx context.Context, c Candidate) {
	key := c.Endpoint.key()
	url := "http://" + c.Endpoint.Host + ":" + itoa(c.Endpoint.Port) + c.HealthPath

	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	ok := false
	if err == nil {
		resp, rerr := d.client.Do(req)
		if rerr == nil {
			ok = resp.StatusCode < 500
			resp.Body.Close()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if ok {
		d.failures[key] = 0
		if id, known := d.knownByAddr[key]; known {
			d.reg.RecordProbe(id, true, 0)
			return
		}
		inst, rerr := d.reg.Register(ServiceInstance{
			Kind:         c.Kind,
			Endpoint:     c.Endpoint,
			Capabilities: c.Capabilities,
		})
		if rerr != nil {
			d.log.WithField("endpoint", key).WithField("error", rerr).Warn("discovery register failed")
			return
		}
		d.knownByAddr[key] = inst.ID
		return
	}

	d.failures[key]++
	if id, known := d.knownByAddr[key]; known {
		d.reg.RecordProbe(id, false, 0)
		if d.failures[key] >= d.maxFail {
			_ = d.reg.TransitionHealth(id, StatusUnhealthy)
		}
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
