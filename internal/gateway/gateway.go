// Package gateway implements the API Gateway (§4.3): the only path for
// cross-service calls, combining rate limiting, circuit breaking, load
// balancer selection, dispatch-with-timeout, and retry-with-jitter into one
// call path, and recording the telemetry the Health Monitor and admin API
// read back. Grounded on the teacher's infrastructure/resilience (circuit
// breaker state machine, exponential-backoff retry) and
// infrastructure/ratelimit (token-bucket-per-key over golang.org/x/time/rate),
// generalized from bare HTTP fault-tolerance helpers into the gateway's
// single governed call path.
package gateway

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aegiscore/platform/internal/config"
	"github.com/aegiscore/platform/internal/eventbus"
	"github.com/aegiscore/platform/internal/loadbalancer"
	"github.com/aegiscore/platform/internal/platformerr"
	"github.com/aegiscore/platform/internal/registry"
	"github.com/aegiscore/platform/pkg/logger"
)

// Transport performs the actual dispatch to a selected instance. The default
// implementation issues an HTTP request; tests substitute a fake.
type Transport func(ctx context.Context, inst registry.ServiceInstance, path string, body io.Reader) (status int, respBody []byte, err error)

// CallOptions configures one governed call.
type CallOptions struct {
	Capability string
	Caller     string
	Strategy   loadbalancer.Strategy
	StickyKey  string
	Path       string
	Body       io.Reader
	Idempotent bool // only idempotent/safe calls are retried, per §4.3
	Timeout    time.Duration
}

// CallResult is the outcome of a governed call.
type CallResult struct {
	InstanceID string
	Status     int
	Body       []byte
	Attempts   int
	Latency    time.Duration
}

// Gateway ties rate limiting, circuit breaking, load balancing, and retry
// into the single call path every cross-service call goes through.
type Gateway struct {
	reg *registry.Registry
	lb  *loadbalancer.LoadBalancer
	bus *eventbus.Bus
	cfg config.CircuitConfig
	rc  config.RetryConfig
	rl  config.RateLimitConfig
	log *logger.Logger

	transport Transport

	mu        sync.Mutex
	breakers  map[string]*circuitBreaker // key: instance|capability
	limiters  map[string]*rate.Limiter   // key: caller|capability (the target instance is not part of the key)
}

// New constructs a Gateway. transport defaults to a plain http.Client round
// trip when nil.
func New(reg *registry.Registry, lb *loadbalancer.LoadBalancer, bus *eventbus.Bus, circuit config.CircuitConfig, retry config.RetryConfig, rateLimit config.RateLimitConfig, transport Transport, log *logger.Logger) *Gateway {
	if log == nil {
		log = logger.NewDefault("gateway")
	}
	if transport == nil {
		transport = httpTransport(&http.Client{})
	}
	return &Gateway{
		reg:       reg,
		lb:        lb,
		bus:       bus,
		cfg:       circuit,
		rc:        retry,
		rl:        rateLimit,
		log:       log,
		transport: transport,
		breakers:  make(map[string]*circuitBreaker),
		limiters:  make(map[string]*rate.Limiter),
	}
}

func httpTransport(client *http.Client) Transport {
	return func(ctx context.Context, inst registry.ServiceInstance, path string, body io.Reader) (int, []byte, error) {
		url := fmt.Sprintf("http://%s:%d%s%s", inst.Endpoint.Host, inst.Endpoint.Port, inst.Endpoint.PathPrefix, path)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
		if err != nil {
			return 0, nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return 0, nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		return resp.StatusCode, data, err
	}
}

// Call executes the six-step flow from §4.3: rate-limit check, circuit
// check, load-balancer pick, dispatch-with-timeout, retry-with-jitter, and
// final telemetry recording.
func (g *Gateway) Call(ctx context.Context, opts CallOptions) (*CallResult, error) {
	limiterKey := opts.Caller + "|" + opts.Capability
	if !g.limiterFor(limiterKey).Allow() {
		return nil, platformerr.RateLimited(int(g.rl.RequestsPerSecond), "1s")
	}

	deadline := time.Now().Add(opts.Timeout)
	if opts.Timeout <= 0 {
		deadline = time.Now().Add(10 * time.Second)
	}

	maxAttempts := 1
	if opts.Idempotent {
		maxAttempts = g.rc.MaxAttempts
	}

	var lastErr error
	attempt := 0
	for attempt = 1; attempt <= maxAttempts; attempt++ {
		inst, err := g.lb.Pick(opts.Capability, opts.Strategy, opts.StickyKey)
		if err != nil {
			return nil, err
		}

		cb := g.breakerFor(inst.ID, opts.Capability)
		allowed, _ := cb.allow()
		if !allowed {
			g.lb.Release(inst.ID)
			g.publishHealingNeeded(inst.ID, opts.Capability)
			return nil, platformerr.CircuitOpen(inst.ID)
		}

		start := time.Now()
		callCtx, cancel := context.WithDeadline(ctx, deadline)
		status, body, derr := g.transport(callCtx, *inst, opts.Path, opts.Body)
		cancel()
		latency := time.Since(start)

		g.lb.Release(inst.ID)

		transient := derr != nil || status >= 500
		cb.record(!transient)

		if !transient {
			return &CallResult{InstanceID: inst.ID, Status: status, Body: body, Attempts: attempt, Latency: latency}, nil
		}

		if derr != nil {
			lastErr = derr
		} else {
			lastErr = fmt.Errorf("upstream status %d", status)
		}

		if attempt >= maxAttempts {
			break
		}
		if time.Until(deadline) < g.rc.MinRPCLatency {
			break
		}

		delay := fullJitterBackoff(g.rc.BaseDelay, g.rc.MaxDelay, attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, platformerr.Unavailable(opts.Capability, lastErr)
}

// fullJitterBackoff implements delay = rand(0, min(maxDelay, base*2^attempt))
// per §4.3.
func fullJitterBackoff(base, max time.Duration, attempt int) time.Duration {
	ceiling := time.Duration(float64(base) * float64(int64(1)<<uint(attempt)))
	if ceiling > max || ceiling <= 0 {
		ceiling = max
	}
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(ceiling)))
}

func (g *Gateway) breakerFor(instanceID, capability string) *circuitBreaker {
	key := instanceID + "|" + capability
	g.mu.Lock()
	defer g.mu.Unlock()
	cb, ok := g.breakers[key]
	if !ok {
		cb = newCircuitBreaker(g.cfg.Window, g.cfg.FailureRatio, g.cfg.MinSamples, g.cfg.Cooldown, g.cfg.HalfOpenSuccesses)
		g.breakers[key] = cb
	}
	return cb
}

func (g *Gateway) limiterFor(key string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[key]
	if !ok {
		rps := g.rl.RequestsPerSecond
		if rps <= 0 {
			rps = 50
		}
		burst := g.rl.Burst
		if burst <= 0 {
			burst = 100
		}
		l = rate.NewLimiter(rate.Limit(rps), burst)
		g.limiters[key] = l
	}
	return l
}

func (g *Gateway) publishHealingNeeded(instanceID, capability string) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(eventbus.Event{
		Type:   "healing.needed",
		Source: "gateway",
		Payload: map[string]interface{}{
			"instance_id": instanceID,
			"capability":  capability,
		},
	})
}

// BreakerState exposes a breaker's current state for the admin API.
func (g *Gateway) BreakerState(instanceID, capability string) string {
	return g.breakerFor(instanceID, capability).currentState().String()
}
