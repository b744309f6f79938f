package gateway

import (
	"sync"
	"time"
)

// breakerState mirrors the closed/open/half_open machine in §4.3.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// circuitBreaker tracks one (instance, capability) tuple's rolling window of
// the last W call outcomes, grounded on the teacher's
// infrastructure/resilience/circuit_breaker.go state machine but adapted
// from a bare failure counter to the spec's windowed failure ratio.
type circuitBreaker struct {
	mu sync.Mutex

	window   []bool // true = success; ring buffer, len <= W
	w        int
	failRatio float64 // percent, e.g. 50 for F=50
	minSamples int
	cooldown   time.Duration
	halfOpenK  int

	state            breakerState
	openedAt         time.Time
	halfOpenInFlight bool
	halfOpenSuccesses int
}

func newCircuitBreaker(w int, failRatioPercent float64, minSamples int, cooldown time.Duration, halfOpenK int) *circuitBreaker {
	return &circuitBreaker{
		w:          w,
		failRatio:  failRatioPercent,
		minSamples: minSamples,
		cooldown:   cooldown,
		halfOpenK:  halfOpenK,
		state:      breakerClosed,
	}
}

// allow reports whether a call may proceed, and if so whether it is the
// single admitted half-open probe.
func (cb *circuitBreaker) allow() (ok bool, isHalfOpenProbe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case breakerOpen:
		if time.Since(cb.openedAt) < cb.cooldown {
			return false, false
		}
		cb.state = breakerHalfOpen
		cb.halfOpenInFlight = true
		cb.halfOpenSuccesses = 0
		return true, true
	case breakerHalfOpen:
		if cb.halfOpenInFlight {
			return false, false
		}
		cb.halfOpenInFlight = true
		return true, true
	default:
		return true, false
	}
}

// record applies the outcome of an admitted call.
func (cb *circuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case breakerHalfOpen:
		cb.halfOpenInFlight = false
		if !success {
			cb.toOpen()
			return
		}
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.halfOpenK {
			cb.toClosed()
		}
		return
	default:
		cb.pushWindow(success)
		if !success && cb.shouldOpen() {
			cb.toOpen()
		}
	}
}

func (cb *circuitBreaker) pushWindow(success bool) {
	cb.window = append(cb.window, success)
	if len(cb.window) > cb.w {
		cb.window = cb.window[len(cb.window)-cb.w:]
	}
}

func (cb *circuitBreaker) shouldOpen() bool {
	if len(cb.window) < cb.minSamples {
		return false
	}
	failures := 0
	for _, ok := range cb.window {
		if !ok {
			failures++
		}
	}
	ratio := 100 * float64(failures) / float64(len(cb.window))
	return ratio > cb.failRatio
}

func (cb *circuitBreaker) toOpen() {
	cb.state = breakerOpen
	cb.openedAt = time.Now()
	cb.window = cb.window[:0]
	cb.halfOpenInFlight = false
}

func (cb *circuitBreaker) toClosed() {
	cb.state = breakerClosed
	cb.window = cb.window[:0]
	cb.halfOpenInFlight = false
}

func (cb *circuitBreaker) currentState() breakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
