// Package eventbus implements the typed publish/subscribe fabric (§4.5):
// per-source monotonic sequence numbers, at_least_once/best_effort delivery,
// and optional Ed25519 signing across trust boundaries. Grounded on the
// teacher's system/events worker-pool/dispatcher pattern (stopCh/doneCh,
// filter predicates, per-handler registration), repurposed from blockchain
// contract-event dispatch to a generic typed event fabric.
package eventbus

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aegiscore/platform/internal/config"
	"github.com/aegiscore/platform/internal/platformerr"
	"github.com/aegiscore/platform/pkg/logger"
)

// DeliveryMode selects a subscription's delivery guarantee.
type DeliveryMode string

const (
	AtLeastOnce DeliveryMode = "at_least_once"
	BestEffort  DeliveryMode = "best_effort"
)

// Event is the typed record flowing through the bus.
type Event struct {
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Seq       uint64                 `json:"seq"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Signature []byte                 `json:"signature,omitempty"`
}

// Predicate filters events a Subscription receives; nil fields match
// anything.
type Predicate struct {
	Types   []string
	Sources []string
}

func (p Predicate) match(e Event) bool {
	if len(p.Types) > 0 && !contains(p.Types, e.Type) {
		return false
	}
	if len(p.Sources) > 0 && !contains(p.Sources, e.Source) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Handler processes a delivered event. Errors are logged; the bus never
// retries a handler failure on its behalf - durability beyond at-least-once
// delivery is the handler's responsibility.
type Handler func(ctx context.Context, e Event) error

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	ID          string
	Predicate   Predicate
	Mode        DeliveryMode
	RequireSigned bool

	queue   chan Event
	handler Handler
	cursor  map[string]uint64 // source -> last delivered seq
	mu      sync.Mutex
}

// Cursor returns the last-delivered sequence number for source, used to
// resume Replay after a restart.
func (s *Subscription) Cursor(source string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor[source]
}

func (s *Subscription) advance(source string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.cursor[source] {
		s.cursor[source] = seq
	}
}

// Bus is the typed event fabric. One Bus instance serves the whole process;
// every component publishes and subscribes through it.
type Bus struct {
	mu sync.RWMutex

	subs    map[string]*Subscription
	history map[string][]Event // source -> ordered log, for Replay
	seq     map[string]uint64  // source -> last assigned seq

	signingKeys map[string]ed25519.PrivateKey // source -> key

	bufferSize  int
	backlogHigh int

	log *logger.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Bus sized per cfg.
func New(cfg config.EventBusConfig, log *logger.Logger) *Bus {
	if log == nil {
		log = logger.NewDefault("eventbus")
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	backlog := cfg.BacklogWatermark
	if backlog <= 0 {
		backlog = bufferSize / 2
	}
	return &Bus{
		subs:        make(map[string]*Subscription),
		history:     make(map[string][]Event),
		seq:         make(map[string]uint64),
		signingKeys: make(map[string]ed25519.PrivateKey),
		bufferSize:  bufferSize,
		backlogHigh: backlog,
		log:         log,
		stopCh:      make(chan struct{}),
	}
}

// Name implements system.Service.
func (b *Bus) Name() string { return "eventbus" }

// Start is a no-op; subscriber worker goroutines are started individually by
// Subscribe so subscriptions registered after Start still get a worker.
func (b *Bus) Start(context.Context) error { return nil }

// Stop signals every subscriber worker to drain and exit.
func (b *Bus) Stop(context.Context) error {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
	return nil
}

// RegisterSigningKey associates source with a private key; Publish signs
// every event from that source.
func (b *Bus) RegisterSigningKey(source string, key ed25519.PrivateKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signingKeys[source] = key
}

// Publish assigns the next per-source sequence number, signs the event if a
// key is registered for the source, and enqueues it to every matching
// subscription. Returns once the event is durably enqueued: best_effort
// subscriptions drop the oldest entry on overflow, at_least_once
// subscriptions block the publisher (a bounded ring, not an unbounded one -
// a stuck at_least_once subscriber exerts real backpressure, by design of
// §4.5).
func (b *Bus) Publish(e Event) Event {
	b.mu.Lock()
	b.seq[e.Source]++
	e.Seq = b.seq[e.Source]
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if key, ok := b.signingKeys[e.Source]; ok {
		e.Signature = sign(key, e)
	}
	b.history[e.Source] = append(b.history[e.Source], e)
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if !s.Predicate.match(e) {
			continue
		}
		if s.RequireSigned && len(e.Signature) == 0 {
			b.log.WithField("subscription", s.ID).WithField("event_type", e.Type).
				Warn("rejecting unsigned event across trust boundary")
			continue
		}
		b.deliver(s, e)
	}
	return e
}

func (b *Bus) deliver(s *Subscription, e Event) {
	switch s.Mode {
	case AtLeastOnce:
		s.queue <- e // blocks: backpressure on the publisher, per contract
	default:
		select {
		case s.queue <- e:
		default:
			// best_effort: drop oldest to make room rather than block.
			select {
			case <-s.queue:
			default:
			}
			select {
			case s.queue <- e:
			default:
			}
			b.log.WithField("subscription", s.ID).Warn("best_effort subscriber overflow, dropped oldest")
		}
	}
}

// Subscribe registers a handler invoked sequentially, in delivery order, for
// every event matching predicate. Different subscribers run concurrently;
// a single subscriber never processes two events from the same source out
// of order.
func (b *Bus) Subscribe(ctx context.Context, id string, predicate Predicate, mode DeliveryMode, requireSigned bool, handler Handler) *Subscription {
	sub := &Subscription{
		ID:            id,
		Predicate:     predicate,
		Mode:          mode,
		RequireSigned: requireSigned,
		queue:         make(chan Event, b.bufferSize),
		handler:       handler,
		cursor:        make(map[string]uint64),
	}

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.runSubscriber(ctx, sub)
	return sub
}

// Unsubscribe removes a subscription from future Publish fan-out. It does
// not stop the subscription's worker, which keeps running until the bus is
// stopped or the context given to Subscribe is cancelled.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

func (b *Bus) runSubscriber(ctx context.Context, s *Subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		case e := <-s.queue:
			if err := s.handler(ctx, e); err != nil {
				b.log.WithField("subscription", s.ID).WithField("event_type", e.Type).
					WithField("error", err).Error("event handler failed")
			}
			s.advance(e.Source, e.Seq)
		}
	}
}

// Replay re-delivers every event for source with seq > fromSeq, in order,
// directly to handler. Intended for an at_least_once subscriber resuming
// after restart from its last-persisted cursor.
func (b *Bus) Replay(ctx context.Context, source string, fromSeq uint64, handler Handler) error {
	b.mu.RLock()
	log := append([]Event(nil), b.history[source]...)
	b.mu.RUnlock()

	sort.Slice(log, func(i, j int) bool { return log[i].Seq < log[j].Seq })
	for _, e := range log {
		if e.Seq <= fromSeq {
			continue
		}
		if err := handler(ctx, e); err != nil {
			return fmt.Errorf("replay source=%s seq=%d: %w", source, e.Seq, err)
		}
	}
	return nil
}

// VerifySignature checks e.Signature against pub, returning ContractViolation
// when absent or invalid - used by subscribers crossing a trust boundary.
func VerifySignature(e Event, pub ed25519.PublicKey) error {
	if len(e.Signature) == 0 {
		return platformerr.ContractViolation("event.signature.present", fmt.Errorf("event from %s is unsigned", e.Source))
	}
	digest := canonicalDigest(e)
	if !ed25519.Verify(pub, digest, e.Signature) {
		return platformerr.ContractViolation("event.signature.valid", fmt.Errorf("signature mismatch for source %s seq %d", e.Source, e.Seq))
	}
	return nil
}

func sign(key ed25519.PrivateKey, e Event) []byte {
	return ed25519.Sign(key, canonicalDigest(e))
}

// canonicalDigest hashes the envelope fields that make an event identity
// (type, source, sequence, trace id, payload digest), per §4.5.
func canonicalDigest(e Event) []byte {
	payload, _ := json.Marshal(e.Payload)
	payloadSum := sha256.Sum256(payload)
	envelope := struct {
		Type        string `json:"type"`
		Source      string `json:"source"`
		Seq         uint64 `json:"seq"`
		TraceID     string `json:"trace_id"`
		PayloadHash string `json:"payload_hash"`
	}{
		Type:        e.Type,
		Source:      e.Source,
		Seq:         e.Seq,
		TraceID:     e.TraceID,
		PayloadHash: fmt.Sprintf("%x", payloadSum),
	}
	canon, _ := json.Marshal(envelope)
	sum := sha256.Sum256(canon)
	return sum[:]
}
