package eventbus

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegiscore/platform/internal/config"
)

func testBus(t *testing.T) *Bus {
	t.Helper()
	return New(config.EventBusConfig{BufferSize: 8, BacklogWatermark: 4}, nil)
}

func TestPublishAssignsIncreasingSequencePerSource(t *testing.T) {
	b := testBus(t)
	e1 := b.Publish(Event{Type: "registry.added", Source: "registry"})
	e2 := b.Publish(Event{Type: "registry.added", Source: "registry"})
	e3 := b.Publish(Event{Type: "registry.added", Source: "other"})

	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, uint64(2), e2.Seq)
	assert.Equal(t, uint64(1), e3.Seq)
}

func TestSubscribeDeliversMatchingEventsInOrder(t *testing.T) {
	b := testBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Event, 8)
	b.Subscribe(ctx, "sub1", Predicate{Types: []string{"health.changed"}}, BestEffort, false, func(_ context.Context, e Event) error {
		received <- e
		return nil
	})

	b.Publish(Event{Type: "registry.added", Source: "registry"})
	b.Publish(Event{Type: "health.changed", Source: "registry", Payload: map[string]interface{}{"to": "healthy"}})
	b.Publish(Event{Type: "health.changed", Source: "registry", Payload: map[string]interface{}{"to": "degraded"}})

	var got []Event
	for i := 0; i < 2; i++ {
		select {
		case e := <-received:
			got = append(got, e)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
	require.Len(t, got, 2)
	assert.Equal(t, "healthy", got[0].Payload["to"])
	assert.Equal(t, "degraded", got[1].Payload["to"])
}

func TestRequireSignedRejectsUnsigned(t *testing.T) {
	b := testBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Event, 1)
	b.Subscribe(ctx, "secure", Predicate{}, BestEffort, true, func(_ context.Context, e Event) error {
		received <- e
		return nil
	})

	b.Publish(Event{Type: "action.completed", Source: "action-gateway"})

	select {
	case <-received:
		t.Fatal("unsigned event should not have been delivered")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSignAndVerifySignature(t *testing.T) {
	b := testBus(t)
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	b.RegisterSigningKey("kernel-a", priv)

	e := b.Publish(Event{Type: "kernel.heartbeat", Source: "kernel-a"})
	require.NotEmpty(t, e.Signature)
	assert.NoError(t, VerifySignature(e, pub))

	tampered := e
	tampered.Type = "kernel.down"
	assert.Error(t, VerifySignature(tampered, pub))
}

func TestReplayFromCursor(t *testing.T) {
	b := testBus(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Publish(Event{Type: "snapshot.captured", Source: "snapshot-manager"})
	}

	var replayed []uint64
	err := b.Replay(ctx, "snapshot-manager", 1, func(_ context.Context, e Event) error {
		replayed = append(replayed, e.Seq)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3}, replayed)
}
