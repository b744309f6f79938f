package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureDeduplicatesIdenticalBlobs(t *testing.T) {
	m := New(NewMemoryBackend(), time.Hour, nil, nil)
	ctx := context.Background()

	s1, err := m.Capture(ctx, "action-1", "registry-state", []byte("same-bytes"))
	require.NoError(t, err)
	s2, err := m.Capture(ctx, "action-2", "registry-state", []byte("same-bytes"))
	require.NoError(t, err)

	assert.Equal(t, s1.ID, s2.ID)
	assert.Equal(t, s1.IntegrityHash, s2.IntegrityHash)
}

func TestRestoreInvokesRestoreFnWithCapturedBlob(t *testing.T) {
	m := New(NewMemoryBackend(), time.Hour, nil, nil)
	ctx := context.Background()

	snap, err := m.Capture(ctx, "action-1", "registry-state", []byte("payload"))
	require.NoError(t, err)

	var got []byte
	err = m.Restore(ctx, snap.ID, func(_ context.Context, kind string, blob []byte) error {
		got = blob
		assert.Equal(t, "registry-state", kind)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func TestRestoreFailureReturnsRollbackFailed(t *testing.T) {
	m := New(NewMemoryBackend(), time.Hour, nil, nil)
	ctx := context.Background()

	snap, err := m.Capture(ctx, "action-1", "registry-state", []byte("payload"))
	require.NoError(t, err)

	err = m.Restore(ctx, snap.ID, func(context.Context, string, []byte) error {
		return assertErr
	})
	assert.Error(t, err)
}

var assertErr = assertError("restore target unreachable")

type assertError string

func (e assertError) Error() string { return string(e) }

func TestEvictExpiredSkipsPinnedSnapshots(t *testing.T) {
	m := New(NewMemoryBackend(), time.Millisecond, nil, nil)
	ctx := context.Background()

	snap, err := m.Capture(ctx, "action-1", "registry-state", []byte("payload"))
	require.NoError(t, err)
	m.Pin(snap.ID, "incident-1")

	time.Sleep(5 * time.Millisecond)
	evicted := m.EvictExpired(ctx)
	assert.Equal(t, 0, evicted)

	m.Unpin(snap.ID, "incident-1")
	evicted = m.EvictExpired(ctx)
	assert.Equal(t, 1, evicted)
}
