package incident

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *Log {
	dir := t.TempDir()
	return New(dir, nil, nil, nil)
}

func TestOpenCreatesIncidentAndAppendsRecord(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	inc, err := l.Open(ctx, "circuit-breaker-open")
	require.NoError(t, err)
	assert.NotEmpty(t, inc.ID)
	assert.Equal(t, "circuit-breaker-open", inc.FailureMode)
	assert.Nil(t, inc.ResolvedAt)

	open, ok := l.OpenIncident(inc.ID)
	require.True(t, ok)
	assert.Equal(t, inc.ID, open.ID)

	entries, err := os.ReadDir(l.dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAttachActionRecordsActionID(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	inc, err := l.Open(ctx, "rate-limited")
	require.NoError(t, err)

	require.NoError(t, l.AttachAction(ctx, inc.ID, "action-1"))

	open, ok := l.OpenIncident(inc.ID)
	require.True(t, ok)
	assert.Equal(t, []string{"action-1"}, open.ActionIDs)
}

func TestAttachActionOnUnknownIncidentReturnsNotFound(t *testing.T) {
	l := newTestLog(t)
	err := l.AttachAction(context.Background(), "missing", "action-1")
	assert.Error(t, err)
}

func TestCloseFreezesIncidentAndRemovesFromOpenSet(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	inc, err := l.Open(ctx, "unhealthy-instance")
	require.NoError(t, err)

	closed, err := l.Close(ctx, inc.ID, "resolved", false)
	require.NoError(t, err)
	assert.NotNil(t, closed.ResolvedAt)
	assert.Equal(t, "resolved", closed.Outcome)

	_, ok := l.OpenIncident(inc.ID)
	assert.False(t, ok)
}

func TestCloseUnknownIncidentReturnsNotFound(t *testing.T) {
	l := newTestLog(t)
	_, err := l.Close(context.Background(), "missing", "resolved", false)
	assert.Error(t, err)
}

func TestAggregateComputesMTTRAndSuccessRatio(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	incA, err := l.Open(ctx, "mode-a")
	require.NoError(t, err)
	_, err = l.Close(ctx, incA.ID, "resolved", false)
	require.NoError(t, err)

	incB, err := l.Open(ctx, "mode-b")
	require.NoError(t, err)
	_, err = l.Close(ctx, incB.ID, "escalated", true)
	require.NoError(t, err)

	stats := l.Aggregate(time.Hour)
	assert.Equal(t, 2, stats.Count)
	assert.InDelta(t, 0.5, stats.SuccessRatio, 0.001)
}

func TestAggregateExcludesIncidentsOutsideWindow(t *testing.T) {
	l := newTestLog(t)
	old := time.Now().UTC().Add(-2 * time.Hour)
	l.all = append(l.all, Incident{ID: "inc-old", FailureMode: "mode-a", DetectedAt: old, ResolvedAt: &old, Outcome: "resolved"})

	stats := l.Aggregate(time.Hour)
	assert.Equal(t, 0, stats.Count)
}

func TestCorrectAppendsNewRecordReferencingOriginal(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	inc, err := l.Open(ctx, "mode-a")
	require.NoError(t, err)
	_, err = l.Close(ctx, inc.ID, "resolved", false)
	require.NoError(t, err)

	correction, err := l.Correct(ctx, inc.ID, "mode-a", "actually-escalated")
	require.NoError(t, err)
	assert.Equal(t, inc.ID, correction.CorrectionOf)
}
