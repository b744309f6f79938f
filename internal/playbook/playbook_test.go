package playbook

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPlaybook(name string, mode string, execute func(context.Context, Failure) (Result, error), verify func(context.Context, Result) bool) *funcPlaybook {
	return &funcPlaybook{
		name:       name,
		mttrTarget: 10 * time.Second,
		applicable: modeIs(mode),
		execute:    execute,
		verify:     verify,
	}
}

func TestSelectPicksApplicablePlaybook(t *testing.T) {
	e := New(false, time.Minute, nil, nil)
	e.Register(newPlaybook("restart", "component-unhealthy", func(context.Context, Failure) (Result, error) {
		return Result{"ok": true}, nil
	}, nil))

	p, err := e.Select(Failure{Mode: "component-unhealthy"})
	require.NoError(t, err)
	assert.Equal(t, "restart", p.Name())
}

func TestSelectReturnsNotFoundWhenNoneApplicable(t *testing.T) {
	e := New(false, time.Minute, nil, nil)
	_, err := e.Select(Failure{Mode: "unknown-mode"})
	assert.Error(t, err)
}

func TestSelectPrefersHigherSuccessRate(t *testing.T) {
	e := New(false, time.Minute, nil, nil)
	e.Register(newPlaybook("flaky", "overloaded", func(context.Context, Failure) (Result, error) {
		return nil, assertErr
	}, nil))
	e.Register(newPlaybook("reliable", "overloaded", func(context.Context, Failure) (Result, error) {
		return Result{"ok": true}, nil
	}, nil))

	_, _ = e.RunWith(context.Background(), mustGet(e, "flaky"), Failure{Mode: "overloaded"})
	_, _ = e.RunWith(context.Background(), mustGet(e, "reliable"), Failure{Mode: "overloaded"})

	p, err := e.Select(Failure{Mode: "overloaded"})
	require.NoError(t, err)
	assert.Equal(t, "reliable", p.Name())
}

func TestRunWithRecordsSuccessAndFailureCounts(t *testing.T) {
	e := New(false, time.Minute, nil, nil)
	p := newPlaybook("restart", "x", func(context.Context, Failure) (Result, error) {
		return Result{"ok": true}, nil
	}, nil)
	e.Register(p)

	_, err := e.RunWith(context.Background(), p, Failure{Mode: "x"})
	require.NoError(t, err)

	stats, ok := e.Stats("restart")
	require.True(t, ok)
	assert.Equal(t, 1, stats.ExecutionCount)
	assert.Equal(t, 1, stats.SuccessCount)
}

func TestRunWithRollsBackOnVerifyFailure(t *testing.T) {
	e := New(false, time.Minute, nil, nil)
	var rolledBack bool
	p := &funcPlaybook{
		name: "bad-verify", mttrTarget: time.Second,
		applicable: modeIs("x"),
		execute: func(context.Context, Failure) (Result, error) {
			return Result{"ok": false}, nil
		},
		verify: func(context.Context, Result) bool { return false },
		rollback: func(context.Context, Result) error {
			rolledBack = true
			return nil
		},
	}
	e.Register(p)

	_, err := e.RunWith(context.Background(), p, Failure{Mode: "x"})
	assert.Error(t, err)
	assert.True(t, rolledBack)

	stats, _ := e.Stats("bad-verify")
	assert.Equal(t, 1, stats.FailureCount)
}

func TestDryRunModeCallsDryRunInsteadOfExecute(t *testing.T) {
	e := New(true, time.Minute, nil, nil)
	var executed bool
	p := newPlaybook("restart", "x", func(context.Context, Failure) (Result, error) {
		executed = true
		return Result{"ok": true}, nil
	}, nil)
	e.Register(p)

	result, err := e.RunWith(context.Background(), p, Failure{Mode: "x"})
	require.NoError(t, err)
	assert.False(t, executed)
	assert.Equal(t, true, result["dry_run"])
}

func TestCooldownExcludesRecentlyFailedPlaybook(t *testing.T) {
	e := New(false, time.Hour, nil, nil)
	p := newPlaybook("flaky", "x", func(context.Context, Failure) (Result, error) {
		return nil, assertErr
	}, nil)
	e.Register(p)

	_, _ = e.RunWith(context.Background(), p, Failure{Mode: "x"})

	_, err := e.Select(Failure{Mode: "x"})
	assert.Error(t, err)
}

func mustGet(e *Executor, name string) Playbook {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playbooks[name]
}

type assertError string

func (err assertError) Error() string { return string(err) }

var assertErr = assertError("playbook execution failed")
