package playbook

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleScript = `
function execute(failure) {
    return {status: "handled", mode: failure.Mode};
}
function verify(result) {
    return result.status === "handled";
}
`

func TestScriptedPlaybookExecutesJSFunction(t *testing.T) {
	p := NewScriptedPlaybook("custom-js", 5*time.Second, []string{"custom-mode"}, sampleScript)

	assert.True(t, p.Applicable(Failure{Mode: "custom-mode"}))
	assert.False(t, p.Applicable(Failure{Mode: "other"}))

	result, err := p.Execute(context.Background(), Failure{Mode: "custom-mode"})
	require.NoError(t, err)
	assert.Equal(t, "handled", result["status"])
	assert.True(t, p.Verify(context.Background(), result))
}

func TestScriptedPlaybookWithoutExecuteFunctionErrors(t *testing.T) {
	p := NewScriptedPlaybook("broken", time.Second, []string{"x"}, `function notExecute() {}`)
	_, err := p.Execute(context.Background(), Failure{Mode: "x"})
	assert.Error(t, err)
}

func TestScriptedPlaybookRegistersAndRunsThroughExecutor(t *testing.T) {
	e := New(false, time.Minute, nil, nil)
	p := NewScriptedPlaybook("custom-js", 5*time.Second, []string{"custom-mode"}, sampleScript)
	e.Register(p)

	result, err := e.Run(context.Background(), Failure{Mode: "custom-mode"})
	require.NoError(t, err)
	assert.Equal(t, "handled", result["status"])
}
