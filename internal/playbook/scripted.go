package playbook

import (
	"context"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// ScriptedPlaybook lets operators declare a custom remediation procedure as
// a small JavaScript program instead of a Go type, sandboxed per-call in a
// fresh goja.Runtime (goja.Runtime is not safe for concurrent use, so each
// invocation gets its own). The script must define an `execute(failure)`
// function returning an object; `dryRun(failure)`, `verify(result)`, and
// `rollback(result)` are optional.
type ScriptedPlaybook struct {
	name       string
	mttrTarget time.Duration
	modes      map[string]bool
	script     string
}

// NewScriptedPlaybook constructs a playbook whose behavior is defined by
// script, applicable to any of the given failure modes.
func NewScriptedPlaybook(name string, mttrTarget time.Duration, modes []string, script string) *ScriptedPlaybook {
	set := make(map[string]bool, len(modes))
	for _, m := range modes {
		set[m] = true
	}
	return &ScriptedPlaybook{name: name, mttrTarget: mttrTarget, modes: set, script: script}
}

func (p *ScriptedPlaybook) Name() string              { return p.name }
func (p *ScriptedPlaybook) MTTRTarget() time.Duration { return p.mttrTarget }
func (p *ScriptedPlaybook) Applicable(f Failure) bool  { return p.modes[f.Mode] }

func (p *ScriptedPlaybook) DryRun(ctx context.Context, f Failure) (Plan, error) {
	vm, err := p.newRuntime()
	if err != nil {
		return Plan{}, err
	}
	fn, ok := goja.AssertFunction(vm.Get("dryRun"))
	if !ok {
		return Plan{Description: "would run " + p.name, Params: f.Context}, nil
	}
	val, err := fn(goja.Undefined(), vm.ToValue(f))
	if err != nil {
		return Plan{}, fmt.Errorf("scripted playbook %s dryRun: %w", p.name, err)
	}
	plan, _ := val.Export().(map[string]interface{})
	return Plan{Description: fmt.Sprintf("%v", plan["description"]), Params: plan}, nil
}

func (p *ScriptedPlaybook) Execute(ctx context.Context, f Failure) (Result, error) {
	vm, err := p.newRuntime()
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(vm.Get("execute"))
	if !ok {
		return nil, fmt.Errorf("scripted playbook %s does not define execute()", p.name)
	}
	val, err := fn(goja.Undefined(), vm.ToValue(f))
	if err != nil {
		return nil, fmt.Errorf("scripted playbook %s execute: %w", p.name, err)
	}
	out, _ := val.Export().(map[string]interface{})
	return Result(out), nil
}

func (p *ScriptedPlaybook) Verify(ctx context.Context, result Result) bool {
	vm, err := p.newRuntime()
	if err != nil {
		return false
	}
	fn, ok := goja.AssertFunction(vm.Get("verify"))
	if !ok {
		return true
	}
	val, err := fn(goja.Undefined(), vm.ToValue(map[string]interface{}(result)))
	if err != nil {
		return false
	}
	ok2, _ := val.Export().(bool)
	return ok2
}

func (p *ScriptedPlaybook) Rollback(ctx context.Context, result Result) error {
	vm, err := p.newRuntime()
	if err != nil {
		return err
	}
	fn, ok := goja.AssertFunction(vm.Get("rollback"))
	if !ok {
		return nil
	}
	_, err = fn(goja.Undefined(), vm.ToValue(map[string]interface{}(result)))
	if err != nil {
		return fmt.Errorf("scripted playbook %s rollback: %w", p.name, err)
	}
	return nil
}

func (p *ScriptedPlaybook) newRuntime() (*goja.Runtime, error) {
	vm := goja.New()
	if _, err := vm.RunString(p.script); err != nil {
		return nil, fmt.Errorf("scripted playbook %s: script error: %w", p.name, err)
	}
	return vm, nil
}
