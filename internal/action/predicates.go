package action

import (
	"encoding/json"
	"fmt"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"
	"github.com/tidwall/gjson"

	"github.com/aegiscore/platform/internal/platformerr"
)

// predicateLanguage extends gval's full expression language with JSONPath
// subexpressions (e.g. `$.instances["svc-1"].capabilities`), so an operator
// can write a postcondition against the nested result document without a
// code change.
var predicateLanguage = gval.Full(jsonpath.Language())

// evaluatePredicates runs every predicate's gval expression against world
// (a read-only map: registry state for preconditions, the handler's result
// document for postconditions) and fails closed on the first predicate that
// does not evaluate to boolean true. Grounded on spec.md §4.6's description
// of contract predicates as pure functions over a read-only snapshot,
// letting operators declare new pre/postconditions as expressions instead
// of code.
func evaluatePredicates(preds []Predicate, world map[string]interface{}) error {
	for _, p := range preds {
		if p.Expression == "" {
			continue
		}
		out, err := predicateLanguage.Evaluate(p.Expression, world)
		if err != nil {
			return platformerr.ContractViolation(p.Name, err)
		}
		ok, isBool := out.(bool)
		if !isBool || !ok {
			return platformerr.ContractViolation(p.Name, fmt.Errorf("predicate evaluated to %v, want true", out))
		}
	}
	return nil
}

// worldStateFromInstances flattens registry instances into the map shape
// gval expressions index into, e.g. `instances.["svc-1"].capabilities`.
func worldStateFromInstances(instances map[string]interface{}, params map[string]interface{}) map[string]interface{} {
	world := map[string]interface{}{
		"instances": instances,
	}
	for k, v := range params {
		world[k] = v
	}
	return world
}

// resultField extracts a single field from a handler's result document using
// gjson, for fast bespoke postcondition checks that don't warrant a full
// gval expression (e.g. "did result.status come back ok").
func resultField(result map[string]interface{}, path string) gjson.Result {
	raw, err := json.Marshal(result)
	if err != nil {
		return gjson.Result{}
	}
	return gjson.GetBytes(raw, path)
}
