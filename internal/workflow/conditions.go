package workflow

import (
	"fmt"

	"github.com/flowmesh/flowmesh/internal/expr"
)

// Condition is a compiled step gate. It evaluates against the execution's
// input, context and completed step outputs; an expression that errors or
// references missing data is simply falsy, so a bad condition skips the
// step rather than failing the run.
type Condition struct {
	compiled *expr.Expr
}

// CompileCondition parses the expression once at registration. An empty
// source compiles to a condition that always passes.
func CompileCondition(source string) (*Condition, error) {
	if source == "" {
		return &Condition{}, nil
	}
	compiled, err := expr.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("failed to compile condition %q: %w", source, err)
	}
	return &Condition{compiled: compiled}, nil
}

// StepRefs returns the step ids the condition reads through steps['id'].
func (c *Condition) StepRefs() []string {
	if c == nil || c.compiled == nil {
		return nil
	}
	return c.compiled.Refs("steps")
}

// Evaluate reports whether the gated step should run.
func (c *Condition) Evaluate(exec *Execution) bool {
	if c == nil || c.compiled == nil {
		return true
	}
	return c.compiled.Eval(conditionEnv(exec))
}

// conditionEnv exposes the execution to the expression language. Only
// completed steps appear under "steps", so conditions on failed or
// skipped steps see missing data and evaluate falsy.
func conditionEnv(exec *Execution) map[string]interface{} {
	steps := make(map[string]interface{}, len(exec.Steps))
	for i := range exec.Steps {
		record := &exec.Steps[i]
		if record.Status != StepStatusCompleted {
			continue
		}
		var output interface{} = record.Output
		if record.Output == nil {
			output = map[string]interface{}{}
		}
		steps[record.StepID] = output
	}
	return map[string]interface{}{
		"input":   exec.InputData,
		"context": exec.Context,
		"steps":   steps,
	}
}
