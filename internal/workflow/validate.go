package workflow

import (
	"fmt"
	"strings"
	"time"
)

// validateWorkflow checks everything that can be checked without running
// a step. Data references are validated topologically: a step may only
// read from steps declared before it.
func (e *Engine) validateWorkflow(wf *Workflow) error {
	if wf.Name == "" {
		return &ConfigurationError{WorkflowID: wf.ID, Reason: "name is required"}
	}
	if len(wf.Steps) == 0 {
		return &ConfigurationError{WorkflowID: wf.ID, Reason: "workflow has no steps"}
	}
	if wf.Timeout != "" {
		if _, err := time.ParseDuration(wf.Timeout); err != nil {
			return &ConfigurationError{WorkflowID: wf.ID, Reason: fmt.Sprintf("invalid timeout %q", wf.Timeout)}
		}
	}

	earlier := make(map[string]bool, len(wf.Steps))
	for i := range wf.Steps {
		step := &wf.Steps[i]
		if step.ID == "" {
			return &ConfigurationError{WorkflowID: wf.ID, Reason: fmt.Sprintf("step %d has no id", i)}
		}
		if earlier[step.ID] {
			return &ConfigurationError{WorkflowID: wf.ID, StepID: step.ID, Reason: "duplicate step id"}
		}
		if err := e.validateStep(wf, step, earlier); err != nil {
			return err
		}
		earlier[step.ID] = true
	}
	return nil
}

func (e *Engine) validateStep(wf *Workflow, step *Step, earlier map[string]bool) error {
	fail := func(reason string) error {
		return &ConfigurationError{WorkflowID: wf.ID, StepID: step.ID, Reason: reason}
	}

	if step.AgentType == "" {
		return fail("agent_type is required")
	}
	if _, ok := e.agents.Get(step.AgentType); !ok {
		return fail(fmt.Sprintf("agent type %q is not registered", step.AgentType))
	}
	if step.Retries < 0 {
		return fail("retries must not be negative")
	}
	switch step.OnFailure {
	case "", OnFailureFail, OnFailureContinue, OnFailureSkip:
	default:
		return fail(fmt.Sprintf("invalid on_failure %q", step.OnFailure))
	}
	for _, raw := range []string{step.Timeout, step.RetryDelay} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fail(fmt.Sprintf("invalid duration %q", raw))
		}
	}

	for _, mapping := range step.InputMappings {
		if mapping.Target == "" {
			return fail("input mapping needs a target")
		}
		if !validTransform(mapping.Transform) {
			return fail(fmt.Sprintf("unknown transform %q", mapping.Transform))
		}
		switch mapping.Source {
		case "", SourceInput, SourceContext:
		case SourceSteps:
			ref, _, _ := strings.Cut(mapping.Path, ".")
			if !earlier[ref] {
				return fail(fmt.Sprintf("input mapping references step %q, which is not an earlier step", ref))
			}
		default:
			return fail(fmt.Sprintf("invalid mapping source %q", mapping.Source))
		}
	}
	for _, mapping := range step.OutputMappings {
		if !validTransform(mapping.Transform) {
			return fail(fmt.Sprintf("unknown transform %q", mapping.Transform))
		}
		root, _, _ := strings.Cut(mapping.Target, ".")
		if root != "output" && root != "context" {
			return fail(fmt.Sprintf("output mapping target %q must start with output. or context.", mapping.Target))
		}
	}

	cond, err := CompileCondition(step.Condition)
	if err != nil {
		return fail(err.Error())
	}
	for _, ref := range cond.StepRefs() {
		if !earlier[ref] {
			return fail(fmt.Sprintf("condition references step %q, which is not an earlier step", ref))
		}
	}
	return nil
}

func validTransform(name string) bool {
	switch name {
	case "", TransformIdentity, TransformJSONParse, TransformJSONStringify, TransformToUpper, TransformToLower:
		return true
	}
	return false
}
