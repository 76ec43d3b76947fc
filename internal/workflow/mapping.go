package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Mapping sources for step inputs.
const (
	SourceInput   = "input"
	SourceContext = "context"
	SourceSteps   = "steps"
)

// Transforms applicable to a resolved mapping value.
const (
	TransformIdentity      = "identity"
	TransformJSONParse     = "json_parse"
	TransformJSONStringify = "json_stringify"
	TransformToUpper       = "to_upper"
	TransformToLower       = "to_lower"
)

// ResolveInputs builds the flat input map for a step from its declared
// input mappings. Missing paths and paths through steps that never ran
// fall back to the mapping default; a missing path with no default
// resolves to nil rather than failing the step.
func ResolveInputs(step *Step, exec *Execution) (map[string]interface{}, error) {
	inputs := make(map[string]interface{}, len(step.InputMappings))
	for _, mapping := range step.InputMappings {
		value, found := resolveSource(mapping, exec)
		if !found {
			value = mapping.Default
		}
		transformed, err := applyTransform(mapping.Transform, value)
		if err != nil {
			return nil, fmt.Errorf("failed to transform input %s for step %s: %w", mapping.Target, step.ID, err)
		}
		inputs[mapping.Target] = transformed
	}
	return inputs, nil
}

// ApplyOutputs writes a completed step's output into the execution
// according to the step's output mappings. Targets are dot-paths rooted
// at "output" or "context"; intermediate maps are created as needed.
func ApplyOutputs(step *Step, exec *Execution, output map[string]interface{}) error {
	for _, mapping := range step.OutputMappings {
		value, found := lookupPath(output, mapping.Path)
		if !found {
			if mapping.Default == nil {
				continue
			}
			value = mapping.Default
		}
		transformed, err := applyTransform(mapping.Transform, value)
		if err != nil {
			return fmt.Errorf("failed to transform output %s for step %s: %w", mapping.Target, step.ID, err)
		}
		root, rest, ok := strings.Cut(mapping.Target, ".")
		if !ok {
			root, rest = mapping.Target, ""
		}
		switch root {
		case "output":
			if exec.OutputData == nil {
				exec.OutputData = make(map[string]interface{})
			}
			setPath(exec.OutputData, rest, transformed)
		case "context":
			if exec.Context == nil {
				exec.Context = make(map[string]interface{})
			}
			setPath(exec.Context, rest, transformed)
		default:
			return fmt.Errorf("output mapping target %q for step %s must start with output. or context.", mapping.Target, step.ID)
		}
	}
	return nil
}

func resolveSource(mapping Mapping, exec *Execution) (interface{}, bool) {
	switch mapping.Source {
	case SourceInput, "":
		return lookupPath(exec.InputData, mapping.Path)
	case SourceContext:
		return lookupPath(exec.Context, mapping.Path)
	case SourceSteps:
		stepID, rest, _ := strings.Cut(mapping.Path, ".")
		record, ok := exec.StepRecord(stepID)
		if !ok || record.Status != StepStatusCompleted {
			// Failed and skipped steps expose no output.
			return nil, false
		}
		if rest == "" {
			return record.Output, true
		}
		return lookupPath(record.Output, rest)
	default:
		return nil, false
	}
}

// lookupPath walks a dot-path through nested maps and slices. Numeric
// segments index slices.
func lookupPath(root map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return root, root != nil
	}
	var current interface{} = root
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			value, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = value
		case []interface{}:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

func setPath(root map[string]interface{}, path string, value interface{}) {
	if path == "" {
		if m, ok := value.(map[string]interface{}); ok {
			for k, v := range m {
				root[k] = v
			}
		}
		return
	}
	segments := strings.Split(path, ".")
	current := root
	for _, segment := range segments[:len(segments)-1] {
		next, ok := current[segment].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			current[segment] = next
		}
		current = next
	}
	current[segments[len(segments)-1]] = value
}

func applyTransform(transform string, value interface{}) (interface{}, error) {
	switch transform {
	case "", TransformIdentity:
		return value, nil
	case TransformJSONParse:
		raw, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("json_parse requires a string, got %T", value)
		}
		var parsed interface{}
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
		return parsed, nil
	case TransformJSONStringify:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode JSON: %w", err)
		}
		return string(data), nil
	case TransformToUpper:
		raw, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("to_upper requires a string, got %T", value)
		}
		return strings.ToUpper(raw), nil
	case TransformToLower:
		raw, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("to_lower requires a string, got %T", value)
		}
		return strings.ToLower(raw), nil
	default:
		return nil, fmt.Errorf("unknown transform %q", transform)
	}
}
