package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveInputsFromSources(t *testing.T) {
	exec := &Execution{
		InputData: map[string]interface{}{
			"user": map[string]interface{}{"name": "ada"},
		},
		Context: map[string]interface{}{"region": "eu"},
		Steps: []ExecutionStep{
			{StepID: "fetch", Status: StepStatusCompleted, Output: map[string]interface{}{
				"result": map[string]interface{}{"content": "raw content"},
			}},
		},
	}
	step := &Step{
		ID: "process",
		InputMappings: []Mapping{
			{Source: "input", Path: "user.name", Target: "name"},
			{Source: "context", Path: "region", Target: "region"},
			{Source: "steps", Path: "fetch.result.content", Target: "content"},
		},
	}

	inputs, err := ResolveInputs(step, exec)
	require.NoError(t, err)
	assert.Equal(t, "ada", inputs["name"])
	assert.Equal(t, "eu", inputs["region"])
	assert.Equal(t, "raw content", inputs["content"])
}

func TestResolveInputsDefaults(t *testing.T) {
	exec := &Execution{InputData: map[string]interface{}{}}
	step := &Step{
		ID: "s",
		InputMappings: []Mapping{
			{Source: "input", Path: "missing.deep", Target: "a", Default: "fallback"},
			{Source: "input", Path: "also.missing", Target: "b"},
		},
	}

	inputs, err := ResolveInputs(step, exec)
	require.NoError(t, err)
	assert.Equal(t, "fallback", inputs["a"])
	assert.Nil(t, inputs["b"])
}

func TestResolveInputsSkipsNonCompletedSteps(t *testing.T) {
	exec := &Execution{
		Steps: []ExecutionStep{
			{StepID: "failed", Status: StepStatusFailed, Output: map[string]interface{}{"x": 1}},
			{StepID: "skipped", Status: StepStatusSkipped},
		},
	}
	step := &Step{
		ID: "s",
		InputMappings: []Mapping{
			{Source: "steps", Path: "failed.x", Target: "fromFailed", Default: "dflt"},
			{Source: "steps", Path: "skipped.x", Target: "fromSkipped", Default: "dflt"},
		},
	}

	inputs, err := ResolveInputs(step, exec)
	require.NoError(t, err)
	assert.Equal(t, "dflt", inputs["fromFailed"])
	assert.Equal(t, "dflt", inputs["fromSkipped"])
}

func TestResolveInputsTransforms(t *testing.T) {
	exec := &Execution{
		InputData: map[string]interface{}{
			"doc":  `{"k":"v"}`,
			"name": "ada",
			"obj":  map[string]interface{}{"a": float64(1)},
		},
	}
	step := &Step{
		ID: "s",
		InputMappings: []Mapping{
			{Source: "input", Path: "doc", Target: "parsed", Transform: TransformJSONParse},
			{Source: "input", Path: "name", Target: "upper", Transform: TransformToUpper},
			{Source: "input", Path: "name", Target: "lower", Transform: TransformToLower},
			{Source: "input", Path: "obj", Target: "raw", Transform: TransformJSONStringify},
			{Source: "input", Path: "name", Target: "same", Transform: TransformIdentity},
		},
	}

	inputs, err := ResolveInputs(step, exec)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"k": "v"}, inputs["parsed"])
	assert.Equal(t, "ADA", inputs["upper"])
	assert.Equal(t, "ada", inputs["lower"])
	assert.JSONEq(t, `{"a":1}`, inputs["raw"].(string))
	assert.Equal(t, "ada", inputs["same"])
}

func TestResolveInputsTransformTypeError(t *testing.T) {
	exec := &Execution{InputData: map[string]interface{}{"n": float64(3)}}
	step := &Step{
		ID: "s",
		InputMappings: []Mapping{
			{Source: "input", Path: "n", Target: "x", Transform: TransformToUpper},
		},
	}

	_, err := ResolveInputs(step, exec)
	assert.Error(t, err)
}

func TestApplyOutputsToOutputAndContext(t *testing.T) {
	exec := &Execution{
		OutputData: map[string]interface{}{},
		Context:    map[string]interface{}{},
	}
	step := &Step{
		ID: "s",
		OutputMappings: []Mapping{
			{Path: "result", Target: "output.step1_result"},
			{Path: "count", Target: "context.stats.count"},
			{Path: "missing", Target: "output.absent"},
			{Path: "missing", Target: "output.defaulted", Default: "d"},
		},
	}

	err := ApplyOutputs(step, exec, map[string]interface{}{
		"result": "processed content",
		"count":  float64(4),
	})
	require.NoError(t, err)

	assert.Equal(t, "processed content", exec.OutputData["step1_result"])
	assert.Equal(t, "d", exec.OutputData["defaulted"])
	_, present := exec.OutputData["absent"]
	assert.False(t, present)

	stats, ok := exec.Context["stats"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(4), stats["count"])
}

func TestApplyOutputsRejectsBadTarget(t *testing.T) {
	exec := &Execution{}
	step := &Step{
		ID:             "s",
		OutputMappings: []Mapping{{Path: "x", Target: "elsewhere.y"}},
	}
	err := ApplyOutputs(step, exec, map[string]interface{}{"x": 1})
	assert.Error(t, err)
}

func TestLookupPathSliceIndexing(t *testing.T) {
	root := map[string]interface{}{
		"items": []interface{}{
			map[string]interface{}{"id": "first"},
			map[string]interface{}{"id": "second"},
		},
	}

	v, ok := lookupPath(root, "items.1.id")
	require.True(t, ok)
	assert.Equal(t, "second", v)

	_, ok = lookupPath(root, "items.5.id")
	assert.False(t, ok)
	_, ok = lookupPath(root, "items.x.id")
	assert.False(t, ok)
}
