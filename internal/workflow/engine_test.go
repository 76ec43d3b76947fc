package workflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/internal/agent"
	"github.com/flowmesh/flowmesh/internal/broker"
	"github.com/flowmesh/flowmesh/internal/bus"
	"github.com/flowmesh/flowmesh/internal/storage"
	"github.com/flowmesh/flowmesh/internal/workflow"
)

func newTestEngine(t *testing.T, agents *agent.Registry) *workflow.Engine {
	t.Helper()
	e := workflow.NewEngine(storage.NewMemory(), agents, nil, nil, workflow.Options{
		DefaultStepTimeout: 2 * time.Second,
		DefaultRetryDelay:  time.Millisecond,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Shutdown(ctx)
	})
	return e
}

func waitTerminal(t *testing.T, e *workflow.Engine, execID string) *workflow.Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := e.GetExecutionStatus(context.Background(), execID)
		require.NoError(t, err)
		if exec.Status.Terminal() {
			return exec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("execution never reached a terminal status")
	return nil
}

func staticAgent(name agent.Type, output map[string]interface{}) agent.Agent {
	return agent.Func(name, func(ctx context.Context, input agent.Input) (agent.Output, error) {
		return agent.Output{Content: output}, nil
	})
}

func TestTwoStepDataFlow(t *testing.T) {
	agents := agent.NewRegistry()
	agents.Register(staticAgent("producer", map[string]interface{}{"content": "raw content"}))
	agents.Register(agent.Func("processor", func(ctx context.Context, input agent.Input) (agent.Output, error) {
		content, _ := input.Content["content"].(string)
		if content != "raw content" {
			return agent.Output{}, &agent.ProcessError{AgentType: "processor", Reason: "unexpected input", Permanent: true}
		}
		return agent.Output{Content: map[string]interface{}{"result": "processed content"}}, nil
	}))
	e := newTestEngine(t, agents)
	ctx := context.Background()

	wf := &workflow.Workflow{
		Name: "pipeline",
		Steps: []workflow.Step{
			{ID: "step-1", Name: "produce", AgentType: "producer"},
			{
				ID:        "step-2",
				Name:      "process",
				AgentType: "processor",
				InputMappings: []workflow.Mapping{
					{Source: "steps", Path: "step-1.content", Target: "content"},
				},
				OutputMappings: []workflow.Mapping{
					{Path: "result", Target: "output.step1_result"},
				},
			},
		},
	}
	require.NoError(t, e.RegisterWorkflow(ctx, wf))

	started, err := e.ExecuteWorkflow(ctx, wf.ID, map[string]interface{}{}, "tester")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPending, started.Status)

	final := waitTerminal(t, e, started.ID)
	assert.Equal(t, workflow.StatusCompleted, final.Status)
	assert.Equal(t, map[string]interface{}{"step1_result": "processed content"}, final.OutputData)

	first, _ := final.StepRecord("step-1")
	second, _ := final.StepRecord("step-2")
	assert.Equal(t, workflow.StepStatusCompleted, first.Status)
	assert.Equal(t, workflow.StepStatusCompleted, second.Status)
	// Sequential ordering: step-1 finished before step-2 began.
	require.NotNil(t, first.CompletedAt)
	require.NotNil(t, second.StartedAt)
	assert.False(t, second.StartedAt.Before(*first.CompletedAt))
}

func TestRetryThenSucceed(t *testing.T) {
	var calls atomic.Int64
	agents := agent.NewRegistry()
	agents.Register(agent.Func("flaky", func(ctx context.Context, input agent.Input) (agent.Output, error) {
		if calls.Add(1) == 1 {
			return agent.Output{}, errors.New("temporary hiccup")
		}
		return agent.Output{Content: map[string]interface{}{"ok": true}}, nil
	}))
	e := newTestEngine(t, agents)
	ctx := context.Background()

	wf := &workflow.Workflow{
		Name:  "retry",
		Steps: []workflow.Step{{ID: "s1", AgentType: "flaky", Retries: 1}},
	}
	require.NoError(t, e.RegisterWorkflow(ctx, wf))

	started, err := e.ExecuteWorkflow(ctx, wf.ID, nil, "")
	require.NoError(t, err)
	final := waitTerminal(t, e, started.ID)

	assert.Equal(t, workflow.StatusCompleted, final.Status)
	record, _ := final.StepRecord("s1")
	assert.Equal(t, workflow.StepStatusCompleted, record.Status)
	assert.Equal(t, 2, record.Attempts)
	assert.EqualValues(t, 2, calls.Load())
}

func TestRetryBackoffGrows(t *testing.T) {
	var mu sync.Mutex
	var callTimes []time.Time
	agents := agent.NewRegistry()
	agents.Register(agent.Func("broken", func(ctx context.Context, input agent.Input) (agent.Output, error) {
		mu.Lock()
		callTimes = append(callTimes, time.Now())
		mu.Unlock()
		return agent.Output{}, errors.New("always down")
	}))
	e := newTestEngine(t, agents)
	ctx := context.Background()

	wf := &workflow.Workflow{
		Name:  "backoff",
		Steps: []workflow.Step{{ID: "s1", AgentType: "broken", Retries: 2, RetryDelay: "40ms"}},
	}
	require.NoError(t, e.RegisterWorkflow(ctx, wf))

	started, err := e.ExecuteWorkflow(ctx, wf.ID, nil, "")
	require.NoError(t, err)
	final := waitTerminal(t, e, started.ID)
	assert.Equal(t, workflow.StatusFailed, final.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, callTimes, 3)
	// Delay doubles per attempt made: 40ms*2 before the second attempt,
	// 40ms*4 before the third.
	gap1 := callTimes[1].Sub(callTimes[0])
	gap2 := callTimes[2].Sub(callTimes[1])
	assert.GreaterOrEqual(t, gap1, 80*time.Millisecond)
	assert.GreaterOrEqual(t, gap2, 160*time.Millisecond)
	assert.Greater(t, gap2, gap1)
}

func TestRetryBudgetIsNPlusOne(t *testing.T) {
	var calls atomic.Int64
	agents := agent.NewRegistry()
	agents.Register(agent.Func("broken", func(ctx context.Context, input agent.Input) (agent.Output, error) {
		calls.Add(1)
		return agent.Output{}, errors.New("always down")
	}))
	e := newTestEngine(t, agents)
	ctx := context.Background()

	wf := &workflow.Workflow{
		Name:  "budget",
		Steps: []workflow.Step{{ID: "s1", AgentType: "broken", Retries: 2}},
	}
	require.NoError(t, e.RegisterWorkflow(ctx, wf))

	started, err := e.ExecuteWorkflow(ctx, wf.ID, nil, "")
	require.NoError(t, err)
	final := waitTerminal(t, e, started.ID)

	assert.Equal(t, workflow.StatusFailed, final.Status)
	assert.EqualValues(t, 3, calls.Load())
	record, _ := final.StepRecord("s1")
	assert.Equal(t, workflow.StepStatusFailed, record.Status)
	assert.Equal(t, 3, record.Attempts)
	assert.Contains(t, final.Error, "always down")
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	var calls atomic.Int64
	agents := agent.NewRegistry()
	agents.Register(agent.Func("strict", func(ctx context.Context, input agent.Input) (agent.Output, error) {
		calls.Add(1)
		return agent.Output{}, &agent.ProcessError{AgentType: "strict", Reason: "bad input", Permanent: true}
	}))
	e := newTestEngine(t, agents)
	ctx := context.Background()

	wf := &workflow.Workflow{
		Name:  "permanent",
		Steps: []workflow.Step{{ID: "s1", AgentType: "strict", Retries: 5}},
	}
	require.NoError(t, e.RegisterWorkflow(ctx, wf))

	started, err := e.ExecuteWorkflow(ctx, wf.ID, nil, "")
	require.NoError(t, err)
	final := waitTerminal(t, e, started.ID)

	assert.Equal(t, workflow.StatusFailed, final.Status)
	assert.EqualValues(t, 1, calls.Load())
}

func TestTimeoutInterruptsStubbornAgent(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	agents := agent.NewRegistry()
	agents.Register(agent.Func("stubborn", func(ctx context.Context, input agent.Input) (agent.Output, error) {
		// Ignores ctx entirely.
		<-block
		return agent.Output{}, nil
	}))
	e := newTestEngine(t, agents)
	ctx := context.Background()

	wf := &workflow.Workflow{
		Name:  "stuck",
		Steps: []workflow.Step{{ID: "s1", AgentType: "stubborn", Timeout: "50ms"}},
	}
	require.NoError(t, e.RegisterWorkflow(ctx, wf))

	started, err := e.ExecuteWorkflow(ctx, wf.ID, nil, "")
	require.NoError(t, err)
	final := waitTerminal(t, e, started.ID)

	assert.Equal(t, workflow.StatusFailed, final.Status)
	record, _ := final.StepRecord("s1")
	assert.Equal(t, workflow.StepStatusFailed, record.Status)
	assert.Contains(t, record.Error, "timed out")
}

func TestTimeoutIsRetriedAsTransient(t *testing.T) {
	var calls atomic.Int64
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	agents := agent.NewRegistry()
	agents.Register(agent.Func("sometimes", func(ctx context.Context, input agent.Input) (agent.Output, error) {
		if calls.Add(1) == 1 {
			<-block
		}
		return agent.Output{Content: map[string]interface{}{"ok": true}}, nil
	}))
	e := newTestEngine(t, agents)
	ctx := context.Background()

	wf := &workflow.Workflow{
		Name:  "recovers",
		Steps: []workflow.Step{{ID: "s1", AgentType: "sometimes", Timeout: "50ms", Retries: 1, RetryDelay: "1ms"}},
	}
	require.NoError(t, e.RegisterWorkflow(ctx, wf))

	started, err := e.ExecuteWorkflow(ctx, wf.ID, nil, "")
	require.NoError(t, err)
	final := waitTerminal(t, e, started.ID)

	assert.Equal(t, workflow.StatusCompleted, final.Status)
	record, _ := final.StepRecord("s1")
	assert.Equal(t, 2, record.Attempts)
}

func TestOnFailureContinue(t *testing.T) {
	agents := agent.NewRegistry()
	agents.Register(agent.Func("doomed", func(ctx context.Context, input agent.Input) (agent.Output, error) {
		return agent.Output{}, errors.New("nope")
	}))
	agents.Register(agent.Func("collector", func(ctx context.Context, input agent.Input) (agent.Output, error) {
		return agent.Output{Content: map[string]interface{}{"upstream": input.Content["upstream"]}}, nil
	}))
	e := newTestEngine(t, agents)
	ctx := context.Background()

	wf := &workflow.Workflow{
		Name: "continue",
		Steps: []workflow.Step{
			{ID: "s1", AgentType: "doomed", OnFailure: workflow.OnFailureContinue},
			{
				ID:        "s2",
				AgentType: "collector",
				InputMappings: []workflow.Mapping{
					{Source: "steps", Path: "s1.value", Target: "upstream", Default: "fallback"},
				},
				OutputMappings: []workflow.Mapping{{Path: "upstream", Target: "output.upstream"}},
			},
		},
	}
	require.NoError(t, e.RegisterWorkflow(ctx, wf))

	started, err := e.ExecuteWorkflow(ctx, wf.ID, nil, "")
	require.NoError(t, err)
	final := waitTerminal(t, e, started.ID)

	assert.Equal(t, workflow.StatusCompleted, final.Status)
	record, _ := final.StepRecord("s1")
	assert.Equal(t, workflow.StepStatusFailed, record.Status)
	assert.Equal(t, "fallback", final.OutputData["upstream"])
}

func TestOnFailureSkipDowngradesStep(t *testing.T) {
	agents := agent.NewRegistry()
	agents.Register(agent.Func("doomed", func(ctx context.Context, input agent.Input) (agent.Output, error) {
		return agent.Output{}, errors.New("nope")
	}))
	agents.Register(staticAgent("after", map[string]interface{}{"done": true}))
	e := newTestEngine(t, agents)
	ctx := context.Background()

	wf := &workflow.Workflow{
		Name: "skip",
		Steps: []workflow.Step{
			{ID: "s1", AgentType: "doomed", OnFailure: workflow.OnFailureSkip},
			{ID: "s2", AgentType: "after"},
		},
	}
	require.NoError(t, e.RegisterWorkflow(ctx, wf))

	started, err := e.ExecuteWorkflow(ctx, wf.ID, nil, "")
	require.NoError(t, err)
	final := waitTerminal(t, e, started.ID)

	assert.Equal(t, workflow.StatusCompleted, final.Status)
	record, _ := final.StepRecord("s1")
	assert.Equal(t, workflow.StepStatusSkipped, record.Status)
}

func TestConditionSkipsStep(t *testing.T) {
	agents := agent.NewRegistry()
	agents.Register(staticAgent("small", map[string]interface{}{"value": float64(2)}))
	agents.Register(staticAgent("gated", map[string]interface{}{"ran": true}))
	e := newTestEngine(t, agents)
	ctx := context.Background()

	wf := &workflow.Workflow{
		Name: "gated",
		Steps: []workflow.Step{
			{ID: "step-1", AgentType: "small"},
			{
				ID:             "step-2",
				AgentType:      "gated",
				Condition:      "steps['step-1']['value'] > 5",
				OutputMappings: []workflow.Mapping{{Path: "ran", Target: "output.ran"}},
			},
		},
	}
	require.NoError(t, e.RegisterWorkflow(ctx, wf))

	started, err := e.ExecuteWorkflow(ctx, wf.ID, nil, "")
	require.NoError(t, err)
	final := waitTerminal(t, e, started.ID)

	assert.Equal(t, workflow.StatusCompleted, final.Status)
	record, _ := final.StepRecord("step-2")
	assert.Equal(t, workflow.StepStatusSkipped, record.Status)
	// A skipped step contributes nothing to the output.
	_, present := final.OutputData["ran"]
	assert.False(t, present)
}

func TestCancelStopsExecution(t *testing.T) {
	blocking := make(chan struct{})
	agents := agent.NewRegistry()
	agents.Register(agent.Func("slow", func(ctx context.Context, input agent.Input) (agent.Output, error) {
		close(blocking)
		<-ctx.Done()
		return agent.Output{}, ctx.Err()
	}))
	agents.Register(staticAgent("never", map[string]interface{}{"ran": true}))
	e := newTestEngine(t, agents)
	ctx := context.Background()

	wf := &workflow.Workflow{
		Name: "cancellable",
		Steps: []workflow.Step{
			{ID: "s1", AgentType: "slow", Timeout: "30s"},
			{ID: "s2", AgentType: "never"},
		},
	}
	require.NoError(t, e.RegisterWorkflow(ctx, wf))

	started, err := e.ExecuteWorkflow(ctx, wf.ID, nil, "")
	require.NoError(t, err)

	<-blocking
	require.NoError(t, e.CancelExecution(ctx, started.ID))

	final := waitTerminal(t, e, started.ID)
	assert.Equal(t, workflow.StatusCancelled, final.Status)
	record, _ := final.StepRecord("s2")
	assert.Equal(t, workflow.StepStatusPending, record.Status)

	// Cancelling a finished execution is a no-op.
	require.NoError(t, e.CancelExecution(ctx, started.ID))
	again, err := e.GetExecutionStatus(ctx, started.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCancelled, again.Status)
}

func TestCancelInterruptsStubbornAgent(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	startedCh := make(chan struct{})
	agents := agent.NewRegistry()
	agents.Register(agent.Func("stubborn", func(ctx context.Context, input agent.Input) (agent.Output, error) {
		close(startedCh)
		// Never observes ctx; the driver must not wait for it.
		<-block
		return agent.Output{}, nil
	}))
	e := newTestEngine(t, agents)
	ctx := context.Background()

	wf := &workflow.Workflow{
		Name:  "uncooperative",
		Steps: []workflow.Step{{ID: "s1", AgentType: "stubborn", Timeout: "30s"}},
	}
	require.NoError(t, e.RegisterWorkflow(ctx, wf))

	started, err := e.ExecuteWorkflow(ctx, wf.ID, nil, "")
	require.NoError(t, err)

	<-startedCh
	require.NoError(t, e.CancelExecution(ctx, started.ID))

	final := waitTerminal(t, e, started.ID)
	assert.Equal(t, workflow.StatusCancelled, final.Status)
	record, _ := final.StepRecord("s1")
	assert.Contains(t, record.Error, "cancelled")
}

func TestRegisterValidation(t *testing.T) {
	agents := agent.NewRegistry()
	agents.Register(staticAgent("known", nil))
	e := newTestEngine(t, agents)
	ctx := context.Background()

	cases := []struct {
		name string
		wf   *workflow.Workflow
	}{
		{"no steps", &workflow.Workflow{Name: "empty"}},
		{"no name", &workflow.Workflow{Steps: []workflow.Step{{ID: "a", AgentType: "known"}}}},
		{"duplicate ids", &workflow.Workflow{Name: "dup", Steps: []workflow.Step{
			{ID: "a", AgentType: "known"}, {ID: "a", AgentType: "known"},
		}}},
		{"unknown agent", &workflow.Workflow{Name: "ua", Steps: []workflow.Step{{ID: "a", AgentType: "ghost"}}}},
		{"forward mapping reference", &workflow.Workflow{Name: "fwd", Steps: []workflow.Step{
			{ID: "a", AgentType: "known", InputMappings: []workflow.Mapping{
				{Source: "steps", Path: "b.value", Target: "x"},
			}},
			{ID: "b", AgentType: "known"},
		}}},
		{"self reference", &workflow.Workflow{Name: "self", Steps: []workflow.Step{
			{ID: "a", AgentType: "known", InputMappings: []workflow.Mapping{
				{Source: "steps", Path: "a.value", Target: "x"},
			}},
		}}},
		{"forward condition reference", &workflow.Workflow{Name: "fcond", Steps: []workflow.Step{
			{ID: "a", AgentType: "known", Condition: "steps['b'].ok"},
			{ID: "b", AgentType: "known"},
		}}},
		{"bad condition", &workflow.Workflow{Name: "bc", Steps: []workflow.Step{
			{ID: "a", AgentType: "known", Condition: "x >"},
		}}},
		{"bad transform", &workflow.Workflow{Name: "bt", Steps: []workflow.Step{
			{ID: "a", AgentType: "known", InputMappings: []workflow.Mapping{
				{Source: "input", Path: "x", Target: "x", Transform: "reverse"},
			}},
		}}},
		{"bad on_failure", &workflow.Workflow{Name: "bo", Steps: []workflow.Step{
			{ID: "a", AgentType: "known", OnFailure: "retry"},
		}}},
		{"bad duration", &workflow.Workflow{Name: "bd", Steps: []workflow.Step{
			{ID: "a", AgentType: "known", Timeout: "soon"},
		}}},
		{"negative retries", &workflow.Workflow{Name: "nr", Steps: []workflow.Step{
			{ID: "a", AgentType: "known", Retries: -1},
		}}},
	}
	for _, tc := range cases {
		err := e.RegisterWorkflow(ctx, tc.wf)
		require.Error(t, err, tc.name)
		var ce *workflow.ConfigurationError
		assert.True(t, errors.As(err, &ce), tc.name)
	}
}

func TestUpdateWorkflowBumpsVersion(t *testing.T) {
	agents := agent.NewRegistry()
	agents.Register(staticAgent("known", nil))
	e := newTestEngine(t, agents)
	ctx := context.Background()

	wf := &workflow.Workflow{Name: "v", Steps: []workflow.Step{{ID: "a", AgentType: "known"}}}
	require.NoError(t, e.RegisterWorkflow(ctx, wf))
	assert.Equal(t, 1, wf.Version)

	revised := &workflow.Workflow{
		ID:   wf.ID,
		Name: "v",
		Steps: []workflow.Step{
			{ID: "a", AgentType: "known"},
			{ID: "b", AgentType: "known"},
		},
	}
	require.NoError(t, e.UpdateWorkflow(ctx, revised))
	assert.Equal(t, 2, revised.Version)

	stored, err := e.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Version)
	assert.Len(t, stored.Steps, 2)
}

func TestExecuteUnknownWorkflow(t *testing.T) {
	e := newTestEngine(t, agent.NewRegistry())
	_, err := e.ExecuteWorkflow(context.Background(), "missing", nil, "")
	assert.ErrorIs(t, err, workflow.ErrWorkflowNotFound)
}

func TestShutdownRejectsNewWork(t *testing.T) {
	agents := agent.NewRegistry()
	agents.Register(staticAgent("known", nil))
	e := workflow.NewEngine(storage.NewMemory(), agents, nil, nil, workflow.Options{})
	ctx := context.Background()

	wf := &workflow.Workflow{Name: "w", Steps: []workflow.Step{{ID: "a", AgentType: "known"}}}
	require.NoError(t, e.RegisterWorkflow(ctx, wf))
	require.NoError(t, e.Shutdown(ctx))

	_, err := e.ExecuteWorkflow(ctx, wf.ID, nil, "")
	assert.ErrorIs(t, err, workflow.ErrEngineClosed)
}

func TestListExecutionsFilter(t *testing.T) {
	agents := agent.NewRegistry()
	agents.Register(staticAgent("known", map[string]interface{}{"ok": true}))
	e := newTestEngine(t, agents)
	ctx := context.Background()

	wf := &workflow.Workflow{Name: "w", Steps: []workflow.Step{{ID: "a", AgentType: "known"}}}
	require.NoError(t, e.RegisterWorkflow(ctx, wf))

	var ids []string
	for i := 0; i < 3; i++ {
		exec, err := e.ExecuteWorkflow(ctx, wf.ID, nil, "alice")
		require.NoError(t, err)
		ids = append(ids, exec.ID)
	}
	for _, id := range ids {
		waitTerminal(t, e, id)
	}

	byUser, err := e.ListExecutions(ctx, workflow.ExecutionFilter{UserID: "alice"})
	require.NoError(t, err)
	assert.Len(t, byUser, 3)

	completed, err := e.ListExecutions(ctx, workflow.ExecutionFilter{WorkflowID: wf.ID, Status: workflow.StatusCompleted})
	require.NoError(t, err)
	assert.Len(t, completed, 3)

	none, err := e.ListExecutions(ctx, workflow.ExecutionFilter{UserID: "bob"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLifecycleEventsPublished(t *testing.T) {
	mem := broker.NewMemory(0)
	eventBus := bus.New(mem, nil, bus.Options{})
	defer eventBus.Close()

	agents := agent.NewRegistry()
	agents.Register(staticAgent("known", map[string]interface{}{"ok": true}))
	e := workflow.NewEngine(storage.NewMemory(), agents, eventBus, nil, workflow.Options{})
	defer e.Shutdown(context.Background())
	ctx := context.Background()

	wf := &workflow.Workflow{Name: "observed", Steps: []workflow.Step{{ID: "a", AgentType: "known"}}}
	require.NoError(t, e.RegisterWorkflow(ctx, wf))

	started, err := e.ExecuteWorkflow(ctx, wf.ID, nil, "")
	require.NoError(t, err)
	waitTerminal(t, e, started.ID)

	var types []string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := mem.Range(ctx, workflow.EventStream, "0", 0)
		require.NoError(t, err)
		types = types[:0]
		for _, entry := range entries {
			types = append(types, eventTypeOf(t, entry))
		}
		if len(types) >= 4 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, []string{
		workflow.EventWorkflowRegistered,
		workflow.EventWorkflowStarted,
		workflow.EventStepCompleted,
		workflow.EventWorkflowCompleted,
	}, types)
}

func eventTypeOf(t *testing.T, entry broker.Entry) string {
	t.Helper()
	raw, ok := entry.Values["data"].(string)
	require.True(t, ok)
	var envelope struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &envelope))
	return envelope.Type
}
