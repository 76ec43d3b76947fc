package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/internal/agent"
)

// stubRepo is an in-package Repository for scheduler tests, coarse-locked
// and clone-on-access like the real backends.
type stubRepo struct {
	mu         sync.Mutex
	workflows  map[string]*Workflow
	executions map[string]*Execution
	execOrder  []string
	triggers   map[string]*Trigger
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		workflows:  make(map[string]*Workflow),
		executions: make(map[string]*Execution),
		triggers:   make(map[string]*Trigger),
	}
}

func (r *stubRepo) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[wf.ID] = CloneWorkflow(wf)
	return nil
}

func (r *stubRepo) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wf, ok := r.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return CloneWorkflow(wf), nil
}

func (r *stubRepo) ListWorkflows(ctx context.Context, activeOnly bool, limit, offset int) ([]*Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Workflow, 0, len(r.workflows))
	for _, wf := range r.workflows {
		if activeOnly && !wf.Active {
			continue
		}
		out = append(out, CloneWorkflow(wf))
	}
	return out, nil
}

func (r *stubRepo) SaveExecution(ctx context.Context, exec *Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saveExecutionLocked(exec)
	return nil
}

func (r *stubRepo) saveExecutionLocked(exec *Execution) {
	if _, exists := r.executions[exec.ID]; !exists {
		r.execOrder = append(r.execOrder, exec.ID)
	}
	r.executions[exec.ID] = exec.Clone()
}

func (r *stubRepo) GetExecution(ctx context.Context, id string) (*Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return exec.Clone(), nil
}

func (r *stubRepo) UpdateExecution(ctx context.Context, id string, fn func(*Execution) error) (*Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	exec := stored.Clone()
	if err := fn(exec); err != nil {
		return nil, err
	}
	r.saveExecutionLocked(exec)
	return exec, nil
}

func (r *stubRepo) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Execution, 0, len(r.execOrder))
	for _, id := range r.execOrder {
		exec := r.executions[id]
		if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.UserID != "" && exec.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		out = append(out, exec.Clone())
	}
	return out, nil
}

func (r *stubRepo) SaveTrigger(ctx context.Context, trigger *Trigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers[trigger.ID] = trigger.Clone()
	return nil
}

func (r *stubRepo) GetTrigger(ctx context.Context, id string) (*Trigger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	trigger, ok := r.triggers[id]
	if !ok {
		return nil, ErrTriggerNotFound
	}
	return trigger.Clone(), nil
}

func (r *stubRepo) ListTriggers(ctx context.Context) ([]*Trigger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Trigger, 0, len(r.triggers))
	for _, trigger := range r.triggers {
		out = append(out, trigger.Clone())
	}
	return out, nil
}

func (r *stubRepo) DeleteTrigger(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.triggers, id)
	return nil
}

func newSchedulerFixture(t *testing.T) (*stubRepo, *Engine, *Scheduler, *Workflow) {
	t.Helper()
	repo := newStubRepo()
	agents := agent.NewRegistry()
	agents.Register(agent.Func("quick", func(ctx context.Context, input agent.Input) (agent.Output, error) {
		return agent.Output{Content: map[string]interface{}{"ok": true}}, nil
	}))
	e := NewEngine(repo, agents, nil, nil, Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Shutdown(ctx)
	})

	wf := &Workflow{Name: "scheduled", Steps: []Step{{ID: "a", AgentType: "quick"}}}
	require.NoError(t, e.RegisterWorkflow(context.Background(), wf))

	return repo, e, NewScheduler(e, nil), wf
}

func TestAddTriggerPersists(t *testing.T) {
	repo, _, s, wf := newSchedulerFixture(t)
	ctx := context.Background()

	trigger := &Trigger{
		WorkflowID: wf.ID,
		Type:       TriggerTypeSchedule,
		Config:     TriggerConfig{CronExpression: "0 0 * * * *"},
	}
	require.NoError(t, s.AddTrigger(ctx, trigger))

	stored, err := repo.GetTrigger(ctx, trigger.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, stored.WorkflowID)
	assert.True(t, stored.Enabled)

	require.NoError(t, s.RemoveTrigger(ctx, trigger.ID))
	_, err = repo.GetTrigger(ctx, trigger.ID)
	assert.ErrorIs(t, err, ErrTriggerNotFound)
	assert.Empty(t, s.Triggers())
}

func TestAddTriggerRejectsBadCron(t *testing.T) {
	repo, _, s, wf := newSchedulerFixture(t)

	trigger := &Trigger{
		WorkflowID: wf.ID,
		Type:       TriggerTypeSchedule,
		Config:     TriggerConfig{CronExpression: "not a cron"},
	}
	require.Error(t, s.AddTrigger(context.Background(), trigger))
	triggers, err := repo.ListTriggers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, triggers)
}

func TestRestoreReactivatesPersistedTriggers(t *testing.T) {
	repo, e, s, wf := newSchedulerFixture(t)
	ctx := context.Background()

	trigger := &Trigger{
		WorkflowID: wf.ID,
		Type:       TriggerTypeSchedule,
		Config:     TriggerConfig{CronExpression: "0 0 * * * *"},
	}
	require.NoError(t, s.AddTrigger(ctx, trigger))

	// A fresh scheduler, as after a process restart.
	restored := NewScheduler(e, nil)
	require.NoError(t, restored.Restore(ctx))
	require.Len(t, restored.Triggers(), 1)

	restored.fire(trigger.ID)
	executions, err := e.ListExecutions(ctx, ExecutionFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	assert.Len(t, executions, 1)

	stored, err := repo.GetTrigger(ctx, trigger.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.RunCount)
	assert.NotNil(t, stored.LastRun)
}

func TestDisableTriggerStopsFiring(t *testing.T) {
	repo, e, s, wf := newSchedulerFixture(t)
	ctx := context.Background()

	trigger := &Trigger{
		WorkflowID: wf.ID,
		Type:       TriggerTypeSchedule,
		Config:     TriggerConfig{CronExpression: "0 0 * * * *"},
	}
	require.NoError(t, s.AddTrigger(ctx, trigger))
	require.NoError(t, s.DisableTrigger(ctx, trigger.ID))

	s.fire(trigger.ID)
	executions, err := e.ListExecutions(ctx, ExecutionFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	assert.Empty(t, executions)

	stored, err := repo.GetTrigger(ctx, trigger.ID)
	require.NoError(t, err)
	assert.False(t, stored.Enabled)

	require.NoError(t, s.EnableTrigger(ctx, trigger.ID))
	s.fire(trigger.ID)
	executions, err = e.ListExecutions(ctx, ExecutionFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	assert.Len(t, executions, 1)
}

func TestSkipIfRunningSuppressesFiring(t *testing.T) {
	repo, e, s, wf := newSchedulerFixture(t)
	ctx := context.Background()

	trigger := &Trigger{
		WorkflowID: wf.ID,
		Type:       TriggerTypeSchedule,
		Config: TriggerConfig{
			CronExpression: "0 0 * * * *",
			SkipIfRunning:  true,
		},
	}
	require.NoError(t, s.AddTrigger(ctx, trigger))

	// A live execution is already in flight for the workflow.
	require.NoError(t, repo.SaveExecution(ctx, &Execution{
		ID:         "live",
		WorkflowID: wf.ID,
		Status:     StatusRunning,
	}))

	s.fire(trigger.ID)
	executions, err := e.ListExecutions(ctx, ExecutionFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	assert.Len(t, executions, 1)

	stored, err := repo.GetTrigger(ctx, trigger.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.RunCount)
}

func TestEnableUnknownTrigger(t *testing.T) {
	_, _, s, _ := newSchedulerFixture(t)
	assert.ErrorIs(t, s.EnableTrigger(context.Background(), "ghost"), ErrTriggerNotFound)
	assert.ErrorIs(t, s.RemoveTrigger(context.Background(), "ghost"), ErrTriggerNotFound)
}
