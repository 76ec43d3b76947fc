package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/flowmesh/flowmesh/internal/workflow"
)

// Memory is an in-process Repository. All reads and writes go through
// deep copies so callers can never mutate stored state in place.
type Memory struct {
	mu         sync.RWMutex
	workflows  map[string]*workflow.Workflow
	executions map[string]*workflow.Execution
	execOrder  []string
	triggers   map[string]*workflow.Trigger

	updateMu sync.Mutex
	updating map[string]*sync.Mutex
}

func NewMemory() *Memory {
	return &Memory{
		workflows:  make(map[string]*workflow.Workflow),
		executions: make(map[string]*workflow.Execution),
		triggers:   make(map[string]*workflow.Trigger),
		updating:   make(map[string]*sync.Mutex),
	}
}

func (m *Memory) SaveWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[wf.ID] = workflow.CloneWorkflow(wf)
	return nil
}

func (m *Memory) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return workflow.CloneWorkflow(wf), nil
}

func (m *Memory) ListWorkflows(ctx context.Context, activeOnly bool, limit, offset int) ([]*workflow.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*workflow.Workflow, 0, len(m.workflows))
	for _, wf := range m.workflows {
		if activeOnly && !wf.Active {
			continue
		}
		out = append(out, workflow.CloneWorkflow(wf))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, limit, offset), nil
}

func (m *Memory) SaveExecution(ctx context.Context, exec *workflow.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.executions[exec.ID]; !exists {
		m.execOrder = append(m.execOrder, exec.ID)
	}
	m.executions[exec.ID] = exec.Clone()
	return nil
}

func (m *Memory) GetExecution(ctx context.Context, id string) (*workflow.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return exec.Clone(), nil
}

func (m *Memory) UpdateExecution(ctx context.Context, id string, fn func(*workflow.Execution) error) (*workflow.Execution, error) {
	lock := m.executionLock(id)
	lock.Lock()
	defer lock.Unlock()

	exec, err := m.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(exec); err != nil {
		return nil, err
	}
	if err := m.SaveExecution(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

func (m *Memory) ListExecutions(ctx context.Context, filter workflow.ExecutionFilter) ([]*workflow.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*workflow.Execution, 0, len(m.execOrder))
	for _, id := range m.execOrder {
		exec := m.executions[id]
		if exec == nil || !matchesFilter(exec, filter) {
			continue
		}
		out = append(out, exec.Clone())
	}
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (m *Memory) SaveTrigger(ctx context.Context, trigger *workflow.Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers[trigger.ID] = trigger.Clone()
	return nil
}

func (m *Memory) GetTrigger(ctx context.Context, id string) (*workflow.Trigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	trigger, ok := m.triggers[id]
	if !ok {
		return nil, ErrTriggerNotFound
	}
	return trigger.Clone(), nil
}

func (m *Memory) ListTriggers(ctx context.Context) ([]*workflow.Trigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*workflow.Trigger, 0, len(m.triggers))
	for _, trigger := range m.triggers {
		out = append(out, trigger.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DeleteTrigger(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.triggers, id)
	return nil
}

func (m *Memory) executionLock(id string) *sync.Mutex {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()
	lock, ok := m.updating[id]
	if !ok {
		lock = &sync.Mutex{}
		m.updating[id] = lock
	}
	return lock
}
