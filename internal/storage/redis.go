package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/flowmesh/flowmesh/internal/workflow"
)

const (
	workflowKeyPrefix  = "workflow:"
	executionKeyPrefix = "execution:"
	triggerKeyPrefix   = "trigger:"
	workflowsListKey   = "workflows:list"
	executionsListKey  = "executions:list"
	triggersListKey    = "triggers:list"
)

// Redis stores definitions and executions as JSON blobs keyed by id,
// with set indexes for listing. Update serialization is per process; run
// a single engine per execution or layer a distributed lock on top.
type Redis struct {
	client *redis.Client

	updateMu sync.Mutex
	updating map[string]*sync.Mutex
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{
		client:   client,
		updating: make(map[string]*sync.Mutex),
	}
}

func (r *Redis) SaveWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}
	key := workflowKeyPrefix + wf.ID
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, key, data, 0)
	pipe.SAdd(ctx, workflowsListKey, wf.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	return nil
}

func (r *Redis) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	data, err := r.client.Get(ctx, workflowKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	var wf workflow.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
	}
	return &wf, nil
}

func (r *Redis) ListWorkflows(ctx context.Context, activeOnly bool, limit, offset int) ([]*workflow.Workflow, error) {
	ids, err := r.client.SMembers(ctx, workflowsListKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	out := make([]*workflow.Workflow, 0, len(ids))
	for _, id := range ids {
		wf, err := r.GetWorkflow(ctx, id)
		if err == ErrWorkflowNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if activeOnly && !wf.Active {
			continue
		}
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, limit, offset), nil
}

func (r *Redis) SaveExecution(ctx context.Context, exec *workflow.Execution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}
	key := executionKeyPrefix + exec.ID
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, key, data, 0)
	pipe.SAdd(ctx, executionsListKey, exec.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

func (r *Redis) GetExecution(ctx context.Context, id string) (*workflow.Execution, error) {
	data, err := r.client.Get(ctx, executionKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	var exec workflow.Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}
	return &exec, nil
}

func (r *Redis) UpdateExecution(ctx context.Context, id string, fn func(*workflow.Execution) error) (*workflow.Execution, error) {
	lock := r.executionLock(id)
	lock.Lock()
	defer lock.Unlock()

	exec, err := r.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(exec); err != nil {
		return nil, err
	}
	if err := r.SaveExecution(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

func (r *Redis) ListExecutions(ctx context.Context, filter workflow.ExecutionFilter) ([]*workflow.Execution, error) {
	ids, err := r.client.SMembers(ctx, executionsListKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	out := make([]*workflow.Execution, 0, len(ids))
	for _, id := range ids {
		exec, err := r.GetExecution(ctx, id)
		if err == ErrExecutionNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !matchesFilter(exec, filter) {
			continue
		}
		out = append(out, exec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (r *Redis) SaveTrigger(ctx context.Context, trigger *workflow.Trigger) error {
	data, err := json.Marshal(trigger)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, triggerKeyPrefix+trigger.ID, data, 0)
	pipe.SAdd(ctx, triggersListKey, trigger.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save trigger: %w", err)
	}
	return nil
}

func (r *Redis) GetTrigger(ctx context.Context, id string) (*workflow.Trigger, error) {
	data, err := r.client.Get(ctx, triggerKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, ErrTriggerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trigger: %w", err)
	}
	var trigger workflow.Trigger
	if err := json.Unmarshal(data, &trigger); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger: %w", err)
	}
	return &trigger, nil
}

func (r *Redis) ListTriggers(ctx context.Context) ([]*workflow.Trigger, error) {
	ids, err := r.client.SMembers(ctx, triggersListKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}
	out := make([]*workflow.Trigger, 0, len(ids))
	for _, id := range ids {
		trigger, err := r.GetTrigger(ctx, id)
		if err == ErrTriggerNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, trigger)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Redis) DeleteTrigger(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, triggerKeyPrefix+id)
	pipe.SRem(ctx, triggersListKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete trigger: %w", err)
	}
	return nil
}

func (r *Redis) executionLock(id string) *sync.Mutex {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()
	lock, ok := r.updating[id]
	if !ok {
		lock = &sync.Mutex{}
		r.updating[id] = lock
	}
	return lock
}
