package workflow

import "context"

// ExecutionFilter narrows ListExecutions. Zero values match everything.
type ExecutionFilter struct {
	WorkflowID string
	UserID     string
	Status     Status
	Limit      int
	Offset     int
}

// Repository is the persistence contract the engine runs against; the
// storage package provides Redis and in-memory backends. UpdateExecution
// applies fn inside a per-execution critical section so concurrent
// read-modify-write cycles on the same record serialize; returning an
// error from fn abandons the write.
type Repository interface {
	SaveWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context, activeOnly bool, limit, offset int) ([]*Workflow, error)

	SaveExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, fn func(*Execution) error) (*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	SaveTrigger(ctx context.Context, trigger *Trigger) error
	GetTrigger(ctx context.Context, id string) (*Trigger, error)
	ListTriggers(ctx context.Context) ([]*Trigger, error)
	DeleteTrigger(ctx context.Context, id string) error
}
