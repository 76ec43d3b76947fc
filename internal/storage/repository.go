// Package storage provides the persistence backends for workflow
// definitions and execution records: Redis for production and an
// in-memory store for tests and single-process use. Both implement
// workflow.Repository.
package storage

import (
	"github.com/flowmesh/flowmesh/internal/workflow"
)

// Lookup failures are reported with the engine's sentinel errors so
// callers can test with errors.Is regardless of backend.
var (
	ErrWorkflowNotFound  = workflow.ErrWorkflowNotFound
	ErrExecutionNotFound = workflow.ErrExecutionNotFound
	ErrTriggerNotFound   = workflow.ErrTriggerNotFound
)

func matchesFilter(exec *workflow.Execution, filter workflow.ExecutionFilter) bool {
	if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
		return false
	}
	if filter.UserID != "" && exec.UserID != filter.UserID {
		return false
	}
	if filter.Status != "" && exec.Status != filter.Status {
		return false
	}
	return true
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
