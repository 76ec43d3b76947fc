package workflow

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the engine's lookup operations.
var (
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrTriggerNotFound   = errors.New("trigger not found")
	ErrEngineClosed      = errors.New("engine is shut down")
)

// ConfigurationError reports an invalid workflow definition detected at
// registration time. It is never retried.
type ConfigurationError struct {
	WorkflowID string
	StepID     string
	Reason     string
}

func (e *ConfigurationError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("invalid workflow %s: step %s: %s", e.WorkflowID, e.StepID, e.Reason)
	}
	return fmt.Sprintf("invalid workflow %s: %s", e.WorkflowID, e.Reason)
}

// TransientError marks a failure worth retrying, such as an attempt
// timeout or an agent signalling a temporary fault. The retry loop never
// treats a transient failure as permanent.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// TerminalStepFailure is a step failure with its retry budget spent. The
// engine resolves it against the step's on_failure policy.
type TerminalStepFailure struct {
	StepID   string
	Attempts int
	Err      error
}

func (e *TerminalStepFailure) Error() string {
	return fmt.Sprintf("step %s failed after %d attempts: %v", e.StepID, e.Attempts, e.Err)
}

func (e *TerminalStepFailure) Unwrap() error { return e.Err }

// CancellationError records that an execution stopped because a cancel
// was requested, not because anything went wrong.
type CancellationError struct {
	ExecutionID string
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("execution %s cancelled", e.ExecutionID)
}

// BusDeliveryFailure reports that a lifecycle event could not be handed
// to the bus. Delivery is best effort; the failure is logged and never
// escalated into the execution path.
type BusDeliveryFailure struct {
	Stream string
	Err    error
}

func (e *BusDeliveryFailure) Error() string {
	return fmt.Sprintf("failed to deliver event to %s: %v", e.Stream, e.Err)
}

func (e *BusDeliveryFailure) Unwrap() error { return e.Err }
