package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/flowmesh/internal/agent"
	"github.com/flowmesh/flowmesh/internal/bus"
	"github.com/flowmesh/flowmesh/internal/logging"
)

// Options tunes the engine. Zero values take defaults.
type Options struct {
	MaxConcurrentExecutions int
	DefaultStepTimeout      time.Duration
	DefaultRetryDelay       time.Duration
	Source                  string
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxConcurrentExecutions <= 0 {
		out.MaxConcurrentExecutions = 16
	}
	if out.DefaultStepTimeout <= 0 {
		out.DefaultStepTimeout = 60 * time.Second
	}
	if out.DefaultRetryDelay <= 0 {
		out.DefaultRetryDelay = time.Second
	}
	if out.Source == "" {
		out.Source = "workflow-engine"
	}
	return out
}

// Engine registers workflow definitions and drives executions through
// their steps. Each execution runs on its own goroutine, bounded by a
// concurrency semaphore; all state transitions go through the repository
// so a restarted process can inspect where every run stood.
type Engine struct {
	repo   Repository
	agents *agent.Registry
	bus    *bus.Bus
	logger *logging.Logger
	opts   Options

	sem chan struct{}
	wg  sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool

	baseCtx context.Context
	stop    context.CancelFunc
}

// NewEngine wires an engine from its dependencies. The bus may be nil;
// lifecycle events are then dropped.
func NewEngine(repo Repository, agents *agent.Registry, b *bus.Bus, logger *logging.Logger, opts Options) *Engine {
	opts = (&opts).withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		repo:    repo,
		agents:  agents,
		bus:     b,
		logger:  logging.OrNop(logger),
		opts:    opts,
		sem:     make(chan struct{}, opts.MaxConcurrentExecutions),
		cancels: make(map[string]context.CancelFunc),
		baseCtx: ctx,
		stop:    cancel,
	}
}

// RegisterWorkflow validates and persists a new definition at version 1.
// Validation is strict: step ids must be unique, agent types known,
// mappings and conditions may only reference earlier steps, and every
// condition must compile. A workflow that registers is guaranteed not to
// fail later for structural reasons.
func (e *Engine) RegisterWorkflow(ctx context.Context, wf *Workflow) error {
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	if wf.Version == 0 {
		wf.Version = 1
	}
	if err := e.validateWorkflow(wf); err != nil {
		return err
	}
	now := time.Now().UTC()
	wf.CreatedAt = now
	wf.UpdatedAt = now
	if !wf.Draft {
		wf.Active = true
	}
	if err := e.repo.SaveWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	e.logger.Info("engine", "workflow registered", map[string]interface{}{
		"workflow_id": wf.ID,
		"version":     wf.Version,
		"steps":       len(wf.Steps),
	})
	e.publishEvent(ctx, EventWorkflowRegistered, map[string]interface{}{
		"workflow_id": wf.ID,
		"version":     wf.Version,
	})
	return nil
}

// UpdateWorkflow validates a revised definition and persists it with a
// bumped version. In-flight executions keep the version they started on.
func (e *Engine) UpdateWorkflow(ctx context.Context, wf *Workflow) error {
	existing, err := e.repo.GetWorkflow(ctx, wf.ID)
	if err != nil {
		return err
	}
	if err := e.validateWorkflow(wf); err != nil {
		return err
	}
	wf.Version = existing.Version + 1
	wf.CreatedAt = existing.CreatedAt
	wf.UpdatedAt = time.Now().UTC()
	if !wf.Draft {
		wf.Active = true
	}
	if err := e.repo.SaveWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	e.logger.Info("engine", "workflow updated", map[string]interface{}{
		"workflow_id": wf.ID,
		"version":     wf.Version,
	})
	return nil
}

// GetWorkflow returns a stored definition.
func (e *Engine) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	return e.repo.GetWorkflow(ctx, id)
}

// ListWorkflows returns stored definitions.
func (e *Engine) ListWorkflows(ctx context.Context, activeOnly bool, limit, offset int) ([]*Workflow, error) {
	return e.repo.ListWorkflows(ctx, activeOnly, limit, offset)
}

// ExecuteWorkflow creates an execution for the workflow's current version
// and starts driving it asynchronously. The returned record is the
// initial Pending snapshot; poll GetExecutionStatus for progress.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID string, input map[string]interface{}, userID string) (*Execution, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	e.mu.Unlock()

	wf, err := e.repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !wf.Active {
		return nil, &ConfigurationError{WorkflowID: workflowID, Reason: "workflow is not active"}
	}

	now := time.Now().UTC()
	exec := &Execution{
		ID:              uuid.New().String(),
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		Status:          StatusPending,
		InputData:       input,
		OutputData:      make(map[string]interface{}),
		Context:         make(map[string]interface{}),
		Steps:           make([]ExecutionStep, len(wf.Steps)),
		UserID:          userID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for i := range wf.Steps {
		exec.Steps[i] = ExecutionStep{StepID: wf.Steps[i].ID, Status: StepStatusPending}
	}
	if err := e.repo.SaveExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to save execution: %w", err)
	}

	runCtx, cancel := context.WithCancel(e.baseCtx)
	e.mu.Lock()
	e.cancels[exec.ID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go e.drive(runCtx, wf, exec.ID)

	return exec.Clone(), nil
}

// CancelExecution requests cooperative cancellation. The flag is durable;
// a running driver observes it at the next step boundary and the in-flight
// attempt is interrupted through its context. Cancelling a terminal
// execution is a no-op.
func (e *Engine) CancelExecution(ctx context.Context, id string) error {
	_, err := e.repo.UpdateExecution(ctx, id, func(exec *Execution) error {
		if exec.Status.Terminal() {
			return nil
		}
		exec.CancelRequested = true
		exec.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return err
	}
	e.mu.Lock()
	cancel := e.cancels[id]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// GetExecutionStatus returns the durable execution record.
func (e *Engine) GetExecutionStatus(ctx context.Context, id string) (*Execution, error) {
	return e.repo.GetExecution(ctx, id)
}

// ListExecutions returns execution records matching the filter.
func (e *Engine) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	return e.repo.ListExecutions(ctx, filter)
}

// Shutdown stops accepting work and waits for running executions. When
// ctx expires first, the remaining drivers are interrupted and their
// executions fail with a shutdown error.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.stop()
		<-done
		return ctx.Err()
	}
}

// drive runs one execution start to finish.
func (e *Engine) drive(ctx context.Context, wf *Workflow, execID string) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		if cancel := e.cancels[execID]; cancel != nil {
			cancel()
			delete(e.cancels, execID)
		}
		e.mu.Unlock()
	}()

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		e.finalizeInterrupted(execID)
		return
	}

	if wfTimeout := parseDurationOr(wf.Timeout, 0); wfTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wfTimeout)
		defer cancel()
	}

	conditions, err := compileConditions(wf)
	if err != nil {
		e.finalize(execID, StatusFailed, err.Error())
		return
	}

	exec, err := e.repo.UpdateExecution(ctx, execID, func(x *Execution) error {
		if x.CancelRequested {
			return nil
		}
		now := time.Now().UTC()
		x.Status = StatusRunning
		x.StartedAt = &now
		x.UpdatedAt = now
		return nil
	})
	if err != nil {
		e.logger.Error("engine", "failed to start execution", map[string]interface{}{
			"execution_id": execID,
			"error":        err.Error(),
		})
		return
	}
	if exec.CancelRequested {
		e.finalize(execID, StatusCancelled, "")
		return
	}
	e.publishEvent(ctx, EventWorkflowStarted, map[string]interface{}{
		"workflow_id":  wf.ID,
		"execution_id": execID,
	})

	for i := range wf.Steps {
		step := &wf.Steps[i]

		exec, err = e.repo.UpdateExecution(ctx, execID, func(x *Execution) error {
			x.CurrentStepIndex = i
			x.UpdatedAt = time.Now().UTC()
			return nil
		})
		if err != nil {
			e.logger.Error("engine", "failed to advance execution", map[string]interface{}{
				"execution_id": execID,
				"error":        err.Error(),
			})
			return
		}
		if exec.CancelRequested {
			e.finalize(execID, StatusCancelled, "")
			return
		}
		if ctx.Err() != nil {
			e.finalizeInterrupted(execID)
			return
		}

		if !conditions[i].Evaluate(exec) {
			e.markStepSkipped(ctx, wf, execID, step)
			continue
		}

		outcome := e.runStep(ctx, step, exec, execID)
		switch {
		case outcome.cancelled:
			e.finalize(execID, StatusCancelled, "")
			return
		case outcome.interrupted:
			e.finalizeInterrupted(execID)
			return
		case outcome.err != nil:
			if !e.resolveStepFailure(ctx, wf, execID, step, outcome) {
				return
			}
		}
	}

	final, err := e.repo.GetExecution(context.Background(), execID)
	if err != nil {
		e.logger.Error("engine", "failed to load execution for completion", map[string]interface{}{
			"execution_id": execID,
			"error":        err.Error(),
		})
		return
	}
	e.finalize(execID, StatusCompleted, "")
	e.publishEvent(ctx, EventWorkflowCompleted, map[string]interface{}{
		"workflow_id":  wf.ID,
		"execution_id": execID,
		"output":       final.OutputData,
	})
}

type stepOutcome struct {
	err         error
	attempts    int
	cancelled   bool
	interrupted bool
}

// runStep resolves inputs, then invokes the agent with a per-attempt
// timeout until it succeeds, the retry budget runs out, or a permanent
// failure surfaces. A step with retries N makes at most N+1 attempts.
func (e *Engine) runStep(ctx context.Context, step *Step, exec *Execution, execID string) stepOutcome {
	inputs, err := ResolveInputs(step, exec)
	if err != nil {
		e.recordStepFailure(execID, step.ID, 0, err)
		return stepOutcome{err: err}
	}

	ag, ok := e.agents.Get(step.AgentType)
	if !ok {
		err := &ConfigurationError{WorkflowID: exec.WorkflowID, StepID: step.ID,
			Reason: fmt.Sprintf("agent type %q is not registered", step.AgentType)}
		e.recordStepFailure(execID, step.ID, 0, err)
		return stepOutcome{err: err}
	}

	now := time.Now().UTC()
	if _, err := e.repo.UpdateExecution(ctx, execID, func(x *Execution) error {
		record, ok := x.StepRecord(step.ID)
		if !ok {
			return fmt.Errorf("execution has no record for step %s", step.ID)
		}
		record.Status = StepStatusRunning
		record.Input = inputs
		record.StartedAt = &now
		x.UpdatedAt = now
		return nil
	}); err != nil {
		return stepOutcome{err: fmt.Errorf("failed to mark step running: %w", err)}
	}

	timeout := step.TimeoutOr(e.opts.DefaultStepTimeout)
	retryDelay := step.RetryDelayOr(e.opts.DefaultRetryDelay)

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= step.Retries; attempt++ {
		if ctx.Err() != nil {
			break
		}
		attempts++
		output, err := e.invokeAgent(ctx, ag, step, inputs, exec.Context, timeout)
		if err == nil {
			if rerr := e.recordStepSuccess(execID, step, attempts, output.Content); rerr != nil {
				e.recordStepFailure(execID, step.ID, attempts, rerr)
				return stepOutcome{err: rerr, attempts: attempts}
			}
			return stepOutcome{attempts: attempts}
		}
		lastErr = err
		e.logger.Warn("engine", "step attempt failed", map[string]interface{}{
			"execution_id": execID,
			"step_id":      step.ID,
			"attempt":      attempts,
			"error":        err.Error(),
		})
		if permanentFailure(err) {
			break
		}
		if attempt < step.Retries {
			select {
			case <-time.After(backoffDelay(retryDelay, attempts)):
			case <-ctx.Done():
			}
		}
	}

	if ctx.Err() != nil {
		cancelled := e.cancelWasRequested(execID)
		cause := ctx.Err()
		if cancelled {
			cause = &CancellationError{ExecutionID: execID}
		}
		e.recordStepFailure(execID, step.ID, attempts, cause)
		return stepOutcome{err: cause, attempts: attempts, cancelled: cancelled, interrupted: !cancelled}
	}

	terminal := &TerminalStepFailure{StepID: step.ID, Attempts: attempts, Err: lastErr}
	e.recordStepFailure(execID, step.ID, attempts, terminal)
	return stepOutcome{err: terminal, attempts: attempts}
}

// invokeAgent runs a single attempt against a per-attempt timer. The call
// races the timer so an agent that ignores its context cannot stall the
// driver; a result arriving after the deadline is discarded. An attempt
// timeout comes back as a TransientError, so the step record carries a
// classified failure rather than a bare context error.
func (e *Engine) invokeAgent(ctx context.Context, ag agent.Agent, step *Step, inputs, execContext map[string]interface{}, timeout time.Duration) (agent.Output, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type attemptResult struct {
		output agent.Output
		err    error
	}
	done := make(chan attemptResult, 1)
	go func() {
		out, perr := ag.Process(attemptCtx, agent.Input{Content: inputs, Context: execContext})
		done <- attemptResult{output: out, err: perr}
	}()

	var res attemptResult
	select {
	case res = <-done:
	case <-attemptCtx.Done():
		res.err = attemptCtx.Err()
	}
	if errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
		res.err = Transient(fmt.Errorf("step %s timed out after %s", step.ID, timeout))
	}
	return res.output, res.err
}

// maxRetryDelay caps the backoff between attempts.
const maxRetryDelay = 5 * time.Minute

// backoffDelay doubles the base delay for every attempt already made:
// base*2 after the first failure, base*4 after the second, and so on.
func backoffDelay(base time.Duration, attempts int) time.Duration {
	delay := base
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

// resolveStepFailure applies the step's on_failure policy. It returns
// true when the driver should move on to the next step.
func (e *Engine) resolveStepFailure(ctx context.Context, wf *Workflow, execID string, step *Step, outcome stepOutcome) bool {
	e.publishEvent(ctx, EventStepFailed, map[string]interface{}{
		"workflow_id":  wf.ID,
		"execution_id": execID,
		"step_id":      step.ID,
		"attempts":     outcome.attempts,
		"error":        outcome.err.Error(),
	})

	switch step.OnFailure {
	case OnFailureContinue:
		return true
	case OnFailureSkip:
		// Downgrade the failure to Skipped so downstream mappings treat
		// the step as never run.
		if _, err := e.repo.UpdateExecution(ctx, execID, func(x *Execution) error {
			record, ok := x.StepRecord(step.ID)
			if !ok {
				return fmt.Errorf("execution has no record for step %s", step.ID)
			}
			record.Status = StepStatusSkipped
			record.Output = nil
			x.UpdatedAt = time.Now().UTC()
			return nil
		}); err != nil {
			e.logger.Error("engine", "failed to downgrade step failure", map[string]interface{}{
				"execution_id": execID,
				"step_id":      step.ID,
				"error":        err.Error(),
			})
		}
		return true
	default:
		e.finalize(execID, StatusFailed, outcome.err.Error())
		e.publishEvent(ctx, EventWorkflowFailed, map[string]interface{}{
			"workflow_id":  wf.ID,
			"execution_id": execID,
			"step_id":      step.ID,
			"error":        outcome.err.Error(),
		})
		return false
	}
}

func (e *Engine) recordStepSuccess(execID string, step *Step, attempts int, output map[string]interface{}) error {
	now := time.Now().UTC()
	exec, err := e.repo.UpdateExecution(context.Background(), execID, func(x *Execution) error {
		record, ok := x.StepRecord(step.ID)
		if !ok {
			return fmt.Errorf("execution has no record for step %s", step.ID)
		}
		record.Status = StepStatusCompleted
		record.Output = output
		record.Attempts = attempts
		record.CompletedAt = &now
		x.UpdatedAt = now
		return ApplyOutputs(step, x, output)
	})
	if err != nil {
		return fmt.Errorf("failed to record step success: %w", err)
	}
	e.publishEvent(context.Background(), EventStepCompleted, map[string]interface{}{
		"workflow_id":  exec.WorkflowID,
		"execution_id": execID,
		"step_id":      step.ID,
		"attempts":     attempts,
	})
	return nil
}

func (e *Engine) recordStepFailure(execID, stepID string, attempts int, cause error) {
	now := time.Now().UTC()
	if _, err := e.repo.UpdateExecution(context.Background(), execID, func(x *Execution) error {
		record, ok := x.StepRecord(stepID)
		if !ok {
			return fmt.Errorf("execution has no record for step %s", stepID)
		}
		record.Status = StepStatusFailed
		record.Error = cause.Error()
		record.Attempts = attempts
		record.CompletedAt = &now
		x.UpdatedAt = now
		return nil
	}); err != nil {
		e.logger.Error("engine", "failed to record step failure", map[string]interface{}{
			"execution_id": execID,
			"step_id":      stepID,
			"error":        err.Error(),
		})
	}
}

func (e *Engine) markStepSkipped(ctx context.Context, wf *Workflow, execID string, step *Step) {
	now := time.Now().UTC()
	if _, err := e.repo.UpdateExecution(ctx, execID, func(x *Execution) error {
		record, ok := x.StepRecord(step.ID)
		if !ok {
			return fmt.Errorf("execution has no record for step %s", step.ID)
		}
		record.Status = StepStatusSkipped
		record.CompletedAt = &now
		x.UpdatedAt = now
		return nil
	}); err != nil {
		e.logger.Error("engine", "failed to mark step skipped", map[string]interface{}{
			"execution_id": execID,
			"step_id":      step.ID,
			"error":        err.Error(),
		})
		return
	}
	e.publishEvent(ctx, EventStepSkipped, map[string]interface{}{
		"workflow_id":  wf.ID,
		"execution_id": execID,
		"step_id":      step.ID,
	})
}

// finalize moves the execution into a terminal status. Already-terminal
// records are left alone, so finishing twice is harmless.
func (e *Engine) finalize(execID string, status Status, errMsg string) {
	ctx := context.Background()
	exec, err := e.repo.UpdateExecution(ctx, execID, func(x *Execution) error {
		if x.Status.Terminal() {
			return nil
		}
		now := time.Now().UTC()
		x.Status = status
		x.Error = errMsg
		x.CompletedAt = &now
		x.UpdatedAt = now
		return nil
	})
	if err != nil {
		e.logger.Error("engine", "failed to finalize execution", map[string]interface{}{
			"execution_id": execID,
			"error":        err.Error(),
		})
		return
	}
	e.logger.Info("engine", "execution finished", map[string]interface{}{
		"execution_id": execID,
		"status":       string(exec.Status),
	})
	if status == StatusCancelled {
		e.publishEvent(ctx, EventWorkflowCancelled, map[string]interface{}{
			"workflow_id":  exec.WorkflowID,
			"execution_id": execID,
		})
	}
}

// finalizeInterrupted handles a driver whose context died without a
// cancel request, which happens on forced shutdown or workflow timeout.
func (e *Engine) finalizeInterrupted(execID string) {
	if e.cancelWasRequested(execID) {
		e.finalize(execID, StatusCancelled, "")
		return
	}
	e.finalize(execID, StatusFailed, "execution interrupted")
}

func (e *Engine) cancelWasRequested(execID string) bool {
	exec, err := e.repo.GetExecution(context.Background(), execID)
	if err != nil {
		return false
	}
	return exec.CancelRequested
}

func compileConditions(wf *Workflow) ([]*Condition, error) {
	out := make([]*Condition, len(wf.Steps))
	for i := range wf.Steps {
		cond, err := CompileCondition(wf.Steps[i].Condition)
		if err != nil {
			return nil, &ConfigurationError{WorkflowID: wf.ID, StepID: wf.Steps[i].ID, Reason: err.Error()}
		}
		out[i] = cond
	}
	return out, nil
}

// permanentFailure reports whether a step error must not be retried. An
// explicit transient marking wins over everything else.
func permanentFailure(err error) bool {
	if IsTransient(err) {
		return false
	}
	var pe *agent.ProcessError
	if errors.As(err, &pe) {
		return pe.Permanent
	}
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
