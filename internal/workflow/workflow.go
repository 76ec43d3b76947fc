// Package workflow holds the workflow definitions, the execution engine
// that drives them, and the mapping and condition machinery steps are
// declared with.
package workflow

import (
	"encoding/json"
	"time"

	"github.com/flowmesh/flowmesh/internal/agent"
)

// Status represents the current state of an execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final. Transitions are monotonic
// except into Cancelled, which may be requested from any non-terminal
// state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StepStatus represents the current state of one execution step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step status is final.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// OnFailure selects what happens to the execution once a step fails
// terminally, meaning its retries are exhausted.
type OnFailure string

const (
	// OnFailureFail aborts the remaining steps and fails the execution.
	OnFailureFail OnFailure = "fail"
	// OnFailureContinue keeps the step Failed and proceeds; downstream
	// mappings reading from it resolve to their defaults.
	OnFailureContinue OnFailure = "continue"
	// OnFailureSkip re-marks the step Skipped, treated as never run for
	// downstream mapping purposes, and proceeds.
	OnFailureSkip OnFailure = "skip"
)

// Mapping declares a single data movement. For input mappings, Source is
// one of "input", "context" or "steps", Path is a dot-path within that
// source ("<step_id>.<key>" for steps), and Target names the flat input
// field. For output mappings, Path addresses the step's output and Target
// is a dot-path prefixed "output." or "context.".
type Mapping struct {
	Source    string      `json:"source,omitempty" yaml:"source,omitempty"`
	Path      string      `json:"path" yaml:"path"`
	Target    string      `json:"target" yaml:"target"`
	Default   interface{} `json:"default,omitempty" yaml:"default,omitempty"`
	Transform string      `json:"transform,omitempty" yaml:"transform,omitempty"`
}

// Step is a declared unit of work within a workflow.
type Step struct {
	ID             string     `json:"id" yaml:"id"`
	Name           string     `json:"name" yaml:"name"`
	AgentType      agent.Type `json:"agent_type" yaml:"agent_type"`
	InputMappings  []Mapping  `json:"input_mappings,omitempty" yaml:"input_mappings,omitempty"`
	OutputMappings []Mapping  `json:"output_mappings,omitempty" yaml:"output_mappings,omitempty"`
	Condition      string     `json:"condition,omitempty" yaml:"condition,omitempty"`
	Timeout        string     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retries        int        `json:"retries" yaml:"retries"`
	RetryDelay     string     `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
	OnFailure      OnFailure  `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
}

// TimeoutOr parses the step timeout, falling back to def.
func (s *Step) TimeoutOr(def time.Duration) time.Duration {
	return parseDurationOr(s.Timeout, def)
}

// RetryDelayOr parses the base retry delay, falling back to def.
func (s *Step) RetryDelayOr(def time.Duration) time.Duration {
	return parseDurationOr(s.RetryDelay, def)
}

func parseDurationOr(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		return parsed
	}
	return def
}

// Workflow is a versioned, ordered definition of steps. Once registered
// it only changes through UpdateWorkflow, which bumps the version.
type Workflow struct {
	ID               string            `json:"id" yaml:"id"`
	Name             string            `json:"name" yaml:"name"`
	Description      string            `json:"description,omitempty" yaml:"description,omitempty"`
	Version          int               `json:"version" yaml:"version,omitempty"`
	Steps            []Step            `json:"steps" yaml:"steps"`
	MaxParallelSteps int               `json:"max_parallel_steps,omitempty" yaml:"max_parallel_steps,omitempty"`
	Timeout          string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Active           bool              `json:"active" yaml:"active,omitempty"`
	Draft            bool              `json:"draft,omitempty" yaml:"draft,omitempty"`
	Tags             []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at" yaml:"-"`
	UpdatedAt        time.Time         `json:"updated_at" yaml:"-"`
}

// StepByID returns the declared step with the given id.
func (w *Workflow) StepByID(id string) (*Step, bool) {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i], true
		}
	}
	return nil, false
}

// ExecutionStep is the runtime record of one declared step.
type ExecutionStep struct {
	StepID      string                 `json:"step_id"`
	Status      StepStatus             `json:"status"`
	Input       map[string]interface{} `json:"input,omitempty"`
	Output      map[string]interface{} `json:"output,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Attempts    int                    `json:"attempts"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// Execution is one run of a workflow against concrete input. The driving
// goroutine owns mutation while running; everyone else reads the
// repository's durable copy.
type Execution struct {
	ID               string                 `json:"id"`
	WorkflowID       string                 `json:"workflow_id"`
	WorkflowVersion  int                    `json:"workflow_version"`
	Status           Status                 `json:"status"`
	InputData        map[string]interface{} `json:"input_data"`
	OutputData       map[string]interface{} `json:"output_data"`
	Context          map[string]interface{} `json:"context"`
	Steps            []ExecutionStep        `json:"steps"`
	CurrentStepIndex int                    `json:"current_step_index"`
	UserID           string                 `json:"user_id,omitempty"`
	Error            string                 `json:"error,omitempty"`
	CancelRequested  bool                   `json:"cancel_requested"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
	StartedAt        *time.Time             `json:"started_at,omitempty"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
}

// StepRecord returns the runtime record for a step id.
func (e *Execution) StepRecord(stepID string) (*ExecutionStep, bool) {
	for i := range e.Steps {
		if e.Steps[i].StepID == stepID {
			return &e.Steps[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy via the JSON form, so repository backends can
// hand out isolated copies.
func (e *Execution) Clone() *Execution {
	data, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	var out Execution
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return &out
}

// CloneWorkflow returns a deep copy of a workflow definition.
func CloneWorkflow(w *Workflow) *Workflow {
	data, err := json.Marshal(w)
	if err != nil {
		return nil
	}
	var out Workflow
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return &out
}
