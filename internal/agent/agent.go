// Package agent defines the capability contract the workflow engine
// invokes for each step, and the registry that maps step agent types to
// implementations. Business capabilities live outside this module; they
// plug in by implementing Agent.
package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Type identifies a registered capability. Workflow steps reference
// capabilities by this value.
type Type string

// Input is the resolved input handed to a capability: the step's mapped
// fields, the execution context, and free-form metadata.
type Input struct {
	Content  map[string]interface{} `json:"content"`
	Context  map[string]interface{} `json:"context"`
	Metadata map[string]string      `json:"metadata,omitempty"`
}

// Output is what a capability returns on success.
type Output struct {
	Content  map[string]interface{} `json:"content"`
	Metadata map[string]string      `json:"metadata,omitempty"`
}

// Agent is the single capability contract. Process must respect ctx
// cancellation and return a typed error on failure.
type Agent interface {
	Type() Type
	Process(ctx context.Context, input Input) (Output, error)
}

// ProcessError is the typed failure a capability reports. Permanent
// errors are never retried by the engine.
type ProcessError struct {
	AgentType Type
	Reason    string
	Permanent bool
	Err       error
}

func (e *ProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent %s: %s: %v", e.AgentType, e.Reason, e.Err)
	}
	return fmt.Sprintf("agent %s: %s", e.AgentType, e.Reason)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// Registry holds the known capabilities. Construct one per engine and
// pass it explicitly; there is no process-wide registry.
type Registry struct {
	mu     sync.RWMutex
	agents map[Type]Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[Type]Agent)}
}

// Register adds or replaces the capability for its declared type.
func (r *Registry) Register(a Agent) error {
	if a == nil || a.Type() == "" {
		return fmt.Errorf("agent must declare a non-empty type")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.Type()] = a
	return nil
}

// Get returns the capability for t, or false when none is registered.
func (r *Registry) Get(t Type) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[t]
	return a, ok
}

// Types lists the registered capability types in sorted order.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Type, 0, len(r.agents))
	for t := range r.agents {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Func adapts a plain function into an Agent.
func Func(t Type, fn func(ctx context.Context, input Input) (Output, error)) Agent {
	return funcAgent{t: t, fn: fn}
}

type funcAgent struct {
	t  Type
	fn func(ctx context.Context, input Input) (Output, error)
}

func (f funcAgent) Type() Type { return f.t }

func (f funcAgent) Process(ctx context.Context, input Input) (Output, error) {
	return f.fn(ctx, input)
}
