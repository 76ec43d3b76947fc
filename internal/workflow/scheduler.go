package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/flowmesh/flowmesh/internal/bus"
	"github.com/flowmesh/flowmesh/internal/logging"
)

// TriggerType selects how a trigger fires.
type TriggerType string

const (
	TriggerTypeSchedule TriggerType = "schedule"
	TriggerTypeEvent    TriggerType = "event"
)

// TriggerConfig holds trigger-specific settings.
type TriggerConfig struct {
	// Schedule triggers
	CronExpression string `json:"cron_expression,omitempty"`

	// Event triggers
	EventType   string `json:"event_type,omitempty"`
	EventFilter string `json:"event_filter,omitempty"`

	InputData map[string]interface{} `json:"input_data,omitempty"`

	// SkipIfRunning suppresses a firing while the workflow still has a
	// non-terminal execution.
	SkipIfRunning bool `json:"skip_if_running,omitempty"`
}

// Trigger starts executions of a workflow without a manual call: on a
// cron schedule, or when a matching message appears on the event stream.
type Trigger struct {
	ID         string        `json:"id"`
	WorkflowID string        `json:"workflow_id"`
	Type       TriggerType   `json:"type"`
	Config     TriggerConfig `json:"config"`
	Enabled    bool          `json:"enabled"`
	LastRun    *time.Time    `json:"last_run,omitempty"`
	RunCount   int           `json:"run_count"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Clone returns a deep copy.
func (t *Trigger) Clone() *Trigger {
	data, err := json.Marshal(t)
	if err != nil {
		return nil
	}
	var out Trigger
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return &out
}

// Scheduler owns the registered triggers and fires executions through
// the engine. Schedule triggers run on a cron with second precision;
// event triggers are bus handlers on the lifecycle event stream.
// Triggers persist through the engine's repository; call Restore at
// startup to reactivate them after a restart.
type Scheduler struct {
	engine *Engine
	logger *logging.Logger
	cron   *cron.Cron

	mu       sync.Mutex
	triggers map[string]*Trigger
	entries  map[string]cron.EntryID
	handlers map[string]string
	started  bool
}

// NewScheduler wires a scheduler to an engine.
func NewScheduler(engine *Engine, logger *logging.Logger) *Scheduler {
	return &Scheduler{
		engine:   engine,
		logger:   logging.OrNop(logger),
		cron:     cron.New(cron.WithSeconds()),
		triggers: make(map[string]*Trigger),
		entries:  make(map[string]cron.EntryID),
		handlers: make(map[string]string),
	}
}

// Start begins firing schedule triggers.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop halts the cron and waits for in-flight trigger callbacks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	<-s.cron.Stop().Done()
}

// AddTrigger validates, activates and persists a trigger. The workflow
// must exist.
func (s *Scheduler) AddTrigger(ctx context.Context, trigger *Trigger) error {
	if trigger.ID == "" {
		trigger.ID = uuid.New().String()
	}
	trigger.CreatedAt = time.Now().UTC()
	trigger.Enabled = true

	if _, err := s.engine.GetWorkflow(ctx, trigger.WorkflowID); err != nil {
		return err
	}

	if err := s.activate(trigger); err != nil {
		return err
	}
	if err := s.engine.repo.SaveTrigger(ctx, trigger); err != nil {
		s.deactivate(trigger.ID)
		return fmt.Errorf("failed to persist trigger: %w", err)
	}
	return nil
}

// Restore reactivates persisted triggers. Call once at startup, before
// Start.
func (s *Scheduler) Restore(ctx context.Context) error {
	triggers, err := s.engine.repo.ListTriggers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load triggers: %w", err)
	}
	for _, trigger := range triggers {
		if err := s.activate(trigger); err != nil {
			s.logger.Error("scheduler", "failed to restore trigger", map[string]interface{}{
				"trigger_id":  trigger.ID,
				"workflow_id": trigger.WorkflowID,
				"error":       err.Error(),
			})
		}
	}
	return nil
}

func (s *Scheduler) activate(trigger *Trigger) error {
	switch trigger.Type {
	case TriggerTypeSchedule:
		return s.addScheduleTrigger(trigger)
	case TriggerTypeEvent:
		return s.addEventTrigger(trigger)
	default:
		return fmt.Errorf("unknown trigger type %q", trigger.Type)
	}
}

// EnableTrigger resumes a disabled trigger.
func (s *Scheduler) EnableTrigger(ctx context.Context, id string) error {
	return s.setEnabled(ctx, id, true)
}

// DisableTrigger stops a trigger from firing without forgetting it. The
// registration stays in place, so enabling it again is immediate.
func (s *Scheduler) DisableTrigger(ctx context.Context, id string) error {
	return s.setEnabled(ctx, id, false)
}

func (s *Scheduler) setEnabled(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	trigger, ok := s.triggers[id]
	if !ok {
		s.mu.Unlock()
		return ErrTriggerNotFound
	}
	trigger.Enabled = enabled
	snapshot := trigger.Clone()
	s.mu.Unlock()
	if err := s.engine.repo.SaveTrigger(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to persist trigger: %w", err)
	}
	return nil
}

// RemoveTrigger deactivates a trigger and deletes its persisted record.
func (s *Scheduler) RemoveTrigger(ctx context.Context, id string) error {
	trigger := s.deactivate(id)
	if trigger == nil {
		return ErrTriggerNotFound
	}
	if err := s.engine.repo.DeleteTrigger(ctx, id); err != nil {
		return fmt.Errorf("failed to delete trigger: %w", err)
	}
	s.logger.Info("scheduler", "trigger removed", map[string]interface{}{
		"trigger_id":  id,
		"workflow_id": trigger.WorkflowID,
	})
	return nil
}

func (s *Scheduler) deactivate(id string) *Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	trigger, ok := s.triggers[id]
	if !ok {
		return nil
	}
	delete(s.triggers, id)
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	if handlerID, ok := s.handlers[id]; ok {
		if s.engine.bus != nil {
			s.engine.bus.RemoveHandler(EventStream, handlerID)
		}
		delete(s.handlers, id)
	}
	return trigger
}

// Triggers returns a snapshot of the registered triggers.
func (s *Scheduler) Triggers() []*Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Trigger, 0, len(s.triggers))
	for _, t := range s.triggers {
		copied := *t
		out = append(out, &copied)
	}
	return out
}

func (s *Scheduler) addScheduleTrigger(trigger *Trigger) error {
	if trigger.Config.CronExpression == "" {
		return fmt.Errorf("schedule trigger needs a cron expression")
	}
	entryID, err := s.cron.AddFunc(trigger.Config.CronExpression, func() {
		s.fire(trigger.ID)
	})
	if err != nil {
		return fmt.Errorf("failed to parse cron expression %q: %w", trigger.Config.CronExpression, err)
	}

	s.mu.Lock()
	s.triggers[trigger.ID] = trigger
	s.entries[trigger.ID] = entryID
	s.mu.Unlock()

	s.logger.Info("scheduler", "schedule trigger added", map[string]interface{}{
		"trigger_id":  trigger.ID,
		"workflow_id": trigger.WorkflowID,
		"cron":        trigger.Config.CronExpression,
	})
	return nil
}

func (s *Scheduler) addEventTrigger(trigger *Trigger) error {
	if s.engine.bus == nil {
		return fmt.Errorf("event triggers need a bus")
	}
	if trigger.Config.EventType == "" {
		return fmt.Errorf("event trigger needs an event type")
	}
	handlerID, err := s.engine.bus.RegisterHandler(EventStream,
		func(ctx context.Context, _ *bus.Message) error {
			s.fire(trigger.ID)
			return nil
		},
		[]string{trigger.Config.EventType}, trigger.Config.EventFilter)
	if err != nil {
		return fmt.Errorf("failed to register event trigger: %w", err)
	}

	s.mu.Lock()
	s.triggers[trigger.ID] = trigger
	s.handlers[trigger.ID] = handlerID
	s.mu.Unlock()

	s.logger.Info("scheduler", "event trigger added", map[string]interface{}{
		"trigger_id":  trigger.ID,
		"workflow_id": trigger.WorkflowID,
		"event_type":  trigger.Config.EventType,
	})
	return nil
}

// fire starts one execution for the trigger's workflow.
func (s *Scheduler) fire(triggerID string) {
	s.mu.Lock()
	trigger, ok := s.triggers[triggerID]
	if !ok || !trigger.Enabled {
		s.mu.Unlock()
		return
	}
	workflowID := trigger.WorkflowID
	input := trigger.Config.InputData
	skipIfRunning := trigger.Config.SkipIfRunning
	s.mu.Unlock()

	ctx := context.Background()
	if skipIfRunning && s.hasLiveExecution(ctx, workflowID) {
		s.logger.Info("scheduler", "trigger skipped, execution still in flight", map[string]interface{}{
			"trigger_id":  triggerID,
			"workflow_id": workflowID,
		})
		return
	}

	exec, err := s.engine.ExecuteWorkflow(ctx, workflowID, input, "scheduler")
	if err != nil {
		s.logger.Error("scheduler", "trigger execution failed to start", map[string]interface{}{
			"trigger_id":  triggerID,
			"workflow_id": workflowID,
			"error":       err.Error(),
		})
		return
	}
	s.recordRun(ctx, triggerID)
	s.logger.Info("scheduler", "trigger fired", map[string]interface{}{
		"trigger_id":   triggerID,
		"workflow_id":  workflowID,
		"execution_id": exec.ID,
	})
}

func (s *Scheduler) recordRun(ctx context.Context, triggerID string) {
	s.mu.Lock()
	trigger, ok := s.triggers[triggerID]
	if !ok {
		s.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	trigger.LastRun = &now
	trigger.RunCount++
	snapshot := trigger.Clone()
	s.mu.Unlock()

	if err := s.engine.repo.SaveTrigger(ctx, snapshot); err != nil {
		s.logger.Warn("scheduler", "failed to persist trigger run state", map[string]interface{}{
			"trigger_id": triggerID,
			"error":      err.Error(),
		})
	}
}

func (s *Scheduler) hasLiveExecution(ctx context.Context, workflowID string) bool {
	executions, err := s.engine.ListExecutions(ctx, ExecutionFilter{WorkflowID: workflowID})
	if err != nil {
		s.logger.Warn("scheduler", "failed to check live executions", map[string]interface{}{
			"workflow_id": workflowID,
			"error":       err.Error(),
		})
		return false
	}
	for _, exec := range executions {
		if !exec.Status.Terminal() {
			return true
		}
	}
	return false
}
