package workflow

import (
	"context"

	"github.com/flowmesh/flowmesh/internal/bus"
)

// EventStream is the bus stream carrying lifecycle events.
const EventStream = "workflow:events"

// Lifecycle event types published by the engine.
const (
	EventWorkflowRegistered = "workflow.registered"
	EventWorkflowStarted    = "workflow.started"
	EventStepCompleted      = "workflow.step.completed"
	EventStepFailed         = "workflow.step.failed"
	EventStepSkipped        = "workflow.step.skipped"
	EventWorkflowCompleted  = "workflow.completed"
	EventWorkflowFailed     = "workflow.failed"
	EventWorkflowCancelled  = "workflow.cancelled"
)

// publishEvent emits a lifecycle event. Event delivery is best effort:
// a bus failure is logged, never surfaced into the execution path.
func (e *Engine) publishEvent(ctx context.Context, eventType string, payload map[string]interface{}) {
	if e.bus == nil {
		return
	}
	msg, err := bus.NewMessage(eventType, bus.PatternEvent, e.opts.Source, payload)
	if err != nil {
		e.logger.Warn("engine", "failed to build lifecycle event", map[string]interface{}{
			"event": eventType,
			"error": err.Error(),
		})
		return
	}
	if _, err := e.bus.Publish(ctx, EventStream, msg); err != nil {
		delivery := &BusDeliveryFailure{Stream: EventStream, Err: err}
		e.logger.Warn("engine", "failed to publish lifecycle event", map[string]interface{}{
			"event": eventType,
			"error": delivery.Error(),
		})
	}
}
