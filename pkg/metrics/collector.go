// Package metrics aggregates workflow activity counters from the
// lifecycle event stream. Counters live in memory and are mirrored to a
// Redis hash so dashboards and other processes can read them.
package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/flowmesh/flowmesh/internal/bus"
	"github.com/flowmesh/flowmesh/internal/workflow"
)

const metricsKey = "metrics:workflows"

// WorkflowMetrics is a point-in-time view of one workflow's activity.
type WorkflowMetrics struct {
	WorkflowID string `json:"workflow_id"`
	Started    int64  `json:"started"`
	Completed  int64  `json:"completed"`
	Failed     int64  `json:"failed"`
	Cancelled  int64  `json:"cancelled"`
	StepsRun   int64  `json:"steps_run"`
	StepsRetry int64  `json:"steps_retried"`
}

// Collector subscribes to lifecycle events and keeps per-workflow
// counters. Attach exactly one per process.
type Collector struct {
	redisClient *redis.Client
	bus         *bus.Bus

	mu        sync.RWMutex
	workflows map[string]*WorkflowMetrics
	handlerID string
}

// NewCollector builds a collector. redisClient may be nil; counters are
// then in-memory only.
func NewCollector(b *bus.Bus, redisClient *redis.Client) *Collector {
	return &Collector{
		redisClient: redisClient,
		bus:         b,
		workflows:   make(map[string]*WorkflowMetrics),
	}
}

// Start registers the event handler. The collector consumes every
// lifecycle event type and never fails delivery.
func (c *Collector) Start() error {
	handlerID, err := c.bus.RegisterHandler(workflow.EventStream,
		c.handleEvent, []string{bus.TypeWildcard}, "")
	if err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}
	c.mu.Lock()
	c.handlerID = handlerID
	c.mu.Unlock()
	return nil
}

// Stop detaches from the event stream.
func (c *Collector) Stop() {
	c.mu.Lock()
	handlerID := c.handlerID
	c.handlerID = ""
	c.mu.Unlock()
	if handlerID != "" {
		c.bus.RemoveHandler(workflow.EventStream, handlerID)
	}
}

// Get returns a copy of one workflow's counters.
func (c *Collector) Get(workflowID string) WorkflowMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.workflows[workflowID]; ok {
		return *m
	}
	return WorkflowMetrics{WorkflowID: workflowID}
}

// All returns a copy of every workflow's counters.
func (c *Collector) All() []WorkflowMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]WorkflowMetrics, 0, len(c.workflows))
	for _, m := range c.workflows {
		out = append(out, *m)
	}
	return out
}

func (c *Collector) handleEvent(ctx context.Context, msg *bus.Message) error {
	payload := msg.PayloadMap()
	workflowID, _ := payload["workflow_id"].(string)
	if workflowID == "" {
		return nil
	}

	c.mu.Lock()
	m, ok := c.workflows[workflowID]
	if !ok {
		m = &WorkflowMetrics{WorkflowID: workflowID}
		c.workflows[workflowID] = m
	}
	var field string
	switch msg.Type {
	case workflow.EventWorkflowStarted:
		m.Started++
		field = "started"
	case workflow.EventWorkflowCompleted:
		m.Completed++
		field = "completed"
	case workflow.EventWorkflowFailed:
		m.Failed++
		field = "failed"
	case workflow.EventWorkflowCancelled:
		m.Cancelled++
		field = "cancelled"
	case workflow.EventStepCompleted, workflow.EventStepFailed:
		m.StepsRun++
		field = "steps_run"
		if attempts, ok := payload["attempts"].(float64); ok && attempts > 1 {
			m.StepsRetry++
		}
	}
	c.mu.Unlock()

	if field != "" && c.redisClient != nil {
		c.persist(ctx, workflowID, field)
	}
	return nil
}

func (c *Collector) persist(ctx context.Context, workflowID, field string) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	// Best effort; the in-memory counters are authoritative.
	c.redisClient.HIncrBy(ctx, metricsKey+":"+workflowID, field, 1)
}
