package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Pipeline event types.
const (
	EventTypeIssueDetected     = "issue.detected"
	EventTypeWorkflowCreated   = "workflow.created"
	EventTypeWorkflowApproved  = "workflow.approved"
	EventTypeWorkflowRejected  = "workflow.rejected"
	EventTypeWorkflowStarted   = "workflow.started"
	EventTypeWorkflowCompleted = "workflow.completed"
	EventTypeWorkflowPaused    = "workflow.paused"
	EventTypeWorkflowRollback  = "workflow.rolled_back"
	EventTypeStepCompleted     = "step.completed"
	EventTypeStepFailed        = "step.failed"
	EventTypePolicyViolation   = "policy.violation"
	EventTypeLoopStatus        = "loop.status"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var (
	errPublisherStopped = errors.New("event publisher stopped")
	errBufferFull       = errors.New("event buffer full, event dropped")
)

// Event is something that happened inside the pipeline. IssueID,
// WorkflowID and StepID are set when the event concerns one.
type Event struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	Type       string                 `json:"type"`
	Source     string                 `json:"source"`
	IssueID    string                 `json:"issue_id,omitempty"`
	WorkflowID string                 `json:"workflow_id,omitempty"`
	StepID     int                    `json:"step_id,omitempty"`
	Message    string                 `json:"message"`
	Level      string                 `json:"level"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// EventSubscriber receives events. Subscribers run on the delivery
// goroutine and must not block.
type EventSubscriber func(event Event)

// EventFilter reports whether a subscriber wants an event.
type EventFilter func(event Event) bool

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher fans pipeline events out to subscribers. In async mode
// events queue in a bounded buffer and are delivered in publish order by a
// single goroutine; a full buffer drops the event rather than stall the
// pipeline.
type EventPublisher struct {
	enabled bool
	async   bool

	mu   sync.RWMutex
	subs []subscription

	queue chan Event
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewEventPublisher creates a publisher. A disabled publisher accepts and
// discards everything.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{enabled: cfg.Enabled, async: cfg.Enabled && cfg.EnableAsync}
	if ep.async {
		ep.queue = make(chan Event, cfg.BufferSize)
		ep.stop = make(chan struct{})
		ep.done = make(chan struct{})
		go ep.run()
	}
	return ep, nil
}

// Publish stamps and delivers event. Safe on a nil publisher.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.enabled {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	if !ep.async {
		ep.deliver(event)
		return nil
	}

	select {
	case <-ep.stop:
		return errPublisherStopped
	default:
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return errBufferFull
	}
}

// PublishWorkflowEvent publishes a workflow lifecycle transition. Pauses
// and rollbacks are warnings.
func (ep *EventPublisher) PublishWorkflowEvent(eventType, workflowID, issueID, status, message string) error {
	level := EventLevelInfo
	switch eventType {
	case EventTypeWorkflowPaused, EventTypeWorkflowRollback:
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:       eventType,
		Source:     "executor",
		WorkflowID: workflowID,
		IssueID:    issueID,
		Message:    message,
		Level:      level,
		Data:       map[string]interface{}{"status": status},
	})
}

// PublishStepEvent publishes the outcome of one step.
func (ep *EventPublisher) PublishStepEvent(workflowID string, stepID int, actionType string, success bool, reason string) error {
	data := map[string]interface{}{"action_type": actionType}
	if success {
		return ep.Publish(Event{
			Type:       EventTypeStepCompleted,
			Source:     "executor",
			WorkflowID: workflowID,
			StepID:     stepID,
			Message:    fmt.Sprintf("Step %d (%s) completed", stepID, actionType),
			Data:       data,
		})
	}

	data["reason"] = reason
	return ep.Publish(Event{
		Type:       EventTypeStepFailed,
		Source:     "executor",
		WorkflowID: workflowID,
		StepID:     stepID,
		Message:    fmt.Sprintf("Step %d (%s) failed: %s", stepID, actionType, reason),
		Level:      EventLevelError,
		Data:       data,
	})
}

// PublishPolicyViolation publishes a blocking policy verdict on a step.
func (ep *EventPublisher) PublishPolicyViolation(workflowID string, stepID int, policyName, reason string) error {
	return ep.Publish(Event{
		Type:       EventTypePolicyViolation,
		Source:     "policy_engine",
		WorkflowID: workflowID,
		StepID:     stepID,
		Message:    fmt.Sprintf("Step %d blocked by %s: %s", stepID, policyName, reason),
		Level:      EventLevelError,
		Data:       map[string]interface{}{"policy": policyName, "reason": reason},
	})
}

// Subscribe registers fn for events accepted by filter. A nil filter
// accepts everything.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

func (ep *EventPublisher) run() {
	defer close(ep.done)
	for {
		select {
		case event := <-ep.queue:
			ep.deliver(event)
		case <-ep.stop:
			for {
				select {
				case event := <-ep.queue:
					ep.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, s := range ep.subs {
		if s.filter == nil || s.filter(event) {
			s.fn(event)
		}
	}
}

// Shutdown stops accepting events and waits for the queue to drain.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.async {
		return nil
	}
	ep.once.Do(func() { close(ep.stop) })

	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// FilterByType accepts only the listed event types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(event Event) bool {
		_, ok := set[event.Type]
		return ok
	}
}
