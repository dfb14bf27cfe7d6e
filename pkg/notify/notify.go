package notify

import (
	"context"
	"errors"
	"time"
)

// Message types.
const (
	// TypeIssueWorkflow is broadcast after each issue/workflow pair is produced.
	TypeIssueWorkflow = "new_issue"

	// TypeWorkflowUpdate is broadcast when a workflow changes status.
	TypeWorkflowUpdate = "workflow_update"

	// TypePipelineEvent wraps an internal pipeline event.
	TypePipelineEvent = "pipeline_event"
)

// Message is the observer payload.
type Message struct {
	Type           string      `json:"type"`
	IssueID        string      `json:"issue_id,omitempty"`
	Title          string      `json:"title,omitempty"`
	Confidence     float64     `json:"confidence,omitempty"`
	WorkflowID     string      `json:"workflow_id,omitempty"`
	WorkflowStatus string      `json:"workflow_status,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
	Event          interface{} `json:"event,omitempty"`
}

// Notifier delivers messages to observers. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Multi fans a message out to several notifiers. Every notifier is tried;
// the errors are joined.
type Multi []Notifier

// Notify delivers msg to every notifier.
func (m Multi) Notify(ctx context.Context, msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
