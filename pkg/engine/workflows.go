package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/selfheal/selfheal/pkg/models"
	"github.com/selfheal/selfheal/pkg/stores"
	"github.com/selfheal/selfheal/pkg/telemetry"
)

// StepUpdate is a partial update of one workflow step. Nil fields are left
// unchanged.
type StepUpdate struct {
	Name             *string                `json:"name,omitempty"`
	Description      *string                `json:"description,omitempty"`
	Parameters       map[string]interface{} `json:"parameters,omitempty"`
	RequiresApproval *bool                  `json:"requires_approval,omitempty"`
	RiskLevel        *models.RiskLevel      `json:"risk_level,omitempty"`
	Status           *models.StepStatus     `json:"status,omitempty"`
}

// WorkflowSummary counts workflows by status.
type WorkflowSummary struct {
	Total           int            `json:"total"`
	PendingApproval int            `json:"pending_approval"`
	Running         int            `json:"running"`
	Completed       int            `json:"completed"`
	ByStatus        map[string]int `json:"by_status"`
}

// Workflows manages workflow lifecycle outside of execution.
type Workflows struct {
	store     stores.Store
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger
	now       func() time.Time
}

// NewWorkflows creates the workflow manager.
func NewWorkflows(store stores.Store, tel *telemetry.Telemetry, logger zerolog.Logger) *Workflows {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &Workflows{
		store:     store,
		telemetry: tel,
		logger:    logger.With().Str("component", "workflows").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Get returns one workflow.
func (w *Workflows) Get(ctx context.Context, id string) (*models.Workflow, error) {
	wf, err := w.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, classifyStoreError(err, "get_workflow", id)
	}
	return wf, nil
}

// List returns workflows newest first, optionally filtered by status.
func (w *Workflows) List(ctx context.Context, status *models.WorkflowStatus, limit int) ([]*models.Workflow, error) {
	if limit <= 0 {
		limit = 50
	}
	wfs, err := w.store.ListWorkflows(ctx, stores.WorkflowFilter{Status: status, Limit: limit})
	if err != nil {
		return nil, classifyStoreError(err, "list_workflows", "")
	}
	return wfs, nil
}

// Pause stops a running workflow at its next step boundary. The current
// step is the first one not yet completed.
func (w *Workflows) Pause(ctx context.Context, id, actor string) (*models.Workflow, error) {
	return w.override(ctx, id, actor, "pause", models.WorkflowStatusRunning, func(wf *models.Workflow) {
		wf.Status = models.WorkflowStatusPaused
		wf.CurrentStep = wf.FirstIncompleteStep()
	})
}

// Resume moves a paused workflow back to approved so it can be executed
// again from its first step that is not completed.
func (w *Workflows) Resume(ctx context.Context, id, actor string) (*models.Workflow, error) {
	return w.override(ctx, id, actor, "resume", models.WorkflowStatusPaused, func(wf *models.Workflow) {
		wf.Status = models.WorkflowStatusApproved
	})
}

// override applies an operator status change guarded by the expected
// current status and records a HUMAN_OVERRIDE audit entry.
func (w *Workflows) override(ctx context.Context, id, actor, operation string, from models.WorkflowStatus, apply func(*models.Workflow)) (*models.Workflow, error) {
	if actor == "" {
		actor = models.DefaultActor
	}

	wf, err := w.store.UpdateWorkflowFunc(ctx, id, func(r stores.Repository, wf *models.Workflow) error {
		if wf.Status != from {
			return NewPreconditionError(fmt.Sprintf("workflow is %s, not %s", wf.Status, from)).
				WithResource(id).WithOperation(operation).
				WithDetail("status", string(wf.Status))
		}

		apply(wf)
		wf.UpdatedAt = w.now()

		return r.AppendAudit(ctx, &models.AuditLog{
			EventType:   models.AuditHumanOverride,
			Actor:       actor,
			IssueID:     models.StringPtr(wf.IssueID),
			WorkflowID:  models.StringPtr(wf.ID),
			Action:      "workflow_" + operation,
			Description: fmt.Sprintf("Workflow %s by %s", wf.Status, actor),
			Details: map[string]interface{}{
				"from":         string(from),
				"to":           string(wf.Status),
				"current_step": wf.CurrentStep,
			},
			Success: true,
		})
	})
	if err != nil {
		return nil, classifyStoreError(err, operation, id)
	}

	if wf.Status == models.WorkflowStatusPaused {
		_ = w.telemetry.Events.PublishWorkflowEvent(telemetry.EventTypeWorkflowPaused, wf.ID, wf.IssueID,
			string(wf.Status), "Workflow paused by "+actor)
	}
	w.logger.Info().Str("workflow_id", id).Str("actor", actor).Str("status", string(wf.Status)).
		Msgf("Workflow %s", operation)

	return wf, nil
}

// UpdateStep applies a partial update to the step with the given id.
// Running and terminal workflows cannot be edited.
func (w *Workflows) UpdateStep(ctx context.Context, id string, stepID int, update StepUpdate) (*models.Workflow, error) {
	wf, err := w.store.UpdateWorkflowFunc(ctx, id, func(_ stores.Repository, wf *models.Workflow) error {
		if wf.Status == models.WorkflowStatusRunning || wf.Status.Terminal() {
			return NewPreconditionError(fmt.Sprintf("workflow is %s and cannot be edited", wf.Status)).
				WithResource(id).WithOperation("update_step").
				WithDetail("status", string(wf.Status))
		}

		idx := wf.StepIndex(stepID)
		if idx < 0 {
			return NewPermanentError(fmt.Sprintf("step %d not found", stepID), nil).
				WithCode(ErrCodeNotFound).WithResource(id).WithOperation("update_step")
		}

		step := &wf.Steps[idx]
		if update.Name != nil {
			step.Name = *update.Name
		}
		if update.Description != nil {
			step.Description = *update.Description
		}
		if update.Parameters != nil {
			step.Parameters = update.Parameters
		}
		if update.RequiresApproval != nil {
			step.RequiresApproval = *update.RequiresApproval
		}
		if update.RiskLevel != nil {
			step.RiskLevel = *update.RiskLevel
		}
		if update.Status != nil {
			step.Status = *update.Status
		}
		wf.UpdatedAt = w.now()
		return nil
	})
	if err != nil {
		return nil, classifyStoreError(err, "update_step", id)
	}
	return wf, nil
}

// Stats summarizes workflows by status.
func (w *Workflows) Stats(ctx context.Context) (*WorkflowSummary, error) {
	stats, err := w.store.WorkflowStats(ctx)
	if err != nil {
		return nil, classifyStoreError(err, "workflow_stats", "")
	}

	return &WorkflowSummary{
		Total:           stats.Total,
		PendingApproval: stats.ByStatus[string(models.WorkflowStatusPendingApproval)],
		Running:         stats.ByStatus[string(models.WorkflowStatusRunning)],
		Completed:       stats.ByStatus[string(models.WorkflowStatusCompleted)],
		ByStatus:        stats.ByStatus,
	}, nil
}
