package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/selfheal/selfheal/pkg/models"
	"github.com/selfheal/selfheal/pkg/stores"
	"github.com/selfheal/selfheal/pkg/telemetry"
)

// pendingListLimit caps Pending results.
const pendingListLimit = 100

// errAlreadyApproved aborts an approval transaction without writing when
// the approver has already signed off.
var errAlreadyApproved = errors.New("approver already recorded")

// ApprovalState is the approval status of a workflow after a decision.
type ApprovalState struct {
	WorkflowID string                `json:"workflow_id"`
	Status     models.WorkflowStatus `json:"status"`
	Approvals  int                   `json:"approvals"`
	Required   int                   `json:"required"`
	Approved   bool                  `json:"approved"`
}

func approvalStateOf(wf *models.Workflow) *ApprovalState {
	return &ApprovalState{
		WorkflowID: wf.ID,
		Status:     wf.Status,
		Approvals:  len(wf.Approvals),
		Required:   wf.ApprovalCountRequired,
		Approved:   wf.Status == models.WorkflowStatusApproved,
	}
}

// Decider creates workflows for issues and enforces the approval protocol.
type Decider struct {
	store     stores.Store
	templates TemplateSelector
	policy    ApprovalPolicy
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger
	now       func() time.Time
}

// NewDecider creates a decider.
func NewDecider(store stores.Store, templates TemplateSelector, policy ApprovalPolicy, tel *telemetry.Telemetry, logger zerolog.Logger) *Decider {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	if templates == nil {
		templates = NewCategoryTemplates("")
	}
	return &Decider{
		store:     store,
		templates: templates,
		policy:    policy,
		telemetry: tel,
		logger:    logger.With().Str("component", "decider").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Decide builds the workflow for an issue and gates it. The workflow, the
// issue update and the WORKFLOW_CREATED audit entry are written in one
// transaction. On success issue reflects the stored update.
func (d *Decider) Decide(ctx context.Context, issue *models.Issue) (*models.Workflow, error) {
	if issue.WorkflowID != nil {
		return nil, NewPreconditionError("issue already has a workflow").
			WithResource(issue.ID).WithOperation("decide")
	}

	steps := d.templates.Steps(issue)
	if len(steps) == 0 {
		return nil, NewPermanentError("template produced no steps", nil).
			WithCode(ErrCodeValidation).WithResource(issue.ID).WithOperation("decide")
	}

	risk := models.RiskFromImpact(issue.EstimatedImpact)
	requiresApproval, required := ApprovalRequirement(risk, issue.Confidence, d.policy)

	status := models.WorkflowStatusApproved
	if requiresApproval {
		status = models.WorkflowStatusPendingApproval
	}

	now := d.now()
	wf := &models.Workflow{
		ID:                    uuid.New().String(),
		IssueID:               issue.ID,
		Name:                  "Remediation: " + issue.Title,
		Description:           "Automated workflow to address: " + issue.Summary,
		Steps:                 steps,
		OverallRisk:           risk,
		RequiresApproval:      requiresApproval,
		ApprovalCountRequired: required,
		Approvals:             []models.Approval{},
		Rejections:            []models.Rejection{},
		Status:                status,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	var updated *models.Issue
	err := d.store.Atomic(ctx, func(r stores.Repository) error {
		current, err := r.GetIssue(ctx, issue.ID)
		if err != nil {
			return err
		}
		if current.WorkflowID != nil {
			return NewPreconditionError("issue already has a workflow").
				WithResource(issue.ID).WithOperation("decide")
		}

		if err := r.CreateWorkflow(ctx, wf); err != nil {
			return err
		}

		current.WorkflowID = models.StringPtr(wf.ID)
		current.Status = models.IssueStatusPendingAction
		current.ProposedActions = wf.StepNames()
		current.UpdatedAt = now
		if err := r.UpdateIssue(ctx, current); err != nil {
			return err
		}
		updated = current

		return r.AppendAudit(ctx, &models.AuditLog{
			EventType:   models.AuditWorkflowCreated,
			IssueID:     models.StringPtr(issue.ID),
			WorkflowID:  models.StringPtr(wf.ID),
			Action:      "workflow_created",
			Description: "Created workflow: " + wf.Name,
			Details: map[string]interface{}{
				"risk_level":              string(risk),
				"requires_approval":       requiresApproval,
				"approval_count_required": required,
				"step_count":              len(steps),
				"status":                  string(status),
			},
			Success:    true,
			Confidence: models.Float64Ptr(issue.Confidence),
		})
	})
	if err != nil {
		return nil, classifyStoreError(err, "decide", issue.ID)
	}
	*issue = *updated

	d.telemetry.Metrics.RecordWorkflowCreated(string(risk), string(status))
	_ = d.telemetry.Events.PublishWorkflowEvent(telemetry.EventTypeWorkflowCreated, wf.ID, issue.ID,
		string(status), "Created workflow: "+wf.Name)

	d.logger.Info().
		Str("workflow_id", wf.ID).
		Str("issue_id", issue.ID).
		Str("risk", string(risk)).
		Bool("requires_approval", requiresApproval).
		Int("approvals_required", required).
		Str("status", string(status)).
		Msg("Workflow created")

	return wf, nil
}

// Approve records an approval. The workflow becomes approved once the
// number of distinct approvers reaches the required count. A repeated
// approval by the same user is not recorded again.
func (d *Decider) Approve(ctx context.Context, workflowID, approver, comment string) (*ApprovalState, error) {
	if approver == "" {
		return nil, NewPermanentError("approver is required", nil).
			WithCode(ErrCodeValidation).WithResource(workflowID).WithOperation("approve")
	}

	wf, err := d.store.UpdateWorkflowFunc(ctx, workflowID, func(r stores.Repository, wf *models.Workflow) error {
		if wf.Status != models.WorkflowStatusPendingApproval {
			return NewPreconditionError(fmt.Sprintf("workflow is %s, not pending approval", wf.Status)).
				WithResource(workflowID).WithOperation("approve").
				WithDetail("status", string(wf.Status))
		}
		if wf.HasApprovalFrom(approver) {
			return errAlreadyApproved
		}

		now := d.now()
		wf.Approvals = append(wf.Approvals, models.Approval{User: approver, Timestamp: now, Comment: comment})
		if len(wf.Approvals) >= wf.ApprovalCountRequired {
			wf.Status = models.WorkflowStatusApproved
		}
		wf.UpdatedAt = now

		return r.AppendAudit(ctx, &models.AuditLog{
			EventType:   models.AuditWorkflowApproved,
			Actor:       approver,
			IssueID:     models.StringPtr(wf.IssueID),
			WorkflowID:  models.StringPtr(wf.ID),
			Action:      "workflow_approved",
			Description: "Workflow approved by " + approver,
			Details: map[string]interface{}{
				"comment":        comment,
				"approval_count": len(wf.Approvals),
				"required":       wf.ApprovalCountRequired,
				"status":         string(wf.Status),
			},
			Success: true,
		})
	})
	if errors.Is(err, errAlreadyApproved) {
		current, gerr := d.store.GetWorkflow(ctx, workflowID)
		if gerr != nil {
			return nil, classifyStoreError(gerr, "approve", workflowID)
		}
		return approvalStateOf(current), nil
	}
	if err != nil {
		return nil, classifyStoreError(err, "approve", workflowID)
	}

	d.telemetry.Metrics.RecordDecision("approve")
	if wf.Status == models.WorkflowStatusApproved {
		_ = d.telemetry.Events.PublishWorkflowEvent(telemetry.EventTypeWorkflowApproved, wf.ID, wf.IssueID,
			string(wf.Status), "Workflow approved by "+approver)
	}

	d.logger.Info().
		Str("workflow_id", wf.ID).
		Str("approver", approver).
		Int("approvals", len(wf.Approvals)).
		Int("required", wf.ApprovalCountRequired).
		Str("status", string(wf.Status)).
		Msg("Workflow approval recorded")

	return approvalStateOf(wf), nil
}

// Reject records a rejection and forces the workflow back to draft. Any
// workflow that is neither running nor terminal may be rejected.
func (d *Decider) Reject(ctx context.Context, workflowID, rejector, reason string) (*ApprovalState, error) {
	if rejector == "" {
		return nil, NewPermanentError("rejector is required", nil).
			WithCode(ErrCodeValidation).WithResource(workflowID).WithOperation("reject")
	}

	wf, err := d.store.UpdateWorkflowFunc(ctx, workflowID, func(r stores.Repository, wf *models.Workflow) error {
		switch wf.Status {
		case models.WorkflowStatusDraft, models.WorkflowStatusPendingApproval,
			models.WorkflowStatusApproved, models.WorkflowStatusPaused:
		default:
			return NewPreconditionError(fmt.Sprintf("workflow is %s and cannot be rejected", wf.Status)).
				WithResource(workflowID).WithOperation("reject").
				WithDetail("status", string(wf.Status))
		}

		now := d.now()
		wf.Rejections = append(wf.Rejections, models.Rejection{User: rejector, Timestamp: now, Reason: reason})
		wf.Status = models.WorkflowStatusDraft
		wf.UpdatedAt = now

		return r.AppendAudit(ctx, &models.AuditLog{
			EventType:   models.AuditWorkflowRejected,
			Actor:       rejector,
			IssueID:     models.StringPtr(wf.IssueID),
			WorkflowID:  models.StringPtr(wf.ID),
			Action:      "workflow_rejected",
			Description: fmt.Sprintf("Workflow rejected by %s: %s", rejector, reason),
			Details: map[string]interface{}{
				"reason":         reason,
				"approval_count": len(wf.Approvals),
			},
			Success: true,
		})
	})
	if err != nil {
		return nil, classifyStoreError(err, "reject", workflowID)
	}

	d.telemetry.Metrics.RecordDecision("reject")
	_ = d.telemetry.Events.PublishWorkflowEvent(telemetry.EventTypeWorkflowRejected, wf.ID, wf.IssueID,
		string(wf.Status), "Workflow rejected by "+rejector)

	d.logger.Info().
		Str("workflow_id", wf.ID).
		Str("rejector", rejector).
		Str("reason", reason).
		Msg("Workflow rejected")

	return approvalStateOf(wf), nil
}

// Resubmit starts a new approval round for a draft workflow. Approvals of
// the previous round are cleared.
func (d *Decider) Resubmit(ctx context.Context, workflowID, actor string) (*ApprovalState, error) {
	if actor == "" {
		actor = models.DefaultActor
	}

	wf, err := d.store.UpdateWorkflowFunc(ctx, workflowID, func(r stores.Repository, wf *models.Workflow) error {
		if wf.Status != models.WorkflowStatusDraft {
			return NewPreconditionError(fmt.Sprintf("workflow is %s, not draft", wf.Status)).
				WithResource(workflowID).WithOperation("resubmit").
				WithDetail("status", string(wf.Status))
		}

		wf.Approvals = []models.Approval{}
		wf.Status = models.WorkflowStatusPendingApproval
		if !wf.RequiresApproval {
			wf.Status = models.WorkflowStatusApproved
		}
		wf.UpdatedAt = d.now()

		return r.AppendAudit(ctx, &models.AuditLog{
			EventType:   models.AuditHumanOverride,
			Actor:       actor,
			IssueID:     models.StringPtr(wf.IssueID),
			WorkflowID:  models.StringPtr(wf.ID),
			Action:      "workflow_resubmitted",
			Description: "Workflow resubmitted by " + actor,
			Details: map[string]interface{}{
				"status":   string(wf.Status),
				"required": wf.ApprovalCountRequired,
			},
			Success: true,
		})
	})
	if err != nil {
		return nil, classifyStoreError(err, "resubmit", workflowID)
	}

	d.telemetry.Metrics.RecordDecision("resubmit")
	d.logger.Info().Str("workflow_id", wf.ID).Str("actor", actor).Str("status", string(wf.Status)).
		Msg("Workflow resubmitted")

	return approvalStateOf(wf), nil
}

// Pending lists workflows awaiting approval, newest first.
func (d *Decider) Pending(ctx context.Context) ([]*models.Workflow, error) {
	status := models.WorkflowStatusPendingApproval
	wfs, err := d.store.ListWorkflows(ctx, stores.WorkflowFilter{Status: &status, Limit: pendingListLimit})
	if err != nil {
		return nil, classifyStoreError(err, "list_pending", "")
	}
	return wfs, nil
}
