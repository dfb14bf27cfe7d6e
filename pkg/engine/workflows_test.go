package engine

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/selfheal/selfheal/pkg/models"
)

// TestPauseResume tests the operator pause and resume transitions
func TestPauseResume(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	wfs := NewWorkflows(store, nil, zerolog.Nop())

	wf := createWorkflow(t, store, models.WorkflowStatusRunning,
		models.ActionSendNotification, models.ActionRunDiagnostic)

	paused, err := wfs.Pause(ctx, wf.ID, "operator")
	if err != nil {
		t.Fatalf("failed to pause: %v", err)
	}
	if paused.Status != models.WorkflowStatusPaused || paused.CurrentStep != 0 {
		t.Errorf("expected paused at step 0, got %s at %d", paused.Status, paused.CurrentStep)
	}

	if _, err := wfs.Pause(ctx, wf.ID, "operator"); ErrorCode(err) != ErrCodePrecondition {
		t.Errorf("expected precondition error pausing a paused workflow, got %v", err)
	}

	resumed, err := wfs.Resume(ctx, wf.ID, "operator")
	if err != nil {
		t.Fatalf("failed to resume: %v", err)
	}
	if resumed.Status != models.WorkflowStatusApproved {
		t.Errorf("expected approved, got %s", resumed.Status)
	}

	if got := auditCount(t, store, models.AuditHumanOverride, wf.ID); got != 2 {
		t.Errorf("expected 2 HUMAN_OVERRIDE entries, got %d", got)
	}
}

// TestUpdateStep tests partial step edits and their guards
func TestUpdateStep(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	wfs := NewWorkflows(store, nil, zerolog.Nop())

	wf := createWorkflow(t, store, models.WorkflowStatusPendingApproval, models.ActionReplyTicket)

	name := "Reply with apology"
	updated, err := wfs.UpdateStep(ctx, wf.ID, 1, StepUpdate{
		Name:       &name,
		Parameters: map[string]interface{}{"template": "apology"},
	})
	if err != nil {
		t.Fatalf("failed to update step: %v", err)
	}
	if updated.Steps[0].Name != name || updated.Steps[0].Parameters["template"] != "apology" {
		t.Errorf("step not updated: %+v", updated.Steps[0])
	}
	if updated.Steps[0].ActionType != models.ActionReplyTicket {
		t.Error("unset fields must be preserved")
	}

	if _, err := wfs.UpdateStep(ctx, wf.ID, 9, StepUpdate{Name: &name}); ErrorCode(err) != ErrCodeNotFound {
		t.Errorf("expected not found for unknown step, got %v", err)
	}

	running := createWorkflow(t, store, models.WorkflowStatusRunning, models.ActionReplyTicket)
	if _, err := wfs.UpdateStep(ctx, running.ID, 1, StepUpdate{Name: &name}); ErrorCode(err) != ErrCodePrecondition {
		t.Errorf("expected precondition error editing a running workflow, got %v", err)
	}
}

// TestWorkflowStats tests status counts
func TestWorkflowStats(t *testing.T) {
	store := setupTestStore(t)
	wfs := NewWorkflows(store, nil, zerolog.Nop())

	createWorkflow(t, store, models.WorkflowStatusPendingApproval, models.ActionSendNotification)
	createWorkflow(t, store, models.WorkflowStatusPendingApproval, models.ActionSendNotification)
	createWorkflow(t, store, models.WorkflowStatusCompleted, models.ActionSendNotification)

	stats, err := wfs.Stats(context.Background())
	if err != nil {
		t.Fatalf("failed to get stats: %v", err)
	}
	if stats.Total != 3 || stats.PendingApproval != 2 || stats.Completed != 1 || stats.Running != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	status := models.WorkflowStatusPendingApproval
	list, err := wfs.List(context.Background(), &status, 0)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 pending workflows, got %d", len(list))
	}
}
