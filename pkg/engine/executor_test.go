package engine

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/selfheal/selfheal/pkg/actions"
	"github.com/selfheal/selfheal/pkg/models"
	"github.com/selfheal/selfheal/pkg/stores"
	"github.com/selfheal/selfheal/pkg/telemetry"
)

// TestExecuteCompletes tests a full run that resolves the issue
func TestExecuteCompletes(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	dispatcher := newStubDispatcher()
	exec := NewExecutor(store, dispatcher, stubGuard{}, nil, zerolog.Nop())

	wf := createWorkflow(t, store, models.WorkflowStatusApproved,
		models.ActionSendNotification, models.ActionRunDiagnostic)

	report, err := exec.Execute(ctx, wf.ID)
	if err != nil {
		t.Fatalf("failed to execute: %v", err)
	}

	if !report.Success || report.Status != models.WorkflowStatusCompleted {
		t.Errorf("expected completed report, got %+v", report)
	}
	if report.CompletedSteps != 2 || len(report.Results) != 2 {
		t.Errorf("expected 2 completed steps, got %d (%d results)", report.CompletedSteps, len(report.Results))
	}

	stored, err := store.GetWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatalf("failed to get workflow: %v", err)
	}
	if stored.StartedAt == nil || stored.CompletedAt == nil {
		t.Error("expected started_at and completed_at to be set")
	}

	issue, err := store.GetIssue(ctx, wf.IssueID)
	if err != nil {
		t.Fatalf("failed to get issue: %v", err)
	}
	if issue.Status != models.IssueStatusResolved || issue.ResolvedAt == nil {
		t.Errorf("expected resolved issue, got %s", issue.Status)
	}

	if got := auditCount(t, store, models.AuditWorkflowStarted, wf.ID); got != 1 {
		t.Errorf("expected 1 WORKFLOW_STARTED entry, got %d", got)
	}
	if got := auditCount(t, store, models.AuditStepExecuted, wf.ID); got != 2 {
		t.Errorf("expected 2 STEP_EXECUTED entries, got %d", got)
	}
	if got := auditCount(t, store, models.AuditWorkflowCompleted, wf.ID); got != 1 {
		t.Errorf("expected 1 WORKFLOW_COMPLETED entry, got %d", got)
	}
}

// TestExecuteForbiddenAction tests that hotfix steps are never run automatically
func TestExecuteForbiddenAction(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	dispatcher := newStubDispatcher()
	exec := NewExecutor(store, dispatcher, stubGuard{}, nil, zerolog.Nop())

	wf := createWorkflow(t, store, models.WorkflowStatusApproved,
		models.ActionSendNotification, models.ActionApplyHotfix, models.ActionRunDiagnostic)

	report, err := exec.Execute(ctx, wf.ID)
	if err != nil {
		t.Fatalf("failed to execute: %v", err)
	}

	if report.Success || report.FailedStep == nil || *report.FailedStep != 1 {
		t.Fatalf("expected failure at step index 1, got %+v", report)
	}
	if report.Status != models.WorkflowStatusPaused {
		t.Errorf("expected paused, got %s", report.Status)
	}
	if dispatcher.count(models.ActionApplyHotfix) != 0 {
		t.Error("hotfix handler must not be dispatched")
	}
	if dispatcher.count(models.ActionRunDiagnostic) != 0 {
		t.Error("steps after a failure must not run")
	}

	stored, err := store.GetWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatalf("failed to get workflow: %v", err)
	}
	if stored.CurrentStep != 1 {
		t.Errorf("expected current_step 1, got %d", stored.CurrentStep)
	}
	hotfix := stored.Steps[1]
	if hotfix.Status != models.StepStatusFailed {
		t.Errorf("expected hotfix step failed, got %s", hotfix.Status)
	}
	if manual, _ := hotfix.Result["requires_manual"].(bool); !manual {
		t.Errorf("expected requires_manual in result, got %v", hotfix.Result)
	}
	if stored.Steps[2].Status != models.StepStatusPending {
		t.Errorf("expected last step pending, got %s", stored.Steps[2].Status)
	}
	if got := auditCount(t, store, models.AuditStepFailed, wf.ID); got != 1 {
		t.Errorf("expected 1 STEP_FAILED entry, got %d", got)
	}
}

// TestExecutePolicyBlocked tests that a blocking policy turns the step into a manual one
func TestExecutePolicyBlocked(t *testing.T) {
	store := setupTestStore(t)
	dispatcher := newStubDispatcher()
	exec := NewExecutor(store, dispatcher, stubGuard{block: true}, nil, zerolog.Nop())

	wf := createWorkflow(t, store, models.WorkflowStatusApproved, models.ActionUpdateConfig)

	report, err := exec.Execute(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("failed to execute: %v", err)
	}

	if report.Success || len(report.Results) != 1 {
		t.Fatalf("expected one failed step, got %+v", report)
	}
	if _, ok := report.Results[0].Result["policy_violations"]; !ok {
		t.Errorf("expected policy_violations in result, got %v", report.Results[0].Result)
	}
	if dispatcher.count(models.ActionUpdateConfig) != 0 {
		t.Error("blocked step must not be dispatched")
	}
}

// TestResumeSkipsCompletedSteps tests that resuming never repeats completed steps
func TestResumeSkipsCompletedSteps(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	dispatcher := newStubDispatcher()
	exec := NewExecutor(store, dispatcher, stubGuard{}, nil, zerolog.Nop())
	wfs := NewWorkflows(store, nil, zerolog.Nop())

	wf := createWorkflow(t, store, models.WorkflowStatusApproved,
		models.ActionSendNotification, models.ActionRunDiagnostic, models.ActionReplyTicket)

	dispatcher.setFailure(models.ActionRunDiagnostic, "diagnostic service unavailable")
	report, err := exec.Execute(ctx, wf.ID)
	if err != nil {
		t.Fatalf("failed to execute: %v", err)
	}
	if report.Status != models.WorkflowStatusPaused {
		t.Fatalf("expected paused, got %s", report.Status)
	}
	if report.Error != "Step 2 failed: diagnostic service unavailable" {
		t.Errorf("unexpected error message: %q", report.Error)
	}

	dispatcher.setFailure(models.ActionRunDiagnostic, "")
	if _, err := wfs.Resume(ctx, wf.ID, "operator"); err != nil {
		t.Fatalf("failed to resume: %v", err)
	}

	report, err = exec.Execute(ctx, wf.ID)
	if err != nil {
		t.Fatalf("failed to execute resumed workflow: %v", err)
	}
	if report.Status != models.WorkflowStatusCompleted {
		t.Fatalf("expected completed, got %s", report.Status)
	}
	if len(report.Results) != 2 {
		t.Errorf("expected 2 steps in resumed run, got %d", len(report.Results))
	}

	if n := dispatcher.count(models.ActionSendNotification); n != 1 {
		t.Errorf("expected first step dispatched once, got %d", n)
	}
	if n := dispatcher.count(models.ActionRunDiagnostic); n != 2 {
		t.Errorf("expected failed step dispatched twice, got %d", n)
	}
}

// Dispatcher that cancels the execution context while one action runs
type cancellingDispatcher struct {
	*stubDispatcher
	action models.ActionType
	cancel context.CancelFunc
}

func (d *cancellingDispatcher) Dispatch(ctx context.Context, action models.ActionType, params map[string]interface{}) (actions.Result, error) {
	if action == d.action {
		d.cancel()
	}
	return d.stubDispatcher.Dispatch(ctx, action, params)
}

// TestExecuteCancelledMidStep tests that a step running when the context is
// cancelled still stores its outcome and the run stops at the next boundary
func TestExecuteCancelledMidStep(t *testing.T) {
	store := setupTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := &cancellingDispatcher{
		stubDispatcher: newStubDispatcher(),
		action:         models.ActionSendNotification,
		cancel:         cancel,
	}
	e := newTestEngine(t, store, newStubReasoner(models.CategoryUnknown, models.ImpactLow, 0.5), dispatcher, nil)

	wf := createWorkflow(t, store, models.WorkflowStatusApproved,
		models.ActionSendNotification, models.ActionRunDiagnostic)

	report, err := e.Executor.Execute(ctx, wf.ID)
	if err != nil {
		t.Fatalf("failed to execute: %v", err)
	}
	if report.Error != "execution interrupted" || report.Status != models.WorkflowStatusRunning {
		t.Errorf("expected interrupted running report, got %+v", report)
	}
	if report.CompletedSteps != 1 {
		t.Errorf("expected 1 completed step, got %d", report.CompletedSteps)
	}

	stored, err := store.GetWorkflow(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("failed to get workflow: %v", err)
	}
	if stored.Steps[0].Status != models.StepStatusCompleted {
		t.Errorf("expected first step completed, got %s", stored.Steps[0].Status)
	}
	if stored.Steps[1].Status != models.StepStatusPending {
		t.Errorf("expected second step pending, got %s", stored.Steps[1].Status)
	}
	if got := auditCount(t, store, models.AuditStepExecuted, wf.ID); got != 1 {
		t.Errorf("expected 1 STEP_EXECUTED entry, got %d", got)
	}
	if n := dispatcher.count(models.ActionRunDiagnostic); n != 0 {
		t.Errorf("expected second step not dispatched, got %d", n)
	}

	bg := context.Background()
	if n, err := e.Loop.Recover(bg); err != nil || n != 1 {
		t.Fatalf("expected 1 recovered workflow, got %d (%v)", n, err)
	}
	if _, err := e.Workflows.Resume(bg, wf.ID, "operator"); err != nil {
		t.Fatalf("failed to resume: %v", err)
	}
	report, err = e.Executor.Execute(bg, wf.ID)
	if err != nil {
		t.Fatalf("failed to execute resumed workflow: %v", err)
	}
	if report.Status != models.WorkflowStatusCompleted {
		t.Fatalf("expected completed, got %s", report.Status)
	}
	if n := dispatcher.count(models.ActionSendNotification); n != 1 {
		t.Errorf("expected interrupted step dispatched once, got %d", n)
	}
}

// TestExecuteInterruptedMetrics tests that an interrupted run is not counted
// as a finished workflow
func TestExecuteInterruptedMetrics(t *testing.T) {
	store := setupTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel := telemetry.NewNop()
	metrics, err := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	tel.Metrics = metrics

	dispatcher := &cancellingDispatcher{
		stubDispatcher: newStubDispatcher(),
		action:         models.ActionSendNotification,
		cancel:         cancel,
	}
	exec := NewExecutor(store, dispatcher, stubGuard{}, tel, zerolog.Nop())

	wf := createWorkflow(t, store, models.WorkflowStatusApproved,
		models.ActionSendNotification, models.ActionRunDiagnostic)
	if _, err := exec.Execute(ctx, wf.ID); err != nil {
		t.Fatalf("failed to execute: %v", err)
	}

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		"selfheal_workflow_interruptions_total 1",
		"selfheal_active_executions 0",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
	if strings.Contains(body, "selfheal_workflow_outcomes_total{") {
		t.Error("interrupted run must not record a workflow outcome")
	}
}

// TestExecuteRequiresApproved tests the execution precondition
func TestExecuteRequiresApproved(t *testing.T) {
	store := setupTestStore(t)
	exec := NewExecutor(store, newStubDispatcher(), stubGuard{}, nil, zerolog.Nop())

	for _, status := range []models.WorkflowStatus{
		models.WorkflowStatusPendingApproval,
		models.WorkflowStatusDraft,
		models.WorkflowStatusCompleted,
	} {
		wf := createWorkflow(t, store, status, models.ActionSendNotification)
		_, err := exec.Execute(context.Background(), wf.ID)
		if !IsPermanent(err) || ErrorCode(err) != ErrCodePrecondition {
			t.Errorf("%s: expected precondition error, got %v", status, err)
		}
	}
}

// TestExecuteRequiresApprovals tests that an approved status without enough approvals is refused
func TestExecuteRequiresApprovals(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	exec := NewExecutor(store, newStubDispatcher(), stubGuard{}, nil, zerolog.Nop())

	wf := createWorkflow(t, store, models.WorkflowStatusApproved, models.ActionSendNotification)
	_, err := store.UpdateWorkflowFunc(ctx, wf.ID, func(_ stores.Repository, wf *models.Workflow) error {
		wf.RequiresApproval = true
		wf.ApprovalCountRequired = 2
		return nil
	})
	if err != nil {
		t.Fatalf("failed to update workflow: %v", err)
	}

	if _, err := exec.Execute(ctx, wf.ID); ErrorCode(err) != ErrCodePrecondition {
		t.Errorf("expected precondition error, got %v", err)
	}
}

// TestRollback tests the forced rollback transition
func TestRollback(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	exec := NewExecutor(store, newStubDispatcher(), stubGuard{}, nil, zerolog.Nop())

	wf := createWorkflow(t, store, models.WorkflowStatusPaused, models.ActionSendNotification)

	rolled, err := exec.Rollback(ctx, wf.ID, "bad fix", "operator")
	if err != nil {
		t.Fatalf("failed to roll back: %v", err)
	}
	if rolled.Status != models.WorkflowStatusRolledBack {
		t.Errorf("expected rolled_back, got %s", rolled.Status)
	}
	if got := auditCount(t, store, models.AuditWorkflowRolledBack, wf.ID); got != 1 {
		t.Errorf("expected 1 WORKFLOW_ROLLED_BACK entry, got %d", got)
	}

	if _, err := exec.Rollback(ctx, wf.ID, "again", "operator"); ErrorCode(err) != ErrCodePrecondition {
		t.Errorf("expected precondition error on second rollback, got %v", err)
	}
}
