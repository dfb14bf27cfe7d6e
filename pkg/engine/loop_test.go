package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/selfheal/selfheal/pkg/models"
	"github.com/selfheal/selfheal/pkg/notify"
	"github.com/selfheal/selfheal/pkg/reasoning"
	"github.com/selfheal/selfheal/pkg/stores"
)

// TestTickGatesHighRisk tests a tick that stops at the approval gate, then
// a second tick that executes the approved workflow
func TestTickGatesHighRisk(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	notifier := &recordingNotifier{}
	dispatcher := newStubDispatcher()
	e := newTestEngine(t, store, newStubReasoner(models.CategoryPlatformBug, models.ImpactHigh, 0.85), dispatcher, notifier)

	signals := ingestSignals(t, store, models.SignalTypeCheckoutEvent, "m_100", 3)

	result, err := e.Loop.Tick(ctx)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if result.Clusters != 1 || len(result.Issues) != 1 || len(result.Workflows) != 1 {
		t.Fatalf("unexpected tick result: %+v", result)
	}
	if len(result.Executed) != 0 {
		t.Errorf("gated workflow must not execute, got %v", result.Executed)
	}

	for _, s := range signals {
		stored, err := store.GetSignal(ctx, s.ID)
		if err != nil {
			t.Fatalf("failed to get signal: %v", err)
		}
		if !stored.Processed {
			t.Errorf("signal %s not processed", s.ID)
		}
	}

	msgs := notifier.all()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(msgs))
	}
	if msgs[0].Type != notify.TypeIssueWorkflow || msgs[0].WorkflowStatus != string(models.WorkflowStatusPendingApproval) {
		t.Errorf("unexpected notification: %+v", msgs[0])
	}

	wfID := result.Workflows[0]
	for _, user := range []string{"alice", "bob"} {
		if _, err := e.Decider.Approve(ctx, wfID, user, ""); err != nil {
			t.Fatalf("failed to approve: %v", err)
		}
	}

	result, err = e.Loop.Tick(ctx)
	if err != nil {
		t.Fatalf("second tick failed: %v", err)
	}
	if result.Clusters != 0 {
		t.Errorf("expected no clusters on second tick, got %d", result.Clusters)
	}
	if len(result.Executed) != 1 || result.Executed[0] != wfID {
		t.Fatalf("expected sweep to execute %s, got %v", wfID, result.Executed)
	}

	wf, err := store.GetWorkflow(ctx, wfID)
	if err != nil {
		t.Fatalf("failed to get workflow: %v", err)
	}
	if wf.Status != models.WorkflowStatusCompleted {
		t.Errorf("expected completed, got %s", wf.Status)
	}

	state := e.Loop.Status()
	if state.Status != LoopIdle || state.LoopCount != 2 || state.LastRun == nil {
		t.Errorf("unexpected loop state: %+v", state)
	}
}

// TestTickCheckoutFallbackGated tests checkout failures classified by the
// keyword fallback end up waiting for two approvals
func TestTickCheckoutFallbackGated(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	reasoner := reasoning.NewStrategy(nil, time.Second, zerolog.Nop())
	dispatcher := newStubDispatcher()
	e := newTestEngine(t, store, reasoner, dispatcher, nil)

	ingestSignals(t, store, models.SignalTypeCheckoutEvent, "m_100", 3)

	result, err := e.Loop.Tick(ctx)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(result.Issues) != 1 || len(result.Workflows) != 1 {
		t.Fatalf("unexpected tick result: %+v", result)
	}
	if len(result.Executed) != 0 {
		t.Errorf("gated workflow must not execute, got %v", result.Executed)
	}

	issue, err := store.GetIssue(ctx, result.Issues[0])
	if err != nil {
		t.Fatalf("failed to get issue: %v", err)
	}
	if issue.Category != models.CategoryPlatformBug || issue.EstimatedImpact != models.ImpactHigh {
		t.Errorf("expected platform_bug/high, got %s/%s", issue.Category, issue.EstimatedImpact)
	}
	if issue.Confidence != reasoning.FallbackConfidence {
		t.Errorf("expected fallback confidence, got %v", issue.Confidence)
	}

	wf, err := store.GetWorkflow(ctx, result.Workflows[0])
	if err != nil {
		t.Fatalf("failed to get workflow: %v", err)
	}
	if wf.OverallRisk != models.RiskHigh {
		t.Errorf("expected high risk, got %s", wf.OverallRisk)
	}
	if wf.Status != models.WorkflowStatusPendingApproval {
		t.Errorf("expected pending_approval, got %s", wf.Status)
	}
	if !wf.RequiresApproval || wf.ApprovalCountRequired != 2 || len(wf.Approvals) != 0 {
		t.Errorf("expected 0 of 2 approvals, got %d of %d", len(wf.Approvals), wf.ApprovalCountRequired)
	}
	if len(dispatcher.calls) != 0 {
		t.Errorf("expected no dispatched actions, got %v", dispatcher.calls)
	}
}

// TestTickAutoApprovedExecutes tests that a confident low risk issue is fixed in one tick
func TestTickAutoApprovedExecutes(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	notifier := &recordingNotifier{}
	e := newTestEngine(t, store, newStubReasoner(models.CategoryDocumentationGap, models.ImpactLow, 0.95), newStubDispatcher(), notifier)

	ingestSignals(t, store, models.SignalTypeSupportTicket, "m_5", 1)

	result, err := e.Loop.Tick(ctx)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(result.Executed) != 1 {
		t.Fatalf("expected auto-approved workflow to execute, got %+v", result)
	}

	issue, err := store.GetIssue(ctx, result.Issues[0])
	if err != nil {
		t.Fatalf("failed to get issue: %v", err)
	}
	if issue.Status != models.IssueStatusResolved {
		t.Errorf("expected resolved issue, got %s", issue.Status)
	}

	msgs := notifier.all()
	if len(msgs) != 1 || msgs[0].WorkflowStatus != string(models.WorkflowStatusCompleted) {
		t.Errorf("expected completed notification, got %+v", msgs)
	}
}

// Reasoner failing for one subject
type subjectFailingReasoner struct {
	*stubReasoner
	subject string
}

func (r subjectFailingReasoner) Reason(ctx context.Context, signals []*models.Signal) (*reasoning.Result, error) {
	if signals[0].SubjectID == r.subject {
		return nil, errors.New("reasoning engine unavailable")
	}
	return r.stubReasoner.Reason(ctx, signals)
}

// TestTickIsolatesClusterFailures tests that one failing cluster does not stop the others
func TestTickIsolatesClusterFailures(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	reasoner := subjectFailingReasoner{
		stubReasoner: newStubReasoner(models.CategoryPlatformBug, models.ImpactHigh, 0.8),
		subject:      "m_1",
	}
	e := newTestEngine(t, store, reasoner, newStubDispatcher(), nil)

	ingestSignals(t, store, models.SignalTypeAPIError, "m_1", 2)
	ingestSignals(t, store, models.SignalTypeCheckoutEvent, "m_2", 2)

	result, err := e.Loop.Tick(ctx)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if result.Clusters != 2 || result.Failures != 1 {
		t.Errorf("expected 2 clusters with 1 failure, got %+v", result)
	}
	if len(result.Issues) != 1 {
		t.Errorf("expected the healthy cluster to yield an issue, got %d", len(result.Issues))
	}

	unprocessed := false
	count, err := store.CountSignals(ctx, &unprocessed)
	if err != nil {
		t.Fatalf("failed to count signals: %v", err)
	}
	if count != 2 {
		t.Errorf("expected failed cluster to stay unprocessed, got %d unprocessed", count)
	}
}

// TestLoopStartStop tests the background loop lifecycle
func TestLoopStartStop(t *testing.T) {
	store := setupTestStore(t)
	e := newTestEngine(t, store, newStubReasoner(models.CategoryUnknown, models.ImpactLow, 0.5), newStubDispatcher(), nil)

	if err := e.Loop.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if err := e.Loop.Start(); ErrorCode(err) != ErrCodePrecondition {
		t.Errorf("expected precondition error on second start, got %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for e.Loop.Status().LoopCount == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Loop.Stop(ctx); err != nil {
		t.Fatalf("failed to stop: %v", err)
	}

	state := e.Loop.Status()
	if state.Running || state.Status != LoopStopped {
		t.Errorf("expected stopped loop, got %+v", state)
	}
	if state.LoopCount == 0 {
		t.Error("expected at least one tick")
	}
}

// TestRecoverPausesOrphans tests that workflows left running are paused for review
func TestRecoverPausesOrphans(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	e := newTestEngine(t, store, newStubReasoner(models.CategoryUnknown, models.ImpactLow, 0.5), newStubDispatcher(), nil)

	wf := createWorkflow(t, store, models.WorkflowStatusRunning,
		models.ActionSendNotification, models.ActionRunDiagnostic, models.ActionReplyTicket)
	_, err := store.UpdateWorkflowFunc(ctx, wf.ID, func(_ stores.Repository, wf *models.Workflow) error {
		wf.Steps[0].Status = models.StepStatusCompleted
		wf.Steps[1].Status = models.StepStatusRunning
		return nil
	})
	if err != nil {
		t.Fatalf("failed to update workflow: %v", err)
	}

	n, err := e.Loop.Recover(ctx)
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered workflow, got %d", n)
	}

	stored, err := store.GetWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatalf("failed to get workflow: %v", err)
	}
	if stored.Status != models.WorkflowStatusPaused || stored.CurrentStep != 1 {
		t.Errorf("expected paused at step 1, got %s at %d", stored.Status, stored.CurrentStep)
	}
	if stored.Steps[1].Status != models.StepStatusFailed {
		t.Errorf("expected interrupted step failed, got %s", stored.Steps[1].Status)
	}
	if got := auditCount(t, store, models.AuditEscalation, wf.ID); got != 1 {
		t.Errorf("expected 1 ESCALATION entry, got %d", got)
	}

	if n, _ := e.Loop.Recover(ctx); n != 0 {
		t.Errorf("expected nothing to recover on second pass, got %d", n)
	}
}
