package stores

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/selfheal/selfheal/pkg/models"
)

// setupTestStore creates a file-backed SQLite store in a temp dir for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "selfheal.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testSignal(id string, typ models.SignalType, subject string, ts time.Time) *models.Signal {
	return &models.Signal{
		ID:        id,
		Type:      typ,
		Source:    "test",
		SubjectID: subject,
		Severity:  models.SeverityHigh,
		Title:     "signal " + id,
		Content:   map[string]interface{}{"error": "payment failed"},
		Timestamp: ts,
	}
}

func testWorkflow(id string) *models.Workflow {
	now := time.Now().UTC()
	return &models.Workflow{
		ID:                    id,
		IssueID:               "issue-1",
		Name:                  "Test workflow",
		OverallRisk:           models.RiskHigh,
		RequiresApproval:      true,
		ApprovalCountRequired: 2,
		Status:                models.WorkflowStatusPendingApproval,
		Steps: []models.WorkflowStep{
			{ID: 1, Name: "Notify", ActionType: models.ActionSendNotification, Status: models.StepStatusPending, DependsOn: []int{}},
			{ID: 2, Name: "Escalate", ActionType: models.ActionEscalateEngineering, Status: models.StepStatusPending, DependsOn: []int{1}},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "lifecycle.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	// Second run is a no-op
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestNewSQLiteStoreRequiresPath tests configuration validation
func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestSignalCRUD tests signal creation, lookup and filtered listing
func TestSignalCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.CreateSignal(ctx, testSignal("s1", models.SignalTypeCheckoutEvent, "m1", now.Add(-2*time.Minute))); err != nil {
		t.Fatalf("failed to create signal: %v", err)
	}
	if err := store.CreateSignal(ctx, testSignal("s2", models.SignalTypeAPIError, "m1", now.Add(-time.Minute))); err != nil {
		t.Fatalf("failed to create signal: %v", err)
	}

	got, err := store.GetSignal(ctx, "s1")
	if err != nil {
		t.Fatalf("failed to get signal: %v", err)
	}
	if got.Type != models.SignalTypeCheckoutEvent || got.SubjectID != "m1" {
		t.Errorf("unexpected signal: %+v", got)
	}
	if got.Content["error"] != "payment failed" {
		t.Errorf("content not round-tripped: %v", got.Content)
	}
	if got.Processed || got.IssueID != nil {
		t.Error("new signal should be unprocessed")
	}

	if _, err := store.GetSignal(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	all, err := store.ListSignals(ctx, SignalFilter{})
	if err != nil {
		t.Fatalf("failed to list signals: %v", err)
	}
	if len(all) != 2 || all[0].ID != "s2" {
		t.Errorf("expected newest first, got %d signals", len(all))
	}

	typ := models.SignalTypeCheckoutEvent
	filtered, err := store.ListSignals(ctx, SignalFilter{Type: &typ})
	if err != nil {
		t.Fatalf("failed to list signals: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ID != "s1" {
		t.Errorf("type filter returned %d signals", len(filtered))
	}

	since := now.Add(-90 * time.Second)
	recent, err := store.ListSignals(ctx, SignalFilter{Since: &since})
	if err != nil {
		t.Fatalf("failed to list signals: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != "s2" {
		t.Errorf("since filter returned %d signals", len(recent))
	}
}

// TestClaimSignalsExactlyOnce tests that signals are claimed by one issue only
func TestClaimSignalsExactlyOnce(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"a", "b", "c"} {
		if err := store.CreateSignal(ctx, testSignal(id, models.SignalTypeCheckoutEvent, "m1", now)); err != nil {
			t.Fatalf("failed to create signal: %v", err)
		}
	}

	if err := store.ClaimSignals(ctx, []string{"a", "b"}, "issue-1"); err != nil {
		t.Fatalf("failed to claim signals: %v", err)
	}

	// Overlapping claim inside a transaction must fail and leave "c" untouched
	err := store.Atomic(ctx, func(r Repository) error {
		return r.ClaimSignals(ctx, []string{"b", "c"}, "issue-2")
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	c, err := store.GetSignal(ctx, "c")
	if err != nil {
		t.Fatalf("failed to get signal: %v", err)
	}
	if c.Processed {
		t.Error("signal c should have been rolled back to unprocessed")
	}

	b, err := store.GetSignal(ctx, "b")
	if err != nil {
		t.Fatalf("failed to get signal: %v", err)
	}
	if !b.Processed || b.IssueID == nil || *b.IssueID != "issue-1" {
		t.Errorf("signal b should belong to issue-1, got %+v", b)
	}

	unprocessed := false
	n, err := store.CountSignals(ctx, &unprocessed)
	if err != nil {
		t.Fatalf("failed to count signals: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 unprocessed signal, got %d", n)
	}
}

// TestSignalStats tests per-type and per-severity aggregation
func TestSignalStats(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_ = store.CreateSignal(ctx, testSignal("s1", models.SignalTypeCheckoutEvent, "m1", now))
	_ = store.CreateSignal(ctx, testSignal("s2", models.SignalTypeCheckoutEvent, "m2", now))
	_ = store.CreateSignal(ctx, testSignal("s3", models.SignalTypeAPIError, "m1", now.Add(-48*time.Hour)))

	stats, err := store.SignalStats(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("failed to get stats: %v", err)
	}
	if stats.Total != 2 {
		t.Errorf("expected 2 recent signals, got %d", stats.Total)
	}
	if stats.ByType[string(models.SignalTypeCheckoutEvent)] != 2 {
		t.Errorf("unexpected by_type: %v", stats.ByType)
	}
	if stats.BySeverity[string(models.SeverityHigh)] != 2 {
		t.Errorf("unexpected by_severity: %v", stats.BySeverity)
	}
	if stats.Unprocessed != 3 {
		t.Errorf("expected 3 unprocessed, got %d", stats.Unprocessed)
	}
}

// TestIssueCRUD tests issue creation, update and counting
func TestIssueCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	issue := &models.Issue{
		ID:               "issue-1",
		SignalIDs:        []string{"s1", "s2"},
		Category:         models.CategoryPlatformBug,
		Title:            "Checkout/Payment Issue Detected",
		ReasoningChain:   []models.ReasoningStep{{StepNumber: 1, Observation: "o", Inference: "i", Confidence: 0.6}},
		Confidence:       0.6,
		AffectedSubjects: []string{"m1"},
		SubjectCount:     1,
		EstimatedImpact:  models.ImpactHigh,
		Status:           models.IssueStatusDetected,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := store.CreateIssue(ctx, issue); err != nil {
		t.Fatalf("failed to create issue: %v", err)
	}

	got, err := store.GetIssue(ctx, "issue-1")
	if err != nil {
		t.Fatalf("failed to get issue: %v", err)
	}
	if len(got.SignalIDs) != 2 || len(got.ReasoningChain) != 1 {
		t.Errorf("issue lists not round-tripped: %+v", got)
	}

	resolved := time.Now().UTC()
	got.Status = models.IssueStatusResolved
	got.ResolvedAt = &resolved
	got.WorkflowID = models.StringPtr("wf-1")
	got.ProposedActions = []string{"Notify"}
	if err := store.UpdateIssue(ctx, got); err != nil {
		t.Fatalf("failed to update issue: %v", err)
	}

	open, err := store.CountIssues(ctx, true)
	if err != nil {
		t.Fatalf("failed to count issues: %v", err)
	}
	if open != 0 {
		t.Errorf("expected 0 open issues, got %d", open)
	}

	all, err := store.CountIssues(ctx, false)
	if err != nil {
		t.Fatalf("failed to count issues: %v", err)
	}
	if all != 1 {
		t.Errorf("expected 1 issue, got %d", all)
	}

	missing := &models.Issue{ID: "nope"}
	if err := store.UpdateIssue(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestWorkflowOptimisticVersion tests version checks on workflow updates
func TestWorkflowOptimisticVersion(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	wf := testWorkflow("wf-1")
	if err := store.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("failed to create workflow: %v", err)
	}

	first, _ := store.GetWorkflow(ctx, "wf-1")
	second, _ := store.GetWorkflow(ctx, "wf-1")

	first.Approvals = append(first.Approvals, models.Approval{User: "alice", Timestamp: time.Now().UTC()})
	if err := store.UpdateWorkflow(ctx, first); err != nil {
		t.Fatalf("failed to update workflow: %v", err)
	}
	if first.Version != 2 {
		t.Errorf("expected version 2, got %d", first.Version)
	}

	second.Approvals = append(second.Approvals, models.Approval{User: "bob", Timestamp: time.Now().UTC()})
	if err := store.UpdateWorkflow(ctx, second); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for stale version, got %v", err)
	}

	ghost := testWorkflow("ghost")
	if err := store.UpdateWorkflow(ctx, ghost); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	empty := testWorkflow("empty")
	empty.Steps = nil
	if err := store.CreateWorkflow(ctx, empty); err == nil {
		t.Error("expected error creating workflow without steps")
	}
}

// TestUpdateWorkflowFuncConcurrent tests that concurrent read-modify-write
// updates never lose an approval.
func TestUpdateWorkflowFuncConcurrent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CreateWorkflow(ctx, testWorkflow("wf-1")); err != nil {
		t.Fatalf("failed to create workflow: %v", err)
	}

	users := []string{"alice", "bob", "carol", "dave"}
	var wg sync.WaitGroup
	errs := make(chan error, len(users))
	for _, u := range users {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			_, err := store.UpdateWorkflowFunc(ctx, "wf-1", func(_ Repository, wf *models.Workflow) error {
				wf.Approvals = append(wf.Approvals, models.Approval{User: user, Timestamp: time.Now().UTC()})
				return nil
			})
			errs <- err
		}(u)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent update failed: %v", err)
		}
	}

	wf, err := store.GetWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("failed to get workflow: %v", err)
	}
	if len(wf.Approvals) != len(users) {
		t.Errorf("expected %d approvals, got %d", len(users), len(wf.Approvals))
	}
	if wf.Version != int64(len(users))+1 {
		t.Errorf("expected version %d, got %d", len(users)+1, wf.Version)
	}
}

// TestUpdateWorkflowFuncAbort tests that a callback error leaves the record unchanged
func TestUpdateWorkflowFuncAbort(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CreateWorkflow(ctx, testWorkflow("wf-1")); err != nil {
		t.Fatalf("failed to create workflow: %v", err)
	}

	boom := errors.New("boom")
	_, err := store.UpdateWorkflowFunc(ctx, "wf-1", func(r Repository, wf *models.Workflow) error {
		wf.Status = models.WorkflowStatusApproved
		if err := r.AppendAudit(ctx, &models.AuditLog{EventType: models.AuditWorkflowApproved, Action: "approve"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}

	wf, _ := store.GetWorkflow(ctx, "wf-1")
	if wf.Status != models.WorkflowStatusPendingApproval || wf.Version != 1 {
		t.Errorf("workflow should be unchanged, got status=%s version=%d", wf.Status, wf.Version)
	}

	entries, err := store.ListAudit(ctx, AuditFilter{})
	if err != nil {
		t.Fatalf("failed to list audit: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("audit entry should have been rolled back, got %d", len(entries))
	}
}

// TestWorkflowListAndStats tests listing by status and aggregation
func TestWorkflowListAndStats(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	a := testWorkflow("wf-a")
	b := testWorkflow("wf-b")
	b.Status = models.WorkflowStatusApproved
	b.CreatedAt = a.CreatedAt.Add(time.Second)
	_ = store.CreateWorkflow(ctx, a)
	_ = store.CreateWorkflow(ctx, b)

	status := models.WorkflowStatusApproved
	approved, err := store.ListWorkflows(ctx, WorkflowFilter{Status: &status})
	if err != nil {
		t.Fatalf("failed to list workflows: %v", err)
	}
	if len(approved) != 1 || approved[0].ID != "wf-b" {
		t.Errorf("unexpected approved list: %d", len(approved))
	}

	all, _ := store.ListWorkflows(ctx, WorkflowFilter{Limit: 10})
	if len(all) != 2 || all[0].ID != "wf-b" {
		t.Error("expected newest workflow first")
	}

	stats, err := store.WorkflowStats(ctx)
	if err != nil {
		t.Fatalf("failed to get stats: %v", err)
	}
	if stats.Total != 2 || stats.ByStatus[string(models.WorkflowStatusApproved)] != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

// TestAuditAppendOnly tests audit insertion, filtering and immutability
func TestAuditAppendOnly(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	entry := &models.AuditLog{
		EventType:   models.AuditWorkflowCreated,
		WorkflowID:  models.StringPtr("wf-1"),
		Action:      "create_workflow",
		Description: "Created workflow",
		Details:     map[string]interface{}{"steps": 2},
		Success:     true,
		Confidence:  models.Float64Ptr(0.8),
	}
	if err := store.AppendAudit(ctx, entry); err != nil {
		t.Fatalf("failed to append audit: %v", err)
	}
	if entry.ID == 0 {
		t.Error("expected audit ID to be assigned")
	}
	if entry.Actor != models.DefaultActor {
		t.Errorf("expected default actor, got %q", entry.Actor)
	}

	_ = store.AppendAudit(ctx, &models.AuditLog{EventType: models.AuditSignalReceived, SignalID: models.StringPtr("s1"), Action: "ingest", Success: true})

	wfID := "wf-1"
	entries, err := store.ListAudit(ctx, AuditFilter{WorkflowID: &wfID})
	if err != nil {
		t.Fatalf("failed to list audit: %v", err)
	}
	if len(entries) != 1 || entries[0].Details["steps"] != float64(2) {
		t.Errorf("unexpected filtered audit: %+v", entries)
	}
	if entries[0].Confidence == nil || *entries[0].Confidence != 0.8 {
		t.Error("confidence not round-tripped")
	}

	if _, err := store.db.ExecContext(ctx, "UPDATE audit_logs SET actor = 'mallory'"); err == nil {
		t.Error("expected audit update to be rejected")
	}
}

// TestPurge tests emptying all collections
func TestPurge(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_ = store.CreateSignal(ctx, testSignal("s1", models.SignalTypeAPIError, "m1", time.Now()))
	_ = store.CreateWorkflow(ctx, testWorkflow("wf-1"))
	_ = store.AppendAudit(ctx, &models.AuditLog{EventType: models.AuditConfigChange, Action: "x", Success: true})

	result, err := store.Purge(ctx)
	if err != nil {
		t.Fatalf("failed to purge: %v", err)
	}
	if result.Signals != 1 || result.Workflows != 1 || result.AuditLogs != 1 || result.Issues != 0 {
		t.Errorf("unexpected purge result: %+v", result)
	}

	n, _ := store.CountSignals(ctx, nil)
	if n != 0 {
		t.Errorf("expected no signals after purge, got %d", n)
	}
}
