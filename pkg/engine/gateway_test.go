package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/selfheal/selfheal/pkg/models"
)

// TestGatewayAnalyzeClaimsSignals tests issue creation with signal claims and audit
func TestGatewayAnalyzeClaimsSignals(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	signals := ingestSignals(t, store, models.SignalTypeCheckoutEvent, "m_100", 3)
	reasoner := newStubReasoner(models.CategoryPlatformBug, models.ImpactHigh, 0.85)
	gw := NewGateway(store, reasoner, nil, zerolog.Nop())

	issue, err := gw.Analyze(ctx, signals)
	if err != nil {
		t.Fatalf("failed to analyze: %v", err)
	}

	if issue.Status != models.IssueStatusDetected {
		t.Errorf("expected status detected, got %s", issue.Status)
	}
	if len(issue.SignalIDs) != 3 {
		t.Errorf("expected 3 signal ids, got %d", len(issue.SignalIDs))
	}
	if issue.SubjectCount != 1 || issue.AffectedSubjects[0] != "m_100" {
		t.Errorf("expected single subject m_100, got %v", issue.AffectedSubjects)
	}

	for _, s := range signals {
		stored, err := store.GetSignal(ctx, s.ID)
		if err != nil {
			t.Fatalf("failed to get signal: %v", err)
		}
		if !stored.Processed || stored.IssueID == nil || *stored.IssueID != issue.ID {
			t.Errorf("signal %s not claimed by issue %s", s.ID, issue.ID)
		}
	}

	if got := auditCount(t, store, models.AuditIssueDetected, ""); got != 1 {
		t.Errorf("expected 1 ISSUE_DETECTED entry, got %d", got)
	}
}

// TestGatewayAnalyzeExactlyOnce tests that a claimed cluster cannot produce a second issue
func TestGatewayAnalyzeExactlyOnce(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	signals := ingestSignals(t, store, models.SignalTypeAPIError, "m_7", 2)
	gw := NewGateway(store, newStubReasoner(models.CategoryPlatformBug, models.ImpactMedium, 0.7), nil, zerolog.Nop())

	if _, err := gw.Analyze(ctx, signals); err != nil {
		t.Fatalf("first analyze failed: %v", err)
	}

	_, err := gw.Analyze(ctx, signals)
	if !IsConflict(err) {
		t.Fatalf("expected conflict on second analyze, got %v", err)
	}

	count, err := store.CountIssues(ctx, false)
	if err != nil {
		t.Fatalf("failed to count issues: %v", err)
	}
	if count != 1 {
		t.Errorf("expected exactly 1 issue, got %d", count)
	}
}

// TestGatewayReasonerFailure tests that reasoning errors leave signals unclaimed
func TestGatewayReasonerFailure(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	signals := ingestSignals(t, store, models.SignalTypeSupportTicket, "m_1", 1)
	reasoner := newStubReasoner(models.CategoryUnknown, models.ImpactLow, 0.5)
	reasoner.err = errors.New("engine down")
	gw := NewGateway(store, reasoner, nil, zerolog.Nop())

	_, err := gw.Analyze(ctx, signals)
	if !IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}

	unprocessed := false
	count, err := store.CountSignals(ctx, &unprocessed)
	if err != nil {
		t.Fatalf("failed to count signals: %v", err)
	}
	if count != 1 {
		t.Errorf("expected signal to stay unprocessed, got %d unprocessed", count)
	}
}

// TestGatewayEmptyCluster tests validation of empty input
func TestGatewayEmptyCluster(t *testing.T) {
	store := setupTestStore(t)
	gw := NewGateway(store, newStubReasoner(models.CategoryUnknown, models.ImpactLow, 0.5), nil, zerolog.Nop())

	if _, err := gw.Analyze(context.Background(), nil); ErrorCode(err) != ErrCodeValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}
