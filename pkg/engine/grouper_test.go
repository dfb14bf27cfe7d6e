package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/selfheal/selfheal/pkg/models"
)

func sig(id string, typ models.SignalType, subject string, ts time.Time) *models.Signal {
	return &models.Signal{ID: id, Type: typ, SubjectID: subject, Severity: models.SeverityHigh, Timestamp: ts}
}

// TestDetectPatterns tests windowing, the size filter and ordering
func TestDetectPatterns(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-10 * time.Minute)
	old := now.Add(-2 * time.Hour)

	signals := []*models.Signal{
		sig("a1", models.SignalTypeAPIError, "m_2", recent),
		sig("c1", models.SignalTypeCheckoutEvent, "m_1", recent),
		sig("a2", models.SignalTypeAPIError, "m_2", recent),
		sig("c2", models.SignalTypeCheckoutEvent, "m_1", recent),
		sig("t1", models.SignalTypeSupportTicket, "m_3", recent),
		sig("c3", models.SignalTypeCheckoutEvent, "m_1", recent),
		sig("o1", models.SignalTypeWebhookFailure, "m_4", old),
		sig("o2", models.SignalTypeWebhookFailure, "m_4", old),
	}

	patterns := DetectPatterns(signals, now, time.Hour, 2)
	if len(patterns) != 2 {
		t.Fatalf("expected 2 patterns, got %d", len(patterns))
	}

	if patterns[0].Key.String() != "checkout_event:m_1" || patterns[0].Size() != 3 {
		t.Errorf("expected checkout_event:m_1 with 3 signals first, got %s with %d", patterns[0].Key, patterns[0].Size())
	}
	if patterns[1].Key.String() != "api_error:m_2" || patterns[1].Size() != 2 {
		t.Errorf("expected api_error:m_2 with 2 signals second, got %s with %d", patterns[1].Key, patterns[1].Size())
	}
}

// TestDetectPatternsTieOrder tests that equal sized groups keep first appearance order
func TestDetectPatternsTieOrder(t *testing.T) {
	now := time.Now()
	signals := []*models.Signal{
		sig("1", models.SignalTypeAPIError, "b", now),
		sig("2", models.SignalTypeAPIError, "a", now),
		sig("3", models.SignalTypeAPIError, "a", now),
		sig("4", models.SignalTypeAPIError, "b", now),
	}

	patterns := DetectPatterns(signals, now, time.Hour, 2)
	if len(patterns) != 2 {
		t.Fatalf("expected 2 patterns, got %d", len(patterns))
	}
	if patterns[0].Key.SubjectID != "b" || patterns[1].Key.SubjectID != "a" {
		t.Errorf("expected order b, a; got %s, %s", patterns[0].Key.SubjectID, patterns[1].Key.SubjectID)
	}
}

// TestGroupAllSkipsProcessed tests that claimed signals never form clusters
func TestGroupAllSkipsProcessed(t *testing.T) {
	now := time.Now()
	processed := sig("p", models.SignalTypeAPIError, "m_1", now)
	processed.Processed = true

	clusters := GroupAll([]*models.Signal{
		processed,
		sig("x", models.SignalTypeSupportTicket, "m_9", now),
	})

	if len(clusters) != 1 {
		t.Fatalf("expected 1 cluster, got %d", len(clusters))
	}
	if clusters[0].SignalIDs[0] != "x" {
		t.Errorf("expected signal x, got %v", clusters[0].SignalIDs)
	}
}

// TestGrouperFallback tests that isolated signals are grouped when no pattern qualifies
func TestGrouperFallback(t *testing.T) {
	store := setupTestStore(t)
	ingestSignals(t, store, models.SignalTypeSupportTicket, "m_1", 1)
	ingestSignals(t, store, models.SignalTypeAPIError, "m_2", 1)

	g := NewGrouper(store, DefaultConfig(), zerolog.Nop())
	clusters, err := g.Clusters(context.Background())
	if err != nil {
		t.Fatalf("failed to compute clusters: %v", err)
	}

	if len(clusters) != 2 {
		t.Fatalf("expected 2 single-signal clusters, got %d", len(clusters))
	}
	for _, c := range clusters {
		if c.Size() != 1 {
			t.Errorf("expected cluster size 1, got %d", c.Size())
		}
	}
}

// TestGrouperCapsClusters tests the per-tick cluster cap
func TestGrouperCapsClusters(t *testing.T) {
	store := setupTestStore(t)
	for i := 0; i < 4; i++ {
		ingestSignals(t, store, models.SignalTypeCheckoutEvent, fmt.Sprintf("m_%d", i), 2)
	}

	cfg := DefaultConfig()
	cfg.MaxClustersPerTick = 3
	g := NewGrouper(store, cfg, zerolog.Nop())

	clusters, err := g.Clusters(context.Background())
	if err != nil {
		t.Fatalf("failed to compute clusters: %v", err)
	}
	if len(clusters) != 3 {
		t.Errorf("expected 3 clusters, got %d", len(clusters))
	}
}

// TestGrouperReadsWholeWindow tests that a large burst stays in one cluster
func TestGrouperReadsWholeWindow(t *testing.T) {
	store := setupTestStore(t)
	ingestSignals(t, store, models.SignalTypeCheckoutEvent, "m_burst", 60)
	ingestSignals(t, store, models.SignalTypeAPIError, "m_other", 2)

	g := NewGrouper(store, DefaultConfig(), zerolog.Nop())
	clusters, err := g.Clusters(context.Background())
	if err != nil {
		t.Fatalf("failed to compute clusters: %v", err)
	}

	if len(clusters) != 2 {
		t.Fatalf("expected 2 clusters, got %d", len(clusters))
	}
	if clusters[0].Key.String() != "checkout_event:m_burst" || clusters[0].Size() != 60 {
		t.Errorf("expected the whole burst in the first cluster, got %s with %d signals", clusters[0].Key, clusters[0].Size())
	}
}
