package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/selfheal/selfheal/pkg/models"
	"github.com/selfheal/selfheal/pkg/reasoning"
	"github.com/selfheal/selfheal/pkg/stores"
	"github.com/selfheal/selfheal/pkg/telemetry"
)

// Gateway turns a signal cluster into a persisted issue.
type Gateway struct {
	store     stores.Store
	reasoner  Reasoner
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger
}

// NewGateway creates a reasoning gateway.
func NewGateway(store stores.Store, reasoner Reasoner, tel *telemetry.Telemetry, logger zerolog.Logger) *Gateway {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &Gateway{
		store:     store,
		reasoner:  reasoner,
		telemetry: tel,
		logger:    logger.With().Str("component", "gateway").Logger(),
	}
}

// Analyze reasons over the cluster, then creates the issue, claims every
// clustered signal for it and writes the ISSUE_DETECTED audit entry in a
// single transaction. If any signal was claimed concurrently nothing is
// written and a conflict error is returned.
func (g *Gateway) Analyze(ctx context.Context, signals []*models.Signal) (*models.Issue, error) {
	if len(signals) == 0 {
		return nil, NewPermanentError("cluster has no signals", nil).
			WithCode(ErrCodeValidation).WithOperation("analyze")
	}

	spanCtx, span := g.telemetry.Tracer.StartReasoningSpan(ctx, len(signals))
	defer span.End()

	timer := telemetry.NewTimer()
	result, err := g.reasoner.Reason(spanCtx, signals)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, NewTransientError("reasoning failed", err).WithOperation("analyze")
	}
	elapsed := timer.Duration()

	issue := newIssue(signals, result.Draft, time.Now().UTC())
	signalIDs := issue.SignalIDs

	err = g.store.Atomic(spanCtx, func(r stores.Repository) error {
		if err := r.CreateIssue(spanCtx, issue); err != nil {
			return err
		}
		if err := r.ClaimSignals(spanCtx, signalIDs, issue.ID); err != nil {
			return err
		}
		return r.AppendAudit(spanCtx, &models.AuditLog{
			EventType:   models.AuditIssueDetected,
			IssueID:     models.StringPtr(issue.ID),
			Action:      "issue_detected",
			Description: fmt.Sprintf("Detected issue: %s", issue.Title),
			Details: map[string]interface{}{
				"category":      string(issue.Category),
				"confidence":    issue.Confidence,
				"subject_count": issue.SubjectCount,
				"signal_count":  len(signalIDs),
				"source":        string(result.Source),
			},
			Success:    true,
			Reasoning:  models.StringPtr(issue.RootCause),
			Confidence: models.Float64Ptr(issue.Confidence),
		})
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, classifyStoreError(err, "analyze", issue.ID)
	}

	span.SetAttributes(
		telemetry.AttrIssueID.String(issue.ID),
		telemetry.AttrCategory.String(string(issue.Category)),
		telemetry.AttrReasoningSource.String(string(result.Source)),
	)
	telemetry.RecordSuccess(span)
	g.telemetry.Metrics.RecordIssueDetected(string(issue.Category), string(result.Source), elapsed)
	g.telemetry.Metrics.RecordSignalsClaimed(len(signalIDs))
	_ = g.telemetry.Events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeIssueDetected,
		Source:  "gateway",
		IssueID: issue.ID,
		Message: fmt.Sprintf("Issue detected: %s", issue.Title),
		Level:   telemetry.EventLevelInfo,
		Data: map[string]interface{}{
			"category":   string(issue.Category),
			"confidence": issue.Confidence,
			"source":     string(result.Source),
		},
	})

	g.logger.Info().
		Str("issue_id", issue.ID).
		Str("category", string(issue.Category)).
		Float64("confidence", issue.Confidence).
		Str("source", string(result.Source)).
		Int("signals", len(signalIDs)).
		Msg("Issue detected")

	return issue, nil
}

// newIssue builds a detected issue from a cluster and its draft.
func newIssue(signals []*models.Signal, draft reasoning.Draft, now time.Time) *models.Issue {
	ids := make([]string, 0, len(signals))
	subjects := make([]string, 0)
	seen := make(map[string]struct{})
	for _, s := range signals {
		ids = append(ids, s.ID)
		if _, ok := seen[s.SubjectID]; ok {
			continue
		}
		seen[s.SubjectID] = struct{}{}
		subjects = append(subjects, s.SubjectID)
	}

	chain := draft.ReasoningChain
	if chain == nil {
		chain = []models.ReasoningStep{}
	}

	return &models.Issue{
		ID:               uuid.New().String(),
		SignalIDs:        ids,
		Category:         draft.Category,
		Subcategory:      draft.Subcategory,
		Title:            draft.Title,
		Summary:          draft.Summary,
		RootCause:        draft.RootCause,
		ReasoningChain:   chain,
		Confidence:       draft.Confidence,
		AffectedSubjects: subjects,
		SubjectCount:     len(subjects),
		EstimatedImpact:  draft.Impact,
		Status:           models.IssueStatusDetected,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}
