package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/selfheal/selfheal/pkg/models"
	"github.com/selfheal/selfheal/pkg/stores"
	"github.com/selfheal/selfheal/pkg/telemetry"
)

// Ingestor stores incoming signals.
type Ingestor struct {
	store     stores.Store
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger
}

// NewIngestor creates a signal ingestor.
func NewIngestor(store stores.Store, tel *telemetry.Telemetry, logger zerolog.Logger) *Ingestor {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &Ingestor{
		store:     store,
		telemetry: tel,
		logger:    logger.With().Str("component", "ingestor").Logger(),
	}
}

// Ingest stores the signal together with its SIGNAL_RECEIVED audit entry.
// A missing id or timestamp is assigned; the signal always starts
// unprocessed.
func (i *Ingestor) Ingest(ctx context.Context, signal *models.Signal) (*models.Signal, error) {
	if !signal.Type.Valid() {
		return nil, NewPermanentError(fmt.Sprintf("invalid signal type: %q", signal.Type), nil).
			WithCode(ErrCodeValidation).WithOperation("ingest")
	}
	if !signal.Severity.Valid() {
		return nil, NewPermanentError(fmt.Sprintf("invalid severity: %q", signal.Severity), nil).
			WithCode(ErrCodeValidation).WithOperation("ingest")
	}

	if signal.ID == "" {
		signal.ID = uuid.New().String()
	}
	if signal.Timestamp.IsZero() {
		signal.Timestamp = time.Now().UTC()
	}
	if signal.Content == nil {
		signal.Content = map[string]interface{}{}
	}
	signal.Processed = false
	signal.IssueID = nil

	err := i.store.Atomic(ctx, func(r stores.Repository) error {
		if err := r.CreateSignal(ctx, signal); err != nil {
			return err
		}
		return r.AppendAudit(ctx, &models.AuditLog{
			EventType:   models.AuditSignalReceived,
			SignalID:    models.StringPtr(signal.ID),
			Action:      "signal_ingested",
			Description: fmt.Sprintf("Received %s signal from %s", signal.Type, signal.Source),
			Details: map[string]interface{}{
				"type":       string(signal.Type),
				"source":     signal.Source,
				"subject_id": signal.SubjectID,
				"severity":   string(signal.Severity),
			},
			Success: true,
		})
	})
	if err != nil {
		return nil, classifyStoreError(err, "ingest", signal.ID)
	}

	i.telemetry.Metrics.RecordSignalIngested(string(signal.Type), signal.Source)
	log := telemetry.ForSignal(i.logger, signal.ID, signal.SubjectID)
	log.Debug().
		Str("type", string(signal.Type)).
		Str("source", signal.Source).
		Msg("Signal ingested")

	return signal, nil
}
