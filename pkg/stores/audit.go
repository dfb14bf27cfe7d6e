package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/selfheal/selfheal/pkg/models"
)

// AppendAudit appends an audit entry and assigns its ID.
func (r *sqlRepo) AppendAudit(ctx context.Context, entry *models.AuditLog) error {
	query := `
		INSERT INTO audit_logs (
			event_type, timestamp, actor, signal_id, issue_id, workflow_id, step_id,
			action, description, details, success, error_message, reasoning, confidence
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Actor == "" {
		entry.Actor = models.DefaultActor
	}

	details := entry.Details
	if details == nil {
		details = map[string]interface{}{}
	}
	encoded, err := encodeJSON(details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}

	result, err := r.q.ExecContext(ctx, query,
		entry.EventType,
		utc(entry.Timestamp),
		entry.Actor,
		entry.SignalID,
		entry.IssueID,
		entry.WorkflowID,
		entry.StepID,
		entry.Action,
		entry.Description,
		encoded,
		entry.Success,
		entry.ErrorMessage,
		entry.Reasoning,
		entry.Confidence,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAudit lists audit entries newest first.
func (r *sqlRepo) ListAudit(ctx context.Context, filter AuditFilter) ([]*models.AuditLog, error) {
	query := `
		SELECT id, event_type, timestamp, actor, signal_id, issue_id, workflow_id, step_id,
			   action, description, details, success, error_message, reasoning, confidence
		FROM audit_logs
		WHERE (? IS NULL OR event_type = ?)
		  AND (? IS NULL OR workflow_id = ?)
		  AND (? IS NULL OR issue_id = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`

	rows, err := r.q.QueryContext(ctx, query,
		filter.EventType, filter.EventType,
		filter.WorkflowID, filter.WorkflowID,
		filter.IssueID, filter.IssueID,
		limitArg(filter.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*models.AuditLog{}
	for rows.Next() {
		entry := &models.AuditLog{}
		var details string
		err := rows.Scan(
			&entry.ID,
			&entry.EventType,
			&entry.Timestamp,
			&entry.Actor,
			&entry.SignalID,
			&entry.IssueID,
			&entry.WorkflowID,
			&entry.StepID,
			&entry.Action,
			&entry.Description,
			&details,
			&entry.Success,
			&entry.ErrorMessage,
			&entry.Reasoning,
			&entry.Confidence,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if err := decodeJSON(details, &entry.Details); err != nil {
			return nil, fmt.Errorf("failed to decode audit details: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}
