package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/selfheal/selfheal/pkg/models"
)

const signalColumns = `id, type, source, subject_id, severity, title, content, metadata, timestamp, processed, issue_id`

func scanSignal(row rowScanner) (*models.Signal, error) {
	sig := &models.Signal{}
	var content, metadata string

	err := row.Scan(
		&sig.ID,
		&sig.Type,
		&sig.Source,
		&sig.SubjectID,
		&sig.Severity,
		&sig.Title,
		&content,
		&metadata,
		&sig.Timestamp,
		&sig.Processed,
		&sig.IssueID,
	)
	if err != nil {
		return nil, err
	}

	if err := decodeJSON(content, &sig.Content); err != nil {
		return nil, fmt.Errorf("failed to decode signal content: %w", err)
	}
	if err := decodeJSON(metadata, &sig.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode signal metadata: %w", err)
	}
	if sig.Content == nil {
		sig.Content = map[string]interface{}{}
	}

	return sig, nil
}

// CreateSignal appends a new signal. Signals are never updated except by ClaimSignals.
func (r *sqlRepo) CreateSignal(ctx context.Context, sig *models.Signal) error {
	query := `
		INSERT INTO signals (id, type, source, subject_id, severity, title, content, metadata, timestamp, processed, issue_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	content, err := encodeJSON(sig.Content)
	if err != nil {
		return fmt.Errorf("failed to encode signal content: %w", err)
	}
	metadata, err := encodeJSON(sig.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode signal metadata: %w", err)
	}

	_, err = r.q.ExecContext(ctx, query,
		sig.ID,
		sig.Type,
		sig.Source,
		sig.SubjectID,
		sig.Severity,
		sig.Title,
		content,
		metadata,
		utc(sig.Timestamp),
		sig.Processed,
		sig.IssueID,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create signal: %w", err)
	}

	return nil
}

// GetSignal retrieves a signal by ID
func (r *sqlRepo) GetSignal(ctx context.Context, id string) (*models.Signal, error) {
	query := `SELECT ` + signalColumns + ` FROM signals WHERE id = ?`

	sig, err := scanSignal(r.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("signal not found: %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get signal: %w", err)
	}

	return sig, nil
}

// ListSignals lists signals newest first.
func (r *sqlRepo) ListSignals(ctx context.Context, filter SignalFilter) ([]*models.Signal, error) {
	query := `
		SELECT ` + signalColumns + `
		FROM signals
		WHERE (? IS NULL OR processed = ?)
		  AND (? IS NULL OR type = ?)
		  AND (? IS NULL OR timestamp >= ?)
		ORDER BY timestamp DESC
		LIMIT ?
	`

	since := utcPtr(filter.Since)
	rows, err := r.q.QueryContext(ctx, query,
		filter.Processed, filter.Processed,
		filter.Type, filter.Type,
		since, since,
		limitArg(filter.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", err)
	}
	defer rows.Close()

	signals := []*models.Signal{}
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		signals = append(signals, sig)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating signals: %w", err)
	}

	return signals, nil
}

// CountSignals counts signals, optionally restricted by processed state.
func (r *sqlRepo) CountSignals(ctx context.Context, processed *bool) (int, error) {
	query := `SELECT COUNT(*) FROM signals WHERE (? IS NULL OR processed = ?)`

	var count int
	if err := r.q.QueryRowContext(ctx, query, processed, processed).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count signals: %w", err)
	}
	return count, nil
}

// ClaimSignals marks every listed signal processed and links it to issueID.
// Only unprocessed rows are updated; if any id is missing or was already
// claimed the call fails with ErrConflict, and callers running inside
// Atomic roll the partial claim back.
func (r *sqlRepo) ClaimSignals(ctx context.Context, ids []string, issueID string) error {
	unique := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	if len(unique) == 0 {
		return nil
	}

	query := `
		UPDATE signals
		SET processed = 1, issue_id = ?
		WHERE processed = 0 AND id IN (` + placeholders(len(unique)) + `)
	`

	args := make([]interface{}, 0, len(unique)+1)
	args = append(args, issueID)
	for _, id := range unique {
		args = append(args, id)
	}

	result, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to claim signals: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if int(rows) != len(unique) {
		return fmt.Errorf("claimed %d of %d signals for issue %s: %w", rows, len(unique), issueID, ErrConflict)
	}

	return nil
}

// SignalStats aggregates signals observed since the given time.
func (r *sqlRepo) SignalStats(ctx context.Context, since time.Time) (*SignalStats, error) {
	stats := &SignalStats{
		Since:      since.UTC(),
		ByType:     map[string]int{},
		BySeverity: map[string]int{},
	}

	group := func(column string, into map[string]int) error {
		query := `SELECT ` + column + `, COUNT(*) FROM signals WHERE timestamp >= ? GROUP BY ` + column
		rows, err := r.q.QueryContext(ctx, query, since.UTC())
		if err != nil {
			return fmt.Errorf("failed to aggregate signals by %s: %w", column, err)
		}
		defer rows.Close()

		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				return fmt.Errorf("failed to scan signal aggregate: %w", err)
			}
			into[key] = n
			if column == "type" {
				stats.Total += n
			}
		}
		return rows.Err()
	}

	if err := group("type", stats.ByType); err != nil {
		return nil, err
	}
	if err := group("severity", stats.BySeverity); err != nil {
		return nil, err
	}

	unprocessed := false
	count, err := r.CountSignals(ctx, &unprocessed)
	if err != nil {
		return nil, err
	}
	stats.Unprocessed = count

	return stats, nil
}
