package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/selfheal/selfheal/pkg/models"
)

const workflowColumns = `id, issue_id, name, description, steps, overall_risk, requires_approval,
	approval_count_required, approvals, rejections, status, current_step,
	created_at, updated_at, started_at, completed_at, version`

func scanWorkflow(row rowScanner) (*models.Workflow, error) {
	wf := &models.Workflow{}
	var steps, approvals, rejections string

	err := row.Scan(
		&wf.ID,
		&wf.IssueID,
		&wf.Name,
		&wf.Description,
		&steps,
		&wf.OverallRisk,
		&wf.RequiresApproval,
		&wf.ApprovalCountRequired,
		&approvals,
		&rejections,
		&wf.Status,
		&wf.CurrentStep,
		&wf.CreatedAt,
		&wf.UpdatedAt,
		&wf.StartedAt,
		&wf.CompletedAt,
		&wf.Version,
	)
	if err != nil {
		return nil, err
	}

	if err := decodeJSON(steps, &wf.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode workflow %s steps: %w", wf.ID, err)
	}
	if err := decodeJSON(approvals, &wf.Approvals); err != nil {
		return nil, fmt.Errorf("failed to decode workflow %s approvals: %w", wf.ID, err)
	}
	if err := decodeJSON(rejections, &wf.Rejections); err != nil {
		return nil, fmt.Errorf("failed to decode workflow %s rejections: %w", wf.ID, err)
	}
	if wf.Approvals == nil {
		wf.Approvals = []models.Approval{}
	}
	if wf.Rejections == nil {
		wf.Rejections = []models.Rejection{}
	}

	return wf, nil
}

func encodeWorkflowLists(wf *models.Workflow) (steps, approvals, rejections string, err error) {
	if steps, err = encodeJSON(wf.Steps); err != nil {
		return
	}
	a := wf.Approvals
	if a == nil {
		a = []models.Approval{}
	}
	if approvals, err = encodeJSON(a); err != nil {
		return
	}
	rj := wf.Rejections
	if rj == nil {
		rj = []models.Rejection{}
	}
	rejections, err = encodeJSON(rj)
	return
}

// CreateWorkflow inserts a new workflow at version 1.
func (r *sqlRepo) CreateWorkflow(ctx context.Context, wf *models.Workflow) error {
	if len(wf.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", wf.ID)
	}

	query := `
		INSERT INTO workflows (` + workflowColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	steps, approvals, rejections, err := encodeWorkflowLists(wf)
	if err != nil {
		return fmt.Errorf("failed to encode workflow: %w", err)
	}

	wf.Version = 1
	_, err = r.q.ExecContext(ctx, query,
		wf.ID,
		wf.IssueID,
		wf.Name,
		wf.Description,
		steps,
		wf.OverallRisk,
		wf.RequiresApproval,
		wf.ApprovalCountRequired,
		approvals,
		rejections,
		wf.Status,
		wf.CurrentStep,
		utc(wf.CreatedAt),
		utc(wf.UpdatedAt),
		utcPtr(wf.StartedAt),
		utcPtr(wf.CompletedAt),
		wf.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to create workflow: %w", err)
	}

	return nil
}

// GetWorkflow retrieves a workflow by ID
func (r *sqlRepo) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = ?`

	wf, err := scanWorkflow(r.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow not found: %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	return wf, nil
}

// ListWorkflows lists workflows newest first.
func (r *sqlRepo) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*models.Workflow, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM workflows
		WHERE (? IS NULL OR status = ?)
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := r.q.QueryContext(ctx, query, filter.Status, filter.Status, limitArg(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	workflows := []*models.Workflow{}
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		workflows = append(workflows, wf)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	return workflows, nil
}

// UpdateWorkflow writes the whole workflow record if the stored version still
// matches wf.Version. On success wf.Version is advanced; a stale version
// yields ErrConflict.
func (r *sqlRepo) UpdateWorkflow(ctx context.Context, wf *models.Workflow) error {
	query := `
		UPDATE workflows
		SET name = ?, description = ?, steps = ?, overall_risk = ?, requires_approval = ?,
			approval_count_required = ?, approvals = ?, rejections = ?, status = ?,
			current_step = ?, updated_at = ?, started_at = ?, completed_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`

	steps, approvals, rejections, err := encodeWorkflowLists(wf)
	if err != nil {
		return fmt.Errorf("failed to encode workflow: %w", err)
	}

	result, err := r.q.ExecContext(ctx, query,
		wf.Name,
		wf.Description,
		steps,
		wf.OverallRisk,
		wf.RequiresApproval,
		wf.ApprovalCountRequired,
		approvals,
		rejections,
		wf.Status,
		wf.CurrentStep,
		utc(wf.UpdatedAt),
		utcPtr(wf.StartedAt),
		utcPtr(wf.CompletedAt),
		wf.ID,
		wf.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		var exists int
		err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflows WHERE id = ?`, wf.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check workflow: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("workflow not found: %s: %w", wf.ID, ErrNotFound)
		}
		return fmt.Errorf("workflow %s version %d is stale: %w", wf.ID, wf.Version, ErrConflict)
	}

	wf.Version++
	return nil
}

// WorkflowStats counts workflows per status.
func (r *sqlRepo) WorkflowStats(ctx context.Context) (*WorkflowStats, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM workflows GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate workflows: %w", err)
	}
	defer rows.Close()

	stats := &WorkflowStats{ByStatus: map[string]int{}}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan workflow aggregate: %w", err)
		}
		stats.ByStatus[status] = n
		stats.Total += n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflow aggregates: %w", err)
	}

	return stats, nil
}
