package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/selfheal/selfheal/pkg/models"
)

const issueColumns = `id, signal_ids, category, subcategory, title, summary, root_cause, reasoning_chain,
	confidence, affected_subjects, subject_count, estimated_impact, status, workflow_id,
	proposed_actions, created_at, updated_at, resolved_at`

func scanIssue(row rowScanner) (*models.Issue, error) {
	issue := &models.Issue{}
	var signalIDs, chain, subjects, proposed string

	err := row.Scan(
		&issue.ID,
		&signalIDs,
		&issue.Category,
		&issue.Subcategory,
		&issue.Title,
		&issue.Summary,
		&issue.RootCause,
		&chain,
		&issue.Confidence,
		&subjects,
		&issue.SubjectCount,
		&issue.EstimatedImpact,
		&issue.Status,
		&issue.WorkflowID,
		&proposed,
		&issue.CreatedAt,
		&issue.UpdatedAt,
		&issue.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}

	for _, f := range []struct {
		data string
		into interface{}
	}{
		{signalIDs, &issue.SignalIDs},
		{chain, &issue.ReasoningChain},
		{subjects, &issue.AffectedSubjects},
		{proposed, &issue.ProposedActions},
	} {
		if err := decodeJSON(f.data, f.into); err != nil {
			return nil, fmt.Errorf("failed to decode issue %s: %w", issue.ID, err)
		}
	}

	return issue, nil
}

type issueJSON struct {
	signalIDs, chain, subjects, proposed string
}

func encodeIssue(issue *models.Issue) (*issueJSON, error) {
	enc := &issueJSON{}
	var err error
	if enc.signalIDs, err = encodeJSON(nonNilStrings(issue.SignalIDs)); err != nil {
		return nil, err
	}
	chain := issue.ReasoningChain
	if chain == nil {
		chain = []models.ReasoningStep{}
	}
	if enc.chain, err = encodeJSON(chain); err != nil {
		return nil, err
	}
	if enc.subjects, err = encodeJSON(nonNilStrings(issue.AffectedSubjects)); err != nil {
		return nil, err
	}
	if enc.proposed, err = encodeJSON(nonNilStrings(issue.ProposedActions)); err != nil {
		return nil, err
	}
	return enc, nil
}

// CreateIssue inserts a new issue record
func (r *sqlRepo) CreateIssue(ctx context.Context, issue *models.Issue) error {
	query := `
		INSERT INTO issues (` + issueColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	enc, err := encodeIssue(issue)
	if err != nil {
		return fmt.Errorf("failed to encode issue: %w", err)
	}

	_, err = r.q.ExecContext(ctx, query,
		issue.ID,
		enc.signalIDs,
		issue.Category,
		issue.Subcategory,
		issue.Title,
		issue.Summary,
		issue.RootCause,
		enc.chain,
		issue.Confidence,
		enc.subjects,
		issue.SubjectCount,
		issue.EstimatedImpact,
		issue.Status,
		issue.WorkflowID,
		enc.proposed,
		utc(issue.CreatedAt),
		utc(issue.UpdatedAt),
		utcPtr(issue.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create issue: %w", err)
	}

	return nil
}

// GetIssue retrieves an issue by ID
func (r *sqlRepo) GetIssue(ctx context.Context, id string) (*models.Issue, error) {
	query := `SELECT ` + issueColumns + ` FROM issues WHERE id = ?`

	issue, err := scanIssue(r.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("issue not found: %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get issue: %w", err)
	}

	return issue, nil
}

// ListIssues lists issues newest first.
func (r *sqlRepo) ListIssues(ctx context.Context, filter IssueFilter) ([]*models.Issue, error) {
	query := `
		SELECT ` + issueColumns + `
		FROM issues
		WHERE (? IS NULL OR status = ?)
		  AND (? IS NULL OR category = ?)
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := r.q.QueryContext(ctx, query,
		filter.Status, filter.Status,
		filter.Category, filter.Category,
		limitArg(filter.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	defer rows.Close()

	issues := []*models.Issue{}
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		issues = append(issues, issue)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating issues: %w", err)
	}

	return issues, nil
}

// UpdateIssue replaces the mutable fields of an issue. signal_ids is
// immutable after creation and is never rewritten.
func (r *sqlRepo) UpdateIssue(ctx context.Context, issue *models.Issue) error {
	query := `
		UPDATE issues
		SET category = ?, subcategory = ?, title = ?, summary = ?, root_cause = ?,
			reasoning_chain = ?, confidence = ?, affected_subjects = ?, subject_count = ?,
			estimated_impact = ?, status = ?, workflow_id = ?, proposed_actions = ?,
			updated_at = ?, resolved_at = ?
		WHERE id = ?
	`

	enc, err := encodeIssue(issue)
	if err != nil {
		return fmt.Errorf("failed to encode issue: %w", err)
	}

	result, err := r.q.ExecContext(ctx, query,
		issue.Category,
		issue.Subcategory,
		issue.Title,
		issue.Summary,
		issue.RootCause,
		enc.chain,
		issue.Confidence,
		enc.subjects,
		issue.SubjectCount,
		issue.EstimatedImpact,
		issue.Status,
		issue.WorkflowID,
		enc.proposed,
		utc(issue.UpdatedAt),
		utcPtr(issue.ResolvedAt),
		issue.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update issue: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("issue not found: %s: %w", issue.ID, ErrNotFound)
	}

	return nil
}

// CountIssues counts issues; openOnly excludes resolved issues.
func (r *sqlRepo) CountIssues(ctx context.Context, openOnly bool) (int, error) {
	query := `SELECT COUNT(*) FROM issues WHERE (? = 0 OR status != ?)`

	var count int
	if err := r.q.QueryRowContext(ctx, query, openOnly, models.IssueStatusResolved).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count issues: %w", err)
	}
	return count, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
