package stores

import (
	"context"
	"errors"
	"time"

	"github.com/selfheal/selfheal/pkg/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a conditional write loses a race: a stale
	// workflow version or a signal that was already claimed.
	ErrConflict = errors.New("concurrent modification")
)

// SignalFilter narrows ListSignals results. Nil fields are ignored.
type SignalFilter struct {
	Processed *bool
	Type      *models.SignalType
	Since     *time.Time
	Limit     int
}

// IssueFilter narrows ListIssues results. Nil fields are ignored.
type IssueFilter struct {
	Status   *models.IssueStatus
	Category *models.IssueCategory
	Limit    int
}

// WorkflowFilter narrows ListWorkflows results. Nil fields are ignored.
type WorkflowFilter struct {
	Status *models.WorkflowStatus
	Limit  int
}

// AuditFilter narrows ListAudit results. Nil fields are ignored.
type AuditFilter struct {
	EventType  *models.AuditEventType
	WorkflowID *string
	IssueID    *string
	Limit      int
}

// SignalStats summarizes signals observed since a point in time.
type SignalStats struct {
	Since       time.Time      `json:"since"`
	Total       int            `json:"total"`
	Unprocessed int            `json:"unprocessed"`
	ByType      map[string]int `json:"by_type"`
	BySeverity  map[string]int `json:"by_severity"`
}

// WorkflowStats summarizes workflows by status.
type WorkflowStats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

// PurgeResult reports how many rows were removed per collection.
type PurgeResult struct {
	Signals   int64 `json:"signals"`
	Issues    int64 `json:"issues"`
	Workflows int64 `json:"workflows"`
	AuditLogs int64 `json:"audit_logs"`
}

// Repository defines record operations. It is implemented both by the store
// itself and by the transactional view handed to Atomic callbacks.
type Repository interface {
	// Signal operations
	CreateSignal(ctx context.Context, signal *models.Signal) error
	GetSignal(ctx context.Context, id string) (*models.Signal, error)
	ListSignals(ctx context.Context, filter SignalFilter) ([]*models.Signal, error)
	CountSignals(ctx context.Context, processed *bool) (int, error)
	ClaimSignals(ctx context.Context, ids []string, issueID string) error
	SignalStats(ctx context.Context, since time.Time) (*SignalStats, error)

	// Issue operations
	CreateIssue(ctx context.Context, issue *models.Issue) error
	GetIssue(ctx context.Context, id string) (*models.Issue, error)
	ListIssues(ctx context.Context, filter IssueFilter) ([]*models.Issue, error)
	UpdateIssue(ctx context.Context, issue *models.Issue) error
	CountIssues(ctx context.Context, openOnly bool) (int, error)

	// Workflow operations
	CreateWorkflow(ctx context.Context, wf *models.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*models.Workflow, error)
	UpdateWorkflow(ctx context.Context, wf *models.Workflow) error
	WorkflowStats(ctx context.Context) (*WorkflowStats, error)

	// Audit operations
	AppendAudit(ctx context.Context, entry *models.AuditLog) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]*models.AuditLog, error)
}

// Store defines the interface for the persistence layer
type Store interface {
	Repository

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Atomic runs fn inside a single write transaction. Any error returned
	// by fn rolls back every write made through the supplied Repository.
	Atomic(ctx context.Context, fn func(Repository) error) error

	// UpdateWorkflowFunc loads a workflow, applies fn and stores it back as
	// one atomic read-modify-write, retrying on version conflicts.
	UpdateWorkflowFunc(ctx context.Context, id string, fn func(Repository, *models.Workflow) error) (*models.Workflow, error)

	// Purge empties all collections. Intended for test and reset contexts.
	Purge(ctx context.Context) (*PurgeResult, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
