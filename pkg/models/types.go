package models

import (
	"time"
)

// SignalType identifies the source category of a raw signal.
type SignalType string

const (
	SignalTypeSupportTicket  SignalType = "support_ticket"
	SignalTypeAPIError       SignalType = "api_error"
	SignalTypeWebhookFailure SignalType = "webhook_failure"
	SignalTypeCheckoutEvent  SignalType = "checkout_event"
	SignalTypeMigrationEvent SignalType = "migration_event"
)

// Valid reports whether the signal type is one of the known types.
func (t SignalType) Valid() bool {
	switch t {
	case SignalTypeSupportTicket, SignalTypeAPIError, SignalTypeWebhookFailure,
		SignalTypeCheckoutEvent, SignalTypeMigrationEvent:
		return true
	}
	return false
}

// Severity is the reported severity of a signal.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether the severity is one of the known levels.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// IssueCategory is the root-cause category assigned to an issue.
type IssueCategory string

const (
	CategoryMigration        IssueCategory = "migration"
	CategoryPlatformBug      IssueCategory = "platform_bug"
	CategoryDocumentationGap IssueCategory = "documentation_gap"
	CategoryMerchantConfig   IssueCategory = "merchant_config"
	CategoryUnknown          IssueCategory = "unknown"
)

// Valid reports whether the category is one of the known categories.
func (c IssueCategory) Valid() bool {
	switch c {
	case CategoryMigration, CategoryPlatformBug, CategoryDocumentationGap,
		CategoryMerchantConfig, CategoryUnknown:
		return true
	}
	return false
}

// Impact is the estimated business impact of an issue.
type Impact string

const (
	ImpactLow      Impact = "low"
	ImpactMedium   Impact = "medium"
	ImpactHigh     Impact = "high"
	ImpactCritical Impact = "critical"
)

// Valid reports whether the impact is one of the known levels.
func (i Impact) Valid() bool {
	switch i {
	case ImpactLow, ImpactMedium, ImpactHigh, ImpactCritical:
		return true
	}
	return false
}

// IssueStatus is the lifecycle state of an issue.
type IssueStatus string

const (
	IssueStatusDetected      IssueStatus = "detected"
	IssueStatusAnalyzing     IssueStatus = "analyzing"
	IssueStatusPendingAction IssueStatus = "pending_action"
	IssueStatusInProgress    IssueStatus = "in_progress"
	IssueStatusResolved      IssueStatus = "resolved"
	IssueStatusEscalated     IssueStatus = "escalated"
)

// Valid reports whether s is a known issue status.
func (s IssueStatus) Valid() bool {
	switch s {
	case IssueStatusDetected, IssueStatusAnalyzing, IssueStatusPendingAction,
		IssueStatusInProgress, IssueStatusResolved, IssueStatusEscalated:
		return true
	}
	return false
}

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusDraft           WorkflowStatus = "draft"
	WorkflowStatusPendingApproval WorkflowStatus = "pending_approval"
	WorkflowStatusApproved        WorkflowStatus = "approved"
	WorkflowStatusRunning         WorkflowStatus = "running"
	WorkflowStatusPaused          WorkflowStatus = "paused"
	WorkflowStatusCompleted       WorkflowStatus = "completed"
	WorkflowStatusFailed          WorkflowStatus = "failed"
	WorkflowStatusRolledBack      WorkflowStatus = "rolled_back"
)

// Valid reports whether s is a known workflow status.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowStatusDraft, WorkflowStatusPendingApproval, WorkflowStatusApproved,
		WorkflowStatusRunning, WorkflowStatusPaused, WorkflowStatusCompleted,
		WorkflowStatusFailed, WorkflowStatusRolledBack:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed from the status.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusRolledBack || s == WorkflowStatusFailed
}

// StepStatus is the execution state of a single workflow step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// RiskLevel is the risk class of a workflow or step.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskFromImpact maps an issue's estimated impact onto a risk level.
// Unknown impacts are treated as low risk.
func RiskFromImpact(impact Impact) RiskLevel {
	switch impact {
	case ImpactCritical:
		return RiskCritical
	case ImpactHigh:
		return RiskHigh
	case ImpactMedium:
		return RiskMedium
	default:
		return RiskLow
	}
}

// AuditEventType classifies an audit log entry.
type AuditEventType string

const (
	AuditSignalReceived     AuditEventType = "signal_received"
	AuditIssueDetected      AuditEventType = "issue_detected"
	AuditIssueAnalyzed      AuditEventType = "issue_analyzed"
	AuditWorkflowCreated    AuditEventType = "workflow_created"
	AuditWorkflowApproved   AuditEventType = "workflow_approved"
	AuditWorkflowRejected   AuditEventType = "workflow_rejected"
	AuditWorkflowStarted    AuditEventType = "workflow_started"
	AuditStepExecuted       AuditEventType = "step_executed"
	AuditStepFailed         AuditEventType = "step_failed"
	AuditWorkflowCompleted  AuditEventType = "workflow_completed"
	AuditWorkflowRolledBack AuditEventType = "workflow_rolled_back"
	AuditHumanOverride      AuditEventType = "human_override"
	AuditEscalation         AuditEventType = "escalation"
	AuditConfigChange       AuditEventType = "config_change"
)

// Valid reports whether t is a known audit event type.
func (t AuditEventType) Valid() bool {
	switch t {
	case AuditSignalReceived, AuditIssueDetected, AuditIssueAnalyzed, AuditWorkflowCreated,
		AuditWorkflowApproved, AuditWorkflowRejected, AuditWorkflowStarted, AuditStepExecuted,
		AuditStepFailed, AuditWorkflowCompleted, AuditWorkflowRolledBack, AuditHumanOverride,
		AuditEscalation, AuditConfigChange:
		return true
	}
	return false
}

// DefaultActor is recorded on audit entries produced by the agent itself.
const DefaultActor = "agent"

// Signal is a raw observed event from an external source.
type Signal struct {
	// ID is the unique identifier of the signal.
	ID string `json:"id"`

	// Type is the signal category.
	Type SignalType `json:"type"`

	// Source names the emitting system (stripe, shopify, zendesk, ...).
	Source string `json:"source"`

	// SubjectID is the merchant or tenant the signal concerns.
	SubjectID string `json:"subject_id"`

	// Severity is the reported severity.
	Severity Severity `json:"severity"`

	// Title is a short human-readable summary.
	Title string `json:"title"`

	// Content is the source-specific payload.
	Content map[string]interface{} `json:"content"`

	// Metadata holds ingestion-side annotations.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// Timestamp is when the signal was observed.
	Timestamp time.Time `json:"timestamp"`

	// Processed becomes true exactly once, when an issue claims the signal.
	Processed bool `json:"processed"`

	// IssueID is the claiming issue, set together with Processed.
	IssueID *string `json:"issue_id,omitempty"`
}

// ReasoningStep is one link of an issue's explainable reasoning chain.
type ReasoningStep struct {
	StepNumber  int     `json:"step_number"`
	Observation string  `json:"observation"`
	Inference   string  `json:"inference"`
	Confidence  float64 `json:"confidence"`
}

// Issue is the root-cause record synthesized from one signal cluster.
type Issue struct {
	// ID is the unique identifier of the issue.
	ID string `json:"id"`

	// SignalIDs are the clustered signals; immutable after creation.
	SignalIDs []string `json:"signal_ids"`

	// Category is the root-cause category.
	Category IssueCategory `json:"category"`

	// Subcategory is an optional refinement of Category.
	Subcategory *string `json:"subcategory,omitempty"`

	Title     string `json:"title"`
	Summary   string `json:"summary"`
	RootCause string `json:"root_cause"`

	// ReasoningChain explains how the category was reached.
	ReasoningChain []ReasoningStep `json:"reasoning_chain"`

	// Confidence is in [0,1].
	Confidence float64 `json:"confidence"`

	// AffectedSubjects are the distinct subject ids of the clustered signals.
	AffectedSubjects []string `json:"affected_subjects"`

	// SubjectCount is len(AffectedSubjects).
	SubjectCount int `json:"subject_count"`

	// EstimatedImpact drives the workflow risk level.
	EstimatedImpact Impact `json:"estimated_impact"`

	// Status advances DETECTED -> PENDING_ACTION -> RESOLVED.
	Status IssueStatus `json:"status"`

	// WorkflowID is set once the decider attaches a workflow.
	WorkflowID *string `json:"workflow_id,omitempty"`

	// ProposedActions are the step names of the attached workflow.
	ProposedActions []string `json:"proposed_actions,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// WorkflowStep is one declared action within a workflow.
type WorkflowStep struct {
	// ID is a workflow-local ordinal, unique within the workflow.
	ID int `json:"id"`

	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// ActionType selects the handler that executes the step.
	ActionType ActionType `json:"action_type"`

	// Parameters are passed verbatim to the handler.
	Parameters map[string]interface{} `json:"parameters"`

	Status StepStatus `json:"status"`

	// DependsOn references other step ids in the same workflow.
	// It is recorded but steps always run in list order.
	DependsOn []int `json:"depends_on"`

	RiskLevel        RiskLevel `json:"risk_level"`
	RequiresApproval bool      `json:"requires_approval"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Result is the handler's result payload.
	Result map[string]interface{} `json:"result,omitempty"`

	// Error is the failure reason when Status is failed.
	Error *string `json:"error,omitempty"`

	// RollbackAction optionally names the action that reverses this step.
	RollbackAction *ActionType `json:"rollback_action,omitempty"`
}

// Approval records one approver's sign-off.
type Approval struct {
	User      string    `json:"user"`
	Timestamp time.Time `json:"timestamp"`
	Comment   string    `json:"comment"`
}

// Rejection records one rejector's veto.
type Rejection struct {
	User      string    `json:"user"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// Workflow is an ordered set of remediation steps addressing one issue.
type Workflow struct {
	// ID is the unique identifier of the workflow.
	ID string `json:"id"`

	// IssueID is the issue this workflow remediates.
	IssueID string `json:"issue_id"`

	Name        string `json:"name"`
	Description string `json:"description"`

	// Steps are ordered and non-empty.
	Steps []WorkflowStep `json:"steps"`

	OverallRisk           RiskLevel `json:"overall_risk"`
	RequiresApproval      bool      `json:"requires_approval"`
	ApprovalCountRequired int       `json:"approval_count_required"`

	Approvals  []Approval  `json:"approvals"`
	Rejections []Rejection `json:"rejections"`

	Status WorkflowStatus `json:"status"`

	// CurrentStep is the index of the failed step when paused.
	CurrentStep int `json:"current_step"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Version is incremented on every stored update for optimistic locking.
	Version int64 `json:"version"`
}

// ApprovalSatisfied reports whether the approval invariant for APPROVED holds.
func (w *Workflow) ApprovalSatisfied() bool {
	return !w.RequiresApproval || len(w.Approvals) >= w.ApprovalCountRequired
}

// HasApprovalFrom reports whether user has already approved the workflow.
func (w *Workflow) HasApprovalFrom(user string) bool {
	for _, a := range w.Approvals {
		if a.User == user {
			return true
		}
	}
	return false
}

// StepIndex returns the position of the step with the given id, or -1.
func (w *Workflow) StepIndex(stepID int) int {
	for i := range w.Steps {
		if w.Steps[i].ID == stepID {
			return i
		}
	}
	return -1
}

// FirstIncompleteStep returns the index of the first step that is not
// completed, or len(Steps) when every step has completed.
func (w *Workflow) FirstIncompleteStep() int {
	for i := range w.Steps {
		if w.Steps[i].Status != StepStatusCompleted {
			return i
		}
	}
	return len(w.Steps)
}

// StepNames returns the step names in order.
func (w *Workflow) StepNames() []string {
	names := make([]string, 0, len(w.Steps))
	for i := range w.Steps {
		names = append(names, w.Steps[i].Name)
	}
	return names
}

// AuditLog is an append-only record of one state transition or decision.
type AuditLog struct {
	ID        int64          `json:"id"`
	EventType AuditEventType `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`

	// Actor is the user or "agent" responsible for the transition.
	Actor string `json:"actor"`

	SignalID   *string `json:"signal_id,omitempty"`
	IssueID    *string `json:"issue_id,omitempty"`
	WorkflowID *string `json:"workflow_id,omitempty"`
	StepID     *int    `json:"step_id,omitempty"`

	Action      string                 `json:"action"`
	Description string                 `json:"description"`
	Details     map[string]interface{} `json:"details,omitempty"`

	Success      bool    `json:"success"`
	ErrorMessage *string `json:"error_message,omitempty"`

	Reasoning  *string  `json:"reasoning,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

// IntPtr returns a pointer to i.
func IntPtr(i int) *int {
	return &i
}

// Float64Ptr returns a pointer to f.
func Float64Ptr(f float64) *float64 {
	return &f
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
