package policy

import (
	"time"

	"github.com/selfheal/selfheal/pkg/models"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is recorded on the step but does not block it.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the step.
	SeverityError Severity = "error"

	// SeverityCritical blocks the step and marks a hard safety boundary.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity stop a step.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name" yaml:"name"`

	// Description provides a human-readable description.
	Description string `json:"description" yaml:"description"`

	// Rego contains the Rego policy code. Violations are read from the
	// package's deny set.
	Rego string `json:"rego" yaml:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity" yaml:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Builtin marks policies shipped with the binary.
	Builtin bool `json:"builtin" yaml:"builtin"`

	Tags     []string               `json:"tags,omitempty" yaml:"tags,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`

	// StepID is the workflow-local id of the evaluated step.
	StepID int `json:"step_id"`

	DetectedAt time.Time `json:"detected_at"`
}

// PolicyResult represents the result of evaluating one step.
type PolicyResult struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations are the blocking violations.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings are non-blocking violations.
	Warnings []PolicyViolation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate.
	Errors []string `json:"errors,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// PolicyInput is the document exposed to Rego as input.
type PolicyInput struct {
	Workflow WorkflowInput `json:"workflow"`
	Step     StepInput     `json:"step"`
	Issue    *IssueInput   `json:"issue,omitempty"`
	Context  PolicyContext `json:"context"`
}

// WorkflowInput is the workflow view given to policies.
type WorkflowInput struct {
	ID                    string   `json:"id"`
	Name                  string   `json:"name"`
	Status                string   `json:"status"`
	OverallRisk           string   `json:"overall_risk"`
	RequiresApproval      bool     `json:"requires_approval"`
	ApprovalCountRequired int      `json:"approval_count_required"`
	Approvers             []string `json:"approvers"`
}

// StepInput is the step view given to policies.
type StepInput struct {
	ID               int                    `json:"id"`
	Index            int                    `json:"index"`
	Name             string                 `json:"name"`
	ActionType       string                 `json:"action_type"`
	RiskLevel        string                 `json:"risk_level"`
	RequiresApproval bool                   `json:"requires_approval"`
	Parameters       map[string]interface{} `json:"parameters"`
}

// IssueInput is the issue view given to policies.
type IssueInput struct {
	ID         string  `json:"id"`
	Category   string  `json:"category"`
	Impact     string  `json:"impact"`
	Confidence float64 `json:"confidence"`
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
}

// NewStepInput builds the policy input for the step at index in wf.
// issue may be nil.
func NewStepInput(wf *models.Workflow, index int, issue *models.Issue) *PolicyInput {
	step := &wf.Steps[index]

	approvers := make([]string, 0, len(wf.Approvals))
	for _, a := range wf.Approvals {
		approvers = append(approvers, a.User)
	}

	params := step.Parameters
	if params == nil {
		params = map[string]interface{}{}
	}

	in := &PolicyInput{
		Workflow: WorkflowInput{
			ID:                    wf.ID,
			Name:                  wf.Name,
			Status:                string(wf.Status),
			OverallRisk:           string(wf.OverallRisk),
			RequiresApproval:      wf.RequiresApproval,
			ApprovalCountRequired: wf.ApprovalCountRequired,
			Approvers:             approvers,
		},
		Step: StepInput{
			ID:               step.ID,
			Index:            index,
			Name:             step.Name,
			ActionType:       string(step.ActionType),
			RiskLevel:        string(step.RiskLevel),
			RequiresApproval: step.RequiresApproval,
			Parameters:       params,
		},
		Context: PolicyContext{
			Timestamp: time.Now().UTC(),
			Operation: "execute_step",
		},
	}

	if issue != nil {
		in.Issue = &IssueInput{
			ID:         issue.ID,
			Category:   string(issue.Category),
			Impact:     string(issue.EstimatedImpact),
			Confidence: issue.Confidence,
		}
	}

	return in
}
