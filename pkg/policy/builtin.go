package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/selfheal/selfheal/pkg/models"
)

// GetBuiltinPolicies returns all built-in step policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		forbiddenAutoActionsPolicy(),
		financialActionReviewPolicy(),
		approvalRequiredStepPolicy(),
	}
}

// regoSet renders action types as a Rego set literal.
func regoSet(actions []models.ActionType) string {
	quoted := make([]string, 0, len(actions))
	for _, a := range actions {
		quoted = append(quoted, fmt.Sprintf("%q", string(a)))
	}
	return "{" + strings.Join(quoted, ", ") + "}"
}

// forbiddenAutoActionsPolicy mirrors the compiled-in forbidden set so the
// decision shows up in policy results and audit details.
func forbiddenAutoActionsPolicy() Policy {
	now := time.Now()
	return Policy{
		Name:        "forbidden-auto-actions",
		Description: "Actions that need a human-performed deployment step are never executed automatically",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"safety"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego: fmt.Sprintf(`package selfheal.policies.forbidden

import rego.v1

forbidden := %s

deny contains violation if {
	input.step.action_type in forbidden
	violation := {
		"message": sprintf("Action %%s requires manual execution", [input.step.action_type]),
		"severity": "critical",
	}
}
`, regoSet(models.ForbiddenAutoActions())),
	}
}

// financialActionReviewPolicy flags financial actions running without any
// human approval.
func financialActionReviewPolicy() Policy {
	now := time.Now()
	return Policy{
		Name:        "financial-action-review",
		Description: "Financial actions in auto-approved workflows are flagged for review",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"financial", "audit"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego: fmt.Sprintf(`package selfheal.policies.financial

import rego.v1

financial := %s

deny contains violation if {
	input.step.action_type in financial
	not input.workflow.requires_approval
	violation := {
		"message": sprintf("Financial action %%s runs in an auto-approved workflow", [input.step.action_type]),
		"severity": "warning",
	}
}
`, regoSet(models.FinancialActions())),
	}
}

// approvalRequiredStepPolicy flags steps marked as needing approval that run
// in a workflow nobody approved.
func approvalRequiredStepPolicy() Policy {
	now := time.Now()
	return Policy{
		Name:        "approval-required-step",
		Description: "Steps that require approval should run in approved workflows",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"approval"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego: `package selfheal.policies.approval

import rego.v1

deny contains violation if {
	input.step.requires_approval
	count(input.workflow.approvers) == 0
	violation := {
		"message": sprintf("Step '%s' requires approval but the workflow has no approvers", [input.step.name]),
		"severity": "warning",
	}
}
`,
	}
}
