package engine

import (
	"fmt"

	"github.com/selfheal/selfheal/pkg/models"
)

// criticalApprovalCount is the fixed approval count for critical risk. It
// ignores the configured counts.
const criticalApprovalCount = 2

// ApprovalPolicy maps risk and confidence onto an approval requirement.
type ApprovalPolicy struct {
	// AutoApproveConfidence is the confidence at or above which low and
	// medium risk workflows need no approval.
	AutoApproveConfidence float64 `json:"auto_approve_confidence_threshold"`

	LowRiskCount    int `json:"low_risk_approval_count"`
	MediumRiskCount int `json:"medium_risk_approval_count"`
	HighRiskCount   int `json:"high_risk_approval_count"`
}

// DefaultApprovalPolicy returns the default gate thresholds.
func DefaultApprovalPolicy() ApprovalPolicy {
	return ApprovalPolicy{
		AutoApproveConfidence: 0.9,
		LowRiskCount:          0,
		MediumRiskCount:       1,
		HighRiskCount:         2,
	}
}

// Validate checks the thresholds are usable.
func (p ApprovalPolicy) Validate() error {
	if p.AutoApproveConfidence < 0 || p.AutoApproveConfidence > 1 {
		return fmt.Errorf("auto approve confidence must be within [0,1], got %v", p.AutoApproveConfidence)
	}
	if p.LowRiskCount < 0 || p.MediumRiskCount < 0 || p.HighRiskCount < 0 {
		return fmt.Errorf("approval counts must not be negative")
	}
	return nil
}

// ApprovalRequirement reports whether a workflow of the given risk needs
// approval and how many distinct approvals it needs.
//
//   - critical always needs 2 approvals
//   - high needs HighRiskCount approvals
//   - medium and low are auto-approved when confidence reaches the threshold,
//     otherwise they need their configured count
//
// A required count of zero is still a requirement: the workflow waits in
// pending_approval until someone approves it once.
func ApprovalRequirement(risk models.RiskLevel, confidence float64, policy ApprovalPolicy) (bool, int) {
	switch risk {
	case models.RiskCritical:
		return true, criticalApprovalCount
	case models.RiskHigh:
		return true, policy.HighRiskCount
	case models.RiskMedium:
		if confidence >= policy.AutoApproveConfidence {
			return false, 0
		}
		return true, policy.MediumRiskCount
	default:
		if confidence >= policy.AutoApproveConfidence {
			return false, 0
		}
		return true, policy.LowRiskCount
	}
}
