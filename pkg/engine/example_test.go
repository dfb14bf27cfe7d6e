package engine_test

import (
	"fmt"
	"time"

	"github.com/selfheal/selfheal/pkg/engine"
	"github.com/selfheal/selfheal/pkg/models"
)

// ExampleApprovalRequirement shows how risk and confidence gate a workflow.
func ExampleApprovalRequirement() {
	policy := engine.DefaultApprovalPolicy()

	for _, c := range []struct {
		risk       models.RiskLevel
		confidence float64
	}{
		{models.RiskCritical, 0.99},
		{models.RiskHigh, 0.95},
		{models.RiskMedium, 0.92},
		{models.RiskMedium, 0.6},
	} {
		required, count := engine.ApprovalRequirement(c.risk, c.confidence, policy)
		fmt.Printf("%s@%.2f: requires=%v approvals=%d\n", c.risk, c.confidence, required, count)
	}
	// Output:
	// critical@0.99: requires=true approvals=2
	// high@0.95: requires=true approvals=2
	// medium@0.92: requires=false approvals=0
	// medium@0.60: requires=true approvals=1
}

// ExampleDetectPatterns shows signals grouped by type and subject.
func ExampleDetectPatterns() {
	now := time.Now()
	signals := []*models.Signal{
		{ID: "s1", Type: models.SignalTypeCheckoutEvent, SubjectID: "m_1", Timestamp: now},
		{ID: "s2", Type: models.SignalTypeCheckoutEvent, SubjectID: "m_1", Timestamp: now},
		{ID: "s3", Type: models.SignalTypeSupportTicket, SubjectID: "m_2", Timestamp: now},
	}

	for _, c := range engine.DetectPatterns(signals, now, time.Hour, 2) {
		fmt.Printf("%s: %d signals\n", c.Key, c.Size())
	}
	// Output:
	// checkout_event:m_1: 2 signals
}
