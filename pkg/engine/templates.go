package engine

import (
	"fmt"
	"strings"

	"github.com/selfheal/selfheal/pkg/models"
)

// TemplateSelector produces the ordered steps of a workflow for an issue.
// Step ids start at 1 and depends_on references earlier ids.
type TemplateSelector interface {
	Steps(issue *models.Issue) []models.WorkflowStep
}

// DefaultStoreURL is the demo store targeted by the injected fix steps.
const DefaultStoreURL = "http://localhost:3001"

// demoSubjectMarkers identify subjects served by the demo store.
var demoSubjectMarkers = []string{
	"simulated_store", "demo_store", "merchant_", "store_", "shop_", "client_", "brand_",
}

// CategoryTemplates selects a template by issue category and appends the
// demo store evidence and fix steps when an affected subject belongs to the
// demo store.
type CategoryTemplates struct {
	StoreURL string
}

// NewCategoryTemplates creates the template selector. An empty storeURL
// selects DefaultStoreURL.
func NewCategoryTemplates(storeURL string) *CategoryTemplates {
	if storeURL == "" {
		storeURL = DefaultStoreURL
	}
	return &CategoryTemplates{StoreURL: strings.TrimRight(storeURL, "/")}
}

// Steps implements TemplateSelector.
func (t *CategoryTemplates) Steps(issue *models.Issue) []models.WorkflowStep {
	var steps []models.WorkflowStep
	switch issue.Category {
	case models.CategoryMigration:
		steps = migrationSteps(issue)
	case models.CategoryPlatformBug:
		steps = platformBugSteps(issue)
	case models.CategoryDocumentationGap:
		steps = documentationSteps(issue)
	case models.CategoryMerchantConfig:
		steps = merchantConfigSteps(issue)
	default:
		steps = genericSteps(issue)
	}

	if isDemoIssue(issue) {
		steps = t.appendDemoFix(steps, issue)
	}

	for i := range steps {
		steps[i].Status = models.StepStatusPending
		if steps[i].DependsOn == nil {
			steps[i].DependsOn = []int{}
		}
		if steps[i].RiskLevel == "" {
			steps[i].RiskLevel = models.RiskLow
		}
	}
	return steps
}

func isDemoIssue(issue *models.Issue) bool {
	for _, subject := range issue.AffectedSubjects {
		s := strings.ToLower(subject)
		for _, marker := range demoSubjectMarkers {
			if strings.Contains(s, marker) {
				return true
			}
		}
	}
	return false
}

// chaosTarget picks the store chaos mode and scenario to disable from the
// issue title and root cause.
func chaosTarget(issue *models.Issue) (mode, scenario string) {
	title := strings.ToLower(issue.Title)
	rootCause := strings.ToLower(issue.RootCause)

	switch {
	case strings.Contains(title, "api") || strings.Contains(rootCause, "api"):
		return "api_errors", "api_degradation"
	case strings.Contains(title, "webhook"):
		return "webhook_drops", "webhook_cascade"
	case strings.Contains(title, "migration"):
		return "migration_mode", "migration_chaos"
	case strings.Contains(title, "config") || strings.Contains(title, "drift"):
		return "api_errors", "config_drift"
	default:
		return "checkout_fails", "checkout_storm"
	}
}

func (t *CategoryTemplates) appendDemoFix(steps []models.WorkflowStep, issue *models.Issue) []models.WorkflowStep {
	next := 1
	for _, s := range steps {
		if s.ID >= next {
			next = s.ID + 1
		}
	}

	mode, scenario := chaosTarget(issue)
	checkoutURL := t.StoreURL + "/checkout"

	return append(steps,
		models.WorkflowStep{
			ID:          next,
			Name:        "Capture Failure Evidence",
			Description: "Capture screenshot of the checkout page error state",
			ActionType:  models.ActionTakeScreenshot,
			Parameters: map[string]interface{}{
				"url":   checkoutURL,
				"label": "before_fix",
			},
			RiskLevel: models.RiskLow,
		},
		models.WorkflowStep{
			ID:          next + 1,
			Name:        "Fix Store Chaos Mode",
			Description: fmt.Sprintf("Disable %s mode in the store", mode),
			ActionType:  models.ActionFixStoreChaos,
			Parameters: map[string]interface{}{
				"store_url":   t.StoreURL,
				"chaos_mode":  mode,
				"scenario_id": scenario,
				"action":      "disable",
			},
			RiskLevel:        models.RiskMedium,
			RequiresApproval: true,
			DependsOn:        []int{next},
		},
		models.WorkflowStep{
			ID:          next + 2,
			Name:        "Verify Fix Visually",
			Description: "Capture screenshot of checkout page success state",
			ActionType:  models.ActionTakeScreenshot,
			Parameters: map[string]interface{}{
				"url":   checkoutURL,
				"label": "after_fix",
			},
			RiskLevel: models.RiskLow,
			DependsOn: []int{next + 1},
		},
	)
}

func migrationSteps(issue *models.Issue) []models.WorkflowStep {
	return []models.WorkflowStep{
		{
			ID:          1,
			Name:        "Send Internal Alert",
			Description: "Alert the migration team about the detected issue",
			ActionType:  models.ActionSendNotification,
			Parameters: map[string]interface{}{
				"channel":  "migration-alerts",
				"message":  "Migration issue detected: " + issue.Title,
				"priority": "high",
			},
		},
		{
			ID:          2,
			Name:        "Run Migration Diagnostic",
			Description: "Run diagnostic checks on migration state",
			ActionType:  models.ActionRunDiagnostic,
			Parameters: map[string]interface{}{
				"check_type":  "migration_state",
				"subject_ids": subjectList(issue),
			},
			DependsOn: []int{1},
		},
		{
			ID:          3,
			Name:        "Notify Affected Merchants",
			Description: "Proactively notify merchants about the issue and ETA",
			ActionType:  models.ActionNotifyMerchant,
			Parameters: map[string]interface{}{
				"subject_ids":   subjectList(issue),
				"template":      "migration_delay",
				"issue_summary": issue.Summary,
			},
			RiskLevel:        models.RiskMedium,
			RequiresApproval: true,
			DependsOn:        []int{2},
		},
		{
			ID:          4,
			Name:        "Escalate to Engineering",
			Description: "Escalate to platform engineering if not auto-resolved",
			ActionType:  models.ActionEscalateEngineering,
			Parameters: map[string]interface{}{
				"team":     "platform-migration",
				"severity": string(issue.EstimatedImpact),
				"issue_id": issue.ID,
			},
			DependsOn: []int{2},
		},
	}
}

func platformBugSteps(issue *models.Issue) []models.WorkflowStep {
	return []models.WorkflowStep{
		{
			ID:          1,
			Name:        "Alert Engineering",
			Description: "Immediately alert platform engineering about the bug",
			ActionType:  models.ActionEscalateEngineering,
			Parameters: map[string]interface{}{
				"team":       "platform-bugs",
				"severity":   string(issue.EstimatedImpact),
				"title":      issue.Title,
				"root_cause": issue.RootCause,
			},
		},
		{
			ID:          2,
			Name:        "Check for Known Fix",
			Description: "Check if this is a known issue with existing fix",
			ActionType:  models.ActionRunDiagnostic,
			Parameters: map[string]interface{}{
				"check_type":    "known_issues",
				"error_pattern": issue.RootCause,
			},
			DependsOn: []int{1},
		},
		{
			ID:          3,
			Name:        "Reply to Support Tickets",
			Description: "Send acknowledgment to affected merchants' tickets",
			ActionType:  models.ActionReplyTicket,
			Parameters: map[string]interface{}{
				"template":      "platform_issue_ack",
				"issue_summary": issue.Summary,
				"eta":           "investigating",
			},
			RiskLevel:        models.RiskMedium,
			RequiresApproval: true,
			DependsOn:        []int{1},
		},
	}
}

func documentationSteps(issue *models.Issue) []models.WorkflowStep {
	return []models.WorkflowStep{
		{
			ID:          1,
			Name:        "Flag Documentation Gap",
			Description: "Notify documentation team about the gap",
			ActionType:  models.ActionSendNotification,
			Parameters: map[string]interface{}{
				"channel": "docs-updates",
				"message": "Documentation gap identified: " + issue.Title,
				"context": issue.RootCause,
			},
		},
		{
			ID:          2,
			Name:        "Create Doc Update Task",
			Description: "Create task to update documentation",
			ActionType:  models.ActionUpdateDocumentation,
			Parameters: map[string]interface{}{
				"topic":          issue.Title,
				"content_needed": issue.Summary,
				"priority":       "medium",
			},
			DependsOn: []int{1},
		},
		{
			ID:          3,
			Name:        "Send Interim Guidance",
			Description: "Provide interim guidance to merchant",
			ActionType:  models.ActionReplyTicket,
			Parameters: map[string]interface{}{
				"template":   "documentation_guidance",
				"workaround": issue.Summary,
			},
			DependsOn: []int{1},
		},
	}
}

func merchantConfigSteps(issue *models.Issue) []models.WorkflowStep {
	issueType := "general"
	if issue.Subcategory != nil && *issue.Subcategory != "" {
		issueType = *issue.Subcategory
	}

	return []models.WorkflowStep{
		{
			ID:          1,
			Name:        "Diagnose Configuration",
			Description: "Run configuration diagnostic for merchant",
			ActionType:  models.ActionRunDiagnostic,
			Parameters: map[string]interface{}{
				"check_type":  "merchant_config",
				"subject_ids": subjectList(issue),
			},
		},
		{
			ID:          2,
			Name:        "Send Configuration Guide",
			Description: "Send configuration fix guide to merchant",
			ActionType:  models.ActionReplyTicket,
			Parameters: map[string]interface{}{
				"template":   "config_fix_guide",
				"issue_type": issueType,
				"steps":      issue.RootCause,
			},
			DependsOn: []int{1},
		},
		{
			ID:          3,
			Name:        "Offer Config Assistance",
			Description: "Offer to assist with configuration",
			ActionType:  models.ActionNotifyMerchant,
			Parameters: map[string]interface{}{
				"subject_ids": subjectList(issue),
				"template":    "config_assistance_offer",
			},
			DependsOn: []int{2},
		},
	}
}

func genericSteps(issue *models.Issue) []models.WorkflowStep {
	return []models.WorkflowStep{
		{
			ID:          1,
			Name:        "Log Issue for Review",
			Description: "Log the issue for manual review",
			ActionType:  models.ActionSendNotification,
			Parameters: map[string]interface{}{
				"channel":    "support-triage",
				"message":    "Issue requires review: " + issue.Title,
				"confidence": issue.Confidence,
			},
		},
		{
			ID:          2,
			Name:        "Acknowledge Ticket",
			Description: "Send acknowledgment to merchant",
			ActionType:  models.ActionReplyTicket,
			Parameters: map[string]interface{}{
				"template": "issue_received",
				"eta":      "under review",
			},
			DependsOn: []int{1},
		},
	}
}

// subjectList copies the affected subjects into a JSON-friendly slice.
func subjectList(issue *models.Issue) []interface{} {
	out := make([]interface{}, 0, len(issue.AffectedSubjects))
	for _, s := range issue.AffectedSubjects {
		out = append(out, s)
	}
	return out
}
