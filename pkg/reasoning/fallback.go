package reasoning

import (
	"strings"

	"github.com/selfheal/selfheal/pkg/models"
)

// FallbackConfidence is the confidence of every fallback draft.
const FallbackConfidence = 0.6

type fallbackRule struct {
	keywords []string
	category models.IssueCategory
	title    string
	impact   models.Impact
}

// fallbackRules are checked in order; the first keyword hit wins.
var fallbackRules = []fallbackRule{
	{[]string{"checkout", "payment"}, models.CategoryPlatformBug, "Checkout/Payment Issue Detected", models.ImpactHigh},
	{[]string{"webhook"}, models.CategoryMerchantConfig, "Webhook Configuration Issue", models.ImpactMedium},
	{[]string{"migration"}, models.CategoryMigration, "Migration-Related Issue", models.ImpactHigh},
	{[]string{"api", "404", "500"}, models.CategoryPlatformBug, "API Error Detected", models.ImpactMedium},
}

// Classify is the deterministic rule-based classifier. It always returns a
// structurally valid draft.
func Classify(signalContext string) Draft {
	lower := strings.ToLower(signalContext)

	category := models.CategoryUnknown
	title := "Issue Requires Investigation"
	impact := models.ImpactMedium

	for _, rule := range fallbackRules {
		if containsAny(lower, rule.keywords) {
			category, title, impact = rule.category, rule.title, rule.impact
			break
		}
	}

	return Draft{
		Title:     title,
		Summary:   "Issue detected from incoming signals. Manual review recommended.",
		Category:  category,
		RootCause: "Automated analysis - please review signals for details",
		ReasoningChain: []models.ReasoningStep{
			{
				StepNumber:  1,
				Observation: "Multiple signals received",
				Inference:   "Pattern indicates systemic issue",
				Confidence:  FallbackConfidence,
			},
		},
		Confidence:       FallbackConfidence,
		Impact:           impact,
		SuggestedActions: []string{"Review signals manually", "Check merchant configuration"},
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
