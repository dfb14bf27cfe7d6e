package reasoning

import (
	"fmt"

	"github.com/selfheal/selfheal/pkg/models"
)

// Source identifies which stage produced a draft.
type Source string

const (
	// SourceRemote means the reasoning engine answered with a valid draft.
	SourceRemote Source = "remote"

	// SourceFallback means the deterministic classifier produced the draft.
	SourceFallback Source = "fallback"
)

// Draft is the structured analysis of one signal cluster.
type Draft struct {
	Title            string                 `json:"title"`
	Summary          string                 `json:"summary"`
	Category         models.IssueCategory   `json:"category"`
	Subcategory      *string                `json:"subcategory,omitempty"`
	RootCause        string                 `json:"root_cause"`
	ReasoningChain   []models.ReasoningStep `json:"reasoning_chain"`
	Confidence       float64                `json:"confidence"`
	Impact           models.Impact          `json:"impact"`
	SuggestedActions []string               `json:"suggested_actions,omitempty"`
}

// Result pairs a draft with the stage that produced it.
type Result struct {
	Draft  Draft
	Source Source
}

// rawDraft mirrors the engine's JSON answer before normalization.
type rawDraft struct {
	Title            string                 `json:"title"`
	Summary          string                 `json:"summary"`
	Category         string                 `json:"category"`
	Subcategory      *string                `json:"subcategory"`
	RootCause        string                 `json:"root_cause"`
	ReasoningChain   []models.ReasoningStep `json:"reasoning_chain"`
	Confidence       *float64               `json:"confidence"`
	Impact           string                 `json:"impact"`
	SuggestedActions []string               `json:"suggested_actions"`
}

// normalize turns a raw answer into a draft. Unknown categories or impacts
// make the answer invalid; missing descriptive fields get defaults.
func (r *rawDraft) normalize() (*Draft, error) {
	category := models.IssueCategory(r.Category)
	if r.Category == "" {
		category = models.CategoryUnknown
	}
	if !category.Valid() {
		return nil, fmt.Errorf("invalid category: %q", r.Category)
	}

	impact := models.Impact(r.Impact)
	if r.Impact == "" {
		impact = models.ImpactMedium
	}
	if !impact.Valid() {
		return nil, fmt.Errorf("invalid impact: %q", r.Impact)
	}

	confidence := 0.5
	if r.Confidence != nil {
		confidence = clamp(*r.Confidence)
	}

	d := &Draft{
		Title:            r.Title,
		Summary:          r.Summary,
		Category:         category,
		RootCause:        r.RootCause,
		ReasoningChain:   r.ReasoningChain,
		Confidence:       confidence,
		Impact:           impact,
		SuggestedActions: r.SuggestedActions,
	}
	if r.Subcategory != nil && *r.Subcategory != "" {
		d.Subcategory = r.Subcategory
	}
	if d.Title == "" {
		d.Title = "Unknown Issue"
	}
	if d.RootCause == "" {
		d.RootCause = "Unable to determine"
	}
	if d.ReasoningChain == nil {
		d.ReasoningChain = []models.ReasoningStep{}
	}
	for i := range d.ReasoningChain {
		d.ReasoningChain[i].Confidence = clamp(d.ReasoningChain[i].Confidence)
	}

	return d, nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
