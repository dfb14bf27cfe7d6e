package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/selfheal/selfheal/pkg/models"
)

func testSignals(signalType models.SignalType, n int) []*models.Signal {
	signals := make([]*models.Signal, 0, n)
	for i := 0; i < n; i++ {
		signals = append(signals, &models.Signal{
			ID:        "sig-" + string(rune('a'+i)),
			Type:      signalType,
			Source:    "test",
			SubjectID: "merchant-1",
			Severity:  models.SeverityHigh,
			Title:     "Something failed",
			Content:   map[string]interface{}{"error_code": "E1"},
			Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		})
	}
	return signals
}

// TestClassify tests the deterministic fallback table
func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		context  string
		category models.IssueCategory
		impact   models.Impact
		title    string
	}{
		{"checkout", "Type: checkout_event", models.CategoryPlatformBug, models.ImpactHigh, "Checkout/Payment Issue Detected"},
		{"payment", "PAYMENT declined", models.CategoryPlatformBug, models.ImpactHigh, "Checkout/Payment Issue Detected"},
		{"webhook", "webhook delivery timeout", models.CategoryMerchantConfig, models.ImpactMedium, "Webhook Configuration Issue"},
		{"migration", "migration step failed", models.CategoryMigration, models.ImpactHigh, "Migration-Related Issue"},
		{"api", "status 404 returned", models.CategoryPlatformBug, models.ImpactMedium, "API Error Detected"},
		{"checkout wins over webhook", "checkout webhook", models.CategoryPlatformBug, models.ImpactHigh, "Checkout/Payment Issue Detected"},
		{"unknown", "customer asked a question", models.CategoryUnknown, models.ImpactMedium, "Issue Requires Investigation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Classify(tt.context)
			if d.Category != tt.category {
				t.Errorf("category = %s, want %s", d.Category, tt.category)
			}
			if d.Impact != tt.impact {
				t.Errorf("impact = %s, want %s", d.Impact, tt.impact)
			}
			if d.Title != tt.title {
				t.Errorf("title = %q, want %q", d.Title, tt.title)
			}
			if d.Confidence != FallbackConfidence {
				t.Errorf("confidence = %v, want %v", d.Confidence, FallbackConfidence)
			}
			if len(d.ReasoningChain) != 1 {
				t.Errorf("expected one reasoning step, got %d", len(d.ReasoningChain))
			}
		})
	}
}

// TestFormatSignals tests the per-signal prompt block
func TestFormatSignals(t *testing.T) {
	out := FormatSignals(testSignals(models.SignalTypeCheckoutEvent, 2))

	for _, want := range []string{
		"Signal 1:",
		"Signal 2:",
		"- Type: checkout_event",
		"- Subject: merchant-1",
		"- Severity: high",
		`"error_code": "E1"`,
		"- Timestamp: 2026-01-02T03:04:05Z",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("formatted output missing %q", want)
		}
	}
}

func chatServer(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected authorization header: %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("unexpected messages: %+v", req.Messages)
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// TestClientAnalyze tests decoding of a fenced JSON answer
func TestClientAnalyze(t *testing.T) {
	answer := "```json\n" + `{
		"title": "Stripe keys rotated",
		"summary": "Checkout fails after key rotation.",
		"category": "merchant_config",
		"subcategory": "payments",
		"root_cause": "Stale API keys",
		"reasoning_chain": [{"step_number": 1, "observation": "401s", "inference": "bad key", "confidence": 0.9}],
		"confidence": 0.92,
		"impact": "critical",
		"suggested_actions": ["notify_merchant"]
	}` + "\n```"
	srv := chatServer(t, http.StatusOK, answer)

	c := NewClient(ClientConfig{APIKey: "test-key", APIURL: srv.URL}, zerolog.Nop())
	d, err := c.Analyze(context.Background(), "signals")
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if d.Category != models.CategoryMerchantConfig || d.Impact != models.ImpactCritical {
		t.Errorf("unexpected classification: %s/%s", d.Category, d.Impact)
	}
	if d.Subcategory == nil || *d.Subcategory != "payments" {
		t.Errorf("unexpected subcategory: %v", d.Subcategory)
	}
	if d.Confidence != 0.92 {
		t.Errorf("confidence = %v", d.Confidence)
	}
	if len(d.ReasoningChain) != 1 {
		t.Errorf("expected one reasoning step, got %d", len(d.ReasoningChain))
	}
}

// TestClientAnalyzeErrors tests the failure modes that trigger fallback
func TestClientAnalyzeErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		content string
	}{
		{"non-200", http.StatusInternalServerError, `{}`},
		{"malformed json", http.StatusOK, "not json at all"},
		{"invalid category", http.StatusOK, `{"category": "cosmic_rays", "impact": "low"}`},
		{"invalid impact", http.StatusOK, `{"category": "migration", "impact": "apocalyptic"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := chatServer(t, tt.status, tt.content)
			c := NewClient(ClientConfig{APIKey: "test-key", APIURL: srv.URL}, zerolog.Nop())
			if _, err := c.Analyze(context.Background(), "signals"); err == nil {
				t.Error("expected error")
			}
		})
	}

	c := NewClient(ClientConfig{}, zerolog.Nop())
	if _, err := c.Analyze(context.Background(), "signals"); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("expected ErrNoAPIKey, got %v", err)
	}
}

// TestParseDraftDefaults tests defaults applied to sparse answers
func TestParseDraftDefaults(t *testing.T) {
	d, err := parseDraft(`{"confidence": 1.7}`)
	if err != nil {
		t.Fatalf("parseDraft failed: %v", err)
	}
	if d.Category != models.CategoryUnknown || d.Impact != models.ImpactMedium {
		t.Errorf("unexpected defaults: %s/%s", d.Category, d.Impact)
	}
	if d.Title != "Unknown Issue" || d.RootCause != "Unable to determine" {
		t.Errorf("unexpected text defaults: %q %q", d.Title, d.RootCause)
	}
	if d.Confidence != 1 {
		t.Errorf("confidence should be clamped to 1, got %v", d.Confidence)
	}
}

type stubAnalyzer struct {
	draft *Draft
	err   error
	delay time.Duration
}

func (s *stubAnalyzer) Analyze(ctx context.Context, _ string) (*Draft, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.draft, s.err
}

// TestStrategy tests primary use and the fallback boundary
func TestStrategy(t *testing.T) {
	signals := testSignals(models.SignalTypeCheckoutEvent, 3)
	remote := &Draft{Title: "remote", Category: models.CategoryMigration, Impact: models.ImpactLow, Confidence: 0.95}

	tests := []struct {
		name     string
		primary  Analyzer
		source   Source
		category models.IssueCategory
	}{
		{"no primary", nil, SourceFallback, models.CategoryPlatformBug},
		{"primary ok", &stubAnalyzer{draft: remote}, SourceRemote, models.CategoryMigration},
		{"primary error", &stubAnalyzer{err: errors.New("down")}, SourceFallback, models.CategoryPlatformBug},
		{"primary timeout", &stubAnalyzer{draft: remote, delay: time.Second}, SourceFallback, models.CategoryPlatformBug},
		{"unconfigured client", NewClient(ClientConfig{}, zerolog.Nop()), SourceFallback, models.CategoryPlatformBug},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStrategy(tt.primary, 50*time.Millisecond, zerolog.Nop())
			res, err := s.Reason(context.Background(), signals)
			if err != nil {
				t.Fatalf("Reason failed: %v", err)
			}
			if res.Source != tt.source {
				t.Errorf("source = %s, want %s", res.Source, tt.source)
			}
			if res.Draft.Category != tt.category {
				t.Errorf("category = %s, want %s", res.Draft.Category, tt.category)
			}
		})
	}

	s := NewStrategy(nil, 0, zerolog.Nop())
	if _, err := s.Reason(context.Background(), nil); err == nil {
		t.Error("expected error for empty cluster")
	}
}
