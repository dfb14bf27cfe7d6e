package ingest

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/selfheal/selfheal/pkg/models"
)

// TestStripe tests Stripe event normalization
func TestStripe(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		severity models.Severity
		subject  string
	}{
		{
			name:     "payment failed",
			body:     `{"id":"evt_1","type":"payment_intent.payment_failed","data":{"object":{"metadata":{"merchant_id":"m_42"}}}}`,
			severity: models.SeverityHigh,
			subject:  "m_42",
		},
		{
			name:     "dispute",
			body:     `{"id":"evt_2","type":"charge.dispute.created","data":{"object":{}}}`,
			severity: models.SeverityHigh,
			subject:  "unknown",
		},
		{
			name:     "succeeded",
			body:     `{"id":"evt_3","type":"charge.succeeded","data":{"object":{}}}`,
			severity: models.SeverityMedium,
			subject:  "unknown",
		},
		{
			name:     "malformed",
			body:     `not json`,
			severity: models.SeverityMedium,
			subject:  "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Stripe([]byte(tt.body))
			if s.Type != models.SignalTypeCheckoutEvent {
				t.Errorf("expected checkout_event, got %s", s.Type)
			}
			if s.Severity != tt.severity {
				t.Errorf("expected severity %s, got %s", tt.severity, s.Severity)
			}
			if s.SubjectID != tt.subject {
				t.Errorf("expected subject %s, got %s", tt.subject, s.SubjectID)
			}
			if s.Metadata["raw_payload_size"] != len(tt.body) {
				t.Errorf("expected raw_payload_size %d, got %v", len(tt.body), s.Metadata["raw_payload_size"])
			}
		})
	}
}

// TestShopify tests topic based classification of Shopify deliveries
func TestShopify(t *testing.T) {
	header := http.Header{}
	header.Set("X-Shopify-Topic", "checkouts/update")
	header.Set("X-Shopify-Shop-Domain", "shop.myshopify.com")

	s, err := Normalize(SourceShopify, header, []byte(`{"id":1}`))
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if s.Type != models.SignalTypeCheckoutEvent || s.Severity != models.SeverityHigh {
		t.Errorf("unexpected classification: %s/%s", s.Type, s.Severity)
	}
	if s.SubjectID != "shop.myshopify.com" || s.Title != "Shopify: checkouts/update" {
		t.Errorf("unexpected signal: %+v", s)
	}

	s = Shopify("products/update", "", nil)
	if s.Type != models.SignalTypeAPIError || s.Severity != models.SeverityMedium || s.SubjectID != "unknown" {
		t.Errorf("unexpected fallback classification: %+v", s)
	}
}

// TestZendesk tests ticket extraction and description truncation
func TestZendesk(t *testing.T) {
	long := strings.Repeat("x", 1500)
	body := `{"ticket":{"id":7,"subject":"Checkout broken","description":"` + long + `","priority":"urgent","tags":["checkout"],"custom_fields":{"merchant_id":"m_9"},"requester":{"email":"a@b.com"}}}`

	s := Zendesk([]byte(body))
	if s.Severity != models.SeverityCritical {
		t.Errorf("expected critical, got %s", s.Severity)
	}
	if s.SubjectID != "m_9" || s.Title != "Checkout broken" {
		t.Errorf("unexpected signal: %s %s", s.SubjectID, s.Title)
	}
	if got := len(s.Content["description"].(string)); got != 1000 {
		t.Errorf("expected description truncated to 1000, got %d", got)
	}

	s = Zendesk([]byte(`{}`))
	if s.Title != "Support Ticket" || s.Severity != models.SeverityMedium {
		t.Errorf("unexpected defaults: %s %s", s.Title, s.Severity)
	}
}

// TestFreshdesk tests wrapped and flat Freshdesk payloads
func TestFreshdesk(t *testing.T) {
	wrapped := Freshdesk([]byte(`{"freshdesk_webhook":{"ticket_id":3,"ticket_subject":"Help","company_id":55}}`))
	if wrapped.SubjectID != "55" || wrapped.Title != "Help" {
		t.Errorf("unexpected wrapped signal: %s %s", wrapped.SubjectID, wrapped.Title)
	}

	flat := Freshdesk([]byte(`{"ticket_subject":"Flat"}`))
	if flat.SubjectID != "unknown" || flat.Title != "Flat" {
		t.Errorf("unexpected flat signal: %s %s", flat.SubjectID, flat.Title)
	}
}

// TestGeneric tests generic payload validation and fallbacks
func TestGeneric(t *testing.T) {
	s, err := Generic([]byte(`{"type":"webhook_failure","severity":"critical","merchant_id":"m_1","title":"down"}`))
	if err != nil {
		t.Fatalf("generic failed: %v", err)
	}
	if s.Type != models.SignalTypeWebhookFailure || s.Severity != models.SeverityCritical || s.SubjectID != "m_1" {
		t.Errorf("unexpected signal: %+v", s)
	}

	s, err = Generic([]byte(`{"type":"bogus","severity":"extreme"}`))
	if err != nil {
		t.Fatalf("generic failed: %v", err)
	}
	if s.Type != models.SignalTypeAPIError || s.Severity != models.SeverityMedium || s.Source != "generic" {
		t.Errorf("expected fallbacks, got %+v", s)
	}

	if _, err := Generic([]byte(`{broken`)); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload, got %v", err)
	}

	if _, err := Generic([]byte(`{"type":"` + strings.Repeat("a", 100) + `"}`)); err == nil {
		t.Error("expected validation error for oversized type")
	}
}

// TestNormalizeUnknownSource tests rejection of unsupported sources
func TestNormalizeUnknownSource(t *testing.T) {
	if _, err := Normalize("pagerduty", http.Header{}, nil); !errors.Is(err, ErrUnknownSource) {
		t.Errorf("expected ErrUnknownSource, got %v", err)
	}
}
