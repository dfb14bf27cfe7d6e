package ingest

import (
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/selfheal/selfheal/pkg/models"
)

// Kind names a synthetic error generator.
type Kind string

const (
	KindCheckoutFailure     Kind = "checkout-failure"
	KindAPIMisconfiguration Kind = "api-misconfiguration"
	KindWebhookFailure      Kind = "webhook-failure"
	KindMigrationIssue      Kind = "migration-issue"
	KindSupportTicket       Kind = "support-ticket"
)

// defaultSubject is the merchant used when a trigger names none.
const defaultSubject = "test_merchant"

// Kinds lists every generator kind.
func Kinds() []Kind {
	return []Kind{KindCheckoutFailure, KindAPIMisconfiguration, KindWebhookFailure, KindMigrationIssue, KindSupportTicket}
}

// ParseKind validates a generator kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown trigger kind %q", s)
}

type checkoutError struct {
	code     string
	message  string
	severity models.Severity
}

var checkoutErrors = map[string]checkoutError{
	"payment_declined":     {"card_declined", "The card was declined", models.SeverityHigh},
	"invalid_cart":         {"invalid_cart", "Cart contains unavailable items", models.SeverityMedium},
	"shipping_unavailable": {"shipping_error", "No shipping options available for address", models.SeverityMedium},
	"timeout":              {"gateway_timeout", "Payment gateway timeout", models.SeverityCritical},
}

type apiError struct {
	status   int
	message  string
	severity models.Severity
}

var apiErrors = map[string]apiError{
	"auth_failure":     {401, "Invalid API key or token expired", models.SeverityHigh},
	"rate_limit":       {429, "Rate limit exceeded", models.SeverityMedium},
	"invalid_endpoint": {404, "Endpoint not found - check API version", models.SeverityMedium},
	"server_error":     {500, "Internal server error", models.SeverityCritical},
	"bad_request":      {400, "Invalid request parameters", models.SeverityLow},
}

var webhookFailureReasons = map[string]string{
	"connection_refused": "Connection refused by merchant server",
	"timeout":            "Webhook delivery timed out",
	"ssl_error":          "SSL certificate validation failed",
	"invalid_response":   "Merchant returned non-2xx response",
}

type migrationIssue struct {
	message    string
	severity   models.Severity
	components []string
}

var migrationIssues = map[string]migrationIssue{
	"sync_failure":       {"Product catalog sync failed - 150 products missing", models.SeverityHigh, []string{"catalog", "inventory"}},
	"schema_mismatch":    {"Schema mismatch detected in customer data", models.SeverityCritical, []string{"customers", "orders"}},
	"webhook_gap":        {"Webhooks not configured for headless endpoints", models.SeverityMedium, []string{"webhooks"}},
	"theme_incompatible": {"Legacy theme components not compatible with headless", models.SeverityMedium, []string{"frontend", "theme"}},
}

// Generator produces realistic failure signals for demos and tests.
type Generator struct {
	intn func(n int) int
	now  func() time.Time
}

// NewGenerator creates a generator. A zero seed seeds from the clock.
func NewGenerator(seed int64) *Generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	r := rand.New(rand.NewSource(seed))
	return &Generator{
		intn: r.Intn,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Generate builds the signal for kind. params are the optional query
// parameters of the trigger; unknown variants fall back to the first one
// of each generator.
func (g *Generator) Generate(kind Kind, params map[string]string) (*models.Signal, error) {
	get := func(key, def string) string {
		if v, ok := params[key]; ok && v != "" {
			return v
		}
		return def
	}
	subject := get("merchant_id", get("subject_id", defaultSubject))

	switch kind {
	case KindCheckoutFailure:
		cartValue := 99.99
		if v := get("cart_value", ""); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid cart_value %q: %w", v, err)
			}
			cartValue = f
		}
		return g.CheckoutFailure(subject, get("error_type", "payment_declined"), cartValue), nil
	case KindAPIMisconfiguration:
		return g.APIMisconfiguration(subject, get("endpoint", "/api/products"), get("error_type", "auth_failure")), nil
	case KindWebhookFailure:
		return g.WebhookFailure(subject, get("webhook_type", "order.created"), get("failure_reason", "connection_refused")), nil
	case KindMigrationIssue:
		return g.MigrationIssue(subject, get("stage", "data_sync"), get("issue_type", "sync_failure")), nil
	case KindSupportTicket:
		tags := strings.Split(get("tags", "checkout,headless,urgent"), ",")
		return g.SupportTicket(subject, get("subject", "Checkout not working"), get("priority", "high"), tags), nil
	default:
		return nil, fmt.Errorf("unknown trigger kind %q", kind)
	}
}

// CheckoutFailure builds a failed headless checkout event.
func (g *Generator) CheckoutFailure(subject, errorType string, cartValue float64) *models.Signal {
	e, ok := checkoutErrors[errorType]
	if !ok {
		e = checkoutErrors["payment_declined"]
	}

	return &models.Signal{
		Type:      models.SignalTypeCheckoutEvent,
		Source:    "headless_checkout",
		SubjectID: subject,
		Severity:  e.severity,
		Title:     "Checkout Failure: " + e.code,
		Content: map[string]interface{}{
			"checkout_id":   "chk_" + hexID(12),
			"cart_value":    cartValue,
			"currency":      "USD",
			"stage":         "payment",
			"error_code":    e.code,
			"error_message": e.message,
			"customer_id":   "cust_" + hexID(8),
		},
	}
}

// APIMisconfiguration builds a platform API error.
func (g *Generator) APIMisconfiguration(subject, endpoint, errorType string) *models.Signal {
	e, ok := apiErrors[errorType]
	if !ok {
		e = apiErrors["auth_failure"]
	}

	return &models.Signal{
		Type:      models.SignalTypeAPIError,
		Source:    "platform_api",
		SubjectID: subject,
		Severity:  e.severity,
		Title:     fmt.Sprintf("API Error: %d on %s", e.status, endpoint),
		Content: map[string]interface{}{
			"endpoint":      endpoint,
			"method":        "GET",
			"status_code":   e.status,
			"error_message": e.message,
			"request_id":    "req_" + hexID(12),
		},
	}
}

// WebhookFailure builds a failed webhook delivery. Unknown reasons are
// reported verbatim.
func (g *Generator) WebhookFailure(subject, webhookType, reason string) *models.Signal {
	message, ok := webhookFailureReasons[reason]
	if !ok {
		message = reason
	}

	return &models.Signal{
		Type:      models.SignalTypeWebhookFailure,
		Source:    "webhook_service",
		SubjectID: subject,
		Severity:  models.SeverityHigh,
		Title:     "Webhook Failed: " + webhookType,
		Content: map[string]interface{}{
			"webhook_url":     fmt.Sprintf("https://%s.example.com/webhooks", subject),
			"event_type":      webhookType,
			"payload_snippet": `{"order_id": "123", "event": "..."}`,
			"failure_reason":  message,
			"retry_count":     1 + g.intn(5),
			"last_attempt":    g.now().Format(time.RFC3339),
		},
	}
}

// MigrationIssue builds a failed migration stage event.
func (g *Generator) MigrationIssue(subject, stage, issueType string) *models.Signal {
	m, ok := migrationIssues[issueType]
	if !ok {
		m = migrationIssues["sync_failure"]
	}

	components := make([]interface{}, 0, len(m.components))
	for _, c := range m.components {
		components = append(components, c)
	}

	return &models.Signal{
		Type:      models.SignalTypeMigrationEvent,
		Source:    "migration_service",
		SubjectID: subject,
		Severity:  m.severity,
		Title:     "Migration Issue: " + issueType,
		Content: map[string]interface{}{
			"migration_id":        "mig_" + hexID(8),
			"stage":               stage,
			"status":              "failed",
			"components_affected": components,
			"error_details":       m.message,
		},
	}
}

// SupportTicket builds a support portal ticket.
func (g *Generator) SupportTicket(subject, title, priority string, tags []string) *models.Signal {
	tagList := make([]interface{}, 0, len(tags))
	for _, t := range tags {
		tagList = append(tagList, t)
	}

	return &models.Signal{
		Type:      models.SignalTypeSupportTicket,
		Source:    "support_portal",
		SubjectID: subject,
		Severity:  PrioritySeverity(priority),
		Title:     title,
		Content: map[string]interface{}{
			"ticket_id": fmt.Sprintf("TKT-%d", 10000+g.intn(90000)),
			"subject":   title,
			"description": fmt.Sprintf("We are experiencing issues with our headless checkout. The %s since we started the migration. Please help urgently.",
				strings.ToLower(title)),
			"customer_email": fmt.Sprintf("support@%s.com", subject),
			"priority":       priority,
			"tags":           tagList,
			"merchant_name":  titleCase(strings.ReplaceAll(subject, "_", " ")),
		},
	}
}

// Variants lists the accepted variant names per generator parameter.
func Variants() map[string][]string {
	keys := func(m interface{}) []string {
		var out []string
		switch v := m.(type) {
		case map[string]checkoutError:
			for k := range v {
				out = append(out, k)
			}
		case map[string]apiError:
			for k := range v {
				out = append(out, k)
			}
		case map[string]string:
			for k := range v {
				out = append(out, k)
			}
		case map[string]migrationIssue:
			for k := range v {
				out = append(out, k)
			}
		}
		sort.Strings(out)
		return out
	}

	return map[string][]string{
		string(KindCheckoutFailure) + ".error_type":     keys(checkoutErrors),
		string(KindAPIMisconfiguration) + ".error_type": keys(apiErrors),
		string(KindWebhookFailure) + ".failure_reason":  keys(webhookFailureReasons),
		string(KindMigrationIssue) + ".issue_type":      keys(migrationIssues),
		string(KindSupportTicket) + ".priority":         {"high", "low", "normal", "urgent"},
	}
}

func hexID(n int) string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:n]
}

// titleCase upper-cases the first letter of every word and lower-cases the rest.
func titleCase(s string) string {
	var b strings.Builder
	start := true
	for _, r := range s {
		if unicode.IsLetter(r) {
			if start {
				b.WriteRune(unicode.ToUpper(r))
			} else {
				b.WriteRune(unicode.ToLower(r))
			}
			start = false
			continue
		}
		start = true
		b.WriteRune(r)
	}
	return b.String()
}
