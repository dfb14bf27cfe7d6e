package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/selfheal/selfheal/pkg/models"
)

// Webhook sources accepted by Normalize.
const (
	SourceStripe    = "stripe"
	SourceShopify   = "shopify"
	SourceZendesk   = "zendesk"
	SourceFreshdesk = "freshdesk"
	SourceGeneric   = "generic"
)

// unknownSubject is recorded when a payload does not name its merchant.
const unknownSubject = "unknown"

// maxDescriptionLen bounds ticket descriptions copied into signal content.
const maxDescriptionLen = 1000

var (
	// ErrUnknownSource is returned by Normalize for unsupported sources.
	ErrUnknownSource = errors.New("unknown webhook source")

	// ErrInvalidPayload is returned when a payload that must be JSON is not.
	ErrInvalidPayload = errors.New("invalid JSON payload")
)

var validate = validator.New()

// Sources lists the webhook sources in route order.
func Sources() []string {
	return []string{SourceStripe, SourceShopify, SourceZendesk, SourceFreshdesk, SourceGeneric}
}

// Normalize converts a webhook delivery from source into a signal ready for
// ingestion. Only the generic source rejects malformed bodies; the vendor
// sources treat them as empty events so a delivery is never lost.
func Normalize(source string, header http.Header, body []byte) (*models.Signal, error) {
	switch source {
	case SourceStripe:
		return Stripe(body), nil
	case SourceShopify:
		return Shopify(header.Get("X-Shopify-Topic"), header.Get("X-Shopify-Shop-Domain"), body), nil
	case SourceZendesk:
		return Zendesk(body), nil
	case SourceFreshdesk:
		return Freshdesk(body), nil
	case SourceGeneric:
		return Generic(body)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
}

type stripeEvent struct {
	ID   *string `json:"id"`
	Type string  `json:"type"`
	Data struct {
		Object map[string]interface{} `json:"object"`
	} `json:"data"`
}

// Stripe normalizes a Stripe event. Failed payments and disputes are high
// severity; everything else is medium.
func Stripe(body []byte) *models.Signal {
	var ev stripeEvent
	_ = json.Unmarshal(body, &ev)

	eventType := orDefault(ev.Type, "unknown")
	object := ev.Data.Object
	if object == nil {
		object = map[string]interface{}{}
	}

	severity := models.SeverityMedium
	if strings.Contains(eventType, "failed") || strings.Contains(eventType, "dispute") {
		severity = models.SeverityHigh
	}

	subject := unknownSubject
	if meta, ok := object["metadata"].(map[string]interface{}); ok {
		if id, ok := meta["merchant_id"].(string); ok && id != "" {
			subject = id
		}
	}

	var eventID interface{}
	if ev.ID != nil {
		eventID = *ev.ID
	}

	return &models.Signal{
		Type:      models.SignalTypeCheckoutEvent,
		Source:    SourceStripe,
		SubjectID: subject,
		Severity:  severity,
		Title:     "Stripe: " + eventType,
		Content: map[string]interface{}{
			"event_type": eventType,
			"event_id":   eventID,
			"object":     object,
		},
		Metadata: map[string]interface{}{"raw_payload_size": len(body)},
	}
}

// Shopify normalizes a Shopify delivery. topic and shop come from the
// X-Shopify-Topic and X-Shopify-Shop-Domain headers.
func Shopify(topic, shop string, body []byte) *models.Signal {
	topic = orDefault(topic, "unknown")
	shop = orDefault(shop, unknownSubject)

	var payload map[string]interface{}
	_ = json.Unmarshal(body, &payload)
	if payload == nil {
		payload = map[string]interface{}{}
	}

	signalType := models.SignalTypeAPIError
	if strings.Contains(topic, "checkout") {
		signalType = models.SignalTypeCheckoutEvent
	}
	severity := models.SeverityMedium
	if strings.Contains(topic, "checkout") || strings.Contains(topic, "order") {
		severity = models.SeverityHigh
	}

	return &models.Signal{
		Type:      signalType,
		Source:    SourceShopify,
		SubjectID: shop,
		Severity:  severity,
		Title:     "Shopify: " + topic,
		Content: map[string]interface{}{
			"topic":   topic,
			"shop":    shop,
			"payload": payload,
		},
	}
}

type zendeskPayload struct {
	Ticket struct {
		ID           interface{}            `json:"id"`
		Subject      *string                `json:"subject"`
		Description  string                 `json:"description"`
		Priority     string                 `json:"priority"`
		Tags         []string               `json:"tags"`
		CustomFields map[string]interface{} `json:"custom_fields"`
		Requester    struct {
			Email *string `json:"email"`
		} `json:"requester"`
	} `json:"ticket"`
}

// PrioritySeverity maps helpdesk ticket priorities to signal severity.
// Unknown priorities are medium.
func PrioritySeverity(priority string) models.Severity {
	switch priority {
	case "urgent":
		return models.SeverityCritical
	case "high":
		return models.SeverityHigh
	case "low":
		return models.SeverityLow
	default:
		return models.SeverityMedium
	}
}

// Zendesk normalizes a Zendesk ticket event.
func Zendesk(body []byte) *models.Signal {
	var p zendeskPayload
	_ = json.Unmarshal(body, &p)
	t := p.Ticket

	priority := orDefault(t.Priority, "normal")
	subject := unknownSubject
	if id, ok := t.CustomFields["merchant_id"].(string); ok && id != "" {
		subject = id
	}

	title := "Support Ticket"
	var subjectLine interface{}
	if t.Subject != nil {
		title = orDefault(*t.Subject, title)
		subjectLine = *t.Subject
	}

	var email interface{}
	if t.Requester.Email != nil {
		email = *t.Requester.Email
	}

	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}

	return &models.Signal{
		Type:      models.SignalTypeSupportTicket,
		Source:    SourceZendesk,
		SubjectID: subject,
		Severity:  PrioritySeverity(priority),
		Title:     title,
		Content: map[string]interface{}{
			"ticket_id":       t.ID,
			"subject":         subjectLine,
			"description":     truncate(t.Description, maxDescriptionLen),
			"priority":        priority,
			"tags":            tags,
			"requester_email": email,
		},
	}
}

// Freshdesk normalizes a Freshdesk automation webhook. The ticket may be
// wrapped in a freshdesk_webhook object.
func Freshdesk(body []byte) *models.Signal {
	var payload map[string]interface{}
	_ = json.Unmarshal(body, &payload)

	ticket := payload
	if inner, ok := payload["freshdesk_webhook"].(map[string]interface{}); ok {
		ticket = inner
	}
	if ticket == nil {
		ticket = map[string]interface{}{}
	}

	subject := unknownSubject
	if id, ok := ticket["company_id"]; ok && id != nil {
		subject = fmt.Sprint(id)
	}

	title := "Support Ticket"
	if s, ok := ticket["ticket_subject"].(string); ok && s != "" {
		title = s
	}
	description, _ := ticket["ticket_description"].(string)

	return &models.Signal{
		Type:      models.SignalTypeSupportTicket,
		Source:    SourceFreshdesk,
		SubjectID: subject,
		Severity:  models.SeverityMedium,
		Title:     title,
		Content: map[string]interface{}{
			"ticket_id":       ticket["ticket_id"],
			"subject":         ticket["ticket_subject"],
			"description":     truncate(description, maxDescriptionLen),
			"status":          ticket["ticket_status"],
			"requester_email": ticket["ticket_requester_email"],
		},
	}
}

// GenericPayload is the body accepted by the generic webhook.
type GenericPayload struct {
	Type       string                 `json:"type" validate:"omitempty,max=64"`
	Source     string                 `json:"source" validate:"omitempty,max=128"`
	SubjectID  string                 `json:"subject_id" validate:"omitempty,max=256"`
	MerchantID string                 `json:"merchant_id" validate:"omitempty,max=256"`
	Severity   string                 `json:"severity" validate:"omitempty,max=32"`
	Title      string                 `json:"title" validate:"omitempty,max=512"`
	Content    map[string]interface{} `json:"content"`
	Metadata   map[string]interface{} `json:"metadata"`
}

// Generic normalizes a payload of any system. Unknown types fall back to
// api_error and unknown severities to medium. merchant_id is accepted as
// an alias of subject_id.
func Generic(body []byte) (*models.Signal, error) {
	var p GenericPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("payload validation failed: %w", err)
	}

	signalType := models.SignalType(p.Type)
	if !signalType.Valid() {
		signalType = models.SignalTypeAPIError
	}
	severity := models.Severity(p.Severity)
	if !severity.Valid() {
		severity = models.SeverityMedium
	}

	subject := p.SubjectID
	if subject == "" {
		subject = orDefault(p.MerchantID, unknownSubject)
	}

	content := p.Content
	if content == nil {
		content = map[string]interface{}{}
	}
	metadata := p.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}

	return &models.Signal{
		Type:      signalType,
		Source:    orDefault(p.Source, SourceGeneric),
		SubjectID: subject,
		Severity:  severity,
		Title:     orDefault(p.Title, "Generic Signal"),
		Content:   content,
		Metadata:  metadata,
	}, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
