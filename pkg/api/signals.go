package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/selfheal/selfheal/pkg/ingest"
	"github.com/selfheal/selfheal/pkg/models"
	"github.com/selfheal/selfheal/pkg/stores"
)

type listSignalsInput struct {
	Processed string `query:"processed" doc:"Filter by processed state (true or false)"`
	Type      string `query:"type" doc:"Filter by signal type"`
	Limit     int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
}

type signalsOutput struct {
	Body []*models.Signal
}

type signalStatsOutput struct {
	Body *stores.SignalStats
}

type createSignalBody struct {
	Type      models.SignalType      `json:"type" enum:"support_ticket,api_error,webhook_failure,checkout_event,migration_event"`
	Source    string                 `json:"source" minLength:"1" maxLength:"128"`
	SubjectID string                 `json:"subject_id" minLength:"1" maxLength:"256"`
	Severity  models.Severity        `json:"severity,omitempty" enum:"low,medium,high,critical"`
	Title     string                 `json:"title" minLength:"1" maxLength:"512"`
	Content   map[string]interface{} `json:"content,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

type createSignalInput struct {
	Body createSignalBody
}

type signalOutput struct {
	Body *models.Signal
}

type listIssuesInput struct {
	Status   string `query:"status" doc:"Filter by issue status"`
	Category string `query:"category" doc:"Filter by issue category"`
	Limit    int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
}

type issuesOutput struct {
	Body []*models.Issue
}

type idPath struct {
	ID string `path:"id"`
}

type issueOutput struct {
	Body *models.Issue
}

type listAuditInput struct {
	EventType  string `query:"event_type"`
	WorkflowID string `query:"workflow_id"`
	IssueID    string `query:"issue_id"`
	Limit      int    `query:"limit" default:"100" minimum:"1" maximum:"1000"`
}

type auditOutput struct {
	Body []*models.AuditLog
}

type triggerInput struct {
	Kind          string `path:"kind" enum:"checkout-failure,api-misconfiguration,webhook-failure,migration-issue,support-ticket"`
	MerchantID    string `query:"merchant_id"`
	ErrorType     string `query:"error_type"`
	CartValue     string `query:"cart_value"`
	Endpoint      string `query:"endpoint"`
	WebhookType   string `query:"webhook_type"`
	FailureReason string `query:"failure_reason"`
	Stage         string `query:"stage"`
	IssueType     string `query:"issue_type"`
	Subject       string `query:"subject"`
	Priority      string `query:"priority"`
	Tags          string `query:"tags"`
}

func (in *triggerInput) params() map[string]string {
	all := map[string]string{
		"merchant_id":    in.MerchantID,
		"error_type":     in.ErrorType,
		"cart_value":     in.CartValue,
		"endpoint":       in.Endpoint,
		"webhook_type":   in.WebhookType,
		"failure_reason": in.FailureReason,
		"stage":          in.Stage,
		"issue_type":     in.IssueType,
		"subject":        in.Subject,
		"priority":       in.Priority,
		"tags":           in.Tags,
	}
	params := make(map[string]string, len(all))
	for k, v := range all {
		if v != "" {
			params[k] = v
		}
	}
	return params
}

type ingestedBody struct {
	Status   string         `json:"status" example:"received"`
	SignalID string         `json:"signal_id"`
	Signal   *models.Signal `json:"signal,omitempty"`
}

type ingestedOutput struct {
	Body ingestedBody
}

type webhookInput struct {
	Source  string `path:"source" enum:"stripe,shopify,zendesk,freshdesk,generic"`
	Topic   string `header:"X-Shopify-Topic"`
	Shop    string `header:"X-Shopify-Shop-Domain"`
	RawBody []byte
}

func (s *server) registerSignals(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-signals",
		Method:      http.MethodGet,
		Path:        "/signals",
		Summary:     "List signals, newest first",
		Tags:        []string{"signals"},
	}, func(ctx context.Context, in *listSignalsInput) (*signalsOutput, error) {
		filter := stores.SignalFilter{Limit: in.Limit}
		switch in.Processed {
		case "":
		case "true", "false":
			processed := in.Processed == "true"
			filter.Processed = &processed
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "processed must be true or false", nil)
		}
		if in.Type != "" {
			t := models.SignalType(in.Type)
			if !t.Valid() {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid signal type: %q", in.Type), nil)
			}
			filter.Type = &t
		}

		signals, err := s.cfg.Store.ListSignals(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		return &signalsOutput{Body: signals}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "signal-stats",
		Method:      http.MethodGet,
		Path:        "/signals/stats",
		Summary:     "Signal counts over the last 24 hours",
		Tags:        []string{"signals"},
	}, func(ctx context.Context, _ *struct{}) (*signalStatsOutput, error) {
		stats, err := s.cfg.Store.SignalStats(ctx, time.Now().UTC().Add(-statsWindow))
		if err != nil {
			return nil, handleError(err)
		}
		return &signalStatsOutput{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-signal",
		Method:        http.MethodPost,
		Path:          "/signals",
		Summary:       "Ingest a signal",
		Tags:          []string{"signals"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, in *createSignalInput) (*signalOutput, error) {
		severity := in.Body.Severity
		if severity == "" {
			severity = models.SeverityMedium
		}
		signal, err := s.cfg.Engine.Ingestor.Ingest(ctx, &models.Signal{
			Type:      in.Body.Type,
			Source:    in.Body.Source,
			SubjectID: in.Body.SubjectID,
			Severity:  severity,
			Title:     in.Body.Title,
			Content:   in.Body.Content,
			Metadata:  in.Body.Metadata,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &signalOutput{Body: signal}, nil
	})
}

func (s *server) registerIssues(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-issues",
		Method:      http.MethodGet,
		Path:        "/issues",
		Summary:     "List issues, newest first",
		Tags:        []string{"issues"},
	}, func(ctx context.Context, in *listIssuesInput) (*issuesOutput, error) {
		filter := stores.IssueFilter{Limit: in.Limit}
		if in.Status != "" {
			st := models.IssueStatus(in.Status)
			if !st.Valid() {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid issue status: %q", in.Status), nil)
			}
			filter.Status = &st
		}
		if in.Category != "" {
			c := models.IssueCategory(in.Category)
			if !c.Valid() {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid issue category: %q", in.Category), nil)
			}
			filter.Category = &c
		}

		issues, err := s.cfg.Store.ListIssues(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		return &issuesOutput{Body: issues}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-issue",
		Method:      http.MethodGet,
		Path:        "/issues/{id}",
		Summary:     "Get an issue",
		Tags:        []string{"issues"},
	}, func(ctx context.Context, in *idPath) (*issueOutput, error) {
		issue, err := s.cfg.Store.GetIssue(ctx, in.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &issueOutput{Body: issue}, nil
	})
}

func (s *server) registerAudit(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "List audit entries, newest first",
		Tags:        []string{"audit"},
	}, func(ctx context.Context, in *listAuditInput) (*auditOutput, error) {
		filter := stores.AuditFilter{Limit: in.Limit}
		if in.EventType != "" {
			et := models.AuditEventType(in.EventType)
			if !et.Valid() {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid event type: %q", in.EventType), nil)
			}
			filter.EventType = &et
		}
		if in.WorkflowID != "" {
			filter.WorkflowID = &in.WorkflowID
		}
		if in.IssueID != "" {
			filter.IssueID = &in.IssueID
		}

		entries, err := s.cfg.Store.ListAudit(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		return &auditOutput{Body: entries}, nil
	})
}

func (s *server) registerTrigger(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "trigger-error",
		Method:        http.MethodPost,
		Path:          "/trigger/{kind}",
		Summary:       "Generate and ingest a synthetic failure signal",
		Tags:          []string{"signals"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, in *triggerInput) (*ingestedOutput, error) {
		kind, err := ingest.ParseKind(in.Kind)
		if err != nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
		}
		signal, err := s.cfg.Generator.Generate(kind, in.params())
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		signal, err = s.cfg.Engine.Ingestor.Ingest(ctx, signal)
		if err != nil {
			return nil, handleError(err)
		}

		s.logger.Info().
			Str("kind", string(kind)).
			Str("signal_id", signal.ID).
			Str("subject_id", signal.SubjectID).
			Msg("Synthetic signal triggered")
		return &ingestedOutput{Body: ingestedBody{Status: "triggered", SignalID: signal.ID, Signal: signal}}, nil
	})
}

func (s *server) registerWebhooks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "receive-webhook",
		Method:      http.MethodPost,
		Path:        "/webhooks/{source}",
		Summary:     "Receive a webhook delivery",
		Description: "Normalizes Stripe, Shopify, Zendesk, Freshdesk and generic deliveries into signals. Rate limited per client IP.",
		Tags:        []string{"webhooks"},
	}, func(ctx context.Context, in *webhookInput) (*ingestedOutput, error) {
		header := http.Header{}
		if in.Topic != "" {
			header.Set("X-Shopify-Topic", in.Topic)
		}
		if in.Shop != "" {
			header.Set("X-Shopify-Shop-Domain", in.Shop)
		}

		signal, err := ingest.Normalize(in.Source, header, in.RawBody)
		if err != nil {
			if errors.Is(err, ingest.ErrUnknownSource) {
				return nil, newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
			}
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		signal, err = s.cfg.Engine.Ingestor.Ingest(ctx, signal)
		if err != nil {
			return nil, handleError(err)
		}

		s.logger.Debug().
			Str("source", in.Source).
			Str("signal_id", signal.ID).
			Msg("Webhook received")
		return &ingestedOutput{Body: ingestedBody{Status: "received", SignalID: signal.ID}}, nil
	})
}
