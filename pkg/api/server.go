package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/selfheal/selfheal/pkg/engine"
	"github.com/selfheal/selfheal/pkg/ingest"
	"github.com/selfheal/selfheal/pkg/notify"
	"github.com/selfheal/selfheal/pkg/stores"
	"github.com/selfheal/selfheal/pkg/telemetry"
)

// Config for the HTTP API handler.
type Config struct {
	Engine *engine.Engine
	Store  stores.Store

	// Hub serves /ws when set.
	Hub *notify.Hub

	// Metrics serves /metrics when set.
	Metrics *telemetry.Metrics

	// Generator backs the trigger endpoints. Defaults to a clock-seeded one.
	Generator *ingest.Generator

	BasePath string
	Auth     AuthConfig

	// WebhookRPS and WebhookBurst bound webhook deliveries per client IP.
	WebhookRPS   float64
	WebhookBurst int

	Version string
	Logger  zerolog.Logger
}

type apiErrorBody struct {
	Code    string                 `json:"code" example:"not_found"`
	Message string                 `json:"message" example:"workflow not found"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// apiError models the error envelope {"error": {code, message, details}}.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type server struct {
	cfg    Config
	logger zerolog.Logger
}

// New returns an HTTP handler exposing the agent API. ctx bounds background
// housekeeping such as the webhook limiter cleanup.
func New(ctx context.Context, cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("api: engine is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("api: store is required")
	}
	if cfg.Generator == nil {
		cfg.Generator = ingest.NewGenerator(0)
	}
	if cfg.WebhookRPS <= 0 {
		cfg.WebhookRPS = 20
	}
	if cfg.WebhookBurst <= 0 {
		cfg.WebhookBurst = 40
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	cfg.BasePath = basePath

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, errorDetails(errs))
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, errorDetails(errs))
	}

	s := &server{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "api").Logger(),
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Use(newWebhookLimiter(ctx, basePath+"/webhooks/", cfg.WebhookRPS, cfg.WebhookBurst))

	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	hcfg := huma.DefaultConfig("Self-Healing Support Agent API", version)
	hcfg.OpenAPIPath = basePath + "/openapi"
	hcfg.DocsPath = basePath + "/docs"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	s.registerHealth(group)
	s.registerAgent(group)
	s.registerSignals(group)
	s.registerIssues(group)
	s.registerWorkflows(group)
	s.registerAudit(group)
	s.registerDashboard(group)
	s.registerTrigger(group)
	s.registerWebhooks(group)

	if cfg.Hub != nil {
		router.Get("/ws", cfg.Hub.ServeHTTP)
	}
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]interface{}) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func errorDetails(errs []error) map[string]interface{} {
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	return map[string]interface{}{"errors": msgs}
}

// handleError maps pipeline errors onto HTTP statuses.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}

	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		if errors.Is(err, stores.ErrNotFound) {
			return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
		}
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]interface{}{"error": err.Error()})
	}

	details := map[string]interface{}{}
	for k, v := range ee.Details {
		details[k] = v
	}
	if ee.Resource != "" {
		details["resource"] = ee.Resource
	}
	if len(details) == 0 {
		details = nil
	}

	switch {
	case ee.Code == engine.ErrCodeNotFound:
		return newAPIError(http.StatusNotFound, "not_found", ee.Message, details)
	case ee.Code == engine.ErrCodeValidation:
		return newAPIError(http.StatusBadRequest, "bad_request", ee.Message, details)
	case ee.Code == engine.ErrCodePrecondition:
		return newAPIError(http.StatusConflict, "precondition_failed", ee.Message, details)
	case ee.Class == engine.ErrorClassConflict:
		return newAPIError(http.StatusConflict, "conflict", ee.Message, details)
	case ee.Code == engine.ErrCodePolicyViolation:
		return newAPIError(http.StatusUnprocessableEntity, "policy_violation", ee.Message, details)
	case ee.Class == engine.ErrorClassThrottled:
		return newAPIError(http.StatusServiceUnavailable, "unavailable", ee.Message, details)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", ee.Message, details)
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}
