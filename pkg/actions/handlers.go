package actions

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/selfheal/selfheal/pkg/models"
)

// Config configures the built-in handlers.
type Config struct {
	// StoreURL is the storefront whose chaos modes fix_store_chaos disables.
	StoreURL string `yaml:"store_url"`

	// ScenarioURL is the base URL of the scenario runner. Empty disables
	// scenario stopping.
	ScenarioURL string `yaml:"scenario_url"`

	// AgentToken authenticates the agent against the storefront.
	AgentToken string `yaml:"agent_token"`

	// EvidenceDir is where take_screenshot stores captures.
	EvidenceDir string `yaml:"evidence_dir"`

	// EvidenceURLPrefix is prepended to capture file names in results.
	EvidenceURLPrefix string `yaml:"evidence_url_prefix"`

	// HTTPTimeout bounds each outbound HTTP call.
	HTTPTimeout time.Duration `yaml:"http_timeout"`
}

// DefaultConfig returns the handler defaults.
func DefaultConfig() Config {
	return Config{
		StoreURL:          "http://localhost:3001",
		AgentToken:        "self-healing-agent-token",
		EvidenceDir:       "static/evidence",
		EvidenceURLPrefix: "/static/evidence",
		HTTPTimeout:       10 * time.Second,
	}
}

// handlers holds the shared dependencies of the built-in handlers.
type handlers struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger
}

// DefaultRegistry returns a registry with a handler for every action type.
func DefaultRegistry(cfg Config, logger zerolog.Logger) *Registry {
	defaults := DefaultConfig()
	if cfg.StoreURL == "" {
		cfg.StoreURL = defaults.StoreURL
	}
	if cfg.AgentToken == "" {
		cfg.AgentToken = defaults.AgentToken
	}
	if cfg.EvidenceDir == "" {
		cfg.EvidenceDir = defaults.EvidenceDir
	}
	if cfg.EvidenceURLPrefix == "" {
		cfg.EvidenceURLPrefix = defaults.EvidenceURLPrefix
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = defaults.HTTPTimeout
	}

	h := &handlers{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		logger: logger.With().Str("component", "actions").Logger(),
	}

	r := NewRegistry()
	table := map[models.ActionType]HandlerFunc{
		models.ActionSendNotification:    h.notification,
		models.ActionUpdateConfig:        h.configUpdate,
		models.ActionEscalateEngineering: h.escalation,
		models.ActionReplyTicket:         h.ticketReply,
		models.ActionTriggerWebhook:      h.webhook,
		models.ActionRunDiagnostic:       h.diagnostic,
		models.ActionApplyHotfix:         h.hotfix,
		models.ActionRollbackChange:      h.rollback,
		models.ActionUpdateDocumentation: h.docUpdate,
		models.ActionNotifyMerchant:      h.merchantNotification,
		models.ActionFixStoreChaos:       h.storeFix,
		models.ActionTakeScreenshot:      h.screenshot,
	}
	for action, fn := range table {
		// every key is a declared action type
		_ = r.Register(action, fn)
	}
	return r
}

func (h *handlers) notification(_ context.Context, params map[string]interface{}) (Result, error) {
	h.logger.Info().
		Str("channel", stringParam(params, "channel", "general")).
		Str("message", stringParam(params, "message", "No message")).
		Msg("Notification sent")
	return Succeeded(map[string]interface{}{"action": "notification_sent", "details": params}), nil
}

func (h *handlers) configUpdate(_ context.Context, params map[string]interface{}) (Result, error) {
	h.logger.Info().Interface("params", params).Msg("Config updated")
	return Succeeded(map[string]interface{}{"action": "config_updated", "details": params}), nil
}

func (h *handlers) escalation(_ context.Context, params map[string]interface{}) (Result, error) {
	team := stringParam(params, "team", "platform")
	h.logger.Info().Str("team", team).Msg("Escalated to engineering")
	return Succeeded(map[string]interface{}{"action": "escalated", "team": team}), nil
}

func (h *handlers) ticketReply(_ context.Context, params map[string]interface{}) (Result, error) {
	h.logger.Info().Str("template", stringParam(params, "template", "")).Msg("Ticket replied")
	return Succeeded(map[string]interface{}{"action": "ticket_replied", "details": params}), nil
}

func (h *handlers) diagnostic(_ context.Context, params map[string]interface{}) (Result, error) {
	h.logger.Info().Str("check_type", stringParam(params, "check_type", "general")).Msg("Diagnostic completed")
	return Succeeded(map[string]interface{}{"action": "diagnostic_completed", "results": params}), nil
}

// hotfix never applies anything; deployment is a human step.
func (h *handlers) hotfix(_ context.Context, _ map[string]interface{}) (Result, error) {
	return Manual("Hotfix requires manual deployment"), nil
}

func (h *handlers) rollback(_ context.Context, params map[string]interface{}) (Result, error) {
	h.logger.Warn().Str("target", stringParam(params, "target", "unknown")).Msg("Rollback initiated")
	return Succeeded(map[string]interface{}{"action": "rollback_initiated", "details": params}), nil
}

func (h *handlers) docUpdate(_ context.Context, params map[string]interface{}) (Result, error) {
	h.logger.Info().Str("topic", stringParam(params, "topic", "unknown")).Msg("Documentation update queued")
	return Succeeded(map[string]interface{}{"action": "documentation_updated", "details": params}), nil
}

func (h *handlers) merchantNotification(_ context.Context, params map[string]interface{}) (Result, error) {
	h.logger.Info().Interface("merchant_ids", params["merchant_ids"]).Msg("Merchants notified")
	return Succeeded(map[string]interface{}{"action": "merchant_notified", "details": params}), nil
}

func stringParam(params map[string]interface{}, key, def string) string {
	if v, ok := params[key]; ok {
		switch s := v.(type) {
		case string:
			if s != "" {
				return s
			}
		case nil:
		default:
			return fmt.Sprintf("%v", s)
		}
	}
	return def
}
