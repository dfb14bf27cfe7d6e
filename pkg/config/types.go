package config

import (
	"time"

	"github.com/selfheal/selfheal/pkg/actions"
	"github.com/selfheal/selfheal/pkg/reasoning"
	"github.com/selfheal/selfheal/pkg/telemetry"
)

// Config is the complete service configuration.
type Config struct {
	Store     StoreConfig       `yaml:"store"`
	Agent     AgentConfig       `yaml:"agent"`
	Approval  ApprovalConfig    `yaml:"approval"`
	Reasoning ReasoningConfig   `yaml:"reasoning"`
	Server    ServerConfig      `yaml:"server"`
	Notify    NotifyConfig      `yaml:"notify"`
	Policy    PolicyConfig      `yaml:"policy"`
	Actions   ActionsConfig     `yaml:"actions"`
	Telemetry *telemetry.Config `yaml:"telemetry" validate:"required"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	// Path is the database file.
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"gte=0"`
}

// AgentConfig configures the control loop and the execution pool.
type AgentConfig struct {
	// AutoStart starts the control loop with the server.
	AutoStart          bool          `yaml:"auto_start"`
	LoopInterval       time.Duration `yaml:"loop_interval" validate:"gt=0"`
	PatternWindow      time.Duration `yaml:"pattern_window" validate:"gt=0"`
	MinPatternCount    int           `yaml:"min_pattern_count" validate:"gte=1"`
	MaxClustersPerTick int           `yaml:"max_clusters_per_tick" validate:"gt=0"`
	FallbackBatch      int           `yaml:"fallback_batch" validate:"gt=0"`
	ApprovedSweepLimit int           `yaml:"approved_sweep_limit" validate:"gt=0"`
	ExecutorWorkers    int           `yaml:"executor_workers" validate:"gt=0"`
	QueueSize          int           `yaml:"queue_size" validate:"gt=0"`
}

// ApprovalConfig configures the approval gate.
type ApprovalConfig struct {
	AutoApproveConfidenceThreshold float64 `yaml:"auto_approve_confidence_threshold" validate:"gte=0,lte=1"`
	Low                            int     `yaml:"low" validate:"gte=0"`
	Medium                         int     `yaml:"medium" validate:"gte=0"`
	High                           int     `yaml:"high" validate:"gte=0"`
}

// ReasoningConfig configures the reasoning engine client.
type ReasoningConfig struct {
	// APIKey enables the remote engine. Without it every analysis uses the
	// keyword classifier.
	APIKey      string        `yaml:"api_key"`
	APIURL      string        `yaml:"api_url" validate:"required,url"`
	Model       string        `yaml:"model" validate:"required"`
	Temperature float64       `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int           `yaml:"max_tokens" validate:"gt=0"`
	Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Listen   string `yaml:"listen" validate:"required"`
	BasePath string `yaml:"base_path" validate:"required,startswith=/"`

	// JWTSecret enables bearer token checks on approval and override
	// operations when set.
	JWTSecret string `yaml:"jwt_secret"`

	WebhookRPS   float64 `yaml:"webhook_rps" validate:"gt=0"`
	WebhookBurst int     `yaml:"webhook_burst" validate:"gt=0"`

	// AllowedOrigins are the websocket origin patterns accepted by /ws.
	AllowedOrigins []string `yaml:"allowed_origins"`

	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// NotifyConfig configures the notification channels besides the websocket hub.
type NotifyConfig struct {
	// RedisURL enables publishing to Redis when set.
	RedisURL     string `yaml:"redis_url" validate:"omitempty,url"`
	RedisChannel string `yaml:"redis_channel" validate:"required_with=RedisURL"`
}

// PolicyConfig configures the step guard.
type PolicyConfig struct {
	// Dirs are extra directories or files of .rego policies.
	Dirs []string `yaml:"dirs"`

	// Watch reloads Dirs on change.
	Watch bool `yaml:"watch"`
}

// ActionsConfig configures the built-in action handlers.
type ActionsConfig struct {
	StoreURL          string        `yaml:"store_url" validate:"omitempty,url"`
	ScenarioURL       string        `yaml:"scenario_url" validate:"omitempty,url"`
	AgentToken        string        `yaml:"agent_token"`
	EvidenceDir       string        `yaml:"evidence_dir" validate:"required"`
	EvidenceURLPrefix string        `yaml:"evidence_url_prefix"`
	HTTPTimeout       time.Duration `yaml:"http_timeout" validate:"gt=0"`
}

// ClientConfig converts the reasoning section for reasoning.NewClient.
func (r ReasoningConfig) ClientConfig() reasoning.ClientConfig {
	return reasoning.ClientConfig{
		APIKey:      r.APIKey,
		APIURL:      r.APIURL,
		Model:       r.Model,
		Temperature: r.Temperature,
		MaxTokens:   r.MaxTokens,
		Timeout:     r.Timeout,
	}
}

// HandlerConfig converts the actions section for actions.DefaultRegistry.
func (a ActionsConfig) HandlerConfig() actions.Config {
	return actions.Config{
		StoreURL:          a.StoreURL,
		ScenarioURL:       a.ScenarioURL,
		AgentToken:        a.AgentToken,
		EvidenceDir:       a.EvidenceDir,
		EvidenceURLPrefix: a.EvidenceURLPrefix,
		HTTPTimeout:       a.HTTPTimeout,
	}
}
