package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/selfheal/selfheal/pkg/actions"
	"github.com/selfheal/selfheal/pkg/engine"
	"github.com/selfheal/selfheal/pkg/reasoning"
	"github.com/selfheal/selfheal/pkg/stores"
	"github.com/selfheal/selfheal/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file read when none is given.
const DefaultPath = "selfheal.yaml"

// EnvironmentVar selects the telemetry profile the defaults start from.
// "production" switches to JSON logs and OTLP tracing.
const EnvironmentVar = "SELFHEAL_ENV"

// Default returns the built-in configuration.
func Default() *Config {
	ec := engine.DefaultConfig()
	ac := actions.DefaultConfig()

	return &Config{
		Store: StoreConfig{
			Path:            "selfheal.db",
			MaxOpenConns:    8,
			MaxIdleConns:    4,
			ConnMaxLifetime: time.Hour,
		},
		Agent: AgentConfig{
			AutoStart:          true,
			LoopInterval:       ec.LoopInterval,
			PatternWindow:      ec.PatternWindow,
			MinPatternCount:    ec.MinPatternCount,
			MaxClustersPerTick: ec.MaxClustersPerTick,
			FallbackBatch:      ec.FallbackBatch,
			ApprovedSweepLimit: ec.ApprovedSweepLimit,
			ExecutorWorkers:    ec.Workers,
			QueueSize:          ec.QueueSize,
		},
		Approval: ApprovalConfig{
			AutoApproveConfidenceThreshold: ec.Approval.AutoApproveConfidence,
			Low:                            ec.Approval.LowRiskCount,
			Medium:                         ec.Approval.MediumRiskCount,
			High:                           ec.Approval.HighRiskCount,
		},
		Reasoning: ReasoningConfig{
			APIURL:      reasoning.DefaultAPIURL,
			Model:       reasoning.DefaultModel,
			Temperature: 0.3,
			MaxTokens:   2000,
			Timeout:     30 * time.Second,
		},
		Server: ServerConfig{
			Listen:          ":8000",
			BasePath:        "/api",
			WebhookRPS:      20,
			WebhookBurst:    40,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Notify: NotifyConfig{
			RedisChannel: "selfheal:notifications",
		},
		Actions: ActionsConfig{
			StoreURL:          ac.StoreURL,
			AgentToken:        ac.AgentToken,
			EvidenceDir:       ac.EvidenceDir,
			EvidenceURLPrefix: ac.EvidenceURLPrefix,
			HTTPTimeout:       ac.HTTPTimeout,
		},
		Telemetry: telemetry.ConfigFor(os.Getenv(EnvironmentVar)),
	}
}

// Load reads path over the defaults and validates the result. A missing
// file at DefaultPath is not an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			cfg := Default()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := c.ApprovalPolicy().Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}

// ApprovalPolicy converts the approval section.
func (c *Config) ApprovalPolicy() engine.ApprovalPolicy {
	return engine.ApprovalPolicy{
		AutoApproveConfidence: c.Approval.AutoApproveConfidenceThreshold,
		LowRiskCount:          c.Approval.Low,
		MediumRiskCount:       c.Approval.Medium,
		HighRiskCount:         c.Approval.High,
	}
}

// EngineConfig converts the agent and approval sections.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		LoopInterval:       c.Agent.LoopInterval,
		PatternWindow:      c.Agent.PatternWindow,
		MinPatternCount:    c.Agent.MinPatternCount,
		MaxClustersPerTick: c.Agent.MaxClustersPerTick,
		FallbackBatch:      c.Agent.FallbackBatch,
		ApprovedSweepLimit: c.Agent.ApprovedSweepLimit,
		Workers:            c.Agent.ExecutorWorkers,
		QueueSize:          c.Agent.QueueSize,
		Approval:           c.ApprovalPolicy(),
	}
}

// StoreConfig converts the store section.
func (c *Config) StoreConfig() stores.Config {
	return stores.Config{
		Path:            c.Store.Path,
		MaxOpenConns:    c.Store.MaxOpenConns,
		MaxIdleConns:    c.Store.MaxIdleConns,
		ConnMaxLifetime: c.Store.ConnMaxLifetime,
	}
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
