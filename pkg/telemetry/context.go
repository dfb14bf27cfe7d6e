package telemetry

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Telemetry is what every pipeline component receives: the root logger,
// the tracer, the Prometheus metrics and the pipeline event bus.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// NewTelemetry builds the telemetry bundle from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, fmt.Errorf("failed to create event publisher: %w", err)
	}

	return &Telemetry{Logger: logger, Tracer: tracer, Metrics: metrics, Events: events, Config: cfg}, nil
}

// NewNop returns telemetry that records nothing. Events are delivered
// synchronously so subscribers still observe them.
func NewNop() *Telemetry {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.Tracing.Enabled = false
	cfg.Events.EnableAsync = false

	metrics, _ := NewMetrics(cfg.Metrics)
	events, _ := NewEventPublisher(cfg.Events)
	tracer, _ := NewTracer(cfg)

	return &Telemetry{
		Logger:  &Logger{zlog: zerolog.Nop()},
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}
}

// Shutdown drains the event bus, flushes pending spans and closes the log
// file. Every step runs even if an earlier one fails.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Logger.Close(),
	)
}

// StartMetricsServer starts the dedicated metrics listener if one is configured.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}
