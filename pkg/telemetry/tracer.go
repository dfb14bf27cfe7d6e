package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Span attribute keys used across the pipeline.
var (
	AttrLoopTick    = attribute.Key("loop.tick")
	AttrClusterKey  = attribute.Key("cluster.key")
	AttrClusterSize = attribute.Key("cluster.size")

	AttrIssueID         = attribute.Key("issue.id")
	AttrCategory        = attribute.Key("issue.category")
	AttrReasoningSource = attribute.Key("reasoning.source")

	AttrWorkflowID = attribute.Key("workflow.id")
	AttrStepID     = attribute.Key("step.id")
	AttrActionType = attribute.Key("step.action_type")
)

// Tracer emits the pipeline spans: loop.tick, cluster.process,
// reasoning.analyze, workflow.execute and step.execute.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds the tracer. When tracing is disabled spans are still
// created so callers never branch, but nothing is sampled or exported.
func NewTracer(c *Config) (*Tracer, error) {
	cfg := c.Tracing
	if !cfg.Enabled {
		provider := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
		return &Tracer{provider: provider, tracer: provider.Tracer(c.ServiceName)}, nil
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(c.ServiceName),
		semconv.ServiceVersionKey.String(c.ServiceVersion),
		attribute.String("environment", c.Environment),
	}
	for k, v := range c.ResourceAttributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}

	exporter, err := newSpanExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(c.ServiceName)}, nil
}

// newSpanExporter returns nil for the "none" exporter: spans are sampled
// for log correlation but never leave the process.
func newSpanExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithBlock()),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
}

func (t *Tracer) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return otel.Tracer("selfheal").Start(ctx, name, trace.WithAttributes(attrs...))
	}
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartTickSpan starts the root span of one control loop tick.
func (t *Tracer) StartTickSpan(ctx context.Context, tick int64) (context.Context, trace.Span) {
	return t.start(ctx, "loop.tick", AttrLoopTick.Int64(tick))
}

// StartClusterSpan starts the span covering one cluster from reasoning to decision.
func (t *Tracer) StartClusterSpan(ctx context.Context, key string, size int) (context.Context, trace.Span) {
	return t.start(ctx, "cluster.process", AttrClusterKey.String(key), AttrClusterSize.Int(size))
}

// StartReasoningSpan starts the span around a reasoning call.
func (t *Tracer) StartReasoningSpan(ctx context.Context, signalCount int) (context.Context, trace.Span) {
	return t.start(ctx, "reasoning.analyze", AttrClusterSize.Int(signalCount))
}

// StartWorkflowSpan starts the span of one execution pass over a workflow.
func (t *Tracer) StartWorkflowSpan(ctx context.Context, workflowID, issueID string) (context.Context, trace.Span) {
	return t.start(ctx, "workflow.execute", AttrWorkflowID.String(workflowID), AttrIssueID.String(issueID))
}

// StartStepSpan starts the span of a single step, including its policy check.
func (t *Tracer) StartStepSpan(ctx context.Context, workflowID string, stepID int, actionType string) (context.Context, trace.Span) {
	return t.start(ctx, "step.execute",
		AttrWorkflowID.String(workflowID),
		AttrStepID.Int(stepID),
		AttrActionType.String(actionType),
	)
}

// RecordError marks span as failed. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks span as successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Shutdown flushes pending spans and stops the exporter.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
