package telemetry_test

import (
	"context"
	"fmt"

	"github.com/selfheal/selfheal/pkg/telemetry"
)

// Example_basicSetup demonstrates building telemetry and tagging logs.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"
	cfg.Logging.Output = "stderr"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	log := telemetry.ForWorkflow(tel.Logger.Component("loop"), "wf-123", "iss-1")
	log.Info().Msg("Control loop started")

	fmt.Println(tel.Config.ServiceName)
	// Output: selfheal
}

// Example_workflowSpan demonstrates tracing one workflow execution.
func Example_workflowSpan() {
	tel := telemetry.NewNop()

	ctx, span := tel.Tracer.StartWorkflowSpan(context.Background(), "wf-123", "iss-1")
	_, step := tel.Tracer.StartStepSpan(ctx, "wf-123", 0, "send_notification")
	telemetry.RecordSuccess(step)
	step.End()
	telemetry.RecordSuccess(span)
	span.End()

	fmt.Println(span.SpanContext().IsValid())
	// Output: true
}

// Example_eventFiltering demonstrates subscribing to selected pipeline events.
func Example_eventFiltering() {
	tel := telemetry.NewNop()

	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Println(event.Type, event.WorkflowID)
	}, telemetry.FilterByType(telemetry.EventTypeStepFailed))

	_ = tel.Events.PublishStepEvent("wf-1", 1, "send_notification", true, "")
	_ = tel.Events.PublishStepEvent("wf-1", 2, "apply_hotfix", false, "requires manual execution")
	// Output: step.failed wf-1
}
