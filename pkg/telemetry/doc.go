// Package telemetry provides observability instrumentation for the
// remediation agent.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an in-process event bus into a
// single Telemetry bundle that is created once at startup and handed to the
// pipeline components.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// # Structured Logging
//
//	log := telemetry.ForWorkflow(tel.Logger.Component("executor"), wf.ID, wf.IssueID)
//	telemetry.ForStep(log, step.ID, string(step.ActionType)).Debug().Msg("Executing step")
//
// Components receive a plain zerolog.Logger; ForSignal, ForWorkflow and
// ForStep attach the identifiers operators search by.
//
// # Distributed Tracing
//
// Spans are emitted for loop.tick, cluster.process, reasoning.analyze,
// workflow.execute and step.execute. Supported exporters are "otlp"
// (gRPC), "stdout" and "none". ConfigFor("production") enables OTLP
// export at a 10% sampling rate.
//
// # Metrics
//
// Metrics live on a private registry served by Metrics.Handler. Key series:
//
//   - selfheal_signals_ingested_total{type,source}
//   - selfheal_issues_detected_total{category,source}
//   - selfheal_workflows_created_total{risk,status}
//   - selfheal_workflow_decisions_total{decision}
//   - selfheal_steps_executed_total{action_type,status}
//   - selfheal_workflow_outcomes_total{status}
//   - selfheal_loop_ticks_total{result}
//   - selfheal_loop_status
//   - selfheal_active_executions
//
// All Record methods are safe on a nil or disabled Metrics.
//
// # Event Publishing
//
// The EventPublisher carries pipeline events (workflow.started,
// step.failed, workflow.paused, ...) to subscribers such as the websocket
// observer hub:
//
//	tel.Events.Subscribe(hub.ForwardEvent,
//	    telemetry.FilterByType(telemetry.EventTypeStepFailed, telemetry.EventTypePolicyViolation))
package telemetry
