package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// loopStatusValues maps control loop states onto the loop_status gauge.
var loopStatusValues = map[string]float64{
	"idle":      0,
	"observing": 1,
	"reasoning": 2,
	"deciding":  3,
	"executing": 4,
	"error":     5,
	"stopped":   6,
}

// Metrics provides Prometheus metrics for the remediation pipeline.
type Metrics struct {
	config MetricsConfig

	// Ingestion metrics
	signalsIngested *prometheus.CounterVec
	signalsClaimed  prometheus.Counter

	// Reasoning metrics
	issuesDetected    *prometheus.CounterVec
	reasoningDuration *prometheus.HistogramVec

	// Decision metrics
	workflowsCreated *prometheus.CounterVec
	approvals        *prometheus.CounterVec

	// Execution metrics
	stepsExecuted    *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	workflowOutcomes *prometheus.CounterVec
	interruptions    prometheus.Counter
	workflowDuration *prometheus.HistogramVec
	policyViolations *prometheus.CounterVec
	activeExecutions prometheus.Gauge
	queuedExecutions prometheus.Gauge
	rejectedSubmits  prometheus.Counter

	// Loop metrics
	loopTicks    *prometheus.CounterVec
	tickDuration prometheus.Histogram
	loopStatus   prometheus.Gauge

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		signalsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signals_ingested_total",
				Help:      "Total number of signals ingested",
			},
			[]string{"type", "source"},
		),
		signalsClaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signals_claimed_total",
				Help:      "Total number of signals claimed by issues",
			},
		),

		issuesDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "issues_detected_total",
				Help:      "Total number of issues detected",
			},
			[]string{"category", "source"},
		),
		reasoningDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reasoning_duration_seconds",
				Help:      "Duration of cluster analysis in seconds",
				Buckets:   buckets,
			},
			[]string{"source"},
		),

		workflowsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflows_created_total",
				Help:      "Total number of workflows created",
			},
			[]string{"risk", "status"},
		),
		approvals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_decisions_total",
				Help:      "Total number of human approval decisions",
			},
			[]string{"decision"},
		),

		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of workflow steps executed",
			},
			[]string{"action_type", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of workflow step execution in seconds",
				Buckets:   buckets,
			},
			[]string{"action_type"},
		),
		workflowOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_outcomes_total",
				Help:      "Total number of workflow executions by final status",
			},
			[]string{"status"},
		),
		interruptions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_interruptions_total",
				Help:      "Total number of executions stopped at a step boundary with the workflow still running",
			},
		),
		workflowDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_duration_seconds",
				Help:      "Duration of workflow execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		policyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_violations_total",
				Help:      "Total number of step policy violations",
			},
			[]string{"policy", "severity"},
		),
		activeExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_executions",
				Help:      "Current number of workflows executing",
			},
		),
		queuedExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_executions",
				Help:      "Current number of workflows waiting for a worker",
			},
		),
		rejectedSubmits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "execution_submits_rejected_total",
				Help:      "Total number of execution submissions rejected as duplicate or over capacity",
			},
		),

		loopTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loop_ticks_total",
				Help:      "Total number of control loop ticks",
			},
			[]string{"result"},
		),
		tickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "loop_tick_duration_seconds",
				Help:      "Duration of control loop ticks in seconds",
				Buckets:   buckets,
			},
		),
		loopStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "loop_status",
				Help:      "Current control loop state (0=idle 1=observing 2=reasoning 3=deciding 4=executing 5=error 6=stopped)",
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.signalsIngested,
		m.signalsClaimed,
		m.issuesDetected,
		m.reasoningDuration,
		m.workflowsCreated,
		m.approvals,
		m.stepsExecuted,
		m.stepDuration,
		m.workflowOutcomes,
		m.interruptions,
		m.workflowDuration,
		m.policyViolations,
		m.activeExecutions,
		m.queuedExecutions,
		m.rejectedSubmits,
		m.loopTicks,
		m.tickDuration,
		m.loopStatus,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Ingestion Metrics

// RecordSignalIngested increments the ingested signal counter.
func (m *Metrics) RecordSignalIngested(signalType, source string) {
	if m == nil || m.signalsIngested == nil {
		return
	}
	m.signalsIngested.WithLabelValues(signalType, source).Inc()
}

// RecordSignalsClaimed adds n claimed signals.
func (m *Metrics) RecordSignalsClaimed(n int) {
	if m == nil || m.signalsClaimed == nil {
		return
	}
	m.signalsClaimed.Add(float64(n))
}

// Reasoning Metrics

// RecordIssueDetected records a new issue and how long its analysis took.
// source is "remote" or "fallback".
func (m *Metrics) RecordIssueDetected(category, source string, duration time.Duration) {
	if m == nil || m.issuesDetected == nil {
		return
	}
	m.issuesDetected.WithLabelValues(category, source).Inc()
	m.reasoningDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// Decision Metrics

// RecordWorkflowCreated records a workflow by risk and initial status.
func (m *Metrics) RecordWorkflowCreated(risk, status string) {
	if m == nil || m.workflowsCreated == nil {
		return
	}
	m.workflowsCreated.WithLabelValues(risk, status).Inc()
}

// RecordDecision records an approve, reject or resubmit decision.
func (m *Metrics) RecordDecision(decision string) {
	if m == nil || m.approvals == nil {
		return
	}
	m.approvals.WithLabelValues(decision).Inc()
}

// Execution Metrics

// RecordStepExecution records one step execution.
func (m *Metrics) RecordStepExecution(actionType, status string, duration time.Duration) {
	if m == nil || m.stepsExecuted == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(actionType, status).Inc()
	m.stepDuration.WithLabelValues(actionType).Observe(duration.Seconds())
}

// RecordWorkflowStarted increments the active execution gauge.
func (m *Metrics) RecordWorkflowStarted() {
	if m == nil || m.activeExecutions == nil {
		return
	}
	m.activeExecutions.Inc()
}

// RecordWorkflowFinished records the outcome of one execution run.
func (m *Metrics) RecordWorkflowFinished(status string, duration time.Duration) {
	if m == nil || m.workflowOutcomes == nil {
		return
	}
	m.workflowOutcomes.WithLabelValues(status).Inc()
	m.workflowDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeExecutions.Dec()
}

// RecordWorkflowInterrupted records an execution run cancelled between
// steps. The workflow has no outcome yet.
func (m *Metrics) RecordWorkflowInterrupted() {
	if m == nil || m.interruptions == nil {
		return
	}
	m.interruptions.Inc()
	m.activeExecutions.Dec()
}

// RecordPolicyViolation records a step policy violation.
func (m *Metrics) RecordPolicyViolation(policy, severity string) {
	if m == nil || m.policyViolations == nil {
		return
	}
	m.policyViolations.WithLabelValues(policy, severity).Inc()
}

// SetQueuedExecutions sets the number of workflows waiting for a worker.
func (m *Metrics) SetQueuedExecutions(count int) {
	if m == nil || m.queuedExecutions == nil {
		return
	}
	m.queuedExecutions.Set(float64(count))
}

// RecordSubmitRejected counts an execution submission that was not queued.
func (m *Metrics) RecordSubmitRejected() {
	if m == nil || m.rejectedSubmits == nil {
		return
	}
	m.rejectedSubmits.Inc()
}

// Loop Metrics

// RecordTick records a control loop tick. result is "ok" or "error".
func (m *Metrics) RecordTick(result string, duration time.Duration) {
	if m == nil || m.loopTicks == nil {
		return
	}
	m.loopTicks.WithLabelValues(result).Inc()
	m.tickDuration.Observe(duration.Seconds())
}

// SetLoopStatus updates the loop status gauge.
func (m *Metrics) SetLoopStatus(status string) {
	if m == nil || m.loopStatus == nil {
		return
	}
	if v, ok := loopStatusValues[status]; ok {
		m.loopStatus.Set(v)
	}
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// StartMetricsServer starts a dedicated metrics listener when a listen
// address is configured.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
