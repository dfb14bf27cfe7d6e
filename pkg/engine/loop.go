package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/selfheal/selfheal/pkg/models"
	"github.com/selfheal/selfheal/pkg/notify"
	"github.com/selfheal/selfheal/pkg/stores"
	"github.com/selfheal/selfheal/pkg/telemetry"
)

// LoopStatus is the stage the control loop is in.
type LoopStatus string

const (
	LoopIdle      LoopStatus = "idle"
	LoopObserving LoopStatus = "observing"
	LoopReasoning LoopStatus = "reasoning"
	LoopDeciding  LoopStatus = "deciding"
	LoopExecuting LoopStatus = "executing"
	LoopError     LoopStatus = "error"
	LoopStopped   LoopStatus = "stopped"
)

// notifyTimeout bounds observer delivery per message.
const notifyTimeout = 5 * time.Second

// LoopState is a snapshot of the control loop.
type LoopState struct {
	Status    LoopStatus `json:"status"`
	Running   bool       `json:"running"`
	LoopCount int64      `json:"loop_count"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// TickResult reports what one tick did.
type TickResult struct {
	Clusters  int      `json:"clusters"`
	Issues    []string `json:"issues"`
	Workflows []string `json:"workflows"`
	Executed  []string `json:"executed"`
	Failures  int      `json:"failures"`
}

// Loop drives observe, reason, decide and act on a fixed interval. Ticks
// run one at a time; workflow executions go through the Runner so they
// never overlap executions started elsewhere.
type Loop struct {
	store     stores.Store
	grouper   *Grouper
	gateway   *Gateway
	decider   *Decider
	runner    Runner
	notifier  Notifier
	config    Config
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger

	// tickMu serializes ticks
	tickMu sync.Mutex

	mu     sync.RWMutex
	state  LoopState
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoop creates a control loop. notifier may be nil.
func NewLoop(
	store stores.Store,
	grouper *Grouper,
	gateway *Gateway,
	decider *Decider,
	runner Runner,
	notifier Notifier,
	cfg Config,
	tel *telemetry.Telemetry,
	logger zerolog.Logger,
) *Loop {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &Loop{
		store:     store,
		grouper:   grouper,
		gateway:   gateway,
		decider:   decider,
		runner:    runner,
		notifier:  notifier,
		config:    cfg.withDefaults(),
		telemetry: tel,
		logger:    logger.With().Str("component", "loop").Logger(),
		state:     LoopState{Status: LoopIdle},
	}
}

// Status returns a snapshot of the loop state.
func (l *Loop) Status() LoopState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := l.state
	if s.LastRun != nil {
		t := *s.LastRun
		s.LastRun = &t
	}
	return s
}

func (l *Loop) setStatus(status LoopStatus) {
	l.mu.Lock()
	l.state.Status = status
	l.mu.Unlock()
	l.telemetry.Metrics.SetLoopStatus(string(status))
}

// Start runs the loop in the background until Stop is called.
func (l *Loop) Start() error {
	l.mu.Lock()
	if l.state.Running {
		l.mu.Unlock()
		return NewPreconditionError("loop is already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	l.state.Running = true
	done := l.done
	l.mu.Unlock()

	go func() {
		defer close(done)
		_ = l.run(ctx)
	}()

	return nil
}

// Stop cancels the background loop and waits for the current tick to end.
// An in-flight execution stops at its next step boundary.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.state.Running || l.cancel == nil {
		l.mu.Unlock()
		return nil
	}
	cancel, done := l.cancel, l.done
	l.cancel = nil
	l.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run blocks, ticking every LoopInterval until ctx is cancelled. It first
// runs the recovery sweep. Tick errors are logged and never end the loop.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.state.Running {
		l.mu.Unlock()
		return NewPreconditionError("loop is already running")
	}
	l.state.Running = true
	l.mu.Unlock()

	return l.run(ctx)
}

func (l *Loop) run(ctx context.Context) error {
	l.logger.Info().Dur("interval", l.config.LoopInterval).Msg("Control loop started")
	l.publishStatus("running", "Control loop started")

	defer func() {
		l.mu.Lock()
		l.state.Running = false
		l.mu.Unlock()
		l.setStatus(LoopStopped)
		l.publishStatus(string(LoopStopped), "Control loop stopped")
		l.logger.Info().Msg("Control loop stopped")
	}()

	if n, err := l.Recover(ctx); err != nil {
		l.logger.Error().Err(err).Msg("Recovery sweep failed")
	} else if n > 0 {
		l.logger.Warn().Int("workflows", n).Msg("Paused workflows orphaned in running state")
	}

	ticker := time.NewTicker(l.config.LoopInterval)
	defer ticker.Stop()

	for {
		if _, err := l.Tick(ctx); err != nil && ctx.Err() == nil {
			l.logger.Error().Err(err).Msg("Control loop tick failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one observe, reason, decide and act pass. A failure while
// processing one cluster is logged and does not stop the others; an error
// is returned only when the tick itself could not run.
func (l *Loop) Tick(ctx context.Context) (result *TickResult, err error) {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()

	l.mu.Lock()
	l.state.LoopCount++
	tick := l.state.LoopCount
	l.mu.Unlock()

	timer := telemetry.NewTimer()
	spanCtx, span := l.telemetry.Tracer.StartTickSpan(ctx, tick)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panicked: %v", r)
		}

		now := time.Now().UTC()
		l.mu.Lock()
		l.state.LastRun = &now
		if err != nil {
			l.state.LastError = err.Error()
		} else {
			l.state.LastError = ""
		}
		l.mu.Unlock()

		if err != nil {
			telemetry.RecordError(span, err)
			l.setStatus(LoopError)
			l.publishStatus(string(LoopError), err.Error())
			l.telemetry.Metrics.RecordTick("error", timer.Duration())
			return
		}
		telemetry.RecordSuccess(span)
		l.setStatus(LoopIdle)
		l.telemetry.Metrics.RecordTick("ok", timer.Duration())
	}()

	result = &TickResult{Issues: []string{}, Workflows: []string{}, Executed: []string{}}

	l.setStatus(LoopObserving)
	clusters, err := l.grouper.Clusters(spanCtx)
	if err != nil {
		return result, err
	}
	result.Clusters = len(clusters)

	for _, c := range clusters {
		if spanCtx.Err() != nil {
			return result, nil
		}
		if err := l.processCluster(spanCtx, c, result); err != nil {
			result.Failures++
			if IsConflict(err) {
				l.logger.Debug().Err(err).Str("cluster", c.Key.String()).Msg("Cluster claimed concurrently")
				continue
			}
			l.logger.Error().Err(err).Str("cluster", c.Key.String()).Msg("Failed to process cluster")
		}
	}

	if err := l.sweepApproved(spanCtx, result); err != nil {
		return result, err
	}

	return result, nil
}

// processCluster runs one cluster through gateway, decider and, when
// auto-approved, the executor.
func (l *Loop) processCluster(ctx context.Context, c Cluster, result *TickResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cluster %s panicked: %v", c.Key, r)
		}
	}()

	spanCtx, span := l.telemetry.Tracer.StartClusterSpan(ctx, c.Key.String(), c.Size())
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	l.setStatus(LoopReasoning)
	signals, err := l.grouper.Signals(spanCtx, c)
	if err != nil {
		return err
	}
	if len(signals) == 0 {
		return nil
	}

	issue, err := l.gateway.Analyze(spanCtx, signals)
	if err != nil {
		return err
	}
	result.Issues = append(result.Issues, issue.ID)

	l.setStatus(LoopDeciding)
	wf, err := l.decider.Decide(spanCtx, issue)
	if err != nil {
		return err
	}
	result.Workflows = append(result.Workflows, wf.ID)

	status := wf.Status
	if wf.Status == models.WorkflowStatusApproved {
		l.setStatus(LoopExecuting)
		report, ran, err := l.runner.Run(spanCtx, wf.ID)
		switch {
		case err != nil:
			l.logger.Warn().Err(err).Str("workflow_id", wf.ID).Msg("Auto-approved workflow failed to execute")
		case ran:
			result.Executed = append(result.Executed, wf.ID)
			if report != nil {
				status = report.Status
			}
		}
	}

	l.notify(spanCtx, notify.Message{
		Type:           notify.TypeIssueWorkflow,
		IssueID:        issue.ID,
		Title:          issue.Title,
		Confidence:     issue.Confidence,
		WorkflowID:     wf.ID,
		WorkflowStatus: string(status),
	})

	return nil
}

// sweepApproved executes approved workflows that have not started, such as
// those approved by a human between ticks.
func (l *Loop) sweepApproved(ctx context.Context, result *TickResult) error {
	approved := models.WorkflowStatusApproved
	wfs, err := l.store.ListWorkflows(ctx, stores.WorkflowFilter{Status: &approved, Limit: l.config.ApprovedSweepLimit})
	if err != nil {
		return classifyStoreError(err, "sweep_approved", "")
	}

	for _, wf := range wfs {
		if ctx.Err() != nil {
			return nil
		}
		if l.runner.InFlight(wf.ID) {
			continue
		}

		l.setStatus(LoopExecuting)
		report, ran, err := l.runner.Run(ctx, wf.ID)
		if err != nil {
			if IsThrottled(err) {
				return nil
			}
			if IsPermanent(err) && ErrorCode(err) == ErrCodePrecondition {
				continue
			}
			result.Failures++
			l.logger.Error().Err(err).Str("workflow_id", wf.ID).Msg("Failed to execute approved workflow")
			continue
		}
		if !ran {
			continue
		}
		result.Executed = append(result.Executed, wf.ID)

		if report != nil {
			l.notify(ctx, notify.Message{
				Type:           notify.TypeWorkflowUpdate,
				IssueID:        wf.IssueID,
				Title:          wf.Name,
				WorkflowID:     wf.ID,
				WorkflowStatus: string(report.Status),
			})
		}
	}

	return nil
}

// Recover pauses workflows left running by an earlier process so an
// operator can resume them. The interrupted step is marked failed and an
// ESCALATION audit entry is written. Workflows executing in this process
// are left alone. It returns how many workflows were paused.
func (l *Loop) Recover(ctx context.Context) (int, error) {
	running := models.WorkflowStatusRunning
	wfs, err := l.store.ListWorkflows(ctx, stores.WorkflowFilter{Status: &running})
	if err != nil {
		return 0, classifyStoreError(err, "recover", "")
	}

	paused := 0
	for _, wf := range wfs {
		if l.runner != nil && l.runner.InFlight(wf.ID) {
			continue
		}

		updated, err := l.store.UpdateWorkflowFunc(ctx, wf.ID, func(r stores.Repository, wf *models.Workflow) error {
			if wf.Status != models.WorkflowStatusRunning {
				return errNotOrphaned
			}

			now := time.Now().UTC()
			idx := wf.FirstIncompleteStep()
			if idx < len(wf.Steps) && wf.Steps[idx].Status == models.StepStatusRunning {
				wf.Steps[idx].Status = models.StepStatusFailed
				wf.Steps[idx].Error = models.StringPtr("interrupted before the step finished")
				wf.Steps[idx].CompletedAt = models.TimePtr(now)
			}
			wf.Status = models.WorkflowStatusPaused
			wf.CurrentStep = idx
			wf.UpdatedAt = now

			return r.AppendAudit(ctx, &models.AuditLog{
				EventType:   models.AuditEscalation,
				IssueID:     models.StringPtr(wf.IssueID),
				WorkflowID:  models.StringPtr(wf.ID),
				Action:      "workflow_recovered",
				Description: "Workflow found running without an executor; paused for operator review",
				Details: map[string]interface{}{
					"current_step": idx,
				},
				Success: false,
			})
		})
		if errors.Is(err, errNotOrphaned) {
			continue
		}
		if err != nil {
			return paused, classifyStoreError(err, "recover", wf.ID)
		}

		paused++
		_ = l.telemetry.Events.PublishWorkflowEvent(telemetry.EventTypeWorkflowPaused, updated.ID, updated.IssueID,
			string(updated.Status), "Orphaned running workflow paused")
	}

	return paused, nil
}

// errNotOrphaned aborts recovery of a workflow that left running meanwhile.
var errNotOrphaned = errors.New("workflow no longer running")

func (l *Loop) notify(ctx context.Context, msg notify.Message) {
	if l.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := l.notifier.Notify(nctx, msg); err != nil {
		l.logger.Debug().Err(err).Str("workflow_id", msg.WorkflowID).Msg("Observer notification failed")
	}
}

func (l *Loop) publishStatus(status, message string) {
	level := telemetry.EventLevelInfo
	if status == string(LoopError) {
		level = telemetry.EventLevelError
	}
	_ = l.telemetry.Events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeLoopStatus,
		Source:  "loop",
		Message: message,
		Level:   level,
		Data:    map[string]interface{}{"status": status},
	})
}
