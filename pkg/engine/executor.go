package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/selfheal/selfheal/pkg/actions"
	"github.com/selfheal/selfheal/pkg/models"
	"github.com/selfheal/selfheal/pkg/policy"
	"github.com/selfheal/selfheal/pkg/stores"
	"github.com/selfheal/selfheal/pkg/telemetry"
)

// StepReport is the outcome of one executed step.
type StepReport struct {
	StepID     int                    `json:"step_id"`
	Index      int                    `json:"index"`
	Name       string                 `json:"name"`
	ActionType models.ActionType      `json:"action_type"`
	Success    bool                   `json:"success"`
	Result     map[string]interface{} `json:"result"`
}

// ExecutionReport summarizes one execution run of a workflow.
type ExecutionReport struct {
	WorkflowID string                `json:"workflow_id"`
	Status     models.WorkflowStatus `json:"status"`
	Success    bool                  `json:"success"`

	// CompletedSteps counts the steps of the workflow that are completed.
	CompletedSteps int `json:"completed_steps"`

	// FailedStep is the index of the step that paused the workflow.
	FailedStep *int `json:"failed_step,omitempty"`

	Error string `json:"error,omitempty"`

	// Results holds the steps executed during this run, in order.
	Results []StepReport `json:"results"`

	Duration time.Duration `json:"duration"`
}

// Executor runs approved workflows step by step. Steps run strictly in list
// order; depends_on is not consulted. A failed step pauses the workflow and
// no later step is attempted.
type Executor struct {
	store     stores.Store
	actions   ActionDispatcher
	guard     StepGuard
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger
	now       func() time.Time
}

// NewExecutor creates an executor. guard may be nil.
func NewExecutor(store stores.Store, dispatcher ActionDispatcher, guard StepGuard, tel *telemetry.Telemetry, logger zerolog.Logger) *Executor {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &Executor{
		store:     store,
		actions:   dispatcher,
		guard:     guard,
		telemetry: tel,
		logger:    logger.With().Str("component", "executor").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Execute runs an approved workflow from its first step that is not
// completed. Any other starting status is a precondition error. The
// approved to running transition is a versioned write, so two concurrent
// calls cannot both start the same workflow.
// Cancelling ctx stops the run at the next step boundary with the workflow
// left running.
func (e *Executor) Execute(ctx context.Context, workflowID string) (*ExecutionReport, error) {
	timer := telemetry.NewTimer()

	wf, err := e.start(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	spanCtx, span := e.telemetry.Tracer.StartWorkflowSpan(ctx, wf.ID, wf.IssueID)
	defer span.End()

	e.telemetry.Metrics.RecordWorkflowStarted()
	_ = e.telemetry.Events.PublishWorkflowEvent(telemetry.EventTypeWorkflowStarted, wf.ID, wf.IssueID,
		string(wf.Status), "Started executing workflow: "+wf.Name)

	log := telemetry.ForWorkflow(e.logger, wf.ID, wf.IssueID)
	log.Info().Int("steps", len(wf.Steps)).Int("from_step", wf.FirstIncompleteStep()).Msg("Workflow execution started")

	issue, err := e.store.GetIssue(spanCtx, wf.IssueID)
	if err != nil {
		issue = nil
		if !errors.Is(err, stores.ErrNotFound) {
			log.Warn().Err(err).Msg("Failed to load issue for policy input")
		}
	}

	report := &ExecutionReport{WorkflowID: wf.ID, Results: []StepReport{}}

	// Cancellation is only observed between steps; a started step always
	// stores its outcome.
	stepCtx := context.WithoutCancel(spanCtx)

	for i := wf.FirstIncompleteStep(); i < len(wf.Steps); i++ {
		if err := spanCtx.Err(); err != nil {
			// The workflow stays running; the recovery sweep picks it up.
			log.Warn().Err(err).Int("step_index", i).Msg("Execution interrupted at step boundary")
			e.summarize(report, wf, timer)
			e.telemetry.Metrics.RecordWorkflowInterrupted()
			report.Error = "execution interrupted"
			telemetry.RecordError(span, err)
			return report, nil
		}

		step := wf.Steps[i]
		result, updated, err := e.runStep(stepCtx, wf, i, issue)
		if err != nil {
			telemetry.RecordError(span, err)
			e.telemetry.Metrics.RecordWorkflowFinished("error", timer.Duration())
			return nil, err
		}
		wf = updated

		resultMap := result.Map()
		report.Results = append(report.Results, StepReport{
			StepID:     step.ID,
			Index:      i,
			Name:       step.Name,
			ActionType: step.ActionType,
			Success:    result.Success,
			Result:     resultMap,
		})

		if !result.Success {
			idx := i
			report.FailedStep = &idx
			report.Error = fmt.Sprintf("Step %d failed: %s", i+1, result.Error)
			e.finish(report, wf, timer)
			_ = e.telemetry.Events.PublishWorkflowEvent(telemetry.EventTypeWorkflowPaused, wf.ID, wf.IssueID,
				string(wf.Status), report.Error)
			log.Warn().Int("step_index", i).Str("error", result.Error).Msg("Workflow paused on failed step")
			return report, nil
		}

		if wf.Status != models.WorkflowStatusRunning {
			// Paused or rolled back by an operator while the step ran.
			report.Error = fmt.Sprintf("workflow %s during execution", wf.Status)
			e.finish(report, wf, timer)
			log.Info().Str("status", string(wf.Status)).Msg("Workflow halted by operator")
			return report, nil
		}
	}

	wf, err = e.complete(stepCtx, wf)
	if err != nil {
		telemetry.RecordError(span, err)
		e.telemetry.Metrics.RecordWorkflowFinished("error", timer.Duration())
		return nil, err
	}

	report.Success = wf.Status == models.WorkflowStatusCompleted
	e.finish(report, wf, timer)
	telemetry.RecordSuccess(span)
	_ = e.telemetry.Events.PublishWorkflowEvent(telemetry.EventTypeWorkflowCompleted, wf.ID, wf.IssueID,
		string(wf.Status), "Workflow completed successfully")
	log.Info().Dur("duration", report.Duration).Msg("Workflow completed")

	return report, nil
}

// finish summarizes a run that reached a final or paused state and records
// it in the workflow metrics.
func (e *Executor) finish(report *ExecutionReport, wf *models.Workflow, timer *telemetry.Timer) {
	e.summarize(report, wf, timer)
	e.telemetry.Metrics.RecordWorkflowFinished(string(wf.Status), report.Duration)
}

func (e *Executor) summarize(report *ExecutionReport, wf *models.Workflow, timer *telemetry.Timer) {
	report.Status = wf.Status
	report.CompletedSteps = 0
	for i := range wf.Steps {
		if wf.Steps[i].Status == models.StepStatusCompleted {
			report.CompletedSteps++
		}
	}
	report.Duration = timer.Duration()
}

// start moves an approved workflow to running and writes WORKFLOW_STARTED.
func (e *Executor) start(ctx context.Context, workflowID string) (*models.Workflow, error) {
	wf, err := e.store.UpdateWorkflowFunc(ctx, workflowID, func(r stores.Repository, wf *models.Workflow) error {
		if wf.Status != models.WorkflowStatusApproved {
			return NewPreconditionError(fmt.Sprintf("workflow is %s, not approved", wf.Status)).
				WithResource(workflowID).WithOperation("execute").
				WithDetail("status", string(wf.Status))
		}
		if !wf.ApprovalSatisfied() {
			return NewPreconditionError("workflow lacks the required approvals").
				WithResource(workflowID).WithOperation("execute")
		}

		now := e.now()
		wf.Status = models.WorkflowStatusRunning
		if wf.StartedAt == nil {
			wf.StartedAt = models.TimePtr(now)
		}
		wf.UpdatedAt = now

		return r.AppendAudit(ctx, &models.AuditLog{
			EventType:   models.AuditWorkflowStarted,
			IssueID:     models.StringPtr(wf.IssueID),
			WorkflowID:  models.StringPtr(wf.ID),
			Action:      "workflow_started",
			Description: "Started executing workflow: " + wf.Name,
			Details: map[string]interface{}{
				"from_step": wf.FirstIncompleteStep(),
			},
			Success: true,
		})
	})
	if err != nil {
		err = classifyStoreError(err, "execute", workflowID)
		e.recordError(err)
		return nil, err
	}
	return wf, nil
}

// runStep executes the step at index and stores its outcome.
func (e *Executor) runStep(ctx context.Context, wf *models.Workflow, index int, issue *models.Issue) (actions.Result, *models.Workflow, error) {
	step := wf.Steps[index]
	timer := telemetry.NewTimer()

	spanCtx, span := e.telemetry.Tracer.StartStepSpan(ctx, wf.ID, step.ID, string(step.ActionType))
	defer span.End()

	log := telemetry.ForStep(telemetry.ForWorkflow(e.logger, wf.ID, wf.IssueID), step.ID, string(step.ActionType))
	log.Debug().Int("step_index", index).Msg("Executing step")

	var (
		result   actions.Result
		warnings []policy.PolicyViolation
	)

	switch {
	case models.IsForbiddenAutoAction(step.ActionType):
		result = actions.Manual(fmt.Sprintf("Action %s requires manual execution", step.ActionType))
		e.telemetry.Metrics.RecordPolicyViolation("forbidden-auto-actions", string(policy.SeverityCritical))

	default:
		verdict := e.evaluatePolicies(spanCtx, wf, index, issue)
		if verdict != nil {
			warnings = verdict.Warnings
		}
		if verdict != nil && !verdict.Allowed {
			result = actions.Manual("Blocked by policy: " + verdict.Summary())
			result.Details = map[string]interface{}{"policy_violations": violationMaps(verdict.Violations)}
			break
		}

		running, err := e.markRunning(spanCtx, wf.ID, index)
		if err != nil {
			telemetry.RecordError(span, err)
			return actions.Result{}, nil, err
		}
		wf = running
		result = e.dispatch(spanCtx, step)
	}

	updated, err := e.recordStep(spanCtx, wf.ID, index, result, warnings)
	if err != nil {
		telemetry.RecordError(span, err)
		return actions.Result{}, nil, err
	}

	status := string(models.StepStatusCompleted)
	if !result.Success {
		status = string(models.StepStatusFailed)
		log.Warn().Str("reason", result.Error).Bool("requires_manual", result.RequiresManual).Msg("Step failed")
		telemetry.RecordError(span, errors.New(result.Error))
	} else {
		telemetry.RecordSuccess(span)
	}
	e.telemetry.Metrics.RecordStepExecution(string(step.ActionType), status, timer.Duration())
	_ = e.telemetry.Events.PublishStepEvent(wf.ID, step.ID, string(step.ActionType), result.Success, result.Error)

	return result, updated, nil
}

// dispatch calls the handler and folds a handler error into a failed result.
func (e *Executor) dispatch(ctx context.Context, step models.WorkflowStep) actions.Result {
	params := step.Parameters
	if params == nil {
		params = map[string]interface{}{}
	}

	result, err := e.actions.Dispatch(ctx, step.ActionType, params)
	if err != nil {
		return actions.Failed("%s", err.Error())
	}
	return result
}

// evaluatePolicies runs the step guard. Guard errors never block a step.
func (e *Executor) evaluatePolicies(ctx context.Context, wf *models.Workflow, index int, issue *models.Issue) *policy.PolicyResult {
	if e.guard == nil {
		return nil
	}

	verdict, err := e.guard.EvaluateStep(ctx, policy.NewStepInput(wf, index, issue))
	if err != nil {
		e.logger.Warn().Err(err).Str("workflow_id", wf.ID).Int("step_index", index).Msg("Step policy evaluation failed")
		return nil
	}

	step := wf.Steps[index]
	for _, v := range verdict.Violations {
		e.telemetry.Metrics.RecordPolicyViolation(v.Policy, string(v.Severity))
		_ = e.telemetry.Events.PublishPolicyViolation(wf.ID, step.ID, v.Policy, v.Message)
	}
	for _, v := range verdict.Warnings {
		e.telemetry.Metrics.RecordPolicyViolation(v.Policy, string(v.Severity))
	}
	return verdict
}

func (e *Executor) markRunning(ctx context.Context, workflowID string, index int) (*models.Workflow, error) {
	wf, err := e.store.UpdateWorkflowFunc(ctx, workflowID, func(_ stores.Repository, wf *models.Workflow) error {
		if index >= len(wf.Steps) {
			return NewPermanentError("step index out of range", nil).WithResource(workflowID)
		}
		now := e.now()
		wf.Steps[index].Status = models.StepStatusRunning
		wf.Steps[index].StartedAt = models.TimePtr(now)
		wf.Steps[index].Error = nil
		wf.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, classifyStoreError(err, "mark_step_running", workflowID)
	}
	return wf, nil
}

// recordStep stores the step outcome with its audit entry. A failure pauses
// a running workflow at index.
func (e *Executor) recordStep(ctx context.Context, workflowID string, index int, result actions.Result, warnings []policy.PolicyViolation) (*models.Workflow, error) {
	wf, err := e.store.UpdateWorkflowFunc(ctx, workflowID, func(r stores.Repository, wf *models.Workflow) error {
		if index >= len(wf.Steps) {
			return NewPermanentError("step index out of range", nil).WithResource(workflowID)
		}

		now := e.now()
		step := &wf.Steps[index]
		resultMap := result.Map()

		step.Result = resultMap
		step.CompletedAt = models.TimePtr(now)
		if result.Success {
			step.Status = models.StepStatusCompleted
			step.Error = nil
		} else {
			step.Status = models.StepStatusFailed
			step.Error = models.StringPtr(result.Error)
			if wf.Status == models.WorkflowStatusRunning {
				wf.Status = models.WorkflowStatusPaused
				wf.CurrentStep = index
			}
		}
		wf.UpdatedAt = now

		details := make(map[string]interface{}, len(resultMap)+4)
		for k, v := range resultMap {
			details[k] = v
		}
		details["step_index"] = index
		if models.IsFinancialAction(step.ActionType) {
			details["financial"] = true
			details["parameters"] = step.Parameters
		}
		if len(warnings) > 0 {
			details["policy_warnings"] = violationMaps(warnings)
		}

		entry := &models.AuditLog{
			EventType:   models.AuditStepExecuted,
			IssueID:     models.StringPtr(wf.IssueID),
			WorkflowID:  models.StringPtr(wf.ID),
			StepID:      models.IntPtr(step.ID),
			Action:      "step_" + string(step.ActionType),
			Description: fmt.Sprintf("Step '%s' completed", step.Name),
			Details:     details,
			Success:     result.Success,
		}
		if !result.Success {
			entry.EventType = models.AuditStepFailed
			entry.Description = fmt.Sprintf("Step '%s' failed", step.Name)
			entry.ErrorMessage = models.StringPtr(result.Error)
		}
		return r.AppendAudit(ctx, entry)
	})
	if err != nil {
		return nil, classifyStoreError(err, "record_step", workflowID)
	}
	return wf, nil
}

// complete marks a fully executed workflow completed and resolves its issue.
func (e *Executor) complete(ctx context.Context, wf *models.Workflow) (*models.Workflow, error) {
	updated, err := e.store.UpdateWorkflowFunc(ctx, wf.ID, func(r stores.Repository, wf *models.Workflow) error {
		if wf.Status != models.WorkflowStatusRunning {
			return nil
		}

		now := e.now()
		wf.Status = models.WorkflowStatusCompleted
		wf.CompletedAt = models.TimePtr(now)
		wf.UpdatedAt = now

		issue, err := r.GetIssue(ctx, wf.IssueID)
		switch {
		case err == nil:
			issue.Status = models.IssueStatusResolved
			issue.ResolvedAt = models.TimePtr(now)
			issue.UpdatedAt = now
			if err := r.UpdateIssue(ctx, issue); err != nil {
				return err
			}
		case !errors.Is(err, stores.ErrNotFound):
			return err
		}

		return r.AppendAudit(ctx, &models.AuditLog{
			EventType:   models.AuditWorkflowCompleted,
			IssueID:     models.StringPtr(wf.IssueID),
			WorkflowID:  models.StringPtr(wf.ID),
			Action:      "workflow_completed",
			Description: "Workflow completed successfully",
			Details: map[string]interface{}{
				"step_count": len(wf.Steps),
			},
			Success: true,
		})
	})
	if err != nil {
		return nil, classifyStoreError(err, "complete", wf.ID)
	}
	return updated, nil
}

// Rollback force-sets the workflow to rolled_back. Side effects of steps
// already executed are not reverted.
func (e *Executor) Rollback(ctx context.Context, workflowID, reason, actor string) (*models.Workflow, error) {
	if actor == "" {
		actor = models.DefaultActor
	}

	wf, err := e.store.UpdateWorkflowFunc(ctx, workflowID, func(r stores.Repository, wf *models.Workflow) error {
		if wf.Status == models.WorkflowStatusRolledBack {
			return NewPreconditionError("workflow is already rolled back").
				WithResource(workflowID).WithOperation("rollback")
		}

		previous := wf.Status
		now := e.now()
		wf.Status = models.WorkflowStatusRolledBack
		wf.UpdatedAt = now

		return r.AppendAudit(ctx, &models.AuditLog{
			EventType:   models.AuditWorkflowRolledBack,
			Actor:       actor,
			IssueID:     models.StringPtr(wf.IssueID),
			WorkflowID:  models.StringPtr(wf.ID),
			Action:      "workflow_rolled_back",
			Description: "Workflow rolled back: " + reason,
			Details: map[string]interface{}{
				"reason":          reason,
				"previous_status": string(previous),
			},
			Success: true,
		})
	})
	if err != nil {
		err = classifyStoreError(err, "rollback", workflowID)
		e.recordError(err)
		return nil, err
	}

	_ = e.telemetry.Events.PublishWorkflowEvent(telemetry.EventTypeWorkflowRollback, wf.ID, wf.IssueID,
		string(wf.Status), "Workflow rolled back: "+reason)
	e.logger.Warn().Str("workflow_id", wf.ID).Str("actor", actor).Str("reason", reason).Msg("Workflow rolled back")

	return wf, nil
}

func (e *Executor) recordError(err error) {
	var ee *EngineError
	if errors.As(err, &ee) {
		e.telemetry.Metrics.RecordError(string(ee.Class), ee.Code)
	}
}

func violationMaps(vs []policy.PolicyViolation) []interface{} {
	out := make([]interface{}, 0, len(vs))
	for _, v := range vs {
		out = append(out, map[string]interface{}{
			"policy":   v.Policy,
			"message":  v.Message,
			"severity": string(v.Severity),
		})
	}
	return out
}
