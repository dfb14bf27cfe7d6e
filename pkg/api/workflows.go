package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/selfheal/selfheal/pkg/engine"
	"github.com/selfheal/selfheal/pkg/models"
)

type listWorkflowsInput struct {
	Status string `query:"status" doc:"Filter by workflow status"`
	Limit  int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
}

type workflowsOutput struct {
	Body []*models.Workflow
}

type workflowOutput struct {
	Body *models.Workflow
}

type workflowStatsOutput struct {
	Body *engine.WorkflowSummary
}

type approveRequest struct {
	Approver string `json:"approver,omitempty" doc:"Ignored when a bearer token is presented"`
	Comment  string `json:"comment,omitempty"`
}

type approveInput struct {
	ID   string `path:"id"`
	Body *approveRequest
}

type rejectRequest struct {
	Rejector string `json:"rejector,omitempty" doc:"Ignored when a bearer token is presented"`
	Reason   string `json:"reason,omitempty"`
}

type rejectInput struct {
	ID   string `path:"id"`
	Body *rejectRequest
}

type actorRequest struct {
	Actor string `json:"actor,omitempty" doc:"Ignored when a bearer token is presented"`
}

type actorInput struct {
	ID   string `path:"id"`
	Body *actorRequest
}

func (in *actorInput) actor() string {
	if in.Body == nil {
		return ""
	}
	return in.Body.Actor
}

type rollbackRequest struct {
	Actor  string `json:"actor,omitempty" doc:"Ignored when a bearer token is presented"`
	Reason string `json:"reason,omitempty"`
}

type rollbackInput struct {
	ID   string `path:"id"`
	Body *rollbackRequest
}

type updateStepInput struct {
	ID     string `path:"id"`
	StepID int    `path:"step_id"`
	Body   engine.StepUpdate
}

type approvalBody struct {
	engine.ApprovalState
	ExecutionSubmitted bool `json:"execution_submitted"`
}

type approvalOutput struct {
	Body approvalBody
}

type resumeBody struct {
	Workflow           *models.Workflow `json:"workflow"`
	ExecutionSubmitted bool             `json:"execution_submitted"`
}

type resumeOutput struct {
	Body resumeBody
}

type executionOutput struct {
	Body *engine.ExecutionReport
}

func (s *server) registerWorkflows(api huma.API) {
	e := s.cfg.Engine
	tags := []string{"workflows"}

	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List workflows, newest first",
		Tags:        tags,
	}, func(ctx context.Context, in *listWorkflowsInput) (*workflowsOutput, error) {
		var status *models.WorkflowStatus
		if in.Status != "" {
			st := models.WorkflowStatus(in.Status)
			if !st.Valid() {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid workflow status: %q", in.Status), nil)
			}
			status = &st
		}
		wfs, err := e.Workflows.List(ctx, status, in.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowsOutput{Body: wfs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pending-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows/pending",
		Summary:     "Workflows awaiting approval, newest first",
		Tags:        tags,
	}, func(ctx context.Context, _ *struct{}) (*workflowsOutput, error) {
		wfs, err := e.Decider.Pending(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowsOutput{Body: wfs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workflow-stats",
		Method:      http.MethodGet,
		Path:        "/workflows/stats",
		Summary:     "Workflow counts by status",
		Tags:        tags,
	}, func(ctx context.Context, _ *struct{}) (*workflowStatsOutput, error) {
		stats, err := e.Workflows.Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowStatsOutput{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{id}",
		Summary:     "Get a workflow",
		Tags:        tags,
	}, func(ctx context.Context, in *idPath) (*workflowOutput, error) {
		wf, err := e.Workflows.Get(ctx, in.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowOutput{Body: wf}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{id}/approve",
		Summary:     "Record an approval",
		Description: "Once the required number of distinct approvers is reached the workflow is queued for execution.",
		Tags:        tags,
	}, func(ctx context.Context, in *approveInput) (*approvalOutput, error) {
		var supplied, comment string
		if in.Body != nil {
			supplied, comment = in.Body.Approver, in.Body.Comment
		}
		actor, authErr := s.requireActor(ctx, supplied)
		if authErr != nil {
			return nil, authErr
		}

		state, err := e.Decider.Approve(ctx, in.ID, actor, comment)
		if err != nil {
			return nil, handleError(err)
		}

		body := approvalBody{ApprovalState: *state}
		if state.Approved {
			body.ExecutionSubmitted = e.Pool.Submit(in.ID)
		}
		return &approvalOutput{Body: body}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{id}/reject",
		Summary:     "Reject a workflow back to draft",
		Tags:        tags,
	}, func(ctx context.Context, in *rejectInput) (*approvalOutput, error) {
		var supplied, reason string
		if in.Body != nil {
			supplied, reason = in.Body.Rejector, in.Body.Reason
		}
		actor, authErr := s.requireActor(ctx, supplied)
		if authErr != nil {
			return nil, authErr
		}

		state, err := e.Decider.Reject(ctx, in.ID, actor, reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &approvalOutput{Body: approvalBody{ApprovalState: *state}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{id}/submit",
		Summary:     "Resubmit a draft workflow for approval",
		Tags:        tags,
	}, func(ctx context.Context, in *actorInput) (*approvalOutput, error) {
		state, err := e.Decider.Resubmit(ctx, in.ID, actorOr(ctx, in.actor(), "operator"))
		if err != nil {
			return nil, handleError(err)
		}
		body := approvalBody{ApprovalState: *state}
		if state.Approved {
			body.ExecutionSubmitted = e.Pool.Submit(in.ID)
		}
		return &approvalOutput{Body: body}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pause-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{id}/pause",
		Summary:     "Pause a running workflow",
		Tags:        tags,
	}, func(ctx context.Context, in *actorInput) (*workflowOutput, error) {
		wf, err := e.Workflows.Pause(ctx, in.ID, actorOr(ctx, in.actor(), "operator"))
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowOutput{Body: wf}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{id}/resume",
		Summary:     "Resume a paused workflow",
		Description: "Completed steps are not re-run; execution restarts at the first unfinished step.",
		Tags:        tags,
	}, func(ctx context.Context, in *actorInput) (*resumeOutput, error) {
		actor, authErr := s.requireActor(ctx, in.actor())
		if authErr != nil {
			return nil, authErr
		}
		wf, err := e.Workflows.Resume(ctx, in.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &resumeOutput{Body: resumeBody{Workflow: wf, ExecutionSubmitted: e.Pool.Submit(in.ID)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rollback-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{id}/rollback",
		Summary:     "Roll back a workflow",
		Tags:        tags,
	}, func(ctx context.Context, in *rollbackInput) (*workflowOutput, error) {
		var supplied, reason string
		if in.Body != nil {
			supplied, reason = in.Body.Actor, in.Body.Reason
		}
		actor, authErr := s.requireActor(ctx, supplied)
		if authErr != nil {
			return nil, authErr
		}
		if reason == "" {
			reason = "Manual rollback"
		}

		wf, err := e.Executor.Rollback(ctx, in.ID, reason, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowOutput{Body: wf}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{id}/execute",
		Summary:     "Execute an approved workflow and wait for the outcome",
		Tags:        tags,
	}, func(ctx context.Context, in *idPath) (*executionOutput, error) {
		if _, err := e.Workflows.Get(ctx, in.ID); err != nil {
			return nil, handleError(err)
		}

		// The run outlives a disconnecting client; steps are not cancelled halfway.
		report, ran, err := e.Pool.Run(context.WithoutCancel(ctx), in.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !ran {
			return nil, newAPIError(http.StatusConflict, "conflict", "workflow is already executing", map[string]interface{}{"resource": in.ID})
		}
		return &executionOutput{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-workflow-step",
		Method:      http.MethodPatch,
		Path:        "/workflows/{id}/steps/{step_id}",
		Summary:     "Edit a workflow step",
		Tags:        tags,
	}, func(ctx context.Context, in *updateStepInput) (*workflowOutput, error) {
		wf, err := e.Workflows.UpdateStep(ctx, in.ID, in.StepID, in.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowOutput{Body: wf}, nil
	})
}
