package engine

import (
	"context"

	"github.com/selfheal/selfheal/pkg/actions"
	"github.com/selfheal/selfheal/pkg/models"
	"github.com/selfheal/selfheal/pkg/notify"
	"github.com/selfheal/selfheal/pkg/policy"
	"github.com/selfheal/selfheal/pkg/reasoning"
)

// Reasoner classifies one signal cluster into an issue draft.
// Implementations must always return a structurally valid draft for a
// non-empty cluster; *reasoning.Strategy falls back to a deterministic
// classifier when the remote engine is unavailable.
type Reasoner interface {
	// Reason analyzes the cluster and reports which stage produced the draft.
	Reason(ctx context.Context, signals []*models.Signal) (*reasoning.Result, error)
}

// ActionDispatcher runs the handler registered for an action type.
// *actions.Registry implements it.
type ActionDispatcher interface {
	// Dispatch executes the handler for action with the step parameters.
	Dispatch(ctx context.Context, action models.ActionType, params map[string]interface{}) (actions.Result, error)
}

// StepGuard evaluates policies before a step runs.
// *policy.Engine implements it.
type StepGuard interface {
	// EvaluateStep returns the policy result for one step.
	EvaluateStep(ctx context.Context, input *policy.PolicyInput) (*policy.PolicyResult, error)
}

// Notifier delivers best-effort progress messages to observers.
// notify.Hub, notify.RedisNotifier and notify.Multi implement it.
type Notifier interface {
	Notify(ctx context.Context, msg notify.Message) error
}

// Runner executes approved workflows while guaranteeing at most one
// execution per workflow id. *Pool implements it.
type Runner interface {
	// Submit queues the workflow for background execution. It returns false
	// if the workflow is already in flight or the queue is full.
	Submit(workflowID string) bool

	// Run executes the workflow on the calling goroutine. It returns false
	// without executing if the workflow is already in flight, together with
	// a throttled error when the runner has shut down.
	Run(ctx context.Context, workflowID string) (*ExecutionReport, bool, error)

	// InFlight reports whether the workflow is queued or running.
	InFlight(workflowID string) bool
}
