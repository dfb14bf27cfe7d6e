// Package engine implements the self-healing support pipeline.
//
// # Overview
//
// Signals from merchant-facing systems are turned into remediation
// workflows by a control loop with four stages:
//
//  1. Observe - group unprocessed signals by (type, subject) (Grouper)
//  2. Reason - classify a cluster into an issue and claim its signals (Gateway)
//  3. Decide - build a workflow from the category template and gate it (Decider)
//  4. Act - execute approved workflows step by step (Executor, Pool)
//
// Loop drives the stages on a fixed interval. Ingestor stores new signals
// and Workflows exposes the operator controls (pause, resume, step edits).
//
// # Approval Gate
//
// The workflow risk follows the issue impact. Critical risk always needs
// two distinct approvals and high risk needs the configured count. Medium
// and low risk workflows are approved automatically when the issue
// confidence reaches the configured threshold:
//
//	required, count := engine.ApprovalRequirement(models.RiskHigh, 0.85, engine.DefaultApprovalPolicy())
//
// A rejection sends the workflow back to draft; Resubmit starts a new
// approval round.
//
// # Execution
//
// Steps run strictly in list order. A step whose action may not run
// automatically, or that a blocking policy denies, is recorded as failed
// with requires_manual set. Any failed step pauses the workflow with
// current_step pointing at it. Resuming re-enters at the first step that
// is not completed, so completed steps never run twice.
//
// Every transition is written in the same transaction as its audit entry.
// Workflow updates use optimistic versioning, and Pool holds a workflow id
// for the whole execution, so one workflow is never executed concurrently.
//
// # Error Classification
//
// Errors are classified for retry logic:
//
//   - Transient: a collaborator failed and a later attempt may succeed
//   - Throttled: the execution pool is shutting down
//   - Conflict: a concurrent writer won the race
//   - Permanent: a precondition, policy or validation failure
//
// Use IsTransient, IsThrottled, IsConflict, IsPermanent and ErrorCode to
// inspect them. The API maps classes and codes onto HTTP statuses.
//
// # Thread Safety
//
// All components are safe for concurrent use.
package engine
