// Package policy guards workflow steps with Rego policies evaluated by OPA.
//
// Before the executor runs a step it builds a PolicyInput describing the
// workflow, the step and the issue, and calls Engine.EvaluateStep. Every
// enabled policy contributes the entries of its package's deny set.
// Violations with severity error or critical block the step; warnings are
// recorded on the step's audit entry.
//
// # Built-in Policies
//
//   - forbidden-auto-actions (critical): actions that need a human deployment
//     step, mirroring the compiled-in forbidden set.
//   - financial-action-review (warning): financial actions in a workflow
//     that was auto-approved.
//   - approval-required-step (warning): a step flagged requires_approval in a
//     workflow without approvers.
//
// # Custom Policies
//
// Additional .rego or .json policies are loaded from directories:
//
//	package selfheal.policies.custom
//
//	import rego.v1
//
//	deny contains violation if {
//		input.step.action_type == "trigger_webhook"
//		not startswith(input.step.parameters.url, "https://")
//		violation := {"message": "webhooks must use https", "severity": "error"}
//	}
//
// Engine.WatchPolicies reloads them through fsnotify when files change.
// Rego files default to warning severity; a violation may override it with
// its own severity field.
package policy
