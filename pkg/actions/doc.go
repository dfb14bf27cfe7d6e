// Package actions implements the remediation action handlers.
//
// A Registry maps every models.ActionType to a Handler. The executor
// dispatches each workflow step through the registry; handler errors and
// panics are turned into failed step results by the caller. DefaultRegistry
// wires the built-in handlers, which log internal actions and perform real
// HTTP calls for trigger_webhook, fix_store_chaos and take_screenshot.
package actions
