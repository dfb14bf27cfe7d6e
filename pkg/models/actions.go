package models

import "fmt"

// ActionType is the closed set of remediation actions a step may perform.
type ActionType string

const (
	ActionSendNotification    ActionType = "send_notification"
	ActionUpdateConfig        ActionType = "update_config"
	ActionEscalateEngineering ActionType = "escalate_engineering"
	ActionReplyTicket         ActionType = "reply_ticket"
	ActionTriggerWebhook      ActionType = "trigger_webhook"
	ActionRunDiagnostic       ActionType = "run_diagnostic"
	ActionApplyHotfix         ActionType = "apply_hotfix"
	ActionRollbackChange      ActionType = "rollback_change"
	ActionUpdateDocumentation ActionType = "update_documentation"
	ActionNotifyMerchant      ActionType = "notify_merchant"
	ActionFixStoreChaos       ActionType = "fix_store_chaos"
	ActionTakeScreenshot      ActionType = "take_screenshot"
)

// AllActionTypes lists every action type in declaration order.
var AllActionTypes = []ActionType{
	ActionSendNotification,
	ActionUpdateConfig,
	ActionEscalateEngineering,
	ActionReplyTicket,
	ActionTriggerWebhook,
	ActionRunDiagnostic,
	ActionApplyHotfix,
	ActionRollbackChange,
	ActionUpdateDocumentation,
	ActionNotifyMerchant,
	ActionFixStoreChaos,
	ActionTakeScreenshot,
}

// forbiddenAutoActions need a human-performed deployment step and are never
// executed automatically. The set is fixed at compile time.
var forbiddenAutoActions = map[ActionType]struct{}{
	ActionApplyHotfix: {},
}

// financialActions may touch money or transactions and get stricter auditing.
var financialActions = map[ActionType]struct{}{
	ActionRollbackChange: {},
}

// ParseActionType converts a string into a known ActionType.
func ParseActionType(s string) (ActionType, error) {
	for _, a := range AllActionTypes {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown action type: %q", s)
}

// Valid reports whether the action type is part of the closed set.
func (a ActionType) Valid() bool {
	_, err := ParseActionType(string(a))
	return err == nil
}

// IsForbiddenAutoAction reports whether a must never be auto-executed.
func IsForbiddenAutoAction(a ActionType) bool {
	_, ok := forbiddenAutoActions[a]
	return ok
}

// IsFinancialAction reports whether a belongs to the financial action set.
func IsFinancialAction(a ActionType) bool {
	_, ok := financialActions[a]
	return ok
}

// ForbiddenAutoActions returns a copy of the forbidden auto-execution set.
func ForbiddenAutoActions() []ActionType {
	out := make([]ActionType, 0, len(forbiddenAutoActions))
	for _, a := range AllActionTypes {
		if IsForbiddenAutoAction(a) {
			out = append(out, a)
		}
	}
	return out
}

// FinancialActions returns a copy of the financial action set.
func FinancialActions() []ActionType {
	out := make([]ActionType, 0, len(financialActions))
	for _, a := range AllActionTypes {
		if IsFinancialAction(a) {
			out = append(out, a)
		}
	}
	return out
}
