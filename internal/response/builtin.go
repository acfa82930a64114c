package response

import (
	"time"

	"sentinel-soar/internal/condition"
)

// BuiltinResponses returns the built-in automated responses registered at
// startup. They use only built-in action types.
func BuiltinResponses() []*AutomatedResponse {
	return []*AutomatedResponse{
		CriticalEventAlert(),
		ScannerNoiseSuppression(),
	}
}

// CriticalEventAlert announces any critical-severity event, at most once
// per five minutes.
func CriticalEventAlert() *AutomatedResponse {
	return &AutomatedResponse{
		ID:          "builtin-critical-event-alert",
		Name:        "Critical Event Alert",
		Description: "Announce critical-severity events with a dispatch cooldown",
		Enabled:     true,
		Triggers:    []ResponseTrigger{{EventTypes: []string{"*"}}},
		Conditions: []condition.Condition{
			{Field: "severity", Operator: condition.OpGreaterThan, Value: 8},
		},
		Actions: []ResponseAction{{
			ActionType: "log",
			Parameters: map[string]any{"message": "critical event observed"},
			Timeout:    30 * time.Second,
			Retries:    1,
		}},
		Cooldown: 5 * time.Minute,
	}
}

// ScannerNoiseSuppression acknowledges benign scanner findings without
// paging anyone.
func ScannerNoiseSuppression() *AutomatedResponse {
	return &AutomatedResponse{
		ID:          "builtin-scanner-noise",
		Name:        "Scanner Noise Suppression",
		Description: "Acknowledge low-severity scanner findings",
		Enabled:     true,
		Triggers:    []ResponseTrigger{{EventTypes: []string{"vuln.scan_finding"}}},
		Conditions: []condition.Condition{
			{Field: "severity", Operator: condition.OpLessThan, Value: 4},
		},
		Actions:  []ResponseAction{{ActionType: "noop"}},
		Cooldown: time.Minute,
	}
}
