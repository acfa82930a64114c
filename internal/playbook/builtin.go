package playbook

import (
	"time"

	"sentinel-soar/internal/condition"
)

// BuiltinPlaybooks returns the built-in playbooks registered at startup.
// They use only built-in action types so they are valid with an empty
// capability configuration.
func BuiltinPlaybooks() []*Playbook {
	return []*Playbook{
		BruteForceContainment(),
		ComplianceFailureReview(),
	}
}

// BruteForceContainment records a high-severity brute force event and holds
// containment for analyst approval.
func BruteForceContainment() *Playbook {
	return &Playbook{
		ID:          "builtin-brute-force-containment",
		Name:        "Brute Force Containment",
		Description: "Record a brute force attack and gate containment on analyst approval",
		Type:        TypeIncidentResponse,
		Enabled:     true,
		Tags:        []string{"authentication", "brute-force"},
		Trigger: Trigger{
			Type:   TriggerEvent,
			Events: []string{"auth.brute_force"},
			Conditions: []condition.Condition{
				{Field: "severity", Operator: "greater_than", Value: 6},
			},
		},
		Variables: []Variable{
			{Name: "source_ip", Type: "string", Required: true},
		},
		Steps: []Step{
			{
				ID:      "record-incident",
				Name:    "Record incident",
				Type:    StepAction,
				Order:   1,
				Enabled: true,
				Action: &ActionConfig{
					ActionType: "log",
					Parameters: map[string]any{"message": "brute force attack recorded"},
				},
				Retries: 1,
			},
			{
				ID:      "approve-containment",
				Name:    "Approve containment",
				Type:    StepHumanTask,
				Order:   2,
				Enabled: true,
				HumanTask: &HumanTaskConfig{
					Assignee:     "soc-oncall",
					Instructions: "Confirm the source should be contained",
				},
				Timeout: 4 * time.Hour,
			},
			{
				ID:      "announce-containment",
				Name:    "Announce containment",
				Type:    StepAction,
				Order:   3,
				Enabled: true,
				Action: &ActionConfig{
					ActionType: "log",
					Parameters: map[string]any{"message": "containment approved"},
				},
			},
		},
	}
}

// ComplianceFailureReview opens a review task when a compliance check flips
// to non_compliant.
func ComplianceFailureReview() *Playbook {
	return &Playbook{
		ID:          "builtin-compliance-failure-review",
		Name:        "Compliance Failure Review",
		Description: "Route non-compliant check results to a reviewer",
		Type:        TypeCompliance,
		Enabled:     true,
		Tags:        []string{"compliance"},
		Trigger: Trigger{
			Type:   TriggerEvent,
			Events: []string{"compliance.status_changed"},
			Conditions: []condition.Condition{
				{Field: "to", Operator: "equals", Value: "non_compliant"},
			},
		},
		Variables: []Variable{
			{Name: "check_id", Type: "string", Required: true},
		},
		Steps: []Step{
			{
				ID:      "record-failure",
				Name:    "Record failure",
				Type:    StepAction,
				Order:   1,
				Enabled: true,
				Action: &ActionConfig{
					ActionType: "log",
					Parameters: map[string]any{"message": "compliance check failed"},
				},
			},
			{
				ID:      "assign-review",
				Name:    "Assign review",
				Type:    StepHumanTask,
				Order:   2,
				Enabled: true,
				HumanTask: &HumanTaskConfig{
					Assignee:     "compliance-team",
					Instructions: "Review the failed check and record remediation",
				},
				Timeout: 72 * time.Hour,
			},
		},
	}
}
