// Package condition provides stateless predicate evaluation over event and
// execution context maps. It is shared by trigger matching, response gating,
// and policy rule checks so all three see identical semantics.
package condition

import (
	"fmt"
	"strings"
)

// Join combines a condition with the preceding one in a list.
type Join string

const (
	JoinAnd Join = "and"
	JoinOr  Join = "or"
)

// Operator names supported by Evaluate.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpExists      = "exists"
)

// Condition is a single field predicate. Join applies between this condition
// and the previous one when evaluating a list; it is ignored on the first
// entry and defaults to "and" when empty.
type Condition struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value,omitempty" yaml:"value,omitempty"`
	Join     Join   `json:"join,omitempty" yaml:"join,omitempty"`
}

// Validate checks the condition's operator and field.
func (c *Condition) Validate() error {
	if c.Field == "" {
		return fmt.Errorf("field is required")
	}
	switch c.Operator {
	case OpEquals, OpNotEquals, OpContains, OpGreaterThan, OpLessThan, OpExists:
	default:
		return fmt.Errorf("invalid operator: %s", c.Operator)
	}
	switch c.Join {
	case "", JoinAnd, JoinOr:
	default:
		return fmt.Errorf("invalid join: %s", c.Join)
	}
	return nil
}

// Evaluate applies the condition against the context map. A missing field
// evaluates to false for every operator, including exists.
func Evaluate(c Condition, context map[string]any) bool {
	value, ok := context[c.Field]
	if !ok {
		return false
	}

	switch c.Operator {
	case OpExists:
		return value != nil
	case OpEquals:
		return matchEquals(value, c.Value)
	case OpNotEquals:
		return !matchEquals(value, c.Value)
	case OpContains:
		return strings.Contains(stringify(value), stringify(c.Value))
	case OpGreaterThan:
		return compare(value, c.Value) > 0
	case OpLessThan:
		return compare(value, c.Value) < 0
	}
	return false
}

// EvaluateAll evaluates a condition list left to right, applying each entry's
// Join against the accumulated result. An "and" whose left side is already
// false short-circuits; an "or" whose left side is already true does the same.
// An empty list evaluates to true.
func EvaluateAll(conditions []Condition, context map[string]any) bool {
	if len(conditions) == 0 {
		return true
	}

	result := Evaluate(conditions[0], context)
	for _, c := range conditions[1:] {
		switch c.Join {
		case JoinOr:
			if result {
				continue
			}
			result = Evaluate(c, context)
		default: // and
			if !result {
				continue
			}
			result = Evaluate(c, context)
		}
	}
	return result
}

func matchEquals(value, expected any) bool {
	if s, ok := value.(string); ok {
		if e, ok := expected.(string); ok {
			return s == e
		}
	}
	if n, ok := toFloat64(value); ok {
		if e, ok := toFloat64(expected); ok {
			return n == e
		}
	}
	return stringify(value) == stringify(expected)
}

func compare(value, expected any) int {
	n, ok1 := toFloat64(value)
	e, ok2 := toFloat64(expected)
	if !ok1 || !ok2 {
		return strings.Compare(stringify(value), stringify(expected))
	}
	if n < e {
		return -1
	}
	if n > e {
		return 1
	}
	return 0
}

func stringify(v any) string {
	return fmt.Sprintf("%v", v)
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%f", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}
