package types

import (
	"fmt"
	"time"
)

var transitions = map[StrategyStatus][]StrategyStatus{
	StatusDraft:     {StatusTesting},
	StatusTesting:   {StatusActive, StatusDraft},
	StatusActive:    {StatusSuspended},
	StatusSuspended: {StatusActive, StatusTesting},
}

// Transition moves the strategy to a new lifecycle status.
func (s *Strategy) Transition(to StrategyStatus, at time.Time) error {
	for _, allowed := range transitions[s.Status] {
		if allowed == to {
			s.Status = to
			s.Version++
			s.UpdatedAt = at
			return nil
		}
	}
	return &ValidationError{
		Field:  "status",
		Reason: fmt.Sprintf("cannot move from %q to %q", s.Status, to),
	}
}

// Validate rejects malformed strategies before they can be scheduled or replayed.
func (s *Strategy) Validate() error {
	if s.ID == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}

	switch s.Type {
	case StrategyRuleBased, StrategyAIDriven, StrategyHybrid:
	default:
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown strategy type %q", s.Type)}
	}

	if _, ok := transitions[s.Status]; !ok {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", s.Status)}
	}

	if s.Type == StrategyRuleBased && len(s.Rules) == 0 {
		return &ValidationError{Field: "rules", Reason: "rule_based strategy needs at least one rule"}
	}

	if s.Priority < 0 {
		return &ValidationError{Field: "priority", Reason: "must not be negative"}
	}

	for i, rule := range s.Rules {
		if err := rule.validate(); err != nil {
			err.Field = fmt.Sprintf("rules[%d].%s", i, err.Field)
			return err
		}
	}
	return nil
}

func (r *Rule) validate() *ValidationError {
	if r.ID == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if r.RateLimit.PerSecond < 0 || r.RateLimit.Burst < 0 {
		return &ValidationError{Field: "rate_limit", Reason: "must not be negative"}
	}

	for i, c := range r.Conditions {
		if err := c.validate(); err != nil {
			err.Field = fmt.Sprintf("conditions[%d].%s", i, err.Field)
			return err
		}
	}

	for i, a := range r.Actions {
		if err := a.validate(); err != nil {
			err.Field = fmt.Sprintf("actions[%d].%s", i, err.Field)
			return err
		}
	}
	return nil
}

func (c *Condition) validate() *ValidationError {
	if c.Field == "" {
		return &ValidationError{Field: "field", Reason: "must not be empty"}
	}

	switch c.Operator {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpGreaterEqual, OpLessEqual, OpContains:
	case OpIn:
		if len(c.Values) == 0 {
			return &ValidationError{Field: "values", Reason: "in needs at least one value"}
		}
	case OpBetween:
		if len(c.Values) != 2 {
			return &ValidationError{Field: "values", Reason: "between needs exactly two values"}
		}
		lo, okLo := ToFloat(c.Values[0])
		hi, okHi := ToFloat(c.Values[1])
		if !okLo || !okHi {
			return &ValidationError{Field: "values", Reason: "between bounds must be numeric"}
		}
		if lo > hi {
			return &ValidationError{Field: "values", Reason: "between lower bound exceeds upper bound"}
		}
	default:
		return &ValidationError{Field: "operator", Reason: fmt.Sprintf("unknown operator %q", c.Operator)}
	}
	return nil
}

func (a *Action) validate() *ValidationError {
	switch a.Type {
	case ActionBidPrice, ActionBidQuantity, ActionMarketParticipation, ActionAlert, ActionLog:
	default:
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown action type %q", a.Type)}
	}
	if a.TimeoutMS < 0 {
		return &ValidationError{Field: "timeout_ms", Reason: "must not be negative"}
	}
	if a.Priority < 0 {
		return &ValidationError{Field: "priority", Reason: "must not be negative"}
	}
	if a.Retry.MaxAttempts < 0 || a.Retry.BackoffDelayMS < 0 {
		return &ValidationError{Field: "retry", Reason: "must not be negative"}
	}
	for key, v := range a.Params {
		if _, isStr := v.(string); isStr {
			continue
		}
		if _, ok := ToFloat(v); !ok {
			return &ValidationError{Field: "params." + key, Reason: "must be a number or a string"}
		}
	}
	return nil
}

// RetryPolicy returns the largest retry policy declared by the strategy's actions.
func (s *Strategy) RetryPolicy() RetryPolicy {
	var p RetryPolicy
	for _, r := range s.Rules {
		for _, a := range r.Actions {
			p.MaxAttempts = max(p.MaxAttempts, a.Retry.MaxAttempts)
			p.BackoffDelayMS = max(p.BackoffDelayMS, a.Retry.BackoffDelayMS)
		}
	}
	return p
}

// ToFloat converts JSON-decoded and Go numeric values to float64.
func ToFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
