package types

import (
	"encoding/json"
	"time"
)

// Event represents an event published on the outbound event channel
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`   // task_completed, task_failed, alert, log, risk_warning...
	Source    string                 `json:"source"` // strategy or component that produced the event
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

const (
	EventTaskCompleted    = "task_completed"
	EventTaskFailed       = "task_failed"
	EventTaskCancelled    = "task_cancelled"
	EventTaskRejected     = "task_rejected"
	EventAlert            = "alert"
	EventLog              = "log"
	EventRiskWarning      = "risk_warning"
	EventBacktestProgress = "backtest_progress"
)

// StrategyType selects which evaluation paths a strategy runs
type StrategyType string

const (
	StrategyRuleBased StrategyType = "rule_based"
	StrategyAIDriven  StrategyType = "ai_driven"
	StrategyHybrid    StrategyType = "hybrid"
)

// StrategyStatus is the lifecycle state of a strategy
type StrategyStatus string

const (
	StatusDraft     StrategyStatus = "draft"
	StatusTesting   StrategyStatus = "testing"
	StatusActive    StrategyStatus = "active"
	StatusSuspended StrategyStatus = "suspended"
)

// Operator compares a resolved field against a condition value
type Operator string

const (
	OpEquals       Operator = "equals"
	OpNotEquals    Operator = "not_equals"
	OpGreaterThan  Operator = "greater_than"
	OpLessThan     Operator = "less_than"
	OpGreaterEqual Operator = "greater_equal"
	OpLessEqual    Operator = "less_equal"
	OpContains     Operator = "contains"
	OpIn           Operator = "in"
	OpBetween      Operator = "between"
)

// ActionType names what an action computes or emits
type ActionType string

const (
	ActionBidPrice            ActionType = "bid_price"
	ActionBidQuantity         ActionType = "bid_quantity"
	ActionMarketParticipation ActionType = "market_participation"
	ActionAlert               ActionType = "alert"
	ActionLog                 ActionType = "log"
)

// Strategy represents a trading strategy
type Strategy struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Type      StrategyType   `json:"type"`
	Status    StrategyStatus `json:"status"`
	Rules     []Rule         `json:"rules"`
	Risk      RiskParameters `json:"risk"`
	AI        AISettings     `json:"ai"`
	Priority  int            `json:"priority"` // default priority of tasks created for this strategy
	Version   int            `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// RiskParameters override the service-wide risk limits. Zero means use the default.
type RiskParameters struct {
	MaxDailyLoss    float64 `json:"max_daily_loss"`
	MaxPositionSize float64 `json:"max_position_size"`
	MinCashReserve  float64 `json:"min_cash_reserve"`
	MaxDrawdown     float64 `json:"max_drawdown"`
}

// AISettings configure the prediction path of ai_driven and hybrid strategies
type AISettings struct {
	MinConfidence float64 `json:"min_confidence"`
}

// Rule is an AND-combined list of conditions guarding a list of actions
type Rule struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Enabled    bool        `json:"enabled"`
	Conditions []Condition `json:"conditions"`
	Actions    []Action    `json:"actions"`
	RateLimit  RateLimit   `json:"rate_limit"`
}

// UnmarshalJSON treats a missing "enabled" field as true.
func (r *Rule) UnmarshalJSON(data []byte) error {
	type plain Rule
	decoded := plain{Enabled: true}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*r = Rule(decoded)
	return nil
}

// RateLimit bounds how often a rule may fire on the live path. Zero PerSecond disables it.
type RateLimit struct {
	PerSecond float64 `json:"per_second"`
	Burst     int     `json:"burst"`
}

// Condition tests one snapshot field
type Condition struct {
	Field    string        `json:"field"`
	Operator Operator      `json:"operator"`
	Value    interface{}   `json:"value,omitempty"`
	Values   []interface{} `json:"values,omitempty"` // in, between
}

// Action is one step executed when its rule fires
type Action struct {
	Type      ActionType             `json:"type"`
	Params    map[string]interface{} `json:"params"`
	Priority  int                    `json:"priority"`
	TimeoutMS int                    `json:"timeout_ms"`
	Retry     RetryPolicy            `json:"retry"`
}

// RetryPolicy controls how many attempts a task gets and the pause between them
type RetryPolicy struct {
	MaxAttempts    int `json:"max_attempts"`
	BackoffDelayMS int `json:"backoff_delay_ms"`
}

// ActionResult is the outcome of dispatching one action
type ActionResult struct {
	Type       ActionType  `json:"type"`
	Value      interface{} `json:"value"`
	Timestamp  time.Time   `json:"timestamp"`
	RuleID     string      `json:"rule_id,omitempty"`
	Confidence float64     `json:"confidence,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Float returns the numeric value of the result.
func (r ActionResult) Float() (float64, bool) {
	switch v := r.Value.(type) {
	case float64:
		return v, true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// Prediction is what a prediction collaborator returns for a snapshot
type Prediction struct {
	BidPrice    float64 `json:"bid_price"`
	BidQuantity float64 `json:"bid_quantity"`
	Confidence  float64 `json:"confidence"`
}

// RiskEvent is an advisory produced by the periodic risk sweep
type RiskEvent struct {
	Metric    string    `json:"metric"` // daily_loss, position, cash_reserve, drawdown
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Limit     float64   `json:"limit"`
	Severity  string    `json:"severity"` // warning, critical
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}
