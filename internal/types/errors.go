package types

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrStrategyNotFound   = errors.New("strategy not found")
	ErrStrategyNotActive  = errors.New("strategy is not active")
	ErrTaskNotFound       = errors.New("task not found")
	ErrTaskNotCancellable = errors.New("task is not pending")
	ErrActionTimeout      = errors.New("action timed out")
	ErrQueueFull          = errors.New("event queue full")
	ErrQueueClosed        = errors.New("event queue closed")
)

// ValidationError reports a malformed strategy, rule or action
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Risk rejection codes
const (
	RiskMaxDailyLoss    = "max_daily_loss"
	RiskMaxPositionSize = "max_position_size"
	RiskMinCashReserve  = "min_cash_reserve"
)

// RiskRejection is returned when the risk gate blocks a task
type RiskRejection struct {
	Code   string
	Reason string
	Value  float64
	Limit  float64
}

func (e *RiskRejection) Error() string {
	return fmt.Sprintf("risk rejected: %s (value %.2f, limit %.2f)", e.Reason, e.Value, e.Limit)
}

// TransientExecutionFailure marks an attempt failure that may be retried
type TransientExecutionFailure struct {
	Op  string
	Err error
}

func (e *TransientExecutionFailure) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientExecutionFailure) Unwrap() error { return e.Err }

// TerminalExecutionFailure is recorded once a task has used its whole retry budget
type TerminalExecutionFailure struct {
	TaskID   string
	Attempts int
	Causes   []error
}

func (e *TerminalExecutionFailure) Error() string {
	msgs := make([]string, 0, len(e.Causes))
	for i, c := range e.Causes {
		msgs = append(msgs, fmt.Sprintf("attempt %d: %v", i+1, c))
	}
	return fmt.Sprintf("task %s failed after %d attempts: %s", e.TaskID, e.Attempts, strings.Join(msgs, "; "))
}

func (e *TerminalExecutionFailure) Unwrap() []error { return e.Causes }

// SimulationDataError marks a backtest tick that cannot be replayed
type SimulationDataError struct {
	SnapshotID string
	Index      int
	Reason     string
}

func (e *SimulationDataError) Error() string {
	return fmt.Sprintf("snapshot %d (%s): %s", e.Index, e.SnapshotID, e.Reason)
}
