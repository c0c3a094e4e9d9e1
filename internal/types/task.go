package types

import "time"

// TaskStatus is the state of an execution task
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// ExecutionTask is one scheduled invocation of a strategy against a snapshot
type ExecutionTask struct {
	ID           string          `json:"id"`
	StrategyID   string          `json:"strategy_id"`
	Snapshot     ContextSnapshot `json:"snapshot"`
	Priority     int             `json:"priority"`
	ScheduledAt  time.Time       `json:"scheduled_at"`
	Seq          uint64          `json:"seq"`
	Status       TaskStatus      `json:"status"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	BackoffDelay time.Duration   `json:"backoff_delay"`
	Reason       string          `json:"reason,omitempty"`
	Errors       []string        `json:"errors,omitempty"`
	Results      []ActionResult  `json:"results,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// ExecutionRecord is what the execution log stores for a finished task
type ExecutionRecord struct {
	TaskID     string         `json:"task_id"`
	StrategyID string         `json:"strategy_id"`
	SnapshotID string         `json:"snapshot_id"`
	Status     TaskStatus     `json:"status"`
	Attempts   int            `json:"attempts"`
	Reason     string         `json:"reason,omitempty"`
	Errors     []string       `json:"errors,omitempty"`
	Results    []ActionResult `json:"results,omitempty"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Record builds the execution log entry for a terminal task.
func (t *ExecutionTask) Record() ExecutionRecord {
	rec := ExecutionRecord{
		TaskID:     t.ID,
		StrategyID: t.StrategyID,
		SnapshotID: t.Snapshot.ID,
		Status:     t.Status,
		Attempts:   t.Attempts,
		Reason:     t.Reason,
		Errors:     t.Errors,
		Results:    t.Results,
	}
	if t.FinishedAt != nil {
		rec.FinishedAt = *t.FinishedAt
	}
	return rec
}

// ExposureUpdate changes the risk book after a fill or settlement
type ExposureUpdate struct {
	At            time.Time `json:"at"`
	RealizedPnL   float64   `json:"realized_pnl"`
	PositionDelta float64   `json:"position_delta"`
	CashDelta     float64   `json:"cash_delta"`
}
