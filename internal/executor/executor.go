package executor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/metrics"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/risk"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/rules"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

var ErrStopped = errors.New("executor stopped")

// StrategyStore is the read side of the strategy store the executor needs
type StrategyStore interface {
	Get(ctx context.Context, id string) (*types.Strategy, error)
}

// ExecutionLog receives one record per task that reaches a terminal status
type ExecutionLog interface {
	Append(ctx context.Context, rec types.ExecutionRecord) error
}

// EventPublisher queues task lifecycle events without blocking
type EventPublisher interface {
	TryPublish(event types.Event) error
}

// Runner evaluates a strategy against a snapshot
type Runner interface {
	Execute(ctx context.Context, strategy *types.Strategy, snap *types.ContextSnapshot) (rules.Result, error)
}

type Config struct {
	MaxConcurrent int
	MaxAttempts   int
	BackoffDelay  time.Duration
	HistorySize   int
}

// SubmitRequest asks for one strategy evaluation
type SubmitRequest struct {
	StrategyID  string                `json:"strategy_id"`
	Snapshot    types.ContextSnapshot `json:"snapshot"`
	Priority    *int                  `json:"priority,omitempty"`
	ScheduledAt time.Time             `json:"scheduled_at"`
}

type admission struct {
	req      SubmitRequest
	strategy *types.Strategy
	reply    chan admissionReply
}

type admissionReply struct {
	task types.ExecutionTask
	err  error
}

type cancelRequest struct {
	id    string
	reply chan error
}

// Executor is the priority execution queue. A single scheduling loop (Run)
// owns admission, risk checks and dispatch; workers run tasks on a pool
// bounded by MaxConcurrent.
type Executor struct {
	cfg     Config
	store   StrategyStore
	runner  Runner
	gate    *risk.Gate
	book    *risk.Book
	execLog ExecutionLog
	events  EventPublisher
	metrics *metrics.Metrics
	now     func() time.Time

	sem        *semaphore.Weighted
	submitCh   chan *admission
	cancelCh   chan *cancelRequest
	exposureCh chan types.ExposureUpdate
	doneCh     chan *entry
	appendCh   chan types.ExecutionRecord
	stopping   chan struct{}
	workers    sync.WaitGroup

	// loop-owned
	queue   pending
	seq     uint64
	running int

	mu      sync.RWMutex
	tasks   map[string]*entry
	history []string
}

func NewExecutor(
	cfg Config,
	store StrategyStore,
	runner Runner,
	gate *risk.Gate,
	book *risk.Book,
	execLog ExecutionLog,
	events EventPublisher,
	m *metrics.Metrics,
) *Executor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 10000
	}

	return &Executor{
		cfg:        cfg,
		store:      store,
		runner:     runner,
		gate:       gate,
		book:       book,
		execLog:    execLog,
		events:     events,
		metrics:    m,
		now:        time.Now,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		submitCh:   make(chan *admission),
		cancelCh:   make(chan *cancelRequest),
		exposureCh: make(chan types.ExposureUpdate),
		doneCh:     make(chan *entry),
		appendCh:   make(chan types.ExecutionRecord, 1024),
		stopping:   make(chan struct{}),
		tasks:      make(map[string]*entry),
	}
}

// Run drives the scheduling loop until ctx is done. Tasks already running are
// allowed to finish before Run returns.
func (e *Executor) Run(ctx context.Context) error {
	log.Info().Int("max_concurrent", e.cfg.MaxConcurrent).Msg("Starting execution queue")

	appenderDone := make(chan struct{})
	go func() {
		defer close(appenderDone)
		e.appendLoop()
	}()

	defer func() {
		close(e.appendCh)
		<-appenderDone
	}()

	for {
		e.schedule()

		var wake <-chan time.Time
		if d, ok := e.queue.nextWake(e.now()); ok {
			wake = time.After(d)
		}

		select {
		case <-ctx.Done():
			close(e.stopping)
			e.drain()
			log.Info().Msg("Execution queue stopped")
			return ctx.Err()
		case req := <-e.submitCh:
			e.admit(req)
		case req := <-e.cancelCh:
			req.reply <- e.cancel(req.id)
		case u := <-e.exposureCh:
			e.book.Apply(u)
		case ent := <-e.doneCh:
			e.finish(ent)
		case <-wake:
		}
	}
}

// drain waits for in-flight workers, still recording their outcomes.
func (e *Executor) drain() {
	all := make(chan struct{})
	go func() {
		e.workers.Wait()
		close(all)
	}()

	for {
		select {
		case ent := <-e.doneCh:
			e.finish(ent)
		case <-all:
			return
		}
	}
}

// Submit admits a task. Validation and risk errors are returned synchronously;
// a risk rejection also returns the failed task.
func (e *Executor) Submit(ctx context.Context, req SubmitRequest) (*types.ExecutionTask, error) {
	strategy, err := e.store.Get(ctx, req.StrategyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load strategy %s: %w", req.StrategyID, err)
	}
	if err := strategy.Validate(); err != nil {
		return nil, err
	}
	if strategy.Status != types.StatusActive {
		return nil, fmt.Errorf("%w: %s is %s", types.ErrStrategyNotActive, strategy.ID, strategy.Status)
	}

	adm := &admission{req: req, strategy: strategy, reply: make(chan admissionReply, 1)}
	select {
	case e.submitCh <- adm:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.stopping:
		return nil, ErrStopped
	}

	r := <-adm.reply
	return &r.task, r.err
}

// Cancel cancels a pending task. Running and finished tasks cannot be cancelled.
func (e *Executor) Cancel(ctx context.Context, id string) error {
	req := &cancelRequest{id: id, reply: make(chan error, 1)}
	select {
	case e.cancelCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopping:
		return ErrStopped
	}
	return <-req.reply
}

// ApplyExposure feeds a fill or settlement into the risk book through the
// scheduling loop, so admissions never observe a half-applied update.
func (e *Executor) ApplyExposure(ctx context.Context, u types.ExposureUpdate) error {
	if u.At.IsZero() {
		u.At = e.now()
	}
	select {
	case e.exposureCh <- u:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopping:
		return ErrStopped
	}
}

// Exposure reads the current risk aggregates.
func (e *Executor) Exposure() risk.Exposure {
	return e.book.Exposure(e.now())
}

// Get returns a copy of a known task.
func (e *Executor) Get(id string) (types.ExecutionTask, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ent, ok := e.tasks[id]
	if !ok {
		return types.ExecutionTask{}, types.ErrTaskNotFound
	}
	return copyTask(ent.task), nil
}

// Wait blocks until the task is terminal and returns it with its terminal error, if any.
func (e *Executor) Wait(ctx context.Context, id string) (types.ExecutionTask, error) {
	e.mu.RLock()
	ent, ok := e.tasks[id]
	e.mu.RUnlock()
	if !ok {
		return types.ExecutionTask{}, types.ErrTaskNotFound
	}

	select {
	case <-ent.done:
	case <-ctx.Done():
		return types.ExecutionTask{}, ctx.Err()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return copyTask(ent.task), ent.err
}

func (e *Executor) admit(adm *admission) {
	now := e.now()
	s := adm.strategy

	priority := s.Priority
	if adm.req.Priority != nil {
		priority = *adm.req.Priority
	}

	retry := s.RetryPolicy()
	maxAttempts := e.cfg.MaxAttempts
	if retry.MaxAttempts > 0 {
		maxAttempts = retry.MaxAttempts
	}
	backoff := e.cfg.BackoffDelay
	if retry.BackoffDelayMS > 0 {
		backoff = time.Duration(retry.BackoffDelayMS) * time.Millisecond
	}

	scheduled := adm.req.ScheduledAt
	if scheduled.IsZero() {
		scheduled = now
	}
	snap := adm.req.Snapshot
	if snap.Timestamp.IsZero() {
		snap.Timestamp = now
	}

	e.seq++
	ent := &entry{
		task: &types.ExecutionTask{
			ID:           uuid.NewString(),
			StrategyID:   s.ID,
			Snapshot:     snap,
			Priority:     priority,
			ScheduledAt:  scheduled,
			Seq:          e.seq,
			Status:       types.TaskPending,
			MaxAttempts:  maxAttempts,
			BackoffDelay: backoff,
			CreatedAt:    now,
		},
		strategy: s,
		done:     make(chan struct{}),
		index:    -1,
	}

	e.mu.Lock()
	e.tasks[ent.task.ID] = ent
	e.mu.Unlock()

	if err := e.gate.Check(s, e.book.Exposure(now)); err != nil {
		e.mu.Lock()
		ent.task.Status = types.TaskFailed
		ent.task.Reason = reason(err)
		ent.task.Errors = []string{err.Error()}
		ent.task.FinishedAt = &now
		ent.err = err
		e.mu.Unlock()

		e.settle(ent, types.EventTaskRejected)
		adm.reply <- admissionReply{task: copyTask(ent.task), err: err}
		return
	}

	e.queue.push(ent, now)
	e.metrics.SetQueue(e.running, e.queue.len())

	log.Debug().
		Str("task", ent.task.ID).
		Str("strategy", s.ID).
		Int("priority", priority).
		Time("scheduled_at", scheduled).
		Msg("Task admitted")

	adm.reply <- admissionReply{task: copyTask(ent.task)}
}

// schedule is one scheduling pass: promote due deferred tasks, then start the
// highest priority ready tasks while worker slots are free.
func (e *Executor) schedule() {
	e.queue.promote(e.now())

	for e.queue.ready.Len() > 0 && e.sem.TryAcquire(1) {
		ent := e.queue.popReady()
		now := e.now()

		e.mu.Lock()
		ent.task.Status = types.TaskRunning
		ent.task.StartedAt = &now
		e.mu.Unlock()

		e.running++
		e.workers.Add(1)
		go e.work(ent)
	}
	e.metrics.SetQueue(e.running, e.queue.len())
}

func (e *Executor) cancel(id string) error {
	e.mu.RLock()
	ent, ok := e.tasks[id]
	e.mu.RUnlock()
	if !ok {
		return types.ErrTaskNotFound
	}

	if !e.queue.remove(ent) {
		e.mu.RLock()
		status := ent.task.Status
		e.mu.RUnlock()
		return fmt.Errorf("%w: task %s is %s", types.ErrTaskNotCancellable, id, status)
	}

	now := e.now()
	e.mu.Lock()
	ent.task.Status = types.TaskCancelled
	ent.task.Reason = "cancelled by request"
	ent.task.FinishedAt = &now
	e.mu.Unlock()

	e.settle(ent, types.EventTaskCancelled)
	e.metrics.SetQueue(e.running, e.queue.len())
	return nil
}

// work runs one task with its retry budget. Shutdown does not interrupt an
// attempt in progress, it only cuts a backoff wait short.
func (e *Executor) work(ent *entry) {
	defer e.workers.Done()
	defer e.sem.Release(1)

	task := ent.task
	runCtx := context.Background()
	var causes []error

	for attempt := 1; attempt <= task.MaxAttempts; attempt++ {
		e.mu.Lock()
		task.Attempts = attempt
		e.mu.Unlock()

		res, err := e.runner.Execute(runCtx, ent.strategy, &task.Snapshot)
		if err == nil {
			now := e.now()
			e.mu.Lock()
			task.Status = types.TaskCompleted
			task.Results = res.Actions
			task.FinishedAt = &now
			e.mu.Unlock()
			break
		}

		causes = append(causes, err)
		e.mu.Lock()
		task.Errors = append(task.Errors, err.Error())
		e.mu.Unlock()

		log.Warn().
			Err(err).
			Str("task", task.ID).
			Str("strategy", task.StrategyID).
			Int("attempt", attempt).
			Int("max_attempts", task.MaxAttempts).
			Msg("Task attempt failed")

		var invalid *types.ValidationError
		if errors.As(err, &invalid) || attempt == task.MaxAttempts {
			break
		}

		select {
		case <-time.After(task.BackoffDelay):
		case <-e.stopping:
			causes = append(causes, ErrStopped)
			attempt = task.MaxAttempts
		}
	}

	if len(causes) > 0 && task.Status != types.TaskCompleted {
		terminal := &types.TerminalExecutionFailure{
			TaskID:   task.ID,
			Attempts: task.Attempts,
			Causes:   causes,
		}
		now := e.now()
		e.mu.Lock()
		task.Status = types.TaskFailed
		task.Reason = terminal.Error()
		task.FinishedAt = &now
		ent.err = terminal
		e.mu.Unlock()
	}

	e.doneCh <- ent
}

func (e *Executor) finish(ent *entry) {
	e.running--

	event := types.EventTaskCompleted
	if ent.task.Status == types.TaskFailed {
		event = types.EventTaskFailed
	}
	e.settle(ent, event)
	e.metrics.SetQueue(e.running, e.queue.len())
}

// settle runs the side effects of a task reaching a terminal status.
func (e *Executor) settle(ent *entry, eventType string) {
	e.mu.Lock()
	task := copyTask(ent.task)
	e.history = append(e.history, task.ID)
	for len(e.history) > e.cfg.HistorySize {
		delete(e.tasks, e.history[0])
		e.history = e.history[1:]
	}
	e.mu.Unlock()
	close(ent.done)

	var seconds float64
	if task.StartedAt != nil && task.FinishedAt != nil {
		seconds = task.FinishedAt.Sub(*task.StartedAt).Seconds()
	}
	e.metrics.ObserveTaskFinished(string(task.Status), seconds)

	logEvent := log.Info()
	if task.Status == types.TaskFailed {
		logEvent = log.Warn()
	}
	logEvent.
		Str("task", task.ID).
		Str("strategy", task.StrategyID).
		Str("status", string(task.Status)).
		Int("attempts", task.Attempts).
		Int("actions", len(task.Results)).
		Str("reason", task.Reason).
		Msg("Task finished")

	e.appendCh <- task.Record()

	if e.events == nil {
		return
	}

	data := map[string]interface{}{
		"task_id":     task.ID,
		"strategy_id": task.StrategyID,
		"status":      string(task.Status),
		"attempts":    task.Attempts,
		"priority":    task.Priority,
	}
	if task.Reason != "" {
		data["reason"] = task.Reason
	}
	if len(task.Results) > 0 {
		data["results"] = task.Results
	}
	if len(task.Errors) > 0 {
		data["errors"] = task.Errors
	}

	// Never blocks: the scheduling loop must not wait on a slow sink.
	if err := e.events.TryPublish(types.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    task.StrategyID,
		Timestamp: e.now(),
		Data:      data,
	}); err != nil {
		e.metrics.ObserveEventDropped(eventType)
		log.Warn().
			Err(err).
			Str("task", task.ID).
			Str("event_type", eventType).
			Msg("Dropped task event")
	}
}

func (e *Executor) appendLoop() {
	for rec := range e.appendCh {
		if e.execLog == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.execLog.Append(ctx, rec); err != nil {
			log.Error().
				Err(err).
				Str("task", rec.TaskID).
				Msg("Failed to append execution log")
		}
		cancel()
	}
}

func reason(err error) string {
	var rej *types.RiskRejection
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return err.Error()
}

func copyTask(t *types.ExecutionTask) types.ExecutionTask {
	c := *t
	c.Errors = slices.Clone(t.Errors)
	c.Results = slices.Clone(t.Results)
	return c
}
