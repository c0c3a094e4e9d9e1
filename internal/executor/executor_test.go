package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/eventbus"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/metrics"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/risk"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/rules"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	strategies map[string]*types.Strategy
}

func (m *memStore) Get(_ context.Context, id string) (*types.Strategy, error) {
	s, ok := m.strategies[id]
	if !ok {
		return nil, types.ErrStrategyNotFound
	}
	c := *s
	return &c, nil
}

type runnerFunc func(ctx context.Context, s *types.Strategy, snap *types.ContextSnapshot) (rules.Result, error)

func (f runnerFunc) Execute(ctx context.Context, s *types.Strategy, snap *types.ContextSnapshot) (rules.Result, error) {
	return f(ctx, s, snap)
}

type memLog struct {
	mu      sync.Mutex
	records []types.ExecutionRecord
}

func (l *memLog) Append(_ context.Context, rec types.ExecutionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

func (l *memLog) find(taskID string) (types.ExecutionRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.records {
		if r.TaskID == taskID {
			return r, true
		}
	}
	return types.ExecutionRecord{}, false
}

type memEmitter struct {
	mu     sync.Mutex
	events []types.Event
}

func (e *memEmitter) TryPublish(ev types.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

func (e *memEmitter) eventTypes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, ev := range e.events {
		out = append(out, ev.Type)
	}
	return out
}

func activeStrategy(id string) *types.Strategy {
	return &types.Strategy{
		ID:     id,
		Type:   types.StrategyRuleBased,
		Status: types.StatusActive,
		Rules: []types.Rule{
			{
				ID:      "r-price",
				Enabled: true,
				Conditions: []types.Condition{
					{Field: "market.price", Operator: types.OpGreaterThan, Value: 50.0},
				},
				Actions: []types.Action{
					{Type: types.ActionBidPrice, Params: map[string]interface{}{"multiplier": 0.98}},
				},
			},
		},
	}
}

func snapshot(id string) types.ContextSnapshot {
	return types.ContextSnapshot{
		ID:        id,
		Timestamp: time.Date(2026, 5, 4, 14, 0, 0, 0, time.UTC),
		Market:    types.MarketState{Price: 60, Volume: 100},
		Resources: types.ResourceState{AvailableCapacity: 80, TotalCapacity: 100},
	}
}

type harness struct {
	exec    *Executor
	log     *memLog
	emitter *memEmitter
	store   *memStore
}

func newHarness(t *testing.T, cfg Config, limits risk.Limits, runner Runner, strategies ...*types.Strategy) *harness {
	t.Helper()

	store := &memStore{strategies: map[string]*types.Strategy{}}
	for _, s := range strategies {
		store.strategies[s.ID] = s
	}
	h := &harness{log: &memLog{}, emitter: &memEmitter{}, store: store}
	h.exec = NewExecutor(cfg, store, runner, risk.NewGate(limits, nil), risk.NewBook(10_000), h.log, h.emitter, nil)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = h.exec.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return h
}

func (h *harness) submit(t *testing.T, strategyID, snapID string, priority int) *types.ExecutionTask {
	t.Helper()
	task, err := h.exec.Submit(context.Background(), SubmitRequest{
		StrategyID: strategyID,
		Snapshot:   snapshot(snapID),
		Priority:   &priority,
	})
	require.NoError(t, err)
	return task
}

func (h *harness) wait(t *testing.T, id string) (types.ExecutionTask, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := h.exec.Wait(ctx, id)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return task, err
}

func (h *harness) waitRunning(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		task, err := h.exec.Get(id)
		return err == nil && task.Status == types.TaskRunning
	}, 2*time.Second, time.Millisecond)
}

// gatedRunner blocks snapshots named "blocker" until release is closed and
// records the order in which snapshots start.
type gatedRunner struct {
	release chan struct{}
	mu      sync.Mutex
	order   []string
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{release: make(chan struct{})}
}

func (g *gatedRunner) Execute(_ context.Context, _ *types.Strategy, snap *types.ContextSnapshot) (rules.Result, error) {
	if snap.ID == "blocker" {
		<-g.release
		return rules.Result{Success: true}, nil
	}
	g.mu.Lock()
	g.order = append(g.order, snap.ID)
	g.mu.Unlock()
	return rules.Result{Success: true}, nil
}

func (g *gatedRunner) started() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.order...)
}

func TestExecutor_CompletesWithRuleEngineResults(t *testing.T) {
	eng := rules.NewEngine(rules.NewDispatcher(nil, nil))
	h := newHarness(t, Config{MaxConcurrent: 2}, risk.Limits{}, eng, activeStrategy("s-1"))

	task := h.submit(t, "s-1", "snap-1", 0)
	assert.Equal(t, types.TaskPending, task.Status)
	assert.NotEmpty(t, task.ID)

	done, err := h.wait(t, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, done.Status)
	assert.Equal(t, 1, done.Attempts)
	require.Len(t, done.Results, 1)
	assert.InDelta(t, 58.8, done.Results[0].Value, 1e-9)

	require.Eventually(t, func() bool {
		rec, ok := h.log.find(task.ID)
		return ok && rec.Status == types.TaskCompleted
	}, time.Second, time.Millisecond)
	assert.Contains(t, h.emitter.eventTypes(), types.EventTaskCompleted)
}

func TestExecutor_BoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	runner := runnerFunc(func(context.Context, *types.Strategy, *types.ContextSnapshot) (rules.Result, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return rules.Result{Success: true}, nil
	})
	h := newHarness(t, Config{MaxConcurrent: 2}, risk.Limits{}, runner, activeStrategy("s-1"))

	var ids []string
	for i := 0; i < 6; i++ {
		ids = append(ids, h.submit(t, "s-1", fmt.Sprintf("snap-%d", i), 0).ID)
	}
	for _, id := range ids {
		task, err := h.wait(t, id)
		require.NoError(t, err)
		assert.Equal(t, types.TaskCompleted, task.Status)
	}

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Positive(t, peak.Load())
}

func TestExecutor_HigherPriorityRunsFirst(t *testing.T) {
	runner := newGatedRunner()
	h := newHarness(t, Config{MaxConcurrent: 1}, risk.Limits{}, runner, activeStrategy("s-1"))

	blocker := h.submit(t, "s-1", "blocker", 0)
	h.waitRunning(t, blocker.ID)

	low := h.submit(t, "s-1", "low", 1)
	high := h.submit(t, "s-1", "high", 5)
	mid := h.submit(t, "s-1", "mid", 3)
	high2 := h.submit(t, "s-1", "high-2", 5)
	close(runner.release)

	for _, task := range []*types.ExecutionTask{low, high, mid, high2} {
		_, err := h.wait(t, task.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"high", "high-2", "mid", "low"}, runner.started())
}

func TestExecutor_DeferredTaskDoesNotBlockReadyWork(t *testing.T) {
	runner := newGatedRunner()
	h := newHarness(t, Config{MaxConcurrent: 1}, risk.Limits{}, runner, activeStrategy("s-1"))

	priority := 10
	deferred, err := h.exec.Submit(context.Background(), SubmitRequest{
		StrategyID:  "s-1",
		Snapshot:    snapshot("later"),
		Priority:    &priority,
		ScheduledAt: time.Now().Add(150 * time.Millisecond),
	})
	require.NoError(t, err)
	ready := h.submit(t, "s-1", "now", 0)

	_, err = h.wait(t, ready.ID)
	require.NoError(t, err)
	got, err := h.wait(t, deferred.ID)
	require.NoError(t, err)

	assert.Equal(t, types.TaskCompleted, got.Status)
	assert.False(t, got.StartedAt.Before(got.ScheduledAt))
	assert.Equal(t, []string{"now", "later"}, runner.started())
}

func TestExecutor_RetriesUntilExhausted(t *testing.T) {
	var calls atomic.Int32
	runner := runnerFunc(func(context.Context, *types.Strategy, *types.ContextSnapshot) (rules.Result, error) {
		n := calls.Add(1)
		return rules.Result{}, &types.TransientExecutionFailure{Op: "dispatch", Err: fmt.Errorf("attempt %d", n)}
	})
	s := activeStrategy("s-1")
	s.Rules[0].Actions[0].Retry = types.RetryPolicy{MaxAttempts: 3, BackoffDelayMS: 1}
	h := newHarness(t, Config{MaxConcurrent: 1}, risk.Limits{}, runner, s)

	task := h.submit(t, "s-1", "snap-1", 0)
	assert.Equal(t, 3, task.MaxAttempts)

	got, err := h.wait(t, task.ID)

	var terminal *types.TerminalExecutionFailure
	require.ErrorAs(t, err, &terminal)
	assert.Equal(t, 3, terminal.Attempts)
	assert.Len(t, terminal.Causes, 3)

	var transient *types.TransientExecutionFailure
	assert.ErrorAs(t, err, &transient)

	assert.Equal(t, types.TaskFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Len(t, got.Errors, 3)
	assert.Equal(t, int32(3), calls.Load())

	require.Eventually(t, func() bool {
		rec, ok := h.log.find(task.ID)
		return ok && rec.Status == types.TaskFailed && rec.Attempts == 3
	}, time.Second, time.Millisecond)
	assert.Contains(t, h.emitter.eventTypes(), types.EventTaskFailed)
}

func TestExecutor_SucceedsOnRetry(t *testing.T) {
	var calls atomic.Int32
	runner := runnerFunc(func(context.Context, *types.Strategy, *types.ContextSnapshot) (rules.Result, error) {
		if calls.Add(1) == 1 {
			return rules.Result{}, errors.New("feed hiccup")
		}
		return rules.Result{Success: true}, nil
	})
	h := newHarness(t, Config{MaxConcurrent: 1, MaxAttempts: 2, BackoffDelay: time.Millisecond}, risk.Limits{}, runner, activeStrategy("s-1"))

	task := h.submit(t, "s-1", "snap-1", 0)
	got, err := h.wait(t, task.ID)

	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, []string{"feed hiccup"}, got.Errors)
}

func TestExecutor_ActionTimeoutUsesOneAttempt(t *testing.T) {
	dispatcher := rules.NewDispatcher(nil, nil)
	bid := types.Action{Type: types.ActionBidPrice, Params: map[string]interface{}{"multiplier": 0.98}, TimeoutMS: 50}

	var calls atomic.Int32
	runner := runnerFunc(func(ctx context.Context, _ *types.Strategy, snap *types.ContextSnapshot) (rules.Result, error) {
		if calls.Add(1) == 1 {
			expired, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
			defer cancel()
			ctx = expired
		}
		out, err := dispatcher.Dispatch(ctx, "r-price", bid, snap)
		if err != nil {
			return rules.Result{}, err
		}
		return rules.Result{Actions: []types.ActionResult{out}, Success: true}, nil
	})
	s := activeStrategy("s-1")
	s.Rules[0].Actions[0].Retry = types.RetryPolicy{MaxAttempts: 2, BackoffDelayMS: 1}
	h := newHarness(t, Config{MaxConcurrent: 1}, risk.Limits{}, runner, s)

	task := h.submit(t, "s-1", "snap-1", 0)
	got, err := h.wait(t, task.ID)

	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, got.Status)
	assert.Equal(t, 2, got.Attempts)
	require.Len(t, got.Errors, 1)
	assert.Contains(t, got.Errors[0], types.ErrActionTimeout.Error())
	require.Len(t, got.Results, 1)
	assert.InDelta(t, 58.8, got.Results[0].Value, 1e-9)
}

func TestExecutor_ActionTimeoutExhaustsBudget(t *testing.T) {
	dispatcher := rules.NewDispatcher(nil, nil)
	runner := runnerFunc(func(ctx context.Context, _ *types.Strategy, snap *types.ContextSnapshot) (rules.Result, error) {
		expired, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
		defer cancel()
		_, err := dispatcher.Dispatch(expired, "r-price", types.Action{Type: types.ActionBidPrice}, snap)
		return rules.Result{}, err
	})
	h := newHarness(t, Config{MaxConcurrent: 1, MaxAttempts: 2, BackoffDelay: time.Millisecond}, risk.Limits{}, runner, activeStrategy("s-1"))

	task := h.submit(t, "s-1", "snap-1", 0)
	got, err := h.wait(t, task.ID)

	var terminal *types.TerminalExecutionFailure
	require.ErrorAs(t, err, &terminal)
	assert.Equal(t, 2, terminal.Attempts)
	assert.ErrorIs(t, err, types.ErrActionTimeout)
	assert.Equal(t, types.TaskFailed, got.Status)
}

func TestExecutor_RetryIsNotRateLimitedByFailedAttempt(t *testing.T) {
	s := activeStrategy("s-1")
	s.Rules[0].RateLimit = types.RateLimit{PerSecond: 0.001, Burst: 1}
	s.Rules[0].Actions[0].Retry = types.RetryPolicy{MaxAttempts: 2, BackoffDelayMS: 1}

	eng := rules.NewEngine(rules.NewDispatcher(nil, nil), rules.WithRuleGate(NewRuleLimiter()))
	var calls atomic.Int32
	runner := runnerFunc(func(ctx context.Context, strategy *types.Strategy, snap *types.ContextSnapshot) (rules.Result, error) {
		if calls.Add(1) == 1 {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()
			ctx = cancelled
		}
		return eng.Execute(ctx, strategy, snap)
	})
	h := newHarness(t, Config{MaxConcurrent: 1}, risk.Limits{}, runner, s)

	task := h.submit(t, "s-1", "snap-1", 0)
	got, err := h.wait(t, task.ID)

	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	require.Len(t, got.Results, 1, "the retry runs the rule instead of being rate limited")
}

func TestExecutor_FullEventChannelDoesNotStallLoop(t *testing.T) {
	m := metrics.New()
	store := &memStore{strategies: map[string]*types.Strategy{"s-1": activeStrategy("s-1")}}
	events := eventbus.NewChannel(1)
	eng := rules.NewEngine(rules.NewDispatcher(events, nil))
	exec := NewExecutor(Config{MaxConcurrent: 1}, store, eng, risk.NewGate(risk.Limits{}, nil), risk.NewBook(10_000), nil, events, m)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = exec.Run(ctx)
	}()

	for i := 0; i < 3; i++ {
		submitCtx, submitCancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		task, err := exec.Submit(submitCtx, SubmitRequest{StrategyID: "s-1", Snapshot: snapshot(fmt.Sprintf("snap-%d", i))})
		require.NoError(t, err, "submit %d", i)
		_, err = exec.Wait(submitCtx, task.ID)
		require.NoError(t, err, "task %d", i)
		submitCancel()
	}

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.EventsDropped.WithLabelValues(types.EventTaskCompleted)) == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, events.Len())

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestExecutor_ValidationFailureIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	runner := runnerFunc(func(context.Context, *types.Strategy, *types.ContextSnapshot) (rules.Result, error) {
		calls.Add(1)
		return rules.Result{}, &types.ValidationError{Field: "type", Reason: "bad"}
	})
	h := newHarness(t, Config{MaxConcurrent: 1, MaxAttempts: 5, BackoffDelay: time.Millisecond}, risk.Limits{}, runner, activeStrategy("s-1"))

	task := h.submit(t, "s-1", "snap-1", 0)
	got, err := h.wait(t, task.ID)

	require.Error(t, err)
	assert.Equal(t, types.TaskFailed, got.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecutor_RiskRejection(t *testing.T) {
	runner := runnerFunc(func(context.Context, *types.Strategy, *types.ContextSnapshot) (rules.Result, error) {
		t.Error("rejected task must not run")
		return rules.Result{}, nil
	})
	h := newHarness(t, Config{MaxConcurrent: 1}, risk.Limits{MaxDailyLoss: 1000}, runner, activeStrategy("s-1"))

	require.NoError(t, h.exec.ApplyExposure(context.Background(), types.ExposureUpdate{RealizedPnL: -1200}))

	task, err := h.exec.Submit(context.Background(), SubmitRequest{StrategyID: "s-1", Snapshot: snapshot("snap-1")})

	var rej *types.RiskRejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, types.RiskMaxDailyLoss, rej.Code)
	require.NotNil(t, task)
	assert.Equal(t, types.TaskFailed, task.Status)
	assert.Equal(t, "exceeds max daily loss", task.Reason)
	assert.Equal(t, 0, task.Attempts)

	require.Eventually(t, func() bool {
		rec, ok := h.log.find(task.ID)
		return ok && rec.Reason == "exceeds max daily loss"
	}, time.Second, time.Millisecond)
	assert.Contains(t, h.emitter.eventTypes(), types.EventTaskRejected)
	assert.InDelta(t, 1200, h.exec.Exposure().RealizedDailyLoss, 1e-9)
}

func TestExecutor_RejectsInactiveAndInvalidStrategies(t *testing.T) {
	inTesting := activeStrategy("s-testing")
	inTesting.Status = types.StatusTesting
	invalid := activeStrategy("s-invalid")
	invalid.Type = "quantum"

	h := newHarness(t, Config{}, risk.Limits{}, newGatedRunner(), inTesting, invalid)

	_, err := h.exec.Submit(context.Background(), SubmitRequest{StrategyID: "s-testing", Snapshot: snapshot("a")})
	assert.ErrorIs(t, err, types.ErrStrategyNotActive)

	_, err = h.exec.Submit(context.Background(), SubmitRequest{StrategyID: "s-invalid", Snapshot: snapshot("b")})
	var verr *types.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = h.exec.Submit(context.Background(), SubmitRequest{StrategyID: "missing", Snapshot: snapshot("c")})
	assert.ErrorIs(t, err, types.ErrStrategyNotFound)
}

func TestExecutor_CancelOnlyWhilePending(t *testing.T) {
	runner := newGatedRunner()
	h := newHarness(t, Config{MaxConcurrent: 1}, risk.Limits{}, runner, activeStrategy("s-1"))
	ctx := context.Background()

	blocker := h.submit(t, "s-1", "blocker", 0)
	h.waitRunning(t, blocker.ID)
	queued := h.submit(t, "s-1", "queued", 0)

	require.NoError(t, h.exec.Cancel(ctx, queued.ID))
	got, err := h.exec.Get(queued.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCancelled, got.Status)

	assert.ErrorIs(t, h.exec.Cancel(ctx, blocker.ID), types.ErrTaskNotCancellable)
	assert.ErrorIs(t, h.exec.Cancel(ctx, queued.ID), types.ErrTaskNotCancellable)
	assert.ErrorIs(t, h.exec.Cancel(ctx, "nope"), types.ErrTaskNotFound)

	close(runner.release)
	_, err = h.wait(t, blocker.ID)
	require.NoError(t, err)
	assert.Empty(t, runner.started())
	assert.Contains(t, h.emitter.eventTypes(), types.EventTaskCancelled)
}

func TestExecutor_TaskPriorityDefaultsToStrategy(t *testing.T) {
	s := activeStrategy("s-1")
	s.Priority = 7
	h := newHarness(t, Config{}, risk.Limits{}, newGatedRunner(), s)

	task, err := h.exec.Submit(context.Background(), SubmitRequest{StrategyID: "s-1", Snapshot: snapshot("a")})
	require.NoError(t, err)
	assert.Equal(t, 7, task.Priority)
}

func TestRuleLimiter(t *testing.T) {
	l := NewRuleLimiter()
	at := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	limited := &types.Rule{ID: "r", RateLimit: types.RateLimit{PerSecond: 1, Burst: 2}}

	assert.True(t, l.Allow("s", limited, at))
	assert.True(t, l.Allow("s", limited, at))
	assert.False(t, l.Allow("s", limited, at))
	assert.True(t, l.Allow("other", limited, at), "limits are per strategy")
	assert.True(t, l.Allow("s", limited, at.Add(time.Second)))

	free := &types.Rule{ID: "free"}
	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow("s", free, at))
	}
}

func TestRuleLimiter_ReleaseReturnsToken(t *testing.T) {
	l := NewRuleLimiter()
	at := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	rule := &types.Rule{ID: "r", RateLimit: types.RateLimit{PerSecond: 0.001, Burst: 1}}

	release, ok := l.Reserve("s", rule, at)
	require.True(t, ok)
	_, ok = l.Reserve("s", rule, at)
	assert.False(t, ok)

	release()
	_, ok = l.Reserve("s", rule, at)
	assert.True(t, ok, "released token can be taken again")
	_, ok = l.Reserve("s", rule, at)
	assert.False(t, ok)
}
