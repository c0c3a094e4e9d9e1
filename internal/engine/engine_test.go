package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/eventbus"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/executor"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/risk"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceSource struct {
	snaps []types.ContextSnapshot
}

func (s *sliceSource) SubscribeSnapshots(ctx context.Context, _ []string, handler func(types.ContextSnapshot) error) error {
	for _, snap := range s.snaps {
		handler(snap)
	}
	<-ctx.Done()
	return ctx.Err()
}

type listStore struct {
	strategies []types.Strategy
	err        error
}

func (l *listStore) ListActive(context.Context) ([]types.Strategy, error) {
	return l.strategies, l.err
}

type recordingSubmitter struct {
	mu       sync.Mutex
	requests []executor.SubmitRequest
	reject   map[string]error
}

func (r *recordingSubmitter) Submit(_ context.Context, req executor.SubmitRequest) (*types.ExecutionTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	if err := r.reject[req.StrategyID]; err != nil {
		return &types.ExecutionTask{StrategyID: req.StrategyID, Status: types.TaskFailed}, err
	}
	return &types.ExecutionTask{ID: "task-" + req.StrategyID, StrategyID: req.StrategyID, Status: types.TaskPending}, nil
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func snapshot(id string) types.ContextSnapshot {
	return types.ContextSnapshot{
		ID:        id,
		Timestamp: time.Date(2026, 5, 4, 14, 0, 0, 0, time.UTC),
		Market:    types.MarketState{Price: 50, Volume: 100},
	}
}

func newTestEngine(cfg Config, store *listStore, sub *recordingSubmitter, events EventPublisher) *Engine {
	gate := risk.NewGate(risk.Limits{MaxDailyLoss: 1000}, nil)
	return NewEngine(cfg, &sliceSource{}, store, sub, gate, risk.NewBook(0), events)
}

func TestHandleSnapshot_FansOutToActiveStrategies(t *testing.T) {
	store := &listStore{strategies: []types.Strategy{{ID: "s-1"}, {ID: "s-2"}, {ID: "s-3"}}}
	sub := &recordingSubmitter{reject: map[string]error{
		"s-2": &types.RiskRejection{Code: "daily_loss", Value: 1200, Limit: 1000},
	}}
	eng := newTestEngine(Config{}, store, sub, eventbus.NewChannel(4))

	tasks, err := eng.HandleSnapshot(context.Background(), snapshot("snap-1"))
	require.NoError(t, err)

	require.Len(t, tasks, 2, "a rejected strategy does not stop the others")
	assert.Equal(t, "s-1", tasks[0].StrategyID)
	assert.Equal(t, "s-3", tasks[1].StrategyID)
	require.Len(t, sub.requests, 3)
	assert.Equal(t, "snap-1", sub.requests[2].Snapshot.ID)
}

func TestHandleSnapshot_InvalidSnapshot(t *testing.T) {
	sub := &recordingSubmitter{}
	eng := newTestEngine(Config{}, &listStore{strategies: []types.Strategy{{ID: "s-1"}}}, sub, eventbus.NewChannel(1))

	_, err := eng.HandleSnapshot(context.Background(), types.ContextSnapshot{ID: "bad"})
	assert.Error(t, err)
	assert.Zero(t, sub.count())
}

func TestHandleSnapshot_StoreFailure(t *testing.T) {
	eng := newTestEngine(Config{}, &listStore{err: errors.New("db down")}, &recordingSubmitter{}, eventbus.NewChannel(1))

	_, err := eng.HandleSnapshot(context.Background(), snapshot("snap-1"))
	assert.ErrorContains(t, err, "db down")
}

func TestHandleSnapshot_DryRun(t *testing.T) {
	sub := &recordingSubmitter{}
	eng := newTestEngine(Config{DryRun: true}, &listStore{strategies: []types.Strategy{{ID: "s-1"}}}, sub, eventbus.NewChannel(1))

	tasks, err := eng.HandleSnapshot(context.Background(), snapshot("snap-1"))
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.Zero(t, sub.count())
}

func TestStart_SubmitsFeedAndPublishesRiskWarnings(t *testing.T) {
	store := &listStore{strategies: []types.Strategy{{ID: "s-1"}}}
	sub := &recordingSubmitter{}
	events := eventbus.NewChannel(16)
	book := risk.NewBook(0)
	book.Apply(types.ExposureUpdate{RealizedPnL: -900, At: time.Now()})

	eng := NewEngine(
		Config{SweepInterval: 10 * time.Millisecond},
		&sliceSource{snaps: []types.ContextSnapshot{snapshot("snap-1"), snapshot("snap-2")}},
		store,
		sub,
		risk.NewGate(risk.Limits{MaxDailyLoss: 1000}, nil),
		book,
		events,
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Start(ctx) }()

	require.Eventually(t, func() bool { return sub.count() == 2 && events.Len() > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	events.Close()
	var warnings []types.Event
	events.Run(context.Background(), eventbus.PublisherFunc(func(_ context.Context, ev types.Event) error {
		warnings = append(warnings, ev)
		return nil
	}))
	require.NotEmpty(t, warnings)
	assert.Equal(t, types.EventRiskWarning, warnings[0].Type)
	assert.Equal(t, "daily_loss", warnings[0].Data["metric"])
	assert.Equal(t, "warning", warnings[0].Data["severity"])
}
