package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/executor"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/risk"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/types"
	"github.com/rs/zerolog/log"
)

// SnapshotSource delivers live snapshots until ctx is done.
type SnapshotSource interface {
	SubscribeSnapshots(ctx context.Context, streams []string, handler func(types.ContextSnapshot) error) error
}

type StrategyLister interface {
	ListActive(ctx context.Context) ([]types.Strategy, error)
}

// Submitter is the part of the executor the engine drives.
type Submitter interface {
	Submit(ctx context.Context, req executor.SubmitRequest) (*types.ExecutionTask, error)
}

// EventPublisher takes outbound events without blocking.
type EventPublisher interface {
	TryPublish(event types.Event) error
}

type Config struct {
	Streams       []string
	SweepInterval time.Duration
	DryRun        bool
}

// Engine is the live intake loop: every snapshot read from the feed becomes
// one execution task per active strategy. It also runs the periodic risk sweep.
type Engine struct {
	cfg      Config
	source   SnapshotSource
	store    StrategyLister
	executor Submitter
	gate     *risk.Gate
	book     *risk.Book
	events   EventPublisher
}

func NewEngine(
	cfg Config,
	source SnapshotSource,
	store StrategyLister,
	exec Submitter,
	gate *risk.Gate,
	book *risk.Book,
	events EventPublisher,
) *Engine {
	return &Engine{
		cfg:      cfg,
		source:   source,
		store:    store,
		executor: exec,
		gate:     gate,
		book:     book,
		events:   events,
	}
}

// Start blocks until ctx is done or the feed fails.
func (e *Engine) Start(ctx context.Context) error {
	log.Info().
		Strs("streams", e.cfg.Streams).
		Bool("dry_run", e.cfg.DryRun).
		Msg("Starting strategy engine...")

	go e.gate.RunSweep(ctx, e.cfg.SweepInterval, e.book.Exposure, e.publishRisk)

	err := e.source.SubscribeSnapshots(ctx, e.cfg.Streams, func(snap types.ContextSnapshot) error {
		_, err := e.HandleSnapshot(ctx, snap)
		return err
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// HandleSnapshot submits the snapshot to every active strategy and returns the
// tasks that were admitted. Rejections are logged and do not stop the fan-out.
func (e *Engine) HandleSnapshot(ctx context.Context, snap types.ContextSnapshot) ([]*types.ExecutionTask, error) {
	if err := snap.Validate(); err != nil {
		return nil, err
	}

	strategies, err := e.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load strategies: %w", err)
	}

	log.Debug().
		Str("snapshot", snap.ID).
		Int("strategies", len(strategies)).
		Msg("Received snapshot")

	if e.cfg.DryRun {
		return nil, nil
	}

	var tasks []*types.ExecutionTask
	for _, strategy := range strategies {
		task, err := e.executor.Submit(ctx, executor.SubmitRequest{
			StrategyID: strategy.ID,
			Snapshot:   snap,
		})

		var rejection *types.RiskRejection
		switch {
		case errors.As(err, &rejection):
			log.Warn().
				Str("strategy", strategy.ID).
				Str("code", rejection.Code).
				Msg("Task rejected by risk gate")
			continue
		case err != nil:
			log.Error().
				Err(err).
				Str("strategy", strategy.ID).
				Msg("Failed to submit task")
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (e *Engine) publishRisk(ev types.RiskEvent) {
	err := e.events.TryPublish(types.Event{
		ID:        uuid.New().String(),
		Type:      types.EventRiskWarning,
		Source:    "risk",
		Timestamp: ev.At,
		Data: map[string]interface{}{
			"metric":    ev.Metric,
			"value":     ev.Value,
			"threshold": ev.Threshold,
			"limit":     ev.Limit,
			"severity":  ev.Severity,
			"message":   ev.Message,
		},
	})
	if err != nil {
		log.Error().Err(err).Str("metric", ev.Metric).Msg("Failed to publish risk warning")
	}
}
