package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/api"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/backtest"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/config"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/engine"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/eventbus"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/executor"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/logging"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/metrics"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/predictor"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/risk"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/rules"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/storage"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/telemetry"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	logging.Setup(os.Stdout, cfg.LogLevel, cfg.LogFile)

	log.Info().Msg("Starting Strategy Engine...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// Setup storage
	pg, err := storage.NewPostgres(ctx, cfg.PostgresURL, 30*time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer pg.Close()

	strategies, err := storage.NewCachedStore(ctx, pg, storage.CacheConfig{
		TTL:       cfg.Cache.TTL(),
		MaxSizeMB: cfg.Cache.MaxSizeMB,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create strategy cache")
	}
	defer strategies.Close()

	// Setup event bus
	bus, err := eventbus.NewRedisEventBus(cfg.RedisHost, cfg.RedisPort)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer bus.Close()

	events := eventbus.NewChannel(cfg.Feed.QueueSize)
	hub := telemetry.NewHub()
	defer hub.Close()

	publishers := []eventbus.Publisher{
		bus.Stream(cfg.Feed.EventStream),
		hub,
		telemetry.NewWebhookNotifier(cfg.Webhook.URL, cfg.Webhook.Timeout()),
	}
	if len(cfg.Kafka.Brokers) > 0 {
		kafka := eventbus.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kafka.Close()
		publishers = append(publishers, kafka)
	}

	// Rule engines: the live one is rate limited, the backtest one is not
	pred := predictor.New(cfg.Predictor.ModelPath, cfg.Predictor.URL, cfg.Predictor.Timeout())
	live := rules.NewEngine(
		rules.NewDispatcher(events, m),
		rules.WithPredictor(pred),
		rules.WithRuleGate(executor.NewRuleLimiter()),
		rules.WithMetrics(m),
	)
	replay := rules.NewEngine(
		rules.NewDispatcher(nil, m),
		rules.WithPredictor(pred),
		rules.WithMetrics(m),
	)

	gate := risk.NewGate(risk.Limits{
		MaxDailyLoss:    cfg.Risk.MaxDailyLoss,
		MaxPositionSize: cfg.Risk.MaxPositionSize,
		MinCashReserve:  cfg.Risk.MinCashReserve,
		MaxDrawdown:     cfg.Risk.MaxDrawdown,
		WarningRatio:    cfg.Risk.WarningRatio,
	}, m)
	book := risk.NewBook(cfg.Risk.InitialCash)

	exec := executor.NewExecutor(
		executor.Config{
			MaxConcurrent: cfg.Executor.MaxConcurrent,
			MaxAttempts:   cfg.Executor.MaxAttempts,
			BackoffDelay:  cfg.Executor.BackoffDelay(),
			HistorySize:   cfg.Executor.HistorySize,
		},
		strategies, live, gate, book, pg, events, m,
	)

	eng := engine.NewEngine(
		engine.Config{
			Streams:       cfg.Feed.Streams,
			SweepInterval: cfg.Risk.SweepInterval(),
			DryRun:        cfg.DryRun,
		},
		bus, strategies, exec, gate, book, events,
	)

	sim := backtest.NewSimulator(backtest.Config{
		ClearingTolerance: cfg.Backtest.ClearingTolerance,
		UnitCost:          cfg.Backtest.UnitCost,
		PriceBandWidth:    cfg.Backtest.PriceBandWidth,
		InitialCash:       cfg.Risk.InitialCash,
	}, replay, gate, m)

	srv := api.NewServer(cfg.HTTPAddr, api.Deps{
		Tasks:      exec,
		Strategies: strategies,
		Reports:    pg,
		Backtester: sim,
		Metrics:    m.Handler(),
		Websocket:  hub,
		Progress:   events,
		Events: api.EventSourceFunc(func(ctx context.Context, n int64) ([]types.Event, error) {
			return bus.RecentEvents(ctx, cfg.Feed.EventStream, n)
		}),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return exec.Run(gctx) })
	g.Go(func() error {
		events.Run(gctx, publishers...)
		return nil
	})
	g.Go(func() error { return eng.Start(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	log.Info().Str("addr", cfg.HTTPAddr).Msg("Strategy Engine started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Strategy Engine stopped with error")
		return
	}
	log.Info().Msg("Shutting down...")
}
