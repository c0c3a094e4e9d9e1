package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/backtest"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/config"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/logging"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/metrics"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/predictor"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/risk"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/rules"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/storage"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/strategies"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type options struct {
	strategyFile  string
	strategyID    string
	template      string
	params        map[string]string
	snapshotsFile string
	usePostgres   bool
	asJSON        bool
	showTrades    bool
	tolerance     float64
	unitCost      float64
}

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay historical snapshots through a strategy",
		Long: `Replays a JSON array of context snapshots through the rule engine and
reports clearing outcomes, performance and risk annotations.

Example: backtest --strategy peak.json --snapshots may.json --unit-cost 20`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.strategyFile, "strategy", "", "Strategy definition JSON file")
	flags.StringVar(&opts.strategyID, "strategy-id", "", "Load the strategy from Postgres instead of a file")
	flags.StringVar(&opts.template, "template", "", "Build the strategy from a built-in template")
	flags.StringToStringVar(&opts.params, "param", nil, "Template parameter, e.g. --param min_price=90")
	flags.StringVar(&opts.snapshotsFile, "snapshots", "", "Snapshot series JSON file")
	flags.BoolVar(&opts.usePostgres, "postgres", false, "Use Postgres for strategies and save the report there")
	flags.BoolVar(&opts.asJSON, "json", false, "Print the report as JSON")
	flags.BoolVar(&opts.showTrades, "trades", false, "Include the trade ledger in the styled output")
	flags.Float64Var(&opts.tolerance, "tolerance", 0, "Clearing tolerance override, e.g. 0.1")
	flags.Float64Var(&opts.unitCost, "unit-cost", -1, "Unit cost override")
	cmd.MarkFlagRequired("snapshots")
	cmd.MarkFlagsMutuallyExclusive("strategy", "strategy-id", "template")
	cmd.MarkFlagsOneRequired("strategy", "strategy-id", "template")

	return cmd
}

func run(ctx context.Context, opts *options, stdout, stderr io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Setup(stderr, cfg.LogLevel, cfg.LogFile)

	if opts.tolerance > 0 {
		cfg.Backtest.ClearingTolerance = opts.tolerance
	}
	if opts.unitCost >= 0 {
		cfg.Backtest.UnitCost = opts.unitCost
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	snapshots, err := readSnapshots(opts.snapshotsFile)
	if err != nil {
		return err
	}

	store, reports, closeStore, err := openStores(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer closeStore()

	strategy, err := resolveStrategy(ctx, store, opts)
	if err != nil {
		return err
	}

	m := metrics.New()
	engine := rules.NewEngine(
		rules.NewDispatcher(nil, m),
		rules.WithPredictor(predictor.New(cfg.Predictor.ModelPath, cfg.Predictor.URL, cfg.Predictor.Timeout())),
		rules.WithMetrics(m),
	)
	gate := risk.NewGate(risk.Limits{
		MaxDailyLoss:    cfg.Risk.MaxDailyLoss,
		MaxPositionSize: cfg.Risk.MaxPositionSize,
		MinCashReserve:  cfg.Risk.MinCashReserve,
		MaxDrawdown:     cfg.Risk.MaxDrawdown,
		WarningRatio:    cfg.Risk.WarningRatio,
	}, m)
	sim := backtest.NewSimulator(backtest.Config{
		ClearingTolerance: cfg.Backtest.ClearingTolerance,
		UnitCost:          cfg.Backtest.UnitCost,
		PriceBandWidth:    cfg.Backtest.PriceBandWidth,
		InitialCash:       cfg.Risk.InitialCash,
	}, engine, gate, m)

	var progress backtest.ProgressFunc
	if !opts.asJSON {
		progress = func(p backtest.Progress) {
			fmt.Fprintf(stderr, "\r%s", renderProgress(p))
			if p.Done == p.Total {
				fmt.Fprintln(stderr)
			}
		}
	}

	started := time.Now()
	report, err := sim.Run(ctx, strategy, snapshots, progress)
	if err != nil {
		return err
	}

	reportID := uuid.New().String()
	if err := reports.SaveReport(ctx, reportID, report); err != nil {
		return err
	}
	log.Debug().Str("report", reportID).Dur("elapsed", time.Since(started)).Msg("Report saved")

	if opts.asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			ID     string                `json:"id"`
			Report *types.BacktestReport `json:"report"`
		}{reportID, report})
	}

	fmt.Fprintln(stdout, renderReport(reportID, strategy, report, opts.showTrades))
	return nil
}

func openStores(ctx context.Context, cfg *config.Config, opts *options) (storage.StrategyStore, storage.ReportStore, func(), error) {
	if opts.usePostgres || opts.strategyID != "" {
		pg, err := storage.NewPostgres(ctx, cfg.PostgresURL, 10*time.Second)
		if err != nil {
			return nil, nil, nil, err
		}
		return pg, pg, func() { pg.Close() }, nil
	}

	mem := storage.NewMemory()
	return mem, mem, func() {}, nil
}

// resolveStrategy reads a stored strategy by id. File and template strategies
// are replayed as given and never written to the strategy store.
func resolveStrategy(ctx context.Context, store storage.StrategyStore, opts *options) (*types.Strategy, error) {
	if opts.strategyID != "" {
		return store.Get(ctx, opts.strategyID)
	}

	s, err := loadStrategy(opts)
	if err != nil {
		return nil, err
	}
	s.Status = types.StatusTesting
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func loadStrategy(opts *options) (*types.Strategy, error) {
	if opts.template == "" {
		return readStrategy(opts.strategyFile)
	}

	params := strategies.Params{}
	for k, v := range opts.params {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --param %s=%s: %w", k, v, err)
		}
		params[k] = f
	}
	return strategies.Build(opts.template, "template-"+opts.template, "", params, time.Now().UTC())
}

func readStrategy(path string) (*types.Strategy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read strategy: %w", err)
	}
	var s types.Strategy
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode strategy %s: %w", path, err)
	}
	return &s, nil
}

func readSnapshots(path string) ([]types.ContextSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshots: %w", err)
	}
	var snaps []types.ContextSnapshot
	if err := json.Unmarshal(data, &snaps); err != nil {
		return nil, fmt.Errorf("failed to decode snapshots %s: %w", path, err)
	}
	if len(snaps) == 0 {
		return nil, fmt.Errorf("no snapshots in %s", path)
	}
	return snaps, nil
}
