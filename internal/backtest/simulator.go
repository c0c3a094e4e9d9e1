package backtest

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strconv"

	"github.com/google/uuid"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/metrics"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/risk"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/rules"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	DefaultClearingTolerance = 0.10
	DefaultPriceBandWidth    = 10.0
)

// tradeNamespace seeds the name-based trade ids so that replaying the same
// input yields the same ledger.
var tradeNamespace = uuid.MustParse("6f1c3a52-9e0d-4d6b-a6a4-1f0e2b7c9d31")

type Config struct {
	ClearingTolerance float64 `yaml:"clearing_tolerance" json:"clearing_tolerance"`
	UnitCost          float64 `yaml:"unit_cost_constant" json:"unit_cost_constant"`
	PriceBandWidth    float64 `yaml:"price_band_width" json:"price_band_width"`
	InitialCash       float64 `yaml:"initial_cash" json:"initial_cash"`
}

// Runner evaluates a strategy against a snapshot
type Runner interface {
	Execute(ctx context.Context, strategy *types.Strategy, snap *types.ContextSnapshot) (rules.Result, error)
}

// Progress is reported as the replay advances.
type Progress struct {
	StrategyID string  `json:"strategy_id"`
	Done       int     `json:"done"`
	Total      int     `json:"total"`
	Percent    float64 `json:"percent"`
}

type ProgressFunc func(Progress)

// Simulator replays snapshot series through the rule engine. It never queues
// work and never blocks on the risk gate; risk checks only annotate trades.
type Simulator struct {
	cfg     Config
	runner  Runner
	gate    *risk.Gate
	metrics *metrics.Metrics
}

func NewSimulator(cfg Config, runner Runner, gate *risk.Gate, m *metrics.Metrics) *Simulator {
	if cfg.ClearingTolerance <= 0 {
		cfg.ClearingTolerance = DefaultClearingTolerance
	}
	if cfg.PriceBandWidth <= 0 {
		cfg.PriceBandWidth = DefaultPriceBandWidth
	}
	return &Simulator{cfg: cfg, runner: runner, gate: gate, metrics: m}
}

// Run replays the snapshots in timestamp order. Bad ticks are skipped and
// counted; only cancellation of ctx aborts the run.
func (s *Simulator) Run(
	ctx context.Context,
	strategy *types.Strategy,
	snapshots []types.ContextSnapshot,
	progress ProgressFunc,
) (*types.BacktestReport, error) {
	if err := strategy.Validate(); err != nil {
		return nil, err
	}

	ordered := slices.Clone(snapshots)
	slices.SortStableFunc(ordered, func(a, b types.ContextSnapshot) int {
		return a.Timestamp.Compare(b.Timestamp)
	})

	report := &types.BacktestReport{
		StrategyID: strategy.ID,
		TotalTicks: len(ordered),
		Outcomes:   make(map[string]int),
		Trades:     make([]types.Trade, 0, len(ordered)),
	}

	clr := newClearer(s.cfg.ClearingTolerance, s.cfg.UnitCost)
	book := risk.NewBook(s.cfg.InitialCash)
	lastSeverity := make(map[string]string)
	lastPercent := -1

	log.Info().
		Str("strategy", strategy.ID).
		Int("ticks", len(ordered)).
		Float64("clearing_tolerance", s.cfg.ClearingTolerance).
		Msg("Starting backtest")

	for i := range ordered {
		if err := ctx.Err(); err != nil {
			log.Warn().Str("strategy", strategy.ID).Int("tick", i).Msg("Backtest cancelled")
			return nil, fmt.Errorf("backtest cancelled at tick %d: %w", i, err)
		}

		snap := &ordered[i]
		s.replayTick(ctx, strategy, snap, i, clr, book, lastSeverity, report)

		if progress != nil {
			percent := (i + 1) * 100 / len(ordered)
			if percent != lastPercent {
				lastPercent = percent
				progress(Progress{
					StrategyID: strategy.ID,
					Done:       i + 1,
					Total:      len(ordered),
					Percent:    float64(i+1) * 100 / float64(len(ordered)),
				})
			}
		}
	}

	summarize(report, s.cfg.PriceBandWidth)

	log.Info().
		Str("strategy", strategy.ID).
		Int("processed", report.ProcessedTicks).
		Int("skipped", report.SkippedTicks).
		Int("failed", report.FailedTicks).
		Int("cleared", report.Summary.ClearedTrades).
		Float64("profit", report.Summary.TotalProfit).
		Msg("Backtest finished")

	return report, nil
}

func (s *Simulator) replayTick(
	ctx context.Context,
	strategy *types.Strategy,
	snap *types.ContextSnapshot,
	index int,
	clr clearer,
	book *risk.Book,
	lastSeverity map[string]string,
	report *types.BacktestReport,
) {
	if err := snap.Validate(); err != nil {
		dataErr := &types.SimulationDataError{SnapshotID: snap.ID, Index: index, Reason: err.Error()}
		log.Warn().Err(dataErr).Str("strategy", strategy.ID).Msg("Skipping backtest tick")
		report.SkippedTicks++
		s.metrics.ObserveBacktestTick("skipped")
		return
	}

	res, err := s.runner.Execute(ctx, strategy, snap)
	if err != nil {
		log.Warn().Err(err).Str("strategy", strategy.ID).Str("snapshot", snap.ID).Msg("Backtest tick failed")
		report.FailedTicks++
		s.metrics.ObserveBacktestTick("failed")
		return
	}

	report.ProcessedTicks++
	if report.From.IsZero() {
		report.From = snap.Timestamp
	}
	report.To = snap.Timestamp

	trade := types.Trade{
		ID:                tradeID(strategy.ID, snap.ID, index),
		SnapshotID:        snap.ID,
		Timestamp:         snap.Timestamp,
		MarketPrice:       decimal.NewFromFloat(snap.Market.Price),
		MarketVolume:      decimal.NewFromFloat(snap.Market.Volume),
		AvailableCapacity: decimal.NewFromFloat(snap.Resources.AvailableCapacity),
	}

	if s.gate != nil {
		exp := book.Exposure(snap.Timestamp)
		if rej := s.gate.Assess(strategy, exp); rej != nil {
			trade.RiskFlags = append(trade.RiskFlags, rej.Code)
		}
		report.RiskEvents = append(report.RiskEvents, severityChanges(s.gate.SweepFor(strategy, exp), lastSeverity)...)
	}

	if b, ok := extractBid(res.Actions); ok {
		trade.BidPrice = b.price
		trade.BidQuantity = b.quantity
		clr.clear(&trade)
	} else {
		trade.Reject(types.OutcomeNoBidSubmitted)
	}

	if trade.Cleared {
		book.Apply(types.ExposureUpdate{At: trade.Timestamp, RealizedPnL: trade.Profit.InexactFloat64()})
	}

	report.Outcomes[trade.Reason]++
	report.Trades = append(report.Trades, trade)
	s.metrics.ObserveBacktestTick(trade.Reason)
}

// severityChanges keeps only sweep events whose severity differs from the
// previous tick, so a long breach is reported once.
func severityChanges(events []types.RiskEvent, last map[string]string) []types.RiskEvent {
	seen := make(map[string]bool, len(events))
	var out []types.RiskEvent
	for _, ev := range events {
		seen[ev.Metric] = true
		if last[ev.Metric] != ev.Severity {
			out = append(out, ev)
		}
		last[ev.Metric] = ev.Severity
	}
	for metric := range last {
		if !seen[metric] {
			delete(last, metric)
		}
	}
	return out
}

func tradeID(strategyID, snapshotID string, index int) string {
	name := strategyID + "/" + snapshotID + "/" + strconv.Itoa(index)
	return uuid.NewSHA1(tradeNamespace, []byte(name)).String()
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
