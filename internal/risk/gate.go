package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/metrics"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/types"
	"github.com/rs/zerolog/log"
)

const DefaultWarningRatio = 0.8

// Limits are hard risk limits. A zero limit disables its check.
type Limits struct {
	MaxDailyLoss    float64 `yaml:"max_daily_loss" json:"max_daily_loss"`
	MaxPositionSize float64 `yaml:"max_position_size" json:"max_position_size"`
	MinCashReserve  float64 `yaml:"min_cash_reserve" json:"min_cash_reserve"`
	MaxDrawdown     float64 `yaml:"max_drawdown" json:"max_drawdown"`
	WarningRatio    float64 `yaml:"warning_ratio" json:"warning_ratio"`
}

// Merge returns the limits with the strategy's non-zero parameters applied.
func (l Limits) Merge(p types.RiskParameters) Limits {
	if p.MaxDailyLoss > 0 {
		l.MaxDailyLoss = p.MaxDailyLoss
	}
	if p.MaxPositionSize > 0 {
		l.MaxPositionSize = p.MaxPositionSize
	}
	if p.MinCashReserve > 0 {
		l.MinCashReserve = p.MinCashReserve
	}
	if p.MaxDrawdown > 0 {
		l.MaxDrawdown = p.MaxDrawdown
	}
	return l
}

// Gate is the admission check in front of the execution queue.
type Gate struct {
	defaults Limits
	metrics  *metrics.Metrics
}

func NewGate(defaults Limits, m *metrics.Metrics) *Gate {
	if defaults.WarningRatio <= 0 || defaults.WarningRatio > 1 {
		defaults.WarningRatio = DefaultWarningRatio
	}
	return &Gate{defaults: defaults, metrics: m}
}

// Limits returns the effective limits for a strategy.
func (g *Gate) Limits(strategy *types.Strategy) Limits {
	if strategy == nil {
		return g.defaults
	}
	return g.defaults.Merge(strategy.Risk)
}

// Check evaluates daily loss, position size and cash reserve in that order and
// returns a *types.RiskRejection for the first limit that is breached.
func (g *Gate) Check(strategy *types.Strategy, exp Exposure) error {
	rej := check(g.Limits(strategy), exp)
	if rej == nil {
		return nil
	}

	g.metrics.ObserveRiskRejection(rej.Code)
	log.Warn().
		Str("strategy", strategy.ID).
		Str("code", rej.Code).
		Float64("value", rej.Value).
		Float64("limit", rej.Limit).
		Msg("Risk gate rejected task")
	return rej
}

// Assess runs the same checks as Check without logging or counting the
// rejection. Backtests use it to annotate trades.
func (g *Gate) Assess(strategy *types.Strategy, exp Exposure) *types.RiskRejection {
	return check(g.Limits(strategy), exp)
}

func check(l Limits, exp Exposure) *types.RiskRejection {
	if l.MaxDailyLoss > 0 && exp.RealizedDailyLoss >= l.MaxDailyLoss {
		return &types.RiskRejection{
			Code:   types.RiskMaxDailyLoss,
			Reason: "exceeds max daily loss",
			Value:  exp.RealizedDailyLoss,
			Limit:  l.MaxDailyLoss,
		}
	}
	if l.MaxPositionSize > 0 && math.Abs(exp.NetPosition) >= l.MaxPositionSize {
		return &types.RiskRejection{
			Code:   types.RiskMaxPositionSize,
			Reason: "exceeds max position size",
			Value:  math.Abs(exp.NetPosition),
			Limit:  l.MaxPositionSize,
		}
	}
	if l.MinCashReserve > 0 && exp.CashReserve < l.MinCashReserve {
		return &types.RiskRejection{
			Code:   types.RiskMinCashReserve,
			Reason: "below min cash reserve",
			Value:  exp.CashReserve,
			Limit:  l.MinCashReserve,
		}
	}
	return nil
}

// Sweep compares the exposure with the warning thresholds of the default
// limits. It only reports; it never blocks anything.
func (g *Gate) Sweep(exp Exposure) []types.RiskEvent {
	return sweep(g.defaults, exp)
}

// SweepFor is Sweep with a strategy's limits applied.
func (g *Gate) SweepFor(strategy *types.Strategy, exp Exposure) []types.RiskEvent {
	return sweep(g.Limits(strategy), exp)
}

func sweep(l Limits, exp Exposure) []types.RiskEvent {
	ratio := l.WarningRatio
	if ratio <= 0 || ratio > 1 {
		ratio = DefaultWarningRatio
	}

	var events []types.RiskEvent
	upper := func(metric string, value, limit float64) {
		if limit <= 0 {
			return
		}
		threshold := limit * ratio
		if value < threshold {
			return
		}
		severity := "warning"
		if value >= limit {
			severity = "critical"
		}
		events = append(events, types.RiskEvent{
			Metric:    metric,
			Value:     value,
			Threshold: threshold,
			Limit:     limit,
			Severity:  severity,
			Message:   fmt.Sprintf("%s at %.0f%% of limit", metric, 100*value/limit),
			At:        exp.At,
		})
	}

	upper("daily_loss", exp.RealizedDailyLoss, l.MaxDailyLoss)
	upper("position", math.Abs(exp.NetPosition), l.MaxPositionSize)

	if l.MinCashReserve > 0 {
		threshold := l.MinCashReserve / ratio
		if exp.CashReserve < threshold {
			severity := "warning"
			if exp.CashReserve < l.MinCashReserve {
				severity = "critical"
			}
			events = append(events, types.RiskEvent{
				Metric:    "cash_reserve",
				Value:     exp.CashReserve,
				Threshold: threshold,
				Limit:     l.MinCashReserve,
				Severity:  severity,
				Message:   fmt.Sprintf("cash reserve %.2f approaching minimum %.2f", exp.CashReserve, l.MinCashReserve),
				At:        exp.At,
			})
		}
	}

	upper("drawdown", exp.Drawdown, l.MaxDrawdown)
	return events
}

// RunSweep evaluates the sweep on every tick until ctx is done.
func (g *Gate) RunSweep(
	ctx context.Context,
	interval time.Duration,
	source func(now time.Time) Exposure,
	emit func(types.RiskEvent),
) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, ev := range g.Sweep(source(now)) {
				log.Warn().
					Str("metric", ev.Metric).
					Str("severity", ev.Severity).
					Float64("value", ev.Value).
					Float64("limit", ev.Limit).
					Msg("Risk warning")
				emit(ev)
			}
		}
	}
}
