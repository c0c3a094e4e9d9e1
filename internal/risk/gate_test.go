package risk

import (
	"context"
	"testing"
	"time"

	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func TestGate_RejectsDailyLoss(t *testing.T) {
	g := NewGate(Limits{MaxDailyLoss: 1000}, nil)

	err := g.Check(&types.Strategy{ID: "s"}, Exposure{RealizedDailyLoss: 1200})

	var rej *types.RiskRejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, types.RiskMaxDailyLoss, rej.Code)
	assert.Equal(t, "exceeds max daily loss", rej.Reason)
}

func TestGate_CheckOrder(t *testing.T) {
	g := NewGate(Limits{MaxDailyLoss: 100, MaxPositionSize: 50, MinCashReserve: 10}, nil)
	s := &types.Strategy{ID: "s"}

	tests := []struct {
		name string
		exp  Exposure
		code string
	}{
		{"all within limits", Exposure{RealizedDailyLoss: 10, NetPosition: 5, CashReserve: 100}, ""},
		{"everything breached reports daily loss", Exposure{RealizedDailyLoss: 100, NetPosition: 60, CashReserve: 0}, types.RiskMaxDailyLoss},
		{"position then cash", Exposure{NetPosition: -50, CashReserve: 0}, types.RiskMaxPositionSize},
		{"cash only", Exposure{CashReserve: 9.99}, types.RiskMinCashReserve},
		{"cash exactly at reserve passes", Exposure{CashReserve: 10}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.Check(s, tt.exp)
			if tt.code == "" {
				assert.NoError(t, err)
				return
			}
			var rej *types.RiskRejection
			require.ErrorAs(t, err, &rej)
			assert.Equal(t, tt.code, rej.Code)
		})
	}
}

func TestGate_StrategyOverridesDefaults(t *testing.T) {
	g := NewGate(Limits{MaxDailyLoss: 1000}, nil)
	strict := &types.Strategy{ID: "strict", Risk: types.RiskParameters{MaxDailyLoss: 100}}

	assert.NoError(t, g.Check(&types.Strategy{ID: "loose"}, Exposure{RealizedDailyLoss: 500}))
	assert.Error(t, g.Check(strict, Exposure{RealizedDailyLoss: 500}))
}

func TestGate_ZeroLimitsDisableChecks(t *testing.T) {
	g := NewGate(Limits{}, nil)
	assert.NoError(t, g.Check(&types.Strategy{ID: "s"}, Exposure{RealizedDailyLoss: 1e9, NetPosition: 1e9, CashReserve: -1}))
}

func TestGate_SweepReportsWarnings(t *testing.T) {
	g := NewGate(Limits{MaxDailyLoss: 1000, MaxPositionSize: 100, MinCashReserve: 800, MaxDrawdown: 500}, nil)

	events := g.Sweep(Exposure{
		RealizedDailyLoss: 850,
		NetPosition:       -120,
		CashReserve:       900,
		Drawdown:          100,
		At:                now,
	})

	require.Len(t, events, 3)
	assert.Equal(t, "daily_loss", events[0].Metric)
	assert.Equal(t, "warning", events[0].Severity)
	assert.Equal(t, 800.0, events[0].Threshold)
	assert.Equal(t, "position", events[1].Metric)
	assert.Equal(t, "critical", events[1].Severity)
	assert.Equal(t, "cash_reserve", events[2].Metric)
	assert.Equal(t, "warning", events[2].Severity)
}

func TestGate_SweepQuietWhenHealthy(t *testing.T) {
	g := NewGate(Limits{MaxDailyLoss: 1000, MaxDrawdown: 500}, nil)
	assert.Empty(t, g.Sweep(Exposure{RealizedDailyLoss: 100, Drawdown: 10}))
}

func TestGate_RunSweepEmits(t *testing.T) {
	g := NewGate(Limits{MaxDrawdown: 100}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan types.RiskEvent, 4)
	go g.RunSweep(ctx, 5*time.Millisecond, func(now time.Time) Exposure {
		return Exposure{Drawdown: 90, At: now}
	}, func(ev types.RiskEvent) {
		select {
		case got <- ev:
		default:
		}
	})

	select {
	case ev := <-got:
		assert.Equal(t, "drawdown", ev.Metric)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for sweep")
	}
}

func TestBook_RollingDailyLoss(t *testing.T) {
	b := NewBook(10_000)

	b.Apply(types.ExposureUpdate{At: now.Add(-30 * time.Hour), RealizedPnL: -900})
	b.Apply(types.ExposureUpdate{At: now.Add(-2 * time.Hour), RealizedPnL: -300})
	b.Apply(types.ExposureUpdate{At: now.Add(-1 * time.Hour), RealizedPnL: 100, PositionDelta: 25})

	exp := b.Exposure(now)
	assert.InDelta(t, 200, exp.RealizedDailyLoss, 1e-9)
	assert.Equal(t, 25.0, exp.NetPosition)
	assert.InDelta(t, 10_000-1100, exp.CashReserve, 1e-9)
	assert.InDelta(t, 1100, exp.Drawdown, 1e-9)
}

func TestBook_DrawdownFromPeak(t *testing.T) {
	b := NewBook(0)
	for _, pnl := range []float64{100, 50, -120, 30, -80} {
		b.Apply(types.ExposureUpdate{At: now, RealizedPnL: pnl})
	}
	// cumulative 100, 150, 30, 60, -20 with peak 150
	assert.InDelta(t, 170, b.Exposure(now).Drawdown, 1e-9)
}
