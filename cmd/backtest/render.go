package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/backtest"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/types"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#3B82F6")).
			Padding(0, 1).
			Width(72)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280")).
			Width(22)

	profitStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#10B981")).
			Bold(true)

	lossStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F59E0B"))

	headerStyle = lipgloss.NewStyle().Bold(true)
)

func renderProgress(p backtest.Progress) string {
	const width = 30
	filled := int(p.Percent / 100 * width)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return fmt.Sprintf("%s %5.1f%% (%d/%d)", bar, p.Percent, p.Done, p.Total)
}

func money(v float64) string {
	s := fmt.Sprintf("%.2f", v)
	if v < 0 {
		return lossStyle.Render(s)
	}
	return profitStyle.Render(s)
}

func row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
}

func section(title string, lines ...string) string {
	body := append([]string{headerStyle.Render(title)}, lines...)
	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left, body...))
}

func renderReport(id string, strategy *types.Strategy, r *types.BacktestReport, showTrades bool) string {
	s := r.Summary
	name := strategy.Name
	if name == "" {
		name = strategy.ID
	}

	parts := []string{
		titleStyle.Render(fmt.Sprintf("Backtest %s: %s", id, name)),
		section("Replay",
			row("Window", fmt.Sprintf("%s → %s", r.From.Format("2006-01-02 15:04"), r.To.Format("2006-01-02 15:04"))),
			row("Ticks", fmt.Sprintf("%d total, %d processed, %d skipped, %d failed", r.TotalTicks, r.ProcessedTicks, r.SkippedTicks, r.FailedTicks)),
		),
		section("Performance",
			row("Trades", fmt.Sprintf("%d (%d cleared, %.1f%%)", s.TotalTrades, s.ClearedTrades, s.SuccessRate*100)),
			row("Revenue", money(s.TotalRevenue)),
			row("Cost", fmt.Sprintf("%.2f", s.TotalCost)),
			row("Profit", money(s.TotalProfit)),
			row("Profit margin", fmt.Sprintf("%.1f%%", s.ProfitMargin*100)),
			row("Max profit / loss", fmt.Sprintf("%s / %s", money(s.MaxProfit), money(-s.MaxLoss))),
			row("Sharpe ratio", fmt.Sprintf("%.2f", s.SharpeRatio)),
			row("Max drawdown", fmt.Sprintf("%.2f", s.MaxDrawdown)),
		),
		section("Outcomes", outcomeLines(r.Outcomes)...),
	}

	if len(r.Hourly) > 0 {
		parts = append(parts, section("By hour", bucketLines(r.Hourly)...))
	}
	if len(r.PriceBands) > 0 {
		parts = append(parts, section("By price band", bucketLines(r.PriceBands)...))
	}

	if len(r.RiskEvents) > 0 {
		var lines []string
		for _, ev := range r.RiskEvents {
			lines = append(lines, warnStyle.Render(fmt.Sprintf("%s [%s] %s", ev.At.Format("01-02 15:04"), ev.Severity, ev.Message)))
		}
		parts = append(parts, section("Risk events", lines...))
	}

	if len(r.Recommendations) > 0 {
		var lines []string
		for _, rec := range r.Recommendations {
			lines = append(lines, "• "+rec)
		}
		parts = append(parts, section("Recommendations", lines...))
	}

	if showTrades {
		parts = append(parts, section("Trades", tradeLines(r.Trades)...))
	}

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func outcomeLines(outcomes map[string]int) []string {
	keys := make([]string, 0, len(outcomes))
	for k := range outcomes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, row(k, fmt.Sprintf("%d", outcomes[k])))
	}
	return lines
}

func bucketLines(buckets []types.BucketPerformance) []string {
	lines := make([]string, 0, len(buckets))
	for _, b := range buckets {
		lines = append(lines, row(b.Label, fmt.Sprintf("%3d trades  %5.1f%% cleared  profit %s", b.Trades, b.SuccessRate*100, money(b.Profit))))
	}
	return lines
}

func tradeLines(trades []types.Trade) []string {
	lines := make([]string, 0, len(trades))
	for _, t := range trades {
		flags := ""
		if len(t.RiskFlags) > 0 {
			flags = warnStyle.Render(" ⚠ " + strings.Join(t.RiskFlags, ","))
		}
		lines = append(lines, fmt.Sprintf("%s  bid %s x %s  market %s  %-26s %s%s",
			t.Timestamp.Format("01-02 15:04"),
			t.BidPrice.StringFixed(2),
			t.BidQuantity.StringFixed(1),
			t.MarketPrice.StringFixed(2),
			t.Reason,
			money(t.Profit.InexactFloat64()),
			flags,
		))
	}
	return lines
}
