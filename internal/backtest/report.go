package backtest

import (
	"fmt"
	"math"
	"sort"

	"github.com/montanaflynn/stats"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/types"
	"github.com/shopspring/decimal"
)

// Recommendation thresholds
const (
	lowSuccessRate     = 0.5
	rejectionShare     = 0.2
	lowProfitMargin    = 0.1
	lowSharpe          = 1.0
	minTradesForAdvice = 5
)

func summarize(report *types.BacktestReport, bandWidth float64) {
	report.Summary = performance(report.Trades)
	report.Hourly = hourly(report.Trades)
	report.PriceBands = priceBands(report.Trades, bandWidth)
	report.Recommendations = recommend(report)
}

func performance(trades []types.Trade) types.PerformanceSummary {
	sum := types.PerformanceSummary{TotalTrades: len(trades)}

	revenue, cost, profit := decimal.Zero, decimal.Zero, decimal.Zero
	var gains, losses []float64
	var cumulative, peak, drawdown float64

	for _, t := range trades {
		if !t.Cleared {
			continue
		}
		sum.ClearedTrades++
		revenue = revenue.Add(t.Revenue)
		cost = cost.Add(t.Cost)
		profit = profit.Add(t.Profit)

		p := t.Profit.InexactFloat64()
		switch {
		case p > 0:
			gains = append(gains, p)
			sum.MaxProfit = math.Max(sum.MaxProfit, p)
		case p < 0:
			losses = append(losses, -p)
			sum.MaxLoss = math.Max(sum.MaxLoss, -p)
		}

		// trades are already in time order
		cumulative += p
		peak = math.Max(peak, cumulative)
		drawdown = math.Max(drawdown, peak-cumulative)
	}

	if sum.TotalTrades > 0 {
		sum.SuccessRate = round(float64(sum.ClearedTrades)/float64(sum.TotalTrades), 4)
	}
	sum.TotalRevenue = revenue.InexactFloat64()
	sum.TotalCost = cost.InexactFloat64()
	sum.TotalProfit = profit.InexactFloat64()
	sum.MaxDrawdown = round(drawdown, 6)

	if sum.ClearedTrades > 0 {
		n := decimal.NewFromInt(int64(sum.ClearedTrades))
		sum.AverageRevenue = revenue.Div(n).InexactFloat64()
		sum.AverageCost = cost.Div(n).InexactFloat64()
	}
	if !revenue.IsZero() {
		sum.ProfitMargin = round(profit.Div(revenue).InexactFloat64(), 4)
	}

	sum.AverageProfit = mean(gains)
	sum.AverageLoss = mean(losses)
	sum.SharpeRatio = sharpe(gains)
	return sum
}

// sharpe is mean over population standard deviation of the profitable
// trades' profits. There is no risk-free term.
func sharpe(gains []float64) float64 {
	if len(gains) < 2 {
		return 0
	}
	m, err := stats.Mean(gains)
	if err != nil {
		return 0
	}
	sd, err := stats.StandardDeviationPopulation(gains)
	if err != nil || sd == 0 {
		return 0
	}
	return round(m/sd, 4)
}

func mean(values []float64) float64 {
	m, err := stats.Mean(values)
	if err != nil {
		return 0
	}
	return round(m, 6)
}

type bucket struct {
	label   string
	trades  int
	cleared int
	revenue decimal.Decimal
	profit  decimal.Decimal
}

func (b *bucket) add(t types.Trade) {
	b.trades++
	if t.Cleared {
		b.cleared++
		b.revenue = b.revenue.Add(t.Revenue)
		b.profit = b.profit.Add(t.Profit)
	}
}

func collect(buckets map[float64]*bucket) []types.BucketPerformance {
	keys := make([]float64, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Float64s(keys)

	out := make([]types.BucketPerformance, 0, len(keys))
	for _, k := range keys {
		b := buckets[k]
		out = append(out, types.BucketPerformance{
			Label:       b.label,
			Trades:      b.trades,
			Cleared:     b.cleared,
			SuccessRate: round(float64(b.cleared)/float64(b.trades), 4),
			Revenue:     b.revenue.InexactFloat64(),
			Profit:      b.profit.InexactFloat64(),
		})
	}
	return out
}

func hourly(trades []types.Trade) []types.BucketPerformance {
	buckets := make(map[float64]*bucket)
	for _, t := range trades {
		h := t.Timestamp.UTC().Hour()
		b, ok := buckets[float64(h)]
		if !ok {
			b = &bucket{label: fmt.Sprintf("%02d:00", h)}
			buckets[float64(h)] = b
		}
		b.add(t)
	}
	return collect(buckets)
}

func priceBands(trades []types.Trade, width float64) []types.BucketPerformance {
	buckets := make(map[float64]*bucket)
	for _, t := range trades {
		lo := math.Floor(t.MarketPrice.InexactFloat64()/width) * width
		b, ok := buckets[lo]
		if !ok {
			b = &bucket{label: fmt.Sprintf("%g-%g", lo, lo+width)}
			buckets[lo] = b
		}
		b.add(t)
	}
	return collect(buckets)
}

func recommend(report *types.BacktestReport) []string {
	sum := report.Summary
	total := sum.TotalTrades
	recs := []string{}

	if total == 0 || report.Outcomes[types.OutcomeNoBidSubmitted] == total {
		return append(recs, "No bids were submitted; review rule conditions against the replayed market data")
	}

	share := func(reason string) float64 {
		return float64(report.Outcomes[reason]) / float64(total)
	}

	if sum.SuccessRate < lowSuccessRate && share(types.OutcomePriceNotCompetitive) >= rejectionShare {
		recs = append(recs, fmt.Sprintf(
			"%.0f%% of bids were priced outside the clearing tolerance; move the bid price multiplier or adjustment closer to market",
			100*share(types.OutcomePriceNotCompetitive)))
	}
	if share(types.OutcomeInsufficientCapacity) >= rejectionShare {
		recs = append(recs, "Bid quantities often exceed available capacity; lower the bid_quantity ratio")
	}
	if share(types.OutcomeInsufficientMarketVolume) >= rejectionShare {
		recs = append(recs, "Bid quantities often exceed market volume; set max_quantity on bid_quantity actions")
	}
	if sum.ClearedTrades > 0 && sum.ProfitMargin < lowProfitMargin {
		recs = append(recs, fmt.Sprintf("Profit margin is %.1f%%; review unit cost against cleared prices", 100*sum.ProfitMargin))
	}
	if sum.ClearedTrades >= minTradesForAdvice && sum.SharpeRatio > 0 && sum.SharpeRatio < lowSharpe {
		recs = append(recs, "Profits on winning trades are volatile; consider tightening rule conditions")
	}
	if sum.MaxDrawdown > 0 && sum.MaxDrawdown > math.Abs(sum.TotalProfit) {
		recs = append(recs, "Max drawdown exceeds total profit; consider a stricter max_drawdown limit")
	}

	if best, ok := bestBucket(report.Hourly); ok && len(report.Hourly) > 1 {
		recs = append(recs, fmt.Sprintf("Most profitable hour is %s; consider concentrating participation there", best.Label))
	}
	return recs
}

func bestBucket(buckets []types.BucketPerformance) (types.BucketPerformance, bool) {
	var best types.BucketPerformance
	found := false
	for _, b := range buckets {
		if b.Cleared == 0 || b.Profit <= 0 {
			continue
		}
		if !found || b.Profit > best.Profit {
			best, found = b, true
		}
	}
	return best, found
}
