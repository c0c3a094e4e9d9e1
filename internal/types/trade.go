package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Clearing outcome reasons
const (
	OutcomeCleared                  = "cleared"
	OutcomePriceNotCompetitive      = "price_not_competitive"
	OutcomeInsufficientMarketVolume = "insufficient_market_volume"
	OutcomeInsufficientCapacity     = "insufficient_capacity"
	OutcomeNoBidSubmitted           = "no_bid_submitted"
)

// Trade is one row of the backtest ledger
type Trade struct {
	ID                string          `json:"id"`
	SnapshotID        string          `json:"snapshot_id"`
	Timestamp         time.Time       `json:"timestamp"`
	BidPrice          decimal.Decimal `json:"bid_price"`
	BidQuantity       decimal.Decimal `json:"bid_quantity"`
	MarketPrice       decimal.Decimal `json:"market_price"`
	MarketVolume      decimal.Decimal `json:"market_volume"`
	AvailableCapacity decimal.Decimal `json:"available_capacity"`
	Cleared           bool            `json:"cleared"`
	ClearedPrice      decimal.Decimal `json:"cleared_price"`
	ClearedQuantity   decimal.Decimal `json:"cleared_quantity"`
	Revenue           decimal.Decimal `json:"revenue"`
	Cost              decimal.Decimal `json:"cost"`
	Profit            decimal.Decimal `json:"profit"`
	Reason            string          `json:"reason"`
	RiskFlags         []string        `json:"risk_flags,omitempty"`
}

// Settle fills the money fields of a cleared trade. Profit is always Revenue - Cost.
func (t *Trade) Settle(price, qty, unitCost decimal.Decimal) {
	t.Cleared = true
	t.Reason = OutcomeCleared
	t.ClearedPrice = price
	t.ClearedQuantity = qty
	t.Revenue = price.Mul(qty)
	t.Cost = qty.Mul(unitCost)
	t.Profit = t.Revenue.Sub(t.Cost)
}

// Reject records a non-clearing outcome with zeroed money fields.
func (t *Trade) Reject(reason string) {
	t.Cleared = false
	t.Reason = reason
	t.ClearedPrice = decimal.Zero
	t.ClearedQuantity = decimal.Zero
	t.Revenue = decimal.Zero
	t.Cost = decimal.Zero
	t.Profit = decimal.Zero
}

// BacktestReport aggregates a replay
type BacktestReport struct {
	StrategyID      string              `json:"strategy_id"`
	From            time.Time           `json:"from"`
	To              time.Time           `json:"to"`
	TotalTicks      int                 `json:"total_ticks"`
	ProcessedTicks  int                 `json:"processed_ticks"`
	SkippedTicks    int                 `json:"skipped_ticks"`
	FailedTicks     int                 `json:"failed_ticks"`
	Summary         PerformanceSummary  `json:"summary"`
	Hourly          []BucketPerformance `json:"hourly"`
	PriceBands      []BucketPerformance `json:"price_bands"`
	Outcomes        map[string]int      `json:"outcomes"`
	Recommendations []string            `json:"recommendations"`
	Trades          []Trade             `json:"trades"`
	RiskEvents      []RiskEvent         `json:"risk_events,omitempty"`
}

// PerformanceSummary holds the aggregate ledger metrics
type PerformanceSummary struct {
	TotalTrades    int     `json:"total_trades"`
	ClearedTrades  int     `json:"cleared_trades"`
	SuccessRate    float64 `json:"success_rate"`
	TotalRevenue   float64 `json:"total_revenue"`
	TotalCost      float64 `json:"total_cost"`
	TotalProfit    float64 `json:"total_profit"`
	AverageRevenue float64 `json:"average_revenue"`
	AverageCost    float64 `json:"average_cost"`
	ProfitMargin   float64 `json:"profit_margin"`
	MaxProfit      float64 `json:"max_profit"`
	MaxLoss        float64 `json:"max_loss"`
	AverageProfit  float64 `json:"average_profit"`
	AverageLoss    float64 `json:"average_loss"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	MaxDrawdown    float64 `json:"max_drawdown"`
}

// BucketPerformance is the performance of one hour-of-day or price band
type BucketPerformance struct {
	Label       string  `json:"label"`
	Trades      int     `json:"trades"`
	Cleared     int     `json:"cleared"`
	SuccessRate float64 `json:"success_rate"`
	Revenue     float64 `json:"revenue"`
	Profit      float64 `json:"profit"`
}
