package backtest

import (
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/types"
	"github.com/shopspring/decimal"
)

// bid is the intent extracted from one tick's action results.
type bid struct {
	price    decimal.Decimal
	quantity decimal.Decimal
}

// extractBid takes the last bid_price and the last bid_quantity. A false
// market_participation result withdraws the bid.
func extractBid(results []types.ActionResult) (bid, bool) {
	var price, qty float64
	var hasPrice, hasQty bool
	participate := true

	for _, r := range results {
		if r.Error != "" {
			continue
		}
		switch r.Type {
		case types.ActionBidPrice:
			if v, ok := r.Float(); ok {
				price, hasPrice = v, true
			}
		case types.ActionBidQuantity:
			if v, ok := r.Float(); ok {
				qty, hasQty = v, true
			}
		case types.ActionMarketParticipation:
			if v, ok := r.Value.(bool); ok {
				participate = v
			}
		}
	}

	if !participate || !hasPrice || !hasQty || price <= 0 || qty <= 0 {
		return bid{}, false
	}
	return bid{price: decimal.NewFromFloat(price), quantity: decimal.NewFromFloat(qty)}, true
}

// clearer decides whether a bid clears against the tick's market.
type clearer struct {
	tolerance decimal.Decimal
	unitCost  decimal.Decimal
}

func newClearer(tolerance, unitCost float64) clearer {
	return clearer{
		tolerance: decimal.NewFromFloat(tolerance),
		unitCost:  decimal.NewFromFloat(unitCost),
	}
}

// clear checks price, then market volume, then capacity and settles or
// rejects the trade accordingly.
func (c clearer) clear(t *types.Trade) {
	deviation := t.BidPrice.Sub(t.MarketPrice).Abs().Div(t.MarketPrice)
	switch {
	case deviation.GreaterThan(c.tolerance):
		t.Reject(types.OutcomePriceNotCompetitive)
	case t.BidQuantity.GreaterThan(t.MarketVolume):
		t.Reject(types.OutcomeInsufficientMarketVolume)
	case t.BidQuantity.GreaterThan(t.AvailableCapacity):
		t.Reject(types.OutcomeInsufficientCapacity)
	default:
		t.Settle(t.MarketPrice, t.BidQuantity, c.unitCost)
	}
}
