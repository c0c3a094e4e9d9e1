package strategies

import "github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/types"

// peakShaving discharges into high prices while the fleet has charge left.
var peakShaving = Template{
	Name:        "peak_shaving",
	Description: "Bid stored capacity when the price is above a threshold and state of charge allows",
	Build: func(s *types.Strategy, p Params) {
		s.Type = types.StrategyRuleBased
		s.Priority = int(p.get("priority", 5))
		s.Rules = []types.Rule{
			{
				ID:      "peak-bid",
				Name:    "Bid into peak prices",
				Enabled: true,
				Conditions: []types.Condition{
					{Field: "market.price", Operator: types.OpGreaterThan, Value: p.get("min_price", 80)},
					{Field: "resources.state_of_charge", Operator: types.OpGreaterEqual, Value: p.get("min_soc", 0.2)},
				},
				Actions: []types.Action{
					{Type: types.ActionMarketParticipation, Params: map[string]interface{}{"min_price": p.get("min_price", 80)}},
					{Type: types.ActionBidPrice, Params: map[string]interface{}{"multiplier": p.get("price_multiplier", 0.98)}},
					{Type: types.ActionBidQuantity, Params: map[string]interface{}{
						"ratio":        p.get("capacity_ratio", 0.8),
						"max_quantity": p.get("max_quantity", 500),
					}},
				},
			},
			{
				ID:      "peak-alert",
				Name:    "Price spike alert",
				Enabled: true,
				Conditions: []types.Condition{
					{Field: "market.price", Operator: types.OpGreaterThan, Value: p.get("alert_price", 150)},
				},
				Actions: []types.Action{
					{Type: types.ActionAlert, Params: map[string]interface{}{"message": "price spike", "severity": "critical"}},
				},
				RateLimit: types.RateLimit{PerSecond: 1.0 / 60, Burst: 1},
			},
		}
	},
}

// offPeakCharge buys cheap night-time energy to refill storage.
var offPeakCharge = Template{
	Name:        "off_peak_charge",
	Description: "Bid for cheap energy during night hours when storage has headroom",
	Build: func(s *types.Strategy, p Params) {
		s.Type = types.StrategyRuleBased
		s.Priority = int(p.get("priority", 3))
		s.Rules = []types.Rule{
			{
				ID:      "night-charge",
				Name:    "Charge off peak",
				Enabled: true,
				Conditions: []types.Condition{
					{Field: "timestamp.hour", Operator: types.OpBetween, Values: []interface{}{p.get("from_hour", 0), p.get("to_hour", 5)}},
					{Field: "market.price", Operator: types.OpLessThan, Value: p.get("max_price", 40)},
					{Field: "resources.state_of_charge", Operator: types.OpLessThan, Value: p.get("max_soc", 0.9)},
				},
				Actions: []types.Action{
					{Type: types.ActionBidPrice, Params: map[string]interface{}{"multiplier": p.get("price_multiplier", 1.02)}},
					{Type: types.ActionBidQuantity, Params: map[string]interface{}{"ratio": p.get("capacity_ratio", 0.5)}},
					{Type: types.ActionLog, Params: map[string]interface{}{"message": "off-peak charge bid"}},
				},
			},
		}
	},
}

// aiHybrid lets the predictor bid and keeps a rule-based drawdown guard.
var aiHybrid = Template{
	Name:        "ai_hybrid",
	Description: "Predictor-driven bids with a rule-based drawdown alert",
	Build: func(s *types.Strategy, p Params) {
		s.Type = types.StrategyHybrid
		s.Priority = int(p.get("priority", 4))
		s.AI = types.AISettings{MinConfidence: p.get("min_confidence", 0.7)}
		s.Risk = types.RiskParameters{MaxDrawdown: p.get("max_drawdown", 0)}
		s.Rules = []types.Rule{
			{
				ID:      "drawdown-guard",
				Name:    "Drawdown alert",
				Enabled: true,
				Conditions: []types.Condition{
					{Field: "portfolio.drawdown", Operator: types.OpGreaterThan, Value: p.get("alert_drawdown", 1000)},
				},
				Actions: []types.Action{
					{Type: types.ActionAlert, Params: map[string]interface{}{"message": "drawdown above alert level", "severity": "warning"}},
				},
			},
		}
	},
}
