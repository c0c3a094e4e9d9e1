package types

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ContextSnapshot is an immutable view of market and resource state at one instant
type ContextSnapshot struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	Market     MarketState            `json:"market"`
	Resources  ResourceState          `json:"resources"`
	Portfolio  PortfolioState         `json:"portfolio"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// MarketState is the market side of a snapshot
type MarketState struct {
	Price         float64 `json:"price"`
	Volume        float64 `json:"volume"`
	ForecastPrice float64 `json:"forecast_price"`
	Region        string  `json:"region"`
}

// ResourceState is the aggregated state of the VPP's resources
type ResourceState struct {
	AvailableCapacity float64 `json:"available_capacity"`
	TotalCapacity     float64 `json:"total_capacity"`
	StateOfCharge     float64 `json:"state_of_charge"`
}

// PortfolioState carries the exposure figures known when the snapshot was taken
type PortfolioState struct {
	RealizedDailyLoss float64 `json:"realized_daily_loss"`
	NetPosition       float64 `json:"net_position"`
	CashReserve       float64 `json:"cash_reserve"`
	Drawdown          float64 `json:"drawdown"`
}

var snapshotFields = map[string]func(*ContextSnapshot) interface{}{
	"id":                            func(c *ContextSnapshot) interface{} { return c.ID },
	"timestamp.hour":                func(c *ContextSnapshot) interface{} { return float64(c.Timestamp.UTC().Hour()) },
	"timestamp.weekday":             func(c *ContextSnapshot) interface{} { return float64(c.Timestamp.UTC().Weekday()) },
	"market.price":                  func(c *ContextSnapshot) interface{} { return c.Market.Price },
	"market.volume":                 func(c *ContextSnapshot) interface{} { return c.Market.Volume },
	"market.forecast_price":         func(c *ContextSnapshot) interface{} { return c.Market.ForecastPrice },
	"market.region":                 func(c *ContextSnapshot) interface{} { return c.Market.Region },
	"resources.available_capacity":  func(c *ContextSnapshot) interface{} { return c.Resources.AvailableCapacity },
	"resources.total_capacity":      func(c *ContextSnapshot) interface{} { return c.Resources.TotalCapacity },
	"resources.state_of_charge":     func(c *ContextSnapshot) interface{} { return c.Resources.StateOfCharge },
	"portfolio.realized_daily_loss": func(c *ContextSnapshot) interface{} { return c.Portfolio.RealizedDailyLoss },
	"portfolio.net_position":        func(c *ContextSnapshot) interface{} { return c.Portfolio.NetPosition },
	"portfolio.cash_reserve":        func(c *ContextSnapshot) interface{} { return c.Portfolio.CashReserve },
	"portfolio.drawdown":            func(c *ContextSnapshot) interface{} { return c.Portfolio.Drawdown },
}

// Lookup resolves a dot path against the snapshot. The second result is false
// when the path does not name a known field, an attribute key is missing, or
// the value is NaN.
func (c *ContextSnapshot) Lookup(path string) (interface{}, bool) {
	if get, ok := snapshotFields[path]; ok {
		return checkResolved(get(c))
	}

	rest, ok := strings.CutPrefix(path, "attributes.")
	if !ok || rest == "" {
		return nil, false
	}

	var cur interface{} = c.Attributes
	for _, part := range strings.Split(rest, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return checkResolved(cur)
}

func checkResolved(v interface{}) (interface{}, bool) {
	switch n := v.(type) {
	case nil:
		return nil, false
	case float64:
		if math.IsNaN(n) {
			return nil, false
		}
	}
	return v, true
}

// Validate checks the fields a replay needs.
func (c *ContextSnapshot) Validate() error {
	switch {
	case c.Timestamp.IsZero():
		return fmt.Errorf("missing timestamp")
	case !finite(c.Market.Price) || c.Market.Price <= 0:
		return fmt.Errorf("missing or non-positive market.price")
	case !finite(c.Market.Volume) || c.Market.Volume < 0:
		return fmt.Errorf("missing or negative market.volume")
	case !finite(c.Resources.AvailableCapacity) || c.Resources.AvailableCapacity < 0:
		return fmt.Errorf("missing or negative resources.available_capacity")
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
