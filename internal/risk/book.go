package risk

import (
	"math"
	"sync"
	"time"

	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/types"
)

// DailyWindow is the span of the rolling realized-loss aggregate.
const DailyWindow = 24 * time.Hour

// Exposure is a point-in-time read of the book
type Exposure struct {
	RealizedDailyLoss float64   `json:"realized_daily_loss"`
	NetPosition       float64   `json:"net_position"`
	CashReserve       float64   `json:"cash_reserve"`
	Drawdown          float64   `json:"drawdown"`
	At                time.Time `json:"at"`
}

type pnlEntry struct {
	at  time.Time
	pnl float64
}

// Book keeps the rolling aggregates the risk gate reads.
type Book struct {
	mu         sync.RWMutex
	entries    []pnlEntry
	position   float64
	cash       float64
	cumulative float64
	peak       float64
}

func NewBook(initialCash float64) *Book {
	return &Book{cash: initialCash}
}

// Apply records a fill or settlement.
func (b *Book) Apply(u types.ExposureUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if u.RealizedPnL != 0 {
		b.entries = append(b.entries, pnlEntry{at: u.At, pnl: u.RealizedPnL})
		b.cumulative += u.RealizedPnL
		b.peak = math.Max(b.peak, b.cumulative)
	}
	b.position += u.PositionDelta
	b.cash += u.CashDelta + u.RealizedPnL
	b.prune(u.At)
}

// Exposure returns the aggregates as of now.
func (b *Book) Exposure(now time.Time) Exposure {
	b.mu.RLock()
	defer b.mu.RUnlock()

	cutoff := now.Add(-DailyWindow)
	var windowPnL float64
	for _, e := range b.entries {
		if e.at.After(cutoff) && !e.at.After(now) {
			windowPnL += e.pnl
		}
	}

	return Exposure{
		RealizedDailyLoss: math.Max(0, -windowPnL),
		NetPosition:       b.position,
		CashReserve:       b.cash,
		Drawdown:          b.peak - b.cumulative,
		At:                now,
	}
}

func (b *Book) prune(now time.Time) {
	cutoff := now.Add(-DailyWindow)
	i := 0
	for i < len(b.entries) && !b.entries[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		b.entries = append(b.entries[:0], b.entries[i:]...)
	}
}
