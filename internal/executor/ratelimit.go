package executor

import (
	"sync"
	"time"

	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/types"
	"golang.org/x/time/rate"
)

// RuleLimiter enforces per-rule rate limits on the live path.
type RuleLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewRuleLimiter() *RuleLimiter {
	return &RuleLimiter{limiters: make(map[string]*rate.Limiter)}
}

// Allow consumes one token for the rule at the given time.
func (l *RuleLimiter) Allow(strategyID string, rule *types.Rule, at time.Time) bool {
	_, ok := l.Reserve(strategyID, rule, at)
	return ok
}

// Reserve takes one token for the rule at the given time. The returned
// release puts the token back, for an attempt that failed and will be retried.
func (l *RuleLimiter) Reserve(strategyID string, rule *types.Rule, at time.Time) (func(), bool) {
	if rule.RateLimit.PerSecond <= 0 {
		return func() {}, true
	}

	limit := rate.Limit(rule.RateLimit.PerSecond)
	burst := max(rule.RateLimit.Burst, 1)
	key := strategyID + "/" + rule.ID

	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(limit, burst)
		l.limiters[key] = lim
	} else if lim.Limit() != limit || lim.Burst() != burst {
		lim.SetLimitAt(at, limit)
		lim.SetBurstAt(at, burst)
	}
	l.mu.Unlock()

	r := lim.ReserveN(at, 1)
	if !r.OK() {
		return nil, false
	}
	if r.DelayFrom(at) > 0 {
		r.CancelAt(at)
		return nil, false
	}
	return func() { r.CancelAt(at) }, true
}
