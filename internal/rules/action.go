package rules

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/metrics"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/types"
	"github.com/rs/zerolog/log"
)

// Emitter receives the side effects of alert and log actions
type Emitter interface {
	Emit(ctx context.Context, event types.Event) error
}

// DefaultSideEffectTimeout bounds alert and log actions that set no timeout_ms.
const DefaultSideEffectTimeout = 5 * time.Second

// Dispatcher executes a single action against a snapshot
type Dispatcher struct {
	emitter           Emitter
	metrics           *metrics.Metrics
	sideEffectTimeout time.Duration
}

// NewDispatcher creates a dispatcher. A nil emitter discards alert and log side effects.
func NewDispatcher(emitter Emitter, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{emitter: emitter, metrics: m, sideEffectTimeout: DefaultSideEffectTimeout}
}

type dispatchOutcome struct {
	result types.ActionResult
	err    error
}

// Dispatch runs the action within its timeout. Alert and log actions never
// return an error: sink failures are reported in ActionResult.Error.
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	ruleID string,
	action types.Action,
	snap *types.ContextSnapshot,
) (types.ActionResult, error) {
	timeout := time.Duration(action.TimeoutMS) * time.Millisecond
	if timeout <= 0 && isSideEffect(action.Type) {
		timeout = d.sideEffectTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if ctx.Err() != nil {
		return d.timedOut(ctx, ruleID, action, snap)
	}

	done := make(chan dispatchOutcome, 1)
	go func() {
		res, err := d.dispatch(ctx, ruleID, action, snap)
		done <- dispatchOutcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		outcome := "ok"
		if out.err != nil {
			outcome = "error"
		} else if out.result.Error != "" {
			outcome = "sink_error"
		}
		d.metrics.ObserveAction(string(action.Type), outcome)
		return out.result, out.err
	case <-ctx.Done():
		return d.timedOut(ctx, ruleID, action, snap)
	}
}

// timedOut reports an action whose context ended before it finished. Side
// effects record the failure in the result; other actions fail the attempt.
func (d *Dispatcher) timedOut(
	ctx context.Context,
	ruleID string,
	action types.Action,
	snap *types.ContextSnapshot,
) (types.ActionResult, error) {
	d.metrics.ObserveAction(string(action.Type), "timeout")
	cause := ctx.Err()
	if errors.Is(cause, context.DeadlineExceeded) {
		cause = types.ErrActionTimeout
	}
	if isSideEffect(action.Type) {
		return types.ActionResult{
			Type:      action.Type,
			Timestamp: snap.Timestamp,
			RuleID:    ruleID,
			Error:     cause.Error(),
		}, nil
	}
	return types.ActionResult{}, &types.TransientExecutionFailure{
		Op:  fmt.Sprintf("dispatch %s (rule %s)", action.Type, ruleID),
		Err: cause,
	}
}

func (d *Dispatcher) dispatch(
	ctx context.Context,
	ruleID string,
	action types.Action,
	snap *types.ContextSnapshot,
) (types.ActionResult, error) {
	result := types.ActionResult{
		Type:      action.Type,
		Timestamp: snap.Timestamp,
		RuleID:    ruleID,
	}

	switch action.Type {
	case types.ActionBidPrice:
		adjustment := param(action, "adjustment", 0)
		multiplier := param(action, "multiplier", 1)
		result.Value = (snap.Market.Price + adjustment) * multiplier

	case types.ActionBidQuantity:
		ratio := param(action, "ratio", 1)
		maxQty := param(action, "max_quantity", math.Inf(1))
		result.Value = math.Min(snap.Resources.AvailableCapacity*ratio, maxQty)

	case types.ActionMarketParticipation:
		minPrice := param(action, "min_price", 0)
		minCapacity := param(action, "min_capacity", 0)
		result.Value = snap.Market.Price >= minPrice && snap.Resources.AvailableCapacity >= minCapacity

	case types.ActionAlert, types.ActionLog:
		message := stringParam(action, "message", fmt.Sprintf("rule %s fired", ruleID))
		result.Value = message
		if err := d.emit(ctx, ruleID, action, snap, message); err != nil {
			log.Warn().
				Err(err).
				Str("rule", ruleID).
				Str("action", string(action.Type)).
				Msg("Side effect sink failed")
			result.Error = err.Error()
		}

	default:
		return result, &types.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown action type %q", action.Type)}
	}

	return result, nil
}

func (d *Dispatcher) emit(
	ctx context.Context,
	ruleID string,
	action types.Action,
	snap *types.ContextSnapshot,
	message string,
) (err error) {
	if d.emitter == nil {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()

	data := map[string]interface{}{
		"rule_id":      ruleID,
		"message":      message,
		"snapshot_id":  snap.ID,
		"market_price": snap.Market.Price,
	}
	if action.Type == types.ActionAlert {
		data["severity"] = stringParam(action, "severity", "warning")
	} else {
		data["level"] = stringParam(action, "level", "info")
	}

	return d.emitter.Emit(ctx, types.Event{
		ID:        uuid.NewString(),
		Type:      string(action.Type),
		Source:    ruleID,
		Timestamp: snap.Timestamp,
		Data:      data,
	})
}

func isSideEffect(t types.ActionType) bool {
	return t == types.ActionAlert || t == types.ActionLog
}

func param(action types.Action, key string, fallback float64) float64 {
	if v, ok := types.ToFloat(action.Params[key]); ok {
		return v
	}
	return fallback
}

func stringParam(action types.Action, key, fallback string) string {
	if v, ok := action.Params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
