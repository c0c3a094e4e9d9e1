package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/metrics"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/types"
	"github.com/rs/zerolog/log"
)

// AIRuleID tags action results synthesized from predictions
const AIRuleID = "ai"

// Predictor is the optional prediction collaborator used by ai_driven and hybrid strategies
type Predictor interface {
	Predict(ctx context.Context, snap *types.ContextSnapshot) (types.Prediction, error)
}

// RuleGate can veto a firing rule, e.g. to enforce rate limits on the live path.
// Release is called when the run the rule fired in fails.
type RuleGate interface {
	Reserve(strategyID string, rule *types.Rule, at time.Time) (release func(), ok bool)
}

// Result is the outcome of running one strategy against one snapshot
type Result struct {
	Actions    []types.ActionResult `json:"actions"`
	FiredRules []string             `json:"fired_rules"`
	Success    bool                 `json:"success"`
}

// Engine runs strategies. Apart from metrics it holds no state between calls.
type Engine struct {
	dispatcher *Dispatcher
	predictor  Predictor
	gate       RuleGate
	metrics    *metrics.Metrics
}

type Option func(*Engine)

func WithPredictor(p Predictor) Option {
	return func(e *Engine) { e.predictor = p }
}

func WithRuleGate(g RuleGate) Option {
	return func(e *Engine) { e.gate = g }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func NewEngine(dispatcher *Dispatcher, opts ...Option) *Engine {
	e := &Engine{dispatcher: dispatcher}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs every enabled rule in declaration order and, for ai_driven and
// hybrid strategies, the prediction path. An action failure aborts the run and
// is returned together with the actions produced so far.
func (e *Engine) Execute(ctx context.Context, strategy *types.Strategy, snap *types.ContextSnapshot) (Result, error) {
	var (
		res Result
		err error
	)

	switch strategy.Type {
	case types.StrategyRuleBased:
		err = e.runRules(ctx, strategy, snap, &res)
	case types.StrategyAIDriven:
		e.runPrediction(ctx, strategy, snap, &res)
	case types.StrategyHybrid:
		if err = e.runRules(ctx, strategy, snap, &res); err == nil {
			e.runPrediction(ctx, strategy, snap, &res)
		}
	default:
		err = &types.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown strategy type %q", strategy.Type)}
	}

	if err != nil {
		e.metrics.ObserveStrategy(string(strategy.Type), "error")
		return res, err
	}

	res.Success = true
	e.metrics.ObserveStrategy(string(strategy.Type), "ok")
	return res, nil
}

func (e *Engine) runRules(ctx context.Context, strategy *types.Strategy, snap *types.ContextSnapshot, res *Result) (err error) {
	var releases []func()
	defer func() {
		if err != nil {
			for _, release := range releases {
				release()
			}
		}
	}()

	for i := range strategy.Rules {
		rule := &strategy.Rules[i]
		if !rule.Enabled || !Evaluate(rule.Conditions, snap) {
			continue
		}

		if e.gate != nil {
			release, ok := e.gate.Reserve(strategy.ID, rule, snap.Timestamp)
			if !ok {
				log.Debug().
					Str("strategy", strategy.ID).
					Str("rule", rule.ID).
					Msg("Rule rate limited")
				continue
			}
			releases = append(releases, release)
		}

		res.FiredRules = append(res.FiredRules, rule.ID)
		e.metrics.ObserveRuleFired(strategy.ID)

		for _, action := range rule.Actions {
			if err := ctx.Err(); err != nil {
				return &types.TransientExecutionFailure{Op: "execute strategy " + strategy.ID, Err: err}
			}

			out, err := e.dispatcher.Dispatch(ctx, rule.ID, action, snap)
			if err != nil {
				return err
			}
			res.Actions = append(res.Actions, out)
		}
	}
	return nil
}

// runPrediction never fails: a missing or failing predictor, or a prediction
// below the strategy's confidence floor, contributes no actions.
func (e *Engine) runPrediction(ctx context.Context, strategy *types.Strategy, snap *types.ContextSnapshot, res *Result) {
	if e.predictor == nil {
		log.Debug().Str("strategy", strategy.ID).Msg("No predictor configured, skipping AI path")
		return
	}

	pred, err := e.predictor.Predict(ctx, snap)
	if err != nil {
		e.metrics.ObservePredictorFailure()
		log.Warn().
			Err(err).
			Str("strategy", strategy.ID).
			Str("snapshot", snap.ID).
			Msg("Predictor failed, degrading to empty AI result")
		return
	}

	if pred.Confidence < strategy.AI.MinConfidence {
		log.Debug().
			Str("strategy", strategy.ID).
			Float64("confidence", pred.Confidence).
			Float64("min_confidence", strategy.AI.MinConfidence).
			Msg("Prediction below confidence floor")
		return
	}

	res.FiredRules = append(res.FiredRules, AIRuleID)
	res.Actions = append(res.Actions,
		types.ActionResult{
			Type:       types.ActionBidPrice,
			Value:      pred.BidPrice,
			Timestamp:  snap.Timestamp,
			RuleID:     AIRuleID,
			Confidence: pred.Confidence,
		},
		types.ActionResult{
			Type:       types.ActionBidQuantity,
			Value:      pred.BidQuantity,
			Timestamp:  snap.Timestamp,
			RuleID:     AIRuleID,
			Confidence: pred.Confidence,
		},
	)
}
