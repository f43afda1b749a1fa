package risk

import (
	"github.com/atlas-desktop/tradecore/internal/circuitbreaker"
	"github.com/atlas-desktop/tradecore/pkg/types"
)

// CircuitBreakerRule trips when a failure-signal source reports
// consecutive failures past a threshold, auto-resetting after a recovery
// time (spec §4.3, sharing §3's closed/open/half-open state machine via
// internal/circuitbreaker).
type CircuitBreakerRule struct {
	meta    types.RuleMeta
	breaker *circuitbreaker.Breaker

	// Signal reports whether the most recent observation for ctx was a
	// failure; the rule feeds that outcome into the breaker on every
	// Check so the breaker's own counting drives the trip/reset logic.
	Signal func(ctx types.RiskContext) (isFailure bool, ok bool)
}

// NewCircuitBreakerRule constructs the rule around its own named breaker.
func NewCircuitBreakerRule(meta types.RuleMeta, cfg circuitbreaker.Config, signal func(ctx types.RiskContext) (bool, bool)) *CircuitBreakerRule {
	return &CircuitBreakerRule{
		meta:    meta,
		breaker: circuitbreaker.New(cfg, nil),
		Signal:  signal,
	}
}

func (r *CircuitBreakerRule) Meta() *types.RuleMeta { return &r.meta }

func (r *CircuitBreakerRule) State() circuitbreaker.State { return r.breaker.State() }

func (r *CircuitBreakerRule) Check(ctx types.RiskContext) types.RuleResult {
	if r.Signal != nil {
		if isFailure, ok := r.Signal(ctx); ok {
			_ = r.breaker.CallVoid(func() error {
				if isFailure {
					return errFailureSignal
				}
				return nil
			})
		}
	}
	if r.breaker.State() == circuitbreaker.StateOpen {
		return types.RuleResult{
			Triggered: true,
			Reason:    r.meta.Name + ": circuit open",
			Detail:    map[string]any{"state": string(r.breaker.State())},
		}
	}
	return types.RuleResult{}
}

type failureSignalError string

func (e failureSignalError) Error() string { return string(e) }

var errFailureSignal = failureSignalError("failure signal observed")

// AnomalyRule feeds a feature vector to a pre-trained classifier and
// rejects when its score exceeds threshold (spec §4.3). Score is a
// pluggable scorer so the module never depends on a concrete ML runtime;
// it degrades to a no-op when Score is nil, matching spec §4.3's "optional
// / degrades to no-op if model unavailable".
type AnomalyRule struct {
	meta      types.RuleMeta
	Threshold float64
	Features  func(ctx types.RiskContext) map[string]float64
	Score     func(features map[string]float64) (score float64, available bool)
}

// NewAnomalyRule constructs the rule. score may be nil to model "no model
// available"; Check then always returns untriggered.
func NewAnomalyRule(meta types.RuleMeta, threshold float64, features func(types.RiskContext) map[string]float64, score func(map[string]float64) (float64, bool)) *AnomalyRule {
	return &AnomalyRule{meta: meta, Threshold: threshold, Features: features, Score: score}
}

func (r *AnomalyRule) Meta() *types.RuleMeta { return &r.meta }

func (r *AnomalyRule) Check(ctx types.RiskContext) types.RuleResult {
	if r.Score == nil || r.Features == nil {
		return types.RuleResult{}
	}
	features := r.Features(ctx)
	score, available := r.Score(features)
	if !available {
		return types.RuleResult{}
	}
	if score > r.Threshold {
		return types.RuleResult{
			Triggered: true,
			Reason:    r.meta.Name + ": anomaly score exceeds threshold",
			Detail:    map[string]any{"score": score, "threshold": r.Threshold},
		}
	}
	return types.RuleResult{}
}

// DefaultAnomalyFeatures extracts the order-to-balance ratio, margin
// ratio, time-of-day and weekday features spec §4.3 names.
func DefaultAnomalyFeatures(ctx types.RiskContext) map[string]float64 {
	features := map[string]float64{
		"time_of_day": float64(ctx.Now.Hour()*60 + ctx.Now.Minute()),
		"weekday":     float64(ctx.Now.Weekday()),
	}
	if ctx.Order != nil && ctx.Account != nil && !ctx.Account.Balance.IsZero() {
		orderValue, _ := ctx.Order.Price.Mul(ctx.Order.Volume).Float64()
		balance, _ := ctx.Account.Balance.Float64()
		features["order_to_balance_ratio"] = orderValue / balance
	}
	if ctx.Account != nil && !ctx.Account.Balance.IsZero() {
		margin, _ := ctx.Account.Margin.Float64()
		balance, _ := ctx.Account.Balance.Float64()
		features["margin_ratio"] = margin / balance
	}
	return features
}
