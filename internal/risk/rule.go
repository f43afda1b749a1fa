package risk

import (
	"github.com/atlas-desktop/tradecore/pkg/types"
	"github.com/shopspring/decimal"
)

// Rule is the shared interface every rule variant satisfies: a metadata
// header (spec §9's resolution of the original's class hierarchy into
// tagged variants with a shared header) plus a check predicate.
type Rule interface {
	Meta() *types.RuleMeta
	Check(ctx types.RiskContext) types.RuleResult
}

// Extractor pulls a comparable value out of a risk context; Compare
// decides whether that value, against threshold, counts as a trigger.
type Extractor func(ctx types.RiskContext) (value decimal.Decimal, ok bool)
type Comparator func(value, threshold decimal.Decimal) bool

// FixedThresholdRule compares a context-derived value against a
// configured threshold (spec §4.3: max order value, max position size,
// max leverage, ...).
type FixedThresholdRule struct {
	meta      types.RuleMeta
	Threshold decimal.Decimal
	Extract   Extractor
	Compare   Comparator
}

// NewFixedThresholdRule constructs a fixed-threshold rule. compare
// defaults to "value > threshold" when nil.
func NewFixedThresholdRule(meta types.RuleMeta, threshold decimal.Decimal, extract Extractor, compare Comparator) *FixedThresholdRule {
	if compare == nil {
		compare = func(value, threshold decimal.Decimal) bool { return value.GreaterThan(threshold) }
	}
	return &FixedThresholdRule{meta: meta, Threshold: threshold, Extract: extract, Compare: compare}
}

func (r *FixedThresholdRule) Meta() *types.RuleMeta { return &r.meta }

func (r *FixedThresholdRule) Check(ctx types.RiskContext) types.RuleResult {
	value, ok := r.Extract(ctx)
	if !ok {
		return types.RuleResult{}
	}
	if r.Compare(value, r.Threshold) {
		return types.RuleResult{
			Triggered: true,
			Reason:    r.meta.Name + ": threshold exceeded",
			Detail:    map[string]any{"value": value, "threshold": r.Threshold},
		}
	}
	return types.RuleResult{}
}

// OrderValueExtractor yields order price * volume, the most common fixed
// threshold subject (spec §4.3 "max order value").
func OrderValueExtractor(ctx types.RiskContext) (decimal.Decimal, bool) {
	if ctx.Order == nil {
		return decimal.Zero, false
	}
	return ctx.Order.Price.Mul(ctx.Order.Volume), true
}

// LeverageExtractor yields total position notional divided by account
// balance (spec §4.3 "max leverage").
func LeverageExtractor(ctx types.RiskContext) (decimal.Decimal, bool) {
	if ctx.Account == nil || ctx.Account.Balance.IsZero() {
		return decimal.Zero, false
	}
	notional := decimal.Zero
	for _, p := range ctx.Positions {
		notional = notional.Add(p.Volume.Mul(p.LastPrice).Abs())
	}
	return notional.Div(ctx.Account.Balance), true
}
