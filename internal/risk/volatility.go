package risk

import (
	"sync"
	"time"

	"github.com/atlas-desktop/tradecore/pkg/types"
	"github.com/shopspring/decimal"
)

// VolatilityAdjustedRule scales a base threshold by recent realized
// volatility (spec §4.3). Per SPEC_FULL.md's resolution of spec §9's open
// question, higher volatility TIGHTENS the effective limit by default
// (effective = base / volFactor); set LooseWhenVolatile to flip to
// effective = base * volFactor instead.
type VolatilityAdjustedRule struct {
	meta            types.RuleMeta
	mu              sync.Mutex
	BaseThreshold   decimal.Decimal
	LooseWhenVolatile bool
	RefreshInterval time.Duration
	Extract         Extractor

	lastRefresh   time.Time
	cachedFactor  decimal.Decimal
}

// NewVolatilityAdjustedRule constructs the rule with a 1h refresh interval
// default, matching spec §4.3.
func NewVolatilityAdjustedRule(meta types.RuleMeta, base decimal.Decimal, extract Extractor) *VolatilityAdjustedRule {
	return &VolatilityAdjustedRule{
		meta:            meta,
		BaseThreshold:   base,
		RefreshInterval: time.Hour,
		Extract:         extract,
		cachedFactor:    decimal.NewFromInt(1),
	}
}

func (r *VolatilityAdjustedRule) Meta() *types.RuleMeta { return &r.meta }

func (r *VolatilityAdjustedRule) effectiveThreshold(ctx types.RiskContext) decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx.Now.Sub(r.lastRefresh) >= r.RefreshInterval || r.lastRefresh.IsZero() {
		factor := ctx.RecentVolatility
		if factor.IsZero() {
			factor = decimal.NewFromInt(1)
		}
		r.cachedFactor = factor
		r.lastRefresh = ctx.Now
	}
	if r.cachedFactor.IsZero() {
		return r.BaseThreshold
	}
	if r.LooseWhenVolatile {
		return r.BaseThreshold.Mul(r.cachedFactor)
	}
	return r.BaseThreshold.Div(r.cachedFactor)
}

func (r *VolatilityAdjustedRule) Check(ctx types.RiskContext) types.RuleResult {
	value, ok := r.Extract(ctx)
	if !ok {
		return types.RuleResult{}
	}
	threshold := r.effectiveThreshold(ctx)
	if value.GreaterThan(threshold) {
		return types.RuleResult{
			Triggered: true,
			Reason:    r.meta.Name + ": volatility-adjusted threshold exceeded",
			Detail:    map[string]any{"value": value, "effective_threshold": threshold},
		}
	}
	return types.RuleResult{}
}
