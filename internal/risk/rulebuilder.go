package risk

import (
	"fmt"

	"github.com/atlas-desktop/tradecore/internal/circuitbreaker"
	"github.com/atlas-desktop/tradecore/pkg/types"
	"github.com/shopspring/decimal"
)

// BuildRule constructs a Rule from a config-file rule definition (spec
// §6's `risk.rules[]`). Type selects the variant; Params supplies the
// variant-specific knobs. Unknown types, and missing required params of the
// fixed_threshold and volatility_adjusted variants, are errors surfaced at
// startup (spec §7 "Configuration" error kind). The circuit_breaker and
// anomaly variants do not require params: absent ones leave the breaker
// defaults, no failure signal, and a zero anomaly threshold.
func BuildRule(cfg types.RiskRuleConfig) (Rule, error) {
	meta := types.RuleMeta{
		RuleID:   cfg.RuleID,
		Name:     cfg.Name,
		Enabled:  cfg.Enabled,
		Level:    types.RiskLevel(cfg.Level),
		Action:   types.RiskAction(cfg.Action),
		Scope:    scopeFromConfig(cfg.Scope),
		Cooldown: cfg.Cooldown,
	}

	switch cfg.Type {
	case "fixed_threshold":
		extract, err := extractorFor(cfg.Params)
		if err != nil {
			return nil, err
		}
		threshold, err := paramDecimal(cfg.Params, "threshold")
		if err != nil {
			return nil, err
		}
		return NewFixedThresholdRule(meta, threshold, extract, nil), nil

	case "volatility_adjusted":
		extract, err := extractorFor(cfg.Params)
		if err != nil {
			return nil, err
		}
		base, err := paramDecimal(cfg.Params, "base")
		if err != nil {
			return nil, err
		}
		rule := NewVolatilityAdjustedRule(meta, base, extract)
		if loosen, ok := cfg.Params["loosen_when_volatile"].(bool); ok {
			rule.LooseWhenVolatile = loosen
		}
		return rule, nil

	case "circuit_breaker":
		cbCfg := circuitbreaker.DefaultConfig(cfg.Name)
		if threshold, ok := cfg.Params["failure_threshold"].(int); ok {
			cbCfg.Threshold = uint32(threshold)
		}
		signalField, _ := cfg.Params["signal_field"].(string)
		signal := func(ctx types.RiskContext) (failed bool, ok bool) {
			if signalField == "" || ctx.Extra == nil {
				return false, false
			}
			v, present := ctx.Extra[signalField].(bool)
			return v, present
		}
		return NewCircuitBreakerRule(meta, cbCfg, signal), nil

	case "anomaly":
		threshold, _ := paramDecimal(cfg.Params, "threshold")
		t, _ := threshold.Float64()
		// No scorer is wired from config: a model must be attached in code via
		// AnomalyRule.Score after construction. Until then the rule degrades
		// to a no-op, matching AnomalyRule's documented nil-Score behavior.
		return NewAnomalyRule(meta, t, DefaultAnomalyFeatures, nil), nil

	default:
		return nil, fmt.Errorf("risk rule %q: unknown type %q", cfg.RuleID, cfg.Type)
	}
}

func scopeFromConfig(cfg types.RiskScopeConfig) types.RuleScope {
	return types.RuleScope{
		Global:     cfg.Global,
		Symbols:    cfg.Symbols,
		Accounts:   cfg.Accounts,
		Strategies: cfg.Strategies,
	}
}

// extractorFor maps a config `field` name to the corresponding Extractor.
// Kept to the fields spec §4.3 names as fixed-threshold examples (max
// order value, max position size, max leverage).
func extractorFor(params map[string]any) (Extractor, error) {
	field, _ := params["field"].(string)
	switch field {
	case "order_value":
		return func(ctx types.RiskContext) (decimal.Decimal, bool) {
			if ctx.Order == nil {
				return decimal.Zero, false
			}
			return ctx.Order.Price.Mul(ctx.Order.Volume), true
		}, nil
	case "order_volume":
		return func(ctx types.RiskContext) (decimal.Decimal, bool) {
			if ctx.Order == nil {
				return decimal.Zero, false
			}
			return ctx.Order.Volume, true
		}, nil
	case "leverage":
		return func(ctx types.RiskContext) (decimal.Decimal, bool) {
			if ctx.Order == nil || ctx.Account == nil || ctx.Account.Balance.IsZero() {
				return decimal.Zero, false
			}
			notional := ctx.Order.Price.Mul(ctx.Order.Volume)
			return notional.Div(ctx.Account.Balance), true
		}, nil
	case "":
		return nil, fmt.Errorf("missing required param %q", "field")
	default:
		return nil, fmt.Errorf("unknown extractor field %q", field)
	}
}

func paramDecimal(params map[string]any, key string) (decimal.Decimal, error) {
	raw, ok := params[key]
	if !ok {
		return decimal.Zero, fmt.Errorf("missing required param %q", key)
	}
	switch v := raw.(type) {
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case string:
		return decimal.NewFromString(v)
	default:
		return decimal.Zero, fmt.Errorf("param %q has unsupported type %T", key, raw)
	}
}
