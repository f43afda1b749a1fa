package risk_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/tradecore/internal/risk"
	"github.com/atlas-desktop/tradecore/internal/workers"
	"github.com/atlas-desktop/tradecore/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newTestPool(t *testing.T) *workers.Pool {
	t.Helper()
	cfg := workers.DefaultPoolConfig("risk-test-pool")
	cfg.NumWorkers = 4
	cfg.QueueSize = 64
	pool := workers.NewPool(zap.NewNop(), cfg)
	pool.Start()
	t.Cleanup(func() { pool.Stop() })
	return pool
}

func orderCtx(price, volume int64) types.RiskContext {
	order := types.Order{Symbol: "BTC-USD", Price: decimal.NewFromInt(price), Volume: decimal.NewFromInt(volume)}
	return types.RiskContext{Order: &order, Now: time.Now()}
}

func TestCheckOrderAllowsWhenNoRuleTriggers(t *testing.T) {
	mgr := risk.New(zap.NewNop(), risk.DefaultConfig(), nil, nil)
	mgr.AddRule(risk.NewFixedThresholdRule(
		types.RuleMeta{RuleID: "max-order-value", Enabled: true, Action: types.ActionReject, Scope: types.RuleScope{Global: true}},
		decimal.NewFromInt(1_000_000), risk.OrderValueExtractor, nil,
	))

	allow, reason, err := mgr.Check(context.Background(), orderCtx(100, 1))
	if err != nil || !allow || reason != "" {
		t.Fatalf("expected allow, got allow=%v reason=%q err=%v", allow, reason, err)
	}
}

func TestCheckOrderRejectsOnThresholdBreach(t *testing.T) {
	mgr := risk.New(zap.NewNop(), risk.DefaultConfig(), nil, nil)
	mgr.AddRule(risk.NewFixedThresholdRule(
		types.RuleMeta{RuleID: "max-order-value", Enabled: true, Action: types.ActionReject, Scope: types.RuleScope{Global: true}},
		decimal.NewFromInt(100), risk.OrderValueExtractor, nil,
	))

	allow, reason, err := mgr.Check(context.Background(), orderCtx(1000, 10))
	if err != nil || allow || reason == "" {
		t.Fatalf("expected rejection, got allow=%v reason=%q err=%v", allow, reason, err)
	}
}

func TestNonRejectActionDoesNotBlockOrder(t *testing.T) {
	mgr := risk.New(zap.NewNop(), risk.DefaultConfig(), nil, nil)
	mgr.AddRule(risk.NewFixedThresholdRule(
		types.RuleMeta{RuleID: "alert-only", Enabled: true, Action: types.ActionAlert, Scope: types.RuleScope{Global: true}},
		decimal.NewFromInt(100), risk.OrderValueExtractor, nil,
	))

	allow, _, err := mgr.Check(context.Background(), orderCtx(1000, 10))
	if err != nil || !allow {
		t.Fatalf("expected alert-only rule to allow the order, got allow=%v err=%v", allow, err)
	}
}

func TestCooldownSuppressesRepeatedTrigger(t *testing.T) {
	mgr := risk.New(zap.NewNop(), risk.DefaultConfig(), nil, nil)
	meta := types.RuleMeta{RuleID: "cooldown-rule", Enabled: true, Action: types.ActionReject, Scope: types.RuleScope{Global: true}, Cooldown: time.Hour}
	mgr.AddRule(risk.NewFixedThresholdRule(meta, decimal.NewFromInt(100), risk.OrderValueExtractor, nil))

	allow, _, _ := mgr.Check(context.Background(), orderCtx(1000, 10))
	if allow {
		t.Fatal("expected first breach to reject")
	}
	allow, _, _ = mgr.Check(context.Background(), orderCtx(1000, 10))
	if !allow {
		t.Fatal("expected second breach within cooldown to be allowed (rule not re-evaluated)")
	}
}

func TestCriticalTriggerLatchesEmergencyUntilExplicitClear(t *testing.T) {
	mgr := risk.New(zap.NewNop(), risk.DefaultConfig(), nil, nil)
	mgr.AddRule(risk.NewFixedThresholdRule(
		types.RuleMeta{RuleID: "critical-rule", Enabled: true, Level: types.LevelCritical, Action: types.ActionAlert, Scope: types.RuleScope{Global: true}},
		decimal.NewFromInt(100), risk.OrderValueExtractor, nil,
	))

	mgr.Check(context.Background(), orderCtx(1000, 10))
	if !mgr.InEmergency() {
		t.Fatal("expected critical trigger to latch emergency state")
	}

	allow, reason, _ := mgr.Check(context.Background(), orderCtx(1, 1))
	if allow || reason == "" {
		t.Fatal("expected every order to be rejected while in emergency state")
	}

	mgr.ClearEmergency("manual review complete")
	if mgr.InEmergency() {
		t.Fatal("expected ClearEmergency to release the latch")
	}
}

func TestEmergencyAutoClearAfterConfiguredDuration(t *testing.T) {
	cfg := risk.DefaultConfig()
	cfg.EmergencyAutoClearAfter = time.Millisecond
	mgr := risk.New(zap.NewNop(), cfg, nil, nil)
	mgr.AddRule(risk.NewFixedThresholdRule(
		types.RuleMeta{RuleID: "critical-rule", Enabled: true, Level: types.LevelCritical, Action: types.ActionAlert, Scope: types.RuleScope{Global: true}},
		decimal.NewFromInt(100), risk.OrderValueExtractor, nil,
	))

	mgr.Check(context.Background(), orderCtx(1000, 10))
	if !mgr.InEmergency() {
		t.Fatal("expected latch to engage")
	}
	time.Sleep(5 * time.Millisecond)
	if mgr.InEmergency() {
		t.Fatal("expected auto-clear after configured duration")
	}
}

func TestScopedRuleOnlyAppliesToMatchingSymbol(t *testing.T) {
	mgr := risk.New(zap.NewNop(), risk.DefaultConfig(), nil, nil)
	mgr.AddRule(risk.NewFixedThresholdRule(
		types.RuleMeta{RuleID: "eth-only", Enabled: true, Action: types.ActionReject, Scope: types.RuleScope{Symbols: []string{"ETH-USD"}}},
		decimal.NewFromInt(100), risk.OrderValueExtractor, nil,
	))

	allow, _, _ := mgr.Check(context.Background(), orderCtx(1000, 10))
	if !allow {
		t.Fatal("expected BTC-USD order to bypass an ETH-USD-scoped rule")
	}
}

func TestDisabledRuleNeverEvaluated(t *testing.T) {
	mgr := risk.New(zap.NewNop(), risk.DefaultConfig(), nil, nil)
	mgr.AddRule(risk.NewFixedThresholdRule(
		types.RuleMeta{RuleID: "disabled-rule", Enabled: false, Action: types.ActionReject, Scope: types.RuleScope{Global: true}},
		decimal.NewFromInt(100), risk.OrderValueExtractor, nil,
	))

	allow, _, _ := mgr.Check(context.Background(), orderCtx(1000, 10))
	if !allow {
		t.Fatal("expected disabled rule to never trigger")
	}
}

func TestParallelEvaluationMatchesSerialOutcome(t *testing.T) {
	newManager := func(parallel bool, pool *workers.Pool) *risk.Manager {
		cfg := risk.DefaultConfig()
		cfg.ParallelEvaluation = parallel
		mgr := risk.New(zap.NewNop(), cfg, nil, pool)
		for i := 0; i < 5; i++ {
			mgr.AddRule(risk.NewFixedThresholdRule(
				types.RuleMeta{RuleID: ruleName(i), Enabled: true, Action: types.ActionAlert, Scope: types.RuleScope{Global: true}},
				decimal.NewFromInt(int64(100*(i+1))), risk.OrderValueExtractor, nil,
			))
		}
		mgr.AddRule(risk.NewFixedThresholdRule(
			types.RuleMeta{RuleID: "final-reject", Enabled: true, Action: types.ActionReject, Scope: types.RuleScope{Global: true}},
			decimal.NewFromInt(50), risk.OrderValueExtractor, nil,
		))
		return mgr
	}

	pool := newTestPool(t)

	serial := newManager(false, pool)
	parallel := newManager(true, pool)

	ctx := orderCtx(1000, 10)
	allowSerial, _, _ := serial.Check(context.Background(), ctx)
	allowParallel, _, _ := parallel.Check(context.Background(), ctx)
	if allowSerial != allowParallel {
		t.Fatalf("expected serial and parallel evaluation to agree, serial=%v parallel=%v", allowSerial, allowParallel)
	}
	if allowSerial {
		t.Fatal("expected the reject-action rule to deny the order under both strategies")
	}
}

func ruleName(i int) string { return "rule-" + string(rune('a'+i)) }

func TestSaveAndLoadRoundTripsTriggerCounts(t *testing.T) {
	dir := t.TempDir()
	cfg := risk.DefaultConfig()
	cfg.PersistPath = filepath.Join(dir, "risk_state.json")

	mgr := risk.New(zap.NewNop(), cfg, nil, nil)
	mgr.AddRule(risk.NewFixedThresholdRule(
		types.RuleMeta{RuleID: "persisted-rule", Enabled: true, Action: types.ActionAlert, Scope: types.RuleScope{Global: true}},
		decimal.NewFromInt(100), risk.OrderValueExtractor, nil,
	))

	mgr.Check(context.Background(), orderCtx(1000, 10))
	if err := mgr.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded := risk.New(zap.NewNop(), cfg, nil, nil)
	reloadedRule := risk.NewFixedThresholdRule(
		types.RuleMeta{RuleID: "persisted-rule", Enabled: true, Action: types.ActionAlert, Scope: types.RuleScope{Global: true}},
		decimal.NewFromInt(100), risk.OrderValueExtractor, nil,
	)
	reloaded.AddRule(reloadedRule)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := reloadedRule.Meta().TriggerCount; got != 1 {
		t.Fatalf("expected reloaded trigger count 1, got %d", got)
	}
}
