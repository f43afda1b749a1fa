// Package risk implements the risk manager of spec §4.3: rule evaluation
// (serial or worker-pool-parallel), cooldowns, the emergency-state latch,
// and rule-counter persistence, grounded on the teacher's monolithic
// internal/execution/risk_manager.go generalized into the spec's tagged
// rule-variant design.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/atlas-desktop/tradecore/internal/workers"
	"github.com/atlas-desktop/tradecore/pkg/types"
	"go.uber.org/zap"
)

// EventPublisher is the subset of internal/eventbus.Bus the manager needs.
type EventPublisher interface {
	Publish(evt types.Event) bool
}

// Listener receives every risk-rule trigger (spec §4.3 "Listeners and
// metrics").
type Listener func(ruleID string, result types.RuleResult)

// Config tunes persistence and evaluation strategy.
type Config struct {
	ParallelEvaluation      bool
	SaveInterval            time.Duration
	PersistPath             string
	EmergencyAutoClearAfter time.Duration
}

// DefaultConfig mirrors spec §4.3's named defaults.
func DefaultConfig() Config {
	return Config{
		ParallelEvaluation: false,
		SaveInterval:       time.Hour,
	}
}

// Manager evaluates candidate orders against the registered rule set
// (spec §4.3).
type Manager struct {
	logger *zap.Logger
	cfg    Config
	bus    EventPublisher
	pool   *workers.Pool

	mu    sync.RWMutex
	rules []Rule

	emergencyMu  sync.Mutex
	emergency    bool
	emergencySet time.Time

	listenersMu sync.RWMutex
	listeners   []Listener

	lastSaveMu sync.Mutex
	lastSave   time.Time
}

// New constructs a Manager. pool may be nil when ParallelEvaluation is
// false.
func New(logger *zap.Logger, cfg Config, bus EventPublisher, pool *workers.Pool) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger: logger.Named("risk-manager"),
		cfg:    cfg,
		bus:    bus,
		pool:   pool,
	}
}

// AddRule registers rule in evaluation order (serial mode) or as a member
// of the evaluation set (parallel mode).
func (m *Manager) AddRule(rule Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, rule)
}

// AddListener registers fn to receive every rule trigger.
func (m *Manager) AddListener(fn Listener) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenersMu.Unlock()
}

// InEmergency reports whether the manager is currently latched into
// emergency state.
func (m *Manager) InEmergency() bool {
	m.emergencyMu.Lock()
	defer m.emergencyMu.Unlock()
	if m.emergency && m.cfg.EmergencyAutoClearAfter > 0 && time.Since(m.emergencySet) >= m.cfg.EmergencyAutoClearAfter {
		m.emergency = false
	}
	return m.emergency
}

// ClearEmergency explicitly clears the emergency latch. Per SPEC_FULL.md's
// resolution of spec §9's open question, emergency state never clears
// itself except through this call (or the opt-in auto-clear timer).
func (m *Manager) ClearEmergency(reason string) {
	m.emergencyMu.Lock()
	m.emergency = false
	m.emergencyMu.Unlock()
	m.logger.Warn("emergency state cleared", zap.String("reason", reason))
}

func (m *Manager) latchEmergency(ruleID string) {
	m.emergencyMu.Lock()
	already := m.emergency
	m.emergency = true
	m.emergencySet = time.Now()
	m.emergencyMu.Unlock()
	if !already {
		m.logger.Error("emergency state entered", zap.String("rule_id", ruleID))
		emergencyLatchTotal.Inc()
	}
}

// CheckOrder evaluates order against every enabled, in-scope, cooldown-
// elapsed rule (spec §4.3 check_order). Satisfies internal/orders.RiskChecker.
func (m *Manager) CheckOrder(ctx context.Context, order types.Order) (bool, string, error) {
	return m.Check(ctx, types.RiskContext{Order: &order, Now: time.Now()})
}

// Check evaluates riskCtx against the registered rules, returning
// (allow, reason, error). If the manager is in emergency state every
// order is rejected immediately.
func (m *Manager) Check(ctx context.Context, riskCtx types.RiskContext) (bool, string, error) {
	if riskCtx.Now.IsZero() {
		riskCtx.Now = time.Now()
	}
	if m.InEmergency() {
		return false, "risk manager in emergency state", nil
	}

	m.mu.RLock()
	rules := append([]Rule(nil), m.rules...)
	m.mu.RUnlock()

	eligible := make([]Rule, 0, len(rules))
	var symbol, account, strategy string
	if riskCtx.Order != nil {
		symbol = riskCtx.Order.Symbol
		strategy = riskCtx.Order.StrategyID
	}
	if riskCtx.Account != nil {
		account = riskCtx.Account.AccountID
	}
	for _, r := range rules {
		meta := r.Meta()
		if !meta.Enabled {
			continue
		}
		if !meta.Scope.Matches(symbol, account, strategy, riskCtx.Now) {
			continue
		}
		if !meta.CooldownElapsed(riskCtx.Now) {
			continue
		}
		eligible = append(eligible, r)
	}

	if m.cfg.ParallelEvaluation && m.pool != nil {
		return m.checkParallel(eligible, riskCtx)
	}
	return m.checkSerial(eligible, riskCtx)
}

func (m *Manager) checkSerial(rules []Rule, riskCtx types.RiskContext) (bool, string, error) {
	for _, r := range rules {
		result := r.Check(riskCtx)
		if !result.Triggered {
			continue
		}
		m.recordTrigger(r, result)
		if r.Meta().Action == types.ActionReject {
			return false, result.Reason, nil
		}
	}
	return true, "", nil
}

func (m *Manager) checkParallel(rules []Rule, riskCtx types.RiskContext) (bool, string, error) {
	type outcome struct {
		rule   Rule
		result types.RuleResult
	}
	results := make(chan outcome, len(rules))
	var wg sync.WaitGroup
	wg.Add(len(rules))
	for _, r := range rules {
		r := r
		err := m.pool.SubmitFunc(func() error {
			defer wg.Done()
			results <- outcome{rule: r, result: r.Check(riskCtx)}
			return nil
		})
		if err != nil {
			wg.Done()
			m.logger.Warn("risk rule evaluation dropped: pool unavailable", zap.Error(err))
		}
	}
	wg.Wait()
	close(results)

	allow, reason := true, ""
	for o := range results {
		if !o.result.Triggered {
			continue
		}
		m.recordTrigger(o.rule, o.result)
		if o.rule.Meta().Action == types.ActionReject {
			allow, reason = false, o.result.Reason
		}
	}
	return allow, reason, nil
}

func (m *Manager) recordTrigger(rule Rule, result types.RuleResult) {
	meta := rule.Meta()
	meta.LastTriggered = time.Now()
	meta.TriggerCount++
	ruleTriggersTotal.WithLabelValues(meta.RuleID, string(meta.Level)).Inc()
	if meta.Action == types.ActionReject {
		orderRejectionsTotal.WithLabelValues(meta.RuleID).Inc()
	}
	if meta.Level == types.LevelCritical {
		m.latchEmergency(meta.RuleID)
	}

	m.listenersMu.RLock()
	listeners := append([]Listener(nil), m.listeners...)
	m.listenersMu.RUnlock()
	for _, l := range listeners {
		l(meta.RuleID, result)
	}

	if m.bus != nil {
		eventType := types.EventSystem
		if meta.Level == types.LevelCritical {
			eventType = types.EventEmergency
		}
		m.bus.Publish(types.Event{
			Type:     eventType,
			Source:   "risk-manager",
			Priority: 1,
			Payload: map[string]any{
				"event":   "risk_rule_triggered",
				"rule_id": meta.RuleID,
				"name":    meta.Name,
				"level":   string(meta.Level),
				"action":  string(meta.Action),
				"reason":  result.Reason,
			},
		})
	}

	m.maybeSave()
}

func (m *Manager) maybeSave() {
	if m.cfg.PersistPath == "" {
		return
	}
	m.lastSaveMu.Lock()
	due := time.Since(m.lastSave) >= m.cfg.SaveInterval
	m.lastSaveMu.Unlock()
	if !due {
		return
	}
	if err := m.Save(); err != nil {
		m.logger.Warn("risk rule persistence failed", zap.Error(err))
	}
}

// Save persists rule counters unconditionally (spec §4.3 "or on explicit
// request").
func (m *Manager) Save() error {
	if m.cfg.PersistPath == "" {
		return fmt.Errorf("no persist path configured")
	}
	m.mu.RLock()
	doc := types.RiskPersistDoc{SavedAt: time.Now()}
	for _, r := range m.rules {
		meta := r.Meta()
		doc.Rules = append(doc.Rules, types.RiskPersistRuleEntry{
			RuleID:        meta.RuleID,
			TriggerCount:  meta.TriggerCount,
			LastTriggered: meta.LastTriggered,
		})
	}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(m.cfg.PersistPath, data, 0o644); err != nil {
		return err
	}
	m.lastSaveMu.Lock()
	m.lastSave = time.Now()
	m.lastSaveMu.Unlock()
	return nil
}

// Load restores rule counters from the persisted document, matching rules
// by RuleID.
func (m *Manager) Load() error {
	if m.cfg.PersistPath == "" {
		return nil
	}
	data, err := os.ReadFile(m.cfg.PersistPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var doc types.RiskPersistDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	byID := make(map[string]types.RiskPersistRuleEntry, len(doc.Rules))
	for _, e := range doc.Rules {
		byID[e.RuleID] = e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rules {
		meta := r.Meta()
		if e, ok := byID[meta.RuleID]; ok {
			meta.TriggerCount = e.TriggerCount
			meta.LastTriggered = e.LastTriggered
		}
	}
	return nil
}
