package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskLevel is the severity a rule is tagged with. A triggered rule at
// LevelCritical latches the risk manager's emergency state.
type RiskLevel string

const (
	LevelLow      RiskLevel = "low"
	LevelMedium   RiskLevel = "medium"
	LevelHigh     RiskLevel = "high"
	LevelCritical RiskLevel = "critical"
)

// RiskAction is what a triggered rule asks the caller to do. Only
// ActionReject short-circuits order evaluation; the rest are recorded but
// evaluation continues.
type RiskAction string

const (
	ActionAlert     RiskAction = "alert"
	ActionReject    RiskAction = "reject"
	ActionReduce    RiskAction = "reduce"
	ActionLiquidate RiskAction = "liquidate"
	ActionDisable   RiskAction = "disable"
	ActionCustom    RiskAction = "custom"
)

// TimeWindow is a local-time {start, end} pair used for rule time-window
// scoping. Trading sessions use the string-based SessionWindow instead.
type TimeWindow struct {
	Start time.Duration // offset since local midnight
	End   time.Duration
}

// RuleScope restricts which orders a rule applies to. A Scope with Global
// true applies to everything, as does a zero-value Scope, whose lists are
// all empty.
type RuleScope struct {
	Global      bool
	Symbols     []string
	Accounts    []string
	Strategies  []string
	TimeWindows []TimeWindow
}

// Matches reports whether ctx (order symbol/account/strategy and the
// current time) falls within scope.
func (s RuleScope) Matches(symbol, account, strategy string, now time.Time) bool {
	if s.Global {
		return true
	}
	if len(s.Symbols) > 0 && !containsString(s.Symbols, symbol) {
		return false
	}
	if len(s.Accounts) > 0 && !containsString(s.Accounts, account) {
		return false
	}
	if len(s.Strategies) > 0 && !containsString(s.Strategies, strategy) {
		return false
	}
	if len(s.TimeWindows) > 0 && !withinAnyWindow(s.TimeWindows, now) {
		return false
	}
	return true
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func withinAnyWindow(windows []TimeWindow, now time.Time) bool {
	sinceMidnight := time.Duration(now.Hour())*time.Hour +
		time.Duration(now.Minute())*time.Minute +
		time.Duration(now.Second())*time.Second
	for _, w := range windows {
		if sinceMidnight >= w.Start && sinceMidnight <= w.End {
			return true
		}
	}
	return false
}

// RuleMeta is the shared header every rule variant embeds (spec §9's
// "tagged variants with shared metadata header" resolution for the
// source's class-hierarchy rules).
type RuleMeta struct {
	RuleID        string
	Name          string
	Enabled       bool
	Level         RiskLevel
	Action        RiskAction
	Scope         RuleScope
	Cooldown      time.Duration
	LastTriggered time.Time
	TriggerCount  int64
}

// CooldownElapsed reports whether enough time has passed since the rule's
// last trigger. A zero LastTriggered means the rule has never fired and is
// always eligible.
func (m RuleMeta) CooldownElapsed(now time.Time) bool {
	if m.LastTriggered.IsZero() {
		return true
	}
	return now.Sub(m.LastTriggered) >= m.Cooldown
}

// RiskContext is the evaluation context a rule's Check predicate receives:
// the candidate order plus the account/position/market state the risk
// manager gathers before evaluation (spec §4.3 check_order).
type RiskContext struct {
	Order           *Order
	Account         *AccountSnapshot
	Positions       []*Position
	RecentVolatility decimal.Decimal
	Now             time.Time
	Extra           map[string]any
}

// RuleResult is what a rule's Check predicate returns.
type RuleResult struct {
	Triggered bool
	Reason    string
	Detail    map[string]any
}

// CircuitState is the three-state machine shared by the event bus breaker
// and the risk manager's circuit-breaker rule.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)
