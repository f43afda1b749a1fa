package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountConfig is the `account` section of the configuration file (spec
// §6): account id, credentials, optional auth id/code.
type AccountConfig struct {
	AccountID string `mapstructure:"account_id" yaml:"account_id"`
	AuthID    string `mapstructure:"auth_id" yaml:"auth_id,omitempty"`
	AuthCode  string `mapstructure:"auth_code" yaml:"auth_code,omitempty"`
	APIKey    string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	APISecret string `mapstructure:"api_secret" yaml:"api_secret,omitempty"`
}

// SessionWindow is one `{start, end}` trading-hours pair in `HH:MM` local
// time, as read from the `trading` config section.
type SessionWindow struct {
	Start string `mapstructure:"start" yaml:"start"`
	End   string `mapstructure:"end" yaml:"end"`
}

// TradingConfig is the `trading` section: sessions, market identifier, and
// risk-limit toggles.
type TradingConfig struct {
	Market           string          `mapstructure:"market" yaml:"market"`
	Sessions         []SessionWindow `mapstructure:"sessions" yaml:"sessions"`
	EnableRiskLimits bool            `mapstructure:"enable_risk_limits" yaml:"enable_risk_limits"`
	ForceTrading     bool            `mapstructure:"force_trading" yaml:"force_trading"`
}

// RiskRuleConfig describes one configured rule in the `risk` section:
// type selects which constructor in internal/risk builds the concrete
// variant.
type RiskRuleConfig struct {
	RuleID   string            `mapstructure:"rule_id" yaml:"rule_id"`
	Name     string            `mapstructure:"name" yaml:"name"`
	Type     string            `mapstructure:"type" yaml:"type"` // fixed_threshold | volatility_adjusted | circuit_breaker | anomaly
	Enabled  bool              `mapstructure:"enabled" yaml:"enabled"`
	Level    string            `mapstructure:"level" yaml:"level"`
	Action   string            `mapstructure:"action" yaml:"action"`
	Cooldown time.Duration     `mapstructure:"cooldown" yaml:"cooldown"`
	Scope    RiskScopeConfig   `mapstructure:"scope" yaml:"scope"`
	Params   map[string]any    `mapstructure:"params" yaml:"params"`
}

// RiskScopeConfig is the on-disk form of RuleScope.
type RiskScopeConfig struct {
	Global     bool     `mapstructure:"global" yaml:"global"`
	Symbols    []string `mapstructure:"symbols" yaml:"symbols,omitempty"`
	Accounts   []string `mapstructure:"accounts" yaml:"accounts,omitempty"`
	Strategies []string `mapstructure:"strategies" yaml:"strategies,omitempty"`
}

// RiskConfig is the `risk` section: rule definitions plus process-wide
// knobs (save interval, emergency auto-clear opt-in).
type RiskConfig struct {
	Rules                   []RiskRuleConfig `mapstructure:"rules" yaml:"rules"`
	SaveInterval            time.Duration    `mapstructure:"save_interval" yaml:"save_interval"`
	PersistPath             string           `mapstructure:"persist_path" yaml:"persist_path"`
	ParallelEvaluation      bool             `mapstructure:"parallel_evaluation" yaml:"parallel_evaluation"`
	EmergencyAutoClearAfter time.Duration    `mapstructure:"emergency_auto_clear_after" yaml:"emergency_auto_clear_after"`
}

// EventBusConfig is the `event_bus` section: shard count, queue sizes,
// batch target rate.
type EventBusConfig struct {
	ShardCount          int           `mapstructure:"shard_count" yaml:"shard_count"`
	QueueHighWaterMark  int           `mapstructure:"queue_high_water_mark" yaml:"queue_high_water_mark"`
	QueueHardCeiling    int           `mapstructure:"queue_hard_ceiling" yaml:"queue_hard_ceiling"`
	TargetRate          int           `mapstructure:"target_rate" yaml:"target_rate"`
	MinBatchSize        int           `mapstructure:"min_batch_size" yaml:"min_batch_size"`
	MaxBatchSize        int           `mapstructure:"max_batch_size" yaml:"max_batch_size"`
	BatchSampleInterval time.Duration `mapstructure:"batch_sample_interval" yaml:"batch_sample_interval"`
	CoalesceWindow      time.Duration `mapstructure:"coalesce_window" yaml:"coalesce_window"`
	PoolCapacityPerType int           `mapstructure:"pool_capacity_per_type" yaml:"pool_capacity_per_type"`
	BreakerThreshold    int           `mapstructure:"breaker_threshold" yaml:"breaker_threshold"`
	BreakerRecovery     time.Duration `mapstructure:"breaker_recovery" yaml:"breaker_recovery"`
	DisableCircuitBreaker bool        `mapstructure:"disable_circuit_breaker" yaml:"disable_circuit_breaker"`
}

// AppConfig is the root configuration document: the four required
// sections of spec §6, plus the strategies directory path and the
// resource-control kill switch.
type AppConfig struct {
	Account       AccountConfig    `mapstructure:"account" yaml:"account"`
	Trading       TradingConfig    `mapstructure:"trading" yaml:"trading"`
	Risk          RiskConfig       `mapstructure:"risk" yaml:"risk"`
	EventBus      EventBusConfig   `mapstructure:"event_bus" yaml:"event_bus"`
	StrategiesDir string           `mapstructure:"strategies_dir" yaml:"strategies_dir"`
	KillSwitch    KillSwitchConfig `mapstructure:"kill_switch" yaml:"kill_switch"`
}

// StrategyFileConfig is the shape of one file under the strategies/
// directory (spec §6).
type StrategyFileConfig struct {
	StrategyID string         `yaml:"strategy_id"`
	Class      string         `yaml:"class"`
	Params     map[string]any `yaml:"params"`
	Symbols    []string       `yaml:"symbols"`
	AutoStart  bool           `yaml:"auto_start"`
	Version    int            `yaml:"version"`
	HotReload  bool           `yaml:"hot_reload"`
	Priority   int            `yaml:"priority"`
}

// RiskPersistDoc is the on-disk form of persisted rule counters (spec §6
// "Persisted state").
type RiskPersistDoc struct {
	SavedAt time.Time              `json:"saved_at"`
	Rules   []RiskPersistRuleEntry `json:"rules"`
}

// RiskPersistRuleEntry is one rule's counters in the persisted document.
type RiskPersistRuleEntry struct {
	RuleID        string    `json:"rule_id"`
	TriggerCount  int64     `json:"trigger_count"`
	LastTriggered time.Time `json:"last_triggered"`
}

// KillSwitchConfig configures the resource-control monitor's automatic
// reactions (spec §4.5 "Resource controls").
type KillSwitchConfig struct {
	MaxCPUPercent      decimal.Decimal `mapstructure:"max_cpu_percent" yaml:"max_cpu_percent"`
	MaxRSSBytes        uint64          `mapstructure:"max_rss_bytes" yaml:"max_rss_bytes"`
	Policy             string          `mapstructure:"policy" yaml:"policy"` // warn | block_loads | stop_lowest_priority | stop_all
	SampleInterval     time.Duration   `mapstructure:"sample_interval" yaml:"sample_interval"`
}
