// Package config loads the process configuration document of spec §6
// (account/trading/risk/event_bus sections, plus the strategies directory
// path and resource kill switch) through viper, and writes the default
// document for `--generate-config`.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/atlas-desktop/tradecore/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix applied to environment variable overrides
// (TRADECORE_ACCOUNT_API_KEY, etc.) via viper.AutomaticEnv.
const EnvPrefix = "TRADECORE"

// Load reads path (YAML or JSON, detected by extension) into an AppConfig,
// applying environment variable overrides under EnvPrefix.
func Load(path string) (*types.AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg types.AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := Default()
	v.SetDefault("trading.market", defaults.Trading.Market)
	v.SetDefault("trading.sessions", defaults.Trading.Sessions)
	v.SetDefault("trading.enable_risk_limits", defaults.Trading.EnableRiskLimits)
	v.SetDefault("risk.save_interval", defaults.Risk.SaveInterval)
	v.SetDefault("risk.parallel_evaluation", defaults.Risk.ParallelEvaluation)
	v.SetDefault("event_bus.shard_count", defaults.EventBus.ShardCount)
	v.SetDefault("event_bus.queue_high_water_mark", defaults.EventBus.QueueHighWaterMark)
	v.SetDefault("event_bus.queue_hard_ceiling", defaults.EventBus.QueueHardCeiling)
	v.SetDefault("event_bus.target_rate", defaults.EventBus.TargetRate)
	v.SetDefault("event_bus.min_batch_size", defaults.EventBus.MinBatchSize)
	v.SetDefault("event_bus.max_batch_size", defaults.EventBus.MaxBatchSize)
	v.SetDefault("strategies_dir", defaults.StrategiesDir)
	v.SetDefault("kill_switch.policy", defaults.KillSwitch.Policy)
	v.SetDefault("kill_switch.sample_interval", defaults.KillSwitch.SampleInterval)
}

// Default returns the configuration document `--generate-config` writes:
// sane values for every section, no credentials.
func Default() types.AppConfig {
	return types.AppConfig{
		Account: types.AccountConfig{AccountID: "paper-account"},
		Trading: types.TradingConfig{
			Market: "CRYPTO",
			Sessions: []types.SessionWindow{
				{Start: "00:00", End: "23:59"},
			},
			EnableRiskLimits: true,
		},
		Risk: types.RiskConfig{
			SaveInterval: time.Hour,
			PersistPath:  "risk_state.json",
		},
		EventBus: types.EventBusConfig{
			ShardCount:         8,
			QueueHighWaterMark: 5000,
			QueueHardCeiling:   10000,
			TargetRate:         10000,
			MinBatchSize:       50,
			MaxBatchSize:       1000,
		},
		StrategiesDir: "strategies",
		KillSwitch: types.KillSwitchConfig{
			MaxCPUPercent:  decimal.NewFromInt(90),
			MaxRSSBytes:    2 << 30, // 2 GiB
			Policy:         "warn",
			SampleInterval: 10 * time.Second,
		},
	}
}

// Write serializes cfg as YAML to path, used by `--generate-config`.
func Write(path string, cfg types.AppConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// Validate checks the required sections of spec §6 are present.
func Validate(cfg *types.AppConfig) error {
	if cfg.Account.AccountID == "" {
		return fmt.Errorf("account.account_id is required")
	}
	if len(cfg.Trading.Sessions) == 0 {
		return fmt.Errorf("trading.sessions must list at least one session window")
	}
	if cfg.EventBus.ShardCount <= 0 {
		return fmt.Errorf("event_bus.shard_count must be > 0")
	}
	for i, rule := range cfg.Risk.Rules {
		if rule.RuleID == "" {
			return fmt.Errorf("risk.rules[%d].rule_id is required", i)
		}
	}
	return nil
}
