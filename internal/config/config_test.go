package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/atlas-desktop/tradecore/internal/config"
	"github.com/atlas-desktop/tradecore/pkg/types"
)

func writeYAML(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadAppliesDefaultsForOmittedFields(t *testing.T) {
	dir := t.TempDir()
	path := writeYAML(t, dir, "config.yaml", "account:\n  account_id: acct-1\n")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.EventBus.ShardCount != 8 {
		t.Fatalf("expected default shard count 8, got %d", cfg.EventBus.ShardCount)
	}
	if len(cfg.Trading.Sessions) != 1 {
		t.Fatalf("expected one default session window, got %d", len(cfg.Trading.Sessions))
	}
}

func TestLoadRejectsMissingAccountID(t *testing.T) {
	dir := t.TempDir()
	path := writeYAML(t, dir, "config.yaml", "trading:\n  market: CRYPTO\n")

	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error when account.account_id is missing")
	}
}

func TestLoadOverridesEventBusShardCount(t *testing.T) {
	dir := t.TempDir()
	path := writeYAML(t, dir, "config.yaml", "account:\n  account_id: acct-1\nevent_bus:\n  shard_count: 4\n")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.EventBus.ShardCount != 4 {
		t.Fatalf("expected overridden shard count 4, got %d", cfg.EventBus.ShardCount)
	}
}

func TestWriteThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "generated.yaml")
	defaults := config.Default()

	if err := config.Write(path, defaults); err != nil {
		t.Fatalf("Write: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Account.AccountID != defaults.Account.AccountID {
		t.Fatalf("expected account id %q, got %q", defaults.Account.AccountID, cfg.Account.AccountID)
	}
	if cfg.StrategiesDir != defaults.StrategiesDir {
		t.Fatalf("expected strategies dir %q, got %q", defaults.StrategiesDir, cfg.StrategiesDir)
	}
}

func TestValidateRejectsRuleWithoutID(t *testing.T) {
	cfg := config.Default()
	cfg.Risk.Rules = append(cfg.Risk.Rules, types.RiskRuleConfig{Name: "no id"})

	if err := config.Validate(&cfg); err == nil {
		t.Fatal("expected validation error for risk rule without rule_id")
	}
}
