package config

import (
	"os"
	"path/filepath"

	"github.com/atlas-desktop/tradecore/pkg/types"
	"gopkg.in/yaml.v3"
)

// ScanStrategies reads every .yaml/.yml file directly under dir into a
// types.StrategyFileConfig (spec §6 "one file per strategy").
func ScanStrategies(dir string) ([]types.StrategyFileConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var configs []types.StrategyFileConfig
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		var cfg types.StrategyFileConfig
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}
