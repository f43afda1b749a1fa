// Package eventbus implements the sharded, priority-aware event bus of
// spec §4.1: urgent/normal queues per shard, a validation -> filter ->
// route -> dispatch pipeline, adaptive batch pacing, per-type event
// pooling, glob-pattern subscriptions, and a circuit breaker gating
// publish admission.
package eventbus

import (
	"time"

	"github.com/atlas-desktop/tradecore/pkg/types"
)

// Config tunes a Bus. New replaces a zero ShardCount with DefaultConfig's
// value and zero IOWorkers/CPUWorkers with 4*NumCPU and NumCPU; other zero
// fields are used as given. Start from DefaultConfig or FromAppConfig for a
// fully populated Config.
type Config struct {
	ShardCount          int
	QueueHighWaterMark  int
	QueueHardCeiling    int
	TargetRate          int
	MinBatchSize        int
	MaxBatchSize        int
	BatchSampleInterval time.Duration
	HandlerTimeout      time.Duration

	EnableCoalescing bool
	CoalesceWindow   time.Duration

	PoolCapacityPerType int

	DisableCircuitBreaker bool
	BreakerThreshold      uint32
	BreakerRecovery       time.Duration
	BreakerHalfOpenProbes uint32

	IOWorkers  int
	CPUWorkers int
}

// DefaultConfig mirrors the numeric defaults spec §4.1 names explicitly.
func DefaultConfig() Config {
	return Config{
		ShardCount:            8,
		QueueHighWaterMark:    8000,
		QueueHardCeiling:      10000,
		TargetRate:            10000,
		MinBatchSize:          50,
		MaxBatchSize:          1000,
		BatchSampleInterval:   time.Second,
		HandlerTimeout:        5 * time.Second,
		EnableCoalescing:      false,
		CoalesceWindow:        50 * time.Millisecond,
		PoolCapacityPerType:   10000,
		DisableCircuitBreaker: false,
		BreakerThreshold:      5,
		BreakerRecovery:       30 * time.Second,
		BreakerHalfOpenProbes: 2,
		IOWorkers:             32,
		CPUWorkers:            0, // 0 => runtime.NumCPU()
	}
}

// FromAppConfig builds a Config from the on-disk event_bus section,
// falling back to DefaultConfig for any zero field.
func FromAppConfig(c types.EventBusConfig) Config {
	cfg := DefaultConfig()
	if c.ShardCount > 0 {
		cfg.ShardCount = c.ShardCount
	}
	if c.QueueHighWaterMark > 0 {
		cfg.QueueHighWaterMark = c.QueueHighWaterMark
	}
	if c.QueueHardCeiling > 0 {
		cfg.QueueHardCeiling = c.QueueHardCeiling
	}
	if c.TargetRate > 0 {
		cfg.TargetRate = c.TargetRate
	}
	if c.MinBatchSize > 0 {
		cfg.MinBatchSize = c.MinBatchSize
	}
	if c.MaxBatchSize > 0 {
		cfg.MaxBatchSize = c.MaxBatchSize
	}
	if c.BatchSampleInterval > 0 {
		cfg.BatchSampleInterval = c.BatchSampleInterval
	}
	if c.CoalesceWindow > 0 {
		cfg.CoalesceWindow = c.CoalesceWindow
		cfg.EnableCoalescing = true
	}
	if c.PoolCapacityPerType > 0 {
		cfg.PoolCapacityPerType = c.PoolCapacityPerType
	}
	if c.BreakerThreshold > 0 {
		cfg.BreakerThreshold = uint32(c.BreakerThreshold)
	}
	if c.BreakerRecovery > 0 {
		cfg.BreakerRecovery = c.BreakerRecovery
	}
	cfg.DisableCircuitBreaker = c.DisableCircuitBreaker
	return cfg
}
