package strategyexec

import (
	"testing"
	"time"

	"github.com/atlas-desktop/tradecore/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestCheckOnceInvokesBreachOnCPUThreshold(t *testing.T) {
	var policy string
	sample := func() (float64, uint64, error) { return 95.0, 0, nil }
	cfg := types.KillSwitchConfig{MaxCPUPercent: decimal.NewFromFloat(80), Policy: "stop_all"}
	mon := NewResourceMonitor(zap.NewNop(), cfg, sample, func(p string) { policy = p })

	mon.checkOnce()

	if policy != "stop_all" {
		t.Fatalf("expected onBreach invoked with stop_all, got %q", policy)
	}
}

func TestCheckOnceInvokesBreachOnRSSThreshold(t *testing.T) {
	called := false
	sample := func() (float64, uint64, error) { return 0, 2_000_000_000, nil }
	cfg := types.KillSwitchConfig{MaxRSSBytes: 1_000_000_000, Policy: "warn"}
	mon := NewResourceMonitor(zap.NewNop(), cfg, sample, func(p string) { called = true })

	mon.checkOnce()

	if !called {
		t.Fatal("expected onBreach invoked on RSS breach")
	}
}

func TestCheckOnceNoBreachWhenBelowThresholds(t *testing.T) {
	called := false
	sample := func() (float64, uint64, error) { return 10.0, 100, nil }
	cfg := types.KillSwitchConfig{MaxCPUPercent: decimal.NewFromFloat(80), MaxRSSBytes: 1_000_000_000}
	mon := NewResourceMonitor(zap.NewNop(), cfg, sample, func(p string) { called = true })

	mon.checkOnce()

	if called {
		t.Fatal("expected no breach callback when samples are within limits")
	}
}

func TestCheckOnceDefaultsToWarnPolicy(t *testing.T) {
	var policy string
	sample := func() (float64, uint64, error) { return 95.0, 0, nil }
	cfg := types.KillSwitchConfig{MaxCPUPercent: decimal.NewFromFloat(10)}
	mon := NewResourceMonitor(zap.NewNop(), cfg, sample, func(p string) { policy = p })

	mon.checkOnce()

	if policy != "warn" {
		t.Fatalf("expected default policy warn, got %q", policy)
	}
}

func TestResourceMonitorSamplesOnInterval(t *testing.T) {
	calls := make(chan struct{}, 8)
	sample := func() (float64, uint64, error) {
		select {
		case calls <- struct{}{}:
		default:
		}
		return 0, 0, nil
	}
	cfg := types.KillSwitchConfig{SampleInterval: 5 * time.Millisecond}
	mon := NewResourceMonitor(zap.NewNop(), cfg, sample, nil)

	mon.Start()
	defer mon.Stop()

	select {
	case <-calls:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected at least one sample within 500ms")
	}
}
