package strategyexec

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atlas-desktop/tradecore/pkg/types"
	"go.uber.org/zap"
)

type stubStrategy struct {
	onRun func() error
}

func (s *stubStrategy) Initialize(ctx context.Context, params map[string]any) error { return nil }
func (s *stubStrategy) Start(ctx context.Context) error                            { return nil }
func (s *stubStrategy) Stop(ctx context.Context) error                             { return nil }
func (s *stubStrategy) OnTick(ctx context.Context, tick types.Tick) error          { return nil }
func (s *stubStrategy) OnBar(ctx context.Context, bar types.OHLCV) error           { return nil }
func (s *stubStrategy) OnOrderUpdate(ctx context.Context, order types.Order) error { return nil }
func (s *stubStrategy) OnTrade(ctx context.Context, trade types.Trade) error       { return nil }
func (s *stubStrategy) OnPositionChange(ctx context.Context, position types.Position) error {
	return nil
}
func (s *stubStrategy) OnAccountChange(ctx context.Context, account types.AccountSnapshot) error {
	return nil
}
func (s *stubStrategy) OnTimer(ctx context.Context) error { return nil }
func (s *stubStrategy) Run(ctx context.Context) error {
	if s.onRun != nil {
		return s.onRun()
	}
	return nil
}

func newTestInstance(strategy Strategy) *instance {
	info := types.StrategyInfo{ID: "s1"}
	return newInstance(zap.NewNop(), strategy, info, time.Minute, 3)
}

func TestInvokeRecoversPanicAndRecordsError(t *testing.T) {
	inst := newTestInstance(&stubStrategy{onRun: func() error { panic("boom") }})
	inst.invoke("run", func() error { return inst.strategy.Run(context.Background()) })

	snap := inst.snapshot()
	if snap.Metrics.ErrorCount != 1 {
		t.Fatalf("expected 1 recorded error, got %d", snap.Metrics.ErrorCount)
	}
	if snap.Metrics.RunCount != 1 {
		t.Fatalf("expected 1 recorded run, got %d", snap.Metrics.RunCount)
	}
}

func TestInvokeSerializesConcurrentCalls(t *testing.T) {
	var inProgress atomic.Int32
	var overlapped atomic.Bool
	strategy := &stubStrategy{onRun: func() error {
		if inProgress.Add(1) > 1 {
			overlapped.Store(true)
		}
		time.Sleep(10 * time.Millisecond)
		inProgress.Add(-1)
		return nil
	}}
	inst := newTestInstance(strategy)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst.invoke("run", func() error { return inst.strategy.Run(context.Background()) })
		}()
	}
	wg.Wait()

	if overlapped.Load() {
		t.Fatal("expected callbacks to never run concurrently on the same instance")
	}
}

func TestRecordErrorExceedsThresholdWithinWindow(t *testing.T) {
	inst := newTestInstance(&stubStrategy{})
	inst.errorWindow = time.Minute
	inst.maxErrors = 2

	var exceeded bool
	for i := 0; i < 4; i++ {
		exceeded = inst.recordError()
	}
	if !exceeded {
		t.Fatal("expected error rate to exceed threshold after 4 errors with max 2")
	}
}

func TestRecordErrorForgetsErrorsOutsideWindow(t *testing.T) {
	inst := newTestInstance(&stubStrategy{})
	inst.errorWindow = time.Millisecond
	inst.maxErrors = 1

	inst.recordError()
	inst.recordError()
	time.Sleep(5 * time.Millisecond)

	exceeded := inst.recordError()
	if exceeded {
		t.Fatal("expected stale errors outside the window to be forgotten")
	}
}

func TestSubscribedToAllSymbolsWhenUnset(t *testing.T) {
	inst := newTestInstance(&stubStrategy{})
	if !inst.subscribed("ANY-SYM") {
		t.Fatal("expected instance with no declared symbols to subscribe to everything")
	}
}

func TestSubscribedRestrictsToDeclaredSymbols(t *testing.T) {
	info := types.StrategyInfo{ID: "s1", Symbols: []string{"BTC-USD"}}
	inst := newInstance(zap.NewNop(), &stubStrategy{}, info, time.Minute, 3)

	if !inst.subscribed("BTC-USD") {
		t.Fatal("expected BTC-USD to be subscribed")
	}
	if inst.subscribed("ETH-USD") {
		t.Fatal("expected ETH-USD to not be subscribed")
	}
}
