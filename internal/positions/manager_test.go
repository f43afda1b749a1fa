package positions_test

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/tradecore/internal/positions"
	"github.com/atlas-desktop/tradecore/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func trade(symbol string, direction types.OrderDirection, offset types.OrderOffset, price, volume int64) types.Trade {
	return types.Trade{
		Symbol:     symbol,
		Direction:  direction,
		Offset:     offset,
		Price:      decimal.NewFromInt(price),
		Volume:     decimal.NewFromInt(volume),
		ExecutedAt: time.Now(),
	}
}

func TestOpenFillCreatesPositionWithVolumeWeightedAvgCost(t *testing.T) {
	mgr := positions.New(zap.NewNop(), positions.DefaultConfig(), positions.DefaultRiskLimits(), nil, nil, nil, nil)

	mgr.RecordFill(trade("BTC-USD", types.DirectionBuy, types.OffsetOpen, 100, 2))
	mgr.RecordFill(trade("BTC-USD", types.DirectionBuy, types.OffsetOpen, 200, 2))

	pos := mgr.GetPosition("BTC-USD", types.PositionLong)
	if pos == nil {
		t.Fatal("expected a long position to exist")
	}
	if !pos.Volume.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("expected volume 4, got %s", pos.Volume)
	}
	if !pos.AvgCost.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("expected volume-weighted avg cost 150, got %s", pos.AvgCost)
	}
}

func TestCloseFillComputesRealizedPnLForLong(t *testing.T) {
	mgr := positions.New(zap.NewNop(), positions.DefaultConfig(), positions.DefaultRiskLimits(), nil, nil, nil, nil)
	mgr.RecordFill(trade("BTC-USD", types.DirectionBuy, types.OffsetOpen, 100, 10))
	mgr.RecordFill(trade("BTC-USD", types.DirectionSell, types.OffsetClose, 120, 4))

	pos := mgr.GetPosition("BTC-USD", types.PositionLong)
	if pos == nil {
		t.Fatal("expected remaining long position to exist")
	}
	if !pos.Volume.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("expected remaining volume 6, got %s", pos.Volume)
	}
	if !pos.RealizedPnL.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("expected realized pnl 80 ((120-100)*4), got %s", pos.RealizedPnL)
	}
}

func TestPositionArchivedWhenFullyClosed(t *testing.T) {
	mgr := positions.New(zap.NewNop(), positions.DefaultConfig(), positions.DefaultRiskLimits(), nil, nil, nil, nil)
	mgr.RecordFill(trade("BTC-USD", types.DirectionBuy, types.OffsetOpen, 100, 5))
	mgr.RecordFill(trade("BTC-USD", types.DirectionSell, types.OffsetClose, 110, 5))

	if pos := mgr.GetPosition("BTC-USD", types.PositionLong); pos != nil {
		t.Fatalf("expected position to be archived once fully closed, got %+v", pos)
	}
}

func TestShortPositionRealizedPnLDirection(t *testing.T) {
	mgr := positions.New(zap.NewNop(), positions.DefaultConfig(), positions.DefaultRiskLimits(), nil, nil, nil, nil)
	mgr.RecordFill(trade("BTC-USD", types.DirectionSell, types.OffsetOpen, 100, 5))
	mgr.RecordFill(trade("BTC-USD", types.DirectionBuy, types.OffsetClose, 90, 5))

	if pos := mgr.GetPosition("BTC-USD", types.PositionShort); pos != nil {
		t.Fatalf("expected short position to be archived, got %+v", pos)
	}
}

type fakeOrders struct {
	calls []string
}

func (f *fakeOrders) CreateOrder(ctx context.Context, symbol string, direction types.OrderDirection, offset types.OrderOffset,
	price, volume decimal.Decimal, typ types.OrderType, strategyID, clientID string) (bool, string, *types.Order) {
	f.calls = append(f.calls, symbol)
	return true, "", &types.Order{Symbol: symbol, Direction: direction, Offset: offset, Volume: volume}
}

func TestClosePositionEmitsClosingOrder(t *testing.T) {
	closer := &fakeOrders{}
	mgr := positions.New(zap.NewNop(), positions.DefaultConfig(), positions.DefaultRiskLimits(), nil, closer, nil, nil)
	mgr.RecordFill(trade("BTC-USD", types.DirectionBuy, types.OffsetOpen, 100, 5))

	ok, _, err := mgr.ClosePosition(context.Background(), "BTC-USD", types.PositionLong, decimal.Zero, decimal.Zero, "")
	if err != nil || !ok {
		t.Fatalf("expected close to succeed, ok=%v err=%v", ok, err)
	}
	if len(closer.calls) != 1 {
		t.Fatalf("expected exactly one closing order, got %d", len(closer.calls))
	}
}

func TestCloseAllConcurrentlyTalliesResults(t *testing.T) {
	closer := &fakeOrders{}
	mgr := positions.New(zap.NewNop(), positions.DefaultConfig(), positions.DefaultRiskLimits(), nil, closer, nil, nil)
	mgr.RecordFill(trade("BTC-USD", types.DirectionBuy, types.OffsetOpen, 100, 5))
	mgr.RecordFill(trade("ETH-USD", types.DirectionBuy, types.OffsetOpen, 50, 10))

	succeeded, failed := mgr.CloseAll(context.Background())
	if succeeded != 2 || failed != 0 {
		t.Fatalf("expected 2 successes, got succeeded=%d failed=%d", succeeded, failed)
	}
}

func TestExposureComputesLeverageAgainstAccountBalance(t *testing.T) {
	acct := fakeAccountSource{balance: decimal.NewFromInt(1000)}
	mgr := positions.New(zap.NewNop(), positions.DefaultConfig(), positions.DefaultRiskLimits(), nil, nil, acct, nil)
	mgr.RecordFill(trade("BTC-USD", types.DirectionBuy, types.OffsetOpen, 100, 20))

	summary := mgr.Exposure(context.Background())
	if !summary.Leverage.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected leverage 2 (2000/1000), got %s", summary.Leverage)
	}
}

type fakeAccountSource struct {
	balance decimal.Decimal
}

func (f fakeAccountSource) GetAccountInfo(ctx context.Context) (types.AccountSnapshot, error) {
	return types.AccountSnapshot{Balance: f.balance}, nil
}

func TestReevaluateLimitsFiresVaRBreach(t *testing.T) {
	limits := positions.RiskLimits{
		VaRMultiplier: decimal.NewFromFloat(1.65),
		MaxVaR:        decimal.NewFromInt(1000),
	}
	mgr := positions.New(zap.NewNop(), positions.DefaultConfig(), limits, nil, nil, nil, nil)

	breaches := make(chan types.PositionBreach, 1)
	mgr.AddBreachListener(func(b types.PositionBreach) { breaches <- b })

	mgr.RecordFill(trade("BTC-USD", types.DirectionBuy, types.OffsetOpen, 1000, 100))

	select {
	case b := <-breaches:
		if b.Kind != types.BreachVaR {
			t.Fatalf("expected a VaR breach, got %s", b.Kind)
		}
		if !b.Observed.GreaterThan(b.Limit) {
			t.Fatalf("expected observed VaR %s to exceed limit %s", b.Observed, b.Limit)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a VaR breach to be recorded")
	}
}

func TestSetRiskLimitRejectsUnknownName(t *testing.T) {
	mgr := positions.New(zap.NewNop(), positions.DefaultConfig(), positions.DefaultRiskLimits(), nil, nil, nil, nil)
	if err := mgr.SetRiskLimit("not_a_real_limit", decimal.NewFromInt(1)); err == nil {
		t.Fatal("expected an error for an unknown risk limit name")
	}
	if err := mgr.SetRiskLimit("max_leverage", decimal.NewFromInt(10)); err != nil {
		t.Fatalf("SetRiskLimit: %v", err)
	}
}
