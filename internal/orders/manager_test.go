package orders_test

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/tradecore/internal/broker"
	"github.com/atlas-desktop/tradecore/internal/orders"
	"github.com/atlas-desktop/tradecore/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) (*orders.Manager, *broker.PaperAdapter) {
	t.Helper()
	adapter := broker.NewPaperAdapter(zap.NewNop(), types.AccountSnapshot{AccountID: "acc-1"})
	mgr := orders.New(zap.NewNop(), orders.DefaultConfig(), adapter, nil, nil, nil, nil)
	return mgr, adapter
}

func TestCreateOrderAutoFillsAndIndexes(t *testing.T) {
	mgr, _ := newTestManager(t)
	ok, reason, order := mgr.CreateOrder(context.Background(), "BTC-USD", types.DirectionBuy, types.OffsetOpen,
		decimal.NewFromInt(100), decimal.NewFromInt(2), types.OrderTypeLimit, "strat-1", "")
	if !ok {
		t.Fatalf("expected success, got reason %q", reason)
	}
	if order.State != types.StateFilled {
		t.Fatalf("expected filled, got %s", order.State)
	}

	fetched := mgr.GetOrder(order.OrderID)
	if fetched == nil || fetched.Symbol != "BTC-USD" {
		t.Fatal("expected order to be retrievable by id")
	}

	bySymbol := mgr.GetOrders(orders.Filter{Symbol: "BTC-USD"})
	if len(bySymbol) != 1 {
		t.Fatalf("expected 1 order indexed by symbol, got %d", len(bySymbol))
	}
	byStrategy := mgr.GetOrders(orders.Filter{StrategyID: "strat-1"})
	if len(byStrategy) != 1 {
		t.Fatalf("expected 1 order indexed by strategy, got %d", len(byStrategy))
	}
}

func TestCreateOrderRejectedWhenTradingDisabled(t *testing.T) {
	adapter := broker.NewPaperAdapter(zap.NewNop(), types.AccountSnapshot{})
	mgr := orders.New(zap.NewNop(), orders.DefaultConfig(), adapter, nil, nil, disabledGate{}, nil)

	ok, reason, order := mgr.CreateOrder(context.Background(), "BTC-USD", types.DirectionBuy, types.OffsetOpen,
		decimal.NewFromInt(100), decimal.NewFromInt(1), types.OrderTypeLimit, "", "")
	if ok || order != nil {
		t.Fatal("expected order creation to be refused")
	}
	if reason != "trading disabled" {
		t.Fatalf("unexpected reason: %s", reason)
	}
}

func TestCreateOrderRejectedByRiskCheck(t *testing.T) {
	adapter := broker.NewPaperAdapter(zap.NewNop(), types.AccountSnapshot{})
	mgr := orders.New(zap.NewNop(), orders.DefaultConfig(), adapter, rejectingRisk{}, nil, nil, nil)

	ok, reason, _ := mgr.CreateOrder(context.Background(), "BTC-USD", types.DirectionBuy, types.OffsetOpen,
		decimal.NewFromInt(100), decimal.NewFromInt(1), types.OrderTypeLimit, "", "")
	if ok {
		t.Fatal("expected risk check to refuse order")
	}
	if reason != "exceeds max order value" {
		t.Fatalf("unexpected reason: %s", reason)
	}
}

func TestCancelOrderOnlyValidFromCancellableStates(t *testing.T) {
	mgr, adapter := newTestManager(t)
	adapter.AutoFill = false

	_, _, order := mgr.CreateOrder(context.Background(), "BTC-USD", types.DirectionBuy, types.OffsetOpen,
		decimal.NewFromInt(100), decimal.NewFromInt(5), types.OrderTypeLimit, "", "")

	ok, err := mgr.CancelOrder(context.Background(), order.OrderID)
	if !ok || err != nil {
		t.Fatalf("expected cancel to succeed from submitted, got ok=%v err=%v", ok, err)
	}

	ok, err = mgr.CancelOrder(context.Background(), order.OrderID)
	if ok || err == nil {
		t.Fatal("expected a second cancel on an already-cancelled order to fail")
	}
}

func TestCancelAllConcurrently(t *testing.T) {
	mgr, adapter := newTestManager(t)
	adapter.AutoFill = false

	for i := 0; i < 5; i++ {
		mgr.CreateOrder(context.Background(), "BTC-USD", types.DirectionBuy, types.OffsetOpen,
			decimal.NewFromInt(100), decimal.NewFromInt(1), types.OrderTypeLimit, "strat-1", "")
	}

	succeeded, failed := mgr.CancelAll(context.Background(), "strat-1", "")
	if succeeded != 5 || failed != 0 {
		t.Fatalf("expected 5 successes and 0 failures, got %d/%d", succeeded, failed)
	}
	if len(mgr.GetActiveOrders()) != 0 {
		t.Fatal("expected no active orders after CancelAll")
	}
}

func TestOrderListenerReceivesStateChanges(t *testing.T) {
	mgr, _ := newTestManager(t)
	seen := make(chan types.Order, 4)
	mgr.AddOrderListener(func(o types.Order) { seen <- o })

	mgr.CreateOrder(context.Background(), "BTC-USD", types.DirectionBuy, types.OffsetOpen,
		decimal.NewFromInt(100), decimal.NewFromInt(1), types.OrderTypeLimit, "", "")

	select {
	case o := <-seen:
		if o.Symbol != "BTC-USD" {
			t.Fatalf("unexpected order in listener callback: %+v", o)
		}
	case <-time.After(time.Second):
		t.Fatal("listener was never invoked")
	}
}

func TestTradeListenerReceivesFillOnCreate(t *testing.T) {
	mgr, _ := newTestManager(t)
	seen := make(chan types.Trade, 1)
	mgr.AddTradeListener(func(tr types.Trade) { seen <- tr })

	mgr.CreateOrder(context.Background(), "BTC-USD", types.DirectionBuy, types.OffsetOpen,
		decimal.NewFromInt(100), decimal.NewFromInt(3), types.OrderTypeLimit, "", "")

	select {
	case tr := <-seen:
		if !tr.Volume.Equal(decimal.NewFromInt(3)) {
			t.Fatalf("expected fill delta of 3, got %s", tr.Volume)
		}
	case <-time.After(time.Second):
		t.Fatal("trade listener was never invoked")
	}
}

func TestReconcileAppliesBrokerFill(t *testing.T) {
	mgr, adapter := newTestManager(t)
	adapter.AutoFill = false

	_, _, order := mgr.CreateOrder(context.Background(), "BTC-USD", types.DirectionBuy, types.OffsetOpen,
		decimal.NewFromInt(100), decimal.NewFromInt(10), types.OrderTypeLimit, "", "")

	if err := adapter.Fill(order.OrderID, decimal.NewFromInt(10), decimal.NewFromInt(101)); err != nil {
		t.Fatalf("Fill: %v", err)
	}

	if err := mgr.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	fetched := mgr.GetOrder(order.OrderID)
	if fetched.State != types.StateFilled {
		t.Fatalf("expected reconcile to observe the broker fill, got %s", fetched.State)
	}
}

func TestLinkedOrdersCancelTogether(t *testing.T) {
	mgr, adapter := newTestManager(t)
	adapter.AutoFill = false

	_, _, parent := mgr.CreateOrder(context.Background(), "BTC-USD", types.DirectionBuy, types.OffsetOpen,
		decimal.NewFromInt(100), decimal.NewFromInt(1), types.OrderTypeLimit, "", "")
	_, _, stop := mgr.CreateOrder(context.Background(), "BTC-USD", types.DirectionSell, types.OffsetClose,
		decimal.NewFromInt(90), decimal.NewFromInt(1), types.OrderTypeStop, "", "")

	mgr.LinkStopLoss(parent.OrderID, stop.OrderID)
	mgr.CancelLinkedOrders(context.Background(), parent.OrderID)

	fetched := mgr.GetOrder(stop.OrderID)
	if fetched.State != types.StateCancelled {
		t.Fatalf("expected linked stop-loss to be cancelled, got %s", fetched.State)
	}
}

func TestConnectionListenerMarksUnknownOnDisconnectAndReconcilesOnReconnect(t *testing.T) {
	mgr, adapter := newTestManager(t)
	adapter.AutoFill = false
	mgr.Start(context.Background())
	defer mgr.Stop()

	_, _, order := mgr.CreateOrder(context.Background(), "BTC-USD", types.DirectionBuy, types.OffsetOpen,
		decimal.NewFromInt(100), decimal.NewFromInt(5), types.OrderTypeLimit, "", "")

	if err := adapter.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	fetched := mgr.GetOrder(order.OrderID)
	if fetched.State != types.StateUnknown {
		t.Fatalf("expected order to be marked unknown on disconnect, got %s", fetched.State)
	}

	if err := adapter.Fill(order.OrderID, decimal.NewFromInt(5), decimal.NewFromInt(101)); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if err := adapter.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	fetched = mgr.GetOrder(order.OrderID)
	if fetched.State != types.StateFilled {
		t.Fatalf("expected reconnect to reconcile the broker fill, got %s", fetched.State)
	}
}

type disabledGate struct{}

func (disabledGate) TradingEnabled() bool { return false }
func (disabledGate) OpensRestricted() bool { return false }

type rejectingRisk struct{}

func (rejectingRisk) CheckOrder(ctx context.Context, order types.Order) (bool, string, error) {
	return false, "exceeds max order value", nil
}
