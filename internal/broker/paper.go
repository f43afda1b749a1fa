package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/tradecore/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaperAdapter is an in-memory Adapter: it accepts orders, "fills" them
// immediately at the requested (or a supplied mark) price, and never
// talks to a real venue. It exists so internal/orders, internal/positions
// and internal/account can be exercised without a live broker connection.
type PaperAdapter struct {
	logger *zap.Logger

	mu     sync.RWMutex
	state  ConnectionState
	orders map[string]types.Order
	marks  map[string]decimal.Decimal
	acct   types.AccountSnapshot

	connListenersMu sync.Mutex
	connListeners   []ConnectionListener
	orderListenersMu sync.Mutex
	orderListeners   []OrderListener

	// AutoFill, when true (the default), transitions every placed order
	// straight to filled. Tests that want to exercise partial fills or
	// pending states should set it false and call Fill explicitly.
	AutoFill bool
}

// NewPaperAdapter constructs a PaperAdapter starting in the disconnected
// state with the given starting account snapshot.
func NewPaperAdapter(logger *zap.Logger, acct types.AccountSnapshot) *PaperAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaperAdapter{
		logger:   logger.Named("paper-adapter"),
		state:    StateDisconnected,
		orders:   make(map[string]types.Order),
		marks:    make(map[string]decimal.Decimal),
		acct:     acct,
		AutoFill: true,
	}
}

func (p *PaperAdapter) setState(s ConnectionState) {
	p.mu.Lock()
	from := p.state
	p.state = s
	p.mu.Unlock()
	if from == s {
		return
	}
	p.connListenersMu.Lock()
	listeners := append([]ConnectionListener(nil), p.connListeners...)
	p.connListenersMu.Unlock()
	for _, l := range listeners {
		l(from, s)
	}
}

func (p *PaperAdapter) State() ConnectionState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Connect transitions disconnected -> connecting -> connected synchronously.
func (p *PaperAdapter) Connect(ctx context.Context) error {
	p.setState(StateConnecting)
	p.setState(StateConnected)
	return nil
}

func (p *PaperAdapter) Disconnect(ctx context.Context) error {
	p.setState(StateDisconnected)
	return nil
}

func (p *PaperAdapter) WaitForState(ctx context.Context, state ConnectionState, timeout time.Duration) error {
	if p.State() == state {
		return nil
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for state %s", state)
		case <-ticker.C:
			if p.State() == state {
				return nil
			}
		}
	}
}

func (p *PaperAdapter) SubscribeMarketData(ctx context.Context, symbols []string) error   { return nil }
func (p *PaperAdapter) UnsubscribeMarketData(ctx context.Context, symbols []string) error { return nil }

func (p *PaperAdapter) GetAccountInfo(ctx context.Context) (types.AccountSnapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.acct, nil
}

// SetMark sets the reference price GetMarketData and market-order fills
// use for symbol.
func (p *PaperAdapter) SetMark(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks[symbol] = price
}

func (p *PaperAdapter) GetMarketData(ctx context.Context, symbol string) (types.Tick, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.marks[symbol]
	if !ok {
		return types.Tick{}, fmt.Errorf("no mark set for %s", symbol)
	}
	return types.Tick{Symbol: symbol, Timestamp: time.Now(), Price: price}, nil
}

func (p *PaperAdapter) GetKlines(ctx context.Context, symbol, interval string, count int, start, end *time.Time) ([]Kline, error) {
	return nil, nil
}

func (p *PaperAdapter) GetPositions(ctx context.Context) ([]types.Position, error) {
	return nil, nil
}

func (p *PaperAdapter) GetOrders(ctx context.Context, status types.OrderState) ([]types.Order, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.Order, 0, len(p.orders))
	for _, o := range p.orders {
		if status == "" || o.State == status {
			out = append(out, o)
		}
	}
	return out, nil
}

func (p *PaperAdapter) GetOrder(ctx context.Context, orderID string) (types.Order, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	o, ok := p.orders[orderID]
	if !ok {
		return types.Order{}, fmt.Errorf("unknown order %s", orderID)
	}
	return o, nil
}

func (p *PaperAdapter) PlaceOrder(ctx context.Context, req OrderRequest) (types.Order, error) {
	now := time.Now()
	order := types.Order{
		OrderID:       uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Direction:     req.Direction,
		Offset:        req.Offset,
		Type:          req.Type,
		Price:         req.Price,
		Volume:        req.Volume,
		State:         types.StateSubmitted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	p.mu.Lock()
	fillPrice := req.Price
	if req.Type == types.OrderTypeMarket {
		if mark, ok := p.marks[req.Symbol]; ok {
			fillPrice = mark
		}
	}
	if p.AutoFill {
		order.State = types.StateFilled
		order.FilledVolume = req.Volume
		order.Price = fillPrice
	}
	p.orders[order.OrderID] = order
	p.mu.Unlock()

	p.notifyOrder(order)
	return order, nil
}

func (p *PaperAdapter) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	order, ok := p.orders[orderID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("unknown order %s", orderID)
	}
	if order.State.IsTerminal() {
		p.mu.Unlock()
		return fmt.Errorf("order %s already in terminal state %s", orderID, order.State)
	}
	order.State = types.StateCancelled
	order.UpdatedAt = time.Now()
	p.orders[orderID] = order
	p.mu.Unlock()

	p.notifyOrder(order)
	return nil
}

// Fill manually advances a resting order's filled volume, for tests that
// disable AutoFill to exercise partial-fill reconciliation.
func (p *PaperAdapter) Fill(orderID string, volume, price decimal.Decimal) error {
	p.mu.Lock()
	order, ok := p.orders[orderID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("unknown order %s", orderID)
	}
	order.FilledVolume = order.FilledVolume.Add(volume)
	order.Price = price
	order.UpdatedAt = time.Now()
	if order.FilledVolume.GreaterThanOrEqual(order.Volume) {
		order.State = types.StateFilled
	} else {
		order.State = types.StatePartialFilled
	}
	p.orders[orderID] = order
	p.mu.Unlock()

	p.notifyOrder(order)
	return nil
}

func (p *PaperAdapter) notifyOrder(order types.Order) {
	p.orderListenersMu.Lock()
	listeners := append([]OrderListener(nil), p.orderListeners...)
	p.orderListenersMu.Unlock()
	for _, l := range listeners {
		l(order)
	}
}

func (p *PaperAdapter) OnConnectionState(listener ConnectionListener) {
	p.connListenersMu.Lock()
	p.connListeners = append(p.connListeners, listener)
	p.connListenersMu.Unlock()
}

func (p *PaperAdapter) OnOrderStatus(listener OrderListener) {
	p.orderListenersMu.Lock()
	p.orderListeners = append(p.orderListeners, listener)
	p.orderListenersMu.Unlock()
}

var _ Adapter = (*PaperAdapter)(nil)
