// Package orders implements the order manager of spec §4.2: order
// lifecycle state machine enforcement, broker reconciliation, retries,
// and the three O(1) lookup indexes, grounded on the teacher's
// internal/execution order-tracking design and generalized to the full
// declared state graph in pkg/types.
package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/tradecore/internal/broker"
	"github.com/atlas-desktop/tradecore/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EventPublisher is the subset of internal/eventbus.Bus the manager needs;
// accepting an interface here keeps this package independent of the bus's
// concrete type and its construction.
type EventPublisher interface {
	Publish(evt types.Event) bool
}

// RiskChecker evaluates a candidate order before submission. Satisfied by
// internal/risk's Manager.
type RiskChecker interface {
	CheckOrder(ctx context.Context, order types.Order) (allow bool, reason string, err error)
}

// AccountChecker answers whether an account can support opening a new
// position. Satisfied by internal/account's Manager.
type AccountChecker interface {
	CanOpenPosition(ctx context.Context, symbol string, volume, price decimal.Decimal) (bool, error)
}

// TradingGate gates order creation on the broader trading-session and
// restriction-mode state the strategy executor and CLI flags control.
type TradingGate interface {
	TradingEnabled() bool
	OpensRestricted() bool
}

// OrderListener receives a deep copy of every order whose state changes.
type OrderListener func(order types.Order)

// TradeListener receives a deep copy of every detected fill.
type TradeListener func(trade types.Trade)

// Config tunes the manager's tracking loop and retry policy.
type Config struct {
	PollInterval     time.Duration
	SubmitTimeout    time.Duration
	CancelTimeout    time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
}

// DefaultConfig mirrors spec §4.2's named defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:  2 * time.Second,
		SubmitTimeout: 60 * time.Second,
		CancelTimeout: 60 * time.Second,
		MaxRetries:    3,
		RetryBackoff:  time.Second,
	}
}

// Filter narrows GetOrders to a symbol and/or strategy id and/or state.
type Filter struct {
	Symbol     string
	StrategyID string
	State      types.OrderState
}

// Manager mediates all order operations (spec §4.2).
type Manager struct {
	logger *zap.Logger
	cfg    Config
	broker broker.Adapter

	risk    RiskChecker
	account AccountChecker
	gate    TradingGate
	bus     EventPublisher

	mu         sync.RWMutex
	byID       map[string]*types.Order
	bySymbol   map[string]map[string]struct{}
	byStrategy map[string]map[string]struct{}
	active     map[string]struct{}

	listenersMu    sync.RWMutex
	orderListeners []OrderListener
	tradeListeners []TradeListener

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Manager. risk, account and gate may be nil, in which
// case their checks are skipped (useful for tests exercising the state
// machine in isolation).
func New(logger *zap.Logger, cfg Config, adapter broker.Adapter, risk RiskChecker, account AccountChecker, gate TradingGate, bus EventPublisher) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:     logger.Named("order-manager"),
		cfg:        cfg,
		broker:     adapter,
		risk:       risk,
		account:    account,
		gate:       gate,
		bus:        bus,
		byID:       make(map[string]*types.Order),
		bySymbol:   make(map[string]map[string]struct{}),
		byStrategy: make(map[string]map[string]struct{}),
		active:     make(map[string]struct{}),
	}
}

// Start launches the background tracking loop and, if a broker adapter is
// configured, registers a connection-state listener: a disconnect marks
// every active order unknown, a reconnect reconciles the full active set
// against the broker (spec §4.2 "Reconnection", §8 scenario 5).
func (m *Manager) Start(ctx context.Context) {
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.trackingLoop(ctx)

	if m.broker != nil {
		m.broker.OnConnectionState(func(from, to broker.ConnectionState) {
			switch to {
			case broker.StateDisconnected, broker.StateReconnecting:
				m.markActiveUnknown()
			case broker.StateConnected:
				if from != broker.StateConnected {
					if err := m.Reconcile(ctx); err != nil {
						m.logger.Warn("reconcile after reconnect failed", zap.Error(err))
					}
				}
			}
		})
	}
}

// markActiveUnknown moves every active order to StateUnknown, used when the
// broker connection drops and order state can no longer be trusted.
func (m *Manager) markActiveUnknown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	var changed []types.Order
	for _, id := range ids {
		o, ok := m.byID[id]
		if !ok || o.State == types.StateUnknown {
			continue
		}
		o.State = types.StateUnknown
		o.UpdatedAt = time.Now()
		changed = append(changed, *o)
	}
	m.mu.Unlock()

	if len(changed) > 0 {
		m.logger.Warn("broker disconnected, active orders marked unknown", zap.Int("count", len(changed)))
	}
	for _, snap := range changed {
		m.notifyOrder(snap)
	}
}

// Stop cooperatively halts the tracking loop and waits for it to exit.
func (m *Manager) Stop() {
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
}

// CreateOrder validates and submits a new order (spec §4.2 create_order).
func (m *Manager) CreateOrder(ctx context.Context, symbol string, direction types.OrderDirection, offset types.OrderOffset, price, volume decimal.Decimal, typ types.OrderType, strategyID, clientID string) (bool, string, *types.Order) {
	if m.gate != nil {
		if !m.gate.TradingEnabled() {
			return false, "trading disabled", nil
		}
		if offset == types.OffsetOpen && m.gate.OpensRestricted() {
			return false, "opens restricted", nil
		}
	}

	if clientID == "" {
		clientID = uuid.NewString()
	}
	now := time.Now()
	order := &types.Order{
		ClientOrderID: clientID,
		StrategyID:    strategyID,
		Symbol:        symbol,
		Direction:     direction,
		Offset:        offset,
		Type:          typ,
		Price:         price,
		Volume:        volume,
		State:         types.StateSubmitting,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if m.risk != nil {
		allow, reason, err := m.risk.CheckOrder(ctx, *order)
		if err != nil {
			return false, fmt.Sprintf("risk check error: %v", err), nil
		}
		if !allow {
			return false, reason, nil
		}
	}
	if m.account != nil && offset == types.OffsetOpen {
		ok, err := m.account.CanOpenPosition(ctx, symbol, volume, price)
		if err != nil {
			return false, fmt.Sprintf("account check error: %v", err), nil
		}
		if !ok {
			return false, "insufficient account capacity", nil
		}
	}

	placed, err := m.submitWithRetry(ctx, order)
	if err != nil {
		order.State = types.StateFailed
		order.LastError = err.Error()
		m.index(order)
		m.notifyOrder(*order)
		return false, err.Error(), order
	}

	order.OrderID = placed.OrderID
	order.BrokerOrderID = placed.OrderID
	order.State = placed.State
	order.FilledVolume = placed.FilledVolume
	order.Price = placed.Price
	order.UpdatedAt = time.Now()

	m.index(order)
	m.notifyOrder(*order)
	if order.FilledVolume.GreaterThan(decimal.Zero) {
		m.emitFillDelta(order, decimal.Zero, order.FilledVolume, order.Price)
	}
	return true, "", order
}

func (m *Manager) submitWithRetry(ctx context.Context, order *types.Order) (types.Order, error) {
	if m.broker == nil {
		return types.Order{}, fmt.Errorf("no broker adapter configured")
	}
	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		placed, err := m.broker.PlaceOrder(ctx, broker.OrderRequest{
			Symbol:        order.Symbol,
			Direction:     order.Direction,
			Offset:        order.Offset,
			Volume:        order.Volume,
			Price:         order.Price,
			Type:          order.Type,
			ClientOrderID: order.ClientOrderID,
		})
		if err == nil {
			return placed, nil
		}
		lastErr = err
		if !isTransient(err) {
			return types.Order{}, err
		}
		order.RetryCount = attempt + 1
		select {
		case <-ctx.Done():
			return types.Order{}, ctx.Err()
		case <-time.After(m.cfg.RetryBackoff):
		}
	}
	return types.Order{}, lastErr
}

// isTransient is a placeholder classification: permanent errors (invalid
// symbol, insufficient margin) are broker-specific and would be
// identified by a typed error from a real adapter; absent that, every
// error is treated as transient and retried up to the bound.
func isTransient(err error) bool { return err != nil }

func (m *Manager) index(order *types.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := orderKey(order)
	m.byID[id] = order

	if m.bySymbol[order.Symbol] == nil {
		m.bySymbol[order.Symbol] = make(map[string]struct{})
	}
	m.bySymbol[order.Symbol][id] = struct{}{}

	if order.StrategyID != "" {
		if m.byStrategy[order.StrategyID] == nil {
			m.byStrategy[order.StrategyID] = make(map[string]struct{})
		}
		m.byStrategy[order.StrategyID][id] = struct{}{}
	}

	if order.State.IsTerminal() {
		delete(m.active, id)
	} else {
		m.active[id] = struct{}{}
	}
}

// orderKey prefers the broker-assigned id; before the broker acknowledges
// submission, orders are keyed by their stable client id.
func orderKey(order *types.Order) string {
	if order.OrderID != "" {
		return order.OrderID
	}
	return order.ClientOrderID
}

// CancelOrder cancels an order in a cancellable state (spec §4.2
// cancel_order).
func (m *Manager) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	m.mu.RLock()
	order, ok := m.byID[orderID]
	m.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("unknown order %s", orderID)
	}

	m.mu.Lock()
	switch order.State {
	case types.StateSubmitting, types.StateSubmitted, types.StatePartialFilled:
		order.State = types.StateCancelling
	default:
		m.mu.Unlock()
		return false, fmt.Errorf("order %s not cancellable from state %s", orderID, order.State)
	}
	snapshot := *order
	m.mu.Unlock()
	m.notifyOrder(snapshot)

	ctx, cancel := context.WithTimeout(ctx, m.cfg.CancelTimeout)
	defer cancel()
	if m.broker == nil {
		return false, fmt.Errorf("no broker adapter configured")
	}
	if err := m.broker.CancelOrder(ctx, orderID); err != nil {
		// Cancels are not retried; re-query the broker's view instead.
		m.reconcileOne(ctx, orderID)
		return false, err
	}

	m.mu.Lock()
	order.State = types.StateCancelled
	order.UpdatedAt = time.Now()
	now := order.UpdatedAt
	order.CancelledAt = &now
	delete(m.active, orderKey(order))
	snapshot = *order
	m.mu.Unlock()
	m.notifyOrder(snapshot)
	return true, nil
}

// CancelAll cancels every active order matching strategyID and/or symbol
// (either may be empty to mean "any"), concurrently.
func (m *Manager) CancelAll(ctx context.Context, strategyID, symbol string) (succeeded, failed int) {
	candidates := m.GetActiveOrders()
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, o := range candidates {
		if strategyID != "" && o.StrategyID != strategyID {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			ok, _ := m.CancelOrder(ctx, id)
			mu.Lock()
			if ok {
				succeeded++
			} else {
				failed++
			}
			mu.Unlock()
		}(orderKey(o))
	}
	wg.Wait()
	return succeeded, failed
}

// GetOrder returns a deep copy of the order identified by id, or nil.
func (m *Manager) GetOrder(id string) *types.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.byID[id]
	if !ok {
		return nil
	}
	return o.Clone()
}

// GetOrders returns deep copies of every order matching filter. A zero
// Filter matches everything.
func (m *Manager) GetOrders(filter Filter) []*types.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Order, 0, len(m.byID))
	for _, o := range m.byID {
		if filter.Symbol != "" && o.Symbol != filter.Symbol {
			continue
		}
		if filter.StrategyID != "" && o.StrategyID != filter.StrategyID {
			continue
		}
		if filter.State != "" && o.State != filter.State {
			continue
		}
		out = append(out, o.Clone())
	}
	return out
}

// GetActiveOrders returns deep copies of every order not in a terminal
// state.
func (m *Manager) GetActiveOrders() []*types.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Order, 0, len(m.active))
	for id := range m.active {
		if o, ok := m.byID[id]; ok {
			out = append(out, o.Clone())
		}
	}
	return out
}

// GetCompletedOrders returns deep copies of every order in a terminal
// state.
func (m *Manager) GetCompletedOrders() []*types.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Order, 0)
	for id, o := range m.byID {
		if _, active := m.active[id]; !active {
			out = append(out, o.Clone())
		}
	}
	return out
}

// AddOrderListener registers fn to receive every order state change.
func (m *Manager) AddOrderListener(fn OrderListener) {
	m.listenersMu.Lock()
	m.orderListeners = append(m.orderListeners, fn)
	m.listenersMu.Unlock()
}

// AddTradeListener registers fn to receive every detected fill.
func (m *Manager) AddTradeListener(fn TradeListener) {
	m.listenersMu.Lock()
	m.tradeListeners = append(m.tradeListeners, fn)
	m.listenersMu.Unlock()
}

func (m *Manager) notifyOrder(order types.Order) {
	m.listenersMu.RLock()
	listeners := append([]OrderListener(nil), m.orderListeners...)
	m.listenersMu.RUnlock()
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("order listener panicked", zap.Any("panic", r))
				}
			}()
			l(order)
		}()
	}
	if m.bus != nil {
		m.bus.Publish(types.Event{
			Type:     types.EventOrderUpdate,
			Source:   "order-manager",
			Priority: 3,
			Payload: map[string]any{
				"order_id": orderKey(&order),
				"state":    string(order.State),
				"symbol":   order.Symbol,
			},
		})
	}
}

func (m *Manager) notifyTrade(trade types.Trade) {
	m.listenersMu.RLock()
	listeners := append([]TradeListener(nil), m.tradeListeners...)
	m.listenersMu.RUnlock()
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("trade listener panicked", zap.Any("panic", r))
				}
			}()
			l(trade)
		}()
	}
	if m.bus != nil {
		m.bus.Publish(types.Event{
			Type:     types.EventTradeFill,
			Source:   "order-manager",
			Priority: 2,
			Payload: map[string]any{
				"order_id": trade.OrderID,
				"symbol":   trade.Symbol,
				"price":    trade.Price,
				"volume":   trade.Volume,
			},
		})
	}
}

// emitFillDelta records a cumulative-fill observation as a discrete trade
// event, using the idempotent delta between old and new cumulative filled
// volume rather than re-emitting the cumulative total (spec §4.2
// "observing filled_volume increases").
func (m *Manager) emitFillDelta(order *types.Order, oldFilled, newFilled, price decimal.Decimal) {
	delta := newFilled.Sub(oldFilled)
	if !delta.GreaterThan(decimal.Zero) {
		return
	}
	m.notifyTrade(types.Trade{
		OrderID:    orderKey(order),
		Symbol:     order.Symbol,
		Direction:  order.Direction,
		Offset:     order.Offset,
		Price:      price,
		Volume:     delta,
		ExecutedAt: time.Now(),
	})
}

// trackingLoop polls the broker for active orders and reconciles them
// (spec §4.2 "Tracking loop").
func (m *Manager) trackingLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reconcileActive(ctx)
		}
	}
}

func (m *Manager) reconcileActive(ctx context.Context) {
	if m.broker == nil {
		return
	}
	for _, o := range m.GetActiveOrders() {
		m.reconcileOne(ctx, orderKey(o))

		timedOut := time.Since(o.UpdatedAt) > m.cfg.SubmitTimeout
		if !timedOut {
			continue
		}
		m.mu.Lock()
		cur, ok := m.byID[orderKey(o)]
		if ok && cur.State == types.StateSubmitting {
			cur.State = types.StateFailed
			cur.LastError = "submission timed out"
			cur.UpdatedAt = time.Now()
			delete(m.active, orderKey(cur))
			snap := *cur
			m.mu.Unlock()
			m.notifyOrder(snap)
			continue
		}
		m.mu.Unlock()
	}
}

func (m *Manager) reconcileOne(ctx context.Context, id string) {
	remote, err := m.broker.GetOrder(ctx, id)
	if err != nil {
		m.logger.Debug("reconcile: broker lookup failed", zap.String("order_id", id), zap.Error(err))
		return
	}
	m.applyReconciled(remote)
}

func (m *Manager) applyReconciled(remote types.Order) {
	id := orderKey(&remote)
	m.mu.Lock()
	local, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if !types.CanTransition(local.State, remote.State) && local.State != remote.State {
		m.mu.Unlock()
		return
	}
	oldFilled := local.FilledVolume
	local.State = remote.State
	local.FilledVolume = remote.FilledVolume
	local.Price = remote.Price
	local.UpdatedAt = time.Now()
	if local.State.IsTerminal() {
		delete(m.active, id)
	}
	snapshot := *local
	m.mu.Unlock()

	m.notifyOrder(snapshot)
	if remote.FilledVolume.GreaterThan(oldFilled) {
		m.emitFillDelta(local, oldFilled, remote.FilledVolume, remote.Price)
	}
}

// LinkStopLoss associates a resting stop-loss order with its parent
// (supplemental to spec §4.2's base operations, kept from the teacher's
// order manager: original_source models the same parent/protective-order
// association).
func (m *Manager) LinkStopLoss(parentID, stopLossID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if parent, ok := m.byID[parentID]; ok {
		parent.StopLossID = stopLossID
	}
	if sl, ok := m.byID[stopLossID]; ok {
		sl.ParentOrderID = parentID
	}
}

// LinkTakeProfit associates a resting take-profit order with its parent.
func (m *Manager) LinkTakeProfit(parentID, takeProfitID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if parent, ok := m.byID[parentID]; ok {
		parent.TakeProfitID = takeProfitID
	}
	if tp, ok := m.byID[takeProfitID]; ok {
		tp.ParentOrderID = parentID
	}
}

// CancelLinkedOrders cancels the stop-loss and take-profit orders linked
// to parentID, if any.
func (m *Manager) CancelLinkedOrders(ctx context.Context, parentID string) {
	m.mu.RLock()
	parent, ok := m.byID[parentID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if parent.StopLossID != "" {
		m.CancelOrder(ctx, parent.StopLossID)
	}
	if parent.TakeProfitID != "" {
		m.CancelOrder(ctx, parent.TakeProfitID)
	}
}

// Reconcile reloads the full active-order set from the broker, used after
// a reconnect to resolve any orders left in the unknown state (spec §4.2
// "Reconnection").
func (m *Manager) Reconcile(ctx context.Context) error {
	if m.broker == nil {
		return fmt.Errorf("no broker adapter configured")
	}
	remoteOrders, err := m.broker.GetOrders(ctx, "")
	if err != nil {
		return err
	}
	for _, remote := range remoteOrders {
		m.applyReconciled(remote)
	}
	return nil
}
