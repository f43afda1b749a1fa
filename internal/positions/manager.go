// Package positions implements the position manager of spec §4.4: fill
// application against the authoritative in-memory position book,
// mark-to-market, and continuous risk-limit re-evaluation, grounded on the
// teacher's updatePosition logic in internal/execution/order_manager.go
// generalized to track both sides of a symbol and realized P&L on close.
package positions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/tradecore/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EventPublisher is the subset of internal/eventbus.Bus the manager needs.
type EventPublisher interface {
	Publish(evt types.Event) bool
}

// OrderCloser is the subset of internal/orders.Manager used to emit
// closing orders. Satisfied structurally — no import of internal/orders.
type OrderCloser interface {
	CreateOrder(ctx context.Context, symbol string, direction types.OrderDirection, offset types.OrderOffset,
		price, volume decimal.Decimal, typ types.OrderType, strategyID, clientID string) (bool, string, *types.Order)
}

// PriceSource is the subset of internal/broker.Adapter the mark-to-market
// loop needs.
type PriceSource interface {
	GetMarketData(ctx context.Context, symbol string) (types.Tick, error)
}

// AccountSource supplies the account balance the leverage/VaR computations
// divide by.
type AccountSource interface {
	GetAccountInfo(ctx context.Context) (types.AccountSnapshot, error)
}

// Listener receives a position snapshot after every fill application or
// mark-to-market update.
type Listener func(position types.Position)

// BreachListener receives every newly recorded risk-limit breach.
type BreachListener func(breach types.PositionBreach)

// HistorySample is one mark-to-market observation retained because it
// moved the last price by more than the configured noise threshold.
type HistorySample struct {
	At        time.Time
	Price     decimal.Decimal
	FloatPnL  decimal.Decimal
}

// RiskLimits are the continuously re-evaluated position-level limits
// (spec §4.4).
type RiskLimits struct {
	MaxTotalExposure       decimal.Decimal
	MaxSymbolExposure      decimal.Decimal
	MaxSinglePositionValue decimal.Decimal
	MaxLeverage            decimal.Decimal
	MaxConcentrationRatio  decimal.Decimal
	VaRMultiplier          decimal.Decimal
	MaxVaR                 decimal.Decimal
	CorrelationGroups      map[string][]string
}

// DefaultRiskLimits mirrors the teacher's DefaultRiskConfig position-limit
// defaults, adapted to the position manager's own limit set.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxTotalExposure:       decimal.NewFromInt(500000),
		MaxSymbolExposure:      decimal.NewFromInt(100000),
		MaxSinglePositionValue: decimal.NewFromInt(50000),
		MaxLeverage:            decimal.NewFromInt(5),
		MaxConcentrationRatio:  decimal.NewFromFloat(0.4),
		VaRMultiplier:          decimal.NewFromFloat(1.65),
		MaxVaR:                 decimal.NewFromInt(25000),
		CorrelationGroups: map[string][]string{
			"btc-correlated": {"BTC-USD", "ETH-USD", "SOL-USD"},
		},
	}
}

// Config tunes the mark-to-market and history sampling cadence.
type Config struct {
	AutoUpdateInterval time.Duration
	NoiseThreshold     decimal.Decimal
	HistoryCapacity    int
}

// DefaultConfig mirrors spec §4.4's named defaults (5s mark-to-market, 0.1%
// noise threshold).
func DefaultConfig() Config {
	return Config{
		AutoUpdateInterval: 5 * time.Second,
		NoiseThreshold:     decimal.NewFromFloat(0.001),
		HistoryCapacity:    256,
	}
}

// Manager is the authoritative in-memory position book (spec §4.4).
type Manager struct {
	logger *zap.Logger
	cfg    Config
	prices PriceSource
	orders OrderCloser
	acct   AccountSource
	bus    EventPublisher

	mu        sync.RWMutex
	positions map[types.PositionKey]*types.Position
	history   map[types.PositionKey][]HistorySample

	limitsMu sync.RWMutex
	limits   RiskLimits
	breaches []types.PositionBreach

	listenersMu       sync.RWMutex
	listeners         []Listener
	breachListeners   []BreachListener

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Manager. prices/orders/acct may be nil; the
// mark-to-market loop and close operations degrade gracefully without
// them (useful in tests exercising only fill application).
func New(logger *zap.Logger, cfg Config, limits RiskLimits, prices PriceSource, orders OrderCloser, acct AccountSource, bus EventPublisher) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:    logger.Named("position-manager"),
		cfg:       cfg,
		prices:    prices,
		orders:    orders,
		acct:      acct,
		bus:       bus,
		positions: make(map[types.PositionKey]*types.Position),
		history:   make(map[types.PositionKey][]HistorySample),
		limits:    limits,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the mark-to-market and risk re-evaluation loop.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.markToMarketLoop(ctx)
}

// Stop halts the background loop and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// AddListener registers fn to receive a position snapshot on every update.
func (m *Manager) AddListener(fn Listener) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenersMu.Unlock()
}

// AddBreachListener registers fn to receive every newly recorded breach.
func (m *Manager) AddBreachListener(fn BreachListener) {
	m.listenersMu.Lock()
	m.breachListeners = append(m.breachListeners, fn)
	m.listenersMu.Unlock()
}

// RecordFill applies trade (already delta-adjusted by the order manager's
// idempotent cumulative-fill tracking) to the position book per spec
// §4.4's open/close algorithm.
func (m *Manager) RecordFill(trade types.Trade) {
	if trade.Volume.IsZero() {
		return
	}

	var snapshot types.Position
	var notify bool

	m.mu.Lock()
	if trade.Offset == types.OffsetOpen {
		snapshot, notify = m.applyOpen(trade)
	} else {
		snapshot, notify = m.applyClose(trade)
	}
	m.mu.Unlock()

	if notify {
		m.notifyListeners(snapshot)
		m.reevaluateLimits()
	}
}

func (m *Manager) sideForOpen(direction types.OrderDirection) types.PositionSide {
	if direction == types.DirectionBuy {
		return types.PositionLong
	}
	return types.PositionShort
}

func (m *Manager) applyOpen(trade types.Trade) (types.Position, bool) {
	side := m.sideForOpen(trade.Direction)
	key := types.PositionKey{Symbol: trade.Symbol, Side: side}
	pos, ok := m.positions[key]
	if !ok {
		pos = &types.Position{Symbol: trade.Symbol, Side: side, OpenedAt: trade.ExecutedAt}
		m.positions[key] = pos
	}

	totalCost := pos.AvgCost.Mul(pos.Volume).Add(trade.Price.Mul(trade.Volume))
	pos.Volume = pos.Volume.Add(trade.Volume)
	if !pos.Volume.IsZero() {
		pos.AvgCost = totalCost.Div(pos.Volume)
	}
	pos.LastPrice = trade.Price
	pos.Fills = append(pos.Fills, trade)
	return *pos, true
}

func (m *Manager) applyClose(trade types.Trade) (types.Position, bool) {
	openSide := types.PositionLong
	if trade.Direction == types.DirectionBuy {
		// a close executed via a buy closes a short position
		openSide = types.PositionShort
	}
	key := types.PositionKey{Symbol: trade.Symbol, Side: openSide}
	pos, ok := m.positions[key]
	if !ok || pos.Volume.IsZero() {
		m.logger.Warn("close fill with no matching open position", zap.String("symbol", trade.Symbol))
		return types.Position{}, false
	}

	executed := decimal.Min(trade.Volume, pos.Volume)
	var realized decimal.Decimal
	if openSide == types.PositionLong {
		realized = trade.Price.Sub(pos.AvgCost).Mul(executed)
	} else {
		realized = pos.AvgCost.Sub(trade.Price).Mul(executed)
	}

	pos.Volume = pos.Volume.Sub(executed)
	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	pos.LastPrice = trade.Price
	pos.Fills = append(pos.Fills, trade)

	snapshot := *pos
	if pos.Volume.IsZero() {
		delete(m.positions, key)
		delete(m.history, key)
		m.logger.Info("position closed", zap.String("symbol", trade.Symbol), zap.String("side", string(openSide)),
			zap.String("realized_pnl", pos.RealizedPnL.String()))
	}
	return snapshot, true
}

// GetPosition returns a copy of the position at (symbol, side), or nil if
// none is held.
func (m *Manager) GetPosition(symbol string, side types.PositionSide) *types.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[types.PositionKey{Symbol: symbol, Side: side}]
	if !ok {
		return nil
	}
	return pos.Clone()
}

// GetPositions returns a copy of every held position.
func (m *Manager) GetPositions() []*types.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, pos.Clone())
	}
	return out
}

// ClosePosition emits a closing order for the given (symbol, side) via the
// order manager. volume defaults to the full held size when zero.
func (m *Manager) ClosePosition(ctx context.Context, symbol string, side types.PositionSide, volume, price decimal.Decimal, strategyID string) (bool, string, error) {
	if m.orders == nil {
		return false, "", fmt.Errorf("position manager has no order closer configured")
	}
	pos := m.GetPosition(symbol, side)
	if pos == nil || pos.Volume.IsZero() {
		return false, "no position held", nil
	}
	if volume.IsZero() || volume.GreaterThan(pos.Volume) {
		volume = pos.Volume
	}

	direction := types.DirectionSell
	if side == types.PositionShort {
		direction = types.DirectionBuy
	}
	typ := types.OrderTypeLimit
	if price.IsZero() {
		typ = types.OrderTypeMarket
	}

	ok, reason, _ := m.orders.CreateOrder(ctx, symbol, direction, types.OffsetClose, price, volume, typ, strategyID, "")
	return ok, reason, nil
}

// CloseAll concurrently closes every held position, returning a
// success/failure tally (spec §4.4 "execute concurrently").
func (m *Manager) CloseAll(ctx context.Context) (succeeded, failed int) {
	positions := m.GetPositions()
	return m.closeConcurrently(ctx, positions, func(p *types.Position) decimal.Decimal { return p.Volume })
}

// ReduceAll concurrently reduces every held position by ratio (0,1].
func (m *Manager) ReduceAll(ctx context.Context, ratio decimal.Decimal) (succeeded, failed int) {
	if ratio.LessThanOrEqual(decimal.Zero) || ratio.GreaterThan(decimal.NewFromInt(1)) {
		return 0, 0
	}
	positions := m.GetPositions()
	return m.closeConcurrently(ctx, positions, func(p *types.Position) decimal.Decimal { return p.Volume.Mul(ratio) })
}

func (m *Manager) closeConcurrently(ctx context.Context, positions []*types.Position, volumeFor func(*types.Position) decimal.Decimal) (succeeded, failed int) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, pos := range positions {
		pos := pos
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := m.ClosePosition(ctx, pos.Symbol, pos.Side, volumeFor(pos), decimal.Zero, pos.StrategyID)
			mu.Lock()
			if ok && err == nil {
				succeeded++
			} else {
				failed++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return succeeded, failed
}

// SetRiskLimit updates a single named risk limit at runtime.
func (m *Manager) SetRiskLimit(name string, value decimal.Decimal) error {
	m.limitsMu.Lock()
	defer m.limitsMu.Unlock()
	switch name {
	case "max_total_exposure":
		m.limits.MaxTotalExposure = value
	case "max_symbol_exposure":
		m.limits.MaxSymbolExposure = value
	case "max_single_position_value":
		m.limits.MaxSinglePositionValue = value
	case "max_leverage":
		m.limits.MaxLeverage = value
	case "max_concentration_ratio":
		m.limits.MaxConcentrationRatio = value
	case "var_multiplier":
		m.limits.VaRMultiplier = value
	case "max_var":
		m.limits.MaxVaR = value
	default:
		return fmt.Errorf("unknown risk limit %q", name)
	}
	return nil
}

// GetBreaches returns every breach recorded since the manager started.
func (m *Manager) GetBreaches() []types.PositionBreach {
	m.limitsMu.RLock()
	defer m.limitsMu.RUnlock()
	return append([]types.PositionBreach(nil), m.breaches...)
}

func (m *Manager) notifyListeners(pos types.Position) {
	m.listenersMu.RLock()
	listeners := append([]Listener(nil), m.listeners...)
	m.listenersMu.RUnlock()
	for _, l := range listeners {
		func() {
			defer func() { recover() }()
			l(pos)
		}()
	}
	if m.bus != nil {
		m.bus.Publish(types.Event{
			Type:   types.EventPositionChange,
			Source: "position-manager",
			Payload: map[string]any{
				"symbol": pos.Symbol,
				"side":   string(pos.Side),
				"volume": pos.Volume,
			},
		})
	}
}

func (m *Manager) markToMarketLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.AutoUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.markToMarket(ctx)
		}
	}
}

func (m *Manager) markToMarket(ctx context.Context) {
	if m.prices == nil {
		return
	}
	m.mu.Lock()
	keys := make([]types.PositionKey, 0, len(m.positions))
	for k := range m.positions {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	for _, key := range keys {
		tick, err := m.prices.GetMarketData(ctx, key.Symbol)
		if err != nil {
			m.logger.Warn("mark-to-market price fetch failed", zap.String("symbol", key.Symbol), zap.Error(err))
			continue
		}
		m.applyMark(key, tick.Price)
	}
	m.reevaluateLimits()
}

func (m *Manager) applyMark(key types.PositionKey, price decimal.Decimal) {
	m.mu.Lock()
	pos, ok := m.positions[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	prevPrice := pos.LastPrice
	pos.LastPrice = price
	if pos.Side == types.PositionLong {
		pos.FloatingPnL = price.Sub(pos.AvgCost).Mul(pos.Volume)
	} else {
		pos.FloatingPnL = pos.AvgCost.Sub(price).Mul(pos.Volume)
	}
	snapshot := *pos

	moved := true
	if !prevPrice.IsZero() {
		changeRatio := price.Sub(prevPrice).Div(prevPrice).Abs()
		moved = changeRatio.GreaterThan(m.cfg.NoiseThreshold)
	}
	if moved {
		hist := m.history[key]
		hist = append(hist, HistorySample{At: time.Now(), Price: price, FloatPnL: pos.FloatingPnL})
		if len(hist) > m.cfg.HistoryCapacity {
			hist = hist[len(hist)-m.cfg.HistoryCapacity:]
		}
		m.history[key] = hist
	}
	m.mu.Unlock()

	m.notifyListeners(snapshot)
}

// History returns the retained mark-to-market samples for (symbol, side).
func (m *Manager) History(symbol string, side types.PositionSide) []HistorySample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]HistorySample(nil), m.history[types.PositionKey{Symbol: symbol, Side: side}]...)
}

// Exposure computes the aggregate exposure summary (spec §4.4).
func (m *Manager) Exposure(ctx context.Context) types.ExposureSummary {
	positions := m.GetPositions()
	var summary types.ExposureSummary
	var maxSingle decimal.Decimal
	symbolValue := make(map[string]decimal.Decimal)

	for _, pos := range positions {
		value := pos.Volume.Mul(pos.LastPrice).Abs()
		symbolValue[pos.Symbol] = symbolValue[pos.Symbol].Add(value)
		if pos.Side == types.PositionLong {
			summary.TotalLongValue = summary.TotalLongValue.Add(value)
		} else {
			summary.TotalShortValue = summary.TotalShortValue.Add(value)
		}
		if value.GreaterThan(maxSingle) {
			maxSingle = value
		}
	}
	summary.MaxSinglePositionValue = maxSingle
	summary.NetExposure = summary.TotalLongValue.Sub(summary.TotalShortValue)
	summary.AbsoluteExposure = summary.TotalLongValue.Add(summary.TotalShortValue)

	if summary.AbsoluteExposure.GreaterThan(decimal.Zero) {
		summary.ConcentrationRatio = m.maxGroupExposure(symbolValue).Div(summary.AbsoluteExposure)
	}

	if m.acct != nil {
		if acct, err := m.acct.GetAccountInfo(ctx); err == nil && !acct.Balance.IsZero() {
			summary.Leverage = summary.AbsoluteExposure.Div(acct.Balance)
		}
	}

	volatility := decimal.NewFromFloat(0.02)
	m.limitsMu.RLock()
	multiplier := m.limits.VaRMultiplier
	m.limitsMu.RUnlock()
	summary.ValueAtRisk = multiplier.Mul(volatility).Mul(summary.NetExposure.Abs())

	if f, ok := summary.NetExposure.Float64(); ok {
		netExposureGauge.Set(f)
	}
	return summary
}

// maxGroupExposure returns the largest correlation-group's aggregate
// exposure, used by the concentration-ratio breach check (spec §9
// supplemented feature: correlation-group exposure tracking).
func (m *Manager) maxGroupExposure(symbolValue map[string]decimal.Decimal) decimal.Decimal {
	m.limitsMu.RLock()
	groups := m.limits.CorrelationGroups
	m.limitsMu.RUnlock()

	max := decimal.Zero
	for _, symbols := range groups {
		total := decimal.Zero
		for _, s := range symbols {
			total = total.Add(symbolValue[s])
		}
		if total.GreaterThan(max) {
			max = total
		}
	}
	for symbol, value := range symbolValue {
		grouped := false
		for _, symbols := range groups {
			for _, s := range symbols {
				if s == symbol {
					grouped = true
				}
			}
		}
		if !grouped && value.GreaterThan(max) {
			max = value
		}
	}
	return max
}

func (m *Manager) reevaluateLimits() {
	ctx := context.Background()
	summary := m.Exposure(ctx)
	m.limitsMu.RLock()
	limits := m.limits
	m.limitsMu.RUnlock()

	now := time.Now()
	var newBreaches []types.PositionBreach
	if limits.MaxTotalExposure.GreaterThan(decimal.Zero) && summary.AbsoluteExposure.GreaterThan(limits.MaxTotalExposure) {
		newBreaches = append(newBreaches, types.PositionBreach{Kind: types.BreachPositionValue, Limit: limits.MaxTotalExposure, Observed: summary.AbsoluteExposure, DetectedAt: now})
	}
	if limits.MaxSinglePositionValue.GreaterThan(decimal.Zero) && summary.MaxSinglePositionValue.GreaterThan(limits.MaxSinglePositionValue) {
		newBreaches = append(newBreaches, types.PositionBreach{Kind: types.BreachSymbolSize, Limit: limits.MaxSinglePositionValue, Observed: summary.MaxSinglePositionValue, DetectedAt: now})
	}
	if limits.MaxLeverage.GreaterThan(decimal.Zero) && summary.Leverage.GreaterThan(limits.MaxLeverage) {
		newBreaches = append(newBreaches, types.PositionBreach{Kind: types.BreachLeverage, Limit: limits.MaxLeverage, Observed: summary.Leverage, DetectedAt: now})
	}
	if limits.MaxConcentrationRatio.GreaterThan(decimal.Zero) && summary.ConcentrationRatio.GreaterThan(limits.MaxConcentrationRatio) {
		newBreaches = append(newBreaches, types.PositionBreach{Kind: types.BreachConcentration, Limit: limits.MaxConcentrationRatio, Observed: summary.ConcentrationRatio, DetectedAt: now})
	}
	if limits.MaxVaR.GreaterThan(decimal.Zero) && summary.ValueAtRisk.GreaterThan(limits.MaxVaR) {
		newBreaches = append(newBreaches, types.PositionBreach{Kind: types.BreachVaR, Limit: limits.MaxVaR, Observed: summary.ValueAtRisk, DetectedAt: now})
	}

	if len(newBreaches) == 0 {
		return
	}

	m.limitsMu.Lock()
	m.breaches = append(m.breaches, newBreaches...)
	m.limitsMu.Unlock()

	m.listenersMu.RLock()
	listeners := append([]BreachListener(nil), m.breachListeners...)
	m.listenersMu.RUnlock()
	for _, breach := range newBreaches {
		breachesTotal.WithLabelValues(string(breach.Kind)).Inc()
		for _, l := range listeners {
			l(breach)
		}
		if m.bus != nil {
			m.bus.Publish(types.Event{
				Type:   types.EventRiskBreach,
				Source: "position-manager",
				Payload: map[string]any{
					"kind":     string(breach.Kind),
					"limit":    breach.Limit,
					"observed": breach.Observed,
				},
			})
		}
	}
}
