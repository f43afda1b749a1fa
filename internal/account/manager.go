// Package account implements the account manager of spec §4.6: a thin
// broker-authoritative balance/margin cache refreshed on broker push and on
// an internal interval, grounded on the teacher's mutex-guarded
// cache-struct convention.
package account

import (
	"context"
	"sync"
	"time"

	"github.com/atlas-desktop/tradecore/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BrokerSource is the subset of internal/broker.Adapter the manager needs.
type BrokerSource interface {
	GetAccountInfo(ctx context.Context) (types.AccountSnapshot, error)
}

// Listener receives the latest account snapshot on every refresh.
type Listener func(snapshot types.AccountSnapshot)

// Config tunes the refresh cadence and margin headroom used by
// CanOpenPosition.
type Config struct {
	RefreshInterval  time.Duration
	MarginBuffer     decimal.Decimal // fraction of available balance to keep unencumbered
}

// DefaultConfig refreshes every 10s and reserves a 5% margin buffer.
func DefaultConfig() Config {
	return Config{
		RefreshInterval: 10 * time.Second,
		MarginBuffer:    decimal.NewFromFloat(0.05),
	}
}

// Manager is the thin account-state cache of spec §4.6.
type Manager struct {
	logger *zap.Logger
	cfg    Config
	broker BrokerSource

	mu       sync.RWMutex
	snapshot types.AccountSnapshot
	have     bool

	listenersMu sync.RWMutex
	listeners   []Listener

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Manager. broker may be nil in tests that seed the
// snapshot directly via Update.
func New(logger *zap.Logger, cfg Config, broker BrokerSource) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger: logger.Named("account-manager"),
		cfg:    cfg,
		broker: broker,
		stopCh: make(chan struct{}),
	}
}

// Start launches the periodic refresh loop and fetches an initial
// snapshot.
func (m *Manager) Start(ctx context.Context) {
	m.refresh(ctx)
	m.wg.Add(1)
	go m.refreshLoop(ctx)
}

// Stop halts the refresh loop and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// AddListener registers fn to receive every refreshed snapshot.
func (m *Manager) AddListener(fn Listener) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenersMu.Unlock()
}

// GetAccountInfo returns the last-known snapshot. Satisfies
// internal/positions.AccountSource and internal/orders.AccountChecker's
// underlying data source.
func (m *Manager) GetAccountInfo(ctx context.Context) (types.AccountSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot, nil
}

// Update seeds the cache directly (broker push path), notifying listeners.
func (m *Manager) Update(snapshot types.AccountSnapshot) {
	snapshot.UpdatedAt = time.Now()
	m.mu.Lock()
	m.snapshot = snapshot
	m.have = true
	m.mu.Unlock()
	m.notify(snapshot)
}

// CanOpenPosition reports whether the account has enough available margin
// to open a new position of volume at price, reserving the configured
// margin buffer (spec §4.6).
func (m *Manager) CanOpenPosition(ctx context.Context, symbol string, volume, price decimal.Decimal) (bool, error) {
	m.mu.RLock()
	snap := m.snapshot
	have := m.have
	m.mu.RUnlock()
	if !have {
		return false, nil
	}

	required := volume.Mul(price)
	headroom := snap.Available.Mul(decimal.NewFromInt(1).Sub(m.cfg.MarginBuffer))
	return required.LessThanOrEqual(headroom), nil
}

func (m *Manager) refreshLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refresh(ctx)
		}
	}
}

func (m *Manager) refresh(ctx context.Context) {
	if m.broker == nil {
		return
	}
	snapshot, err := m.broker.GetAccountInfo(ctx)
	if err != nil {
		m.logger.Warn("account refresh failed", zap.Error(err))
		return
	}
	m.Update(snapshot)
}

func (m *Manager) notify(snapshot types.AccountSnapshot) {
	m.listenersMu.RLock()
	listeners := append([]Listener(nil), m.listeners...)
	m.listenersMu.RUnlock()
	for _, l := range listeners {
		func() {
			defer func() { recover() }()
			l(snapshot)
		}()
	}
}
