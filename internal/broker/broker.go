// Package broker defines the contract this module expects from a broker
// connection (spec §4.7): connection lifecycle, market data subscription,
// and the order/account query surface the order, position and account
// managers are built against. The concrete wire protocol to a real broker
// is explicitly out of scope; this package and its PaperAdapter exist so
// the rest of the module can be built and tested against a stable
// interface (grounded on the ExchangeAdapter contract this module's
// teacher used for the same purpose).
package broker

import (
	"context"
	"time"

	"github.com/atlas-desktop/tradecore/pkg/types"
	"github.com/shopspring/decimal"
)

// ConnectionState is a node in the broker connection's state machine.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateError        ConnectionState = "error"
)

// ConnectionListener is notified on every connection state transition.
type ConnectionListener func(from, to ConnectionState)

// OrderListener is notified whenever the broker reports an order-status
// change, independent of whichever manager submitted the order.
type OrderListener func(order types.Order)

// OrderRequest is the input to PlaceOrder.
type OrderRequest struct {
	Symbol        string
	Direction     types.OrderDirection
	Offset        types.OrderOffset
	Volume        decimal.Decimal
	Price         decimal.Decimal
	Type          types.OrderType
	ClientOrderID string
}

// Kline is one OHLCV bar as returned by GetKlines.
type Kline = types.OHLCV

// Adapter is the async request/response contract a broker connection must
// satisfy (spec §4.7). Every method is safe for concurrent use; the
// adapter itself owns the single writer to the underlying connection.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	WaitForState(ctx context.Context, state ConnectionState, timeout time.Duration) error
	State() ConnectionState

	SubscribeMarketData(ctx context.Context, symbols []string) error
	UnsubscribeMarketData(ctx context.Context, symbols []string) error

	GetAccountInfo(ctx context.Context) (types.AccountSnapshot, error)
	GetPositions(ctx context.Context) ([]types.Position, error)
	GetOrders(ctx context.Context, status types.OrderState) ([]types.Order, error)
	GetOrder(ctx context.Context, orderID string) (types.Order, error)
	GetMarketData(ctx context.Context, symbol string) (types.Tick, error)
	GetKlines(ctx context.Context, symbol, interval string, count int, start, end *time.Time) ([]Kline, error)

	PlaceOrder(ctx context.Context, req OrderRequest) (types.Order, error)
	CancelOrder(ctx context.Context, orderID string) error

	OnConnectionState(listener ConnectionListener)
	OnOrderStatus(listener OrderListener)
}

// ReconnectPolicy configures Adapter implementations' automatic reconnect
// loop (spec §4.7 "bounded or unbounded retry policy and configurable
// backoff").
type ReconnectPolicy struct {
	MaxAttempts  int // 0 means unbounded
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultReconnectPolicy is an unbounded exponential backoff capped at 30s.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts:  0,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// NextDelay returns the backoff delay before reconnect attempt number
// attempt (1-indexed), doubling each time up to MaxDelay.
func (p ReconnectPolicy) NextDelay(attempt int) time.Duration {
	d := p.InitialDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Exhausted reports whether attempt has used up the policy's budget.
func (p ReconnectPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}
