package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OHLCV is a single candlestick, delivered as the payload of a
// market-bar event.
type OHLCV struct {
	Symbol    string
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// Tick is a single trade/quote tick, delivered as the payload of a
// market-tick event.
type Tick struct {
	Symbol    string
	Timestamp time.Time
	Price     decimal.Decimal
	Size      decimal.Decimal
	Side      OrderDirection
	TradeID   string
}

// OrderBookLevel is one price level of a depth snapshot.
type OrderBookLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderBook is a depth snapshot, delivered as the payload of a
// market-depth event.
type OrderBook struct {
	Symbol    string
	Bids      []OrderBookLevel
	Asks      []OrderBookLevel
	Timestamp time.Time
}
