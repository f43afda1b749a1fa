package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is a single execution against a working order. Trades are derived
// from order update deltas and are never mutated once recorded.
type Trade struct {
	OrderID    string
	Symbol     string
	Direction  OrderDirection
	Offset     OrderOffset
	Price      decimal.Decimal
	Volume     decimal.Decimal
	Commission decimal.Decimal
	ExecutedAt time.Time
}
