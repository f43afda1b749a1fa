package types

import "time"

import "github.com/shopspring/decimal"

// OrderDirection is buy or sell.
type OrderDirection string

const (
	DirectionBuy  OrderDirection = "buy"
	DirectionSell OrderDirection = "sell"
)

// OrderOffset distinguishes opening a position from closing one. Some
// markets (e.g. Chinese futures) further distinguish closing today's
// position from yesterday's; both are modeled so the order manager never
// has to special-case a market.
type OrderOffset string

const (
	OffsetOpen          OrderOffset = "open"
	OffsetClose         OrderOffset = "close"
	OffsetCloseToday    OrderOffset = "close_today"
	OffsetCloseYesterday OrderOffset = "close_yesterday"
)

// IsClose reports whether the offset closes an existing position.
func (o OrderOffset) IsClose() bool {
	return o == OffsetClose || o == OffsetCloseToday || o == OffsetCloseYesterday
}

// OrderType is the execution style requested.
type OrderType string

const (
	OrderTypeLimit      OrderType = "limit"
	OrderTypeMarket     OrderType = "market"
	OrderTypeStop       OrderType = "stop"
	OrderTypeStopLimit  OrderType = "stop_limit"
	OrderTypeFillAndKill OrderType = "fill_and_kill"
	OrderTypeFillOrKill OrderType = "fill_or_kill"
)

// OrderState is a node in the order lifecycle graph of spec §4.2. Terminal
// states (Filled, Cancelled, Rejected, Failed) never transition further.
type OrderState string

const (
	StateSubmitting    OrderState = "submitting"
	StateSubmitted     OrderState = "submitted"
	StatePartialFilled OrderState = "partial_filled"
	StateCancelling    OrderState = "cancelling"
	StateFilled        OrderState = "filled"
	StateCancelled     OrderState = "cancelled"
	StateRejected      OrderState = "rejected"
	StateFailed        OrderState = "failed"
	StateUnknown       OrderState = "unknown"
)

// IsTerminal reports whether no further transition is valid from state s.
func (s OrderState) IsTerminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateFailed:
		return true
	default:
		return false
	}
}

// orderTransitions is the declared state graph; CanTransition consults it
// so illegal jumps (e.g. submitting -> filled) are refused uniformly
// instead of re-implemented ad hoc at each call site.
var orderTransitions = map[OrderState][]OrderState{
	StateSubmitting:    {StateSubmitted, StateRejected, StateFailed, StateUnknown},
	StateSubmitted:     {StatePartialFilled, StateFilled, StateCancelling, StateRejected, StateFailed, StateUnknown},
	StatePartialFilled: {StateFilled, StateCancelling, StateCancelled, StateUnknown},
	StateCancelling:    {StateCancelled, StatePartialFilled, StateFilled, StateUnknown},
	StateUnknown:       {StateSubmitted, StatePartialFilled, StateFilled, StateCancelled, StateRejected, StateFailed, StateUnknown},
}

// CanTransition reports whether the order state graph permits moving
// from -> to. Terminal states never permit a transition.
func CanTransition(from, to OrderState) bool {
	if from.IsTerminal() {
		return false
	}
	if from == to {
		return true
	}
	for _, allowed := range orderTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Order is a trading order under management. OrderID is the broker's
// identifier, assigned once the broker acknowledges submission; ClientOrderID
// is generated locally and is stable for the process lifetime, used to
// correlate the request with the eventual broker callback.
type Order struct {
	OrderID       string
	ClientOrderID string
	StrategyID    string
	Symbol        string
	Direction     OrderDirection
	Offset        OrderOffset
	Type          OrderType
	Price         decimal.Decimal
	Volume        decimal.Decimal
	FilledVolume  decimal.Decimal
	State         OrderState
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CancelledAt   *time.Time
	LastError     string
	RetryCount    int
	BrokerOrderID string

	// ParentOrderID, StopLossID and TakeProfitID support linking a
	// protective stop/target pair to a parent order (supplemental to the
	// base order-manager operations).
	ParentOrderID string
	StopLossID    string
	TakeProfitID  string
}

// Remaining returns the unfilled volume.
func (o *Order) Remaining() decimal.Decimal {
	return o.Volume.Sub(o.FilledVolume)
}

// Clone returns a deep-enough copy safe to hand to a caller outside the
// order manager's lock; Order holds no nested mutable reference types
// besides decimal.Decimal, which is itself immutable by convention.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	if o.CancelledAt != nil {
		t := *o.CancelledAt
		cp.CancelledAt = &t
	}
	return &cp
}
