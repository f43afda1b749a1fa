package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide is long or short.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// PositionKey identifies a position: at most one live position exists per
// (Symbol, Side) pair.
type PositionKey struct {
	Symbol string
	Side   PositionSide
}

// Position is the authoritative in-memory view of a held position, built
// from applied fills. Volume is always >= 0; when it reaches zero the
// position manager archives it.
type Position struct {
	Symbol        string
	Side          PositionSide
	Volume        decimal.Decimal
	AvgCost       decimal.Decimal
	LastPrice     decimal.Decimal
	FloatingPnL   decimal.Decimal
	RealizedPnL   decimal.Decimal
	OpenedAt      time.Time
	Fills         []Trade
	StrategyID    string
}

// Key returns the (symbol, side) identity of the position.
func (p *Position) Key() PositionKey {
	return PositionKey{Symbol: p.Symbol, Side: p.Side}
}

// Clone returns a copy safe to hand outside the position manager's lock.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Fills = append([]Trade(nil), p.Fills...)
	return &cp
}

// PositionBreachKind classifies the risk-limit check that fired.
type PositionBreachKind string

const (
	BreachLeverage     PositionBreachKind = "leverage"
	BreachConcentration PositionBreachKind = "concentration"
	BreachPositionValue PositionBreachKind = "position_value"
	BreachVaR           PositionBreachKind = "var"
	BreachSymbolSize    PositionBreachKind = "per_symbol_size"
)

// PositionBreach records a single risk-limit violation observed by the
// position manager's continuous re-evaluation.
type PositionBreach struct {
	Kind      PositionBreachKind
	Symbol    string
	Limit     decimal.Decimal
	Observed  decimal.Decimal
	DetectedAt time.Time
}

// ExposureSummary is the aggregate view the position manager recomputes on
// every mark-to-market pass.
type ExposureSummary struct {
	TotalLongValue       decimal.Decimal
	TotalShortValue      decimal.Decimal
	NetExposure          decimal.Decimal
	AbsoluteExposure     decimal.Decimal
	MaxSinglePositionValue decimal.Decimal
	ConcentrationRatio   decimal.Decimal
	Leverage             decimal.Decimal
	ValueAtRisk          decimal.Decimal
}
