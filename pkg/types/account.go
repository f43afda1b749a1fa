package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountSnapshot is a cached, broker-authoritative view of an account.
// The account manager never computes these values itself; it only caches
// and serves the most recent broker-reported snapshot.
type AccountSnapshot struct {
	AccountID    string
	Balance      decimal.Decimal
	Available    decimal.Decimal
	Margin       decimal.Decimal
	FrozenMargin decimal.Decimal
	Commission   decimal.Decimal
	FloatPnL     decimal.Decimal
	RiskRatio    decimal.Decimal
	UpdatedAt    time.Time
}

// Clone returns a copy safe to hand to listeners outside the account
// manager's lock.
func (a *AccountSnapshot) Clone() *AccountSnapshot {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}
