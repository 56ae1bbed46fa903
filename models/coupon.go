package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies which upstream produced a coupon event. It is kept for
// diagnostics only; business decisions never depend on it beyond the
// primary-then-fallback query order.
type Source string

const (
	SourceTinkoff Source = "tinkoff"
	SourceMoex    Source = "moex"
)

// CouponEvent is one coupon payment occurrence after normalization. Date
// carries a calendar date only (UTC midnight); Amount is the payout per bond
// in the settlement currency.
type CouponEvent struct {
	Date   time.Time
	Amount decimal.Decimal
	Source Source
}

// BondizationEvent is a non-coupon schedule entry (amortization or offer)
// surfaced read-only from MOEX. These are never reconciled.
type BondizationEvent struct {
	Kind  string
	Date  time.Time
	Value decimal.Decimal
}

// NextCouponProjection is the persisted per-instrument summary of the next
// known coupon. Nil pointers mean "no known value yet".
type NextCouponProjection struct {
	ISIN             string
	NextDate         *time.Time
	NextAmount       *decimal.Decimal
	LastReconciledAt time.Time
	LastNotifiedFor  *time.Time
}

// Equal compares two projections field by field.
func (p *NextCouponProjection) Equal(o *NextCouponProjection) bool {
	if p.ISIN != o.ISIN {
		return false
	}
	if !dateEqual(p.NextDate, o.NextDate) || !dateEqual(p.LastNotifiedFor, o.LastNotifiedFor) {
		return false
	}
	if (p.NextAmount == nil) != (o.NextAmount == nil) {
		return false
	}
	if p.NextAmount != nil && !p.NextAmount.Equal(*o.NextAmount) {
		return false
	}
	return true
}

func dateEqual(a, b *time.Time) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || a.Equal(*b)
}
