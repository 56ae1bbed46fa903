package models

import (
	"time"
)

// Subscriber is one chat that receives coupon reminders.
type Subscriber struct {
	ChatID   int64
	FullName string
}

// TrackedBond ties a subscriber to one instrument. The ISIN is the stable
// natural key; the FIGI is resolved asynchronously and may be empty.
type TrackedBond struct {
	ID          int64
	ChatID      int64
	ISIN        string
	Name        string
	FIGI        string
	ClassCode   string
	AddedAt     time.Time
	LastUpdated time.Time
}

// HasFIGI reports whether the provider-specific identifier has been resolved.
func (b *TrackedBond) HasFIGI() bool {
	return b.FIGI != ""
}

// DisplayName returns the bond name when known, otherwise the ISIN.
func (b *TrackedBond) DisplayName() string {
	if b.Name != "" {
		return b.Name
	}
	return b.ISIN
}
