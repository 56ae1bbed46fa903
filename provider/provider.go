package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bondwatch/models"
)

// Kind classifies a provider failure so callers can decide on retry policy
// without matching error strings.
type Kind int

const (
	// KindTransient covers network errors, timeouts and 5xx responses.
	// Retried on the next scheduled tick, never in a tight loop.
	KindTransient Kind = iota
	// KindMalformed covers responses whose body cannot be decoded.
	KindMalformed
	// KindNotFound means the upstream has no record of the instrument.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindMalformed:
		return "malformed"
	case KindNotFound:
		return "not_found"
	}
	return "unknown"
}

// Failure is the only error type a provider client returns. Upstream
// misbehavior never crosses the client boundary as a panic or a raw error.
type Failure struct {
	Source models.Source
	Kind   Kind
	Err    error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s provider %s failure: %v", f.Source, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Transient wraps err as a transient provider failure.
func Transient(src models.Source, err error) *Failure {
	return &Failure{Source: src, Kind: KindTransient, Err: err}
}

// Malformed wraps err as a malformed-response failure.
func Malformed(src models.Source, err error) *Failure {
	return &Failure{Source: src, Kind: KindMalformed, Err: err}
}

// NotFound wraps err as a not-found failure.
func NotFound(src models.Source, err error) *Failure {
	return &Failure{Source: src, Kind: KindNotFound, Err: err}
}

// IsNotFound reports whether err is a provider not-found failure.
func IsNotFound(err error) bool {
	var f *Failure
	return errors.As(err, &f) && f.Kind == KindNotFound
}

// IsTransient reports whether err is a transient provider failure.
func IsTransient(err error) bool {
	var f *Failure
	return errors.As(err, &f) && f.Kind == KindTransient
}

// Window is a bounded forward fetch range. From and To are calendar dates,
// From <= To.
type Window struct {
	From time.Time
	To   time.Time
}

// NotifyWindow is the short horizon used on the notification tick: today
// through today plus the lead time and a one-day margin.
func NotifyWindow(today time.Time, leadTimeDays int) Window {
	from := models.DateOnly(today)
	return Window{From: from, To: from.AddDate(0, 0, leadTimeDays+1)}
}

// FullWindow is the long horizon used for "find the very next coupon"
// lookups: today through one year out.
func FullWindow(today time.Time) Window {
	from := models.DateOnly(today)
	return Window{From: from, To: from.AddDate(1, 0, 0)}
}

// RawEvent is one coupon record exactly as a provider returned it, with the
// provider's own field names. Decoding quirks (date literals, amount
// encodings) are the normalizer's job.
type RawEvent struct {
	Source models.Source
	Fields map[string]interface{}
}

// CouponSource fetches raw coupon events for one instrument over a bounded
// window. Implementations convert every upstream failure into *Failure.
type CouponSource interface {
	Name() models.Source
	FetchCoupons(ctx context.Context, bond *models.TrackedBond, w Window) ([]RawEvent, error)
}
