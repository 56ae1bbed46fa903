package reconcile

import (
	"context"
	"time"

	"bondwatch/internal/metrics"
	"bondwatch/logger"
	"bondwatch/models"
	"bondwatch/normalizer"
	"bondwatch/provider"
)

// Horizon selects the fetch window and per-call timeout for one pass.
type Horizon int

const (
	// HorizonImminent covers today through the lead-time window plus a
	// one-day margin; used on the frequent notification tick.
	HorizonImminent Horizon = iota
	// HorizonFull covers a year ahead; used at subscription time and
	// during backfill to find the very next coupon.
	HorizonFull
)

// ProjectionStore is the slice of the store the engine needs.
type ProjectionStore interface {
	Projection(ctx context.Context, isin string) (*models.NextCouponProjection, error)
	WriteProjection(ctx context.Context, p *models.NextCouponProjection) error
}

// Engine resolves the authoritative next coupon for one instrument and is
// the only writer of projections. The primary source is consulted first; the
// secondary only when the primary yields nothing usable. Results from the
// two sources are never merged within one pass, so a date/amount pair always
// comes from a single provider's schedule.
type Engine struct {
	primary      provider.CouponSource
	secondary    provider.CouponSource
	store        ProjectionStore
	leadTimeDays int
	shortTimeout time.Duration
	longTimeout  time.Duration
	log          *logger.Log
	now          func() time.Time
}

// NewEngine wires an engine. shortTimeout bounds imminent-horizon provider
// calls, longTimeout the full-horizon ones.
func NewEngine(primary, secondary provider.CouponSource, store ProjectionStore, leadTimeDays int, shortTimeout, longTimeout time.Duration) *Engine {
	if shortTimeout <= 0 {
		shortTimeout = 5 * time.Second
	}
	if longTimeout <= 0 {
		longTimeout = 15 * time.Second
	}
	return &Engine{
		primary:      primary,
		secondary:    secondary,
		store:        store,
		leadTimeDays: leadTimeDays,
		shortTimeout: shortTimeout,
		longTimeout:  longTimeout,
		log:          logger.GetLogger(),
		now:          time.Now,
	}
}

// Reconcile resolves the next future coupon for the bond and persists it.
// When neither source yields a usable future event the existing projection
// is returned untouched; it is never cleared on a transient empty or failed
// fetch. Callers must hold the instrument lock.
func (e *Engine) Reconcile(ctx context.Context, bond *models.TrackedBond, today time.Time, h Horizon) (*models.NextCouponProjection, error) {
	today = models.DateOnly(today)
	log := e.log.WithComponent("reconcile").WithFields(logger.Fields{"isin": bond.ISIN})

	var window provider.Window
	timeout := e.shortTimeout
	if h == HorizonFull {
		window = provider.FullWindow(today)
		timeout = e.longTimeout
	} else {
		window = provider.NotifyWindow(today, e.leadTimeDays)
	}

	next, ok := e.fetchNext(ctx, e.primary, bond, window, timeout, today, log)
	if !ok {
		// Fallback runs strictly after the primary has come up empty. The
		// secondary is queried by ISIN, so an unresolved FIGI is not fatal.
		next, ok = e.fetchNext(ctx, e.secondary, bond, window, timeout, today, log)
	}
	if !ok {
		metrics.IncrementReconcileEmpty()
		log.Debug("no usable future coupon from either source, projection untouched")
		return e.store.Projection(ctx, bond.ISIN)
	}

	p := &models.NextCouponProjection{
		ISIN:             bond.ISIN,
		NextDate:         &next.Date,
		NextAmount:       &next.Amount,
		LastReconciledAt: e.now().UTC(),
	}
	if err := e.store.WriteProjection(ctx, p); err != nil {
		metrics.IncrementReconcileError()
		return nil, err
	}

	metrics.IncrementReconcileSuccess(string(next.Source))
	log.WithFields(logger.Fields{
		"next_date":   models.FormatDate(next.Date),
		"next_amount": next.Amount.String(),
		"source":      next.Source,
	}).Info("projection updated")

	// Read back so the caller sees the persisted state including the
	// notification marker.
	return e.store.Projection(ctx, bond.ISIN)
}

// fetchNext queries one source and selects the earliest future event. A
// failed call, an empty response or a response with only past or malformed
// records all report "nothing usable" rather than an error.
func (e *Engine) fetchNext(ctx context.Context, src provider.CouponSource, bond *models.TrackedBond, w provider.Window, timeout time.Duration, today time.Time, log *logger.Entry) (models.CouponEvent, bool) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raws, err := src.FetchCoupons(callCtx, bond, w)
	if err != nil {
		if provider.IsNotFound(err) {
			log.WithFields(logger.Fields{"source": src.Name()}).Debug("source has no record of instrument")
		} else {
			metrics.IncrementProviderError(string(src.Name()))
			log.WithError(err).WithFields(logger.Fields{"source": src.Name()}).Warn("coupon fetch failed")
		}
		return models.CouponEvent{}, false
	}

	return selectNext(normalizer.NormalizeAll(raws), today)
}

// selectNext picks the event with the minimum future date. Ties keep the
// first event seen in response order so repeated runs with identical input
// pick identically.
func selectNext(events []models.CouponEvent, today time.Time) (models.CouponEvent, bool) {
	var best models.CouponEvent
	found := false
	for _, ev := range events {
		if ev.Date.Before(today) {
			continue
		}
		if !found || ev.Date.Before(best.Date) {
			best = ev
			found = true
		}
	}
	return best, found
}
