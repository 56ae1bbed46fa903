package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bondwatch/config"
	"bondwatch/internal/metrics"
	"bondwatch/logger"
	"bondwatch/models"
	"bondwatch/provider"
	"bondwatch/provider/tinkoff"
	"bondwatch/reconcile"
)

// BackfillStore is what the backfill worker needs from the store.
type BackfillStore interface {
	ListStaleInstruments(ctx context.Context, cutoff time.Time) ([]models.TrackedBond, error)
	UpdateIdentity(ctx context.Context, isin, figi, classCode, name string) error
	TouchUpdated(ctx context.Context, isin string) error
	TryLockInstrument(isin string) bool
	UnlockInstrument(isin string)
}

// FIGIResolver resolves ISINs to provider identifiers.
type FIGIResolver interface {
	ResolveFIGI(ctx context.Context, isin, preferredClassCode string) (*tinkoff.Resolution, error)
}

// NameSource fills in missing human-readable bond names.
type NameSource interface {
	BondName(ctx context.Context, isin string) (string, error)
}

// Backfill periodically refreshes instruments whose data has gone stale:
// it retries FIGI resolution, fills in missing names and reconciles a full
// year ahead so the projection survives long gaps between coupons.
type Backfill struct {
	store    BackfillStore
	engine   Reconciler
	resolver FIGIResolver
	names    NameSource
	interval time.Duration
	maxAge   time.Duration
	log      *logger.Log
	now      func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewBackfill(store BackfillStore, engine Reconciler, resolver FIGIResolver, names NameSource, cfg config.SchedulerConfig) *Backfill {
	interval := cfg.BackfillInterval
	if interval <= 0 {
		interval = time.Hour
	}
	maxAge := cfg.BackfillMaxAge
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &Backfill{
		store:    store,
		engine:   engine,
		resolver: resolver,
		names:    names,
		interval: interval,
		maxAge:   maxAge,
		log:      logger.GetLogger(),
		now:      time.Now,
	}
}

func (b *Backfill) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("backfill already running")
	}
	b.running = true
	b.stopCh = make(chan struct{})

	b.wg.Add(1)
	go b.run(ctx)

	b.log.WithComponent("backfill").WithFields(logger.Fields{
		"interval": b.interval.String(),
		"max_age":  b.maxAge.String(),
	}).Info("backfill started")
	return nil
}

func (b *Backfill) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopCh)
	b.mu.Unlock()

	b.wg.Wait()
	b.log.WithComponent("backfill").Info("backfill stopped")
}

func (b *Backfill) run(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	b.RunOnce(ctx)
	for {
		select {
		case <-ticker.C:
			b.RunOnce(ctx)
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce refreshes every instrument not touched within the max-age window.
func (b *Backfill) RunOnce(ctx context.Context) {
	now := b.now().UTC()
	cutoff := now.Add(-b.maxAge)
	log := b.log.WithComponent("backfill")

	bonds, err := b.store.ListStaleInstruments(ctx, cutoff)
	if err != nil {
		log.WithError(err).Error("failed to list stale instruments")
		return
	}
	if len(bonds) == 0 {
		return
	}
	log.WithFields(logger.Fields{"count": len(bonds)}).Info("refreshing stale instruments")

	for i := range bonds {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		default:
		}
		b.refresh(ctx, &bonds[i], models.DateOnly(now), log)
	}
	metrics.IncrementBackfillRun()
}

// refresh updates one instrument's identity and projection. Identity
// failures are not fatal; the MOEX path works from the ISIN alone.
func (b *Backfill) refresh(ctx context.Context, bond *models.TrackedBond, today time.Time, log *logger.Entry) {
	if !b.store.TryLockInstrument(bond.ISIN) {
		return
	}
	defer b.store.UnlockInstrument(bond.ISIN)

	if !bond.HasFIGI() {
		res, err := b.resolver.ResolveFIGI(ctx, bond.ISIN, bond.ClassCode)
		switch {
		case err == nil:
			if uerr := b.store.UpdateIdentity(ctx, bond.ISIN, res.FIGI, res.ClassCode, res.Name); uerr != nil {
				log.WithError(uerr).WithFields(logger.Fields{"isin": bond.ISIN}).Error("failed to store identity")
			} else {
				bond.FIGI = res.FIGI
				bond.ClassCode = res.ClassCode
				if bond.Name == "" {
					bond.Name = res.Name
				}
			}
		case provider.IsNotFound(err):
			log.WithFields(logger.Fields{"isin": bond.ISIN}).Debug("FIGI still unresolved")
		default:
			log.WithError(err).WithFields(logger.Fields{"isin": bond.ISIN}).Warn("FIGI lookup failed")
		}
	}

	if bond.Name == "" {
		name, err := b.names.BondName(ctx, bond.ISIN)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"isin": bond.ISIN}).Debug("name lookup failed")
		} else if name != "" {
			if uerr := b.store.UpdateIdentity(ctx, bond.ISIN, "", "", name); uerr != nil {
				log.WithError(uerr).WithFields(logger.Fields{"isin": bond.ISIN}).Error("failed to store name")
			} else {
				bond.Name = name
			}
		}
	}

	if _, err := b.engine.Reconcile(ctx, bond, today, reconcile.HorizonFull); err != nil {
		log.WithError(err).WithFields(logger.Fields{"isin": bond.ISIN}).Error("full reconcile failed")
	}

	if err := b.store.TouchUpdated(ctx, bond.ISIN); err != nil {
		log.WithError(err).WithFields(logger.Fields{"isin": bond.ISIN}).Error("failed to touch instrument")
	}
}
