package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"bondwatch/config"
	"bondwatch/internal/metrics"
	"bondwatch/logger"
	"bondwatch/models"
	"bondwatch/notify"
	"bondwatch/reconcile"
)

// Reconciler is the slice of the reconcile engine the schedulers use.
type Reconciler interface {
	Reconcile(ctx context.Context, bond *models.TrackedBond, today time.Time, h reconcile.Horizon) (*models.NextCouponProjection, error)
}

// NotifierStore is what the notifier needs from the store.
type NotifierStore interface {
	ListTrackedInstruments(ctx context.Context) ([]models.TrackedBond, error)
	SubscribersFor(ctx context.Context, isin string) ([]models.Subscriber, error)
	MarkNotified(ctx context.Context, isin string, eventDate time.Time) error
	TryLockInstrument(isin string) bool
	UnlockInstrument(isin string)
}

// Notifier runs the frequent reconciliation tick and sends lead-time
// reminders. A reminder for a given coupon date goes out once per
// instrument; the store's notification marker enforces that across
// restarts.
type Notifier struct {
	store         NotifierStore
	engine        Reconciler
	dispatcher    notify.Dispatcher
	interval      time.Duration
	leadTimeDays  int
	maxConcurrent int
	log           *logger.Log
	now           func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewNotifier(store NotifierStore, engine Reconciler, dispatcher notify.Dispatcher, cfg config.SchedulerConfig) *Notifier {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	interval := cfg.NotifyInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Notifier{
		store:         store,
		engine:        engine,
		dispatcher:    dispatcher,
		interval:      interval,
		leadTimeDays:  cfg.LeadTimeDays,
		maxConcurrent: maxConcurrent,
		log:           logger.GetLogger(),
		now:           time.Now,
	}
}

// Start launches the tick loop. It returns an error when already running.
func (n *Notifier) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return fmt.Errorf("notifier already running")
	}
	n.running = true
	n.stopCh = make(chan struct{})

	n.wg.Add(1)
	go n.run(ctx)

	n.log.WithComponent("notifier").WithFields(logger.Fields{
		"interval":       n.interval.String(),
		"lead_time_days": n.leadTimeDays,
	}).Info("notifier started")
	return nil
}

// Stop signals the loop and waits for in-flight work to finish.
func (n *Notifier) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	close(n.stopCh)
	n.mu.Unlock()

	n.wg.Wait()
	n.log.WithComponent("notifier").Info("notifier stopped")
}

func (n *Notifier) run(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	n.Tick(ctx)
	for {
		select {
		case <-ticker.C:
			n.Tick(ctx)
		case <-n.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs one full pass over every tracked instrument. Exported so the
// backfill path and tests can drive a pass directly.
func (n *Notifier) Tick(ctx context.Context) {
	tickID := uuid.NewString()[:8]
	today := models.DateOnly(n.now().UTC())
	log := n.log.WithComponent("notifier").WithFields(logger.Fields{"tick_id": tickID})

	bonds, err := n.store.ListTrackedInstruments(ctx)
	if err != nil {
		log.WithError(err).Error("failed to list tracked instruments")
		return
	}
	if len(bonds) == 0 {
		return
	}

	sem := make(chan struct{}, n.maxConcurrent)
	var wg sync.WaitGroup
	for i := range bonds {
		bond := bonds[i]
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			n.processInstrument(ctx, &bond, today, log)
		}()
	}
	wg.Wait()
}

// processInstrument reconciles one instrument and dispatches reminders when
// the projected date lands exactly leadTimeDays ahead. An instrument whose
// lock is held by another pass is skipped; the next tick picks it up.
func (n *Notifier) processInstrument(ctx context.Context, bond *models.TrackedBond, today time.Time, log *logger.Entry) {
	if !n.store.TryLockInstrument(bond.ISIN) {
		log.WithFields(logger.Fields{"isin": bond.ISIN}).Debug("instrument busy, skipping")
		return
	}
	defer n.store.UnlockInstrument(bond.ISIN)

	p, err := n.engine.Reconcile(ctx, bond, today, reconcile.HorizonImminent)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"isin": bond.ISIN}).Error("reconcile failed")
		return
	}
	if p == nil || p.NextDate == nil {
		return
	}

	due := today.AddDate(0, 0, n.leadTimeDays)
	if !p.NextDate.Equal(due) {
		return
	}
	if p.LastNotifiedFor != nil && !p.LastNotifiedFor.Before(*p.NextDate) {
		return
	}

	n.dispatch(ctx, bond, p, log)
}

// dispatch fans the reminder out to every subscriber of the instrument. The
// notification marker is advanced only when every delivery succeeded, so a
// partial failure retries the whole set on the next tick within the same
// lead-time day.
func (n *Notifier) dispatch(ctx context.Context, bond *models.TrackedBond, p *models.NextCouponProjection, log *logger.Entry) {
	subs, err := n.store.SubscribersFor(ctx, bond.ISIN)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"isin": bond.ISIN}).Error("failed to list subscribers")
		return
	}
	if len(subs) == 0 {
		return
	}

	text := notify.RenderCouponReminder(*bond, *p.NextDate, p.NextAmount, n.leadTimeDays)

	allDelivered := true
	for _, sub := range subs {
		if err := n.dispatcher.Send(ctx, sub.ChatID, text); err != nil {
			metrics.IncrementNotificationFailed()
			allDelivered = false
			log.WithError(err).WithFields(logger.Fields{
				"isin":    bond.ISIN,
				"chat_id": sub.ChatID,
			}).Warn("reminder delivery failed")
			continue
		}
		metrics.IncrementNotificationSent()
	}

	if !allDelivered {
		return
	}
	if err := n.store.MarkNotified(ctx, bond.ISIN, *p.NextDate); err != nil {
		log.WithError(err).WithFields(logger.Fields{"isin": bond.ISIN}).Error("failed to record notification marker")
		return
	}
	log.WithFields(logger.Fields{
		"isin":        bond.ISIN,
		"coupon_date": models.FormatDate(*p.NextDate),
		"subscribers": len(subs),
	}).Info("reminders sent")
}
