package metrics

import (
	"sync/atomic"
)

var (
	reconcilePrimary   int64
	reconcileSecondary int64
	reconcileEmpty     int64
	reconcileErrors    int64
	primaryErrors      int64
	secondaryErrors    int64
	notificationsSent  int64
	notificationsFail  int64
	backfillRuns       int64
)

// IncrementReconcileSuccess counts one persisted projection, attributed to
// the source that supplied the winning event.
func IncrementReconcileSuccess(source string) {
	if source == "tinkoff" {
		atomic.AddInt64(&reconcilePrimary, 1)
	} else {
		atomic.AddInt64(&reconcileSecondary, 1)
	}
}

// IncrementReconcileEmpty counts a pass where neither source yielded a
// usable future event.
func IncrementReconcileEmpty() {
	atomic.AddInt64(&reconcileEmpty, 1)
}

// IncrementReconcileError counts a failed projection write.
func IncrementReconcileError() {
	atomic.AddInt64(&reconcileErrors, 1)
}

// IncrementProviderError counts one failed upstream call per source.
func IncrementProviderError(source string) {
	if source == "tinkoff" {
		atomic.AddInt64(&primaryErrors, 1)
	} else {
		atomic.AddInt64(&secondaryErrors, 1)
	}
}

// IncrementNotificationSent counts one delivered reminder.
func IncrementNotificationSent() {
	atomic.AddInt64(&notificationsSent, 1)
}

// IncrementNotificationFailed counts one dispatch failure.
func IncrementNotificationFailed() {
	atomic.AddInt64(&notificationsFail, 1)
}

// IncrementBackfillRun counts one completed backfill pass.
func IncrementBackfillRun() {
	atomic.AddInt64(&backfillRuns, 1)
}

// Snapshot returns the current counter values keyed by metric name.
func Snapshot() map[string]int64 {
	return map[string]int64{
		"ReconcilePrimary":    atomic.LoadInt64(&reconcilePrimary),
		"ReconcileSecondary":  atomic.LoadInt64(&reconcileSecondary),
		"ReconcileEmpty":      atomic.LoadInt64(&reconcileEmpty),
		"ReconcileErrors":     atomic.LoadInt64(&reconcileErrors),
		"PrimaryErrors":       atomic.LoadInt64(&primaryErrors),
		"SecondaryErrors":     atomic.LoadInt64(&secondaryErrors),
		"NotificationsSent":   atomic.LoadInt64(&notificationsSent),
		"NotificationsFailed": atomic.LoadInt64(&notificationsFail),
		"BackfillRuns":        atomic.LoadInt64(&backfillRuns),
	}
}
