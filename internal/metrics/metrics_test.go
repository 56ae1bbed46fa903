package metrics

import (
	"testing"
)

func TestCounters(t *testing.T) {
	base := Snapshot()

	IncrementReconcileSuccess("tinkoff")
	IncrementReconcileSuccess("moex")
	IncrementReconcileEmpty()
	IncrementProviderError("tinkoff")
	IncrementNotificationSent()
	IncrementNotificationFailed()
	IncrementBackfillRun()

	snap := Snapshot()
	deltas := map[string]int64{
		"ReconcilePrimary":    1,
		"ReconcileSecondary":  1,
		"ReconcileEmpty":      1,
		"PrimaryErrors":       1,
		"NotificationsSent":   1,
		"NotificationsFailed": 1,
		"BackfillRuns":        1,
	}
	for name, want := range deltas {
		if got := snap[name] - base[name]; got != want {
			t.Errorf("%s: delta = %d, want %d", name, got, want)
		}
	}
	if got := snap["SecondaryErrors"] - base["SecondaryErrors"]; got != 0 {
		t.Errorf("SecondaryErrors moved unexpectedly: %d", got)
	}
}
