package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bondwatch/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func addSubscription(t *testing.T, s *Store, chatID int64, isin string) *models.TrackedBond {
	t.Helper()
	ctx := context.Background()
	if err := s.UpsertSubscriber(ctx, &models.Subscriber{ChatID: chatID, FullName: "Test User"}); err != nil {
		t.Fatalf("UpsertSubscriber failed: %v", err)
	}
	b, err := s.AddTracked(ctx, chatID, isin)
	if err != nil {
		t.Fatalf("AddTracked failed: %v", err)
	}
	return b
}

func TestAddAndListTracked(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	b := addSubscription(t, s, 100, "RU000A105TJ2")
	if b.ISIN != "RU000A105TJ2" || b.ChatID != 100 {
		t.Fatalf("unexpected bond: %+v", b)
	}
	if b.HasFIGI() {
		t.Fatal("fresh bond should have no FIGI")
	}

	bonds, err := s.ListBondsForSubscriber(ctx, 100)
	if err != nil {
		t.Fatalf("ListBondsForSubscriber failed: %v", err)
	}
	if len(bonds) != 1 {
		t.Fatalf("expected 1 bond, got %d", len(bonds))
	}
}

func TestAddTrackedDuplicate(t *testing.T) {
	s := openTestStore(t)
	addSubscription(t, s, 100, "RU000A105TJ2")

	if _, err := s.AddTracked(context.Background(), 100, "RU000A105TJ2"); !errors.Is(err, ErrAlreadyTracked) {
		t.Fatalf("expected ErrAlreadyTracked, got %v", err)
	}
}

func TestTrackingLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	addSubscription(t, s, 100, "RU000A100001")
	for _, isin := range []string{"RU000A100002", "RU000A100003"} {
		if _, err := s.AddTracked(ctx, 100, isin); err != nil {
			t.Fatalf("AddTracked(%s) failed: %v", isin, err)
		}
	}
	if _, err := s.AddTracked(ctx, 100, "RU000A100004"); !errors.Is(err, ErrTrackingLimit) {
		t.Fatalf("expected ErrTrackingLimit, got %v", err)
	}
}

func TestListTrackedInstrumentsDeduplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	addSubscription(t, s, 100, "RU000A105TJ2")
	addSubscription(t, s, 200, "RU000A105TJ2")
	addSubscription(t, s, 200, "RU000A100002")

	instruments, err := s.ListTrackedInstruments(ctx)
	if err != nil {
		t.Fatalf("ListTrackedInstruments failed: %v", err)
	}
	if len(instruments) != 2 {
		t.Fatalf("expected 2 distinct instruments, got %d", len(instruments))
	}
}

func TestSubscribersFor(t *testing.T) {
	s := openTestStore(t)

	addSubscription(t, s, 100, "RU000A105TJ2")
	addSubscription(t, s, 200, "RU000A105TJ2")

	subs, err := s.SubscribersFor(context.Background(), "RU000A105TJ2")
	if err != nil {
		t.Fatalf("SubscribersFor failed: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("expected 2 subscribers, got %d", len(subs))
	}
}

func TestUpdateIdentity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	addSubscription(t, s, 100, "RU000A105TJ2")
	if err := s.UpdateIdentity(ctx, "RU000A105TJ2", "BBG004730RP0", "TQCB", "OFZ 26238"); err != nil {
		t.Fatalf("UpdateIdentity failed: %v", err)
	}

	bonds, err := s.ListBondsForSubscriber(ctx, 100)
	if err != nil {
		t.Fatalf("ListBondsForSubscriber failed: %v", err)
	}
	b := bonds[0]
	if b.FIGI != "BBG004730RP0" || b.ClassCode != "TQCB" || b.Name != "OFZ 26238" {
		t.Fatalf("identity not written: %+v", b)
	}

	// A second resolve must not overwrite an existing name with a new one.
	if err := s.UpdateIdentity(ctx, "RU000A105TJ2", "BBG004730RP0", "TQCB", "Other Name"); err != nil {
		t.Fatalf("UpdateIdentity failed: %v", err)
	}
	bonds, _ = s.ListBondsForSubscriber(ctx, 100)
	if bonds[0].Name != "OFZ 26238" {
		t.Fatalf("existing name overwritten: %s", bonds[0].Name)
	}
}

func TestIdentityInheritedOnSubscribe(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	addSubscription(t, s, 100, "RU000A105TJ2")
	if err := s.UpdateIdentity(ctx, "RU000A105TJ2", "BBG004730RP0", "TQCB", "OFZ 26238"); err != nil {
		t.Fatalf("UpdateIdentity failed: %v", err)
	}

	b := addSubscription(t, s, 200, "RU000A105TJ2")
	if b.FIGI != "BBG004730RP0" || b.Name != "OFZ 26238" {
		t.Fatalf("identity not inherited: %+v", b)
	}
}

func TestListStaleInstruments(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	addSubscription(t, s, 100, "RU000A105TJ2")

	// Fresh subscriptions have a zero last_updated and are always stale.
	stale, err := s.ListStaleInstruments(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListStaleInstruments failed: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("expected 1 stale instrument, got %d", len(stale))
	}

	if err := s.TouchUpdated(ctx, "RU000A105TJ2"); err != nil {
		t.Fatalf("TouchUpdated failed: %v", err)
	}
	stale, err = s.ListStaleInstruments(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListStaleInstruments failed: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("expected 0 stale instruments after touch, got %d", len(stale))
	}
}

func TestProjectionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Absent projection reads as empty, not as an error.
	p, err := s.Projection(ctx, "RU000A105TJ2")
	if err != nil {
		t.Fatalf("Projection failed: %v", err)
	}
	if p.NextDate != nil || p.NextAmount != nil || p.LastNotifiedFor != nil {
		t.Fatalf("empty projection not empty: %+v", p)
	}

	date := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	amount := decimal.RequireFromString("35.50")
	now := time.Now().UTC().Truncate(time.Second)
	in := &models.NextCouponProjection{
		ISIN:             "RU000A105TJ2",
		NextDate:         &date,
		NextAmount:       &amount,
		LastReconciledAt: now,
	}
	if err := s.WriteProjection(ctx, in); err != nil {
		t.Fatalf("WriteProjection failed: %v", err)
	}

	out, err := s.Projection(ctx, "RU000A105TJ2")
	if err != nil {
		t.Fatalf("Projection failed: %v", err)
	}
	if out.NextDate == nil || !out.NextDate.Equal(date) {
		t.Fatalf("next date mismatch: %+v", out.NextDate)
	}
	if out.NextAmount == nil || !out.NextAmount.Equal(amount) {
		t.Fatalf("next amount mismatch: %+v", out.NextAmount)
	}
	if !out.LastReconciledAt.Equal(now) {
		t.Fatalf("reconciled-at mismatch: %s != %s", out.LastReconciledAt, now)
	}
}

func TestWriteProjectionPreservesNotificationMarker(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	date := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	amount := decimal.RequireFromString("35.50")
	p := &models.NextCouponProjection{
		ISIN: "RU000A105TJ2", NextDate: &date, NextAmount: &amount, LastReconciledAt: time.Now(),
	}
	if err := s.WriteProjection(ctx, p); err != nil {
		t.Fatalf("WriteProjection failed: %v", err)
	}
	if err := s.MarkNotified(ctx, "RU000A105TJ2", date); err != nil {
		t.Fatalf("MarkNotified failed: %v", err)
	}

	// Re-reconciling must not clear the marker.
	if err := s.WriteProjection(ctx, p); err != nil {
		t.Fatalf("WriteProjection failed: %v", err)
	}
	out, _ := s.Projection(ctx, "RU000A105TJ2")
	if out.LastNotifiedFor == nil || !out.LastNotifiedFor.Equal(date) {
		t.Fatalf("notification marker lost: %+v", out.LastNotifiedFor)
	}
}

func TestMarkNotifiedMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	later := time.Date(2025, 9, 10, 0, 0, 0, 0, time.UTC)
	earlier := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	amount := decimal.RequireFromString("35.50")
	p := &models.NextCouponProjection{
		ISIN: "RU000A105TJ2", NextDate: &later, NextAmount: &amount, LastReconciledAt: time.Now(),
	}
	if err := s.WriteProjection(ctx, p); err != nil {
		t.Fatalf("WriteProjection failed: %v", err)
	}

	if err := s.MarkNotified(ctx, "RU000A105TJ2", later); err != nil {
		t.Fatalf("MarkNotified failed: %v", err)
	}
	// A stale mark for an earlier date must be ignored.
	if err := s.MarkNotified(ctx, "RU000A105TJ2", earlier); err != nil {
		t.Fatalf("MarkNotified failed: %v", err)
	}

	out, _ := s.Projection(ctx, "RU000A105TJ2")
	if out.LastNotifiedFor == nil || !out.LastNotifiedFor.Equal(later) {
		t.Fatalf("marker regressed: %+v", out.LastNotifiedFor)
	}
}

func TestRemoveTrackedPrunesProjection(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	addSubscription(t, s, 100, "RU000A105TJ2")
	addSubscription(t, s, 200, "RU000A105TJ2")

	date := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	amount := decimal.RequireFromString("35.50")
	if err := s.WriteProjection(ctx, &models.NextCouponProjection{
		ISIN: "RU000A105TJ2", NextDate: &date, NextAmount: &amount, LastReconciledAt: time.Now(),
	}); err != nil {
		t.Fatalf("WriteProjection failed: %v", err)
	}

	// One subscriber left: projection stays.
	if err := s.RemoveTracked(ctx, 100, "RU000A105TJ2"); err != nil {
		t.Fatalf("RemoveTracked failed: %v", err)
	}
	p, _ := s.Projection(ctx, "RU000A105TJ2")
	if p.NextDate == nil {
		t.Fatal("projection pruned while still tracked")
	}

	// Last subscriber gone: projection goes too.
	if err := s.RemoveTracked(ctx, 200, "RU000A105TJ2"); err != nil {
		t.Fatalf("RemoveTracked failed: %v", err)
	}
	p, _ = s.Projection(ctx, "RU000A105TJ2")
	if p.NextDate != nil {
		t.Fatal("projection survived last unsubscribe")
	}
}

func TestRemoveTrackedMissing(t *testing.T) {
	s := openTestStore(t)
	if err := s.RemoveTracked(context.Background(), 100, "RU000A105TJ2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInstrumentLocks(t *testing.T) {
	s := openTestStore(t)

	if !s.TryLockInstrument("RU000A105TJ2") {
		t.Fatal("first TryLock failed")
	}
	if s.TryLockInstrument("RU000A105TJ2") {
		t.Fatal("second TryLock succeeded while held")
	}
	// Other instruments are unaffected.
	if !s.TryLockInstrument("RU000A100002") {
		t.Fatal("unrelated instrument blocked")
	}
	s.UnlockInstrument("RU000A100002")

	s.UnlockInstrument("RU000A105TJ2")
	if !s.TryLockInstrument("RU000A105TJ2") {
		t.Fatal("TryLock failed after unlock")
	}
	s.UnlockInstrument("RU000A105TJ2")
}
