package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"bondwatch/logger"
	"bondwatch/models"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrTrackingLimit is returned when a subscriber is already tracking
	// the maximum number of bonds.
	ErrTrackingLimit = errors.New("tracking limit reached")
	// ErrAlreadyTracked is returned when the subscriber already tracks the ISIN.
	ErrAlreadyTracked = errors.New("bond already tracked")
)

// MaxTrackedPerSubscriber caps how many bonds one chat may follow.
const MaxTrackedPerSubscriber = 3

const timestampLayout = time.RFC3339

// Store persists subscribers, tracked bonds and next-coupon projections in
// sqlite. It is the only mutable shared state in the process; projection
// writes go through per-instrument locks so a reconciliation pass and a
// subscriber removal cannot interleave.
type Store struct {
	db    *sql.DB
	locks *instrumentLocks
	log   *logger.Log
}

// Open opens (creating if needed) the sqlite database at path and ensures
// the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", path, err)
	}
	// sqlite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent reconciliation.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:    db,
		locks: newInstrumentLocks(),
		log:   logger.GetLogger(),
	}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema() error {
	createTableStatement := `
	CREATE TABLE IF NOT EXISTS subscribers (
		chat_id INTEGER PRIMARY KEY,
		full_name TEXT
	);

	CREATE TABLE IF NOT EXISTS tracked_bonds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id INTEGER NOT NULL,
		isin TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		figi TEXT NOT NULL DEFAULT '',
		class_code TEXT NOT NULL DEFAULT '',
		added_at TEXT NOT NULL,
		last_updated TEXT NOT NULL,
		FOREIGN KEY(chat_id) REFERENCES subscribers(chat_id),
		UNIQUE(chat_id, isin)
	);

	CREATE TABLE IF NOT EXISTS projections (
		isin TEXT PRIMARY KEY,
		next_date TEXT,
		next_amount TEXT,
		last_reconciled_at TEXT NOT NULL DEFAULT '',
		last_notified_for TEXT
	);
	`
	if _, err := s.db.Exec(createTableStatement); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// LockInstrument acquires the per-instrument mutex, blocking until free.
func (s *Store) LockInstrument(isin string) {
	s.locks.lock(isin)
}

// TryLockInstrument acquires the per-instrument mutex without blocking.
// It returns false when a previous pass for the instrument is still running.
func (s *Store) TryLockInstrument(isin string) bool {
	return s.locks.tryLock(isin)
}

// UnlockInstrument releases the per-instrument mutex.
func (s *Store) UnlockInstrument(isin string) {
	s.locks.unlock(isin)
}

// UpsertSubscriber creates or refreshes a subscriber record.
func (s *Store) UpsertSubscriber(ctx context.Context, sub *models.Subscriber) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscribers (chat_id, full_name) VALUES (?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET full_name = excluded.full_name`,
		sub.ChatID, sub.FullName)
	if err != nil {
		return fmt.Errorf("upsert subscriber %d: %w", sub.ChatID, err)
	}
	return nil
}

// AddTracked subscribes a chat to an ISIN. The per-subscriber limit is
// enforced here; identity fields start empty and are backfilled later.
func (s *Store) AddTracked(ctx context.Context, chatID int64, isin string) (*models.TrackedBond, error) {
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tracked_bonds WHERE chat_id = ?`, chatID).Scan(&count); err != nil {
		return nil, fmt.Errorf("count tracked bonds for %d: %w", chatID, err)
	}
	if count >= MaxTrackedPerSubscriber {
		return nil, ErrTrackingLimit
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tracked_bonds (chat_id, isin, added_at, last_updated)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id, isin) DO NOTHING`,
		chatID, isin, now.Format(timestampLayout), time.Time{}.Format(timestampLayout))
	if err != nil {
		return nil, fmt.Errorf("add tracked bond %s for %d: %w", isin, chatID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrAlreadyTracked
	}

	// Inherit identity already resolved for this ISIN by another subscriber.
	_, err = s.db.ExecContext(ctx, `
		UPDATE tracked_bonds SET name = other.name, figi = other.figi, class_code = other.class_code
		FROM (SELECT name, figi, class_code FROM tracked_bonds
		      WHERE isin = ? AND figi != '' LIMIT 1) AS other
		WHERE chat_id = ? AND isin = ?`,
		isin, chatID, isin)
	if err != nil {
		s.log.WithComponent("store").WithError(err).Warn("failed to inherit bond identity")
	}

	return s.trackedBond(ctx, chatID, isin)
}

// RemoveTracked unsubscribes a chat from an ISIN. When the last subscriber
// leaves, the projection goes with it. The instrument lock keeps the removal
// from racing a reconciliation write.
func (s *Store) RemoveTracked(ctx context.Context, chatID int64, isin string) error {
	s.LockInstrument(isin)
	defer s.UnlockInstrument(isin)

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tracked_bonds WHERE chat_id = ? AND isin = ?`, chatID, isin)
	if err != nil {
		return fmt.Errorf("remove tracked bond %s for %d: %w", isin, chatID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	_, err = s.db.ExecContext(ctx, `
		DELETE FROM projections WHERE isin = ?
		AND NOT EXISTS (SELECT 1 FROM tracked_bonds WHERE isin = ?)`, isin, isin)
	if err != nil {
		return fmt.Errorf("prune projection for %s: %w", isin, err)
	}
	return nil
}

func (s *Store) trackedBond(ctx context.Context, chatID int64, isin string) (*models.TrackedBond, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, chat_id, isin, name, figi, class_code, added_at, last_updated
		FROM tracked_bonds WHERE chat_id = ? AND isin = ?`, chatID, isin)
	return scanBond(row)
}

// ListBondsForSubscriber returns the bonds one chat follows.
func (s *Store) ListBondsForSubscriber(ctx context.Context, chatID int64) ([]models.TrackedBond, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, isin, name, figi, class_code, added_at, last_updated
		FROM tracked_bonds WHERE chat_id = ? ORDER BY added_at`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list bonds for %d: %w", chatID, err)
	}
	defer rows.Close()
	return scanBonds(rows)
}

// ListTrackedInstruments returns one record per distinct ISIN across all
// subscribers; this is the scheduler's scan set.
func (s *Store) ListTrackedInstruments(ctx context.Context) ([]models.TrackedBond, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, isin, name, figi, class_code, added_at, last_updated
		FROM tracked_bonds WHERE id IN (
			SELECT MIN(id) FROM tracked_bonds GROUP BY isin
		) ORDER BY isin`)
	if err != nil {
		return nil, fmt.Errorf("list tracked instruments: %w", err)
	}
	defer rows.Close()
	return scanBonds(rows)
}

// ListStaleInstruments returns distinct instruments whose identity data has
// not been refreshed since the cutoff; the backfill works through these.
func (s *Store) ListStaleInstruments(ctx context.Context, cutoff time.Time) ([]models.TrackedBond, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, isin, name, figi, class_code, added_at, last_updated
		FROM tracked_bonds WHERE id IN (
			SELECT MIN(id) FROM tracked_bonds WHERE last_updated < ? GROUP BY isin
		) ORDER BY isin`, cutoff.UTC().Format(timestampLayout))
	if err != nil {
		return nil, fmt.Errorf("list stale instruments: %w", err)
	}
	defer rows.Close()
	return scanBonds(rows)
}

// SubscribersFor returns every chat tracking the given ISIN.
func (s *Store) SubscribersFor(ctx context.Context, isin string) ([]models.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.chat_id, s.full_name FROM subscribers s
		JOIN tracked_bonds b ON b.chat_id = s.chat_id
		WHERE b.isin = ? ORDER BY s.chat_id`, isin)
	if err != nil {
		return nil, fmt.Errorf("subscribers for %s: %w", isin, err)
	}
	defer rows.Close()

	var subs []models.Subscriber
	for rows.Next() {
		var sub models.Subscriber
		if err := rows.Scan(&sub.ChatID, &sub.FullName); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// UpdateIdentity writes resolved identity fields onto every subscription of
// the ISIN and refreshes the backfill timestamp. Empty arguments leave the
// stored value alone.
func (s *Store) UpdateIdentity(ctx context.Context, isin, figi, classCode, name string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tracked_bonds SET
			figi = CASE WHEN ? != '' THEN ? ELSE figi END,
			class_code = CASE WHEN ? != '' THEN ? ELSE class_code END,
			name = CASE WHEN ? != '' AND name = '' THEN ? ELSE name END,
			last_updated = ?
		WHERE isin = ?`,
		figi, figi, classCode, classCode, name, name,
		time.Now().UTC().Format(timestampLayout), isin)
	if err != nil {
		return fmt.Errorf("update identity for %s: %w", isin, err)
	}
	return nil
}

// TouchUpdated refreshes the backfill timestamp without identity changes,
// used after a lookup miss so the next pass does not retry immediately.
func (s *Store) TouchUpdated(ctx context.Context, isin string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tracked_bonds SET last_updated = ? WHERE isin = ?`,
		time.Now().UTC().Format(timestampLayout), isin)
	if err != nil {
		return fmt.Errorf("touch %s: %w", isin, err)
	}
	return nil
}

// Projection reads the next-coupon projection for an ISIN. A missing row
// comes back as an empty projection, never an error.
func (s *Store) Projection(ctx context.Context, isin string) (*models.NextCouponProjection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT next_date, next_amount, last_reconciled_at, last_notified_for
		FROM projections WHERE isin = ?`, isin)

	var nextDate, nextAmount, reconciledAt, notifiedFor sql.NullString
	err := row.Scan(&nextDate, &nextAmount, &reconciledAt, &notifiedFor)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.NextCouponProjection{ISIN: isin}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read projection for %s: %w", isin, err)
	}

	p := &models.NextCouponProjection{ISIN: isin}
	if nextDate.Valid && nextDate.String != "" {
		d, err := models.ParseDate(nextDate.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt next_date for %s: %w", isin, err)
		}
		p.NextDate = &d
	}
	if nextAmount.Valid && nextAmount.String != "" {
		amt, err := decimal.NewFromString(nextAmount.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt next_amount for %s: %w", isin, err)
		}
		p.NextAmount = &amt
	}
	if reconciledAt.Valid && reconciledAt.String != "" {
		ts, err := time.Parse(timestampLayout, reconciledAt.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt last_reconciled_at for %s: %w", isin, err)
		}
		p.LastReconciledAt = ts
	}
	if notifiedFor.Valid && notifiedFor.String != "" {
		d, err := models.ParseDate(notifiedFor.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt last_notified_for for %s: %w", isin, err)
		}
		p.LastNotifiedFor = &d
	}
	return p, nil
}

// WriteProjection upserts the reconciled result as one atomic unit. The
// duplicate-suppression marker is owned by MarkNotified and survives the
// write untouched.
func (s *Store) WriteProjection(ctx context.Context, p *models.NextCouponProjection) error {
	var nextDate, nextAmount interface{}
	if p.NextDate != nil {
		nextDate = models.FormatDate(*p.NextDate)
	}
	if p.NextAmount != nil {
		nextAmount = p.NextAmount.String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projections (isin, next_date, next_amount, last_reconciled_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(isin) DO UPDATE SET
			next_date = excluded.next_date,
			next_amount = excluded.next_amount,
			last_reconciled_at = excluded.last_reconciled_at`,
		p.ISIN, nextDate, nextAmount, p.LastReconciledAt.UTC().Format(timestampLayout))
	if err != nil {
		return fmt.Errorf("write projection for %s: %w", p.ISIN, err)
	}
	return nil
}

// MarkNotified records that a reminder went out for the given event date.
// The marker is monotonically non-decreasing; stale marks are ignored.
func (s *Store) MarkNotified(ctx context.Context, isin string, eventDate time.Time) error {
	date := models.FormatDate(eventDate)
	_, err := s.db.ExecContext(ctx, `
		UPDATE projections SET last_notified_for = ?
		WHERE isin = ? AND (last_notified_for IS NULL OR last_notified_for <= ?)`,
		date, isin, date)
	if err != nil {
		return fmt.Errorf("mark notified for %s: %w", isin, err)
	}
	return nil
}

func scanBond(row *sql.Row) (*models.TrackedBond, error) {
	var b models.TrackedBond
	var addedAt, lastUpdated string
	err := row.Scan(&b.ID, &b.ChatID, &b.ISIN, &b.Name, &b.FIGI, &b.ClassCode, &addedAt, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan tracked bond: %w", err)
	}
	b.AddedAt, _ = time.Parse(timestampLayout, addedAt)
	b.LastUpdated, _ = time.Parse(timestampLayout, lastUpdated)
	return &b, nil
}

func scanBonds(rows *sql.Rows) ([]models.TrackedBond, error) {
	var bonds []models.TrackedBond
	for rows.Next() {
		var b models.TrackedBond
		var addedAt, lastUpdated string
		if err := rows.Scan(&b.ID, &b.ChatID, &b.ISIN, &b.Name, &b.FIGI, &b.ClassCode, &addedAt, &lastUpdated); err != nil {
			return nil, fmt.Errorf("scan tracked bond: %w", err)
		}
		b.AddedAt, _ = time.Parse(timestampLayout, addedAt)
		b.LastUpdated, _ = time.Parse(timestampLayout, lastUpdated)
		bonds = append(bonds, b)
	}
	return bonds, rows.Err()
}
