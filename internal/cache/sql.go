package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/checkin-reconciler/internal/clock"
)

// SQLStore keeps entries in the ledger's cache_entries table.  It is the
// fallback when Redis is not reachable.
type SQLStore struct {
	db    *sql.DB
	clock clock.Clock
}

// NewSQLStore returns a store bound to db.
func NewSQLStore(db *sql.DB, clk clock.Clock) *SQLStore {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &SQLStore{db: db, clock: clk}
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	const q = `SELECT payload, expires_at FROM cache_entries WHERE cache_key = ?`
	var payload []byte
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, q, key).Scan(&payload, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	if !s.clock.Now().Before(expiresAt) {
		// Lazily delete stale rows; a failure here only delays cleanup.
		_, _ = s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_key = ? AND expires_at <= ?`, key, s.clock.Now())
		return nil, false, nil
	}
	return payload, true, nil
}

func (s *SQLStore) Set(ctx context.Context, key string, payload []byte, ttl time.Duration, opts ...SetOption) error {
	o := applyOptions(opts)
	now := s.clock.Now()
	const q = `INSERT INTO cache_entries (cache_key, payload, cached_at, expires_at, event_id)
               VALUES (?, ?, ?, ?, ?)
               ON DUPLICATE KEY UPDATE payload = VALUES(payload), cached_at = VALUES(cached_at),
                                       expires_at = VALUES(expires_at), event_id = VALUES(event_id)`
	var eventID any
	if o.eventID != nil {
		eventID = *o.eventID
	}
	if _, err := s.db.ExecContext(ctx, q, key, payload, now, now.Add(ttl), eventID); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Invalidate(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_key = ?`, key); err != nil {
		return fmt.Errorf("cache: invalidate %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) InvalidateEvent(ctx context.Context, eventID uint64) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE event_id = ?`, eventID)
	if err != nil {
		return 0, fmt.Errorf("cache: invalidate event %d: %w", eventID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLStore) Age(ctx context.Context, key string) (time.Duration, bool, error) {
	const q = `SELECT cached_at, expires_at FROM cache_entries WHERE cache_key = ?`
	var cachedAt, expiresAt time.Time
	err := s.db.QueryRowContext(ctx, q, key).Scan(&cachedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("cache: age %s: %w", key, err)
	}
	now := s.clock.Now()
	if !now.Before(expiresAt) {
		return 0, false, nil
	}
	return now.Sub(cachedAt), true, nil
}

func (s *SQLStore) SweepExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("cache: sweep: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
