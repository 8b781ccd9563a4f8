package repository

import (
	"context"
	"database/sql"
	"time"
)

// LeaseRepo implements a cross-process mutex on the leases table.  A
// lease is a row naming its owner and an expiry; it can be taken over
// once expired, so a crashed holder never blocks others for longer than
// the TTL.
type LeaseRepo struct {
	db *sql.DB
}

// NewLeaseRepo returns a LeaseRepo backed by db.
func NewLeaseRepo(db *sql.DB) *LeaseRepo { return &LeaseRepo{db: db} }

// Acquire tries to take the lease name for owner until now+ttl.  It
// never blocks: false means someone else holds a live lease.
func (r *LeaseRepo) Acquire(ctx context.Context, name, owner string, ttl time.Duration, now time.Time) (bool, error) {
	now = now.UTC()
	expires := now.Add(ttl)
	q := conn(ctx, r.db)
	// The row is only rewritten when the current lease has expired or
	// already belongs to owner.  MySQL applies the assignments left to
	// right, so expires_at sees the owner column after the takeover.
	if _, err := q.ExecContext(ctx, `INSERT INTO leases (name, owner, expires_at) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE
			owner = IF(expires_at <= ? OR owner = VALUES(owner), VALUES(owner), owner),
			expires_at = IF(owner = VALUES(owner), VALUES(expires_at), expires_at)`,
		name, owner, expires, now); err != nil {
		return false, err
	}
	var holder string
	if err := q.QueryRowContext(ctx, `SELECT owner FROM leases WHERE name = ?`, name).Scan(&holder); err != nil {
		return false, err
	}
	return holder == owner, nil
}

// Release gives the lease up if owner still holds it.
func (r *LeaseRepo) Release(ctx context.Context, name, owner string) error {
	_, err := conn(ctx, r.db).ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND owner = ?`, name, owner)
	return err
}
