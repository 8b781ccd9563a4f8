package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/iliyamo/checkin-reconciler/internal/model"
)

// MemberRepo manages persistence for members.
type MemberRepo struct {
	db *sql.DB
}

// NewMemberRepo returns a MemberRepo backed by db.
func NewMemberRepo(db *sql.DB) *MemberRepo { return &MemberRepo{db: db} }

func normEmail(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

// GetByEmail fetches a member by normalized email.
func (r *MemberRepo) GetByEmail(ctx context.Context, email string) (model.Member, error) {
	var (
		m                           model.Member
		last, expires, manualExpiry sql.NullTime
		notes                       sql.NullString
	)
	err := conn(ctx, r.db).QueryRowContext(ctx, `SELECT id, email, first_name, last_name, is_active_member,
		total_events_attended, last_event_date, membership_expires_at, manually_added, manual_expires_at,
		notes, created_at, updated_at FROM members WHERE email = ?`, normEmail(email)).Scan(
		&m.ID, &m.Email, &m.FirstName, &m.LastName, &m.IsActiveMember,
		&m.TotalEventsAttended, &last, &expires, &m.ManuallyAdded, &manualExpiry,
		&notes, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return m, notFound(err)
	}
	m.LastEventDate = nullTime(last)
	m.MembershipExpiresAt = nullTime(expires)
	m.ManualExpiresAt = nullTime(manualExpiry)
	m.Notes = notes.String
	return m, nil
}

// EnsureStub creates a member row for email if none exists and fills in
// names that are still empty.  Existing names are kept.
func (r *MemberRepo) EnsureStub(ctx context.Context, email, firstName, lastName string) error {
	email = normEmail(email)
	if email == "" {
		return nil
	}
	_, err := conn(ctx, r.db).ExecContext(ctx, `INSERT INTO members (email, first_name, last_name) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE
			first_name = IF(first_name = '', VALUES(first_name), first_name),
			last_name = IF(last_name = '', VALUES(last_name), last_name)`,
		email, firstName, lastName)
	return err
}

// SaveStatus writes the derived membership columns of m.
func (r *MemberRepo) SaveStatus(ctx context.Context, m model.Member) error {
	res, err := conn(ctx, r.db).ExecContext(ctx, `UPDATE members SET
		is_active_member = ?, total_events_attended = ?, last_event_date = ?, membership_expires_at = ?
		WHERE email = ?`,
		m.IsActiveMember, m.TotalEventsAttended, m.LastEventDate, m.MembershipExpiresAt, normEmail(m.Email))
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetOverride records a manual membership for email, creating the member
// when needed.  A nil expiry clears the override date.
func (r *MemberRepo) SetOverride(ctx context.Context, email string, expires *time.Time, notes string) error {
	_, err := conn(ctx, r.db).ExecContext(ctx, `INSERT INTO members (email, manually_added, manual_expires_at, notes)
		VALUES (?, 1, ?, ?)
		ON DUPLICATE KEY UPDATE manually_added = 1, manual_expires_at = VALUES(manual_expires_at), notes = VALUES(notes)`,
		normEmail(email), expires, notes)
	return err
}

// ListEmails returns every member email in alphabetical order.
func (r *MemberRepo) ListEmails(ctx context.Context) ([]string, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx, `SELECT email FROM members ORDER BY email`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
