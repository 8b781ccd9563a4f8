package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/iliyamo/checkin-reconciler/internal/model"
)

// AttendeeRepo manages persistence for attendees (tickets).
type AttendeeRepo struct {
	db *sql.DB
}

// NewAttendeeRepo returns an AttendeeRepo backed by db.
func NewAttendeeRepo(db *sql.DB) *AttendeeRepo { return &AttendeeRepo{db: db} }

const attendeeColumns = `id, event_id, email, first_name, last_name, ticket_id, order_id, order_date,
	order_status, ticket_type, is_fallback, locally_modified, manually_added, checked_in, checked_in_at,
	booker_email, booker_first_name, booker_last_name, source_product_id, created_at, updated_at`

func scanAttendee(s rowScanner) (model.Attendee, error) {
	var (
		a         model.Attendee
		ticketID  sql.NullString
		orderID   sql.NullInt64
		orderDate sql.NullTime
		checkedAt sql.NullTime
		source    sql.NullInt64
	)
	err := s.Scan(&a.ID, &a.EventID, &a.Email, &a.FirstName, &a.LastName, &ticketID, &orderID, &orderDate,
		&a.OrderStatus, &a.TicketType, &a.IsFallback, &a.LocallyModified, &a.ManuallyAdded, &a.CheckedIn, &checkedAt,
		&a.BookerEmail, &a.BookerFirstName, &a.BookerLastName, &source, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return a, err
	}
	if ticketID.Valid {
		v := ticketID.String
		a.TicketID = &v
	}
	a.OrderID = nullUint(orderID)
	a.OrderDate = nullTime(orderDate)
	a.CheckedInAt = nullTime(checkedAt)
	a.SourceProductID = nullUint(source)
	return a, nil
}

// Get returns one attendee by id.
func (r *AttendeeRepo) Get(ctx context.Context, id uint64) (model.Attendee, error) {
	row := conn(ctx, r.db).QueryRowContext(ctx, `SELECT `+attendeeColumns+` FROM attendees WHERE id = ?`, id)
	a, err := scanAttendee(row)
	return a, notFound(err)
}

// GetByTicket looks an attendee up by its dedup key.
func (r *AttendeeRepo) GetByTicket(ctx context.Context, ticketID string, eventID uint64) (model.Attendee, error) {
	row := conn(ctx, r.db).QueryRowContext(ctx,
		`SELECT `+attendeeColumns+` FROM attendees WHERE ticket_id = ? AND event_id = ?`, ticketID, eventID)
	a, err := scanAttendee(row)
	return a, notFound(err)
}

// ListByEvent returns every attendee of an event, soft-deleted rows
// included, ordered by last name then first name.
func (r *AttendeeRepo) ListByEvent(ctx context.Context, eventID uint64) ([]model.Attendee, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx,
		`SELECT `+attendeeColumns+` FROM attendees WHERE event_id = ? ORDER BY last_name, first_name, id`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Attendee
	for rows.Next() {
		a, err := scanAttendee(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Insert adds a. The unique (ticket_id, event_id) key is the safety net:
// a duplicate is ignored and reported as ErrDuplicateTicket.
func (r *AttendeeRepo) Insert(ctx context.Context, a *model.Attendee) error {
	res, err := conn(ctx, r.db).ExecContext(ctx, `INSERT IGNORE INTO attendees
		(event_id, email, first_name, last_name, ticket_id, order_id, order_date, order_status, ticket_type,
		 is_fallback, locally_modified, manually_added, checked_in, checked_in_at,
		 booker_email, booker_first_name, booker_last_name, source_product_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.EventID, a.Email, a.FirstName, a.LastName, a.TicketID, a.OrderID, a.OrderDate, a.OrderStatus, a.TicketType,
		a.IsFallback, a.LocallyModified, a.ManuallyAdded, a.CheckedIn, a.CheckedInAt,
		a.BookerEmail, a.BookerFirstName, a.BookerLastName, a.SourceProductID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateTicket
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	a.ID = uint64(id)
	return nil
}

// UpdateFromSync copies the externally owned fields of a onto its row.
// Check-in state and the local/manual flags are never touched, and a
// locally modified row is left alone even if the caller missed the flag.
func (r *AttendeeRepo) UpdateFromSync(ctx context.Context, a model.Attendee) error {
	_, err := conn(ctx, r.db).ExecContext(ctx, `UPDATE attendees SET
		email = ?, first_name = ?, last_name = ?, order_id = ?, order_date = ?, order_status = ?,
		ticket_type = ?, is_fallback = ?, booker_email = ?, booker_first_name = ?, booker_last_name = ?,
		source_product_id = ?
		WHERE id = ? AND locally_modified = 0`,
		a.Email, a.FirstName, a.LastName, a.OrderID, a.OrderDate, a.OrderStatus,
		a.TicketType, a.IsFallback, a.BookerEmail, a.BookerFirstName, a.BookerLastName,
		a.SourceProductID, a.ID)
	return err
}

// UpdateLocal applies an operator edit and marks the row locally
// modified so later syncs keep the edit.
func (r *AttendeeRepo) UpdateLocal(ctx context.Context, a model.Attendee) error {
	res, err := conn(ctx, r.db).ExecContext(ctx, `UPDATE attendees SET
		email = ?, first_name = ?, last_name = ?, ticket_type = ?, locally_modified = 1
		WHERE id = ?`,
		a.Email, a.FirstName, a.LastName, a.TicketType, a.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetCheckedIn records or clears a check-in.
func (r *AttendeeRepo) SetCheckedIn(ctx context.Context, id uint64, checkedIn bool, at *time.Time) error {
	if !checkedIn {
		at = nil
	}
	res, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE attendees SET checked_in = ?, checked_in_at = ? WHERE id = ?`, checkedIn, at, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SoftDelete marks an attendee deleted.  Sync keeps the mark even when
// the commerce platform still reports the order as active.
func (r *AttendeeRepo) SoftDelete(ctx context.Context, id uint64) error {
	res, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE attendees SET order_status = ? WHERE id = ?`, model.StatusDeleted, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// CountActive returns how many tickets with an active order status an
// event holds right now.
func (r *AttendeeRepo) CountActive(ctx context.Context, eventID uint64) (int, error) {
	var n int
	err := conn(ctx, r.db).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attendees WHERE event_id = ? AND order_status IN (?, ?, ?, ?)`,
		eventID, model.StatusCompleted, model.StatusProcessing, model.StatusOnHold, model.StatusPending).Scan(&n)
	return n, err
}

// MoveToEvent rewrites the event of every attendee of from to to.  Rows
// whose ticket already exists on to are left behind on from.  It returns
// how many rows moved.
func (r *AttendeeRepo) MoveToEvent(ctx context.Context, from, to uint64) (int, error) {
	q := conn(ctx, r.db)
	var before int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM attendees WHERE event_id = ?`, from).Scan(&before); err != nil {
		return 0, err
	}
	if _, err := q.ExecContext(ctx, `UPDATE IGNORE attendees SET event_id = ? WHERE event_id = ?`, to, from); err != nil {
		return 0, err
	}
	var after int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM attendees WHERE event_id = ?`, from).Scan(&after); err != nil {
		return 0, err
	}
	return before - after, nil
}

// EmailsByEvent returns the distinct holder emails of an event.
func (r *AttendeeRepo) EmailsByEvent(ctx context.Context, eventID uint64) ([]string, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx,
		`SELECT DISTINCT email FROM attendees WHERE event_id = ? AND email <> '' ORDER BY email`, eventID)
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

// AttendanceByEmail returns every checked-in, non-deleted ticket of email
// on a live event, joined to the event.  The same event may appear more
// than once.
func (r *AttendeeRepo) AttendanceByEmail(ctx context.Context, email string) ([]model.Attendance, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx, `SELECT e.id, e.name, e.event_date
		FROM attendees a JOIN events e ON e.id = a.event_id
		WHERE a.email = ? AND a.checked_in = 1 AND a.order_status <> ? AND e.merged_into_id IS NULL
		ORDER BY e.event_date`,
		strings.ToLower(strings.TrimSpace(email)), model.StatusDeleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Attendance
	for rows.Next() {
		var a model.Attendance
		if err := rows.Scan(&a.EventID, &a.EventName, &a.EventDate); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
