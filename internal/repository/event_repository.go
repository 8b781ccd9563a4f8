package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/iliyamo/checkin-reconciler/internal/model"
)

// EventRepo manages persistence for events.
type EventRepo struct {
	db *sql.DB
}

// NewEventRepo returns an EventRepo backed by db.
func NewEventRepo(db *sql.DB) *EventRepo { return &EventRepo{db: db} }

const eventColumns = `id, name, event_date, product_id, merged_product_ids, merged_into_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(s rowScanner) (model.Event, error) {
	var (
		e        model.Event
		product  sql.NullInt64
		merged   []byte
		mergedTo sql.NullInt64
	)
	if err := s.Scan(&e.ID, &e.Name, &e.EventDate, &product, &merged, &mergedTo, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return e, err
	}
	e.ProductID = nullUint(product)
	e.MergedIntoID = nullUint(mergedTo)
	if len(merged) > 0 {
		if err := json.Unmarshal(merged, &e.MergedProductIDs); err != nil {
			return e, fmt.Errorf("event %d: decode merged_product_ids: %w", e.ID, err)
		}
	}
	return e, nil
}

// Get returns one event by id, tombstones included.
func (r *EventRepo) Get(ctx context.Context, id uint64) (model.Event, error) {
	row := conn(ctx, r.db).QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	e, err := scanEvent(row)
	return e, notFound(err)
}

// ListLive returns every event that has not been merged away, oldest
// first.  The order is stable so batch runs can resume from an offset.
func (r *EventRepo) ListLive(ctx context.Context) ([]model.Event, error) {
	return r.list(ctx, `SELECT `+eventColumns+` FROM events WHERE merged_into_id IS NULL ORDER BY event_date, id`)
}

// ListLiveBetween returns live events starting in [from, to).
func (r *EventRepo) ListLiveBetween(ctx context.Context, from, to time.Time) ([]model.Event, error) {
	return r.list(ctx, `SELECT `+eventColumns+` FROM events
		WHERE merged_into_id IS NULL AND event_date >= ? AND event_date < ?
		ORDER BY event_date, id`, from.UTC(), to.UTC())
}

func (r *EventRepo) list(ctx context.Context, q string, args ...any) ([]model.Event, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ProductIDsInUse returns every product reference held by any event,
// primary or absorbed.
func (r *EventRepo) ProductIDsInUse(ctx context.Context) (map[uint64]bool, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx, `SELECT product_id, merged_product_ids FROM events`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	used := make(map[uint64]bool)
	for rows.Next() {
		var (
			product sql.NullInt64
			merged  []byte
		)
		if err := rows.Scan(&product, &merged); err != nil {
			return nil, err
		}
		if product.Valid {
			used[uint64(product.Int64)] = true
		}
		if len(merged) > 0 {
			var ids []uint64
			if err := json.Unmarshal(merged, &ids); err != nil {
				return nil, err
			}
			for _, id := range ids {
				used[id] = true
			}
		}
	}
	return used, rows.Err()
}

// Create inserts e and fills in its id.  A product already linked to
// another event yields ErrConflict.
func (r *EventRepo) Create(ctx context.Context, e *model.Event) error {
	merged, err := encodeIDs(e.MergedProductIDs)
	if err != nil {
		return err
	}
	res, err := conn(ctx, r.db).ExecContext(ctx,
		`INSERT INTO events (name, event_date, product_id, merged_product_ids, merged_into_id) VALUES (?, ?, ?, ?, ?)`,
		e.Name, e.EventDate.UTC(), e.ProductID, merged, e.MergedIntoID)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrConflict
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	e.ID = uint64(id)
	return nil
}

// Update rewrites the mutable columns of e: name, product references and
// the merge successor.
func (r *EventRepo) Update(ctx context.Context, e model.Event) error {
	merged, err := encodeIDs(e.MergedProductIDs)
	if err != nil {
		return err
	}
	res, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE events SET name = ?, product_id = ?, merged_product_ids = ?, merged_into_id = ? WHERE id = ?`,
		e.Name, e.ProductID, merged, e.MergedIntoID, e.ID)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrConflict
		}
		return err
	}
	return requireRow(res)
}

// Delete removes an event row.  Its attendees go with it.
func (r *EventRepo) Delete(ctx context.Context, id uint64) error {
	res, err := conn(ctx, r.db).ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func encodeIDs(ids []uint64) (any, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullUint(n sql.NullInt64) *uint64 {
	if !n.Valid {
		return nil
	}
	v := uint64(n.Int64)
	return &v
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// requireRow maps an UPDATE or DELETE that matched nothing to ErrNotFound.
// It relies on the DSN setting clientFoundRows so that an UPDATE writing
// identical values still counts its row.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
