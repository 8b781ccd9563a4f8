package repository

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/iliyamo/checkin-reconciler/internal/database"
	"github.com/iliyamo/checkin-reconciler/internal/model"
)

// openTestDB connects to the database named by TEST_MYSQL_DSN, applies
// the migrations and empties the ledger tables.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skipf("TEST_MYSQL_DSN not set; skipping MySQL integration test")
	}
	db, err := database.OpenDSN(dsn)
	if err != nil {
		t.Skipf("mysql not reachable: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	if err := database.Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, table := range []string{"attendees", "events", "members", "leases", "operators"} {
		if _, err := db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
	return db
}

func ptr[T any](v T) *T { return &v }

func TestLedgerRepositories(t *testing.T) {
	db := openTestDB(t)
	events := NewEventRepo(db)
	attendees := NewAttendeeRepo(db)
	members := NewMemberRepo(db)
	tx := NewTransactor(db)
	ctx := context.Background()

	date := time.Date(2024, 6, 1, 19, 0, 0, 0, time.UTC)
	a := model.Event{Name: "Barn Dance", EventDate: date, ProductID: ptr(uint64(101))}
	b := model.Event{Name: "Barn Dance (Members)", EventDate: date, ProductID: ptr(uint64(102))}
	for _, e := range []*model.Event{&a, &b} {
		if err := events.Create(ctx, e); err != nil {
			t.Fatalf("create event: %v", err)
		}
	}

	t.Run("product reference is unique", func(t *testing.T) {
		dup := model.Event{Name: "Copy", EventDate: date, ProductID: ptr(uint64(101))}
		if err := events.Create(ctx, &dup); !errors.Is(err, ErrConflict) {
			t.Fatalf("err = %v, want ErrConflict", err)
		}
	})

	t.Run("ticket and event pair is unique", func(t *testing.T) {
		first := model.Attendee{EventID: a.ID, Email: "x@example.org", TicketID: ptr("T-1"), OrderStatus: model.StatusCompleted}
		if err := attendees.Insert(ctx, &first); err != nil {
			t.Fatalf("insert: %v", err)
		}
		second := first
		second.Email = "y@example.org"
		if err := attendees.Insert(ctx, &second); !errors.Is(err, ErrDuplicateTicket) {
			t.Fatalf("err = %v, want ErrDuplicateTicket", err)
		}
		list, err := attendees.ListByEvent(ctx, a.ID)
		if err != nil || len(list) != 1 || list[0].Email != "x@example.org" {
			t.Fatalf("list = %+v, %v", list, err)
		}
	})

	t.Run("move keeps colliding tickets behind", func(t *testing.T) {
		for _, tk := range []string{"T-1", "T-2"} {
			if err := attendees.Insert(ctx, &model.Attendee{EventID: b.ID, Email: "z@example.org", TicketID: ptr(tk), OrderStatus: model.StatusCompleted}); err != nil {
				t.Fatal(err)
			}
		}
		var moved int
		err := tx.WithTx(ctx, func(ctx context.Context) error {
			var err error
			moved, err = attendees.MoveToEvent(ctx, b.ID, a.ID)
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
		if moved != 1 {
			t.Errorf("moved = %d, want 1", moved)
		}
		n, _ := attendees.CountActive(ctx, a.ID)
		if n != 2 {
			t.Errorf("primary count = %d, want 2", n)
		}
	})

	t.Run("rollback undoes every write", func(t *testing.T) {
		boom := errors.New("boom")
		err := tx.WithTx(ctx, func(ctx context.Context) error {
			e, err := events.Get(ctx, a.ID)
			if err != nil {
				return err
			}
			e.Name = "Renamed"
			if err := events.Update(ctx, e); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("err = %v", err)
		}
		e, _ := events.Get(ctx, a.ID)
		if e.Name != "Barn Dance" {
			t.Errorf("name = %q after rollback", e.Name)
		}
	})

	t.Run("tombstone leaves live list and keeps references", func(t *testing.T) {
		sec, _ := events.Get(ctx, b.ID)
		sec.MergedIntoID = ptr(a.ID)
		sec.ProductID = nil
		if err := events.Update(ctx, sec); err != nil {
			t.Fatal(err)
		}
		prim, _ := events.Get(ctx, a.ID)
		prim.MergedProductIDs = []uint64{102}
		if err := events.Update(ctx, prim); err != nil {
			t.Fatal(err)
		}
		live, err := events.ListLive(ctx)
		if err != nil || len(live) != 1 || live[0].ID != a.ID {
			t.Fatalf("live = %+v, %v", live, err)
		}
		if refs := live[0].ProductRefs(); len(refs) != 2 || refs[1] != 102 {
			t.Errorf("refs = %v", refs)
		}
		used, _ := events.ProductIDsInUse(ctx)
		if !used[101] || !used[102] {
			t.Errorf("in use = %v", used)
		}
	})

	t.Run("attendance skips unchecked deleted and tombstoned", func(t *testing.T) {
		at := date.Add(time.Hour)
		list, _ := attendees.ListByEvent(ctx, a.ID)
		for _, row := range list {
			if err := attendees.SetCheckedIn(ctx, row.ID, true, &at); err != nil {
				t.Fatal(err)
			}
		}
		got, err := attendees.AttendanceByEmail(ctx, "X@example.org")
		if err != nil || len(got) != 1 || got[0].EventName != "Barn Dance" {
			t.Fatalf("attendance = %+v, %v", got, err)
		}
		if err := attendees.SoftDelete(ctx, list[0].ID); err != nil {
			t.Fatal(err)
		}
		got, _ = attendees.AttendanceByEmail(ctx, list[0].Email)
		if len(got) != 0 {
			t.Errorf("soft-deleted attendance counted: %+v", got)
		}
	})

	t.Run("member stub keeps existing names", func(t *testing.T) {
		if err := members.EnsureStub(ctx, "Q@example.org", "", "Quinn"); err != nil {
			t.Fatal(err)
		}
		if err := members.EnsureStub(ctx, "q@example.org", "Alex", "Other"); err != nil {
			t.Fatal(err)
		}
		m, err := members.GetByEmail(ctx, "q@example.org")
		if err != nil || m.FirstName != "Alex" || m.LastName != "Quinn" {
			t.Fatalf("member = %+v, %v", m, err)
		}
		if _, err := members.GetByEmail(ctx, "nobody@example.org"); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestLeaseRepo(t *testing.T) {
	db := openTestDB(t)
	leases := NewLeaseRepo(db)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	ok, err := leases.Acquire(ctx, "merge", "owner-a", time.Minute, now)
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	if ok, _ := leases.Acquire(ctx, "merge", "owner-b", time.Minute, now.Add(30*time.Second)); ok {
		t.Fatal("second owner acquired a live lease")
	}
	if ok, _ := leases.Acquire(ctx, "merge", "owner-b", time.Minute, now.Add(2*time.Minute)); !ok {
		t.Fatal("expired lease was not taken over")
	}
	if err := leases.Release(ctx, "merge", "owner-a"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := leases.Acquire(ctx, "merge", "owner-a", time.Minute, now.Add(2*time.Minute)); ok {
		t.Fatal("stale owner release dropped the new holder's lease")
	}
	if err := leases.Release(ctx, "merge", "owner-b"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := leases.Acquire(ctx, "merge", "owner-a", time.Minute, now.Add(2*time.Minute)); !ok {
		t.Fatal("released lease could not be acquired")
	}
}
