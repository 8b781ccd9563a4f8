package membership

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/iliyamo/checkin-reconciler/internal/logging"
	"github.com/iliyamo/checkin-reconciler/internal/model"
	"github.com/iliyamo/checkin-reconciler/internal/policy"
	"github.com/iliyamo/checkin-reconciler/internal/testutil"
)

type listCall struct {
	email     string
	subscribe bool
}

type fakeList struct {
	calls []listCall
	err   error
}

func (f *fakeList) Subscribe(_ context.Context, m model.Member) error {
	f.calls = append(f.calls, listCall{m.Email, true})
	return f.err
}

func (f *fakeList) Unsubscribe(_ context.Context, m model.Member) error {
	f.calls = append(f.calls, listCall{m.Email, false})
	return f.err
}

var now = time.Date(2024, 6, 1, 22, 0, 0, 0, time.UTC)

type fixture struct {
	calc   *Calculator
	ledger *testutil.Ledger
	list   *fakeList
	clock  *testutil.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{ledger: testutil.NewLedger(), list: &fakeList{}, clock: testutil.NewClock(now)}
	f.calc = New(f.ledger.Attendees, f.ledger.Members, f.ledger.Events, policy.Default(), f.clock,
		WithListSyncer(f.list),
		WithEventDuration(3*time.Hour),
		WithLogger(logging.Discard()),
	)
	return f
}

// attend records a checked-in ticket for email at a new event.
func (f *fixture) attend(email, name string, date time.Time) model.Event {
	e := f.ledger.AddEvent(model.Event{Name: name, EventDate: date})
	f.ledger.AddAttendee(model.Attendee{EventID: e.ID, Email: email, CheckedIn: true, CheckedInAt: &date})
	return e
}

func monthsAgo(n int) time.Time { return now.AddDate(0, -n, 0) }

func TestActivationBoundary(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	const email = "ann@example.org"
	f.attend(email, "Beginners Workshop", monthsAgo(14))
	f.attend(email, "Improvers Class", monthsAgo(2))

	st, err := f.calc.Recalculate(ctx, email)
	if err != nil {
		t.Fatal(err)
	}
	if st.IsActive || st.TotalEvents != 2 || st.Changed {
		t.Fatalf("two events: %+v", st)
	}

	third := f.attend(email, "Spring Ceilidh", monthsAgo(1))
	st, _ = f.calc.Recalculate(ctx, email)
	if !st.IsActive || st.TotalEvents != 3 || !st.Changed {
		t.Fatalf("three events: %+v", st)
	}
	m, _ := f.ledger.Member(email)
	if !m.IsActiveMember || m.TotalEventsAttended != 3 {
		t.Fatalf("stored member = %+v", m)
	}

	third.Name = "Spring Social"
	if err := f.ledger.Events.Update(ctx, third); err != nil {
		t.Fatal(err)
	}
	st, _ = f.calc.Recalculate(ctx, email)
	if st.IsActive || st.TotalEvents != 2 || !st.Changed {
		t.Fatalf("after reclassification: %+v", st)
	}

	want := []listCall{{email, true}, {email, false}}
	if len(f.list.calls) != len(want) {
		t.Fatalf("list calls = %+v", f.list.calls)
	}
	for i := range want {
		if f.list.calls[i] != want[i] {
			t.Errorf("call %d = %+v, want %+v", i, f.list.calls[i], want[i])
		}
	}
}

func TestOldAttendanceIsInactive(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	const email = "old@example.org"
	for _, m := range []int{10, 12, 20} {
		f.attend(email, "Workshop", monthsAgo(m))
	}
	st, err := f.calc.Recalculate(context.Background(), email)
	if err != nil {
		t.Fatal(err)
	}
	if st.IsActive || st.TotalEvents != 3 || st.RecentEvents != 0 {
		t.Fatalf("status = %+v", st)
	}
	if st.ExpiresAt == nil || !st.ExpiresAt.Before(now) {
		t.Errorf("expiry = %v, want in the past", st.ExpiresAt)
	}
}

func TestOnlyQualifyingAttendanceCounts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	const email = "mix@example.org"

	counted := f.attend(email, "Workshop", monthsAgo(1))
	// Second ticket for the same event.
	f.ledger.AddAttendee(model.Attendee{EventID: counted.ID, Email: email, CheckedIn: true})
	f.attend(email, "Christmas Dinner", monthsAgo(6))
	f.attend(email, "Pub Quiz", monthsAgo(3))
	notIn := f.ledger.AddEvent(model.Event{Name: "Class", EventDate: monthsAgo(2)})
	f.ledger.AddAttendee(model.Attendee{EventID: notIn.ID, Email: email})
	deleted := f.ledger.AddEvent(model.Event{Name: "Class", EventDate: monthsAgo(2)})
	f.ledger.AddAttendee(model.Attendee{EventID: deleted.ID, Email: email, CheckedIn: true, OrderStatus: model.StatusDeleted})
	dead := f.ledger.AddEvent(model.Event{Name: "Class", EventDate: monthsAgo(2), MergedIntoID: &counted.ID})
	f.ledger.AddAttendee(model.Attendee{EventID: dead.ID, Email: email, CheckedIn: true})

	st, err := f.calc.Recalculate(ctx, email)
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalEvents != 1 || st.RecentEvents != 1 {
		t.Fatalf("status = %+v", st)
	}
}

func TestExpiryAndManualOverride(t *testing.T) {
	t.Parallel()
	last := monthsAgo(1)
	eventExpiry := last.AddDate(0, 9, 0)
	early := eventExpiry.AddDate(0, -3, 0)
	late := eventExpiry.AddDate(1, 0, 0)
	rows := []model.Attendance{{EventID: 1, EventName: "A", EventDate: last}}

	tests := []struct {
		name   string
		member model.Member
		rows   []model.Attendance
		want   *time.Time
		active bool
	}{
		{"event based", model.Member{}, rows, &eventExpiry, false},
		{"manual earlier never shortens", model.Member{ManuallyAdded: true, ManualExpiresAt: &early}, rows, &eventExpiry, true},
		{"manual later extends", model.Member{ManuallyAdded: true, ManualExpiresAt: &late}, rows, &late, true},
		{"manual alone", model.Member{ManuallyAdded: true, ManualExpiresAt: &late}, nil, &late, true},
		{"nothing", model.Member{}, nil, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			st := Evaluate(tt.member, tt.rows, policy.Default(), now)
			switch {
			case tt.want == nil && st.ExpiresAt != nil:
				t.Errorf("expiry = %v, want none", st.ExpiresAt)
			case tt.want != nil && (st.ExpiresAt == nil || !st.ExpiresAt.Equal(*tt.want)):
				t.Errorf("expiry = %v, want %v", st.ExpiresAt, *tt.want)
			}
			if st.IsActive != tt.active {
				t.Errorf("active = %v, want %v", st.IsActive, tt.active)
			}
		})
	}
}

func TestListFailureDoesNotFailRecalculation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.list.err = errors.New("list service unavailable")
	const email = "keen@example.org"
	for i := 1; i <= 3; i++ {
		f.attend(email, "Workshop", monthsAgo(i))
	}
	st, err := f.calc.Recalculate(context.Background(), email)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	m, _ := f.ledger.Member(email)
	if !st.IsActive || !m.IsActiveMember || len(f.list.calls) != 1 {
		t.Fatalf("status = %+v member = %+v calls = %v", st, m, f.list.calls)
	}
}

func TestSweepRecentlyEnded(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	// Events last three hours; the clock reads 22:00.
	f.attend("late@example.org", "Evening Class", now.Add(-5*time.Hour-30*time.Minute))
	f.attend("early@example.org", "Afternoon Class", now.Add(-7*time.Hour))
	f.attend("running@example.org", "Late Class", now.Add(-4*time.Hour-30*time.Minute))

	res, err := f.calc.SweepRecentlyEnded(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Events != 1 || res.Members != 1 {
		t.Fatalf("res = %+v", res)
	}
	if _, ok := f.ledger.Member("late@example.org"); !ok {
		t.Error("holder of recently ended event not recalculated")
	}
	if _, ok := f.ledger.Member("early@example.org"); ok {
		t.Error("holder of long-ended event recalculated")
	}
}

func TestSweepRecentlyEnded_DateOnlyEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	today := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	f.attend("today@example.org", "Summer Ceilidh", today)
	f.attend("yesterday@example.org", "Barn Dance", today.AddDate(0, 0, -1))

	// Before the 23:00 freeze cutoff the doors are still open.
	res, err := f.calc.SweepRecentlyEnded(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Events != 0 {
		t.Fatalf("swept before cutoff: %+v", res)
	}

	f.clock.Set(time.Date(2024, 6, 1, 23, 30, 0, 0, time.UTC))
	res, err = f.calc.SweepRecentlyEnded(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Events != 1 || res.Members != 1 {
		t.Fatalf("res = %+v", res)
	}
	if _, ok := f.ledger.Member("today@example.org"); !ok {
		t.Error("holder of today's event not recalculated")
	}
	if _, ok := f.ledger.Member("yesterday@example.org"); ok {
		t.Error("holder of yesterday's event recalculated")
	}
}

func TestRecalculateEmailsLogsInterruption(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ledger := testutil.NewLedger()
	calc := New(ledger.Attendees, ledger.Members, ledger.Events, policy.Default(), testutil.NewClock(now),
		WithLogger(logging.NewWithWriter(&buf, "test", "info")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calc.RecalculateEmails(ctx, []string{"a@example.org", "b@example.org"})

	if !strings.Contains(buf.String(), "membership recalculation interrupted") {
		t.Fatalf("log = %s", buf.String())
	}
	if _, ok := ledger.Member("a@example.org"); ok {
		t.Error("member recalculated after cancellation")
	}
}

func TestRecalculateAllCountsFailures(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.ledger.AddMember(model.Member{Email: "a@example.org"})
	f.ledger.AddMember(model.Member{Email: "b@example.org"})
	f.ledger.Fault = func(op string, subject any) error {
		if op == "members.save" && subject.(model.Member).Email == "b@example.org" {
			return errors.New("lock wait timeout")
		}
		return nil
	}
	res, err := f.calc.RecalculateAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Members != 2 || res.Failed != 1 {
		t.Fatalf("res = %+v", res)
	}
}
