package merge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/iliyamo/checkin-reconciler/internal/cache"
	"github.com/iliyamo/checkin-reconciler/internal/logging"
	"github.com/iliyamo/checkin-reconciler/internal/model"
	"github.com/iliyamo/checkin-reconciler/internal/policy"
	"github.com/iliyamo/checkin-reconciler/internal/syncer"
	"github.com/iliyamo/checkin-reconciler/internal/testutil"
)

type recorder struct {
	emails []string
	after  func()
}

func (r *recorder) RecalculateEmails(_ context.Context, emails []string) {
	r.emails = append(r.emails, emails...)
	if r.after != nil {
		r.after()
	}
}

type fixture struct {
	engine *Engine
	ledger *testutil.Ledger
	store  *cache.MemoryStore
	clock  *testutil.Clock
	recalc *recorder
	loc    *time.Location
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	loc, err := time.LoadLocation("Europe/London")
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		ledger: testutil.NewLedger(),
		clock:  testutil.NewClock(time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)),
		recalc: &recorder{},
		loc:    loc,
	}
	f.store = cache.NewMemoryStore(f.clock)
	base := []Option{WithLocation(loc), WithRecalculator(f.recalc), WithLogger(logging.Discard())}
	f.engine = New(f.ledger.Events, f.ledger.Attendees, f.ledger.Leases, f.ledger, f.store,
		policy.Default(), f.clock, append(base, opts...)...)
	return f
}

func (f *fixture) event(name string, product uint64, day, hour int) model.Event {
	return f.ledger.AddEvent(model.Event{
		Name:      name,
		EventDate: time.Date(2024, 7, day, hour, 0, 0, 0, f.loc).UTC(),
		ProductID: &product,
	})
}

func (f *fixture) tickets(ev model.Event, n int) {
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%d-%d", ev.ID, i)
		f.ledger.AddAttendee(model.Attendee{
			EventID:  ev.ID,
			Email:    fmt.Sprintf("holder%d-%d@example.org", ev.ID, i),
			TicketID: &id,
		})
	}
}

func TestMergeAll_ConservesAttendees(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	regular := f.event("Ceilidh Night 12 July", 300, 12, 19)
	members := f.event("Ceilidh Night (Members)", 200, 12, 19)
	f.tickets(regular, 5)
	f.tickets(members, 3)

	ctx := context.Background()
	_ = f.store.Set(ctx, syncer.OrdersKey(200), []byte(`[]`), time.Hour, cache.WithEvent(members.ID))
	_ = f.store.Set(ctx, syncer.EventKey(regular.ID), []byte(`{}`), time.Hour)

	res, err := f.engine.MergeAll(ctx)
	if err != nil {
		t.Fatalf("MergeAll: %v", err)
	}
	if res.Groups != 1 || res.Merged != 1 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	r := res.Results[0]
	if r.PrimaryID != regular.ID || len(r.SecondaryIDs) != 1 || r.SecondaryIDs[0] != members.ID {
		t.Fatalf("primary %d secondaries %v", r.PrimaryID, r.SecondaryIDs)
	}
	if r.Moved != 3 {
		t.Fatalf("moved = %d, want 3", r.Moved)
	}
	if got := len(f.ledger.AttendeesOf(regular.ID)); got != 8 {
		t.Fatalf("primary attendees = %d, want 8", got)
	}
	if got := len(f.ledger.AttendeesOf(members.ID)); got != 0 {
		t.Fatalf("secondary attendees = %d, want 0", got)
	}

	primary, _ := f.ledger.Event(regular.ID)
	if primary.Name != "Ceilidh Night - 12 Jul 2024" {
		t.Fatalf("name = %q", primary.Name)
	}
	if refs := primary.ProductRefs(); len(refs) != 2 || refs[0] != 300 || refs[1] != 200 {
		t.Fatalf("refs = %v", refs)
	}
	tomb, _ := f.ledger.Event(members.ID)
	if !tomb.IsTombstone() || *tomb.MergedIntoID != regular.ID || tomb.ProductID != nil {
		t.Fatalf("secondary = %+v", tomb)
	}

	live, _ := f.ledger.Events.ListLive(ctx)
	if len(live) != 1 || live[0].ID != regular.ID {
		t.Fatalf("live events = %+v", live)
	}
	if f.store.Len() != 0 {
		t.Fatalf("cache still holds %d entries", f.store.Len())
	}
	if len(f.recalc.emails) != 8 {
		t.Fatalf("recalculated %d emails, want 8", len(f.recalc.emails))
	}
	if _, held := f.ledger.Leases.Holder(LockName); held {
		t.Fatal("lease not released")
	}
}

func TestMergeGroup_PrimaryTieBreak(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.event("Barn Dance", 500, 13, 19)
	b := f.event("Barn Dance - Members Only", 400, 13, 19)
	f.tickets(a, 2)
	f.tickets(b, 2)

	groups, err := f.engine.FindDuplicateEvents(context.Background())
	if err != nil || len(groups) != 1 {
		t.Fatalf("groups = %v, err = %v", groups, err)
	}
	r := f.engine.MergeGroup(context.Background(), groups[0])
	if !r.OK() {
		t.Fatalf("merge failed: %s", r.Error)
	}
	if r.PrimaryID != b.ID {
		t.Fatalf("primary = %d, want lowest product ref event %d", r.PrimaryID, b.ID)
	}
	primary, _ := f.ledger.Event(b.ID)
	if primary.Name != "Barn Dance - 13 Jul 2024" {
		t.Fatalf("name = %q", primary.Name)
	}
}

func TestMergeGroup_DuplicateTicketStaysOnSecondary(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.event("Quiz", 10, 14, 19)
	b := f.event("Quiz (Members)", 11, 14, 19)
	f.tickets(a, 2)
	shared := fmt.Sprintf("%d-%d", a.ID, 0)
	f.ledger.AddAttendee(model.Attendee{EventID: b.ID, Email: "x@example.org", TicketID: &shared})

	groups, _ := f.engine.FindDuplicateEvents(context.Background())
	r := f.engine.MergeGroup(context.Background(), groups[0])
	if !r.OK() || r.Moved != 0 {
		t.Fatalf("result = %+v", r)
	}
	if got := len(f.ledger.AttendeesOf(a.ID)); got != 2 {
		t.Fatalf("primary attendees = %d", got)
	}
}

func TestMergeAll_LockHeld(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	regular := f.event("Ceilidh", 1, 12, 19)
	members := f.event("Ceilidh (Members)", 2, 12, 19)
	f.tickets(regular, 1)
	f.tickets(members, 1)

	ctx := context.Background()
	ok, _ := f.ledger.Leases.Acquire(ctx, LockName, "other-host", time.Minute, f.clock.Now())
	if !ok {
		t.Fatal("setup: acquire")
	}
	res, err := f.engine.MergeAll(ctx)
	if err != nil {
		t.Fatalf("MergeAll: %v", err)
	}
	if !res.LockHeld || res.Groups != 0 || res.Merged != 0 {
		t.Fatalf("result = %+v", res)
	}
	if got := len(f.ledger.AttendeesOf(members.ID)); got != 1 {
		t.Fatal("attendees moved while lock was held")
	}
	if owner, _ := f.ledger.Leases.Holder(LockName); owner != "other-host" {
		t.Fatalf("lease owner = %q", owner)
	}

	f.clock.Advance(2 * time.Minute)
	res, err = f.engine.MergeAll(ctx)
	if err != nil || res.LockHeld || res.Merged != 1 {
		t.Fatalf("after expiry: %+v, %v", res, err)
	}
}

func TestMergeAll_RenewsLeaseBetweenGroups(t *testing.T) {
	t.Parallel()
	f := newFixture(t, WithLockTTL(10*time.Minute))
	for day := 12; day <= 14; day++ {
		f.event("Ceilidh", uint64(day), day, 19)
		f.event("Ceilidh (Members)", uint64(100+day), day, 19)
	}
	ctx := context.Background()
	var stolen int
	f.recalc.after = func() {
		f.clock.Advance(6 * time.Minute)
		if ok, _ := f.ledger.Leases.Acquire(ctx, LockName, "other-host", time.Minute, f.clock.Now()); ok {
			stolen++
		}
	}

	res, err := f.engine.MergeAll(ctx)
	if err != nil {
		t.Fatalf("MergeAll: %v", err)
	}
	if res.Merged != 3 {
		t.Fatalf("result = %+v", res)
	}
	if stolen != 0 {
		t.Fatalf("lease taken over %d times during the pass", stolen)
	}
}

func TestMergeAll_StopsWhenLockLost(t *testing.T) {
	t.Parallel()
	f := newFixture(t, WithLockTTL(10*time.Minute))
	f.event("Ceilidh", 1, 12, 19)
	f.event("Ceilidh (Members)", 2, 12, 19)
	c := f.event("Barn Dance", 3, 13, 19)
	d := f.event("Barn Dance (Members)", 4, 13, 19)
	f.tickets(d, 2)
	ctx := context.Background()
	f.recalc.after = func() {
		f.recalc.after = nil
		f.clock.Advance(11 * time.Minute)
		if ok, _ := f.ledger.Leases.Acquire(ctx, LockName, "other-host", time.Hour, f.clock.Now()); !ok {
			t.Error("setup: takeover of expired lease failed")
		}
	}

	res, err := f.engine.MergeAll(ctx)
	if !errors.Is(err, ErrLockLost) {
		t.Fatalf("err = %v, want ErrLockLost", err)
	}
	if res.Merged != 1 || len(res.Results) != 1 {
		t.Fatalf("result = %+v", res)
	}
	got, _ := f.ledger.Event(c.ID)
	if got.IsTombstone() || len(f.ledger.AttendeesOf(d.ID)) != 2 {
		t.Fatal("second group merged after the lease was lost")
	}
	if owner, _ := f.ledger.Leases.Holder(LockName); owner != "other-host" {
		t.Fatalf("lease owner = %q, want other-host", owner)
	}
}

func TestMergeAll_FailedGroupIsRolledBackAndIsolated(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.event("Ceilidh", 1, 12, 19)
	b := f.event("Ceilidh (Members)", 2, 12, 19)
	c := f.event("Barn Dance", 3, 13, 19)
	d := f.event("Barn Dance (Members)", 4, 13, 19)
	for _, ev := range []model.Event{a, b, c, d} {
		f.tickets(ev, 2)
	}
	boom := errors.New("disk full")
	f.ledger.Fault = func(op string, subject any) error {
		if ev, ok := subject.(model.Event); ok && op == "events.update" && ev.ID == a.ID {
			return boom
		}
		return nil
	}

	res, err := f.engine.MergeAll(context.Background())
	if err != nil {
		t.Fatalf("MergeAll: %v", err)
	}
	if res.Groups != 2 || res.Merged != 1 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.Results[0].OK() || res.Results[0].Error == "" {
		t.Fatalf("first group should fail: %+v", res.Results[0])
	}
	for _, ev := range []model.Event{a, b} {
		got, _ := f.ledger.Event(ev.ID)
		if got.IsTombstone() || len(f.ledger.AttendeesOf(ev.ID)) != 2 {
			t.Fatalf("event %d changed despite rollback: %+v", ev.ID, got)
		}
	}
	if got := len(f.ledger.AttendeesOf(c.ID)); got != 4 {
		t.Fatalf("second group primary attendees = %d, want 4", got)
	}
	if _, held := f.ledger.Leases.Holder(LockName); held {
		t.Fatal("lease not released after failure")
	}
}

func TestMergeAll_DeleteMode(t *testing.T) {
	t.Parallel()
	f := newFixture(t, WithMode(ModeDelete))
	a := f.event("Ceilidh", 1, 12, 19)
	b := f.event("Ceilidh (Members)", 2, 12, 19)
	f.tickets(a, 1)
	f.tickets(b, 4)

	res, err := f.engine.MergeAll(context.Background())
	if err != nil || res.Merged != 1 {
		t.Fatalf("result = %+v, err = %v", res, err)
	}
	if res.Results[0].PrimaryID != b.ID {
		t.Fatalf("primary = %d, want busier event %d", res.Results[0].PrimaryID, b.ID)
	}
	if _, ok := f.ledger.Event(a.ID); ok {
		t.Fatal("secondary still present")
	}
	if got := len(f.ledger.AttendeesOf(b.ID)); got != 5 {
		t.Fatalf("primary attendees = %d, want 5", got)
	}
	primary, _ := f.ledger.Event(b.ID)
	if primary.Name != "Ceilidh - 12 Jul 2024" {
		t.Fatalf("name = %q", primary.Name)
	}
}

func TestFindDuplicateEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.event("Friday Social", 1, 12, 19)
	f.event("Friday Social (Members)", 2, 12, 19)
	f.event("Ceilidh", 3, 12, 19)
	f.event("Ceilidh (Members)", 4, 13, 19)
	f.event("Workshop", 5, 14, 10)
	f.event("Workshop Advanced", 6, 14, 14)
	// Midnight BST on the 16th is still the 15th in UTC; venue days differ.
	f.event("Late Dance", 7, 15, 20)
	f.event("Late Dance Members Only", 8, 16, 0)
	f.event("Harvest Dance", 9, 17, 10)
	f.event("Harvest Dance (Members)", 10, 17, 23)

	groups, err := f.engine.FindDuplicateEvents(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 {
		t.Fatalf("groups = %+v", groups)
	}
	if groups[0].Day != "2024-07-17" {
		t.Fatalf("day = %s", groups[0].Day)
	}
	ids := groups[0].IDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) != 2 {
		t.Fatalf("ids = %v", ids)
	}
}

func TestMergeAll_AmbiguousVariantLeavesRegularEventsApart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	night := f.event("Ceilidh", 1, 12, 19)
	workshop := f.event("Ceilidh Workshop", 2, 12, 14)
	members := f.event("Ceilidh (Members)", 3, 12, 19)
	for _, ev := range []model.Event{night, workshop, members} {
		f.tickets(ev, 2)
	}
	if IsCandidatePair(policy.Default(), night.Name, workshop.Name) {
		t.Fatal("setup: regular events must not pair")
	}

	groups, err := f.engine.FindDuplicateEvents(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 0 {
		t.Fatalf("groups = %+v, want none", groups)
	}
	res, err := f.engine.MergeAll(context.Background())
	if err != nil || res.Merged != 0 {
		t.Fatalf("result = %+v, err = %v", res, err)
	}
	for _, ev := range []model.Event{night, workshop, members} {
		got, _ := f.ledger.Event(ev.ID)
		if got.IsTombstone() || len(f.ledger.AttendeesOf(ev.ID)) != 2 {
			t.Fatalf("event %d changed: %+v", ev.ID, got)
		}
	}
}

func TestFindDuplicateEvents_AnchorsOnRegularEvent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	regular := f.event("Ceilidh", 1, 12, 19)
	a := f.event("Ceilidh (Members)", 2, 12, 19)
	b := f.event("Ceilidh - Members Only", 3, 12, 19)

	groups, err := f.engine.FindDuplicateEvents(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 {
		t.Fatalf("groups = %+v", groups)
	}
	ids := groups[0].IDs()
	if len(ids) != 3 || ids[0] != regular.ID || ids[1] != a.ID || ids[2] != b.ID {
		t.Fatalf("ids = %v", ids)
	}
}

func TestMergeGroup_RejectsTwoRegularEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	night := f.event("Ceilidh", 1, 12, 19)
	workshop := f.event("Ceilidh Workshop", 2, 12, 14)
	members := f.event("Ceilidh (Members)", 3, 12, 19)
	f.tickets(workshop, 1)

	r := f.engine.MergeGroup(context.Background(), Group{Day: "2024-07-12", Events: []model.Event{night, workshop, members}})
	if r.OK() {
		t.Fatalf("merge of two regular events succeeded: %+v", r)
	}
	got, _ := f.ledger.Event(workshop.ID)
	if got.IsTombstone() || len(f.ledger.AttendeesOf(workshop.ID)) != 1 {
		t.Fatalf("workshop changed: %+v", got)
	}
}

func TestBaseName(t *testing.T) {
	t.Parallel()
	rules := policy.Default()
	cases := []struct{ in, want string }{
		{"Ceilidh Night", "Ceilidh Night"},
		{"Ceilidh Night (Members)", "Ceilidh Night"},
		{"Ceilidh Night - 12 July", "Ceilidh Night"},
		{"Ceilidh Night - Sat 12th July 2024", "Ceilidh Night"},
		{"Ceilidh Night, July 12", "Ceilidh Night"},
		{"Ceilidh Night 2024-07-12", "Ceilidh Night"},
		{"Ceilidh Night 12/07/2024 Members Only", "Ceilidh Night"},
	}
	for _, tc := range cases {
		if got := BaseName(rules, tc.in); got != tc.want {
			t.Errorf("BaseName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestIsCandidatePair(t *testing.T) {
	t.Parallel()
	rules := policy.Default()
	cases := []struct {
		a, b string
		want bool
	}{
		{"Ceilidh", "Ceilidh (Members)", true},
		{"Ceilidh 12 July", "Ceilidh - Members Only", true},
		{"Ceilidh Night", "Ceilidh (Members)", true},
		{"Ceilidh", "Ceilidh", false},
		{"Ceilidh (Members)", "Members Only Ceilidh", false},
		{"Ceilidh", "Quiz (Members)", false},
		{"Friday Social", "Friday Social (Members)", false},
		{"Sunday Walk", "Sunday Walk Members Only", false},
	}
	for _, tc := range cases {
		if got := IsCandidatePair(rules, tc.a, tc.b); got != tc.want {
			t.Errorf("IsCandidatePair(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
