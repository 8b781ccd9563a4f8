// Package testutil holds in-memory stand-ins for the ledger and the
// commerce API.  They follow the MySQL repositories' semantics closely
// enough (unique keys, ignored duplicates, transaction rollback) for the
// service packages to be tested without a database.
package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/iliyamo/checkin-reconciler/internal/model"
	"github.com/iliyamo/checkin-reconciler/internal/repository"
)

// Fault lets a test fail chosen operations.  op names the method, such
// as "attendees.insert"; subject is its main argument.  A non-nil return
// is handed back to the caller instead of performing the operation.
type Fault func(op string, subject any) error

type lease struct {
	owner   string
	expires time.Time
}

// Ledger is an in-memory ledger.  Its repositories are the Events,
// Attendees, Members and Leases fields.
type Ledger struct {
	mu        sync.Mutex
	now       func() time.Time
	nextID    uint64
	events    map[uint64]model.Event
	attendees map[uint64]model.Attendee
	members   map[string]model.Member
	leases    map[string]lease

	// Fault, when set, is consulted by every write.
	Fault Fault

	Events    *Events
	Attendees *Attendees
	Members   *Members
	Leases    *Leases
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	l := &Ledger{
		now:       func() time.Time { return time.Now().UTC() },
		events:    make(map[uint64]model.Event),
		attendees: make(map[uint64]model.Attendee),
		members:   make(map[string]model.Member),
		leases:    make(map[string]lease),
	}
	l.Events = &Events{l: l}
	l.Attendees = &Attendees{l: l}
	l.Members = &Members{l: l}
	l.Leases = &Leases{l: l}
	return l
}

func (l *Ledger) id() uint64 {
	l.nextID++
	return l.nextID
}

func (l *Ledger) fault(op string, subject any) error {
	if l.Fault == nil {
		return nil
	}
	return l.Fault(op, subject)
}

// WithTx snapshots the ledger, runs fn and restores the snapshot when fn
// fails.
func (l *Ledger) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	events := cloneMap(l.events)
	attendees := cloneMap(l.attendees)
	members := cloneMap(l.members)
	l.mu.Unlock()

	if err := fn(ctx); err != nil {
		l.mu.Lock()
		l.events, l.attendees, l.members = events, attendees, members
		l.mu.Unlock()
		return err
	}
	return nil
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// AddEvent stores e as given (assigning an id when zero) and returns it.
func (l *Ledger) AddEvent(e model.Event) model.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.ID == 0 {
		e.ID = l.id()
	} else if e.ID > l.nextID {
		l.nextID = e.ID
	}
	l.events[e.ID] = e
	return e
}

// AddAttendee stores a as given (assigning an id when zero) and returns it.
func (l *Ledger) AddAttendee(a model.Attendee) model.Attendee {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a.ID == 0 {
		a.ID = l.id()
	}
	if a.OrderStatus == "" {
		a.OrderStatus = model.StatusCompleted
	}
	l.attendees[a.ID] = a
	return a
}

// AddMember stores m keyed by its normalized email.
func (l *Ledger) AddMember(m model.Member) model.Member {
	l.mu.Lock()
	defer l.mu.Unlock()
	m.Email = norm(m.Email)
	if m.ID == 0 {
		m.ID = l.id()
	}
	l.members[m.Email] = m
	return m
}

// AttendeesOf returns the attendees of an event ordered by id.
func (l *Ledger) AttendeesOf(eventID uint64) []model.Attendee {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.Attendee
	for _, a := range l.attendees {
		if a.EventID == eventID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Event returns an event by id.
func (l *Ledger) Event(id uint64) (model.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.events[id]
	return e, ok
}

// Member returns a member by email.
func (l *Ledger) Member(email string) (model.Member, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.members[norm(email)]
	return m, ok
}

func norm(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

// Events is the in-memory event repository.
type Events struct{ l *Ledger }

func (r *Events) Get(_ context.Context, id uint64) (model.Event, error) {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	e, ok := r.l.events[id]
	if !ok {
		return model.Event{}, repository.ErrNotFound
	}
	return e, nil
}

func (r *Events) ListLive(_ context.Context) ([]model.Event, error) {
	return r.live(func(model.Event) bool { return true }), nil
}

func (r *Events) ListLiveBetween(_ context.Context, from, to time.Time) ([]model.Event, error) {
	return r.live(func(e model.Event) bool {
		return !e.EventDate.Before(from) && e.EventDate.Before(to)
	}), nil
}

func (r *Events) live(keep func(model.Event) bool) []model.Event {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	var out []model.Event
	for _, e := range r.l.events {
		if !e.IsTombstone() && keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EventDate.Equal(out[j].EventDate) {
			return out[i].EventDate.Before(out[j].EventDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Events) ProductIDsInUse(_ context.Context) (map[uint64]bool, error) {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	used := make(map[uint64]bool)
	for _, e := range r.l.events {
		if e.ProductID != nil {
			used[*e.ProductID] = true
		}
		for _, id := range e.MergedProductIDs {
			used[id] = true
		}
	}
	return used, nil
}

func (r *Events) productTaken(product *uint64, except uint64) bool {
	if product == nil {
		return false
	}
	for id, e := range r.l.events {
		if id != except && e.ProductID != nil && *e.ProductID == *product {
			return true
		}
	}
	return false
}

func (r *Events) Create(_ context.Context, e *model.Event) error {
	if err := r.l.fault("events.create", *e); err != nil {
		return err
	}
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	if r.productTaken(e.ProductID, 0) {
		return repository.ErrConflict
	}
	e.ID = r.l.id()
	e.CreatedAt = r.l.now()
	e.UpdatedAt = e.CreatedAt
	r.l.events[e.ID] = *e
	return nil
}

func (r *Events) Update(_ context.Context, e model.Event) error {
	if err := r.l.fault("events.update", e); err != nil {
		return err
	}
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	cur, ok := r.l.events[e.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if r.productTaken(e.ProductID, e.ID) {
		return repository.ErrConflict
	}
	cur.Name = e.Name
	cur.ProductID = e.ProductID
	cur.MergedProductIDs = append([]uint64(nil), e.MergedProductIDs...)
	cur.MergedIntoID = e.MergedIntoID
	cur.UpdatedAt = r.l.now()
	r.l.events[e.ID] = cur
	return nil
}

func (r *Events) Delete(_ context.Context, id uint64) error {
	if err := r.l.fault("events.delete", id); err != nil {
		return err
	}
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	if _, ok := r.l.events[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.l.events, id)
	for aid, a := range r.l.attendees {
		if a.EventID == id {
			delete(r.l.attendees, aid)
		}
	}
	return nil
}

// Attendees is the in-memory attendee repository.
type Attendees struct{ l *Ledger }

func (r *Attendees) Get(_ context.Context, id uint64) (model.Attendee, error) {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	a, ok := r.l.attendees[id]
	if !ok {
		return model.Attendee{}, repository.ErrNotFound
	}
	return a, nil
}

func (r *Attendees) find(ticketID string, eventID uint64) (model.Attendee, bool) {
	for _, a := range r.l.attendees {
		if a.EventID == eventID && a.TicketID != nil && *a.TicketID == ticketID {
			return a, true
		}
	}
	return model.Attendee{}, false
}

func (r *Attendees) GetByTicket(_ context.Context, ticketID string, eventID uint64) (model.Attendee, error) {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	a, ok := r.find(ticketID, eventID)
	if !ok {
		return model.Attendee{}, repository.ErrNotFound
	}
	return a, nil
}

func (r *Attendees) ListByEvent(_ context.Context, eventID uint64) ([]model.Attendee, error) {
	out := r.l.AttendeesOf(eventID)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastName != out[j].LastName {
			return out[i].LastName < out[j].LastName
		}
		return out[i].FirstName < out[j].FirstName
	})
	return out, nil
}

func (r *Attendees) Insert(_ context.Context, a *model.Attendee) error {
	if err := r.l.fault("attendees.insert", *a); err != nil {
		return err
	}
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	if a.TicketID != nil {
		if _, dup := r.find(*a.TicketID, a.EventID); dup {
			return repository.ErrDuplicateTicket
		}
	}
	a.ID = r.l.id()
	a.CreatedAt = r.l.now()
	a.UpdatedAt = a.CreatedAt
	r.l.attendees[a.ID] = *a
	return nil
}

func (r *Attendees) UpdateFromSync(_ context.Context, a model.Attendee) error {
	if err := r.l.fault("attendees.update", a); err != nil {
		return err
	}
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	cur, ok := r.l.attendees[a.ID]
	if !ok || cur.LocallyModified {
		return nil
	}
	cur.Email = a.Email
	cur.FirstName = a.FirstName
	cur.LastName = a.LastName
	cur.OrderID = a.OrderID
	cur.OrderDate = a.OrderDate
	cur.OrderStatus = a.OrderStatus
	cur.TicketType = a.TicketType
	cur.IsFallback = a.IsFallback
	cur.BookerEmail = a.BookerEmail
	cur.BookerFirstName = a.BookerFirstName
	cur.BookerLastName = a.BookerLastName
	cur.SourceProductID = a.SourceProductID
	cur.UpdatedAt = r.l.now()
	r.l.attendees[a.ID] = cur
	return nil
}

func (r *Attendees) UpdateLocal(_ context.Context, a model.Attendee) error {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	cur, ok := r.l.attendees[a.ID]
	if !ok {
		return repository.ErrNotFound
	}
	cur.Email = a.Email
	cur.FirstName = a.FirstName
	cur.LastName = a.LastName
	cur.TicketType = a.TicketType
	cur.LocallyModified = true
	r.l.attendees[a.ID] = cur
	return nil
}

func (r *Attendees) SetCheckedIn(_ context.Context, id uint64, checkedIn bool, at *time.Time) error {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	cur, ok := r.l.attendees[id]
	if !ok {
		return repository.ErrNotFound
	}
	cur.CheckedIn = checkedIn
	cur.CheckedInAt = nil
	if checkedIn {
		cur.CheckedInAt = at
	}
	r.l.attendees[id] = cur
	return nil
}

func (r *Attendees) SoftDelete(_ context.Context, id uint64) error {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	cur, ok := r.l.attendees[id]
	if !ok {
		return repository.ErrNotFound
	}
	cur.OrderStatus = model.StatusDeleted
	r.l.attendees[id] = cur
	return nil
}

func (r *Attendees) CountActive(_ context.Context, eventID uint64) (int, error) {
	n := 0
	for _, a := range r.l.AttendeesOf(eventID) {
		if model.IsActiveStatus(a.OrderStatus) {
			n++
		}
	}
	return n, nil
}

func (r *Attendees) MoveToEvent(_ context.Context, from, to uint64) (int, error) {
	if err := r.l.fault("attendees.move", from); err != nil {
		return 0, err
	}
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	ids := make([]uint64, 0)
	for id, a := range r.l.attendees {
		if a.EventID == from {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	moved := 0
	for _, id := range ids {
		a := r.l.attendees[id]
		if a.TicketID != nil {
			if _, dup := r.find(*a.TicketID, to); dup {
				continue
			}
		}
		a.EventID = to
		r.l.attendees[id] = a
		moved++
	}
	return moved, nil
}

func (r *Attendees) EmailsByEvent(_ context.Context, eventID uint64) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, a := range r.l.AttendeesOf(eventID) {
		if a.Email != "" && !seen[a.Email] {
			seen[a.Email] = true
			out = append(out, a.Email)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *Attendees) AttendanceByEmail(_ context.Context, email string) ([]model.Attendance, error) {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	var out []model.Attendance
	for _, a := range r.l.attendees {
		if !strings.EqualFold(a.Email, strings.TrimSpace(email)) || !a.CheckedIn || a.OrderStatus == model.StatusDeleted {
			continue
		}
		e, ok := r.l.events[a.EventID]
		if !ok || e.IsTombstone() {
			continue
		}
		out = append(out, model.Attendance{EventID: e.ID, EventName: e.Name, EventDate: e.EventDate})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventDate.Before(out[j].EventDate) })
	return out, nil
}

// Members is the in-memory member repository.
type Members struct{ l *Ledger }

func (r *Members) GetByEmail(_ context.Context, email string) (model.Member, error) {
	m, ok := r.l.Member(email)
	if !ok {
		return model.Member{}, repository.ErrNotFound
	}
	return m, nil
}

func (r *Members) EnsureStub(_ context.Context, email, firstName, lastName string) error {
	if err := r.l.fault("members.stub", email); err != nil {
		return err
	}
	email = norm(email)
	if email == "" {
		return nil
	}
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	m, ok := r.l.members[email]
	if !ok {
		m = model.Member{ID: r.l.id(), Email: email, CreatedAt: r.l.now()}
	}
	if m.FirstName == "" {
		m.FirstName = firstName
	}
	if m.LastName == "" {
		m.LastName = lastName
	}
	r.l.members[email] = m
	return nil
}

func (r *Members) SaveStatus(_ context.Context, m model.Member) error {
	if err := r.l.fault("members.save", m); err != nil {
		return err
	}
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	cur, ok := r.l.members[norm(m.Email)]
	if !ok {
		return repository.ErrNotFound
	}
	cur.IsActiveMember = m.IsActiveMember
	cur.TotalEventsAttended = m.TotalEventsAttended
	cur.LastEventDate = m.LastEventDate
	cur.MembershipExpiresAt = m.MembershipExpiresAt
	r.l.members[cur.Email] = cur
	return nil
}

func (r *Members) SetOverride(_ context.Context, email string, expires *time.Time, notes string) error {
	email = norm(email)
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	m, ok := r.l.members[email]
	if !ok {
		m = model.Member{ID: r.l.id(), Email: email, CreatedAt: r.l.now()}
	}
	m.ManuallyAdded = true
	m.ManualExpiresAt = expires
	m.Notes = notes
	r.l.members[email] = m
	return nil
}

func (r *Members) ListEmails(_ context.Context) ([]string, error) {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	out := make([]string, 0, len(r.l.members))
	for e := range r.l.members {
		out = append(out, e)
	}
	sort.Strings(out)
	return out, nil
}

// Leases is the in-memory lease repository.
type Leases struct{ l *Ledger }

func (r *Leases) Acquire(_ context.Context, name, owner string, ttl time.Duration, now time.Time) (bool, error) {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	cur, ok := r.l.leases[name]
	if ok && cur.owner != owner && now.Before(cur.expires) {
		return false, nil
	}
	r.l.leases[name] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (r *Leases) Release(_ context.Context, name, owner string) error {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	if cur, ok := r.l.leases[name]; ok && cur.owner == owner {
		delete(r.l.leases, name)
	}
	return nil
}

// Holder returns the current owner of a lease, if any.
func (r *Leases) Holder(name string) (string, bool) {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	cur, ok := r.l.leases[name]
	return cur.owner, ok
}
