// Package membership derives each person's member status from their
// checked-in attendance.
//
// A member is active with at least three qualifying events in total and
// at least one inside the rolling nine-month window.  Membership expires
// nine months after the latest qualifying event; a manual override date
// can only push that further out.  Social and seasonal events count as
// attendance but never toward membership.
package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/iliyamo/checkin-reconciler/internal/clock"
	"github.com/iliyamo/checkin-reconciler/internal/model"
	"github.com/iliyamo/checkin-reconciler/internal/repository"
	"github.com/iliyamo/checkin-reconciler/internal/syncer"
)

// Qualification thresholds.
const (
	WindowMonths    = 9
	MinTotalEvents  = 3
	MinRecentEvents = 1
)

// AttendeeStore reads attendance from the ledger.
type AttendeeStore interface {
	AttendanceByEmail(ctx context.Context, email string) ([]model.Attendance, error)
	EmailsByEvent(ctx context.Context, eventID uint64) ([]string, error)
}

// MemberStore reads and writes member rows.
type MemberStore interface {
	GetByEmail(ctx context.Context, email string) (model.Member, error)
	EnsureStub(ctx context.Context, email, firstName, lastName string) error
	SaveStatus(ctx context.Context, m model.Member) error
	ListEmails(ctx context.Context) ([]string, error)
}

// EventStore finds events for the post-event sweep.
type EventStore interface {
	ListLiveBetween(ctx context.Context, from, to time.Time) ([]model.Event, error)
}

// Classifier decides which event names are social.
type Classifier interface {
	IsSocial(name string) bool
}

// ListSyncer is the external member list.  It is told about activations
// and deactivations only.
type ListSyncer interface {
	Subscribe(ctx context.Context, m model.Member) error
	Unsubscribe(ctx context.Context, m model.Member) error
}

// Status is the outcome of one recalculation.
type Status struct {
	Email         string     `json:"email"`
	TotalEvents   int        `json:"total_events"`
	RecentEvents  int        `json:"recent_events"`
	IsActive      bool       `json:"is_active"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	LastEventDate *time.Time `json:"last_event_date,omitempty"`
	Changed       bool       `json:"changed"`
}

// SweepResult summarizes a recalculation over many members.
type SweepResult struct {
	Events  int `json:"events"`
	Members int `json:"members"`
	Changed int `json:"changed"`
	Failed  int `json:"failed"`
}

// Calculator recomputes member status.
type Calculator struct {
	attendees     AttendeeStore
	members       MemberStore
	events        EventStore
	policy        Classifier
	lists         ListSyncer
	clock         clock.Clock
	log           *slog.Logger
	eventDuration time.Duration
	loc           *time.Location
	freezeHour    int
}

// Option customizes a Calculator.
type Option func(*Calculator)

// WithListSyncer sets the member list told about transitions.
func WithListSyncer(l ListSyncer) Option {
	return func(c *Calculator) { c.lists = l }
}

// WithEventDuration sets the assumed event length used by the
// post-event sweep.
func WithEventDuration(d time.Duration) Option {
	return func(c *Calculator) {
		if d > 0 {
			c.eventDuration = d
		}
	}
}

// WithLocation sets the venue time zone.  Events starting at local
// midnight carry a date only.
func WithLocation(loc *time.Location) Option {
	return func(c *Calculator) {
		if loc != nil {
			c.loc = loc
		}
	}
}

// WithFreezeHour sets the local hour at which a date-only event's doors
// close, matching the sync freeze cutoff.
func WithFreezeHour(h int) Option {
	return func(c *Calculator) {
		if h >= 0 && h <= 23 {
			c.freezeHour = h
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Calculator) {
		if l != nil {
			c.log = l
		}
	}
}

// New returns a Calculator.
func New(attendees AttendeeStore, members MemberStore, events EventStore, policy Classifier, clk clock.Clock, opts ...Option) *Calculator {
	c := &Calculator{
		attendees:     attendees,
		members:       members,
		events:        events,
		policy:        policy,
		clock:         clk,
		log:           slog.Default(),
		eventDuration: 3 * time.Hour,
		loc:           time.UTC,
		freezeHour:    23,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Recalculate recomputes and stores the status of one member, creating
// the member row when the email has none yet.
func (c *Calculator) Recalculate(ctx context.Context, email string) (Status, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return Status{}, errors.New("membership: empty email")
	}
	m, err := c.members.GetByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		if err := c.members.EnsureStub(ctx, email, "", ""); err != nil {
			return Status{}, fmt.Errorf("membership: create %s: %w", email, err)
		}
		m, err = c.members.GetByEmail(ctx, email)
	}
	if err != nil {
		return Status{}, fmt.Errorf("membership: load %s: %w", email, err)
	}

	rows, err := c.attendees.AttendanceByEmail(ctx, email)
	if err != nil {
		return Status{}, fmt.Errorf("membership: attendance of %s: %w", email, err)
	}

	st := Evaluate(m, rows, c.policy, c.clock.Now())
	st.Email = email

	next := m
	next.IsActiveMember = st.IsActive
	next.TotalEventsAttended = st.TotalEvents
	next.LastEventDate = st.LastEventDate
	next.MembershipExpiresAt = st.ExpiresAt
	if err := c.members.SaveStatus(ctx, next); err != nil {
		return Status{}, fmt.Errorf("membership: save %s: %w", email, err)
	}

	if st.Changed {
		c.notify(ctx, next)
	}
	return st, nil
}

// notify tells the member list about a transition.  Failures are logged
// and otherwise ignored.
func (c *Calculator) notify(ctx context.Context, m model.Member) {
	c.log.Info("membership changed", "email", m.Email, "active", m.IsActiveMember)
	if c.lists == nil {
		return
	}
	var err error
	if m.IsActiveMember {
		err = c.lists.Subscribe(ctx, m)
	} else {
		err = c.lists.Unsubscribe(ctx, m)
	}
	if err != nil {
		c.log.Warn("member list sync failed", "email", m.Email, "active", m.IsActiveMember, "error", err)
	}
}

// Evaluate applies the membership rules to a member's attendance at now.
// It does not look at or change the stored derived columns other than to
// report whether the active flag flips.
func Evaluate(m model.Member, rows []model.Attendance, policy Classifier, now time.Time) Status {
	windowStart := now.AddDate(0, -WindowMonths, 0)
	seen := make(map[uint64]bool, len(rows))
	var st Status
	var last time.Time
	for _, r := range rows {
		if seen[r.EventID] || (policy != nil && policy.IsSocial(r.EventName)) {
			continue
		}
		seen[r.EventID] = true
		st.TotalEvents++
		if !r.EventDate.Before(windowStart) {
			st.RecentEvents++
		}
		if r.EventDate.After(last) {
			last = r.EventDate
		}
	}

	var eventExpiry *time.Time
	if st.TotalEvents > 0 {
		l := last
		st.LastEventDate = &l
		e := last.AddDate(0, WindowMonths, 0)
		eventExpiry = &e
	}
	st.ExpiresAt = eventExpiry
	if m.ManuallyAdded && m.ManualExpiresAt != nil {
		if eventExpiry == nil || m.ManualExpiresAt.After(*eventExpiry) {
			manual := *m.ManualExpiresAt
			st.ExpiresAt = &manual
		}
	}

	st.IsActive = st.TotalEvents >= MinTotalEvents && st.RecentEvents >= MinRecentEvents
	if !st.IsActive && m.ManuallyAdded && m.ManualExpiresAt != nil && now.Before(*m.ManualExpiresAt) {
		st.IsActive = true
	}
	st.Changed = st.IsActive != m.IsActiveMember
	return st
}

// RecalculateEmails recalculates every distinct email, logging failures.
// It is the hook run after syncs and merges.
func (c *Calculator) RecalculateEmails(ctx context.Context, emails []string) {
	var res SweepResult
	if err := c.recalculateAll(ctx, emails, &res); err != nil {
		c.log.Warn("membership recalculation interrupted",
			"done", res.Members, "emails", len(emails), "error", err)
	}
}

func (c *Calculator) recalculateAll(ctx context.Context, emails []string, res *SweepResult) error {
	seen := make(map[string]bool, len(emails))
	uniq := make([]string, 0, len(emails))
	for _, e := range emails {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" && !seen[e] {
			seen[e] = true
			uniq = append(uniq, e)
		}
	}
	sort.Strings(uniq)
	for _, e := range uniq {
		if err := ctx.Err(); err != nil {
			return err
		}
		st, err := c.Recalculate(ctx, e)
		res.Members++
		if err != nil {
			res.Failed++
			c.log.Error("membership recalculation failed", "email", e, "error", err)
			continue
		}
		if st.Changed {
			res.Changed++
		}
	}
	return nil
}

// RecalculateEvent recalculates every holder of an event.
func (c *Calculator) RecalculateEvent(ctx context.Context, eventID uint64) (SweepResult, error) {
	res := SweepResult{Events: 1}
	emails, err := c.attendees.EmailsByEvent(ctx, eventID)
	if err != nil {
		return res, fmt.Errorf("membership: holders of event %d: %w", eventID, err)
	}
	return res, c.recalculateAll(ctx, emails, &res)
}

// SweepRecentlyEnded recalculates the holders of events that ended two to
// three hours ago, so same-evening check-ins are counted before the day
// is over.  A timed event ends eventDuration after it starts.  A
// date-only event has no known end; it is swept during the hour after
// its freeze cutoff, when the doors have closed.
func (c *Calculator) SweepRecentlyEnded(ctx context.Context) (SweepResult, error) {
	now := c.clock.Now()
	from := now.Add(-3*time.Hour - c.eventDuration)
	if earliest := now.Add(-26 * time.Hour); earliest.Before(from) {
		from = earliest
	}
	candidates, err := c.events.ListLiveBetween(ctx, from, now)
	if err != nil {
		return SweepResult{}, fmt.Errorf("membership: recently ended events: %w", err)
	}
	var events []model.Event
	for _, e := range candidates {
		if c.recentlyEnded(e, now) {
			events = append(events, e)
		}
	}
	var res SweepResult
	for _, e := range events {
		r, err := c.RecalculateEvent(ctx, e.ID)
		res.Events++
		res.Members += r.Members
		res.Changed += r.Changed
		res.Failed += r.Failed
		if err != nil {
			if ctx.Err() != nil {
				return res, err
			}
			res.Failed++
			c.log.Error("post-event sweep failed", "event_id", e.ID, "error", err)
		}
	}
	if res.Events > 0 {
		c.log.Info("post-event membership sweep", "events", res.Events, "members", res.Members, "changed", res.Changed)
	}
	return res, nil
}

func (c *Calculator) recentlyEnded(e model.Event, now time.Time) bool {
	local := e.EventDate.In(c.loc)
	if local.Hour() == 0 && local.Minute() == 0 && local.Second() == 0 {
		cutoff := syncer.FreezeCutoff(e.EventDate, c.loc, c.freezeHour)
		return cutoff.After(now.Add(-time.Hour)) && !cutoff.After(now)
	}
	start := e.EventDate
	return !start.Before(now.Add(-3*time.Hour-c.eventDuration)) && start.Before(now.Add(-2*time.Hour-c.eventDuration))
}

// RecalculateAll recalculates every known member.
func (c *Calculator) RecalculateAll(ctx context.Context) (SweepResult, error) {
	emails, err := c.members.ListEmails(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("membership: list members: %w", err)
	}
	var res SweepResult
	err = c.recalculateAll(ctx, emails, &res)
	c.log.Info("membership recalculation", "members", res.Members, "changed", res.Changed, "failed", res.Failed)
	return res, err
}
