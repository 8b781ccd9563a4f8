// Package merge consolidates event records that represent the same
// occurrence.
//
// The commerce platform sells a restricted-access variant of an event
// (members only) as a separate product, which mirrors into a second
// event on the same day.  The engine finds such pairs, moves every
// attendee onto one primary event in a single transaction, and leaves the
// other behind as a tombstone pointing at the primary.  Only one merge
// pass runs at a time across all processes; the pass holds a lease row
// and gives up immediately when someone else has it.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/checkin-reconciler/internal/cache"
	"github.com/iliyamo/checkin-reconciler/internal/clock"
	"github.com/iliyamo/checkin-reconciler/internal/model"
	"github.com/iliyamo/checkin-reconciler/internal/syncer"
)

// LockName is the lease guarding merge passes.
const LockName = "event_merge"

// ErrLockLost means the merge lease expired and was taken over while a
// pass was still running.  The pass stops before touching another group.
var ErrLockLost = errors.New("merge lock lost")

// Mode says what happens to secondary events.
type Mode string

const (
	// ModeTombstone keeps secondaries with merged_into_id set.
	ModeTombstone Mode = "tombstone"
	// ModeDelete removes secondaries after their attendees moved.
	ModeDelete Mode = "delete"
)

// EventStore is the event access the engine needs.
type EventStore interface {
	ListLive(ctx context.Context) ([]model.Event, error)
	Get(ctx context.Context, id uint64) (model.Event, error)
	Update(ctx context.Context, e model.Event) error
	Delete(ctx context.Context, id uint64) error
}

// AttendeeStore is the attendee access the engine needs.
type AttendeeStore interface {
	CountActive(ctx context.Context, eventID uint64) (int, error)
	MoveToEvent(ctx context.Context, from, to uint64) (int, error)
	EmailsByEvent(ctx context.Context, eventID uint64) ([]string, error)
}

// LeaseStore is a cross-process mutex.
type LeaseStore interface {
	Acquire(ctx context.Context, name, owner string, ttl time.Duration, now time.Time) (bool, error)
	Release(ctx context.Context, name, owner string) error
}

// Transactor runs fn in one database transaction.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Recalculator refreshes membership after a merge.
type Recalculator interface {
	RecalculateEmails(ctx context.Context, emails []string)
}

// Result reports one merged group.
type Result struct {
	PrimaryID    uint64   `json:"primary_id"`
	SecondaryIDs []uint64 `json:"secondary_ids"`
	Name         string   `json:"name,omitempty"`
	ProductRefs  []uint64 `json:"product_refs,omitempty"`
	Moved        int      `json:"moved"`
	Recalculated int      `json:"recalculated"`
	Error        string   `json:"error,omitempty"`
}

// OK reports whether the group was merged.
func (r Result) OK() bool { return r.Error == "" }

// BatchResult reports a MergeAll pass.  LockHeld means another pass was
// running and nothing was done.
type BatchResult struct {
	LockHeld bool     `json:"lock_held"`
	Groups   int      `json:"groups"`
	Merged   int      `json:"merged"`
	Failed   int      `json:"failed"`
	Results  []Result `json:"results,omitempty"`
}

// Engine finds and merges duplicate events.
type Engine struct {
	events    EventStore
	attendees AttendeeStore
	leases    LeaseStore
	tx        Transactor
	cache     cache.Store
	rules     Rules
	recalc    Recalculator
	clock     clock.Clock
	log       *slog.Logger

	loc     *time.Location
	mode    Mode
	lockTTL time.Duration
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLocation sets the venue time zone used to bucket events by day and
// to format merged names.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithMode picks tombstoning or hard deletion of secondaries.
func WithMode(m Mode) Option {
	return func(e *Engine) {
		if m == ModeDelete || m == ModeTombstone {
			e.mode = m
		}
	}
}

// WithLockTTL sets how long an abandoned lease blocks other passes.
func WithLockTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.lockTTL = d
		}
	}
}

// WithRecalculator sets the membership hook run after each merge.
func WithRecalculator(r Recalculator) Option {
	return func(e *Engine) { e.recalc = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// New returns an Engine in tombstone mode.
func New(events EventStore, attendees AttendeeStore, leases LeaseStore, tx Transactor, store cache.Store, rules Rules, clk clock.Clock, opts ...Option) *Engine {
	e := &Engine{
		events:    events,
		attendees: attendees,
		leases:    leases,
		tx:        tx,
		cache:     store,
		rules:     rules,
		clock:     clk,
		log:       slog.Default(),
		loc:       time.UTC,
		mode:      ModeTombstone,
		lockTTL:   10 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MergeAll merges every duplicate group under the merge lease.  A group
// that fails is reported and the pass moves on.  The lease is renewed
// before each group and each group runs with the lease TTL as its
// deadline, so the lease cannot lapse while a group is in flight.  It is
// released on every return path.
func (e *Engine) MergeAll(ctx context.Context) (BatchResult, error) {
	owner := uuid.NewString()
	ok, err := e.leases.Acquire(ctx, LockName, owner, e.lockTTL, e.clock.Now())
	if err != nil {
		return BatchResult{}, fmt.Errorf("acquire merge lock: %w", err)
	}
	if !ok {
		e.log.Info("merge pass skipped, lock held elsewhere")
		return BatchResult{LockHeld: true}, nil
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := e.leases.Release(rctx, LockName, owner); err != nil {
			e.log.Error("release merge lock failed", "error", err)
		}
	}()

	groups, err := e.FindDuplicateEvents(ctx)
	if err != nil {
		return BatchResult{}, err
	}
	out := BatchResult{Groups: len(groups)}
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if err := e.renew(ctx, owner); err != nil {
			e.log.Error("merge pass aborted", "error", err, "merged", out.Merged)
			return out, err
		}
		gctx, cancel := context.WithTimeout(ctx, e.lockTTL)
		r := e.MergeGroup(gctx, g)
		cancel()
		out.Results = append(out.Results, r)
		if r.OK() {
			out.Merged++
		} else {
			out.Failed++
		}
	}
	e.log.Info("merge pass finished", "groups", out.Groups, "merged", out.Merged, "failed", out.Failed)
	return out, nil
}

// renew extends the lease for owner.  It fails when another process has
// taken the lease over.
func (e *Engine) renew(ctx context.Context, owner string) error {
	ok, err := e.leases.Acquire(ctx, LockName, owner, e.lockTTL, e.clock.Now())
	if err != nil {
		return fmt.Errorf("renew merge lock: %w", err)
	}
	if !ok {
		return ErrLockLost
	}
	return nil
}

// MergeGroup consolidates one group.  Attendee moves, the primary rename
// and the secondaries' removal commit together or not at all.  Caches
// and membership are refreshed after the commit.
func (e *Engine) MergeGroup(ctx context.Context, g Group) Result {
	res := Result{}
	if len(g.Events) < 2 {
		res.Error = "group has fewer than two events"
		return res
	}

	var (
		primary     model.Event
		secondaries []model.Event
		emails      []string
	)
	err := e.tx.WithTx(ctx, func(ctx context.Context) error {
		events, counts, err := e.reload(ctx, g.IDs())
		if err != nil {
			return err
		}
		if err := checkShape(e.rules, events); err != nil {
			return err
		}
		primary, secondaries = pickPrimary(events, counts)
		res.PrimaryID = primary.ID
		for _, s := range secondaries {
			res.SecondaryIDs = append(res.SecondaryIDs, s.ID)
		}

		for _, ev := range events {
			got, err := e.attendees.EmailsByEvent(ctx, ev.ID)
			if err != nil {
				return fmt.Errorf("holders of event %d: %w", ev.ID, err)
			}
			emails = append(emails, got...)
		}

		refs := unionRefs(primary, secondaries)
		for _, s := range secondaries {
			moved, err := e.attendees.MoveToEvent(ctx, s.ID, primary.ID)
			if err != nil {
				return fmt.Errorf("move attendees of event %d: %w", s.ID, err)
			}
			res.Moved += moved

			if e.mode == ModeDelete {
				if err := e.events.Delete(ctx, s.ID); err != nil {
					return fmt.Errorf("delete event %d: %w", s.ID, err)
				}
				continue
			}
			into := primary.ID
			s.MergedIntoID = &into
			s.ProductID = nil
			s.MergedProductIDs = nil
			if err := e.events.Update(ctx, s); err != nil {
				return fmt.Errorf("tombstone event %d: %w", s.ID, err)
			}
		}

		primary.Name = e.mergedName(primary, secondaries)
		if primary.ProductID == nil && len(refs) > 0 {
			first := refs[0]
			primary.ProductID = &first
		}
		primary.MergedProductIDs = nil
		for _, r := range refs {
			if primary.ProductID == nil || r != *primary.ProductID {
				primary.MergedProductIDs = append(primary.MergedProductIDs, r)
			}
		}
		if err := e.events.Update(ctx, primary); err != nil {
			return fmt.Errorf("update primary %d: %w", primary.ID, err)
		}
		res.Name = primary.Name
		res.ProductRefs = primary.ProductRefs()
		return nil
	})
	if err != nil {
		res.Error = err.Error()
		e.log.Error("merge group failed", "day", g.Day, "events", g.IDs(), "error", err)
		return res
	}

	e.invalidate(ctx, primary, secondaries, res.ProductRefs)
	if e.recalc != nil {
		e.recalc.RecalculateEmails(ctx, emails)
	}
	res.Recalculated = len(dedupe(emails))
	e.log.Info("events merged", "primary_id", res.PrimaryID, "secondary_ids", res.SecondaryIDs,
		"moved", res.Moved, "name", res.Name, "mode", string(e.mode))
	return res
}

// reload reads the group's events fresh and counts their live tickets.
// Events already merged away make the group invalid.
func (e *Engine) reload(ctx context.Context, ids []uint64) ([]model.Event, map[uint64]int, error) {
	events := make([]model.Event, 0, len(ids))
	counts := make(map[uint64]int, len(ids))
	for _, id := range ids {
		ev, err := e.events.Get(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("load event %d: %w", id, err)
		}
		if ev.IsTombstone() {
			return nil, nil, fmt.Errorf("event %d already merged into %d", id, *ev.MergedIntoID)
		}
		n, err := e.attendees.CountActive(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("count attendees of event %d: %w", id, err)
		}
		events = append(events, ev)
		counts[id] = n
	}
	if len(events) < 2 {
		return nil, nil, errors.New("group has fewer than two events")
	}
	return events, counts, nil
}

// pickPrimary chooses the event with the most live tickets.  Ties go to
// the lowest product reference, events without one last, then to the
// lowest id.
func pickPrimary(events []model.Event, counts map[uint64]int) (model.Event, []model.Event) {
	sorted := append([]model.Event(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if counts[a.ID] != counts[b.ID] {
			return counts[a.ID] > counts[b.ID]
		}
		switch {
		case a.ProductID != nil && b.ProductID == nil:
			return true
		case a.ProductID == nil && b.ProductID != nil:
			return false
		case a.ProductID != nil && *a.ProductID != *b.ProductID:
			return *a.ProductID < *b.ProductID
		}
		return a.ID < b.ID
	})
	return sorted[0], sorted[1:]
}

// mergedName is the base name of the regular (non-restricted) event plus
// the primary's venue-local date.
func (e *Engine) mergedName(primary model.Event, secondaries []model.Event) string {
	source := primary
	if e.rules.IsRestrictedVariant(primary.Name) {
		for _, s := range secondaries {
			if !e.rules.IsRestrictedVariant(s.Name) {
				source = s
				break
			}
		}
	}
	base := BaseName(e.rules, source.Name)
	if base == "" {
		base = source.Name
	}
	return base + " - " + primary.EventDate.In(e.loc).Format("2 Jan 2006")
}

func unionRefs(primary model.Event, secondaries []model.Event) []uint64 {
	seen := make(map[uint64]bool)
	var out []uint64
	add := func(refs []uint64) {
		for _, r := range refs {
			if !seen[r] {
				seen[r] = true
				out = append(out, r)
			}
		}
	}
	add(primary.ProductRefs())
	for _, s := range secondaries {
		add(s.ProductRefs())
	}
	return out
}

// invalidate drops cached orders for every reference now on the primary,
// the primary's sync record and anything tagged with a secondary.
// Failures are logged; stale entries expire on their own.
func (e *Engine) invalidate(ctx context.Context, primary model.Event, secondaries []model.Event, refs []uint64) {
	keys := []string{syncer.EventKey(primary.ID)}
	for _, r := range refs {
		keys = append(keys, syncer.OrdersKey(r))
	}
	for _, k := range keys {
		if err := e.cache.Invalidate(ctx, k); err != nil {
			e.log.Warn("cache invalidation failed", "key", k, "error", err)
		}
	}
	for _, s := range secondaries {
		if _, err := e.cache.InvalidateEvent(ctx, s.ID); err != nil {
			e.log.Warn("cache invalidation failed", "event_id", s.ID, "error", err)
		}
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
