// Package syncer mirrors commerce orders into the attendee ledger.
//
// One Sync call handles one event: it refuses events past their freeze
// cutoff or without a product link, short-circuits on a fresh sync
// record, then fetches the orders of every product reference in turn and
// upserts the extracted tickets.  Local edits always win over the
// commerce platform, and a soft-deleted ticket is never brought back.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/iliyamo/checkin-reconciler/internal/cache"
	"github.com/iliyamo/checkin-reconciler/internal/clock"
	"github.com/iliyamo/checkin-reconciler/internal/extract"
	"github.com/iliyamo/checkin-reconciler/internal/model"
	"github.com/iliyamo/checkin-reconciler/internal/repository"
	"github.com/iliyamo/checkin-reconciler/internal/woo"
)

// Sync outcomes reported in Result.Reason.
const (
	ReasonOK         = "ok"
	ReasonPastCutoff = "past_cutoff"
	ReasonNoProduct  = "no_product_id"
	ReasonCached     = "cached"
	ReasonWooError   = "woocommerce_error"
	ReasonMerged     = "merged"
)

// EventStore is the event access the orchestrator needs.
type EventStore interface {
	Get(ctx context.Context, id uint64) (model.Event, error)
	ListLive(ctx context.Context) ([]model.Event, error)
	ProductIDsInUse(ctx context.Context) (map[uint64]bool, error)
	Create(ctx context.Context, e *model.Event) error
}

// AttendeeStore is the attendee access the orchestrator needs.
type AttendeeStore interface {
	GetByTicket(ctx context.Context, ticketID string, eventID uint64) (model.Attendee, error)
	Insert(ctx context.Context, a *model.Attendee) error
	UpdateFromSync(ctx context.Context, a model.Attendee) error
}

// MemberStore creates member rows for new ticket holders.
type MemberStore interface {
	EnsureStub(ctx context.Context, email, firstName, lastName string) error
}

// Shop is the read side of the commerce API.
type Shop interface {
	ListOrders(ctx context.Context, productID uint64) ([]woo.Order, error)
	ListProducts(ctx context.Context) ([]woo.Product, error)
}

// Recalculator refreshes membership for the holders a sync touched.
type Recalculator interface {
	RecalculateEmails(ctx context.Context, emails []string)
}

// EventKey is the cache key of an event's sync record.
func EventKey(eventID uint64) string { return "sync:event:" + strconv.FormatUint(eventID, 10) }

// OrdersKey is the cache key of a product's order listing.
func OrdersKey(productID uint64) string { return "woo:orders:" + strconv.FormatUint(productID, 10) }

// Result reports what one Sync call did.
type Result struct {
	EventID    uint64   `json:"event_id"`
	Synced     bool     `json:"synced"`
	Reason     string   `json:"reason"`
	Created    int      `json:"created"`
	Updated    int      `json:"updated"`
	Skipped    int      `json:"skipped"`
	Dropped    int      `json:"dropped"`
	Failed     int      `json:"failed"`
	Fallback   int      `json:"fallback"`
	FailedRefs []uint64 `json:"failed_refs,omitempty"`
}

// Record is the sync metadata kept in the freshness cache.  It never
// holds attendee data.
type Record struct {
	SyncedAt time.Time `json:"synced_at"`
	Created  int       `json:"created"`
	Updated  int       `json:"updated"`
	Refs     int       `json:"refs"`
}

// Orchestrator drives event syncs.
type Orchestrator struct {
	events    EventStore
	attendees AttendeeStore
	members   MemberStore
	shop      Shop
	cache     cache.Store
	recalc    Recalculator
	clock     clock.Clock
	log       *slog.Logger

	loc           *time.Location
	freezeHour    int
	freshnessTTL  time.Duration
	ordersTTL     time.Duration
	progressEvery int
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLocation sets the venue time zone used for the freeze cutoff.
func WithLocation(loc *time.Location) Option {
	return func(o *Orchestrator) {
		if loc != nil {
			o.loc = loc
		}
	}
}

// WithFreezeHour sets the local hour after which an event is frozen.
func WithFreezeHour(h int) Option {
	return func(o *Orchestrator) {
		if h >= 0 && h <= 23 {
			o.freezeHour = h
		}
	}
}

// WithFreshnessTTL sets how long a sync record suppresses new syncs.
func WithFreshnessTTL(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.freshnessTTL = d
		}
	}
}

// WithOrdersTTL sets how long fetched order listings are reused.  Zero
// disables the order cache.
func WithOrdersTTL(d time.Duration) Option {
	return func(o *Orchestrator) { o.ordersTTL = d }
}

// WithRecalculator sets the membership hook run after syncs.
func WithRecalculator(r Recalculator) Option {
	return func(o *Orchestrator) { o.recalc = r }
}

// WithProgressEvery sets how often SyncAll logs a checkpoint.
func WithProgressEvery(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.progressEvery = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// New returns an Orchestrator.  Without options the cutoff is 23:00 UTC
// and sync records stay fresh for 8 hours.
func New(events EventStore, attendees AttendeeStore, members MemberStore, shop Shop, store cache.Store, clk clock.Clock, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		events:        events,
		attendees:     attendees,
		members:       members,
		shop:          shop,
		cache:         store,
		clock:         clk,
		log:           slog.Default(),
		loc:           time.UTC,
		freezeHour:    23,
		freshnessTTL:  8 * time.Hour,
		progressEvery: 10,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// FreezeCutoff returns the instant after which an event dated eventDate
// is frozen: hour:00 local time on the event's calendar date in loc.
func FreezeCutoff(eventDate time.Time, loc *time.Location, hour int) time.Time {
	d := eventDate.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), hour, 0, 0, 0, loc)
}

// Sync mirrors the orders of one event into the ledger.  An unknown event
// is an error; every other outcome is described by the Result.
func (o *Orchestrator) Sync(ctx context.Context, eventID uint64, force bool) (Result, error) {
	res := Result{EventID: eventID}
	log := o.log.With("event_id", eventID)

	ev, err := o.events.Get(ctx, eventID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return res, fmt.Errorf("sync event %d: %w", eventID, err)
		}
		return res, fmt.Errorf("sync event %d: load: %w", eventID, err)
	}
	if ev.IsTombstone() {
		res.Reason = ReasonMerged
		return res, nil
	}

	now := o.clock.Now()
	if now.After(FreezeCutoff(ev.EventDate, o.loc, o.freezeHour)) {
		res.Reason = ReasonPastCutoff
		return res, nil
	}

	refs := ev.ProductRefs()
	if len(refs) == 0 {
		res.Reason = ReasonNoProduct
		return res, nil
	}

	if !force {
		if _, fresh, err := cache.GetJSON[Record](ctx, o.cache, EventKey(ev.ID)); err != nil {
			log.Warn("sync record lookup failed", "error", err)
		} else if fresh {
			res.Reason = ReasonCached
			return res, nil
		}
	}

	touched := make(map[string]bool)
	fetched := 0
	for _, ref := range refs {
		orders, err := o.fetchOrders(ctx, ev.ID, ref, force)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			log.Error("fetch orders failed", "product_id", ref, "error", err)
			res.FailedRefs = append(res.FailedRefs, ref)
			continue
		}
		fetched++
		o.applyOrders(ctx, log, ev, ref, orders, &res, touched)
	}

	if fetched == 0 {
		res.Reason = ReasonWooError
		return res, nil
	}

	rec := Record{SyncedAt: now, Created: res.Created, Updated: res.Updated, Refs: fetched}
	if err := cache.SetJSON(ctx, o.cache, EventKey(ev.ID), rec, o.freshnessTTL, cache.WithEvent(ev.ID)); err != nil {
		log.Warn("store sync record failed", "error", err)
	}

	if o.recalc != nil && res.Created+res.Updated > 0 {
		emails := make([]string, 0, len(touched))
		for e := range touched {
			emails = append(emails, e)
		}
		o.recalc.RecalculateEmails(ctx, emails)
	}

	res.Synced = true
	res.Reason = ReasonOK
	log.Info("event synced",
		"created", res.Created, "updated", res.Updated, "skipped", res.Skipped,
		"dropped", res.Dropped, "failed", res.Failed, "fallback", res.Fallback,
		"failed_refs", len(res.FailedRefs))
	return res, nil
}

// fetchOrders reads a product's orders, through the order cache unless
// force is set.
func (o *Orchestrator) fetchOrders(ctx context.Context, eventID, ref uint64, force bool) ([]woo.Order, error) {
	key := OrdersKey(ref)
	if !force && o.ordersTTL > 0 {
		if orders, ok, err := cache.GetJSON[[]woo.Order](ctx, o.cache, key); err == nil && ok {
			return orders, nil
		}
	}
	orders, err := o.shop.ListOrders(ctx, ref)
	if err != nil {
		return nil, err
	}
	if o.ordersTTL > 0 {
		if err := cache.SetJSON(ctx, o.cache, key, orders, o.ordersTTL, cache.WithEvent(eventID)); err != nil {
			o.log.Warn("store orders failed", "product_id", ref, "error", err)
		}
	}
	return orders, nil
}

func (o *Orchestrator) applyOrders(ctx context.Context, log *slog.Logger, ev model.Event, ref uint64, orders []woo.Order, res *Result, touched map[string]bool) {
	for _, order := range orders {
		for _, item := range order.LineItems {
			if item.ProductID != ref {
				continue
			}
			ex := extract.Extract(order, item)
			for _, w := range ex.Warnings {
				log.Warn("ticket extraction", "order_id", order.ID, "warning", w)
			}
			res.Dropped += ex.Dropped
			for _, t := range ex.Tickets {
				if t.IsFallback {
					res.Fallback++
				}
				outcome, err := o.upsert(ctx, ev.ID, ref, t, touched)
				if err != nil {
					res.Failed++
					log.Error("ticket upsert failed", "ticket_id", t.TicketID, "error", err)
					continue
				}
				switch outcome {
				case created:
					res.Created++
				case updated:
					res.Updated++
				default:
					res.Skipped++
				}
				if err := o.members.EnsureStub(ctx, t.HolderEmail, t.HolderFirst, t.HolderLast); err != nil {
					log.Warn("member stub failed", "email", t.HolderEmail, "error", err)
				}
			}
		}
	}
}
