package syncer

import (
	"context"
	"errors"

	"github.com/iliyamo/checkin-reconciler/internal/extract"
	"github.com/iliyamo/checkin-reconciler/internal/model"
	"github.com/iliyamo/checkin-reconciler/internal/repository"
)

type outcome int

const (
	unchanged outcome = iota
	created
	updated
)

// upsert writes one extracted ticket.  Existing rows flagged locally
// modified are skipped; other existing rows get their externally owned
// fields refreshed; unknown tickets are inserted unchecked.  Emails whose
// attendance may have changed are added to touched.
func (o *Orchestrator) upsert(ctx context.Context, eventID, ref uint64, t extract.Ticket, touched map[string]bool) (outcome, error) {
	cur, err := o.attendees.GetByTicket(ctx, t.TicketID, eventID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		a := fromTicket(eventID, ref, t)
		if err := o.attendees.Insert(ctx, &a); err != nil {
			if errors.Is(err, repository.ErrDuplicateTicket) {
				return unchanged, nil
			}
			return unchanged, err
		}
		touched[a.Email] = true
		return created, nil
	case err != nil:
		return unchanged, err
	}

	if cur.LocallyModified {
		return unchanged, nil
	}
	next := cur
	next.Email = t.HolderEmail
	next.FirstName = t.HolderFirst
	next.LastName = t.HolderLast
	next.OrderID = &t.OrderID
	next.OrderDate = t.OrderDate
	next.OrderStatus = ReconcileStatus(cur.OrderStatus, t.OrderStatus)
	next.TicketType = t.TicketType
	next.IsFallback = t.IsFallback
	next.BookerEmail = t.BookerEmail
	next.BookerFirstName = t.BookerFirst
	next.BookerLastName = t.BookerLast
	next.SourceProductID = &ref
	if sameSyncFields(cur, next) {
		return unchanged, nil
	}
	if err := o.attendees.UpdateFromSync(ctx, next); err != nil {
		return unchanged, err
	}
	touched[cur.Email] = true
	touched[next.Email] = true
	return updated, nil
}

// ReconcileStatus picks the status a synced ticket ends up with.  The
// external status wins, except that a locally soft-deleted ticket stays
// deleted.
func ReconcileStatus(local, external string) string {
	if local == model.StatusDeleted || external == "" {
		return local
	}
	return external
}

func fromTicket(eventID, ref uint64, t extract.Ticket) model.Attendee {
	ticketID := t.TicketID
	orderID := t.OrderID
	return model.Attendee{
		EventID:         eventID,
		Email:           t.HolderEmail,
		FirstName:       t.HolderFirst,
		LastName:        t.HolderLast,
		TicketID:        &ticketID,
		OrderID:         &orderID,
		OrderDate:       t.OrderDate,
		OrderStatus:     t.OrderStatus,
		TicketType:      t.TicketType,
		IsFallback:      t.IsFallback,
		BookerEmail:     t.BookerEmail,
		BookerFirstName: t.BookerFirst,
		BookerLastName:  t.BookerLast,
		SourceProductID: &ref,
	}
}

func sameSyncFields(a, b model.Attendee) bool {
	return a.Email == b.Email &&
		a.FirstName == b.FirstName &&
		a.LastName == b.LastName &&
		equalPtr(a.OrderID, b.OrderID) &&
		equalTime(a, b) &&
		a.OrderStatus == b.OrderStatus &&
		a.TicketType == b.TicketType &&
		a.IsFallback == b.IsFallback &&
		a.BookerEmail == b.BookerEmail &&
		a.BookerFirstName == b.BookerFirstName &&
		a.BookerLastName == b.BookerLastName &&
		equalPtr(a.SourceProductID, b.SourceProductID)
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalTime(a, b model.Attendee) bool {
	if a.OrderDate == nil || b.OrderDate == nil {
		return a.OrderDate == b.OrderDate
	}
	return a.OrderDate.Equal(*b.OrderDate)
}
