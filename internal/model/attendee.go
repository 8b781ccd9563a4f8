package model

import "time"

// Order status values mirrored from the commerce platform.  StatusDeleted
// is local only: it marks an attendee soft-deleted by an operator.
const (
	StatusCompleted  = "completed"
	StatusProcessing = "processing"
	StatusOnHold     = "on-hold"
	StatusPending    = "pending"
	StatusCancelled  = "cancelled"
	StatusRefunded   = "refunded"
	StatusFailed     = "failed"
	StatusDeleted    = "deleted"
)

// IsActiveStatus reports whether an order status represents a live ticket.
func IsActiveStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusProcessing, StatusOnHold, StatusPending:
		return true
	}
	return false
}

// Attendee is one ticket holder for one event.  The pair (TicketID,
// EventID) is unique; email and name are deliberately not a dedup key
// because one person may hold several independent tickets.
//
// Fields:
//
//	ID              – primary key identifier.
//	EventID         – event the ticket admits to.
//	Email           – ticket holder email.
//	FirstName       – ticket holder first name.
//	LastName        – ticket holder last name.
//	TicketID        – durable external ticket id (nil for manual entries).
//	OrderID         – external order id (nil for manual entries).
//	OrderDate       – external order timestamp.
//	OrderStatus     – external status, or "deleted" when soft-deleted locally.
//	TicketType      – price tier, when it could be recovered.
//	IsFallback      – ticket synthesized from the billing identity.
//	LocallyModified – edited by an operator; sync never overwrites it.
//	ManuallyAdded   – door sale entered by an operator.
//	CheckedIn       – whether the holder has been checked in.
//	CheckedInAt     – check-in timestamp.
//	BookerEmail     – purchaser email (billing identity).
//	BookerFirstName – purchaser first name.
//	BookerLastName  – purchaser last name.
//	SourceProductID – product the ticket arrived through.
type Attendee struct {
	ID              uint64     // attendees.id
	EventID         uint64     // attendees.event_id
	Email           string     // attendees.email
	FirstName       string     // attendees.first_name
	LastName        string     // attendees.last_name
	TicketID        *string    // attendees.ticket_id (nullable)
	OrderID         *uint64    // attendees.order_id (nullable)
	OrderDate       *time.Time // attendees.order_date (nullable)
	OrderStatus     string     // attendees.order_status
	TicketType      string     // attendees.ticket_type
	IsFallback      bool       // attendees.is_fallback
	LocallyModified bool       // attendees.locally_modified
	ManuallyAdded   bool       // attendees.manually_added
	CheckedIn       bool       // attendees.checked_in
	CheckedInAt     *time.Time // attendees.checked_in_at (nullable)
	BookerEmail     string     // attendees.booker_email
	BookerFirstName string     // attendees.booker_first_name
	BookerLastName  string     // attendees.booker_last_name
	SourceProductID *uint64    // attendees.source_product_id (nullable)
	CreatedAt       time.Time  // attendees.created_at
	UpdatedAt       time.Time  // attendees.updated_at
}

// Attendance is a checked-in attendee row joined to its event.  It is the
// input of the membership calculation.
type Attendance struct {
	EventID   uint64
	EventName string
	EventDate time.Time
}
