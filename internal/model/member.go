package model

import "time"

// Member aggregates attendance for one email address.  IsActiveMember,
// TotalEventsAttended, LastEventDate and MembershipExpiresAt are derived
// by the membership calculator and rewritten on every recalculation.
// ManualExpiresAt is the operator override; it can only extend the
// event-based expiry once qualifying attendance exists.
type Member struct {
	ID                  uint64     // members.id
	Email               string     // members.email (unique)
	FirstName           string     // members.first_name
	LastName            string     // members.last_name
	IsActiveMember      bool       // members.is_active_member
	TotalEventsAttended int        // members.total_events_attended
	LastEventDate       *time.Time // members.last_event_date (nullable)
	MembershipExpiresAt *time.Time // members.membership_expires_at (nullable)
	ManuallyAdded       bool       // members.manually_added
	ManualExpiresAt     *time.Time // members.manual_expires_at (nullable)
	Notes               string     // members.notes
	CreatedAt           time.Time  // members.created_at
	UpdatedAt           time.Time  // members.updated_at
}
