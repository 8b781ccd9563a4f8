// Package queue carries membership transitions over the message broker.
package queue

import (
	"time"

	"github.com/iliyamo/checkin-reconciler/internal/model"
)

// StatusChangedQueue is the durable queue membership transitions go to.
const StatusChangedQueue = "membership.status_changed"

// Actions a member-list collaborator is asked to perform.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// MemberStatusChangedEvent is published when a member becomes active or
// lapses.  It carries enough for a list collaborator to act without
// reading the ledger.
type MemberStatusChangedEvent struct {
	Email               string `json:"email"`
	FirstName           string `json:"first_name,omitempty"`
	LastName            string `json:"last_name,omitempty"`
	Action              string `json:"action"`
	Active              bool   `json:"active"`
	TotalEventsAttended int    `json:"total_events_attended"`
	LastEventDate       string `json:"last_event_date,omitempty"`
	ExpiresAt           string `json:"expires_at,omitempty"`
	ChangedAt           string `json:"changed_at"`
}

// NewStatusChangedEvent describes m after a transition.  Timestamps are
// RFC 3339 in UTC.
func NewStatusChangedEvent(m model.Member, action string, now time.Time) MemberStatusChangedEvent {
	return MemberStatusChangedEvent{
		Email:               m.Email,
		FirstName:           m.FirstName,
		LastName:            m.LastName,
		Action:              action,
		Active:              m.IsActiveMember,
		TotalEventsAttended: m.TotalEventsAttended,
		LastEventDate:       formatTime(m.LastEventDate),
		ExpiresAt:           formatTime(m.MembershipExpiresAt),
		ChangedAt:           now.UTC().Format(time.RFC3339),
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
