package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/checkin-reconciler/internal/clock"
	"github.com/iliyamo/checkin-reconciler/internal/membership"
	"github.com/iliyamo/checkin-reconciler/internal/model"
)

// AttendeeStore is the attendee access of the door screens.
type AttendeeStore interface {
	Get(ctx context.Context, id uint64) (model.Attendee, error)
	ListByEvent(ctx context.Context, eventID uint64) ([]model.Attendee, error)
	Insert(ctx context.Context, a *model.Attendee) error
	UpdateLocal(ctx context.Context, a model.Attendee) error
	SetCheckedIn(ctx context.Context, id uint64, checkedIn bool, at *time.Time) error
	SoftDelete(ctx context.Context, id uint64) error
}

// EventReader loads one event.
type EventReader interface {
	Get(ctx context.Context, id uint64) (model.Event, error)
}

// StatusRecalculator refreshes one member after their attendance
// changed.
type StatusRecalculator interface {
	Recalculate(ctx context.Context, email string) (membership.Status, error)
}

// AttendeeHandler serves check-in and door edits.
type AttendeeHandler struct {
	Attendees  AttendeeStore
	Events     EventReader
	Membership StatusRecalculator
	Clock      clock.Clock
}

// NewAttendeeHandler returns an AttendeeHandler.
func NewAttendeeHandler(a AttendeeStore, e EventReader, m StatusRecalculator, clk clock.Clock) *AttendeeHandler {
	return &AttendeeHandler{Attendees: a, Events: e, Membership: m, Clock: clk}
}

// List handles GET /v1/events/:id/attendees.  Soft-deleted rows are
// hidden unless ?include_deleted=true.
func (h *AttendeeHandler) List(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	ctx, cancel := withTimeout(c, requestTimeout)
	defer cancel()

	ev, err := h.Events.Get(ctx, id)
	if err != nil {
		return storeError(c, err, "event")
	}
	rows, err := h.Attendees.ListByEvent(ctx, id)
	if err != nil {
		return storeError(c, err, "attendees")
	}
	includeDeleted := c.QueryParam("include_deleted") == "true"
	out := make([]model.Attendee, 0, len(rows))
	checkedIn := 0
	for _, a := range rows {
		if a.OrderStatus == model.StatusDeleted && !includeDeleted {
			continue
		}
		if a.CheckedIn {
			checkedIn++
		}
		out = append(out, a)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"event":      ev,
		"attendees":  out,
		"total":      len(out),
		"checked_in": checkedIn,
	})
}

type attendeeReq struct {
	Email      string `json:"email"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	TicketType string `json:"ticket_type"`
	CheckIn    bool   `json:"check_in"`
}

func (r *attendeeReq) normalize() {
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	r.FirstName = strings.TrimSpace(r.FirstName)
	r.LastName = strings.TrimSpace(r.LastName)
	r.TicketType = strings.TrimSpace(r.TicketType)
}

// Create handles POST /v1/events/:id/attendees, a door sale.  Door sales
// have no commerce ticket id and are never touched by sync.
func (h *AttendeeHandler) Create(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	var req attendeeReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	req.normalize()
	if !strings.Contains(req.Email, "@") {
		return badRequest(c, "valid email required")
	}

	ctx, cancel := withTimeout(c, requestTimeout)
	defer cancel()
	ev, err := h.Events.Get(ctx, id)
	if err != nil {
		return storeError(c, err, "event")
	}
	if ev.IsTombstone() {
		return c.JSON(http.StatusConflict, echo.Map{"error": "event was merged", "merged_into_id": *ev.MergedIntoID})
	}

	a := model.Attendee{
		EventID:         ev.ID,
		Email:           req.Email,
		FirstName:       req.FirstName,
		LastName:        req.LastName,
		TicketType:      req.TicketType,
		OrderStatus:     model.StatusCompleted,
		ManuallyAdded:   true,
		LocallyModified: true,
		BookerEmail:     req.Email,
		BookerFirstName: req.FirstName,
		BookerLastName:  req.LastName,
	}
	if req.CheckIn {
		now := h.Clock.Now()
		a.CheckedIn = true
		a.CheckedInAt = &now
	}
	if err := h.Attendees.Insert(ctx, &a); err != nil {
		return storeError(c, err, "attendee")
	}
	if a.CheckedIn {
		h.recalculate(ctx, c, a.Email)
	}
	return c.JSON(http.StatusCreated, a)
}

// Update handles PATCH /v1/attendees/:id.  Absent fields keep their
// value.  The row is marked locally modified so later syncs keep the
// edit.
func (h *AttendeeHandler) Update(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	var req struct {
		Email      *string `json:"email"`
		FirstName  *string `json:"first_name"`
		LastName   *string `json:"last_name"`
		TicketType *string `json:"ticket_type"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}

	ctx, cancel := withTimeout(c, requestTimeout)
	defer cancel()
	cur, err := h.Attendees.Get(ctx, id)
	if err != nil {
		return storeError(c, err, "attendee")
	}
	next := cur
	if req.Email != nil {
		next.Email = strings.ToLower(strings.TrimSpace(*req.Email))
		if !strings.Contains(next.Email, "@") {
			return badRequest(c, "valid email required")
		}
	}
	if req.FirstName != nil {
		next.FirstName = strings.TrimSpace(*req.FirstName)
	}
	if req.LastName != nil {
		next.LastName = strings.TrimSpace(*req.LastName)
	}
	if req.TicketType != nil {
		next.TicketType = strings.TrimSpace(*req.TicketType)
	}
	if err := h.Attendees.UpdateLocal(ctx, next); err != nil {
		return storeError(c, err, "attendee")
	}
	next.LocallyModified = true

	if next.CheckedIn && next.Email != cur.Email {
		h.recalculate(ctx, c, cur.Email, next.Email)
	}
	return c.JSON(http.StatusOK, next)
}

// CheckIn handles POST /v1/attendees/:id/checkin.
func (h *AttendeeHandler) CheckIn(c echo.Context) error { return h.setCheckedIn(c, true) }

// UndoCheckIn handles DELETE /v1/attendees/:id/checkin.
func (h *AttendeeHandler) UndoCheckIn(c echo.Context) error { return h.setCheckedIn(c, false) }

func (h *AttendeeHandler) setCheckedIn(c echo.Context, in bool) error {
	id, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	ctx, cancel := withTimeout(c, requestTimeout)
	defer cancel()

	a, err := h.Attendees.Get(ctx, id)
	if err != nil {
		return storeError(c, err, "attendee")
	}
	if in && !model.IsActiveStatus(a.OrderStatus) {
		return c.JSON(http.StatusConflict, echo.Map{"error": "ticket is not active", "order_status": a.OrderStatus})
	}
	if a.CheckedIn == in {
		return c.JSON(http.StatusOK, a)
	}
	var at *time.Time
	if in {
		now := h.Clock.Now()
		at = &now
	}
	if err := h.Attendees.SetCheckedIn(ctx, id, in, at); err != nil {
		return storeError(c, err, "attendee")
	}
	a.CheckedIn, a.CheckedInAt = in, at
	h.recalculate(ctx, c, a.Email)
	return c.JSON(http.StatusOK, a)
}

// Delete handles DELETE /v1/attendees/:id.  The row stays with status
// "deleted" so sync does not bring it back.
func (h *AttendeeHandler) Delete(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return badRequest(c, err.Error())
	}
	ctx, cancel := withTimeout(c, requestTimeout)
	defer cancel()

	a, err := h.Attendees.Get(ctx, id)
	if err != nil {
		return storeError(c, err, "attendee")
	}
	if err := h.Attendees.SoftDelete(ctx, id); err != nil {
		return storeError(c, err, "attendee")
	}
	if a.CheckedIn {
		h.recalculate(ctx, c, a.Email)
	}
	return c.NoContent(http.StatusNoContent)
}

// recalculate refreshes membership for emails.  A failure is logged; the
// door operation has already succeeded.
func (h *AttendeeHandler) recalculate(ctx context.Context, c echo.Context, emails ...string) {
	if h.Membership == nil {
		return
	}
	for _, e := range emails {
		if e == "" {
			continue
		}
		if _, err := h.Membership.Recalculate(ctx, e); err != nil {
			c.Logger().Warnf("membership recalculation for %s failed: %v", e, err)
		}
	}
}
