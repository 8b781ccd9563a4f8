package handler

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/checkin-reconciler/internal/membership"
	"github.com/iliyamo/checkin-reconciler/internal/model"
)

// MemberStore reads members and records manual overrides.
type MemberStore interface {
	GetByEmail(ctx context.Context, email string) (model.Member, error)
	SetOverride(ctx context.Context, email string, expires *time.Time, notes string) error
}

// MembershipService recalculates member status.
type MembershipService interface {
	Recalculate(ctx context.Context, email string) (membership.Status, error)
	RecalculateAll(ctx context.Context) (membership.SweepResult, error)
}

// MemberHandler serves membership lookups and overrides.
type MemberHandler struct {
	Members    MemberStore
	Membership MembershipService
}

// NewMemberHandler returns a MemberHandler.
func NewMemberHandler(m MemberStore, s MembershipService) *MemberHandler {
	return &MemberHandler{Members: m, Membership: s}
}

func emailParam(c echo.Context) (string, bool) {
	raw, err := url.PathUnescape(c.Param("email"))
	if err != nil {
		return "", false
	}
	email := strings.ToLower(strings.TrimSpace(raw))
	return email, strings.Contains(email, "@")
}

// Get handles GET /v1/members/:email.
func (h *MemberHandler) Get(c echo.Context) error {
	email, ok := emailParam(c)
	if !ok {
		return badRequest(c, "invalid email")
	}
	ctx, cancel := withTimeout(c, requestTimeout)
	defer cancel()
	m, err := h.Members.GetByEmail(ctx, email)
	if err != nil {
		return storeError(c, err, "member")
	}
	return c.JSON(http.StatusOK, m)
}

type recalcReq struct {
	Emails []string `json:"emails"`
}

// Recalculate handles POST /v1/members/recalculate.  With a list of
// emails only those members are refreshed; with none, every member is.
func (h *MemberHandler) Recalculate(c echo.Context) error {
	var req recalcReq
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "invalid body")
		}
	}

	if len(req.Emails) == 0 {
		ctx, cancel := withTimeout(c, 10*time.Minute)
		defer cancel()
		res, err := h.Membership.RecalculateAll(ctx)
		if err != nil {
			return storeError(c, err, "members")
		}
		return c.JSON(http.StatusOK, res)
	}

	ctx, cancel := withTimeout(c, requestTimeout)
	defer cancel()
	statuses := make([]membership.Status, 0, len(req.Emails))
	failed := map[string]string{}
	for _, e := range req.Emails {
		st, err := h.Membership.Recalculate(ctx, e)
		if err != nil {
			failed[e] = err.Error()
			continue
		}
		statuses = append(statuses, st)
	}
	return c.JSON(http.StatusOK, echo.Map{"statuses": statuses, "failed": failed})
}

type overrideReq struct {
	// ExpiresAt is a date (2006-01-02) or RFC 3339 timestamp; empty
	// clears the manual expiry.
	ExpiresAt string `json:"expires_at"`
	Notes     string `json:"notes"`
}

// Override handles PUT /v1/members/:email/override.  The override can
// only extend a membership earned by attendance; the recalculated status
// is returned.
func (h *MemberHandler) Override(c echo.Context) error {
	email, ok := emailParam(c)
	if !ok {
		return badRequest(c, "invalid email")
	}
	var req overrideReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	var expires *time.Time
	if s := strings.TrimSpace(req.ExpiresAt); s != "" {
		t, err := parseDateOrTime(s)
		if err != nil {
			return badRequest(c, "invalid expires_at")
		}
		expires = &t
	}

	ctx, cancel := withTimeout(c, requestTimeout)
	defer cancel()
	if err := h.Members.SetOverride(ctx, email, expires, strings.TrimSpace(req.Notes)); err != nil {
		return storeError(c, err, "member")
	}
	st, err := h.Membership.Recalculate(ctx, email)
	if err != nil {
		return storeError(c, err, "member")
	}
	return c.JSON(http.StatusOK, st)
}

func parseDateOrTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
