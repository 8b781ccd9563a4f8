package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/checkin-reconciler/internal/clock"
	"github.com/iliyamo/checkin-reconciler/internal/middleware"
	"github.com/iliyamo/checkin-reconciler/internal/model"
	"github.com/iliyamo/checkin-reconciler/internal/repository"
	"github.com/iliyamo/checkin-reconciler/internal/utils"
)

// OperatorStore finds operator accounts.
type OperatorStore interface {
	GetByEmail(ctx context.Context, email string) (model.Operator, error)
}

// AuthHandler issues operator access tokens.
type AuthHandler struct {
	Operators OperatorStore
	Secret    string
	TTL       time.Duration
	Clock     clock.Clock
}

// NewAuthHandler returns an AuthHandler.
func NewAuthHandler(ops OperatorStore, secret string, ttl time.Duration, clk clock.Clock) *AuthHandler {
	return &AuthHandler{Operators: ops, Secret: secret, TTL: ttl, Clock: clk}
}

type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenPart struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

type operatorPart struct {
	ID    uint64 `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type loginResp struct {
	Operator operatorPart `json:"operator"`
	Access   tokenPart    `json:"access"`
}

// Login handles POST /v1/auth/login.  Unknown emails, inactive accounts
// and wrong passwords get the same 401.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" {
		return badRequest(c, "email/password required")
	}

	ctx, cancel := withTimeout(c, 5*time.Second)
	defer cancel()

	op, err := h.Operators.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
		}
		return storeError(c, err, "operator")
	}
	if !op.IsActive || !utils.VerifyPassword(op.PasswordHash, req.Password) {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
	}

	access, err := utils.NewAccessToken(h.Secret, op, h.TTL, h.Clock.Now())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "issue access failed"})
	}
	return c.JSON(http.StatusOK, loginResp{
		Operator: operatorPart{ID: op.ID, Email: op.Email, Role: op.Role},
		Access:   tokenPart{Token: access.Token, Expires: access.Exp},
	})
}

// Me handles GET /v1/me.
func (h *AuthHandler) Me(c echo.Context) error {
	id, _ := middleware.OperatorID(c)
	return c.JSON(http.StatusOK, echo.Map{
		"operator_id": id,
		"email":       c.Get(middleware.KeyEmail),
		"role":        c.Get(middleware.KeyRole),
	})
}
