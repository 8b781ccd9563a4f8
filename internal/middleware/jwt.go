// Package middleware holds the Echo middleware of the operator API:
// token authentication, role checks and rate limiting.
package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/checkin-reconciler/internal/utils"
)

// Context keys set by JWTAuth.  Handlers read them through c.Get or the
// helpers in identity.go.
const (
	KeyOperatorID = "operator_id"    // uint64 operator id from the "sub" claim
	KeyRole       = "role"           // model.RoleAdmin or model.RoleDoor
	KeyEmail      = "operator_email" // operator email, used in audit log lines
)

// JWTAuth returns an Echo middleware that validates a Bearer access token
// and stores the operator's id, role and email in the request context.
// secret must be the one the login handler signs tokens with.  The
// middleware wraps every protected route, so handlers behind it can rely
// on the identity keys being present.
func JWTAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		// Invoked for each incoming request.
		return func(c echo.Context) error {
			// The header must read "Bearer <token>".  Anything else is
			// answered with 401 before the token is looked at.
			auth := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
			}

			// ParseAccessToken checks the HMAC signature, the expiry and
			// that the subject is a numeric operator id.  Every failure
			// looks the same to the client.
			claims, err := utils.ParseAccessToken(secret, strings.TrimPrefix(auth, "Bearer "))
			if err != nil {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
			}

			// The subject already parsed inside ParseAccessToken, so the
			// error cannot occur here.
			id, _ := claims.OperatorID()
			c.Set(KeyOperatorID, id)
			c.Set(KeyRole, claims.Role)
			c.Set(KeyEmail, claims.Email)
			return next(c)
		}
	}
}
