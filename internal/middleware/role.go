package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// RequireRole returns a middleware that only lets an operator through when
// their role is one of roles.  The role is read from the request context,
// where JWTAuth stored it from the token's "role" claim, so RequireRole
// must run after JWTAuth.  Any other role, or no role at all, ends the
// request with 403 Forbidden.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	// Set of accepted roles; a missing key reads as false.
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// JWTAuth stores the role as a string.  Anything else is
			// treated as a missing role.
			role, ok := c.Get(KeyRole).(string)
			if !ok || !allowed[role] {
				return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
			}
			// Role accepted: hand over to the next handler in the chain.
			return next(c)
		}
	}
}
