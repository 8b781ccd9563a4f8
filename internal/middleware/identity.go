package middleware

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

// OperatorID returns the authenticated operator id, if any.
func OperatorID(c echo.Context) (uint64, bool) {
	id, ok := c.Get(KeyOperatorID).(uint64)
	return id, ok && id != 0
}

// identity names the caller for rate limiting: the operator id once
// authenticated, "anon" before.
func identity(c echo.Context) string {
	if id, ok := OperatorID(c); ok {
		return strconv.FormatUint(id, 10)
	}
	return "anon"
}
