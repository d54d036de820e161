package api

import (
	"crypto/subtle"
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// readAuth requires X-OS-SECRET to match secret exactly (spec §6: "Ops HTTP
// API (read): authenticated by X-OS-SECRET header; fail-closed if unset").
// An empty configured secret denies every request — there is no "open"
// mode.
func readAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if secret == "" || !secureEquals(c.Request().Header.Get("X-OS-SECRET"), secret) {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid X-OS-SECRET")
			}
			return next(c)
		}
	}
}

// writeAuth additionally requires X-WRITE-SECRET to match either the
// current or the previous write secret, supporting zero-downtime rotation
// (spec §6: "Write actions require additional X-WRITE-SECRET header with
// dual rotation").
func writeAuth(current, previous string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			got := c.Request().Header.Get("X-WRITE-SECRET")
			ok := (current != "" && secureEquals(got, current)) || (previous != "" && secureEquals(got, previous))
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid X-WRITE-SECRET")
			}
			return next(c)
		}
	}
}

func secureEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
