package api

import (
	"strings"

	echo "github.com/labstack/echo/v5"
)

// extractToken returns the session token for GET endpoints, which carry it in
// the Authorization header (Bearer scheme) or, for clients that cannot set
// headers (WebSocket upgrades from browsers), a token query parameter.
// POST endpoints carry the token in the JSON body instead.
func extractToken(c *echo.Context) string {
	if auth := c.Request().Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return token
		}
	}
	return c.QueryParam("token")
}
