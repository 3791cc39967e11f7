package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// APIKeyHeader is checked before Authorization: Bearer.
const APIKeyHeader = "X-API-Key"

// APIKey requires every request to present key, either in X-API-Key or as a
// bearer token. An empty key disables the check. skip exempts paths such as
// health checks.
func APIKey(key string, skip func(echo.Context) bool) echo.MiddlewareFunc {
	if key == "" {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	want := sha256.Sum256([]byte(key))

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skip != nil && skip(c) {
				return next(c)
			}
			raw := extractAPIKey(c)
			if raw == "" {
				c.Response().Header().Set("WWW-Authenticate", `Bearer realm="fhirtable"`)
				return echo.NewHTTPError(http.StatusUnauthorized, "missing API key")
			}
			// Compare digests so the comparison time does not depend on length.
			got := sha256.Sum256([]byte(raw))
			if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid API key")
			}
			return next(c)
		}
	}
}

// SkipHealth exempts /health and its subpaths.
func SkipHealth(c echo.Context) bool {
	return strings.HasPrefix(c.Request().URL.Path, "/health")
}

func extractAPIKey(c echo.Context) string {
	if k := c.Request().Header.Get(APIKeyHeader); k != "" {
		return k
	}
	scheme, token, ok := strings.Cut(c.Request().Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
