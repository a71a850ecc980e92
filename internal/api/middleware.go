package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/masa-finance/timeline-harvester/internal/config"
)

const HealthCheckPath = "/healthz"
const ReadinessCheckPath = "/readyz"

// trackedPrefixes are the routes that count towards the readiness error rate.
var trackedPrefixes = []string{"/targets", "/items/", "/checkpoint"}

// APIKeyAuthMiddleware returns an Echo middleware that checks for the API key in the request headers.
func APIKeyAuthMiddleware(jc config.JobConfiguration) echo.MiddlewareFunc {
	apiKey := jc.GetString("api_key", "")
	if apiKey == "" {
		// No API key set; allow all requests (no-op)
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return next
		}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if path == HealthCheckPath || path == ReadinessCheckPath {
				return next(c)
			}

			// Authorization: Bearer <API_KEY> or X-API-Key
			if c.Request().Header.Get("Authorization") == "Bearer "+apiKey {
				return next(c)
			}
			if c.Request().Header.Get("X-API-Key") == apiKey {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid API key")
		}
	}
}

// HealthMetricsMiddleware tracks success and error rates for readiness probe
func HealthMetricsMiddleware(healthMetrics *HealthMetrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if path == HealthCheckPath || path == ReadinessCheckPath {
				return next(c)
			}

			err := next(c)

			if tracked(path) {
				statusCode := c.Response().Status
				if statusCode >= 500 {
					healthMetrics.RecordError()
				} else if statusCode >= 200 && statusCode < 400 {
					healthMetrics.RecordSuccess()
				}
				// 4xx are the caller's fault
			}

			return err
		}
	}
}

func tracked(path string) bool {
	for _, p := range trackedPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
