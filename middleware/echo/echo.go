// Package echo provides Echo middleware that gates routes on an active subscription
package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/subflow/pkg/billing"
)

// EntitlementKey is the Echo context key the middleware stores the entitlement under
const EntitlementKey = "subflow.entitlement"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Repository is where entitlements are read from (required)
	Repository billing.Repository

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// AllowedPrices restricts access to subscriptions on these prices.
	// If empty, any active subscription is enough.
	AllowedPrices []string

	// OnForbidden is called when the user has no active entitlement (ent may be nil).
	// If nil, returns 402 Payment Required
	OnForbidden func(c echo.Context, ent *billing.Entitlement) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that only lets entitled users through
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Repository == nil {
		panic("subflow/echo: Config.Repository is required")
	}
	if cfg.GetUserID == nil {
		panic("subflow/echo: Config.GetUserID is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}

			ent, err := cfg.Repository.GetEntitlement(c.Request().Context(), userID)
			if err != nil && !errors.Is(err, billing.ErrEntitlementNotFound) {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			}

			if !ent.Grants(cfg.AllowedPrices...) {
				if cfg.OnForbidden != nil {
					return cfg.OnForbidden(c, ent)
				}
				return defaultForbidden(c, ent)
			}

			c.Set(EntitlementKey, ent)
			return next(c)
		}
	}
}

func defaultForbidden(c echo.Context, ent *billing.Entitlement) error {
	body := map[string]string{"error": "active subscription required"}
	if ent != nil {
		body["status"] = ent.Status
	}
	return c.JSON(http.StatusPaymentRequired, body)
}

// Webhook mounts a billing provider's webhook handler on an Echo route
func Webhook(h http.Handler) echo.HandlerFunc {
	return echo.WrapHandler(h)
}

// EntitlementFromContext returns the entitlement stored by Middleware, or nil
func EntitlementFromContext(c echo.Context) *billing.Entitlement {
	ent, _ := c.Get(EntitlementKey).(*billing.Entitlement)
	return ent
}

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}
