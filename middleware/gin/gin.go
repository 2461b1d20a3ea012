// Package gin provides Gin middleware that gates routes on an active subscription
package gin

import (
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/subflow/pkg/billing"
)

// EntitlementKey is the Gin context key the middleware stores the entitlement under
const EntitlementKey = "subflow.entitlement"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

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
	OnForbidden func(c *gongin.Context, ent *billing.Entitlement)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that only lets entitled users through
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Repository == nil {
		panic("subflow/gin: Config.Repository is required")
	}
	if cfg.GetUserID == nil {
		panic("subflow/gin: Config.GetUserID is required")
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "unauthorized"})
			}
			c.Abort()
			return
		}

		ent, err := cfg.Repository.GetEntitlement(c.Request.Context(), userID)
		if err != nil && !errors.Is(err, billing.ErrEntitlementNotFound) {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "internal server error"})
			}
			c.Abort()
			return
		}

		if !ent.Grants(cfg.AllowedPrices...) {
			if cfg.OnForbidden != nil {
				cfg.OnForbidden(c, ent)
			} else {
				defaultForbidden(c, ent)
			}
			c.Abort()
			return
		}

		c.Set(EntitlementKey, ent)
		c.Next()
	}
}

func defaultForbidden(c *gongin.Context, ent *billing.Entitlement) {
	body := gongin.H{"error": "active subscription required"}
	if ent != nil {
		body["status"] = ent.Status
	}
	c.JSON(http.StatusPaymentRequired, body)
}

// Webhook mounts a billing provider's webhook handler on a Gin route.
// The raw request body reaches the handler untouched, which signature verification needs.
func Webhook(h http.Handler) gongin.HandlerFunc {
	return gongin.WrapH(h)
}

// EntitlementFromContext returns the entitlement stored by Middleware, or nil
func EntitlementFromContext(c *gongin.Context) *billing.Entitlement {
	if val, exists := c.Get(EntitlementKey); exists {
		if ent, ok := val.(*billing.Entitlement); ok {
			return ent
		}
	}
	return nil
}

// Convenience extractors for UserID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values.
// This is useful when authentication middleware runs before this middleware and stores
// user information via c.Set("UserID", "...") or similar.
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
