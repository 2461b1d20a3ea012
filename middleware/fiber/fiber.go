// Package fiber provides Fiber middleware that gates routes on an active subscription
package fiber

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/mihaimyh/subflow/pkg/billing"
)

// EntitlementKey is the Fiber locals key the middleware stores the entitlement under
const EntitlementKey = "subflow.entitlement"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

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
	OnForbidden func(c *fiber.Ctx, ent *billing.Entitlement) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that only lets entitled users through
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Repository == nil {
		panic("subflow/fiber: Config.Repository is required")
	}
	if cfg.GetUserID == nil {
		panic("subflow/fiber: Config.GetUserID is required")
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}

		// Fiber uses fasthttp, so the request context comes from c.UserContext()
		ent, err := cfg.Repository.GetEntitlement(c.UserContext(), userID)
		if err != nil && !errors.Is(err, billing.ErrEntitlementNotFound) {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
		}

		if !ent.Grants(cfg.AllowedPrices...) {
			if cfg.OnForbidden != nil {
				return cfg.OnForbidden(c, ent)
			}
			return defaultForbidden(c, ent)
		}

		c.Locals(EntitlementKey, ent)
		return c.Next()
	}
}

func defaultForbidden(c *fiber.Ctx, ent *billing.Entitlement) error {
	body := fiber.Map{"error": "active subscription required"}
	if ent != nil {
		body["status"] = ent.Status
	}
	return c.Status(fiber.StatusPaymentRequired).JSON(body)
}

// Webhook mounts a billing provider's net/http webhook handler on a Fiber route
func Webhook(h http.Handler) fiber.Handler {
	return adaptor.HTTPHandler(h)
}

// EntitlementFromContext returns the entitlement stored by Middleware, or nil
func EntitlementFromContext(c *fiber.Ctx) *billing.Entitlement {
	ent, _ := c.Locals(EntitlementKey).(*billing.Entitlement)
	return ent
}

// FromLocals returns a UserIDExtractor that gets user ID from Fiber locals
func FromLocals(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}
