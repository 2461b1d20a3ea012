// Package http provides net/http middleware that gates routes on an active subscription
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mihaimyh/subflow/pkg/billing"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Repository is where entitlements are read from (required)
	Repository billing.Repository

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// AllowedPrices restricts access to subscriptions on these prices.
	// If empty, any active subscription is enough.
	AllowedPrices []string

	// OnForbidden is called when the user has no active entitlement.
	// ent is nil when nothing was ever recorded for the user.
	// If nil, returns 402 Payment Required
	OnForbidden func(w http.ResponseWriter, r *http.Request, ent *billing.Entitlement)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that only lets entitled users through.
// The entitlement is stored in the request context for the next handler.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Repository == nil {
		panic("subflow/http: Config.Repository is required")
	}
	if config.GetUserID == nil {
		panic("subflow/http: Config.GetUserID is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeError(w, http.StatusUnauthorized, "unauthorized")
				}
				return
			}

			ent, err := config.Repository.GetEntitlement(r.Context(), userID)
			if err != nil && !errors.Is(err, billing.ErrEntitlementNotFound) {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
				return
			}

			if !ent.Grants(config.AllowedPrices...) {
				if config.OnForbidden != nil {
					config.OnForbidden(w, r, ent)
				} else {
					defaultForbidden(w, ent)
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithEntitlement(r.Context(), ent)))
		})
	}
}

// HandlerFunc creates an HTTP middleware that gates on entitlement (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func defaultForbidden(w http.ResponseWriter, ent *billing.Entitlement) {
	body := map[string]string{"error": "active subscription required"}
	if ent != nil {
		body["status"] = ent.Status
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "subflow:userID"

	// EntitlementKey is the context key for the entitlement that passed the gate
	EntitlementKey ContextKey = "subflow:entitlement"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithEntitlement adds the entitlement to request context
func WithEntitlement(ctx context.Context, ent *billing.Entitlement) context.Context {
	return context.WithValue(ctx, EntitlementKey, ent)
}

// EntitlementFromContext returns the entitlement stored by Middleware, or nil
func EntitlementFromContext(ctx context.Context) *billing.Entitlement {
	ent, _ := ctx.Value(EntitlementKey).(*billing.Entitlement)
	return ent
}
