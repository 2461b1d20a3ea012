package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/subflow/pkg/billing"
)

// Config holds configuration for the billing API handler
type Config struct {
	// Provider is the billing provider backing every endpoint (required)
	Provider billing.Provider

	// Sink is read by GET /logs (required)
	Sink billing.EventSink

	// Repository resolves users for POST /customers and serves GET /entitlements/{userId}.
	// If nil, POST /customers takes user fields from the request body and
	// GET /entitlements answers 404.
	Repository billing.Repository

	// MetricsHandler is mounted at /metrics when set (e.g. promhttp.Handler())
	MetricsHandler http.Handler

	// Logger receives upstream error details that are hidden from API callers.
	// If nil, logs are discarded.
	Logger billing.Logger

	// OnError handles errors (validation, upstream, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Provider == nil {
		return fmt.Errorf("provider is required")
	}
	if c.Sink == nil {
		return fmt.Errorf("sink is required")
	}
	return nil
}

// NewHandler creates a new billing API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &billing.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}
