package billing

import (
	"net/http"
	"time"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// WebhookSecret is the shared secret used to verify webhook signatures.
	// If empty, the webhook endpoint answers every call with a configuration error.
	WebhookSecret string

	// BaseURL is the public URL of this application, used to build checkout
	// success and cancel redirects. If empty, checkout creation fails with ErrConfiguration.
	BaseURL string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// WebhookTolerance is the accepted clock skew between the signature timestamp
	// and now. Defaults to 5 minutes.
	WebhookTolerance time.Duration

	// HandlerTimeout bounds the execution of a single webhook event handler.
	// Defaults to 10 seconds.
	HandlerTimeout time.Duration

	// Sink receives one record per verified webhook event (required for the webhook handler).
	Sink EventSink

	// Ledger de-duplicates redelivered events by event ID. Optional; when nil
	// every delivery is dispatched.
	Ledger EventLedger

	// Repository persists customer IDs and entitlements. Optional; when nil
	// handlers only log what they would have changed.
	Repository Repository

	// OnHandlerFailure receives handler errors that were swallowed. Defaults to
	// LogFailureReporter(Logger).
	OnHandlerFailure FailureReporter

	// Logger is the operational log. If nil, logs are discarded.
	Logger Logger

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics
}
