package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/customer"
	"golang.org/x/sync/singleflight"

	"github.com/mihaimyh/subflow/pkg/billing"
	"github.com/mihaimyh/subflow/pkg/billing/internal"
)

const (
	providerName              = "stripe"
	defaultHTTPTimeout        = 10 * time.Second
	defaultRateLimitWindow    = time.Minute
	defaultRateLimitRequests  = 100
	defaultWebhookTolerance   = 5 * time.Minute
	defaultHandlerTimeout     = 10 * time.Second
	maxWebhookBodyBytes       = 256 * 1024
	defaultBreakerFailures    = 5
	defaultBreakerOpenTimeout = 30 * time.Second
	metadataUserID            = "user_id"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config

	// APIURL overrides the Stripe API endpoint (tests, proxies).
	// If empty, the SDK default is used.
	APIURL string

	// RateLimitRequests is the number of webhook requests accepted per client IP
	// within RateLimitWindow. Defaults to 100 per minute.
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// BreakerFailures is the number of consecutive upstream failures that opens
	// the circuit breaker. Defaults to 5.
	BreakerFailures uint32

	// BreakerTimeout is how long the breaker stays open before probing again.
	// Defaults to 30 seconds.
	BreakerTimeout time.Duration

	// Now overrides the clock used to timestamp event records (tests).
	Now func() time.Time
}

// Provider implements billing.Provider for Stripe
type Provider struct {
	config         Config
	stripeClient   *stripe.Client
	customers      customer.Client
	rateLimiter    *internal.RateLimiter
	breaker        *gobreaker.CircuitBreaker[any]
	checkoutFlight singleflight.Group
	webhookSecret  string
	tolerance      time.Duration
	handlerTimeout time.Duration
	handlers       map[stripe.EventType]eventHandler
	sink           billing.EventSink
	ledger         billing.EventLedger
	repo           billing.Repository
	reportFailure  billing.FailureReporter
	logger         billing.Logger
	metrics        billing.Metrics
	now            func() time.Time
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: stripe API key is required", billing.ErrConfiguration)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: defaultHTTPTimeout,
		}
	}

	backendConfig := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}
	if config.APIURL != "" {
		backendConfig.URL = stripe.String(config.APIURL)
	}
	backends := stripe.NewBackendsWithConfig(backendConfig)
	stripeClient := stripe.NewClient(apiKey, stripe.WithBackends(backends))

	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	sink := config.Sink
	if sink == nil {
		logger.Warn("no event sink configured, webhook events are kept in memory only")
		sink = billing.NewMemorySink()
	}

	reportFailure := config.OnHandlerFailure
	if reportFailure == nil {
		reportFailure = billing.LogFailureReporter(logger)
	}

	tolerance := config.WebhookTolerance
	if tolerance <= 0 {
		tolerance = defaultWebhookTolerance
	}
	handlerTimeout := config.HandlerTimeout
	if handlerTimeout <= 0 {
		handlerTimeout = defaultHandlerTimeout
	}

	limit := config.RateLimitRequests
	if limit <= 0 {
		limit = defaultRateLimitRequests
	}
	window := config.RateLimitWindow
	if window <= 0 {
		window = defaultRateLimitWindow
	}

	now := config.Now
	if now == nil {
		now = time.Now
	}

	p := &Provider{
		config:         config,
		stripeClient:   stripeClient,
		customers:      customer.Client{B: backends.API, Key: apiKey},
		webhookSecret:  strings.TrimSpace(config.WebhookSecret),
		tolerance:      tolerance,
		handlerTimeout: handlerTimeout,
		sink:           sink,
		ledger:         config.Ledger,
		repo:           config.Repository,
		reportFailure:  reportFailure,
		logger:         logger,
		metrics:        metrics,
		now:            now,
	}
	p.rateLimiter = internal.NewRateLimiter(internal.LimiterConfig{
		Limit:  limit,
		Window: window,
		Now:    now,
		OnReject: func(r *http.Request, client string) {
			metrics.RecordWebhookError(providerName, "rate_limited")
			logger.Warn("webhook rate limited", billing.F("client", client), billing.F("path", r.URL.Path))
		},
	})
	p.breaker = newBreaker(config, logger)
	p.handlers = p.eventHandlers()
	return p, nil
}

func newBreaker(config Config, logger billing.Logger) *gobreaker.CircuitBreaker[any] {
	failures := config.BreakerFailures
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	timeout := config.BreakerTimeout
	if timeout <= 0 {
		timeout = defaultBreakerOpenTimeout
	}

	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        providerName,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Client errors (bad coupon, missing resource) say nothing about upstream health.
		IsSuccessful: func(err error) bool {
			return err == nil || isClientError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				billing.F("breaker", name),
				billing.F("from", from.String()),
				billing.F("to", to.String()),
			)
		},
	})
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	// Wrap with rate limiting
	return p.rateLimiter.Middleware(handler)
}

// call runs fn through the circuit breaker and records API metrics for endpoint.
// Failures are wrapped in billing.ErrUpstreamProvider.
func call[T any](ctx context.Context, p *Provider, endpoint string, fn func(ctx context.Context) (T, error)) (T, error) {
	startTime := time.Now()
	var zero T

	result, err := p.breaker.Execute(func() (any, error) {
		return fn(ctx)
	})
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))

	if err != nil {
		status := "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			status = "circuit_open"
		}
		p.metrics.RecordAPICall(providerName, endpoint, status)
		p.logger.Error("stripe API call failed", billing.F("endpoint", endpoint), billing.F("error", err))
		return zero, fmt.Errorf("%w: %s: %w", billing.ErrUpstreamProvider, endpoint, err)
	}

	p.metrics.RecordAPICall(providerName, endpoint, "success")
	typed, ok := result.(T)
	if !ok {
		return zero, nil
	}
	return typed, nil
}

// isClientError reports whether err is a Stripe 4xx response other than rate limiting.
func isClientError(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	return stripeErr.HTTPStatusCode >= 400 && stripeErr.HTTPStatusCode < 500 &&
		stripeErr.HTTPStatusCode != http.StatusTooManyRequests
}

// isNotFound reports whether err is Stripe's resource_missing error.
func isNotFound(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	return stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripe.ErrorCodeResourceMissing
}

var _ billing.Provider = (*Provider)(nil)
