package billing

import (
	"context"
	"net/http"
)

// CheckoutRequest describes a hosted checkout for one recurring price.
type CheckoutRequest struct {
	PriceID       string
	CustomerEmail string
	// CustomerID attaches an existing provider customer instead of CustomerEmail.
	CustomerID string
	// UserID is stored in session and subscription metadata and later keys entitlement updates.
	UserID string
	// IdempotencyKey makes retried calls with the same parameters create one session.
	IdempotencyKey string
}

// CheckoutSession is the result of creating a hosted checkout.
type CheckoutSession struct {
	SessionID   string `json:"sessionId"`
	RedirectURL string `json:"redirectUrl"`
}

// SessionSummary is what the success page needs after the browser returns from checkout.
type SessionSummary struct {
	SessionID          string `json:"sessionId"`
	Status             string `json:"status"`
	CustomerEmail      string `json:"customerEmail,omitempty"`
	SubscriptionID     string `json:"subscriptionId,omitempty"`
	SubscriptionStatus string `json:"subscriptionStatus,omitempty"`
}

// SubscriptionRequest creates a subscription directly (without hosted checkout).
type SubscriptionRequest struct {
	CustomerID         string            `json:"customerId"`
	PriceID            string            `json:"priceId"`
	TrialPeriodDays    int64             `json:"trialPeriodDays,omitempty"`
	BillingCycleAnchor int64             `json:"billingCycleAnchor,omitempty"`
	ProrationBehavior  string            `json:"prorationBehavior,omitempty"`
	CouponCode         string            `json:"couponCode,omitempty"`
	PromotionCode      string            `json:"promotionCode,omitempty"`
	TaxRates           []string          `json:"taxRates,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// SubscriptionResult carries what the client needs to confirm the first payment.
type SubscriptionResult struct {
	SubscriptionID   string `json:"subscriptionId"`
	Status           string `json:"status"`
	ClientSecret     string `json:"clientSecret,omitempty"`
	HostedInvoiceURL string `json:"invoiceUrl,omitempty"`
}

// CustomerListRequest selects one page of customers.
type CustomerListRequest struct {
	Limit         int64
	Email         string
	CreatedAfter  int64
	StartingAfter string
	EndingBefore  string
}

// Customer is the subset of the provider's customer record exposed by the API.
type Customer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email,omitempty"`
	Name     string            `json:"name,omitempty"`
	Created  int64             `json:"created"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CustomerPage is one page of customers plus the cursor information needed for the next one.
type CustomerPage struct {
	Customers []*Customer `json:"customers"`
	HasMore   bool        `json:"hasMore"`
	LastID    string      `json:"lastId,omitempty"`
}

// Product is the product a price belongs to.
type Product struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Active      bool              `json:"active"`
	Images      []string          `json:"images,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Recurring describes the billing interval of a recurring price.
type Recurring struct {
	Interval        string `json:"interval"`
	IntervalCount   int64  `json:"interval_count"`
	TrialPeriodDays int64  `json:"trial_period_days,omitempty"`
}

// Price is a purchasable price with its product embedded.
type Price struct {
	ID         string     `json:"id"`
	Active     bool       `json:"active"`
	Currency   string     `json:"currency"`
	UnitAmount int64      `json:"unit_amount"`
	Nickname   string     `json:"nickname,omitempty"`
	LookupKey  string     `json:"lookup_key,omitempty"`
	Type       string     `json:"type"`
	Recurring  *Recurring `json:"recurring,omitempty"`
	Product    *Product   `json:"product,omitempty"`
}

// Provider is the generic interface a billing backend implements.
// The HTTP API depends only on this interface.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that verifies, logs and dispatches provider events.
	WebhookHandler() http.Handler

	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	RetrieveCheckoutSession(ctx context.Context, sessionID string) (*SessionSummary, error)

	// GetOrCreateCustomer returns the user's provider customer ID, creating a new
	// customer when none is stored or the stored one was deleted upstream.
	// created reports whether a new customer was made.
	GetOrCreateCustomer(ctx context.Context, user *User) (customerID string, created bool, err error)

	CreateSubscription(ctx context.Context, req SubscriptionRequest) (*SubscriptionResult, error)

	ListCustomers(ctx context.Context, req CustomerListRequest) (*CustomerPage, error)

	// ListAllCustomers pages through every customer up to maxCustomers.
	ListAllCustomers(ctx context.Context, maxCustomers int) ([]*Customer, error)

	ListPrices(ctx context.Context) ([]*Price, error)

	// SyncEntitlement rebuilds the user's entitlement from the provider's current
	// subscriptions and stores it, for when a webhook was missed.
	SyncEntitlement(ctx context.Context, userID string) (*Entitlement, error)
}
