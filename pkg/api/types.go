package api

import "github.com/mihaimyh/subflow/pkg/billing"

// CheckoutSessionRequest is the body of POST /checkout-sessions
type CheckoutSessionRequest struct {
	PriceID       string `json:"priceId"`
	CustomerEmail string `json:"customerEmail,omitempty"`
	CustomerID    string `json:"customerId,omitempty"`
	UserID        string `json:"userId,omitempty"`
}

// CreateCustomerRequest is the body of POST /customers.
// When a repository is configured only UserID is read; the rest comes from the stored user.
type CreateCustomerRequest struct {
	UserID           string           `json:"userId"`
	Email            string           `json:"email,omitempty"`
	Name             string           `json:"name,omitempty"`
	Phone            string           `json:"phone,omitempty"`
	Address          *billing.Address `json:"address,omitempty"`
	StripeCustomerID string           `json:"stripeCustomerId,omitempty"`
}

// CreateCustomerResponse reports the customer bound to the user
type CreateCustomerResponse struct {
	CustomerID string `json:"customerId"`
	Created    bool   `json:"created"`
}

// AllCustomersResponse is returned by GET /customers/all
type AllCustomersResponse struct {
	Customers  []*billing.Customer `json:"customers"`
	TotalCount int                 `json:"totalCount"`
}

// LogsResponse wraps the raw event log for ?format=json
type LogsResponse struct {
	Logs string `json:"logs"`
}

// ErrorResponse is the body of every non-2xx JSON response
type ErrorResponse struct {
	Error string `json:"error"`
}
