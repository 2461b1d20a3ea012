package billing

import (
	"context"
	"time"
)

// Address is a postal address attached to a user and forwarded to the provider's customer record.
type Address struct {
	Street  string `json:"street,omitempty"`
	City    string `json:"city,omitempty"`
	Zip     string `json:"zip,omitempty"`
	Country string `json:"country,omitempty"`
}

// User is the application's view of an account that can purchase subscriptions.
type User struct {
	ID               string   `json:"id"`
	Email            string   `json:"email"`
	Name             string   `json:"name,omitempty"`
	Phone            string   `json:"phone,omitempty"`
	Address          *Address `json:"address,omitempty"`
	StripeCustomerID string   `json:"stripeCustomerId,omitempty"`
}

// Entitlement is the access state granted to a user by a subscription.
type Entitlement struct {
	UserID         string    `json:"userId"`
	CustomerID     string    `json:"customerId,omitempty"`
	SubscriptionID string    `json:"subscriptionId,omitempty"`
	PriceID        string    `json:"priceId,omitempty"`
	Status         string    `json:"status"`
	Active         bool      `json:"active"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Repository is the persistence collaborator the webhook handlers and the
// customer adapter depend on. The provider remains the system of record; the
// repository only mirrors what the application needs to grant access.
type Repository interface {
	// FindUserByID returns the user or ErrUserNotFound.
	FindUserByID(ctx context.Context, userID string) (*User, error)

	// UpdateCustomerID stores the provider customer ID for a user.
	UpdateCustomerID(ctx context.Context, userID, customerID string) error

	// UpsertEntitlement inserts or replaces the entitlement for ent.UserID.
	// Implementations must ignore writes older than the stored UpdatedAt.
	UpsertEntitlement(ctx context.Context, ent *Entitlement) error

	// GetEntitlement returns the stored entitlement or ErrEntitlementNotFound.
	GetEntitlement(ctx context.Context, userID string) (*Entitlement, error)
}

// Grants reports whether the entitlement gives access. When priceIDs are given the
// subscription must also be on one of them.
func (e *Entitlement) Grants(priceIDs ...string) bool {
	if e == nil || !e.Active {
		return false
	}
	if len(priceIDs) == 0 {
		return true
	}
	for _, id := range priceIDs {
		if id == e.PriceID {
			return true
		}
	}
	return false
}
