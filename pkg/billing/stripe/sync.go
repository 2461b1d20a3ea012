package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subflow/pkg/billing"
)

// statusNone marks an entitlement for a user with no subscription upstream.
const statusNone = "none"

// SyncEntitlement rebuilds a user's entitlement from Stripe instead of waiting for
// the next webhook. The stored customer ID is used when the repository has one,
// otherwise the customer is found by its user_id metadata.
func (p *Provider) SyncEntitlement(ctx context.Context, userID string) (*billing.Entitlement, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", billing.ErrInvalidArgument)
	}

	customerID, err := p.resolveCustomerID(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := p.now()

	var ent *billing.Entitlement
	if customerID == "" {
		p.logger.Info("no stripe customer for user", billing.F("user_id", userID))
		ent = &billing.Entitlement{UserID: userID, Status: statusNone, UpdatedAt: now}
	} else {
		sub, err := p.currentSubscription(ctx, customerID)
		if err != nil {
			return nil, err
		}
		if sub == nil {
			ent = &billing.Entitlement{UserID: userID, CustomerID: customerID, Status: statusNone, UpdatedAt: now}
		} else if ent, err = p.resolveEntitlement(ctx, userID, sub, now); err != nil {
			return nil, err
		}
	}

	if err := p.upsertEntitlement(ctx, ent); err != nil {
		return nil, err
	}
	return ent, nil
}

func (p *Provider) resolveCustomerID(ctx context.Context, userID string) (string, error) {
	if p.repo != nil {
		user, err := p.repo.FindUserByID(ctx, userID)
		switch {
		case err == nil && user.StripeCustomerID != "":
			return user.StripeCustomerID, nil
		case err != nil && !errors.Is(err, billing.ErrUserNotFound):
			return "", err
		}
	}

	p.metrics.RecordAPICall(providerName, "/customers/search", "slow_path")
	return p.searchCustomerByUserID(ctx, userID)
}

// searchCustomerByUserID returns "" when no customer carries the user's metadata.
// Search results are eventually consistent, so a just-created customer can be missed.
func (p *Provider) searchCustomerByUserID(ctx context.Context, userID string) (string, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", metadataUserID, strings.ReplaceAll(userID, "'", `\'`))

	return call(ctx, p, "/customers/search", func(ctx context.Context) (string, error) {
		for cust, err := range p.stripeClient.V1Customers.Search(ctx, params) {
			if err != nil {
				return "", err
			}
			if !cust.Deleted && cust.Metadata[metadataUserID] == userID {
				return cust.ID, nil
			}
		}
		return "", nil
	})
}

// currentSubscription picks the newest subscription that grants access, falling
// back to the newest of any status. It returns nil when the customer has none.
func (p *Provider) currentSubscription(ctx context.Context, customerID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}

	return call(ctx, p, "/subscriptions/list", func(ctx context.Context) (*stripe.Subscription, error) {
		var granting, newest *stripe.Subscription
		for sub, err := range p.stripeClient.V1Subscriptions.List(ctx, params) {
			if err != nil {
				return nil, err
			}
			if newest == nil || sub.Created > newest.Created {
				newest = sub
			}
			if grantsAccess(sub.Status) && (granting == nil || sub.Created > granting.Created) {
				granting = sub
			}
		}
		if granting != nil {
			return granting, nil
		}
		return newest, nil
	})
}

func grantsAccess(status stripe.SubscriptionStatus) bool {
	return status == stripe.SubscriptionStatusActive || status == stripe.SubscriptionStatusTrialing
}
