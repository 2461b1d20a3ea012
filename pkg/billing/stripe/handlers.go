package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subflow/pkg/billing"
)

type eventHandler func(ctx context.Context, event *stripe.Event) error

func (p *Provider) eventHandlers() map[stripe.EventType]eventHandler {
	return map[stripe.EventType]eventHandler{
		stripe.EventTypeCheckoutSessionCompleted:    p.handleCheckoutSessionCompleted,
		stripe.EventTypeCustomerSubscriptionCreated: p.handleSubscriptionChanged,
		stripe.EventTypeCustomerSubscriptionUpdated: p.handleSubscriptionChanged,
		stripe.EventTypeCustomerSubscriptionDeleted: p.handleSubscriptionDeleted,
		stripe.EventTypeInvoicePaymentSucceeded:     p.handleInvoicePaid,
		stripe.EventTypeInvoicePaid:                 p.handleInvoicePaid,
		stripe.EventTypeInvoicePaymentFailed:        p.handleInvoicePaymentFailed,
	}
}

// handleCheckoutSessionCompleted links the customer to the user, makes sure the
// subscription carries user_id for later events, then grants access right away.
func (p *Provider) handleCheckoutSessionCompleted(ctx context.Context, event *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("%w: checkout session: %v", billing.ErrInvalidWebhookPayload, err)
	}

	subscriptionID := ""
	if session.Subscription != nil {
		subscriptionID = session.Subscription.ID
	}
	if subscriptionID == "" {
		// Not a subscription checkout
		return nil
	}

	userID := session.Metadata[metadataUserID]
	if userID == "" {
		userID = session.ClientReferenceID
	}

	sub, err := p.retrieveSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}

	if userID == "" {
		if userID, err = p.userIDFromSubscription(ctx, sub); err != nil {
			return err
		}
	} else if sub.Metadata[metadataUserID] == "" {
		params := &stripe.SubscriptionUpdateParams{}
		params.AddMetadata(metadataUserID, userID)
		sub, err = call(ctx, p, "/subscriptions/update", func(ctx context.Context) (*stripe.Subscription, error) {
			return p.stripeClient.V1Subscriptions.Update(ctx, subscriptionID, params)
		})
		if err != nil {
			return fmt.Errorf("failed to patch subscription metadata: %w", err)
		}
	}

	if p.repo != nil && session.Customer != nil && session.Customer.ID != "" {
		if err := p.repo.UpdateCustomerID(ctx, userID, session.Customer.ID); err != nil && !errors.Is(err, billing.ErrUserNotFound) {
			return fmt.Errorf("failed to link customer to user: %w", err)
		}
	}

	return p.applySubscription(ctx, userID, sub, eventTime(event))
}

// handleSubscriptionChanged handles customer.subscription.created and .updated.
func (p *Provider) handleSubscriptionChanged(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("%w: subscription: %v", billing.ErrInvalidWebhookPayload, err)
	}

	userID, err := p.userIDFromSubscription(ctx, &sub)
	if err != nil {
		return err
	}
	return p.applySubscription(ctx, userID, &sub, eventTime(event))
}

func (p *Provider) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("%w: subscription: %v", billing.ErrInvalidWebhookPayload, err)
	}

	userID, err := p.userIDFromSubscription(ctx, &sub)
	if err != nil {
		return err
	}

	ent := entitlementFor(userID, &sub, eventTime(event))
	ent.Status = string(stripe.SubscriptionStatusCanceled)
	ent.Active = false
	return p.upsertEntitlement(ctx, ent)
}

// handleInvoicePaid re-reads the invoice's subscription so the stored period and
// status follow the renewal.
func (p *Provider) handleInvoicePaid(ctx context.Context, event *stripe.Event) error {
	subscriptionID, err := subscriptionIDFromInvoice(event.Data.Raw)
	if err != nil {
		return err
	}
	if subscriptionID == "" {
		// One-off invoice
		return nil
	}

	sub, err := p.retrieveSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	userID, err := p.userIDFromSubscription(ctx, sub)
	if err != nil {
		return err
	}
	return p.applySubscription(ctx, userID, sub, eventTime(event))
}

// handleInvoicePaymentFailed leaves access untouched: Stripe moves the subscription
// to past_due or unpaid and the resulting subscription.updated event decides.
func (p *Provider) handleInvoicePaymentFailed(_ context.Context, event *stripe.Event) error {
	subscriptionID, err := subscriptionIDFromInvoice(event.Data.Raw)
	if err != nil {
		return err
	}
	p.logger.Warn("invoice payment failed",
		billing.F("event_id", event.ID),
		billing.F("customer_id", customerIDFromEvent(event)),
		billing.F("subscription_id", subscriptionID),
	)
	return nil
}

func (p *Provider) retrieveSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	sub, err := call(ctx, p, "/subscriptions/retrieve", func(ctx context.Context) (*stripe.Subscription, error) {
		return p.stripeClient.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch subscription %s: %w", subscriptionID, err)
	}
	return sub, nil
}

// userIDFromSubscription reads user_id from subscription metadata, then from the customer's.
func (p *Provider) userIDFromSubscription(ctx context.Context, sub *stripe.Subscription) (string, error) {
	if userID := sub.Metadata[metadataUserID]; userID != "" {
		return userID, nil
	}

	if sub.Customer != nil && sub.Customer.ID != "" {
		cust, err := p.retrieveCustomer(ctx, sub.Customer.ID)
		if err != nil && !errors.Is(err, billing.ErrNotFound) {
			return "", err
		}
		if cust != nil {
			if userID := cust.Metadata[metadataUserID]; userID != "" {
				return userID, nil
			}
		}
	}

	return "", fmt.Errorf("%w: metadata.user_id missing on subscription %s", billing.ErrInvalidWebhookPayload, sub.ID)
}

// applySubscription stores the entitlement a subscription in its current status implies.
// Statuses that neither grant nor revoke keep whatever access was stored before.
func (p *Provider) applySubscription(ctx context.Context, userID string, sub *stripe.Subscription, at time.Time) error {
	ent, err := p.resolveEntitlement(ctx, userID, sub, at)
	if err != nil {
		return err
	}
	return p.upsertEntitlement(ctx, ent)
}

func (p *Provider) resolveEntitlement(ctx context.Context, userID string, sub *stripe.Subscription, at time.Time) (*billing.Entitlement, error) {
	ent := entitlementFor(userID, sub, at)

	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		ent.Active = true
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusIncompleteExpired:
		ent.Active = false
	default:
		if p.repo != nil {
			existing, err := p.repo.GetEntitlement(ctx, userID)
			if err != nil && !errors.Is(err, billing.ErrEntitlementNotFound) {
				return nil, err
			}
			if existing != nil {
				ent.Active = existing.Active
			}
		}
	}
	return ent, nil
}

func (p *Provider) upsertEntitlement(ctx context.Context, ent *billing.Entitlement) error {
	if p.repo == nil {
		p.logger.Info("no repository configured, entitlement change not stored",
			billing.F("user_id", ent.UserID),
			billing.F("status", ent.Status),
			billing.F("active", ent.Active),
		)
		return nil
	}

	if err := p.repo.UpsertEntitlement(ctx, ent); err != nil {
		return fmt.Errorf("failed to store entitlement for %s: %w", ent.UserID, err)
	}

	action := "revoke"
	if ent.Active {
		action = "grant"
	}
	p.metrics.RecordEntitlementChange(providerName, action)
	p.logger.Info("entitlement updated",
		billing.F("user_id", ent.UserID),
		billing.F("subscription_id", ent.SubscriptionID),
		billing.F("status", ent.Status),
		billing.F("active", ent.Active),
	)
	return nil
}

func entitlementFor(userID string, sub *stripe.Subscription, at time.Time) *billing.Entitlement {
	ent := &billing.Entitlement{
		UserID:         userID,
		SubscriptionID: sub.ID,
		Status:         string(sub.Status),
		UpdatedAt:      at,
	}
	if sub.Customer != nil {
		ent.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.Price != nil && item.Price.ID != "" {
				ent.PriceID = item.Price.ID
				break
			}
		}
	}
	return ent
}

// subscriptionIDFromInvoice reads the invoice's subscription from the top-level
// field or, on newer API versions, from parent.subscription_details.
func subscriptionIDFromInvoice(raw json.RawMessage) (string, error) {
	var invoice struct {
		Subscription json.RawMessage `json:"subscription"`
		Parent       *struct {
			SubscriptionDetails *struct {
				Subscription json.RawMessage `json:"subscription"`
			} `json:"subscription_details"`
		} `json:"parent"`
	}
	if err := json.Unmarshal(raw, &invoice); err != nil {
		return "", fmt.Errorf("%w: invoice: %v", billing.ErrInvalidWebhookPayload, err)
	}

	if id := expandableID(invoice.Subscription); id != "" {
		return id, nil
	}
	if invoice.Parent != nil && invoice.Parent.SubscriptionDetails != nil {
		return expandableID(invoice.Parent.SubscriptionDetails.Subscription), nil
	}
	return "", nil
}

func eventTime(event *stripe.Event) time.Time {
	if event.Created == 0 {
		return time.Now().UTC()
	}
	return time.Unix(event.Created, 0).UTC()
}
