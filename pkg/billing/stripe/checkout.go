package stripe

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v83"
	"golang.org/x/sync/singleflight"

	"github.com/mihaimyh/subflow/pkg/billing"
)

const (
	successPath = "/subscription/success?session_id={CHECKOUT_SESSION_ID}"
	cancelPath  = "/subscription/canceled"
)

// CreateCheckoutSession creates a hosted Checkout Session in subscription mode for one price.
// Calls sharing an idempotency key are collapsed into one upstream request, and the key is
// forwarded to Stripe so retries across processes also create a single session.
func (p *Provider) CreateCheckoutSession(ctx context.Context, req billing.CheckoutRequest) (*billing.CheckoutSession, error) {
	priceID := strings.TrimSpace(req.PriceID)
	if priceID == "" {
		return nil, fmt.Errorf("%w: priceId is required", billing.ErrInvalidArgument)
	}

	baseURL := strings.TrimRight(strings.TrimSpace(p.config.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: missing application base URL", billing.ErrConfiguration)
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(baseURL + successPath),
		CancelURL:  stripe.String(baseURL + cancelPath),
	}
	params.SetIdempotencyKey(key)

	switch {
	case req.CustomerID != "":
		params.Customer = stripe.String(req.CustomerID)
	case req.CustomerEmail != "":
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}

	// user_id on both the session and the subscription lets every later event
	// resolve the user without a lookup.
	if req.UserID != "" {
		params.ClientReferenceID = stripe.String(req.UserID)
		params.AddMetadata(metadataUserID, req.UserID)
		params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
		params.SubscriptionData.AddMetadata(metadataUserID, req.UserID)
	}

	// The upstream request is shared by every collapsed caller, so it must not
	// end when the caller that started it goes away.
	flightCtx := context.WithoutCancel(ctx)
	results := p.checkoutFlight.DoChan(key, func() (interface{}, error) {
		return call(flightCtx, p, "/checkout/sessions", func(ctx context.Context) (*stripe.CheckoutSession, error) {
			return p.stripeClient.V1CheckoutSessions.Create(ctx, params)
		})
	})

	var res singleflight.Result
	select {
	case res = <-results:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Shared {
		p.logger.Debug("checkout session request collapsed", billing.F("idempotency_key", key))
	}

	session := res.Val.(*stripe.CheckoutSession)
	return &billing.CheckoutSession{
		SessionID:   session.ID,
		RedirectURL: session.URL,
	}, nil
}

// RetrieveCheckoutSession resolves the session the browser returned with after checkout.
func (p *Provider) RetrieveCheckoutSession(ctx context.Context, sessionID string) (*billing.SessionSummary, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", billing.ErrInvalidArgument)
	}

	params := &stripe.CheckoutSessionRetrieveParams{}
	params.AddExpand("subscription")
	params.AddExpand("customer")

	session, err := call(ctx, p, "/checkout/sessions/retrieve", func(ctx context.Context) (*stripe.CheckoutSession, error) {
		return p.stripeClient.V1CheckoutSessions.Retrieve(ctx, sessionID, params)
	})
	if err != nil {
		return nil, err
	}

	summary := &billing.SessionSummary{
		SessionID: session.ID,
		Status:    string(session.Status),
	}
	switch {
	case session.CustomerDetails != nil && session.CustomerDetails.Email != "":
		summary.CustomerEmail = session.CustomerDetails.Email
	case session.Customer != nil && session.Customer.Email != "":
		summary.CustomerEmail = session.Customer.Email
	default:
		summary.CustomerEmail = session.CustomerEmail
	}
	if session.Subscription != nil {
		summary.SubscriptionID = session.Subscription.ID
		summary.SubscriptionStatus = string(session.Subscription.Status)
	}
	return summary, nil
}
