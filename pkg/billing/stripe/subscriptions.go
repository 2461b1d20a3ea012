package stripe

import (
	"context"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subflow/pkg/billing"
)

const defaultProrationBehavior = "create_prorations"

// CreateSubscription creates a subscription whose first invoice is left incomplete
// so the client can confirm payment with the returned client secret.
// A supplied coupon or promotion code is validated before anything is created.
func (p *Provider) CreateSubscription(ctx context.Context, req billing.SubscriptionRequest) (*billing.SubscriptionResult, error) {
	if strings.TrimSpace(req.CustomerID) == "" || strings.TrimSpace(req.PriceID) == "" {
		return nil, fmt.Errorf("%w: customerId and priceId are required", billing.ErrInvalidArgument)
	}

	discount, err := p.resolveDiscount(ctx, req.CouponCode, req.PromotionCode)
	if err != nil {
		return nil, err
	}

	params := &stripe.SubscriptionCreateParams{
		Customer: stripe.String(req.CustomerID),
		Items: []*stripe.SubscriptionCreateItemParams{
			{Price: stripe.String(req.PriceID)},
		},
		PaymentBehavior: stripe.String("default_incomplete"),
	}
	params.AddExpand("latest_invoice.confirmation_secret")

	if discount != nil {
		params.Discounts = []*stripe.SubscriptionCreateDiscountParams{discount}
	}
	if req.TrialPeriodDays > 0 {
		params.TrialPeriodDays = stripe.Int64(req.TrialPeriodDays)
	}
	if req.BillingCycleAnchor > 0 {
		params.BillingCycleAnchor = stripe.Int64(req.BillingCycleAnchor)
		proration := req.ProrationBehavior
		if proration == "" {
			proration = defaultProrationBehavior
		}
		params.ProrationBehavior = stripe.String(proration)
	}
	for _, rate := range req.TaxRates {
		params.DefaultTaxRates = append(params.DefaultTaxRates, stripe.String(rate))
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	sub, err := call(ctx, p, "/subscriptions", func(ctx context.Context) (*stripe.Subscription, error) {
		return p.stripeClient.V1Subscriptions.Create(ctx, params)
	})
	if err != nil {
		return nil, err
	}

	result := &billing.SubscriptionResult{
		SubscriptionID: sub.ID,
		Status:         string(sub.Status),
	}
	if inv := sub.LatestInvoice; inv != nil {
		result.HostedInvoiceURL = inv.HostedInvoiceURL
		if inv.ConfirmationSecret != nil {
			result.ClientSecret = inv.ConfirmationSecret.ClientSecret
		}
	}
	return result, nil
}

// resolveDiscount turns a coupon code or a customer-facing promotion code into the
// discount to attach. A coupon takes precedence when both are given.
func (p *Provider) resolveDiscount(ctx context.Context, couponCode, promotionCode string) (*stripe.SubscriptionCreateDiscountParams, error) {
	couponCode = strings.TrimSpace(couponCode)
	promotionCode = strings.TrimSpace(promotionCode)

	if couponCode != "" {
		coupon, err := call(ctx, p, "/coupons/retrieve", func(ctx context.Context) (*stripe.Coupon, error) {
			return p.stripeClient.V1Coupons.Retrieve(ctx, couponCode, nil)
		})
		if err != nil {
			if isClientError(err) {
				return nil, fmt.Errorf("%w: %s", billing.ErrInvalidCoupon, couponCode)
			}
			return nil, err
		}
		if !coupon.Valid {
			return nil, fmt.Errorf("%w: %s", billing.ErrInvalidCoupon, couponCode)
		}
		return &stripe.SubscriptionCreateDiscountParams{Coupon: stripe.String(coupon.ID)}, nil
	}

	if promotionCode != "" {
		params := &stripe.PromotionCodeListParams{
			Code:   stripe.String(promotionCode),
			Active: stripe.Bool(true),
		}
		params.Limit = stripe.Int64(1)

		id, err := call(ctx, p, "/promotion_codes", func(ctx context.Context) (string, error) {
			for promo, err := range p.stripeClient.V1PromotionCodes.List(ctx, params) {
				if err != nil {
					return "", err
				}
				return promo.ID, nil
			}
			return "", nil
		})
		if err != nil {
			return nil, err
		}
		if id == "" {
			return nil, fmt.Errorf("%w: %s", billing.ErrInvalidCoupon, promotionCode)
		}
		return &stripe.SubscriptionCreateDiscountParams{PromotionCode: stripe.String(id)}, nil
	}

	return nil, nil
}
