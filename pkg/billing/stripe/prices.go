package stripe

import (
	"context"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subflow/pkg/billing"
)

// ListPrices returns every active price with its product expanded.
func (p *Provider) ListPrices(ctx context.Context) ([]*billing.Price, error) {
	params := &stripe.PriceListParams{
		Active: stripe.Bool(true),
	}
	params.Limit = stripe.Int64(100)
	params.AddExpand("data.product")

	return call(ctx, p, "/prices", func(ctx context.Context) ([]*billing.Price, error) {
		prices := make([]*billing.Price, 0)
		for price, err := range p.stripeClient.V1Prices.List(ctx, params) {
			if err != nil {
				return nil, err
			}
			prices = append(prices, toPrice(price))
		}
		return prices, nil
	})
}

func toPrice(sp *stripe.Price) *billing.Price {
	price := &billing.Price{
		ID:         sp.ID,
		Active:     sp.Active,
		Currency:   string(sp.Currency),
		UnitAmount: sp.UnitAmount,
		Nickname:   sp.Nickname,
		LookupKey:  sp.LookupKey,
		Type:       string(sp.Type),
	}
	if sp.Recurring != nil {
		price.Recurring = &billing.Recurring{
			Interval:        string(sp.Recurring.Interval),
			IntervalCount:   sp.Recurring.IntervalCount,
			TrialPeriodDays: sp.Recurring.TrialPeriodDays,
		}
	}
	if sp.Product != nil {
		price.Product = &billing.Product{
			ID:          sp.Product.ID,
			Name:        sp.Product.Name,
			Description: sp.Product.Description,
			Active:      sp.Product.Active,
			Images:      sp.Product.Images,
			Metadata:    sp.Product.Metadata,
		}
	}
	return price
}
