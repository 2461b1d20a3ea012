package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subflow/pkg/billing"
)

const (
	defaultCustomerPageSize = 10
	maxCustomerPageSize     = 100
)

// GetOrCreateCustomer returns the Stripe customer for user. A stored customer ID is reused
// unless Stripe no longer knows it or reports it deleted; in that case a new customer is
// created and, when a repository is configured, persisted against the user.
func (p *Provider) GetOrCreateCustomer(ctx context.Context, user *billing.User) (string, bool, error) {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return "", false, fmt.Errorf("%w: user id is required", billing.ErrInvalidArgument)
	}
	if strings.TrimSpace(user.Email) == "" {
		return "", false, fmt.Errorf("%w: email is required", billing.ErrInvalidArgument)
	}

	if user.StripeCustomerID != "" {
		existing, err := p.retrieveCustomer(ctx, user.StripeCustomerID)
		switch {
		case err == nil && !existing.Deleted:
			return existing.ID, false, nil
		case err == nil:
			p.logger.Info("stored customer was deleted in stripe, creating a new one",
				billing.F("user_id", user.ID), billing.F("customer_id", user.StripeCustomerID))
		case errors.Is(err, billing.ErrNotFound):
			p.logger.Info("stored customer not found in stripe, creating a new one",
				billing.F("user_id", user.ID), billing.F("customer_id", user.StripeCustomerID))
		default:
			return "", false, err
		}
	}

	params := &stripe.CustomerCreateParams{
		Email:       stripe.String(user.Email),
		Description: stripe.String(fmt.Sprintf("Customer for user %s", user.ID)),
	}
	if user.Name != "" {
		params.Name = stripe.String(user.Name)
	}
	if user.Phone != "" {
		params.Phone = stripe.String(user.Phone)
	}
	if user.Address != nil {
		params.Address = &stripe.AddressParams{
			Line1:      stripe.String(user.Address.Street),
			City:       stripe.String(user.Address.City),
			PostalCode: stripe.String(user.Address.Zip),
			Country:    stripe.String(user.Address.Country),
		}
	}
	params.AddMetadata(metadataUserID, user.ID)
	params.AddMetadata("source", "subflow")
	params.SetIdempotencyKey(customerIdempotencyKey(user))

	created, err := call(ctx, p, "/customers", func(ctx context.Context) (*stripe.Customer, error) {
		return p.stripeClient.V1Customers.Create(ctx, params)
	})
	if err != nil {
		return "", false, err
	}

	if p.repo != nil {
		if err := p.repo.UpdateCustomerID(ctx, user.ID, created.ID); err != nil {
			return created.ID, true, fmt.Errorf("failed to store customer id: %w", err)
		}
	}
	return created.ID, true, nil
}

// customerIdempotencyKey derives the key from every field sent on create, so a
// retry reuses it and a changed profile gets a fresh one.
func customerIdempotencyKey(user *billing.User) string {
	fields := []string{user.ID, user.StripeCustomerID, user.Email, user.Name, user.Phone}
	if a := user.Address; a != nil {
		fields = append(fields, a.Street, a.City, a.Zip, a.Country)
	}
	return "customer-create-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(fields, "\x00"))).String()
}

func (p *Provider) retrieveCustomer(ctx context.Context, customerID string) (*stripe.Customer, error) {
	cust, err := call(ctx, p, "/customers/retrieve", func(ctx context.Context) (*stripe.Customer, error) {
		return p.stripeClient.V1Customers.Retrieve(ctx, customerID, nil)
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: customer %s", billing.ErrNotFound, customerID)
		}
		return nil, err
	}
	return cust, nil
}

// ListCustomers returns a single page of customers.
func (p *Provider) ListCustomers(ctx context.Context, req billing.CustomerListRequest) (*billing.CustomerPage, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultCustomerPageSize
	}
	if limit > maxCustomerPageSize {
		limit = maxCustomerPageSize
	}
	if req.StartingAfter != "" && req.EndingBefore != "" {
		return nil, fmt.Errorf("%w: startingAfter and endingBefore are mutually exclusive", billing.ErrInvalidArgument)
	}

	params := &stripe.CustomerListParams{}
	params.Context = ctx
	params.Single = true
	params.Limit = stripe.Int64(limit)
	if req.Email != "" {
		params.Email = stripe.String(req.Email)
	}
	if req.CreatedAfter > 0 {
		params.CreatedRange = &stripe.RangeQueryParams{GreaterThanOrEqual: req.CreatedAfter}
	}
	if req.StartingAfter != "" {
		params.StartingAfter = stripe.String(req.StartingAfter)
	}
	if req.EndingBefore != "" {
		params.EndingBefore = stripe.String(req.EndingBefore)
	}

	// One request per page: the page-level client exposes has_more, the
	// iterator on stripeClient does not.
	page, err := call(ctx, p, "/customers/list", func(ctx context.Context) (*billing.CustomerPage, error) {
		it := p.customers.List(params)
		page := &billing.CustomerPage{Customers: make([]*billing.Customer, 0, limit)}
		for it.Next() {
			page.Customers = append(page.Customers, toCustomer(it.Customer()))
		}
		if err := it.Err(); err != nil {
			return nil, err
		}
		page.HasMore = it.CustomerList().HasMore
		return page, nil
	})
	if err != nil {
		return nil, err
	}

	if n := len(page.Customers); n > 0 {
		page.LastID = page.Customers[n-1].ID
	}
	return page, nil
}

// ListAllCustomers pages through customers 100 at a time until maxCustomers are
// collected or Stripe reports no more data.
func (p *Provider) ListAllCustomers(ctx context.Context, maxCustomers int) ([]*billing.Customer, error) {
	if maxCustomers <= 0 {
		return nil, fmt.Errorf("%w: maxCustomers must be positive", billing.ErrInvalidArgument)
	}

	params := &stripe.CustomerListParams{}
	params.Limit = stripe.Int64(maxCustomerPageSize)

	return call(ctx, p, "/customers/list_all", func(ctx context.Context) ([]*billing.Customer, error) {
		customers := make([]*billing.Customer, 0, min(maxCustomers, maxCustomerPageSize))
		for cust, err := range p.stripeClient.V1Customers.List(ctx, params) {
			if err != nil {
				return nil, err
			}
			customers = append(customers, toCustomer(cust))
			if len(customers) >= maxCustomers {
				break
			}
		}
		return customers, nil
	})
}

func toCustomer(c *stripe.Customer) *billing.Customer {
	return &billing.Customer{
		ID:       c.ID,
		Email:    c.Email,
		Name:     c.Name,
		Created:  c.Created,
		Metadata: c.Metadata,
	}
}
