// Package firestore provides a Google Cloud Firestore implementation of
// billing.Repository and billing.EventLedger.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/subflow/pkg/billing"
)

// Storage implements billing.Repository and billing.EventLedger using Firestore
type Storage struct {
	client                 *firestore.Client
	usersCollection        string
	entitlementsCollection string
	eventsCollection       string
}

// Config holds Firestore storage configuration
type Config struct {
	// UsersCollection holds one document per user, keyed by user ID
	// Default: "billing_users"
	UsersCollection string

	// EntitlementsCollection holds one document per user, keyed by user ID
	// Default: "billing_entitlements"
	EntitlementsCollection string

	// EventsCollection holds one document per processed Stripe event ID
	// Default: "billing_processed_events"
	EventsCollection string
}

// New creates a new Firestore storage adapter. The client stays owned by the caller.
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.UsersCollection == "" {
		config.UsersCollection = "billing_users"
	}
	if config.EntitlementsCollection == "" {
		config.EntitlementsCollection = "billing_entitlements"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "billing_processed_events"
	}

	return &Storage{
		client:                 client,
		usersCollection:        config.UsersCollection,
		entitlementsCollection: config.EntitlementsCollection,
		eventsCollection:       config.EventsCollection,
	}, nil
}

// PutUser inserts or replaces a user.
func (s *Storage) PutUser(ctx context.Context, user *billing.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("%w: user id is required", billing.ErrInvalidArgument)
	}

	data := map[string]interface{}{
		"email":            user.Email,
		"name":             user.Name,
		"phone":            user.Phone,
		"stripeCustomerId": user.StripeCustomerID,
	}
	if a := user.Address; a != nil {
		data["address"] = map[string]interface{}{
			"street":  a.Street,
			"city":    a.City,
			"zip":     a.Zip,
			"country": a.Country,
		}
	}

	if _, err := s.client.Collection(s.usersCollection).Doc(user.ID).Set(ctx, data); err != nil {
		return fmt.Errorf("failed to store user: %w", err)
	}
	return nil
}

// FindUserByID implements billing.Repository
func (s *Storage) FindUserByID(ctx context.Context, userID string) (*billing.User, error) {
	snap, err := s.client.Collection(s.usersCollection).Doc(userID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, billing.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	data := snap.Data()
	user := &billing.User{
		ID:               userID,
		Email:            getString(data, "email"),
		Name:             getString(data, "name"),
		Phone:            getString(data, "phone"),
		StripeCustomerID: getString(data, "stripeCustomerId"),
	}
	if addr, ok := data["address"].(map[string]interface{}); ok {
		user.Address = &billing.Address{
			Street:  getString(addr, "street"),
			City:    getString(addr, "city"),
			Zip:     getString(addr, "zip"),
			Country: getString(addr, "country"),
		}
	}
	return user, nil
}

// UpdateCustomerID implements billing.Repository
func (s *Storage) UpdateCustomerID(ctx context.Context, userID, customerID string) error {
	_, err := s.client.Collection(s.usersCollection).Doc(userID).Update(ctx, []firestore.Update{
		{Path: "stripeCustomerId", Value: customerID},
	})
	if status.Code(err) == codes.NotFound {
		return billing.ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update customer id: %w", err)
	}
	return nil
}

// UpsertEntitlement implements billing.Repository. The read and the write share a
// transaction, so a write older than the stored entitlement is dropped even when
// deliveries race.
func (s *Storage) UpsertEntitlement(ctx context.Context, ent *billing.Entitlement) error {
	if ent == nil || ent.UserID == "" {
		return fmt.Errorf("%w: invalid entitlement", billing.ErrInvalidArgument)
	}

	updatedAt := ent.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	doc := s.client.Collection(s.entitlementsCollection).Doc(ent.UserID)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if snap != nil && snap.Exists() && getTime(snap.Data(), "updatedAt").After(updatedAt) {
			return nil
		}

		return tx.Set(doc, map[string]interface{}{
			"customerId":     ent.CustomerID,
			"subscriptionId": ent.SubscriptionID,
			"priceId":        ent.PriceID,
			"status":         ent.Status,
			"active":         ent.Active,
			"updatedAt":      updatedAt,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to upsert entitlement: %w", err)
	}
	return nil
}

// GetEntitlement implements billing.Repository
func (s *Storage) GetEntitlement(ctx context.Context, userID string) (*billing.Entitlement, error) {
	snap, err := s.client.Collection(s.entitlementsCollection).Doc(userID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, billing.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}

	data := snap.Data()
	return &billing.Entitlement{
		UserID:         userID,
		CustomerID:     getString(data, "customerId"),
		SubscriptionID: getString(data, "subscriptionId"),
		PriceID:        getString(data, "priceId"),
		Status:         getString(data, "status"),
		Active:         getBool(data, "active"),
		UpdatedAt:      getTime(data, "updatedAt"),
	}, nil
}

// MarkProcessed implements billing.EventLedger. Create fails with AlreadyExists
// when the document is present, which makes the check and the insert one step.
func (s *Storage) MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("%w: event id is required", billing.ErrInvalidArgument)
	}

	_, err := s.client.Collection(s.eventsCollection).Doc(eventID).Create(ctx, map[string]interface{}{
		"eventType":   eventType,
		"processedAt": firestore.ServerTimestamp,
	})
	if status.Code(err) == codes.AlreadyExists {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to mark event processed: %w", err)
	}
	return false, nil
}

// Forget implements billing.EventLedger
func (s *Storage) Forget(ctx context.Context, eventID string) error {
	if _, err := s.client.Collection(s.eventsCollection).Doc(eventID).Delete(ctx); err != nil {
		return fmt.Errorf("failed to forget event: %w", err)
	}
	return nil
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

var (
	_ billing.Repository  = (*Storage)(nil)
	_ billing.EventLedger = (*Storage)(nil)
)
