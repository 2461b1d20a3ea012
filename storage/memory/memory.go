// Package memory provides an in-memory implementation of billing.Repository and billing.EventLedger.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/subflow/pkg/billing"
)

// Storage implements billing.Repository and billing.EventLedger using in-memory maps
type Storage struct {
	mu           sync.RWMutex
	users        map[string]*billing.User
	entitlements map[string]*billing.Entitlement
	processed    map[string]processedEvent
}

type processedEvent struct {
	eventType   string
	processedAt time.Time
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		users:        make(map[string]*billing.User),
		entitlements: make(map[string]*billing.Entitlement),
		processed:    make(map[string]processedEvent),
	}
}

// PutUser inserts or replaces a user.
func (s *Storage) PutUser(_ context.Context, user *billing.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("%w: user id is required", billing.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to prevent external mutations
	userCopy := copyUser(user)
	s.users[user.ID] = userCopy
	return nil
}

// FindUserByID implements billing.Repository
func (s *Storage) FindUserByID(_ context.Context, userID string) (*billing.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, billing.ErrUserNotFound
	}
	return copyUser(user), nil
}

// UpdateCustomerID implements billing.Repository
func (s *Storage) UpdateCustomerID(_ context.Context, userID, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return billing.ErrUserNotFound
	}
	user.StripeCustomerID = customerID
	return nil
}

// UpsertEntitlement implements billing.Repository. Writes older than the stored entitlement are ignored.
func (s *Storage) UpsertEntitlement(_ context.Context, ent *billing.Entitlement) error {
	if ent == nil || ent.UserID == "" {
		return fmt.Errorf("%w: invalid entitlement", billing.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entitlements[ent.UserID]; ok && ent.UpdatedAt.Before(existing.UpdatedAt) {
		return nil
	}

	entCopy := *ent
	s.entitlements[ent.UserID] = &entCopy
	return nil
}

// GetEntitlement implements billing.Repository
func (s *Storage) GetEntitlement(_ context.Context, userID string) (*billing.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ent, ok := s.entitlements[userID]
	if !ok {
		return nil, billing.ErrEntitlementNotFound
	}

	// Return a copy to prevent external mutations
	entCopy := *ent
	return &entCopy, nil
}

// MarkProcessed implements billing.EventLedger
func (s *Storage) MarkProcessed(_ context.Context, eventID, eventType string) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("%w: event id is required", billing.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.processed[eventID]; ok {
		return true, nil
	}
	s.processed[eventID] = processedEvent{eventType: eventType, processedAt: time.Now().UTC()}
	return false, nil
}

// Forget implements billing.EventLedger
func (s *Storage) Forget(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.processed, eventID)
	return nil
}

func copyUser(u *billing.User) *billing.User {
	userCopy := *u
	if u.Address != nil {
		addr := *u.Address
		userCopy.Address = &addr
	}
	return &userCopy
}

var (
	_ billing.Repository  = (*Storage)(nil)
	_ billing.EventLedger = (*Storage)(nil)
)
