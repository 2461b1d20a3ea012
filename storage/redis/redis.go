// Package redis provides Redis implementations of billing.Repository, billing.EventLedger
// and billing.EventSink. Conditional writes use Lua scripts for atomicity.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/subflow/pkg/billing"
)

// Storage implements billing.Repository, billing.EventLedger and billing.EventSink using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "subflow:")
	KeyPrefix string

	// ProcessedTTL is how long processed event IDs are remembered (default: 7 days).
	// Stripe stops redelivering an event after 3 days.
	ProcessedTTL time.Duration

	// MaxLogEntries bounds the event log list; older lines are trimmed (default: 10000)
	MaxLogEntries int64
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:     "subflow:",
		ProcessedTTL:  7 * 24 * time.Hour,
		MaxLogEntries: 10000,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	defaults := DefaultConfig()
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if config.ProcessedTTL <= 0 {
		config.ProcessedTTL = defaults.ProcessedTTL
	}
	if config.MaxLogEntries <= 0 {
		config.MaxLogEntries = defaults.MaxLogEntries
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Set the customer ID only on an existing user
	s.scripts["update_customer"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 0 then
			return 0
		end
		redis.call('HSET', KEYS[1], 'stripe_customer_id', ARGV[1])
		return 1
	`)

	// Replace the entitlement unless the stored one is newer
	s.scripts["upsert_entitlement"] = redis.NewScript(`
		local current = redis.call('HGET', KEYS[1], 'updated_at')
		if current and tonumber(current) > tonumber(ARGV[1]) then
			return 0
		end
		redis.call('HSET', KEYS[1],
			'updated_at', ARGV[1],
			'user_id', ARGV[2],
			'customer_id', ARGV[3],
			'subscription_id', ARGV[4],
			'price_id', ARGV[5],
			'status', ARGV[6],
			'active', ARGV[7])
		return 1
	`)
}

func (s *Storage) userKey(userID string) string {
	return s.config.KeyPrefix + "user:" + userID
}

func (s *Storage) entitlementKey(userID string) string {
	return s.config.KeyPrefix + "entitlement:" + userID
}

func (s *Storage) processedKey(eventID string) string {
	return s.config.KeyPrefix + "processed:" + eventID
}

func (s *Storage) eventLogKey() string {
	return s.config.KeyPrefix + "events"
}

// PutUser inserts or replaces a user.
func (s *Storage) PutUser(ctx context.Context, user *billing.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("%w: user id is required", billing.ErrInvalidArgument)
	}

	fields := map[string]interface{}{
		"id":                 user.ID,
		"email":              user.Email,
		"name":               user.Name,
		"phone":              user.Phone,
		"stripe_customer_id": user.StripeCustomerID,
		"address":            "",
	}
	if user.Address != nil {
		addr, err := json.Marshal(user.Address)
		if err != nil {
			return fmt.Errorf("failed to marshal address: %w", err)
		}
		fields["address"] = string(addr)
	}

	if err := s.client.HSet(ctx, s.userKey(user.ID), fields).Err(); err != nil {
		return fmt.Errorf("failed to store user: %w", err)
	}
	return nil
}

// FindUserByID implements billing.Repository
func (s *Storage) FindUserByID(ctx context.Context, userID string) (*billing.User, error) {
	data, err := s.client.HGetAll(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if len(data) == 0 {
		return nil, billing.ErrUserNotFound
	}

	user := &billing.User{
		ID:               data["id"],
		Email:            data["email"],
		Name:             data["name"],
		Phone:            data["phone"],
		StripeCustomerID: data["stripe_customer_id"],
	}
	if raw := data["address"]; raw != "" {
		var addr billing.Address
		if err := json.Unmarshal([]byte(raw), &addr); err != nil {
			return nil, fmt.Errorf("failed to unmarshal address: %w", err)
		}
		user.Address = &addr
	}
	return user, nil
}

// UpdateCustomerID implements billing.Repository
func (s *Storage) UpdateCustomerID(ctx context.Context, userID, customerID string) error {
	updated, err := s.scripts["update_customer"].Run(ctx, s.client, []string{s.userKey(userID)}, customerID).Int()
	if err != nil {
		return fmt.Errorf("failed to update customer id: %w", err)
	}
	if updated == 0 {
		return billing.ErrUserNotFound
	}
	return nil
}

// UpsertEntitlement implements billing.Repository. Writes older than the stored entitlement are ignored.
func (s *Storage) UpsertEntitlement(ctx context.Context, ent *billing.Entitlement) error {
	if ent == nil || ent.UserID == "" {
		return fmt.Errorf("%w: invalid entitlement", billing.ErrInvalidArgument)
	}

	updatedAt := ent.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	err := s.scripts["upsert_entitlement"].Run(ctx, s.client, []string{s.entitlementKey(ent.UserID)},
		updatedAt.UnixMilli(),
		ent.UserID,
		ent.CustomerID,
		ent.SubscriptionID,
		ent.PriceID,
		ent.Status,
		strconv.FormatBool(ent.Active),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to upsert entitlement: %w", err)
	}
	return nil
}

// GetEntitlement implements billing.Repository
func (s *Storage) GetEntitlement(ctx context.Context, userID string) (*billing.Entitlement, error) {
	data, err := s.client.HGetAll(ctx, s.entitlementKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	if len(data) == 0 {
		return nil, billing.ErrEntitlementNotFound
	}

	millis, err := strconv.ParseInt(data["updated_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt entitlement for %s: %w", userID, err)
	}
	active, _ := strconv.ParseBool(data["active"])

	return &billing.Entitlement{
		UserID:         data["user_id"],
		CustomerID:     data["customer_id"],
		SubscriptionID: data["subscription_id"],
		PriceID:        data["price_id"],
		Status:         data["status"],
		Active:         active,
		UpdatedAt:      time.UnixMilli(millis).UTC(),
	}, nil
}

// MarkProcessed implements billing.EventLedger with SET NX, so concurrent
// deliveries of one event race on a single key.
func (s *Storage) MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("%w: event id is required", billing.ErrInvalidArgument)
	}

	stored, err := s.client.SetNX(ctx, s.processedKey(eventID), eventType, s.config.ProcessedTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark event processed: %w", err)
	}
	return !stored, nil
}

// Forget implements billing.EventLedger
func (s *Storage) Forget(ctx context.Context, eventID string) error {
	if err := s.client.Del(ctx, s.processedKey(eventID)).Err(); err != nil {
		return fmt.Errorf("failed to forget event: %w", err)
	}
	return nil
}

// Append implements billing.EventSink. The log is a capped list holding the
// most recent MaxLogEntries lines.
func (s *Storage) Append(ctx context.Context, record billing.EventRecord) error {
	key := s.eventLogKey()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, record.Line())
		pipe.LTrim(ctx, key, -s.config.MaxLogEntries, -1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append event record: %w", err)
	}
	return nil
}

// ReadAll implements billing.EventSink
func (s *Storage) ReadAll(ctx context.Context) (string, error) {
	lines, err := s.client.LRange(ctx, s.eventLogKey(), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("failed to read event log: %w", err)
	}
	if len(lines) == 0 {
		return "", billing.ErrNotFound
	}
	return strings.Join(lines, ""), nil
}

var (
	_ billing.Repository  = (*Storage)(nil)
	_ billing.EventLedger = (*Storage)(nil)
	_ billing.EventSink   = (*Storage)(nil)
)
