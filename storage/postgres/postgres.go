// Package postgres provides a PostgreSQL implementation of billing.Repository and billing.EventLedger.
// Conditional writes are single statements (INSERT ... ON CONFLICT) so they are atomic without explicit transactions.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/subflow/pkg/billing"
)

// Storage implements billing.Repository and billing.EventLedger using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	ProcessedTTL    time.Duration // How long processed event IDs are kept
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: 1 * time.Hour,
		ProcessedTTL:    7 * 24 * time.Hour,
	}
}

// schema is applied by Migrate. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id                 TEXT PRIMARY KEY,
		email              TEXT NOT NULL,
		name               TEXT NOT NULL DEFAULT '',
		phone              TEXT NOT NULL DEFAULT '',
		address            JSONB,
		stripe_customer_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS entitlements (
		user_id         TEXT PRIMARY KEY,
		customer_id     TEXT NOT NULL DEFAULT '',
		subscription_id TEXT NOT NULL DEFAULT '',
		price_id        TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL,
		active          BOOLEAN NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS processed_events (
		event_id     TEXT PRIMARY KEY,
		event_type   TEXT NOT NULL,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS processed_events_processed_at_idx ON processed_events (processed_at)`,
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	// Parse connection string
	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Apply pool settings
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}
	if config.ProcessedTTL <= 0 {
		config.ProcessedTTL = DefaultConfig().ProcessedTTL
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())

	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled && config.CleanupInterval > 0 {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Migrate creates the tables the storage needs.
func (s *Storage) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// PutUser inserts or replaces a user.
func (s *Storage) PutUser(ctx context.Context, user *billing.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("%w: user id is required", billing.ErrInvalidArgument)
	}

	var address []byte
	if user.Address != nil {
		var err error
		if address, err = json.Marshal(user.Address); err != nil {
			return fmt.Errorf("failed to marshal address: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, name, phone, address, stripe_customer_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				email = EXCLUDED.email,
				name = EXCLUDED.name,
				phone = EXCLUDED.phone,
				address = EXCLUDED.address,
				stripe_customer_id = EXCLUDED.stripe_customer_id`,
		user.ID, user.Email, user.Name, user.Phone, address, user.StripeCustomerID,
	)
	if err != nil {
		return fmt.Errorf("failed to store user: %w", err)
	}
	return nil
}

// FindUserByID implements billing.Repository
func (s *Storage) FindUserByID(ctx context.Context, userID string) (*billing.User, error) {
	var user billing.User
	var address []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, email, name, phone, address, stripe_customer_id FROM users WHERE id = $1`,
		userID).Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.Phone,
		&address,
		&user.StripeCustomerID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if len(address) > 0 {
		var addr billing.Address
		if err := json.Unmarshal(address, &addr); err != nil {
			return nil, fmt.Errorf("failed to unmarshal address: %w", err)
		}
		user.Address = &addr
	}
	return &user, nil
}

// UpdateCustomerID implements billing.Repository
func (s *Storage) UpdateCustomerID(ctx context.Context, userID, customerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET stripe_customer_id = $2 WHERE id = $1`,
		userID, customerID,
	)
	if err != nil {
		return fmt.Errorf("failed to update customer id: %w", err)
	}
	if tag.RowsAffected() == 0 {
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
		updatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO entitlements (user_id, customer_id, subscription_id, price_id, status, active, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (user_id) DO UPDATE SET
				customer_id = EXCLUDED.customer_id,
				subscription_id = EXCLUDED.subscription_id,
				price_id = EXCLUDED.price_id,
				status = EXCLUDED.status,
				active = EXCLUDED.active,
				updated_at = EXCLUDED.updated_at
			WHERE entitlements.updated_at <= EXCLUDED.updated_at`,
		ent.UserID, ent.CustomerID, ent.SubscriptionID, ent.PriceID, ent.Status, ent.Active, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert entitlement: %w", err)
	}
	return nil
}

// GetEntitlement implements billing.Repository
func (s *Storage) GetEntitlement(ctx context.Context, userID string) (*billing.Entitlement, error) {
	var ent billing.Entitlement

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, customer_id, subscription_id, price_id, status, active, updated_at
			FROM entitlements WHERE user_id = $1`,
		userID).Scan(
		&ent.UserID,
		&ent.CustomerID,
		&ent.SubscriptionID,
		&ent.PriceID,
		&ent.Status,
		&ent.Active,
		&ent.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	return &ent, nil
}

// MarkProcessed implements billing.EventLedger
func (s *Storage) MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("%w: event id is required", billing.ErrInvalidArgument)
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2)
			ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark event processed: %w", err)
	}
	return tag.RowsAffected() == 0, nil
}

// Forget implements billing.EventLedger
func (s *Storage) Forget(ctx context.Context, eventID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM processed_events WHERE event_id = $1`, eventID); err != nil {
		return fmt.Errorf("failed to forget event: %w", err)
	}
	return nil
}

// startCleanup periodically drops processed event IDs older than ProcessedTTL.
// It stops when Close cancels ctx.
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Errors are retried on the next tick
			_, _ = s.cleanupProcessedEvents(ctx)
		}
	}
}

// cleanupProcessedEvents deletes expired ledger rows and returns how many were removed.
func (s *Storage) cleanupProcessedEvents(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.config.ProcessedTTL)
	tag, err := s.pool.Exec(ctx, `DELETE FROM processed_events WHERE processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up processed events: %w", err)
	}
	return tag.RowsAffected(), nil
}

var (
	_ billing.Repository  = (*Storage)(nil)
	_ billing.EventLedger = (*Storage)(nil)
)
