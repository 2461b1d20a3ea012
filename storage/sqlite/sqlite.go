// Package sqlite provides an embedded SQLite implementation of billing.Repository and billing.EventLedger.
// It targets single-instance deployments; use the postgres or redis packages when several replicas share state.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/mihaimyh/subflow/pkg/billing"
)

// DefaultPath is used when no database path is configured.
const DefaultPath = "data/subflow.db"

var schema = `
CREATE TABLE IF NOT EXISTS users (
	id                 TEXT PRIMARY KEY,
	email              TEXT NOT NULL,
	name               TEXT NOT NULL DEFAULT '',
	phone              TEXT NOT NULL DEFAULT '',
	address            TEXT,
	stripe_customer_id TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS entitlements (
	user_id         TEXT PRIMARY KEY,
	customer_id     TEXT NOT NULL DEFAULT '',
	subscription_id TEXT NOT NULL DEFAULT '',
	price_id        TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	active          INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS processed_events (
	event_id     TEXT PRIMARY KEY,
	event_type   TEXT NOT NULL,
	processed_at INTEGER NOT NULL
);
`

// Storage implements billing.Repository and billing.EventLedger on a SQLite database.
type Storage struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Storage, error) {
	if path == "" {
		path = DefaultPath
	}

	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?"
		} else {
			dsn += "&"
		}
		dsn += "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// One writer at a time; this also keeps ":memory:" on a single shared connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Storage{db: db}, nil
}

// Close closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}

// PutUser inserts or replaces a user.
func (s *Storage) PutUser(ctx context.Context, user *billing.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("%w: user id is required", billing.ErrInvalidArgument)
	}

	var address sql.NullString
	if user.Address != nil {
		data, err := json.Marshal(user.Address)
		if err != nil {
			return fmt.Errorf("failed to marshal address: %w", err)
		}
		address = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, phone, address, stripe_customer_id)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				email = excluded.email,
				name = excluded.name,
				phone = excluded.phone,
				address = excluded.address,
				stripe_customer_id = excluded.stripe_customer_id`,
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
	var address sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, phone, address, stripe_customer_id FROM users WHERE id = ?`,
		userID).Scan(&user.ID, &user.Email, &user.Name, &user.Phone, &address, &user.StripeCustomerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if address.Valid && address.String != "" {
		var addr billing.Address
		if err := json.Unmarshal([]byte(address.String), &addr); err != nil {
			return nil, fmt.Errorf("failed to unmarshal address: %w", err)
		}
		user.Address = &addr
	}
	return &user, nil
}

// UpdateCustomerID implements billing.Repository
func (s *Storage) UpdateCustomerID(ctx context.Context, userID, customerID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET stripe_customer_id = ? WHERE id = ?`, customerID, userID)
	if err != nil {
		return fmt.Errorf("failed to update customer id: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update customer id: %w", err)
	}
	if n == 0 {
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

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entitlements (user_id, customer_id, subscription_id, price_id, status, active, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET
				customer_id = excluded.customer_id,
				subscription_id = excluded.subscription_id,
				price_id = excluded.price_id,
				status = excluded.status,
				active = excluded.active,
				updated_at = excluded.updated_at
			WHERE entitlements.updated_at <= excluded.updated_at`,
		ent.UserID, ent.CustomerID, ent.SubscriptionID, ent.PriceID, ent.Status, ent.Active, updatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert entitlement: %w", err)
	}
	return nil
}

// GetEntitlement implements billing.Repository
func (s *Storage) GetEntitlement(ctx context.Context, userID string) (*billing.Entitlement, error) {
	var ent billing.Entitlement
	var updatedAt int64

	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, customer_id, subscription_id, price_id, status, active, updated_at
			FROM entitlements WHERE user_id = ?`,
		userID).Scan(&ent.UserID, &ent.CustomerID, &ent.SubscriptionID, &ent.PriceID, &ent.Status, &ent.Active, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	ent.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &ent, nil
}

// MarkProcessed implements billing.EventLedger
func (s *Storage) MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("%w: event id is required", billing.ErrInvalidArgument)
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_events (event_id, event_type, processed_at) VALUES (?, ?, ?)
			ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType, time.Now().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark event processed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark event processed: %w", err)
	}
	return n == 0, nil
}

// Forget implements billing.EventLedger
func (s *Storage) Forget(ctx context.Context, eventID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM processed_events WHERE event_id = ?`, eventID); err != nil {
		return fmt.Errorf("failed to forget event: %w", err)
	}
	return nil
}

// PurgeProcessed removes ledger entries recorded before cutoff and returns how many were deleted.
func (s *Storage) PurgeProcessed(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM processed_events WHERE processed_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge processed events: %w", err)
	}
	return result.RowsAffected()
}

var (
	_ billing.Repository  = (*Storage)(nil)
	_ billing.EventLedger = (*Storage)(nil)
)
