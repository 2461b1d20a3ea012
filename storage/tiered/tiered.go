// Package tiered provides a Hot/Cold tiered store that puts a fast cache (Hot)
// in front of the durable store (Cold) holding users, entitlements and the
// processed-event ledger.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mihaimyh/subflow/pkg/billing"
)

// Store is what both tiers must provide.
type Store interface {
	billing.Repository
	billing.EventLedger
	PutUser(ctx context.Context, user *billing.User) error
}

// Config configures the tiered store behavior
type Config struct {
	// Hot is the cache (e.g., Redis, Memory) consulted first on reads
	Hot Store

	// Cold is the durable store (e.g., Postgres, SQLite) and the source of truth
	Cold Store

	// AsyncHotSync moves cache writes off the request path. If false, the cache
	// is updated before the write returns.
	AsyncHotSync bool

	// SyncBufferSize is the size of the buffered channel for async cache writes.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a cache write fails. Cache failures never
	// fail the caller since Cold already holds the data.
	AsyncErrorHandler func(error)
}

// Storage implements billing.Repository and billing.EventLedger over two tiers:
// - Read-Through: users and entitlements (Hot → Cold → populate Hot)
// - Write-Through: users, customer IDs and entitlements (Cold → Hot)
// - Cold-Only: the event ledger, whose insert-if-absent must be atomic in one place
type Storage struct {
	hot  Store
	cold Store
	conf Config

	syncQueue chan func() error
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a new tiered store.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncHotSync {
		s.startWorker()
	}

	return s, nil
}

// Close drains pending cache writes and stops the worker.
func (s *Storage) Close() error {
	if s.conf.AsyncHotSync {
		s.closeOnce.Do(func() {
			close(s.shutdown)
			s.wg.Wait()
		})
	}
	return nil
}

// startWorker applies cache writes sequentially so later writes for a user win.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.report(job())
			case <-s.shutdown:
				for {
					select {
					case job := <-s.syncQueue:
						s.report(job())
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) report(err error) {
	if err != nil && s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(fmt.Errorf("tiered sync failed: %w", err))
	}
}

// syncHot runs a cache write inline or on the worker.
func (s *Storage) syncHot(ctx context.Context, job func(ctx context.Context) error) {
	if !s.conf.AsyncHotSync {
		s.report(job(ctx))
		return
	}

	// The request context may be cancelled before the worker runs.
	bg := context.WithoutCancel(ctx)
	select {
	case s.syncQueue <- func() error { return job(bg) }:
	default:
		if s.conf.AsyncErrorHandler != nil {
			s.conf.AsyncErrorHandler(errors.New("tiered storage: sync queue full, dropping cache write"))
		}
	}
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// FindUserByID implements billing.Repository with read-through strategy.
func (s *Storage) FindUserByID(ctx context.Context, userID string) (*billing.User, error) {
	user, err := s.hot.FindUserByID(ctx, userID)
	if err == nil {
		return user, nil
	}

	user, err = s.cold.FindUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.syncHot(ctx, func(ctx context.Context) error {
		return s.hot.PutUser(ctx, user)
	})
	return user, nil
}

// GetEntitlement implements billing.Repository with read-through strategy.
func (s *Storage) GetEntitlement(ctx context.Context, userID string) (*billing.Entitlement, error) {
	ent, err := s.hot.GetEntitlement(ctx, userID)
	if err == nil {
		return ent, nil
	}

	ent, err = s.cold.GetEntitlement(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.syncHot(ctx, func(ctx context.Context) error {
		return s.hot.UpsertEntitlement(ctx, ent)
	})
	return ent, nil
}

// --- Strategy: Write-Through (Cold → Hot) ---

// PutUser stores the user in both tiers.
func (s *Storage) PutUser(ctx context.Context, user *billing.User) error {
	if err := s.cold.PutUser(ctx, user); err != nil {
		return err
	}
	s.syncHot(ctx, func(ctx context.Context) error {
		return s.hot.PutUser(ctx, user)
	})
	return nil
}

// UpdateCustomerID implements billing.Repository with write-through strategy.
// The cached user is refreshed from Cold since Hot may not hold it.
func (s *Storage) UpdateCustomerID(ctx context.Context, userID, customerID string) error {
	if err := s.cold.UpdateCustomerID(ctx, userID, customerID); err != nil {
		return err
	}
	s.syncHot(ctx, func(ctx context.Context) error {
		user, err := s.cold.FindUserByID(ctx, userID)
		if err != nil {
			return err
		}
		return s.hot.PutUser(ctx, user)
	})
	return nil
}

// UpsertEntitlement implements billing.Repository with write-through strategy.
// Both tiers ignore stale writes, so a late cache write cannot regress Hot.
func (s *Storage) UpsertEntitlement(ctx context.Context, ent *billing.Entitlement) error {
	if err := s.cold.UpsertEntitlement(ctx, ent); err != nil {
		return err
	}
	s.syncHot(ctx, func(ctx context.Context) error {
		return s.hot.UpsertEntitlement(ctx, ent)
	})
	return nil
}

// --- Strategy: Cold-Only ---

// MarkProcessed implements billing.EventLedger on the durable tier.
func (s *Storage) MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	return s.cold.MarkProcessed(ctx, eventID, eventType)
}

// Forget implements billing.EventLedger on the durable tier.
func (s *Storage) Forget(ctx context.Context, eventID string) error {
	return s.cold.Forget(ctx, eventID)
}

var (
	_ billing.Repository  = (*Storage)(nil)
	_ billing.EventLedger = (*Storage)(nil)
)
