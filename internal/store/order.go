// Package store persists orders. Every implementation satisfies the same
// contract: Insert fails with domain.ErrDuplicateOrder for a known id,
// UpdateStatus and Get fail with domain.ErrOrderNotFound for an unknown
// one, and UpdateStatus is an idempotent overwrite.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/efreitasn/orderexec/internal/domain"
)

// OrderStore is a thread-safe in-memory store for orders.
type OrderStore struct {
	mu     sync.RWMutex
	orders map[string]*domain.Order
	now    func() time.Time
}

// NewOrderStore creates an empty OrderStore.
func NewOrderStore() *OrderStore {
	return &OrderStore{
		orders: make(map[string]*domain.Order),
		now:    time.Now,
	}
}

// Insert adds a copy of o.
func (s *OrderStore) Insert(_ context.Context, o *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; exists {
		return domain.ErrDuplicateOrder
	}
	stored := *o
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	s.orders[o.ID] = &stored
	return nil
}

// UpdateStatus overwrites the status fields of an order. A confirmed or
// failed order only accepts its own status again.
func (s *OrderStore) UpdateStatus(_ context.Context, id string, u domain.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return domain.ErrOrderNotFound
	}
	return o.Apply(u, s.now().UTC())
}

// Get returns a copy of the order.
func (s *OrderStore) Get(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	out := *o
	return &out, nil
}

// Close is a no-op.
func (s *OrderStore) Close() error { return nil }
