package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/efreitasn/orderexec/internal/domain"
)

// PebbleOrderStore keeps orders as JSON values in an embedded Pebble
// database. Writes are synced before returning.
type PebbleOrderStore struct {
	db  *pebble.DB
	mu  sync.Mutex // serializes read-modify-write cycles
	now func() time.Time
}

// NewPebbleOrderStore opens (or creates) the database at path.
func NewPebbleOrderStore(path string) (*PebbleOrderStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return &PebbleOrderStore{db: db, now: time.Now}, nil
}

func (s *PebbleOrderStore) Close() error { return s.db.Close() }

// keys: order:<id>
func orderKey(id string) []byte { return []byte("order:" + id) }

func (s *PebbleOrderStore) load(id string) (*domain.Order, error) {
	val, closer, err := s.db.Get(orderKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	defer closer.Close()

	var o domain.Order
	if err := json.Unmarshal(val, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

func (s *PebbleOrderStore) save(o *domain.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	if err := s.db.Set(orderKey(o.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("save order: %w", err)
	}
	return nil
}

// Insert persists a new order.
func (s *PebbleOrderStore) Insert(_ context.Context, o *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.load(o.ID); err == nil {
		return domain.ErrDuplicateOrder
	} else if !errors.Is(err, domain.ErrOrderNotFound) {
		return err
	}
	stored := *o
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	return s.save(&stored)
}

// UpdateStatus overwrites the status fields of an order. A confirmed or
// failed order only accepts its own status again.
func (s *PebbleOrderStore) UpdateStatus(_ context.Context, id string, u domain.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.load(id)
	if err != nil {
		return err
	}
	if err := o.Apply(u, s.now().UTC()); err != nil {
		return err
	}
	return s.save(o)
}

// Get reads an order.
func (s *PebbleOrderStore) Get(_ context.Context, id string) (*domain.Order, error) {
	return s.load(id)
}
