package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/efreitasn/orderexec/internal/domain"
)

// orderStore is the contract every backend is tested against.
type orderStore interface {
	Insert(ctx context.Context, o *domain.Order) error
	UpdateStatus(ctx context.Context, id string, u domain.StatusUpdate) error
	Get(ctx context.Context, id string) (*domain.Order, error)
	Close() error
}

func newTestOrder(id string) *domain.Order {
	return &domain.Order{
		ID:                id,
		TokenIn:           "SOL",
		TokenOut:          "USDC",
		Amount:            1.5,
		SlippageTolerance: 0.01,
		CreatedAt:         time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:            domain.OrderStatusPending,
	}
}

func storeFactories(t *testing.T) map[string]func(t *testing.T) orderStore {
	factories := map[string]func(t *testing.T) orderStore{
		"memory": func(t *testing.T) orderStore { return NewOrderStore() },
		"pebble": func(t *testing.T) orderStore {
			s, err := NewPebbleOrderStore(filepath.Join(t.TempDir(), "orders"))
			if err != nil {
				t.Fatalf("NewPebbleOrderStore: %v", err)
			}
			return s
		},
	}
	if dsn := os.Getenv("ORDEREXEC_TEST_DATABASE_URL"); dsn != "" {
		factories["postgres"] = func(t *testing.T) orderStore {
			s, err := NewPostgresOrderStore(context.Background(), dsn)
			if err != nil {
				t.Fatalf("NewPostgresOrderStore: %v", err)
			}
			return s
		}
	}
	return factories
}

// uniqueID keeps postgres runs independent of earlier ones.
func uniqueID(t *testing.T, id string) string {
	return fmt.Sprintf("%s-%s-%d", t.Name(), id, time.Now().UnixNano())
}

func forEachStore(t *testing.T, fn func(t *testing.T, s orderStore)) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			fn(t, s)
		})
	}
}

func TestOrderStore_InsertAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s orderStore) {
		ctx := context.Background()
		o := newTestOrder(uniqueID(t, "o1"))

		if err := s.Insert(ctx, o); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		got, err := s.Get(ctx, o.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.ID != o.ID || got.TokenIn != "SOL" || got.TokenOut != "USDC" {
			t.Errorf("unexpected order %+v", got)
		}
		if got.Amount != 1.5 || got.SlippageTolerance != 0.01 {
			t.Errorf("amounts not preserved: %+v", got)
		}
		if got.Status != domain.OrderStatusPending || got.Attempts != 0 {
			t.Errorf("expected pending with 0 attempts, got %s/%d", got.Status, got.Attempts)
		}
		if !got.CreatedAt.Equal(o.CreatedAt) {
			t.Errorf("created_at = %s, want %s", got.CreatedAt, o.CreatedAt)
		}
	})
}

func TestOrderStore_InsertDuplicate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s orderStore) {
		ctx := context.Background()
		o := newTestOrder(uniqueID(t, "o1"))

		if err := s.Insert(ctx, o); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if err := s.Insert(ctx, o); !errors.Is(err, domain.ErrDuplicateOrder) {
			t.Errorf("expected ErrDuplicateOrder, got %v", err)
		}
	})
}

func TestOrderStore_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s orderStore) {
		ctx := context.Background()
		id := uniqueID(t, "missing")

		if _, err := s.Get(ctx, id); !errors.Is(err, domain.ErrOrderNotFound) {
			t.Errorf("Get: expected ErrOrderNotFound, got %v", err)
		}
		err := s.UpdateStatus(ctx, id, domain.StatusUpdate{Status: domain.OrderStatusFailed})
		if !errors.Is(err, domain.ErrOrderNotFound) {
			t.Errorf("UpdateStatus: expected ErrOrderNotFound, got %v", err)
		}
	})
}

func TestOrderStore_UpdateStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, s orderStore) {
		ctx := context.Background()
		o := newTestOrder(uniqueID(t, "o1"))
		if err := s.Insert(ctx, o); err != nil {
			t.Fatalf("Insert: %v", err)
		}

		err := s.UpdateStatus(ctx, o.ID, domain.StatusUpdate{
			Status:        domain.OrderStatusPending,
			Attempts:      1,
			FailureReason: "execution_failed: slippage",
		})
		if err != nil {
			t.Fatalf("UpdateStatus: %v", err)
		}
		got, _ := s.Get(ctx, o.ID)
		if got.Attempts != 1 || got.FailureReason != "execution_failed: slippage" {
			t.Errorf("unexpected retry state %+v", got)
		}

		err = s.UpdateStatus(ctx, o.ID, domain.StatusUpdate{
			Status:        domain.OrderStatusConfirmed,
			Attempts:      2,
			SettlementRef: "MOCKTX_abc",
		})
		if err != nil {
			t.Fatalf("UpdateStatus: %v", err)
		}
		got, _ = s.Get(ctx, o.ID)
		if got.Status != domain.OrderStatusConfirmed || got.SettlementRef != "MOCKTX_abc" {
			t.Errorf("unexpected confirmed state %+v", got)
		}
		if got.FailureReason != "" {
			t.Errorf("expected failure reason cleared, got %q", got.FailureReason)
		}
		if got.Attempts != 2 {
			t.Errorf("expected 2 attempts, got %d", got.Attempts)
		}
	})
}

func TestOrderStore_UpdateStatusIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s orderStore) {
		ctx := context.Background()
		o := newTestOrder(uniqueID(t, "o1"))
		if err := s.Insert(ctx, o); err != nil {
			t.Fatalf("Insert: %v", err)
		}

		u := domain.StatusUpdate{Status: domain.OrderStatusFailed, Attempts: 3, FailureReason: "boom"}
		for i := 0; i < 2; i++ {
			if err := s.UpdateStatus(ctx, o.ID, u); err != nil {
				t.Fatalf("UpdateStatus %d: %v", i, err)
			}
		}
		got, _ := s.Get(ctx, o.ID)
		if got.Status != domain.OrderStatusFailed || got.Attempts != 3 || got.FailureReason != "boom" {
			t.Errorf("unexpected state %+v", got)
		}

		// a stale write never lowers the attempt counter
		if err := s.UpdateStatus(ctx, o.ID, domain.StatusUpdate{Status: domain.OrderStatusFailed, Attempts: 1, FailureReason: "boom"}); err != nil {
			t.Fatalf("UpdateStatus: %v", err)
		}
		got, _ = s.Get(ctx, o.ID)
		if got.Attempts != 3 {
			t.Errorf("attempts decreased to %d", got.Attempts)
		}
	})
}

func TestOrderStore_TerminalStatusIsFinal(t *testing.T) {
	forEachStore(t, func(t *testing.T, s orderStore) {
		ctx := context.Background()
		o := newTestOrder(uniqueID(t, "o1"))
		if err := s.Insert(ctx, o); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		confirmed := domain.StatusUpdate{Status: domain.OrderStatusConfirmed, Attempts: 1, SettlementRef: "MOCKTX_abc"}
		if err := s.UpdateStatus(ctx, o.ID, confirmed); err != nil {
			t.Fatalf("UpdateStatus: %v", err)
		}

		for _, u := range []domain.StatusUpdate{
			{Status: domain.OrderStatusPending, Attempts: 2, FailureReason: "blockhash expired"},
			{Status: domain.OrderStatusFailed, Attempts: 3, FailureReason: "venue rejected swap"},
		} {
			if err := s.UpdateStatus(ctx, o.ID, u); !errors.Is(err, domain.ErrInvalidTransition) {
				t.Errorf("confirmed -> %s: error = %v, want ErrInvalidTransition", u.Status, err)
			}
		}

		got, err := s.Get(ctx, o.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status != domain.OrderStatusConfirmed || got.SettlementRef != "MOCKTX_abc" || got.Attempts != 1 {
			t.Errorf("terminal order was overwritten: %+v", got)
		}

		if err := s.UpdateStatus(ctx, "missing-"+o.ID, confirmed); !errors.Is(err, domain.ErrOrderNotFound) {
			t.Errorf("missing order: error = %v, want ErrOrderNotFound", err)
		}
	})
}

func TestOrderStore_GetReturnsCopy(t *testing.T) {
	s := NewOrderStore()
	ctx := context.Background()
	if err := s.Insert(ctx, newTestOrder("o1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, _ := s.Get(ctx, "o1")
	got.Status = domain.OrderStatusConfirmed

	again, _ := s.Get(ctx, "o1")
	if again.Status != domain.OrderStatusPending {
		t.Errorf("mutating a returned order changed the store: %s", again.Status)
	}
}

func TestOrderStore_ConcurrentUpdates(t *testing.T) {
	forEachStore(t, func(t *testing.T, s orderStore) {
		ctx := context.Background()
		const n = 20
		ids := make([]string, n)
		for i := range ids {
			ids[i] = uniqueID(t, fmt.Sprintf("o%d", i))
			if err := s.Insert(ctx, newTestOrder(ids[i])); err != nil {
				t.Fatalf("Insert: %v", err)
			}
		}

		var wg sync.WaitGroup
		for _, id := range ids {
			for attempt := 1; attempt <= 3; attempt++ {
				wg.Add(1)
				go func(id string, attempt int) {
					defer wg.Done()
					_ = s.UpdateStatus(ctx, id, domain.StatusUpdate{Status: domain.OrderStatusPending, Attempts: attempt})
				}(id, attempt)
			}
		}
		wg.Wait()

		for _, id := range ids {
			got, err := s.Get(ctx, id)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Attempts != 3 {
				t.Errorf("%s: expected attempts 3, got %d", id, got.Attempts)
			}
		}
	})
}

func TestPebbleOrderStore_SurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "orders")
	ctx := context.Background()

	s, err := NewPebbleOrderStore(dir)
	if err != nil {
		t.Fatalf("NewPebbleOrderStore: %v", err)
	}
	if err := s.Insert(ctx, newTestOrder("o1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.UpdateStatus(ctx, "o1", domain.StatusUpdate{Status: domain.OrderStatusConfirmed, Attempts: 1, SettlementRef: "MOCKTX_x"}); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewPebbleOrderStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, "o1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.OrderStatusConfirmed || got.SettlementRef != "MOCKTX_x" {
		t.Errorf("unexpected order after reopen %+v", got)
	}
}
