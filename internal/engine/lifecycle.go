package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/efreitasn/orderexec/internal/domain"
	"github.com/efreitasn/orderexec/internal/queue"
	"github.com/efreitasn/orderexec/internal/retry"
)

// OrderStore reads orders and persists their status changes.
type OrderStore interface {
	Get(ctx context.Context, id string) (*domain.Order, error)
	UpdateStatus(ctx context.Context, id string, u domain.StatusUpdate) error
}

// errAttemptsExhausted ends a delivery that arrives past the retry budget,
// which happens when a crashed final attempt is recovered.
var errAttemptsExhausted = errors.New("attempts exhausted")

// Executor settles an order on a named venue.
type Executor interface {
	Execute(ctx context.Context, venue string, order domain.Order) (domain.Execution, error)
}

// Publisher delivers status events to whoever follows an order.
type Publisher interface {
	Publish(orderID string, ev domain.StatusEvent)
}

// Fanout publishes every event to each of its publishers in order.
type Fanout []Publisher

func (f Fanout) Publish(orderID string, ev domain.StatusEvent) {
	for _, p := range f {
		p.Publish(orderID, ev)
	}
}

// LifecycleConfig holds the lifecycle's timing and retry budget.
type LifecycleConfig struct {
	// SettleDelay is waited before the first event so a client has time
	// to subscribe after submitting.
	SettleDelay time.Duration
	// StageDelay is waited after each of routing, building and submitted.
	StageDelay time.Duration
	// ExecuteTimeout bounds the venue execution call when positive.
	ExecuteTimeout time.Duration
	// MaxAttempts must match the queue's own limit.
	MaxAttempts int
	Backoff     retry.Policy
}

// DefaultLifecycleConfig returns the production timings.
func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		SettleDelay:    8 * time.Second,
		StageDelay:     2 * time.Second,
		ExecuteTimeout: 10 * time.Second,
		MaxAttempts:    3,
		Backoff:        retry.Default(),
	}
}

// Lifecycle drives one delivery of an order job through
// routing → building → submitted → confirmed, or decides between a retry
// and a terminal failure.
type Lifecycle struct {
	router    *Router
	executor  Executor
	store     OrderStore
	publisher Publisher
	clock     Clock
	cfg       LifecycleConfig
	logger    *slog.Logger
}

// NewLifecycle creates a Lifecycle.
func NewLifecycle(
	router *Router,
	executor Executor,
	store OrderStore,
	publisher Publisher,
	clock Clock,
	cfg LifecycleConfig,
	logger *slog.Logger,
) *Lifecycle {
	return &Lifecycle{
		router:    router,
		executor:  executor,
		store:     store,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// run tracks the in-memory status of a single attempt so that events are
// only emitted along allowed transitions.
type run struct {
	l      *Lifecycle
	order  domain.Order
	status domain.OrderStatus
}

func (r *run) emit(status domain.OrderStatus, meta map[string]any) {
	if !r.status.CanTransitionTo(status) {
		// unreachable with the fixed stage order
		r.l.logger.Error("status event dropped",
			slog.String("order_id", r.order.ID),
			slog.String("error", domain.ErrInvalidTransition.Error()),
			slog.String("from", string(r.status)),
			slog.String("to", string(status)),
		)
		return
	}
	r.status = status
	r.l.publisher.Publish(r.order.ID, domain.NewStatusEvent(r.order.ID, status, meta, r.l.clock.Now()))
}

// Process is the queue handler. It returns nil once the order is
// confirmed or was already settled by an earlier delivery, a
// *queue.RetryError when the attempt failed within budget, a
// *queue.TerminalError when it failed for good or a status write failed,
// and ctx's error if ctx ended mid-attempt.
func (l *Lifecycle) Process(ctx context.Context, d *queue.Delivery) error {
	r := &run{l: l, order: d.Job.Order, status: domain.OrderStatusPending}
	logger := l.logger.With(
		slog.String("order_id", r.order.ID),
		slog.Int("attempt", d.Attempt),
	)

	stored, err := l.store.Get(ctx, r.order.ID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			logger.Error("order missing from store", slog.String("error", err.Error()))
			return &queue.TerminalError{Err: err}
		}
		return fmt.Errorf("load order: %w", err)
	}
	if stored.Status.IsTerminal() {
		// redelivered after the outcome was persisted but before the ack
		logger.Warn("order already settled, skipping",
			slog.String("status", string(stored.Status)),
		)
		return nil
	}
	if l.cfg.MaxAttempts > 0 && d.Attempt > l.cfg.MaxAttempts {
		return l.exhausted(ctx, r, stored, logger)
	}

	logger.Info("processing order")

	if err := sleep(ctx, l.clock, l.cfg.SettleDelay); err != nil {
		return err
	}

	exec, err := l.attempt(ctx, r)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return l.fail(ctx, r, d.Attempt, err, logger)
	}

	err = l.store.UpdateStatus(ctx, r.order.ID, domain.StatusUpdate{
		Status:        domain.OrderStatusConfirmed,
		Attempts:      d.Attempt,
		SettlementRef: exec.SettlementRef,
	})
	if err != nil {
		// The swap went through; redelivering would settle it twice.
		logger.Error("persist confirmed status failed", slog.String("error", err.Error()))
		return &queue.TerminalError{Err: fmt.Errorf("persist confirmed: %w", err)}
	}
	r.emit(domain.OrderStatusConfirmed, map[string]any{
		"settlementRef": exec.SettlementRef,
		"executedPrice": exec.ExecutedPrice,
	})
	logger.Info("order confirmed", slog.String("settlement_ref", exec.SettlementRef))
	return nil
}

// attempt runs the ordered stages of one attempt up to venue execution.
func (l *Lifecycle) attempt(ctx context.Context, r *run) (domain.Execution, error) {
	r.emit(domain.OrderStatusRouting, map[string]any{"step": "fetching quotes"})
	if err := sleep(ctx, l.clock, l.cfg.StageDelay); err != nil {
		return domain.Execution{}, err
	}

	route, err := l.router.Route(ctx, r.order.TokenIn, r.order.TokenOut, r.order.Amount)
	if err != nil {
		return domain.Execution{}, err
	}
	r.emit(domain.OrderStatusBuilding, map[string]any{"route": route})
	if err := sleep(ctx, l.clock, l.cfg.StageDelay); err != nil {
		return domain.Execution{}, err
	}

	r.emit(domain.OrderStatusSubmitted, map[string]any{"venue": route.Chosen.Venue})
	if err := sleep(ctx, l.clock, l.cfg.StageDelay); err != nil {
		return domain.Execution{}, err
	}

	ectx := ctx
	if l.cfg.ExecuteTimeout > 0 {
		var cancel context.CancelFunc
		ectx, cancel = context.WithTimeout(ctx, l.cfg.ExecuteTimeout)
		defer cancel()
	}
	exec, err := l.executor.Execute(ectx, route.Chosen.Venue, r.order)
	if err != nil {
		if !errors.Is(err, domain.ErrExecutionFailed) {
			err = fmt.Errorf("%w: %w", domain.ErrExecutionFailed, err)
		}
		return domain.Execution{}, err
	}
	return exec, nil
}

// fail decides between a retry and a terminal failure for the given
// 1-based attempt.
func (l *Lifecycle) fail(ctx context.Context, r *run, attempt int, cause error, logger *slog.Logger) error {
	reason := cause.Error()

	if attempt >= l.cfg.MaxAttempts {
		logger.Error("order failed", slog.String("error", reason))
		err := l.store.UpdateStatus(ctx, r.order.ID, domain.StatusUpdate{
			Status:        domain.OrderStatusFailed,
			Attempts:      attempt,
			FailureReason: reason,
		})
		if err != nil {
			return &queue.TerminalError{Err: fmt.Errorf("persist failed: %w", err)}
		}
		r.emit(domain.OrderStatusFailed, map[string]any{"reason": reason})
		return &queue.TerminalError{Err: cause}
	}

	delay := l.cfg.Backoff.Delay(attempt - 1)
	logger.Warn("attempt failed, will retry",
		slog.Duration("delay", delay),
		slog.String("error", reason),
	)
	err := l.store.UpdateStatus(ctx, r.order.ID, domain.StatusUpdate{
		Status:        domain.OrderStatusPending,
		Attempts:      attempt,
		FailureReason: reason,
	})
	if err != nil {
		return &queue.TerminalError{Err: fmt.Errorf("persist retry: %w", err)}
	}
	r.emit(domain.OrderStatusPending, map[string]any{
		"retryAttempt": attempt + 1,
		"nextTryInMs":  delay.Milliseconds(),
	})
	return &queue.RetryError{Delay: delay, Err: cause}
}

// exhausted fails an order whose delivery count went past the budget
// without running it again. The persisted attempt counter stays at the
// budget.
func (l *Lifecycle) exhausted(ctx context.Context, r *run, stored *domain.Order, logger *slog.Logger) error {
	reason := errAttemptsExhausted.Error()
	if stored.FailureReason != "" {
		reason = stored.FailureReason
	}
	logger.Error("order failed", slog.String("error", reason))

	err := l.store.UpdateStatus(ctx, r.order.ID, domain.StatusUpdate{
		Status:        domain.OrderStatusFailed,
		Attempts:      l.cfg.MaxAttempts,
		FailureReason: reason,
	})
	if err != nil {
		return &queue.TerminalError{Err: fmt.Errorf("persist failed: %w", err)}
	}
	r.emit(domain.OrderStatusFailed, map[string]any{"reason": reason})
	return &queue.TerminalError{Err: errAttemptsExhausted}
}
