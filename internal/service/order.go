package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/efreitasn/orderexec/internal/domain"
	"github.com/efreitasn/orderexec/internal/engine"
	"github.com/efreitasn/orderexec/internal/queue"
)

// DefaultSlippageTolerance applies when a request omits slippageTolerance.
const DefaultSlippageTolerance = 0.01

// OrderRepository is the persistence the service needs.
type OrderRepository interface {
	Insert(ctx context.Context, o *domain.Order) error
	UpdateStatus(ctx context.Context, id string, u domain.StatusUpdate) error
	Get(ctx context.Context, id string) (*domain.Order, error)
}

// JobQueue accepts jobs for the lifecycle workers.
type JobQueue interface {
	Enqueue(ctx context.Context, job queue.Job) error
}

// SubmitOrderRequest represents the input for order submission.
type SubmitOrderRequest struct {
	TokenIn           string
	TokenOut          string
	Amount            float64
	SlippageTolerance *float64 // defaults to DefaultSlippageTolerance
}

// OrderService accepts orders into the pipeline and looks them up.
type OrderService struct {
	orders    OrderRepository
	jobs      JobQueue
	publisher engine.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewOrderService creates a new OrderService with the given dependencies.
func NewOrderService(orders OrderRepository, jobs JobQueue, publisher engine.Publisher, logger *slog.Logger) *OrderService {
	return &OrderService{
		orders:    orders,
		jobs:      jobs,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// SubmitOrder validates the request, persists a pending order, queues it
// for execution and announces it to any subscriber.
func (s *OrderService) SubmitOrder(ctx context.Context, req SubmitOrderRequest) (*domain.Order, error) {
	tokenIn := strings.TrimSpace(req.TokenIn)
	tokenOut := strings.TrimSpace(req.TokenOut)
	if tokenIn == "" || tokenOut == "" {
		return nil, &domain.ValidationError{Message: "tokenIn and tokenOut are required"}
	}
	if math.IsNaN(req.Amount) || math.IsInf(req.Amount, 0) || req.Amount <= 0 {
		return nil, &domain.ValidationError{Message: "amount must be a positive number"}
	}
	slippage := DefaultSlippageTolerance
	if req.SlippageTolerance != nil {
		slippage = *req.SlippageTolerance
		if math.IsNaN(slippage) || slippage < 0 || slippage >= 1 {
			return nil, &domain.ValidationError{Message: "slippageTolerance must be in [0, 1)"}
		}
	}

	now := s.now().UTC()
	order := &domain.Order{
		ID:                uuid.NewString(),
		TokenIn:           tokenIn,
		TokenOut:          tokenOut,
		Amount:            req.Amount,
		SlippageTolerance: slippage,
		CreatedAt:         now,
		Status:            domain.OrderStatusPending,
		UpdatedAt:         now,
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}

	err := s.jobs.Enqueue(ctx, queue.Job{
		ID:         order.ID,
		Name:       queue.JobExecute,
		Order:      *order,
		EnqueuedAt: now,
	})
	if err != nil {
		// Leave no pending order behind that nothing will ever process.
		reason := fmt.Sprintf("enqueue failed: %v", err)
		if uerr := s.orders.UpdateStatus(ctx, order.ID, domain.StatusUpdate{
			Status:        domain.OrderStatusFailed,
			FailureReason: reason,
		}); uerr != nil {
			s.logger.Error("mark unqueued order failed",
				slog.String("order_id", order.ID),
				slog.String("error", uerr.Error()),
			)
		}
		return nil, fmt.Errorf("enqueue order: %w", err)
	}

	s.logger.Info("order queued",
		slog.String("order_id", order.ID),
		slog.String("pair", tokenIn+"/"+tokenOut),
	)
	s.publisher.Publish(order.ID, domain.NewStatusEvent(order.ID, domain.OrderStatusPending, map[string]any{"queued": true}, now))
	return order, nil
}

// GetOrder returns the persisted order.
func (s *OrderService) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return s.orders.Get(ctx, id)
}
