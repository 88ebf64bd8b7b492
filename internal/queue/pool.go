package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// dequeueErrorPause is how long a worker waits after a failed Dequeue
// before polling again.
const dequeueErrorPause = time.Second

// Handler processes one delivery. Its error decides how the job is
// settled: nil acks, *RetryError retries after the given delay,
// *TerminalError fails, and any other error retries with the queue's
// backoff until attempts run out.
type Handler func(ctx context.Context, d *Delivery) error

// Pool runs a fixed number of workers that consume a Queue.
type Pool struct {
	queue       Queue
	handler     Handler
	concurrency int
	logger      *slog.Logger
	wg          sync.WaitGroup
}

// NewPool creates a Pool. A concurrency below 1 is treated as 1.
func NewPool(q Queue, h Handler, concurrency int, logger *slog.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		queue:       q,
		handler:     h,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Start launches the workers. They stop once ctx is cancelled and their
// current job, if any, returns.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			p.run(ctx, worker)
		}(i)
	}
}

// Wait blocks until every worker has stopped.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, worker int) {
	for {
		d, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("dequeue failed",
				slog.Int("worker", worker),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueErrorPause):
			}
			continue
		}

		err = p.handler(ctx, d)
		if err != nil && ctx.Err() != nil {
			// Shutdown interrupted the job. It stays claimed so a durable
			// queue can recover it on the next start.
			p.logger.Warn("job interrupted by shutdown",
				slog.String("job_id", d.Job.ID),
				slog.Int("attempt", d.Attempt),
			)
			continue
		}
		p.settle(context.WithoutCancel(ctx), d, err)
	}
}

func (p *Pool) settle(ctx context.Context, d *Delivery, err error) {
	opts := p.queue.Options()
	logger := p.logger.With(
		slog.String("job_id", d.Job.ID),
		slog.Int("attempt", d.Attempt),
	)

	if err == nil {
		if ackErr := p.queue.Ack(ctx, d); ackErr != nil {
			logger.Error("ack failed", slog.String("error", ackErr.Error()))
		}
		return
	}

	var terminal *TerminalError
	if errors.As(err, &terminal) || d.Attempt >= opts.MaxAttempts {
		logger.Warn("job failed", slog.String("error", err.Error()))
		if failErr := p.queue.Fail(ctx, d, failureReason(err)); failErr != nil {
			logger.Error("fail failed", slog.String("error", failErr.Error()))
		}
		return
	}

	delay := opts.Backoff.Delay(d.Attempt - 1)
	var retryErr *RetryError
	if errors.As(err, &retryErr) {
		delay = retryErr.Delay
	}
	logger.Info("job scheduled for retry",
		slog.Duration("delay", delay),
		slog.String("error", err.Error()),
	)
	if retErr := p.queue.Retry(ctx, d, delay); retErr != nil {
		logger.Error("retry failed", slog.String("error", retErr.Error()))
	}
}

// failureReason strips the settlement wrappers so the failed set records
// the underlying cause.
func failureReason(err error) string {
	var terminal *TerminalError
	if errors.As(err, &terminal) && terminal.Err != nil {
		return terminal.Err.Error()
	}
	var retryErr *RetryError
	if errors.As(err, &retryErr) && retryErr.Err != nil {
		return retryErr.Err.Error()
	}
	return err.Error()
}
