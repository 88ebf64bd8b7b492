// Package queue provides at-least-once delivery of order jobs with
// attempt counting and delayed redelivery, plus a bounded worker pool
// that consumes them.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/efreitasn/orderexec/internal/domain"
	"github.com/efreitasn/orderexec/internal/retry"
)

// JobExecute is the name of the job that drives an order through its lifecycle.
const JobExecute = "execute"

var (
	ErrDuplicateJob = errors.New("duplicate_job")
	ErrNotActive    = errors.New("job_not_active")
)

// Job is a unit of work. Its ID is the order id.
type Job struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Order      domain.Order `json:"order"`
	EnqueuedAt time.Time    `json:"enqueuedAt"`
}

// Delivery is one hand-out of a job to a consumer. Attempt is 1 on the
// first delivery and is the only attempt counter consumers should trust.
type Delivery struct {
	Job     Job
	Attempt int
}

// FailedJob is a job that exhausted its attempts or failed terminally.
type FailedJob struct {
	Job      Job       `json:"job"`
	Attempts int       `json:"attempts"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failedAt"`
}

// Options configures redelivery.
type Options struct {
	MaxAttempts int
	Backoff     retry.Policy
}

// DefaultOptions returns 3 attempts with 500ms exponential backoff.
func DefaultOptions() Options {
	return Options{MaxAttempts: 3, Backoff: retry.Default()}
}

// Stats is a point-in-time count of jobs per state.
type Stats struct {
	Waiting int
	Active  int
	Failed  int
}

// Queue is a durable job queue. Every delivered job must be settled with
// exactly one of Ack, Retry or Fail.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Dequeue blocks until a job is ready or ctx is done.
	Dequeue(ctx context.Context) (*Delivery, error)
	// Ack consumes the job; it is not redelivered.
	Ack(ctx context.Context, d *Delivery) error
	// Retry schedules the job for redelivery after delay.
	Retry(ctx context.Context, d *Delivery, delay time.Duration) error
	// Fail moves the job to the failed set; it is not redelivered.
	Fail(ctx context.Context, d *Delivery, reason string) error
	Options() Options
	Stats(ctx context.Context) (Stats, error)
}

// RetryError asks the pool to redeliver the job after Delay.
type RetryError struct {
	Delay time.Duration
	Err   error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry in %s: %v", e.Delay, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

// TerminalError asks the pool to fail the job without redelivery.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("terminal: %v", e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }
