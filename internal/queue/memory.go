package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/btree"
)

// readyItem orders waiting jobs by the time they become deliverable,
// then by insertion sequence.
type readyItem struct {
	readyAt time.Time
	seq     uint64
	id      string
}

func readyLess(a, b readyItem) bool {
	if !a.readyAt.Equal(b.readyAt) {
		return a.readyAt.Before(b.readyAt)
	}
	return a.seq < b.seq
}

type memoryRecord struct {
	job     Job
	attempt int
}

// MemoryQueue is an in-process Queue. Jobs survive consumer failures but
// not process restarts.
type MemoryQueue struct {
	mu      sync.Mutex
	opts    Options
	ready   *btree.BTreeG[readyItem]
	jobs    map[string]*memoryRecord // job_id → record, waiting or active
	active  map[string]struct{}
	failed  []FailedJob
	seq     uint64
	changed chan struct{} // closed and replaced whenever ready changes
	now     func() time.Time
}

// NewMemoryQueue creates an empty MemoryQueue.
func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		opts:    opts,
		ready:   btree.NewG[readyItem](16, readyLess),
		jobs:    make(map[string]*memoryRecord),
		active:  make(map[string]struct{}),
		changed: make(chan struct{}),
		now:     time.Now,
	}
}

var _ Queue = (*MemoryQueue)(nil)

// Options returns the queue's redelivery options.
func (q *MemoryQueue) Options() Options { return q.opts }

// Enqueue makes job deliverable immediately. It returns ErrDuplicateJob
// if a job with the same ID is waiting or active.
func (q *MemoryQueue) Enqueue(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.jobs[job.ID]; exists {
		return ErrDuplicateJob
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now()
	}
	q.jobs[job.ID] = &memoryRecord{job: job}
	q.scheduleLocked(job.ID, q.now())
	return nil
}

func (q *MemoryQueue) scheduleLocked(id string, at time.Time) {
	q.seq++
	q.ready.ReplaceOrInsert(readyItem{readyAt: at, seq: q.seq, id: id})
	close(q.changed)
	q.changed = make(chan struct{})
}

// Dequeue blocks until the earliest ready job is due, then hands it out
// with its attempt counter incremented.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		q.mu.Lock()
		changed := q.changed
		wait := time.Duration(-1)
		if it, ok := q.ready.Min(); ok {
			wait = it.readyAt.Sub(q.now())
			if wait <= 0 {
				q.ready.Delete(it)
				rec := q.jobs[it.id]
				rec.attempt++
				q.active[it.id] = struct{}{}
				d := &Delivery{Job: rec.job, Attempt: rec.attempt}
				q.mu.Unlock()
				return d, nil
			}
		}
		q.mu.Unlock()

		var timer *time.Timer
		var due <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			due = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-changed:
		case <-due:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Ack removes the job entirely.
func (q *MemoryQueue) Ack(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.active[d.Job.ID]; !ok {
		return ErrNotActive
	}
	delete(q.active, d.Job.ID)
	delete(q.jobs, d.Job.ID)
	return nil
}

// Retry puts the job back, deliverable after delay.
func (q *MemoryQueue) Retry(_ context.Context, d *Delivery, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.active[d.Job.ID]; !ok {
		return ErrNotActive
	}
	delete(q.active, d.Job.ID)
	q.scheduleLocked(d.Job.ID, q.now().Add(delay))
	return nil
}

// Fail moves the job to the failed list.
func (q *MemoryQueue) Fail(_ context.Context, d *Delivery, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.active[d.Job.ID]; !ok {
		return ErrNotActive
	}
	rec := q.jobs[d.Job.ID]
	delete(q.active, d.Job.ID)
	delete(q.jobs, d.Job.ID)
	q.failed = append(q.failed, FailedJob{
		Job:      rec.job,
		Attempts: rec.attempt,
		Reason:   reason,
		FailedAt: q.now(),
	})
	return nil
}

// Failed returns a copy of the failed jobs, oldest first.
func (q *MemoryQueue) Failed() []FailedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]FailedJob, len(q.failed))
	copy(out, q.failed)
	return out
}

// Stats reports waiting, active and failed counts.
func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Waiting: q.ready.Len(),
		Active:  len(q.active),
		Failed:  len(q.failed),
	}, nil
}
