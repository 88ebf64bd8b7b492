package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPollInterval is how often an idle RedisQueue consumer checks for
// due jobs.
const DefaultPollInterval = 100 * time.Millisecond

// RedisQueue is a Queue backed by Redis. Waiting jobs live in a sorted set
// scored by the unix millisecond they become due; job bodies and attempt
// counters live in two hashes. Jobs claimed by a consumer sit in an active
// set until settled, so Recover can requeue them after a crash.
type RedisQueue struct {
	client       *redis.Client
	opts         Options
	logger       *slog.Logger
	pollInterval time.Duration
	now          func() time.Time

	jobsKey     string
	attemptsKey string
	delayedKey  string
	activeKey   string
	failedKey   string
}

// claimScript moves the earliest due job from the delayed set to the active
// set and bumps its attempt counter in one step, so a job is always in
// exactly one of the two. It replies nil when nothing is due and a one
// element array when the job has no body.
//
// KEYS: delayed, jobs, attempts, active. ARGV: now in unix milliseconds.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', '0', '1')
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
local body = redis.call('HGET', KEYS[2], id)
if not body then
	redis.call('HDEL', KEYS[3], id)
	return {id}
end
local attempt = redis.call('HINCRBY', KEYS[3], id, 1)
redis.call('SADD', KEYS[4], id)
return {id, body, attempt}
`)

// NewRedisQueue creates a RedisQueue whose keys are prefixed with name.
func NewRedisQueue(client *redis.Client, name string, opts Options, logger *slog.Logger) *RedisQueue {
	return &RedisQueue{
		client:       client,
		opts:         opts,
		logger:       logger,
		pollInterval: DefaultPollInterval,
		now:          time.Now,
		jobsKey:      name + ":jobs",
		attemptsKey:  name + ":attempts",
		delayedKey:   name + ":delayed",
		activeKey:    name + ":active",
		failedKey:    name + ":failed",
	}
}

var _ Queue = (*RedisQueue)(nil)

// Options returns the queue's redelivery options.
func (q *RedisQueue) Options() Options { return q.opts }

func (q *RedisQueue) score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Enqueue stores the job and makes it due now.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	added, err := q.client.HSetNX(ctx, q.jobsKey, job.ID, data).Result()
	if err != nil {
		return fmt.Errorf("store job: %w", err)
	}
	if !added {
		return ErrDuplicateJob
	}
	err = q.client.ZAdd(ctx, q.delayedKey, redis.Z{Score: q.score(q.now()), Member: job.ID}).Err()
	if err != nil {
		return fmt.Errorf("schedule job: %w", err)
	}
	return nil
}

// Dequeue polls for the earliest due job and claims it.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		d, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

// claim returns nil, nil when no job is due or the claimed job had to be
// dead-lettered.
func (q *RedisQueue) claim(ctx context.Context) (*Delivery, error) {
	keys := []string{q.delayedKey, q.jobsKey, q.attemptsKey, q.activeKey}
	reply, err := claimScript.Run(ctx, q.client, keys, q.now().UnixMilli()).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}

	if len(reply) < 3 {
		q.logger.Warn("dropping job without body", slog.Any("reply", reply))
		return nil, nil
	}
	id, _ := reply[0].(string)
	body, _ := reply[1].(string)
	attempt, _ := reply[2].(int64)

	var job Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		q.deadLetter(ctx, id, int(attempt), "malformed job body: "+err.Error())
		return nil, nil
	}
	return &Delivery{Job: job, Attempt: int(attempt)}, nil
}

// deadLetter moves a claimed job that cannot be decoded to the failed hash.
func (q *RedisQueue) deadLetter(ctx context.Context, id string, attempt int, reason string) {
	q.logger.Error("dead-lettering undecodable job",
		slog.String("job_id", id),
		slog.String("reason", reason),
	)
	d := &Delivery{Job: Job{ID: id, Name: JobExecute}, Attempt: attempt}
	if err := q.Fail(ctx, d, reason); err != nil {
		q.logger.Error("dead-letter failed, job stays active until Recover",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
	}
}

func (q *RedisQueue) checkActive(ctx context.Context, id string) error {
	ok, err := q.client.SIsMember(ctx, q.activeKey, id).Result()
	if err != nil {
		return fmt.Errorf("check active: %w", err)
	}
	if !ok {
		return ErrNotActive
	}
	return nil
}

// Ack deletes the job.
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.checkActive(ctx, d.Job.ID); err != nil {
		return err
	}
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, q.activeKey, d.Job.ID)
		pipe.HDel(ctx, q.jobsKey, d.Job.ID)
		pipe.HDel(ctx, q.attemptsKey, d.Job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return nil
}

// Retry makes the job due again after delay.
func (q *RedisQueue) Retry(ctx context.Context, d *Delivery, delay time.Duration) error {
	if err := q.checkActive(ctx, d.Job.ID); err != nil {
		return err
	}
	due := q.now().Add(delay)
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, q.activeKey, d.Job.ID)
		pipe.ZAdd(ctx, q.delayedKey, redis.Z{Score: q.score(due), Member: d.Job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return nil
}

// Fail moves the job to the failed hash, keeping it for inspection.
func (q *RedisQueue) Fail(ctx context.Context, d *Delivery, reason string) error {
	if err := q.checkActive(ctx, d.Job.ID); err != nil {
		return err
	}
	data, err := json.Marshal(FailedJob{
		Job:      d.Job,
		Attempts: d.Attempt,
		Reason:   reason,
		FailedAt: q.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal failed job: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, q.activeKey, d.Job.ID)
		pipe.HDel(ctx, q.jobsKey, d.Job.ID)
		pipe.HDel(ctx, q.attemptsKey, d.Job.ID)
		pipe.HSet(ctx, q.failedKey, d.Job.ID, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// Failed returns every failed job.
func (q *RedisQueue) Failed(ctx context.Context) ([]FailedJob, error) {
	values, err := q.client.HGetAll(ctx, q.failedKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	out := make([]FailedJob, 0, len(values))
	for id, raw := range values {
		var fj FailedJob
		if err := json.Unmarshal([]byte(raw), &fj); err != nil {
			q.logger.Warn("skipping malformed failed job",
				slog.String("job_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, fj)
	}
	return out, nil
}

// Recover makes every job left active by a previous process due again.
// Call it once at startup, before any consumer runs.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	ids, err := q.client.SMembers(ctx, q.activeKey).Result()
	if err != nil {
		return 0, fmt.Errorf("list active jobs: %w", err)
	}
	now := q.score(q.now())
	for _, id := range ids {
		_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SRem(ctx, q.activeKey, id)
			pipe.ZAdd(ctx, q.delayedKey, redis.Z{Score: now, Member: id})
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("recover job %s: %w", id, err)
		}
		q.logger.Info("recovered stalled job", slog.String("job_id", id))
	}
	return len(ids), nil
}

// Stats reports waiting, active and failed counts.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	var waiting, active, failed *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.ZCard(ctx, q.delayedKey)
		active = pipe.SCard(ctx, q.activeKey)
		failed = pipe.HLen(ctx, q.failedKey)
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{
		Waiting: int(waiting.Val()),
		Active:  int(active.Val()),
		Failed:  int(failed.Val()),
	}, nil
}
