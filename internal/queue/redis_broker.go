// Copyright 2025 James Ross
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBroker is the C1 Broker implementation: a Redis list (BRPOPLPUSH
// reservation), a delayed sorted set with lazy promotion on Reserve, an
// idempotency dedup key, and a per-queue dead-letter list.
type RedisBroker struct {
	rdb       *redis.Client
	namespace string
	dedupTTL  time.Duration
}

// NewRedisBroker constructs a Broker backed by rdb. namespace prefixes
// every Redis key the broker owns; dedupTTL bounds how long an
// IdempotencyKey is remembered.
func NewRedisBroker(rdb *redis.Client, namespace string, dedupTTL time.Duration) *RedisBroker {
	if namespace == "" {
		namespace = "pipeline"
	}
	if dedupTTL <= 0 {
		dedupTTL = 24 * time.Hour
	}
	return &RedisBroker{rdb: rdb, namespace: namespace, dedupTTL: dedupTTL}
}

func (b *RedisBroker) waitingKey(q string) string   { return fmt.Sprintf("%s:{%s}:waiting", b.namespace, q) }
func (b *RedisBroker) activeKey(q string) string    { return fmt.Sprintf("%s:{%s}:active", b.namespace, q) }
func (b *RedisBroker) delayedKey(q string) string   { return fmt.Sprintf("%s:{%s}:delayed", b.namespace, q) }
func (b *RedisBroker) pausedKey(q string) string    { return fmt.Sprintf("%s:{%s}:paused", b.namespace, q) }
func (b *RedisBroker) completedKey(q string) string { return fmt.Sprintf("%s:{%s}:stats:completed", b.namespace, q) }
func (b *RedisBroker) failedKey(q string) string    { return fmt.Sprintf("%s:{%s}:stats:failed", b.namespace, q) }
func (b *RedisBroker) dedupKey(q, key string) string {
	return fmt.Sprintf("%s:{%s}:idemp:%s", b.namespace, q, key)
}

// DeadLetterQueueName appends the fixed ":dlq" suffix inside the same hash
// slot as queueName so both lists can be manipulated in one MULTI on
// Redis Cluster.
func (b *RedisBroker) DeadLetterQueueName(queueName string) string {
	return fmt.Sprintf("%s:{%s}:dlq", b.namespace, queueName)
}

var checkAndReserveScript = redis.NewScript(`
local key = KEYS[1]
local ttl = ARGV[1]
if redis.call('EXISTS', key) == 1 then
	return 0
end
redis.call('SETEX', key, ttl, '1')
return 1
`)

func (b *RedisBroker) Enqueue(ctx context.Context, queueName string, payload []byte, opts Options) (string, error) {
	if opts.Attempts <= 0 {
		opts = DefaultOptions()
	}
	if opts.IdempotencyKey != "" {
		reserved, err := checkAndReserveScript.Run(ctx, b.rdb, []string{b.dedupKey(queueName, opts.IdempotencyKey)}, int(b.dedupTTL.Seconds())).Int()
		if err != nil {
			return "", fmt.Errorf("queue: idempotency check: %w", err)
		}
		if reserved == 0 {
			return "", ErrDuplicateJob
		}
	}

	job := Job{
		ID:             uuid.NewString(),
		Queue:          queueName,
		Payload:        json.RawMessage(payload),
		Options:        opts,
		EnqueuedAt:     time.Now().UTC(),
		IdempotencyKey: opts.IdempotencyKey,
	}
	buf, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("queue: marshal job: %w", err)
	}

	if opts.Delay > 0 {
		readyAt := float64(time.Now().Add(opts.Delay).UnixMilli())
		if err := b.rdb.ZAdd(ctx, b.delayedKey(queueName), redis.Z{Score: readyAt, Member: buf}).Err(); err != nil {
			return "", fmt.Errorf("queue: schedule delayed job: %w", err)
		}
		return job.ID, nil
	}

	if err := b.rdb.LPush(ctx, b.waitingKey(queueName), buf).Err(); err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}
	return job.ID, nil
}

// promoteDelayed moves every delayed job whose ready-at has elapsed onto
// the waiting list. It is called lazily at the top of Reserve rather than
// from a dedicated background goroutine.
func (b *RedisBroker) promoteDelayed(ctx context.Context, queueName string) error {
	now := float64(time.Now().UnixMilli())
	ready, err := b.rdb.ZRangeByScore(ctx, b.delayedKey(queueName), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil || len(ready) == 0 {
		return err
	}
	pipe := b.rdb.TxPipeline()
	for _, member := range ready {
		pipe.LPush(ctx, b.waitingKey(queueName), member)
		pipe.ZRem(ctx, b.delayedKey(queueName), member)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (b *RedisBroker) Reserve(ctx context.Context, queueName string, timeout time.Duration) (*Job, error) {
	paused, err := b.rdb.Exists(ctx, b.pausedKey(queueName)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: check paused: %w", err)
	}
	if paused == 1 {
		return nil, ErrQueuePaused
	}
	if err := b.promoteDelayed(ctx, queueName); err != nil {
		return nil, fmt.Errorf("queue: promote delayed: %w", err)
	}

	raw, err := b.rdb.BRPopLPush(ctx, b.waitingKey(queueName), b.activeKey(queueName), timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: reserve: %w", err)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// Drop the unparseable entry so it doesn't wedge the active list.
		b.rdb.LRem(ctx, b.activeKey(queueName), 1, raw)
		return nil, fmt.Errorf("queue: unmarshal reserved job: %w", err)
	}
	job.Attempts++
	return &job, nil
}

func (b *RedisBroker) removeFromActive(ctx context.Context, job *Job) error {
	buf, err := json.Marshal(*job)
	if err != nil {
		return err
	}
	// The active-list copy predates Attempts++ applied after Reserve
	// returned, so attempt removal both with and without the increment.
	job.Attempts--
	prev, _ := json.Marshal(*job)
	job.Attempts++
	if n, _ := b.rdb.LRem(ctx, b.activeKey(job.Queue), 1, prev).Result(); n > 0 {
		return nil
	}
	return b.rdb.LRem(ctx, b.activeKey(job.Queue), 1, buf).Err()
}

func (b *RedisBroker) Ack(ctx context.Context, job *Job) error {
	if err := b.removeFromActive(ctx, job); err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	if !job.Options.RemoveOnComplete {
		if err := b.rdb.Incr(ctx, b.completedKey(job.Queue)).Err(); err != nil {
			return fmt.Errorf("queue: ack counter: %w", err)
		}
	}
	return nil
}

func (b *RedisBroker) Fail(ctx context.Context, job *Job, cause error, retriable bool) error {
	if err := b.removeFromActive(ctx, job); err != nil {
		return fmt.Errorf("queue: fail: %w", err)
	}

	if retriable && job.Attempts < job.Options.Attempts {
		delay := backoffDelay(job.Options.Backoff, job.Attempts)
		job.EnqueuedAt = time.Now().UTC()
		buf, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("queue: marshal retry: %w", err)
		}
		readyAt := float64(time.Now().Add(delay).UnixMilli())
		return b.rdb.ZAdd(ctx, b.delayedKey(job.Queue), redis.Z{Score: readyAt, Member: buf}).Err()
	}

	if !job.Options.RemoveOnFail {
		if err := b.rdb.Incr(ctx, b.failedKey(job.Queue)).Err(); err != nil {
			return fmt.Errorf("queue: fail counter: %w", err)
		}
	}
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	entry := DeadLetterEntry{
		Job:           *job,
		OriginalQueue: job.Queue,
		Error:         errMsg,
		FailedAt:      time.Now().UTC(),
	}
	buf, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("queue: marshal dlq entry: %w", err)
	}
	return b.rdb.LPush(ctx, b.DeadLetterQueueName(job.Queue), buf).Err()
}

// backoffDelay returns the exponential delay for the given attempt number
// plus up to 20% jitter, matching spec §4.1's stated retry policy.
func backoffDelay(b Backoff, attempt int) time.Duration {
	base := b.Delay
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/5 + 1))
	return delay + jitter
}

func (b *RedisBroker) Counts(ctx context.Context, queueName string) (Counts, error) {
	pipe := b.rdb.TxPipeline()
	waiting := pipe.LLen(ctx, b.waitingKey(queueName))
	active := pipe.LLen(ctx, b.activeKey(queueName))
	delayed := pipe.ZCard(ctx, b.delayedKey(queueName))
	completed := pipe.Get(ctx, b.completedKey(queueName))
	failed := pipe.Get(ctx, b.failedKey(queueName))
	paused := pipe.Exists(ctx, b.pausedKey(queueName))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Counts{}, fmt.Errorf("queue: counts: %w", err)
	}
	return Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
		Paused:    paused.Val() == 1,
	}, nil
}

func (b *RedisBroker) Drain(ctx context.Context, queueName string) error {
	if err := b.rdb.Del(ctx, b.waitingKey(queueName)).Err(); err != nil {
		return err
	}
	return b.rdb.Del(ctx, b.delayedKey(queueName)).Err()
}

// Clean removes jobs in a terminal list (currently only the dead-letter
// queue keeps individual entries) older than age.
func (b *RedisBroker) Clean(ctx context.Context, queueName string, age time.Duration, state JobState) (int, error) {
	if state != StateFailed {
		return 0, fmt.Errorf("queue: clean: unsupported state %q", state)
	}
	dlqKey := b.DeadLetterQueueName(queueName)
	entries, err := b.rdb.LRange(ctx, dlqKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: clean: %w", err)
	}
	cutoff := time.Now().Add(-age)
	removed := 0
	for _, raw := range entries {
		var entry DeadLetterEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		if entry.FailedAt.Before(cutoff) {
			if err := b.rdb.LRem(ctx, dlqKey, 1, raw).Err(); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// DeadLetter lists every entry currently parked on queueName's DLQ,
// newest first.
func (b *RedisBroker) DeadLetter(ctx context.Context, queueName string) ([]DeadLetterEntry, error) {
	raws, err := b.rdb.LRange(ctx, b.DeadLetterQueueName(queueName), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: dead letter: %w", err)
	}
	out := make([]DeadLetterEntry, 0, len(raws))
	for _, raw := range raws {
		var entry DeadLetterEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// RequeueDeadLetter moves the first DLQ entry matching jobID back onto
// queueName's waiting list with a fresh attempt counter.
func (b *RedisBroker) RequeueDeadLetter(ctx context.Context, queueName, jobID string) error {
	dlqKey := b.DeadLetterQueueName(queueName)
	raws, err := b.rdb.LRange(ctx, dlqKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("queue: requeue dead letter: %w", err)
	}
	for _, raw := range raws {
		var entry DeadLetterEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		if entry.Job.ID != jobID {
			continue
		}
		entry.Job.Attempts = 0
		entry.Job.EnqueuedAt = time.Now().UTC()
		buf, err := json.Marshal(entry.Job)
		if err != nil {
			return fmt.Errorf("queue: marshal requeued job: %w", err)
		}
		if err := b.rdb.LRem(ctx, dlqKey, 1, raw).Err(); err != nil {
			return fmt.Errorf("queue: remove dead letter: %w", err)
		}
		return b.rdb.LPush(ctx, b.waitingKey(queueName), buf).Err()
	}
	return fmt.Errorf("queue: dead letter job %q not found on %q", jobID, queueName)
}

// ReapStale fails any job that has sat on queueName's active list longer
// than maxAge since it was last (re)enqueued, treating it as abandoned by
// a worker that died mid-processing.
func (b *RedisBroker) ReapStale(ctx context.Context, queueName string, maxAge time.Duration) (int, error) {
	raws, err := b.rdb.LRange(ctx, b.activeKey(queueName), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: reap stale: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	recovered := 0
	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		if job.EnqueuedAt.After(cutoff) {
			continue
		}
		if n, err := b.rdb.LRem(ctx, b.activeKey(queueName), 1, raw).Result(); err != nil || n == 0 {
			continue
		}
		if err := b.Fail(ctx, &job, fmt.Errorf("queue: stalled beyond %s", maxAge), job.Attempts < job.Options.Attempts); err != nil {
			return recovered, fmt.Errorf("queue: reap stale fail: %w", err)
		}
		recovered++
	}
	return recovered, nil
}

func (b *RedisBroker) Pause(ctx context.Context, queueName string) error {
	return b.rdb.Set(ctx, b.pausedKey(queueName), "1", 0).Err()
}

func (b *RedisBroker) Resume(ctx context.Context, queueName string) error {
	return b.rdb.Del(ctx, b.pausedKey(queueName)).Err()
}

var _ Broker = (*RedisBroker)(nil)
