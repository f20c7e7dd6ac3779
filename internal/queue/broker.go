// Copyright 2025 James Ross
// Package queue implements C1, the queue broker adapter: a thin
// abstraction over a durable job queue with enqueue/reserve/ack/fail,
// scheduled delay, per-queue job counts, and an automatically provisioned
// dead-letter queue per queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// JobState mirrors the broker's durable list semantics from spec §6.
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateDelayed   JobState = "delayed"
	StatePaused    JobState = "paused"
)

// ErrDuplicateJob is returned by Enqueue when the job's idempotency key has
// already been seen within its TTL window.
var ErrDuplicateJob = errors.New("queue: duplicate job idempotency key")

// ErrQueuePaused is returned by Reserve when the queue is paused.
var ErrQueuePaused = errors.New("queue: paused")

// IgnoreDuplicate treats ErrDuplicateJob as success. Callers that enqueue
// with a deterministic idempotency key use this after Enqueue: a duplicate
// means the job is already on the queue from an earlier attempt, which is
// exactly the outcome a retry after a crash is trying to achieve, not a
// failure to report or retry.
func IgnoreDuplicate(err error) error {
	if errors.Is(err, ErrDuplicateJob) {
		return nil
	}
	return err
}

// Backoff describes the retry delay policy for a job, matching the
// broker's job-options object from spec §6.
type Backoff struct {
	Type  string        `json:"type"` // "exponential" (only supported policy)
	Delay time.Duration `json:"delay"`
}

// Options is the per-job options object the broker preserves for the
// lifetime of the job.
type Options struct {
	Attempts         int           `json:"attempts"`
	Backoff          Backoff       `json:"backoff"`
	Delay            time.Duration `json:"delay,omitempty"`
	RemoveOnComplete bool          `json:"remove_on_complete"`
	RemoveOnFail     bool          `json:"remove_on_fail"`
	Priority         int           `json:"priority,omitempty"`
	IdempotencyKey   string        `json:"idempotency_key,omitempty"`
}

// DefaultOptions matches spec §4.1's stated default (3 attempts,
// exponential backoff with jitter applied at schedule time).
func DefaultOptions() Options {
	return Options{
		Attempts: 3,
		Backoff:  Backoff{Type: "exponential", Delay: 1 * time.Second},
	}
}

// Job is an opaque JSON payload plus the broker's bookkeeping envelope.
type Job struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	Payload        json.RawMessage `json:"payload"`
	Options        Options         `json:"options"`
	Attempts       int             `json:"attempts"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Counts is the per-queue job count breakdown from spec §4.1.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    bool  `json:"paused"`
}

// DeadLetterEntry is a job moved to a queue's dead-letter list on terminal
// failure, carrying its original queue name and the error. RedisBroker
// leaves Stack empty.
type DeadLetterEntry struct {
	Job           Job       `json:"job"`
	OriginalQueue string    `json:"original_queue"`
	Error         string    `json:"error"`
	Stack         string    `json:"stack"`
	FailedAt      time.Time `json:"failed_at"`
}

// Broker is the C1 contract every pipeline stage consumes jobs through.
type Broker interface {
	// Enqueue places a job's payload on queue with the given options,
	// returning the generated job ID. A non-empty Options.IdempotencyKey
	// causes a duplicate enqueue within the dedup TTL to return
	// ErrDuplicateJob instead of creating a second job.
	Enqueue(ctx context.Context, queueName string, payload []byte, opts Options) (string, error)

	// Reserve blocks up to timeout waiting for a job on queueName. It
	// returns (nil, nil) on timeout, the job on success, or
	// ErrQueuePaused if the queue is paused.
	Reserve(ctx context.Context, queueName string, timeout time.Duration) (*Job, error)

	// Ack marks job as completed and removes it from the active list.
	Ack(ctx context.Context, job *Job) error

	// Fail reports a job failure. If retriable and attempts remain, the
	// job is rescheduled with exponential backoff plus jitter; otherwise
	// it is removed from the active list and pushed onto the queue's
	// dead-letter queue. RedisBroker issues the removal and the push as
	// separate commands, not as one atomic step.
	Fail(ctx context.Context, job *Job, cause error, retriable bool) error

	// Counts returns the current job count breakdown for queueName.
	Counts(ctx context.Context, queueName string) (Counts, error)

	// Drain removes every waiting and delayed job from queueName.
	Drain(ctx context.Context, queueName string) error

	// Clean removes jobs in the given terminal state older than age,
	// returning the number removed.
	Clean(ctx context.Context, queueName string, age time.Duration, state JobState) (int, error)

	// Pause stops Reserve from returning new jobs on queueName.
	Pause(ctx context.Context, queueName string) error
	// Resume re-enables Reserve on a paused queue.
	Resume(ctx context.Context, queueName string) error

	// DeadLetterQueueName returns the provisioned DLQ name for queueName.
	DeadLetterQueueName(queueName string) string

	// DeadLetter lists every entry currently parked on queueName's DLQ.
	DeadLetter(ctx context.Context, queueName string) ([]DeadLetterEntry, error)

	// RequeueDeadLetter moves one DLQ entry back onto queueName's waiting
	// list, for operator-driven recovery after a root cause is fixed.
	RequeueDeadLetter(ctx context.Context, queueName, jobID string) error

	// ReapStale scans queueName's active list for jobs last (re)enqueued
	// more than maxAge ago and fails them as stalled, returning the count
	// recovered. It absorbs the stalled-job heartbeat sweep the original
	// per-worker processing-list design needed, adapted to the single
	// shared active list this broker keeps per queue.
	ReapStale(ctx context.Context, queueName string, maxAge time.Duration) (int, error)
}
