// Copyright 2025 James Ross
package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func setupBroker(t *testing.T) *RedisBroker {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisBroker(rdb, "test", time.Hour)
}

func TestEnqueueReserveAck(t *testing.T) {
	b := setupBroker(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, "q1", []byte(`{"x":1}`), DefaultOptions())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := b.Reserve(ctx, "q1", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, 1, job.Attempts)

	counts, err := b.Counts(ctx, "q1")
	require.NoError(t, err)
	require.EqualValues(t, 0, counts.Waiting)
	require.EqualValues(t, 1, counts.Active)

	require.NoError(t, b.Ack(ctx, job))
	counts, err = b.Counts(ctx, "q1")
	require.NoError(t, err)
	require.EqualValues(t, 0, counts.Active)
	require.EqualValues(t, 1, counts.Completed)
}

func TestReserveTimeoutReturnsNil(t *testing.T) {
	b := setupBroker(t)
	job, err := b.Reserve(context.Background(), "empty", 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestFailRetriableReschedulesThenDeadLetters(t *testing.T) {
	b := setupBroker(t)
	ctx := context.Background()

	opts := DefaultOptions()
	opts.Attempts = 2
	opts.Backoff = Backoff{Type: "exponential", Delay: 10 * time.Millisecond}
	_, err := b.Enqueue(ctx, "q2", []byte(`{}`), opts)
	require.NoError(t, err)

	job, err := b.Reserve(ctx, "q2", time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, 1, job.Attempts)

	require.NoError(t, b.Fail(ctx, job, errors.New("boom"), true))

	counts, err := b.Counts(ctx, "q2")
	require.NoError(t, err)
	require.EqualValues(t, 0, counts.Active)
	require.EqualValues(t, 1, counts.Delayed)

	time.Sleep(30 * time.Millisecond)
	job2, err := b.Reserve(ctx, "q2", time.Second)
	require.NoError(t, err)
	require.NotNil(t, job2)
	require.Equal(t, 2, job2.Attempts)

	require.NoError(t, b.Fail(ctx, job2, errors.New("boom again"), true))

	counts, err = b.Counts(ctx, "q2")
	require.NoError(t, err)
	require.EqualValues(t, 1, counts.Failed)

	dlqEntries, err := b.rdb.LLen(ctx, b.DeadLetterQueueName("q2")).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, dlqEntries)
}

func TestEnqueueDuplicateIdempotencyKeyRejected(t *testing.T) {
	b := setupBroker(t)
	ctx := context.Background()

	opts := DefaultOptions()
	opts.IdempotencyKey = "same-key"
	_, err := b.Enqueue(ctx, "q3", []byte(`{}`), opts)
	require.NoError(t, err)

	_, err = b.Enqueue(ctx, "q3", []byte(`{}`), opts)
	require.ErrorIs(t, err, ErrDuplicateJob)
}

func TestPauseBlocksReserve(t *testing.T) {
	b := setupBroker(t)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, "q4", []byte(`{}`), DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, b.Pause(ctx, "q4"))

	_, err = b.Reserve(ctx, "q4", 50*time.Millisecond)
	require.ErrorIs(t, err, ErrQueuePaused)

	require.NoError(t, b.Resume(ctx, "q4"))
	job, err := b.Reserve(ctx, "q4", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
}

func TestDelayedJobPromotedWhenReady(t *testing.T) {
	b := setupBroker(t)
	ctx := context.Background()

	opts := DefaultOptions()
	opts.Delay = 20 * time.Millisecond
	_, err := b.Enqueue(ctx, "q5", []byte(`{}`), opts)
	require.NoError(t, err)

	job, err := b.Reserve(ctx, "q5", 10*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, job, "job should not be ready yet")

	time.Sleep(25 * time.Millisecond)
	job, err = b.Reserve(ctx, "q5", 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
}
