// Copyright 2025 James Ross
// Package worker implements the generic consumer loop shared by every
// pipeline stage (C5-C10): reserve a job from one queue, run it through
// the worker pool's concurrency/rate-limit/breaker gate, and ack or fail
// it against the broker. Each stage supplies only its Handle function;
// everything else is identical across analyzer, resolution, validation,
// triangulation, reconcile, and graph-ingestion consumers.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codegraph/analysis-pipeline/internal/obs"
	"github.com/codegraph/analysis-pipeline/internal/perr"
	"github.com/codegraph/analysis-pipeline/internal/queue"
	"github.com/codegraph/analysis-pipeline/internal/workerpool"
)

// Handler processes one job's payload. A Handler that returns a
// perr-classified error drives retry/dead-letter via Retriable(err); any
// other error is treated as retriable, matching internal/perr's default.
type Handler func(ctx context.Context, job *queue.Job) error

// Consumer runs N goroutines pulling from one queue and dispatching to
// Handle through the shared worker pool.
type Consumer struct {
	Name       string // worker pool type name, e.g. "file-analysis"
	QueueName  string
	Concurrency int
	ReserveWait time.Duration
	Handle     Handler

	broker queue.Broker
	pool   *workerpool.Manager
	log    *zap.Logger
}

// NewConsumer wires a queue's jobs through pool's concurrency/rate-limit/
// breaker gate to handle. concurrency must match the value pool was
// registered with for name, since the pool enforces its own cap
// independently of how many goroutines a Consumer spins up.
func NewConsumer(name, queueName string, concurrency int, broker queue.Broker, pool *workerpool.Manager, log *zap.Logger, handle Handler) *Consumer {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Consumer{
		Name:        name,
		QueueName:   queueName,
		Concurrency: concurrency,
		ReserveWait: 2 * time.Second,
		Handle:      handle,
		broker:      broker,
		pool:        pool,
		log:         log,
	}
}

// Run blocks, fanning out Concurrency goroutines, until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < c.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.loop(ctx)
		}()
	}
	wg.Wait()
}

func (c *Consumer) loop(ctx context.Context) {
	wait := c.ReserveWait
	if wait <= 0 {
		wait = 2 * time.Second
	}
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := c.broker.Reserve(ctx, c.QueueName, wait)
		if err != nil {
			if errors.Is(err, queue.ErrQueuePaused) {
				time.Sleep(wait)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("reserve failed", obs.Err(err), zap.String("queue", c.QueueName))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if job == nil {
			continue // timed out waiting; loop and try again
		}
		c.dispatch(ctx, job)
	}
}

func (c *Consumer) dispatch(ctx context.Context, job *queue.Job) {
	err := c.pool.ExecuteWithManagement(ctx, c.Name, func(innerCtx context.Context) error {
		return c.Handle(innerCtx, job)
	})

	// The job is settled with the broker even if shutdown canceled ctx
	// while the handler ran, so a finished job is not left active.
	settleCtx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		if ackErr := c.broker.Ack(settleCtx, job); ackErr != nil {
			c.log.Error("ack failed", obs.Err(ackErr), zap.String("job_id", job.ID))
		}
		obs.JobsCompleted.WithLabelValues(c.Name).Inc()
	case errors.Is(err, workerpool.ErrRateLimited), errors.Is(err, workerpool.ErrCircuitOpen), errors.Is(err, workerpool.ErrGlobalCapHit):
		// The handler never ran; hand the job back to the broker as
		// retriable (its backoff and attempt budget still apply) without
		// counting it in the failure metrics.
		if failErr := c.broker.Fail(settleCtx, job, err, true); failErr != nil {
			c.log.Error("requeue-after-gate failed", obs.Err(failErr), zap.String("job_id", job.ID))
		}
	default:
		retriable := perr.Retriable(err)
		if failErr := c.broker.Fail(settleCtx, job, err, retriable); failErr != nil {
			c.log.Error("fail failed", obs.Err(failErr), zap.String("job_id", job.ID))
		}
		obs.JobsFailed.WithLabelValues(c.Name).Inc()
		if !retriable {
			obs.JobsDeadLettered.WithLabelValues(c.Name).Inc()
		}
		c.log.Warn("job handling failed", obs.Err(err), zap.String("job_id", job.ID), zap.Bool("retriable", retriable))
	}
}
