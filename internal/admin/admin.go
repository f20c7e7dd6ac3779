// Copyright 2025 James Ross
// Package admin implements the operator-facing queue inspection and
// recovery surface the cmd CLI exposes: per-queue stats, dead-letter
// listing and requeue, DLQ pruning, and a confirmed emergency drain. It
// is a thin façade over internal/queue.Broker and internal/cleanup.Manager
// so the CLI layer stays free of broker details.
package admin

import (
	"context"
	"fmt"

	"github.com/codegraph/analysis-pipeline/internal/cleanup"
	"github.com/codegraph/analysis-pipeline/internal/config"
	"github.com/codegraph/analysis-pipeline/internal/queue"
)

// StatsResult is one queue's count breakdown alongside its DLQ size.
type StatsResult struct {
	Queue        string       `json:"queue"`
	Counts       queue.Counts `json:"counts"`
	DeadLettered int          `json:"dead_lettered"`
}

// Stats reports counts for every pipeline queue.
func Stats(ctx context.Context, broker queue.Broker) ([]StatsResult, error) {
	out := make([]StatsResult, 0, len(config.Queues()))
	for _, q := range config.Queues() {
		counts, err := broker.Counts(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("admin: stats %q: %w", q, err)
		}
		dlq, err := broker.DeadLetter(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("admin: dead letter %q: %w", q, err)
		}
		out = append(out, StatsResult{Queue: q, Counts: counts, DeadLettered: len(dlq)})
	}
	return out, nil
}

// Peek lists a queue's dead-letter entries, capped at limit. The broker
// doesn't retain raw payloads for waiting jobs once they're active, so
// the DLQ is what an operator actually wants to inspect in practice.
func Peek(ctx context.Context, broker queue.Broker, queueName string, limit int) ([]queue.DeadLetterEntry, error) {
	entries, err := broker.DeadLetter(ctx, queueName)
	if err != nil {
		return nil, fmt.Errorf("admin: peek %q: %w", queueName, err)
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// PurgeDLQ removes dead-letter entries on queueName older than maxAge,
// returning the count removed.
func PurgeDLQ(ctx context.Context, broker queue.Broker, queueName string, maxAge config.Cleanup) (int, error) {
	return broker.Clean(ctx, queueName, maxAge.MaxFailedJobRetention, queue.StateFailed)
}

// RequeueDeadLetter moves one DLQ entry back onto its queue's waiting
// list, for operator-driven recovery once the failure's root cause is
// fixed.
func RequeueDeadLetter(ctx context.Context, broker queue.Broker, queueName, jobID string) error {
	return broker.RequeueDeadLetter(ctx, queueName, jobID)
}

// Drain empties a queue's waiting and delayed jobs. The drain is refused
// unless confirmed is true; the CLI sets it from its -yes flag. The
// operation is destructive and irreversible.
func Drain(ctx context.Context, mgr *cleanup.Manager, queueName string, confirmed bool) error {
	return mgr.EmergencyDrain(ctx, queueName, confirmed)
}
