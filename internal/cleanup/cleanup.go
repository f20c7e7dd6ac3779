// Copyright 2025 James Ross
// Package cleanup implements C10, the queue cleanup manager: a
// cron-scheduled sweep that ages out terminal jobs, reclaims jobs
// abandoned by a worker that died mid-processing, and offers an
// operator-confirmed emergency drain. It absorbs the heartbeat-based
// stalled-job sweep the original reaper design covered, adapted to the
// shared-active-list broker this system uses.
package cleanup

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/codegraph/analysis-pipeline/internal/config"
	"github.com/codegraph/analysis-pipeline/internal/obs"
	"github.com/codegraph/analysis-pipeline/internal/queue"
)

// Manager runs the cron-scheduled cleanup sweep across every pipeline
// queue, per spec §4.10.
type Manager struct {
	broker queue.Broker
	cfg    config.Cleanup
	log    *zap.Logger
	sched  *cron.Cron
}

func NewManager(broker queue.Broker, cfg config.Cleanup, log *zap.Logger) *Manager {
	return &Manager{broker: broker, cfg: cfg, log: log}
}

// Start schedules the periodic sweep per cfg.Schedule (a standard cron
// expression, e.g. "@every 5m") and returns immediately; the sweep runs
// on the cron library's own goroutine until Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	m.sched = cron.New()
	_, err := m.sched.AddFunc(m.cfg.Schedule, func() { m.SweepAll(ctx) })
	if err != nil {
		return fmt.Errorf("cleanup: schedule sweep: %w", err)
	}
	m.sched.Start()
	return nil
}

// Stop waits for any in-flight sweep to finish then halts scheduling.
func (m *Manager) Stop() {
	if m.sched == nil {
		return
	}
	stopCtx := m.sched.Stop()
	<-stopCtx.Done()
}

// SweepAll runs one cleanup pass over every queue C2 registers, per spec
// §4.10 steps 1-2: reclaim stale active jobs, then age out terminal
// dead-letter entries beyond retention.
func (m *Manager) SweepAll(ctx context.Context) {
	for _, q := range config.Queues() {
		recovered, err := m.broker.ReapStale(ctx, q, m.cfg.MaxStaleAge)
		if err != nil {
			m.log.Error("reap stale jobs failed", obs.Err(err), zap.String("queue", q))
		} else if recovered > 0 {
			m.log.Warn("reclaimed stalled jobs", zap.String("queue", q), zap.Int("count", recovered))
		}

		removed, err := m.broker.Clean(ctx, q, m.cfg.MaxFailedJobRetention, queue.StateFailed)
		if err != nil {
			m.log.Error("clean dead letter queue failed", obs.Err(err), zap.String("queue", q))
		} else if removed > 0 {
			m.log.Info("pruned aged dead-letter entries", zap.String("queue", q), zap.Int("count", removed))
		}
	}
}

// EmergencyDrain empties every waiting and delayed job on queueName. It is
// destructive and irreversible, so callers (the admin CLI) must obtain
// explicit operator confirmation before invoking it, per spec §4.10's
// emergency-drain requirement.
func (m *Manager) EmergencyDrain(ctx context.Context, queueName string, confirmed bool) error {
	if !confirmed {
		return fmt.Errorf("cleanup: emergency drain of %q requires explicit confirmation", queueName)
	}
	m.log.Warn("emergency drain requested", zap.String("queue", queueName))
	return m.broker.Drain(ctx, queueName)
}
