// Copyright 2025 James Ross
package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codegraph/analysis-pipeline/internal/config"
	"github.com/codegraph/analysis-pipeline/internal/queue"
)

func setupBroker(t *testing.T) *queue.RedisBroker {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return queue.NewRedisBroker(rdb, "test", time.Hour)
}

func TestSweepAllReclaimsStaleActiveJobs(t *testing.T) {
	broker := setupBroker(t)
	ctx := context.Background()

	_, err := broker.Enqueue(ctx, config.QueueFileAnalysis, []byte(`{}`), queue.DefaultOptions())
	require.NoError(t, err)
	job, err := broker.Reserve(ctx, config.QueueFileAnalysis, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	cfg := config.Cleanup{MaxStaleAge: -time.Second, MaxFailedJobRetention: time.Hour}
	m := NewManager(broker, cfg, zap.NewNop())
	m.SweepAll(ctx)

	counts, err := broker.Counts(ctx, config.QueueFileAnalysis)
	require.NoError(t, err)
	require.EqualValues(t, 0, counts.Active, "stalled job should have been pulled off the active list")
}

func TestEmergencyDrainRequiresConfirmation(t *testing.T) {
	broker := setupBroker(t)
	ctx := context.Background()
	m := NewManager(broker, config.Cleanup{}, zap.NewNop())

	require.Error(t, m.EmergencyDrain(ctx, config.QueueValidation, false))

	_, err := broker.Enqueue(ctx, config.QueueValidation, []byte(`{}`), queue.DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, m.EmergencyDrain(ctx, config.QueueValidation, true))

	counts, err := broker.Counts(ctx, config.QueueValidation)
	require.NoError(t, err)
	require.EqualValues(t, 0, counts.Waiting)
}
