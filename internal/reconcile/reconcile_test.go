// Copyright 2025 James Ross
package reconcile

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codegraph/analysis-pipeline/internal/config"
	"github.com/codegraph/analysis-pipeline/internal/model"
	"github.com/codegraph/analysis-pipeline/internal/obs"
	"github.com/codegraph/analysis-pipeline/internal/queue"
	"github.com/codegraph/analysis-pipeline/internal/staging"
)

func setupStoreAndBroker(t *testing.T) (*staging.Store, *queue.RedisBroker) {
	t.Helper()
	dir := t.TempDir()
	store, err := staging.Open(config.Staging{Path: filepath.Join(dir, "s.db"), BusyTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return store, queue.NewRedisBroker(rdb, "test", time.Hour)
}

func TestRecordEvidenceEnqueuesReconciliationOnceComplete(t *testing.T) {
	store, broker := setupStoreAndBroker(t)
	v := NewValidator(store, broker, zap.NewNop())
	ctx := context.Background()

	rel := model.Relationship{RunID: "run1", SourcePOIID: 1, TargetPOIID: 2, Type: "CALLS"}
	require.NoError(t, v.RecordEvidence(ctx, "run1", rel, 2, 0.8))
	counts, err := broker.Counts(ctx, config.QueueReconciliation)
	require.NoError(t, err)
	require.EqualValues(t, 0, counts.Waiting, "should not enqueue until expected count reached")

	require.NoError(t, v.RecordEvidence(ctx, "run1", rel, 2, 0.9))
	counts, err = broker.Counts(ctx, config.QueueReconciliation)
	require.NoError(t, err)
	require.EqualValues(t, 1, counts.Waiting)
}

func TestReconcileKeepsMaxConfidenceAndEnqueuesGraphIngestion(t *testing.T) {
	store, broker := setupStoreAndBroker(t)
	r := NewReconciler(store, broker, 0.5, obs.NewAuditLogger("", 0, 0), zap.NewNop())
	ctx := context.Background()

	require.NoError(t, store.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := store.InsertRelationship(ctx, tx, model.Relationship{RunID: "run1", SourcePOIID: 1, TargetPOIID: 2, Type: "CALLS", Status: model.RelationshipValidated, Confidence: 0.6}); err != nil {
			return err
		}
		_, err := store.InsertRelationship(ctx, tx, model.Relationship{RunID: "run1", SourcePOIID: 1, TargetPOIID: 2, Type: "CALLS", Status: model.RelationshipValidated, Confidence: 0.9})
		return err
	}))

	require.NoError(t, r.Reconcile(ctx, "run1", 1, 2, "CALLS"))

	candidates, err := store.RelationshipsByEndpoints(ctx, "run1", 1, 2, "CALLS")
	require.NoError(t, err)
	reconciledCount := 0
	for _, c := range candidates {
		if c.Status == model.RelationshipReconciled {
			reconciledCount++
			require.InDelta(t, 0.9, c.Confidence, 0.001)
		}
	}
	require.Equal(t, 1, reconciledCount)

	counts, err := broker.Counts(ctx, config.QueueGraphIngestion)
	require.NoError(t, err)
	require.EqualValues(t, 1, counts.Waiting)
}
