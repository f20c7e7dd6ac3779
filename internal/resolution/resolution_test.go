// Copyright 2025 James Ross
package resolution

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codegraph/analysis-pipeline/internal/classifier"
	"github.com/codegraph/analysis-pipeline/internal/config"
	"github.com/codegraph/analysis-pipeline/internal/model"
	"github.com/codegraph/analysis-pipeline/internal/queue"
	"github.com/codegraph/analysis-pipeline/internal/staging"
)

func setupResolver(t *testing.T) (*Resolver, *staging.Store, *queue.RedisBroker) {
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
	broker := queue.NewRedisBroker(rdb, "test", time.Hour)

	return NewResolver(store, broker, zap.NewNop()), store, broker
}

func TestHandleAggregationForwardsFileWithDirAndIsIdempotentPerJob(t *testing.T) {
	r, _, broker := setupResolver(t)
	ctx := context.Background()

	body, err := json.Marshal(poiJob{
		RunID:    "run1",
		FilePath: "src/pkg/foo.go",
		POIs: []model.POI{
			{RunID: "run1", FileID: 7, Name: "Foo", Type: model.POIFunctionDefinition, SemanticID: "foo", Hash: "h1"},
		},
	})
	require.NoError(t, err)
	job := &queue.Job{ID: "job1", Payload: body}

	require.NoError(t, r.HandleAggregation(ctx, job))
	require.NoError(t, r.HandleAggregation(ctx, job), "redelivery of the same job must not fail on duplicate idempotency key")

	counts, err := broker.Counts(ctx, config.QueueDirectoryResolution)
	require.NoError(t, err)
	require.EqualValues(t, 1, counts.Waiting)

	reserved, err := broker.Reserve(ctx, config.QueueDirectoryResolution, time.Second)
	require.NoError(t, err)
	require.NotNil(t, reserved)

	var forwarded map[string]any
	require.NoError(t, json.Unmarshal(reserved.Payload, &forwarded))
	require.Equal(t, "src/pkg", forwarded["dir"])
	require.Equal(t, "run1", forwarded["run_id"])
}

func TestHandleAggregationForwardsFileWithNoPOIs(t *testing.T) {
	r, _, broker := setupResolver(t)
	ctx := context.Background()

	body, err := json.Marshal(poiJob{RunID: "run1", FilePath: "empty.go"})
	require.NoError(t, err)
	require.NoError(t, r.HandleAggregation(ctx, &queue.Job{ID: "job-empty", Payload: body}))

	counts, err := broker.Counts(ctx, config.QueueDirectoryResolution)
	require.NoError(t, err)
	require.EqualValues(t, 1, counts.Waiting, "a file with zero POIs still passes through resolution")
}

func TestHandleDirectoryResolutionExtractsReferencesAndForwards(t *testing.T) {
	r, store, broker := setupResolver(t)
	ctx := context.Background()

	cr := classifier.POIResult{References: []string{"callee", "", "other"}}
	llm, err := json.Marshal(cr)
	require.NoError(t, err)

	body, err := json.Marshal(poiJob{
		RunID:    "run1",
		FilePath: "a.go",
		POIs: []model.POI{
			{RunID: "run1", FileID: 1, Name: "caller", Type: model.POIFunctionDefinition, SemanticID: "caller", Hash: "hcaller", LLMOutput: string(llm)},
		},
	})
	require.NoError(t, err)

	require.NoError(t, r.HandleDirectoryResolution(ctx, &queue.Job{ID: "job2", Payload: body}))

	pending, err := store.PendingOutboxCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, pending, "one relationship-creation event per non-empty reference")

	counts, err := broker.Counts(ctx, config.QueueGlobalResolution)
	require.NoError(t, err)
	require.EqualValues(t, 1, counts.Waiting, "the file is forwarded exactly once regardless of reference count")
}

func TestHandleDirectoryResolutionSkipsMalformedLLMOutputButStillForwards(t *testing.T) {
	r, store, broker := setupResolver(t)
	ctx := context.Background()

	body, err := json.Marshal(poiJob{
		RunID:    "run1",
		FilePath: "a.go",
		POIs: []model.POI{
			{RunID: "run1", FileID: 1, Name: "caller", Type: model.POIFunctionDefinition, SemanticID: "caller", Hash: "hcaller", LLMOutput: "not json"},
		},
	})
	require.NoError(t, err)

	require.NoError(t, r.HandleDirectoryResolution(ctx, &queue.Job{ID: "job3", Payload: body}))

	pending, err := store.PendingOutboxCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, pending, "malformed llm_output yields no references, not an error")

	counts, err := broker.Counts(ctx, config.QueueGlobalResolution)
	require.NoError(t, err)
	require.EqualValues(t, 1, counts.Waiting)
}

func TestHandleDirectoryResolutionHandlesFileWithNoPOIs(t *testing.T) {
	r, store, broker := setupResolver(t)
	ctx := context.Background()

	body, err := json.Marshal(poiJob{RunID: "run1", FilePath: "empty.go"})
	require.NoError(t, err)

	require.NoError(t, r.HandleDirectoryResolution(ctx, &queue.Job{ID: "job4", Payload: body}))

	pending, err := store.PendingOutboxCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, pending)

	counts, err := broker.Counts(ctx, config.QueueGlobalResolution)
	require.NoError(t, err)
	require.EqualValues(t, 1, counts.Waiting)
}

func TestHandleGlobalResolutionAcceptsPayloadAndReturnsNoError(t *testing.T) {
	r, _, _ := setupResolver(t)
	ctx := context.Background()

	body, err := json.Marshal(poiJob{RunID: "run1", FilePath: "a.go"})
	require.NoError(t, err)
	require.NoError(t, r.HandleGlobalResolution(ctx, &queue.Job{ID: "job5", Payload: body}))
}

func TestHandleGlobalResolutionRejectsMalformedPayload(t *testing.T) {
	r, _, _ := setupResolver(t)
	require.Error(t, r.HandleGlobalResolution(context.Background(), &queue.Job{ID: "job6", Payload: []byte("not json")}))
}

func TestHandleRelationshipResolutionForwardsBatchAndIsIdempotentPerJob(t *testing.T) {
	r, _, broker := setupResolver(t)
	ctx := context.Background()

	body, err := json.Marshal(map[string]any{
		"run_id":        "run1",
		"relationships": []map[string]any{{"relationship_id": 1, "run_id": "run1", "type": "CALLS"}},
	})
	require.NoError(t, err)
	job := &queue.Job{ID: "job7", Payload: body}

	require.NoError(t, r.HandleRelationshipResolution(ctx, job))
	require.NoError(t, r.HandleRelationshipResolution(ctx, job), "redelivery of the same job must not fail on duplicate idempotency key")

	counts, err := broker.Counts(ctx, config.QueueValidation)
	require.NoError(t, err)
	require.EqualValues(t, 1, counts.Waiting)
}

func TestHandleRelationshipResolutionRejectsMalformedPayload(t *testing.T) {
	r, _, _ := setupResolver(t)
	require.Error(t, r.HandleRelationshipResolution(context.Background(), &queue.Job{ID: "job8", Payload: []byte("not json")}))
}

func TestInsertRelationshipEventPersistsPendingOutboxRow(t *testing.T) {
	r, store, _ := setupResolver(t)
	ctx := context.Background()

	require.NoError(t, r.insertRelationshipEvent(ctx, "run1", []byte(`{"run_id":"run1"}`)))

	pending, err := store.PendingOutboxCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pending)
}
