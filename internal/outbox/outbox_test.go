// Copyright 2025 James Ross
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
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

func setupPublisher(t *testing.T) (*Publisher, *staging.Store, *queue.RedisBroker) {
	t.Helper()
	dir := t.TempDir()
	store, err := staging.Open(config.Staging{Path: filepath.Join(dir, "staging.db"), BusyTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	broker := queue.NewRedisBroker(rdb, "test", time.Hour)

	pub := NewPublisher(store, broker, config.Batching{
		OutboxBatchSize:       200,
		OutboxSuperBatchSize:  1000,
		MaxResolutionAttempts: 5,
	}, obs.NewAuditLogger("", 0, 0), zap.NewNop())
	return pub, store, broker
}

func insertPendingEvent(t *testing.T, store *staging.Store, eventType model.OutboxEventType, payload []byte) {
	t.Helper()
	ctx := context.Background()
	err := store.Transaction(ctx, func(tx *sql.Tx) error {
		return store.InsertOutboxEvent(ctx, tx, model.OutboxEvent{
			EventType: eventType,
			Payload:   payload,
			Status:    model.OutboxPending,
			CreatedAt: time.Now(),
		})
	})
	require.NoError(t, err)
}

func TestProcessFindingInsertsPOIsAndEnqueuesAggregation(t *testing.T) {
	pub, store, broker := setupPublisher(t)
	ctx := context.Background()

	payload := FindingPayload{
		RunID: "run1",
		POIs: []model.POI{
			{RunID: "run1", FileID: 1, Name: "Foo", Type: model.POIFunctionDefinition, SemanticID: "foo", Hash: "h1"},
		},
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	insertPendingEvent(t, store, model.EventFileAnalysisFinding, body)

	require.NoError(t, pub.PollOnce(ctx))

	count, err := store.PendingOutboxCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, count)

	counts, err := broker.Counts(ctx, config.QueueDirectoryAggregation)
	require.NoError(t, err)
	require.EqualValues(t, 1, counts.Waiting)
}

func TestRelationshipHeldUntilEndpointsResolve(t *testing.T) {
	pub, store, broker := setupPublisher(t)
	ctx := context.Background()

	relPayload := RelationshipPayload{
		RunID:  "run1",
		Type:   "CALLS",
		Source: model.RelationshipRef{SemanticID: "caller"},
		Target: model.RelationshipRef{SemanticID: "callee"},
	}
	body, err := json.Marshal(relPayload)
	require.NoError(t, err)
	insertPendingEvent(t, store, model.EventRelationshipCreation, body)

	require.NoError(t, pub.PollOnce(ctx))
	count, err := store.PendingOutboxCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count, "relationship should be held, endpoints unresolved")

	finding := FindingPayload{
		RunID: "run1",
		POIs: []model.POI{
			{RunID: "run1", FileID: 1, Name: "caller", Type: model.POIFunctionDefinition, SemanticID: "caller", Hash: "hcaller"},
			{RunID: "run1", FileID: 1, Name: "callee", Type: model.POIFunctionDefinition, SemanticID: "callee", Hash: "hcallee"},
		},
	}
	fbody, err := json.Marshal(finding)
	require.NoError(t, err)
	insertPendingEvent(t, store, model.EventFileAnalysisFinding, fbody)

	require.NoError(t, pub.PollOnce(ctx))
	require.NoError(t, pub.PollOnce(ctx))

	count, err = store.PendingOutboxCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, count)

	counts, err := broker.Counts(ctx, config.QueueRelationshipResolution)
	require.NoError(t, err)
	require.EqualValues(t, 1, counts.Waiting)
}

func TestProcessFindingEnqueuesExactlyOneAggregationJobPerFileRegardlessOfPOICount(t *testing.T) {
	pub, store, broker := setupPublisher(t)
	ctx := context.Background()

	zeroPOIs := FindingPayload{RunID: "run1", FilePath: "a.go"}
	body, err := json.Marshal(zeroPOIs)
	require.NoError(t, err)
	insertPendingEvent(t, store, model.EventFileAnalysisFinding, body)

	multiPOIs := FindingPayload{
		RunID:    "run1",
		FilePath: "b.go",
		POIs: []model.POI{
			{RunID: "run1", FileID: 2, Name: "One", Type: model.POIFunctionDefinition, SemanticID: "one", Hash: "h1"},
			{RunID: "run1", FileID: 2, Name: "Two", Type: model.POIFunctionDefinition, SemanticID: "two", Hash: "h2"},
			{RunID: "run1", FileID: 2, Name: "Three", Type: model.POIFunctionDefinition, SemanticID: "three", Hash: "h3"},
		},
	}
	body, err = json.Marshal(multiPOIs)
	require.NoError(t, err)
	insertPendingEvent(t, store, model.EventFileAnalysisFinding, body)

	require.NoError(t, pub.PollOnce(ctx))

	count, err := store.PendingOutboxCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, count)

	counts, err := broker.Counts(ctx, config.QueueDirectoryAggregation)
	require.NoError(t, err)
	require.EqualValues(t, 2, counts.Waiting, "one aggregation job per file, not per POI")
}

func TestMalformedRelationshipPayloadExhaustsImmediately(t *testing.T) {
	pub, store, _ := setupPublisher(t)
	ctx := context.Background()
	insertPendingEvent(t, store, model.EventRelationshipCreation, []byte(`not json`))

	require.NoError(t, pub.PollOnce(ctx))
	count, err := store.PendingOutboxCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, count, "malformed payload should be marked FAILED, not left PENDING")
}
