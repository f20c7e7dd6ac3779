// Copyright 2025 James Ross
package validation

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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
	"github.com/codegraph/analysis-pipeline/internal/reconcile"
	"github.com/codegraph/analysis-pipeline/internal/staging"
	"github.com/codegraph/analysis-pipeline/internal/triangulation"
)

func setup(t *testing.T, classifierHandler http.HandlerFunc) (*Handler, *staging.Store, *queue.RedisBroker) {
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

	srv := httptest.NewServer(classifierHandler)
	t.Cleanup(srv.Close)
	cl := classifier.New(config.Classifier{Endpoint: srv.URL, APIRateLimit: 1000}, zap.NewNop())

	validator := reconcile.NewValidator(store, broker, zap.NewNop())
	coordinator := triangulation.NewCoordinator(store, cl, nil, config.Thresholds{ConsensusAccept: 0.65, ConsensusReject: 0.35, AgreementMin: 0.67}, config.Triangulation{}, zap.NewNop())
	thresholds := config.Thresholds{ConfidenceEscalation: 0.45, TriangulationTrigger: 0.45, ConsensusAccept: 0.65, ConsensusReject: 0.35, AgreementMin: 0.67}
	h := NewHandler(store, broker, validator, coordinator, thresholds, zap.NewNop())
	return h, store, broker
}

func insertRelationship(t *testing.T, store *staging.Store, rel model.Relationship) int64 {
	t.Helper()
	var id int64
	require.NoError(t, store.Transaction(context.Background(), func(tx *sql.Tx) error {
		var err error
		id, err = store.InsertRelationship(context.Background(), tx, rel)
		return err
	}))
	return id
}

func TestHandleValidatesDirectlyWhenAboveTriangulationThreshold(t *testing.T) {
	h, store, broker := setup(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(classifier.TriangulationResponse{})
	})
	ctx := context.Background()

	id := insertRelationship(t, store, model.Relationship{RunID: "run1", SourcePOIID: 1, TargetPOIID: 2, Type: "CALLS", Status: model.RelationshipPending})

	body, err := json.Marshal(batchPayload{RunID: "run1", Relationships: []relationshipRef{{RelationshipID: id, RunID: "run1", Type: "CALLS"}}})
	require.NoError(t, err)
	require.NoError(t, h.Handle(ctx, &queue.Job{Payload: body}))

	rel, err := store.GetRelationship(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.RelationshipValidated, rel.Status)

	counts, err := broker.Counts(ctx, config.QueueReconciliation)
	require.NoError(t, err)
	require.EqualValues(t, 1, counts.Waiting, "a single initial-pass evidence item should complete accumulation and enqueue reconciliation")
}

func TestHandleEscalatesAmbiguousTypeToTriangulation(t *testing.T) {
	h, store, broker := setup(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(classifier.TriangulationResponse{Confidence: 0.9, EvidenceStrength: 1.0, Reasoning: "agrees"})
	})
	ctx := context.Background()

	id := insertRelationship(t, store, model.Relationship{RunID: "run1", SourcePOIID: 1, TargetPOIID: 2, Type: "IMPORTS", Status: model.RelationshipPending})

	body, err := json.Marshal(batchPayload{RunID: "run1", Relationships: []relationshipRef{{RelationshipID: id, RunID: "run1", Type: "IMPORTS"}}})
	require.NoError(t, err)
	require.NoError(t, h.Handle(ctx, &queue.Job{Payload: body}))

	counts, err := broker.Counts(ctx, config.QueueTriangulatedAnalysis)
	require.NoError(t, err)
	require.EqualValues(t, 1, counts.Waiting, "low confidence should hand off to the triangulated-analysis queue rather than triangulating inline")

	job, err := broker.Reserve(ctx, config.QueueTriangulatedAnalysis, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, h.HandleTriangulated(ctx, job))

	rel, err := store.GetRelationship(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.RelationshipValidated, rel.Status, "three agreeing agents at 0.9 confidence should ACCEPT")
	require.Greater(t, rel.Confidence, 0.8)
}
