// Copyright 2025 James Ross
// Package reconcile implements C8: evidence aggregation per relationship,
// then deduplication and finalization once evidence accumulation
// completes.
package reconcile

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/codegraph/analysis-pipeline/internal/config"
	"github.com/codegraph/analysis-pipeline/internal/model"
	"github.com/codegraph/analysis-pipeline/internal/obs"
	"github.com/codegraph/analysis-pipeline/internal/queue"
	"github.com/codegraph/analysis-pipeline/internal/staging"
)

// RelationshipHash identifies a candidate edge independent of which pass
// produced it, for relationship_evidence_tracking's dedup key.
func RelationshipHash(runID string, sourcePOIID, targetPOIID int64, relType string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d:%s", runID, sourcePOIID, targetPOIID, relType)))
	return hex.EncodeToString(h[:])
}

// Validator tracks evidence per relationship via C3's
// relationship_evidence_tracking table and enqueues a reconciliation job
// once a relationship's expected evidence count is reached, per spec
// §4.8's Validation stage.
type Validator struct {
	store  *staging.Store
	broker queue.Broker
	log    *zap.Logger
}

func NewValidator(store *staging.Store, broker queue.Broker, log *zap.Logger) *Validator {
	return &Validator{store: store, broker: broker, log: log}
}

// RecordEvidence adds one evidence item (initial analysis, a
// triangulation agent, or cross-file corroboration) for a relationship
// and, once expectedCount is reached, emits a reconciliation job.
func (v *Validator) RecordEvidence(ctx context.Context, runID string, rel model.Relationship, expectedCount int, confidence float64) error {
	hash := RelationshipHash(runID, rel.SourcePOIID, rel.TargetPOIID, rel.Type)
	var ev model.RelationshipEvidence
	err := v.store.Transaction(ctx, func(tx *sql.Tx) error {
		var err error
		ev, err = v.store.UpsertEvidence(ctx, tx, runID, hash, expectedCount, confidence)
		return err
	})
	if err != nil {
		return err
	}
	if ev.Status != model.EvidenceCompleted {
		return nil
	}

	body, err := json.Marshal(map[string]any{
		"run_id":            runID,
		"relationship_hash": hash,
		"source_poi_id":     rel.SourcePOIID,
		"target_poi_id":     rel.TargetPOIID,
		"type":              rel.Type,
	})
	if err != nil {
		return err
	}
	_, err = v.broker.Enqueue(ctx, config.QueueReconciliation, body, queue.Options{
		Attempts:       3,
		Backoff:        queue.Backoff{Type: "exponential", Delay: time.Second},
		IdempotencyKey: "reconcile:" + hash,
	})
	if err = queue.IgnoreDuplicate(err); err == nil {
		obs.JobsEnqueued.WithLabelValues(config.QueueReconciliation).Inc()
	}
	return err
}

// Reconciler deduplicates relationships sharing an endpoint triple,
// finalizes their status, and emits a graph-ingestion job, per spec
// §4.8's Reconciliation stage.
type Reconciler struct {
	store     *staging.Store
	broker    queue.Broker
	threshold float64
	audit     *obs.AuditLogger
	log       *zap.Logger
}

func NewReconciler(store *staging.Store, broker queue.Broker, threshold float64, audit *obs.AuditLogger, log *zap.Logger) *Reconciler {
	return &Reconciler{store: store, broker: broker, threshold: threshold, audit: audit, log: log}
}

// reconciliationJob is the shape Validator.RecordEvidence enqueues onto
// reconciliation once a relationship's evidence accumulation completes.
type reconciliationJob struct {
	RunID       string `json:"run_id"`
	SourcePOIID int64  `json:"source_poi_id"`
	TargetPOIID int64  `json:"target_poi_id"`
	Type        string `json:"type"`
}

// HandleReconciliation is C8's reconciliation-stage consumer entrypoint.
func (r *Reconciler) HandleReconciliation(ctx context.Context, job *queue.Job) error {
	var p reconciliationJob
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return err
	}
	return r.Reconcile(ctx, p.RunID, p.SourcePOIID, p.TargetPOIID, p.Type)
}

// Reconcile dedups candidates for (runID, sourcePOIID, targetPOIID,
// relType) keeping the maximum confidence, finalizes RECONCILED or
// REJECTED by threshold, and emits a graph-ingestion job for the winner.
func (r *Reconciler) Reconcile(ctx context.Context, runID string, sourcePOIID, targetPOIID int64, relType string) error {
	candidates, err := r.store.RelationshipsByEndpoints(ctx, runID, sourcePOIID, targetPOIID, relType)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Confidence > best.Confidence {
			best = c
		}
	}

	status := model.RelationshipRejected
	if best.Confidence >= r.threshold {
		status = model.RelationshipReconciled
	}

	err = r.store.Transaction(ctx, func(tx *sql.Tx) error {
		return r.store.UpdateRelationshipConfidence(ctx, tx, best.ID, best.Confidence, status, best.EscalatedToHuman)
	})
	if err != nil {
		return err
	}
	if status != model.RelationshipReconciled {
		r.audit.Record(runID, "relationship_rejected", fmt.Sprintf("id=%d confidence=%.3f threshold=%.3f", best.ID, best.Confidence, r.threshold))
		return nil
	}

	body, err := json.Marshal(map[string]any{
		"run_id":          runID,
		"relationship_id": best.ID,
		"source_poi_id":   sourcePOIID,
		"target_poi_id":   targetPOIID,
		"type":            relType,
		"confidence":      best.Confidence,
	})
	if err != nil {
		return err
	}
	_, err = r.broker.Enqueue(ctx, config.QueueGraphIngestion, body, queue.Options{
		Attempts:       3,
		Backoff:        queue.Backoff{Type: "exponential", Delay: time.Second},
		IdempotencyKey: fmt.Sprintf("graph:%d", best.ID),
	})
	if err = queue.IgnoreDuplicate(err); err == nil {
		obs.JobsEnqueued.WithLabelValues(config.QueueGraphIngestion).Inc()
	}
	return err
}
