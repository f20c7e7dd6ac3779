// Copyright 2025 James Ross
// Package validation implements the Validation half of C8: for every
// candidate relationship a validation batch job names, it runs C6's
// confidence scorer, triggers C7 triangulation when the score falls
// below the triangulation threshold, and records the outcome as evidence
// so the Reconciliation stage (internal/reconcile) can finalize it.
package validation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codegraph/analysis-pipeline/internal/config"
	"github.com/codegraph/analysis-pipeline/internal/model"
	"github.com/codegraph/analysis-pipeline/internal/obs"
	"github.com/codegraph/analysis-pipeline/internal/queue"
	"github.com/codegraph/analysis-pipeline/internal/reconcile"
	"github.com/codegraph/analysis-pipeline/internal/scoring"
	"github.com/codegraph/analysis-pipeline/internal/staging"
	"github.com/codegraph/analysis-pipeline/internal/triangulation"
)

type relationshipRef struct {
	RelationshipID int64  `json:"relationship_id"`
	RunID          string `json:"run_id"`
	Type           string `json:"type"`
	// ExpectedCount is locked in before triangulation runs, since
	// UpsertEvidence fixes expected_count on the first evidence item it
	// sees for a relationship. It is only meaningful on triangulated-
	// analysis jobs; the direct-validate path computes it inline instead.
	ExpectedCount int `json:"expected_count,omitempty"`
}

type batchPayload struct {
	RunID         string            `json:"run_id"`
	Relationships []relationshipRef `json:"relationships"`
}

// Handler backs both the validation and triangulated-analysis queues'
// internal/worker.Consumer: Handle runs C6's scorer and, when a
// relationship needs triangulation, enqueues it onto
// config.QueueTriangulatedAnalysis rather than calling C7 inline, so
// triangulation sessions run under their own queue's concurrency,
// backoff, and dead-letter policy instead of borrowing validation's.
// HandleTriangulated is C7's consumer entrypoint for that queue.
type Handler struct {
	store        *staging.Store
	broker       queue.Broker
	validator    *reconcile.Validator
	triangulator *triangulation.Coordinator
	thresholds   config.Thresholds
	weights      scoring.Weights
	log          *zap.Logger
}

func NewHandler(store *staging.Store, broker queue.Broker, validator *reconcile.Validator, triangulator *triangulation.Coordinator, thresholds config.Thresholds, log *zap.Logger) *Handler {
	return &Handler{
		store:        store,
		broker:       broker,
		validator:    validator,
		triangulator: triangulator,
		thresholds:   thresholds,
		weights:      scoring.DefaultWeights(),
		log:          log,
	}
}

// Handle processes one super-batched validation job: every relationship
// it names is scored, triangulated if needed, and handed to the evidence
// tracker. A per-relationship failure is logged and skipped rather than
// failing the whole batch, since relationships in one batch are
// otherwise unrelated.
func (h *Handler) Handle(ctx context.Context, job *queue.Job) error {
	var batch batchPayload
	if err := json.Unmarshal(job.Payload, &batch); err != nil {
		return err
	}

	for _, ref := range batch.Relationships {
		if err := h.processOne(ctx, ref); err != nil {
			h.log.Warn("validation: relationship processing failed", obs.Err(err), zap.Int64("relationship_id", ref.RelationshipID))
		}
	}
	return nil
}

func (h *Handler) processOne(ctx context.Context, ref relationshipRef) error {
	rel, err := h.store.GetRelationship(ctx, ref.RelationshipID)
	if err != nil {
		return err
	}

	// The initial analysis pass has no per-factor breakdown from the
	// classifier; treat its single candidate evidence item as a uniform
	// moderate-confidence signal across all four factors. A relationship
	// type other than a direct call site (the only kind the resolution
	// stage currently names with high syntactic certainty) is penalized
	// as ambiguous, since it has no corroborating call-site evidence yet.
	ev := scoring.Evidence{Syntax: 0.6, Semantic: 0.6, Context: 0.6, CrossRef: 0.6}
	if ref.Type != "CALLS" {
		ev.Penalty = scoring.PenaltyAmbiguous
	}
	evidence := []scoring.Evidence{ev}
	result := scoring.Score(evidence, h.weights, h.thresholds.TriangulationTrigger)

	corroboration, err := h.corroboratingFiles(ctx, ref, rel)
	if err != nil {
		return err
	}

	// expected_count is fixed by the first evidence row UpsertEvidence
	// writes for this relationship hash, so it must already account for
	// every source that will ever report: the initial pass, one slot per
	// triangulation agent if this relationship escalates, and one slot
	// per distinct file that independently reported the same edge.
	expected := 1 + len(corroboration)
	if result.EscalationNeeded {
		expected += triangulation.AgentCount()
	}

	if err := h.validator.RecordEvidence(ctx, ref.RunID, rel, expected, result.FinalConfidence); err != nil {
		return err
	}
	for range corroboration {
		if err := h.validator.RecordEvidence(ctx, ref.RunID, rel, expected, result.FinalConfidence); err != nil {
			return err
		}
	}

	if !result.EscalationNeeded {
		return h.store.Transaction(ctx, func(tx *sql.Tx) error {
			return h.store.UpdateRelationshipConfidence(ctx, tx, rel.ID, result.FinalConfidence, model.RelationshipValidated, false)
		})
	}

	body, err := json.Marshal(relationshipRef{RelationshipID: ref.RelationshipID, RunID: ref.RunID, Type: ref.Type, ExpectedCount: expected})
	if err != nil {
		return err
	}
	_, err = h.broker.Enqueue(ctx, config.QueueTriangulatedAnalysis, body, queue.Options{
		Attempts:       3,
		Backoff:        queue.Backoff{Type: "exponential", Delay: time.Second},
		IdempotencyKey: fmt.Sprintf("triangulate:%d", ref.RelationshipID),
	})
	if err = queue.IgnoreDuplicate(err); err == nil {
		obs.JobsEnqueued.WithLabelValues(config.QueueTriangulatedAnalysis).Inc()
	}
	return err
}

// corroboratingFiles returns the distinct files, other than rel's own,
// that independently produced a candidate relationship between the same
// endpoint pair and type — spec §4.8's "cross-file corroboration" source.
func (h *Handler) corroboratingFiles(ctx context.Context, ref relationshipRef, rel model.Relationship) ([]string, error) {
	candidates, err := h.store.RelationshipsByEndpoints(ctx, ref.RunID, rel.SourcePOIID, rel.TargetPOIID, ref.Type)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{rel.FilePath: {}}
	var files []string
	for _, c := range candidates {
		if _, ok := seen[c.FilePath]; ok {
			continue
		}
		seen[c.FilePath] = struct{}{}
		files = append(files, c.FilePath)
	}
	return files, nil
}

// HandleTriangulated is C7's consumer entrypoint: it runs one
// triangulation session for the named relationship and records the
// outcome as evidence, unless the session rejected the relationship
// outright (a terminal state that needs no further accumulation).
func (h *Handler) HandleTriangulated(ctx context.Context, job *queue.Job) error {
	var ref relationshipRef
	if err := json.Unmarshal(job.Payload, &ref); err != nil {
		return err
	}

	rel, err := h.store.GetRelationship(ctx, ref.RelationshipID)
	if err != nil {
		return err
	}

	sessionID := uuid.NewString()
	outcomes, err := h.triangulator.RunSession(ctx, sessionID, rel)
	if err != nil {
		return err
	}

	updated, err := h.store.GetRelationship(ctx, ref.RelationshipID)
	if err != nil {
		return err
	}
	if updated.Status == model.RelationshipRejected {
		return nil
	}

	expected := ref.ExpectedCount
	if expected <= 0 {
		// Defensive fallback for a job enqueued before ExpectedCount
		// existed; counts the initial pass and the triangulation agents
		// as processOne does, but not corroborating files.
		expected = 1 + triangulation.AgentCount()
	}
	for _, outcome := range outcomes {
		if err := h.validator.RecordEvidence(ctx, ref.RunID, updated, expected, outcome.Confidence); err != nil {
			return err
		}
	}
	return nil
}
