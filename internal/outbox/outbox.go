// Copyright 2025 James Ross
// Package outbox implements C4, the transactional outbox publisher: the
// strongest correctness boundary in the pipeline. No downstream job is
// enqueued unless the corresponding outbox row is marked PUBLISHED in the
// same logical transaction that resolved it.
package outbox

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

// FindingPayload is the file-analysis-finding outbox payload: POIs
// discovered for one file.
type FindingPayload struct {
	RunID    string      `json:"run_id"`
	FilePath string      `json:"file_path"`
	POIs     []model.POI `json:"pois"`
}

// RelationshipPayload is the relationship-creation outbox payload: a
// candidate edge named by endpoint references, not database identifiers.
type RelationshipPayload struct {
	RunID    string                `json:"run_id"`
	Type     string                `json:"type"`
	FilePath string                `json:"file_path"`
	Source   model.RelationshipRef `json:"source"`
	Target   model.RelationshipRef `json:"target"`
	Reason   string                `json:"reason"`
	Evidence string                `json:"evidence"`
}

// Publisher runs the single cooperative polling task per process that
// drains PENDING outbox rows, per spec §4.4.
type Publisher struct {
	store  *staging.Store
	broker queue.Broker
	cfg    config.Batching
	audit  *obs.AuditLogger
	log    *zap.Logger

	stop chan struct{}
	done chan struct{}
}

func NewPublisher(store *staging.Store, broker queue.Broker, cfg config.Batching, audit *obs.AuditLogger, log *zap.Logger) *Publisher {
	return &Publisher{
		store:  store,
		broker: broker,
		cfg:    cfg,
		audit:  audit,
		log:    log,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start runs the poll loop until Stop is called or ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) {
	interval := p.cfg.OutboxPollingInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-ticker.C:
				start := time.Now()
				if err := p.PollOnce(ctx); err != nil {
					p.log.Error("outbox poll failed", obs.Err(err))
				}
				obs.OutboxPollDuration.Observe(time.Since(start).Seconds())
			}
		}
	}()
}

func (p *Publisher) Stop() {
	close(p.stop)
	<-p.done
}

// PollOnce reserves up to pollBatchSize PENDING rows, groups them by
// event_type, and processes each group within a single transaction, per
// spec §4.4 steps 1-2 and 5. Relationship resolution never calls the
// classifier, so holding the transaction open across this whole cycle
// does not violate spec §5's rule against suspending the database across
// a classifier call.
func (p *Publisher) PollOnce(ctx context.Context) error {
	batchSize := p.cfg.OutboxBatchSize
	if batchSize <= 0 {
		batchSize = 200
	}

	err := p.store.Transaction(ctx, func(tx *sql.Tx) error {
		reserved, err := p.store.ReservePendingOutboxEvents(ctx, tx, batchSize)
		if err != nil {
			return err
		}

		findings := make([]model.OutboxEvent, 0, len(reserved))
		relationships := make([]model.OutboxEvent, 0, len(reserved))
		for _, e := range reserved {
			switch e.EventType {
			case model.EventFileAnalysisFinding:
				findings = append(findings, e)
			case model.EventRelationshipCreation:
				relationships = append(relationships, e)
			}
		}

		for _, e := range findings {
			if err := p.processFinding(ctx, tx, e); err != nil {
				return err
			}
		}
		if len(relationships) > 0 {
			if err := p.processRelationshipBatch(ctx, tx, relationships); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	pending, err := p.store.PendingOutboxCount(ctx)
	if err == nil {
		obs.OutboxPending.Set(float64(pending))
	}
	return nil
}

// processFinding persists the event's POIs idempotently by hash, then
// emits exactly one directory-aggregation job for the file, per spec
// §4.4 step 2 and §4.5 ("for every processed file, batched or not,
// enqueue a directory-aggregation job") — including files with zero
// POIs, which are a valid analysis outcome.
func (p *Publisher) processFinding(ctx context.Context, tx *sql.Tx, e model.OutboxEvent) error {
	var payload FindingPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		// Malformed finding payload can never resolve on retry; publish it
		// away so the poll loop doesn't spin on it forever.
		return p.store.MarkOutboxPublished(ctx, tx, e.ID)
	}
	if err := p.store.InsertPOIs(ctx, tx, payload.POIs); err != nil {
		return err
	}

	idemKey := idempotencyKey(payload.RunID, fmt.Sprintf("%d:diraggr", e.ID))
	body, err := json.Marshal(map[string]any{"run_id": payload.RunID, "file_path": payload.FilePath, "pois": payload.POIs})
	if err != nil {
		return err
	}
	if _, err := p.broker.Enqueue(ctx, config.QueueDirectoryAggregation, body, queue.Options{
		Attempts:       3,
		Backoff:        queue.Backoff{Type: "exponential", Delay: time.Second},
		IdempotencyKey: idemKey,
	}); queue.IgnoreDuplicate(err) != nil {
		return err
	}
	obs.JobsEnqueued.WithLabelValues(config.QueueDirectoryAggregation).Inc()

	return p.store.MarkOutboxPublished(ctx, tx, e.ID)
}

// processRelationshipBatch resolves each event's endpoint references to
// POI row ids, inserting a relationship row per resolved event and
// holding unresolved ones for a later poll, per spec §4.4 step 3. The
// resolved set is coalesced into up to superBatchSize
// relationship-resolution jobs, per step 4.
func (p *Publisher) processRelationshipBatch(ctx context.Context, tx *sql.Tx, events []model.OutboxEvent) error {
	superBatchSize := p.cfg.OutboxSuperBatchSize
	if superBatchSize <= 0 {
		superBatchSize = 1000
	}
	maxAttempts := p.cfg.MaxResolutionAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	resolved := make([]map[string]any, 0, len(events))
	resolvedEventIDs := make([]int64, 0, len(events))
	var runID string
	for _, e := range events {
		var payload RelationshipPayload
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			if err := p.store.HoldOutboxEvent(ctx, tx, e.ID, maxAttempts, maxAttempts, "malformed payload"); err != nil {
				return err
			}
			continue
		}
		runID = payload.RunID

		sourceID, sourceOK, err := p.store.ResolvePOI(ctx, tx, payload.RunID, refKey(payload.Source))
		if err != nil {
			return err
		}
		targetID, targetOK, err := p.store.ResolvePOI(ctx, tx, payload.RunID, refKey(payload.Target))
		if err != nil {
			return err
		}
		if !sourceOK || !targetOK {
			if err := p.store.HoldOutboxEvent(ctx, tx, e.ID, e.ResolutionAttempts+1, maxAttempts, "unresolved endpoint"); err != nil {
				return err
			}
			if e.ResolutionAttempts+1 >= maxAttempts {
				obs.OutboxFailed.Inc()
				p.audit.Record(payload.RunID, "outbox_resolution_exhausted", refKey(payload.Source)+"->"+refKey(payload.Target))
			}
			continue
		}

		rel := model.Relationship{
			RunID:       payload.RunID,
			SourcePOIID: sourceID,
			TargetPOIID: targetID,
			Type:        payload.Type,
			FilePath:    payload.FilePath,
			Status:      model.RelationshipPending,
			Reason:      payload.Reason,
			Evidence:    payload.Evidence,
		}
		relID, err := p.store.InsertRelationship(ctx, tx, rel)
		if err != nil {
			return err
		}
		resolved = append(resolved, map[string]any{
			"relationship_id": relID,
			"run_id":          payload.RunID,
			"type":            payload.Type,
		})
		resolvedEventIDs = append(resolvedEventIDs, e.ID)
		if err := p.store.MarkOutboxPublished(ctx, tx, e.ID); err != nil {
			return err
		}
	}

	for start := 0; start < len(resolved); start += superBatchSize {
		end := start + superBatchSize
		if end > len(resolved) {
			end = len(resolved)
		}
		chunk := resolved[start:end]
		body, err := json.Marshal(map[string]any{"run_id": runID, "relationships": chunk})
		if err != nil {
			return err
		}
		idemKey := idempotencyKey(runID, fmt.Sprintf("relbatch:%d-%d", resolvedEventIDs[start], resolvedEventIDs[end-1]))
		if _, err := p.broker.Enqueue(ctx, config.QueueRelationshipResolution, body, queue.Options{
			Attempts:       3,
			Backoff:        queue.Backoff{Type: "exponential", Delay: time.Second},
			IdempotencyKey: idemKey,
		}); queue.IgnoreDuplicate(err) != nil {
			return err
		}
		obs.JobsEnqueued.WithLabelValues(config.QueueRelationshipResolution).Inc()
	}
	return nil
}

func refKey(r model.RelationshipRef) string {
	if r.SemanticID != "" {
		return r.SemanticID
	}
	return r.Name
}

// idempotencyKey hashes (run_id, event_id) per spec §4.4 step 5.
func idempotencyKey(runID, eventID string) string {
	h := sha256.Sum256([]byte(runID + ":" + eventID))
	return hex.EncodeToString(h[:])
}
