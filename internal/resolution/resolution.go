// Copyright 2025 James Ross
// Package resolution implements the directory-aggregation,
// directory-resolution, and global-resolution stages named in spec §6's
// queue list: the pass that turns a newly-discovered POI's classifier-
// reported references into candidate relationship-creation outbox
// events. It never writes a relationship row directly — every candidate
// edge flows through C4's outbox so POI-name resolution stays the single
// correctness boundary described there.
package resolution

import (
	"context"
	"database/sql"
	"encoding/json"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/codegraph/analysis-pipeline/internal/classifier"
	"github.com/codegraph/analysis-pipeline/internal/config"
	"github.com/codegraph/analysis-pipeline/internal/model"
	"github.com/codegraph/analysis-pipeline/internal/obs"
	"github.com/codegraph/analysis-pipeline/internal/outbox"
	"github.com/codegraph/analysis-pipeline/internal/queue"
	"github.com/codegraph/analysis-pipeline/internal/staging"
)

// poiJob is the per-file payload shape C4's processFinding emits onto
// directory-aggregation, carried through directory-resolution and
// global-resolution. POIs may be empty — a file can be analyzed and
// produce no POIs, and it still owes the run one pass through this chain.
type poiJob struct {
	RunID    string      `json:"run_id"`
	FilePath string      `json:"file_path"`
	FileID   int64       `json:"file_id"`
	POIs     []model.POI `json:"pois"`
	Dir      string      `json:"dir,omitempty"`
}

func fileIDOf(pois []model.POI) int64 {
	if len(pois) == 0 {
		return 0
	}
	return pois[0].FileID
}

// Resolver holds the staging store and broker every resolution stage
// shares; its three Handle* methods back one internal/worker.Consumer
// each.
type Resolver struct {
	store  *staging.Store
	broker queue.Broker
	log    *zap.Logger
}

func NewResolver(store *staging.Store, broker queue.Broker, log *zap.Logger) *Resolver {
	return &Resolver{store: store, broker: broker, log: log}
}

// HandleAggregation accepts one file's POIs (possibly none), per spec's
// directory-aggregation queue, and forwards them to directory-resolution
// tagged with the containing directory. No DB write happens here;
// aggregation is a logical grouping step, not a persistence boundary.
func (r *Resolver) HandleAggregation(ctx context.Context, job *queue.Job) error {
	var p poiJob
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return err
	}

	dir := "."
	if p.FilePath != "" {
		dir = path.Dir(p.FilePath)
	}
	body, err := json.Marshal(map[string]any{
		"run_id": p.RunID, "file_path": p.FilePath, "file_id": fileIDOf(p.POIs), "pois": p.POIs, "dir": dir,
	})
	if err != nil {
		return err
	}
	_, err = r.broker.Enqueue(ctx, config.QueueDirectoryResolution, body, queue.Options{
		Attempts:       3,
		Backoff:        queue.Backoff{Type: "exponential", Delay: time.Second},
		IdempotencyKey: "diraggr:" + job.ID,
	})
	if err = queue.IgnoreDuplicate(err); err == nil {
		obs.JobsEnqueued.WithLabelValues(config.QueueDirectoryResolution).Inc()
	}
	return err
}

// HandleDirectoryResolution inspects each POI's classifier-reported
// references (carried in LLMOutput) and emits a relationship-creation
// outbox event per reference, naming both endpoints symbolically so C4
// resolves them within the run. It then forwards the whole file to
// global-resolution so every processed file still passes through the
// full named queue chain, even one with zero POIs or zero references.
func (r *Resolver) HandleDirectoryResolution(ctx context.Context, job *queue.Job) error {
	var p poiJob
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return err
	}

	for _, poi := range p.POIs {
		var cr classifier.POIResult
		if poi.LLMOutput != "" {
			if err := json.Unmarshal([]byte(poi.LLMOutput), &cr); err != nil {
				r.log.Warn("resolution: malformed llm_output, skipping reference extraction", obs.Err(err), zap.String("poi_hash", poi.Hash))
				cr = classifier.POIResult{}
			}
		}

		for _, ref := range cr.References {
			if ref == "" {
				continue
			}
			rp := outbox.RelationshipPayload{
				RunID:    p.RunID,
				Type:     "CALLS",
				FilePath: p.FilePath,
				Source:   model.RelationshipRef{SemanticID: poi.SemanticID, Name: poi.Name},
				Target:   model.RelationshipRef{Name: ref},
				Reason:   "classifier-reported reference",
				Evidence: poi.LLMOutput,
			}
			payload, err := json.Marshal(rp)
			if err != nil {
				return err
			}
			if err := r.insertRelationshipEvent(ctx, p.RunID, payload); err != nil {
				return err
			}
		}
	}

	body, err := json.Marshal(map[string]any{"run_id": p.RunID, "file_path": p.FilePath, "file_id": p.FileID, "pois": p.POIs})
	if err != nil {
		return err
	}
	_, err = r.broker.Enqueue(ctx, config.QueueGlobalResolution, body, queue.Options{
		Attempts:       3,
		Backoff:        queue.Backoff{Type: "exponential", Delay: time.Second},
		IdempotencyKey: "dirres:" + job.ID,
	})
	if err = queue.IgnoreDuplicate(err); err == nil {
		obs.JobsEnqueued.WithLabelValues(config.QueueGlobalResolution).Inc()
	}
	return err
}

// HandleGlobalResolution is the terminal stage for a file's resolution
// pass. Cross-directory resolution of candidate relationships already
// happens once in C4 (POI-ID resolution is scoped to run_id, not to a
// directory), and duplicate candidates are merged by reconciliation, so
// this stage only accounts for completion.
func (r *Resolver) HandleGlobalResolution(ctx context.Context, job *queue.Job) error {
	var p poiJob
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return err
	}
	obs.JobsCompleted.WithLabelValues("global-resolution").Inc()
	return nil
}

// HandleRelationshipResolution is the named relationship-resolution
// stage between C4 and C6: C4 already resolved each relationship's POI
// name/semantic_id references to row ids before this job was enqueued,
// so there is no further resolution work here — the hop exists so the
// broker's relationship-resolution queue (and its dead-letter/backoff
// policy) covers this leg of the pipeline independently of validation's.
// The super-batch is forwarded to validation unchanged.
func (r *Resolver) HandleRelationshipResolution(ctx context.Context, job *queue.Job) error {
	var batch struct {
		RunID         string            `json:"run_id"`
		Relationships []json.RawMessage `json:"relationships"`
	}
	if err := json.Unmarshal(job.Payload, &batch); err != nil {
		return err
	}

	_, err := r.broker.Enqueue(ctx, config.QueueValidation, job.Payload, queue.Options{
		Attempts:       3,
		Backoff:        queue.Backoff{Type: "exponential", Delay: time.Second},
		IdempotencyKey: "relres:" + job.ID,
	})
	if err = queue.IgnoreDuplicate(err); err == nil {
		obs.JobsEnqueued.WithLabelValues(config.QueueValidation).Inc()
	}
	return err
}

func (r *Resolver) insertRelationshipEvent(ctx context.Context, runID string, payload []byte) error {
	return r.store.Transaction(ctx, func(tx *sql.Tx) error {
		return r.store.InsertOutboxEvent(ctx, tx, model.OutboxEvent{
			RunID:     runID,
			EventType: model.EventRelationshipCreation,
			Payload:   payload,
			Status:    model.OutboxPending,
			CreatedAt: time.Now().UTC(),
		})
	})
}
