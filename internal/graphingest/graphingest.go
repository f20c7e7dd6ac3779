// Copyright 2025 James Ross
// Package graphingest implements C9: idempotent upserts of POIs (nodes)
// and relationships (edges) into the external property-graph store.
// Keying by (run_id, hash) and (run_id, source_poi_id, target_poi_id,
// type) makes retries and duplicate jobs no-ops.
package graphingest

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/codegraph/analysis-pipeline/internal/obs"
	"github.com/codegraph/analysis-pipeline/internal/queue"
	"github.com/codegraph/analysis-pipeline/internal/staging"
)

// Node is a POI projected into the graph store's node shape.
type Node struct {
	RunID      string
	Hash       string
	Name       string
	Type       string
	SemanticID string
	IsExported bool
}

// Edge is a relationship projected into the graph store's edge shape.
type Edge struct {
	RunID       string
	SourcePOIID int64
	TargetPOIID int64
	Type        string
	Confidence  float64
}

// GraphStore is the external property-graph database C9 writes to. It is
// explicitly out of scope per the system's non-goals; this interface is
// its contract.
type GraphStore interface {
	UpsertNode(ctx context.Context, n Node) error
	UpsertEdge(ctx context.Context, e Edge) error
}

// Ingester applies a run's finalized POIs and relationships to the graph
// store. Every operation is idempotent: a duplicate job is a no-op by
// design, and a failed job is safely retriable.
type Ingester struct {
	store *staging.Store
	graph GraphStore
	log   *zap.Logger
}

func NewIngester(store *staging.Store, graph GraphStore, log *zap.Logger) *Ingester {
	return &Ingester{store: store, graph: graph, log: log}
}

func (i *Ingester) IngestNode(ctx context.Context, n Node) error {
	return i.graph.UpsertNode(ctx, n)
}

func (i *Ingester) IngestEdge(ctx context.Context, e Edge) error {
	return i.graph.UpsertEdge(ctx, e)
}

// ingestionJob is the shape reconcile.Reconciler.Reconcile enqueues onto
// graph-ingestion once a candidate relationship wins reconciliation.
type ingestionJob struct {
	RunID          string  `json:"run_id"`
	RelationshipID int64   `json:"relationship_id"`
	SourcePOIID    int64   `json:"source_poi_id"`
	TargetPOIID    int64   `json:"target_poi_id"`
	Type           string  `json:"type"`
	Confidence     float64 `json:"confidence"`
}

// HandleIngestion is C9's consumer entrypoint: it ingests both endpoint
// nodes (looked up by id, since the job only names them) and the edge
// between them. Node upserts run first so the edge never references a
// node the graph store hasn't seen yet.
func (i *Ingester) HandleIngestion(ctx context.Context, job *queue.Job) error {
	var p ingestionJob
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return err
	}

	for _, poiID := range []int64{p.SourcePOIID, p.TargetPOIID} {
		poi, err := i.store.GetPOI(ctx, poiID)
		if err != nil {
			return err
		}
		if err := i.IngestNode(ctx, Node{
			RunID:      p.RunID,
			Hash:       poi.Hash,
			Name:       poi.Name,
			Type:       string(poi.Type),
			SemanticID: poi.SemanticID,
			IsExported: poi.IsExported,
		}); err != nil {
			return err
		}
	}

	if err := i.IngestEdge(ctx, Edge{
		RunID:       p.RunID,
		SourcePOIID: p.SourcePOIID,
		TargetPOIID: p.TargetPOIID,
		Type:        p.Type,
		Confidence:  p.Confidence,
	}); err != nil {
		return err
	}
	obs.JobsCompleted.WithLabelValues("graph-ingestion").Inc()
	i.log.Debug("graph ingestion complete", zap.Int64("relationship_id", p.RelationshipID))
	return nil
}
