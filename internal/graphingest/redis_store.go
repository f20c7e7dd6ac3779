// Copyright 2025 James Ross
package graphingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisGraphStore is the default GraphStore: a Redis-backed property
// graph keyed by run, so a run's nodes and edges can be swept or
// inspected independently of any other run sharing the same instance.
// It is a bridge implementation, not the system of record named in the
// system's non-goals — most deployments front it with a dedicated graph
// database and only keep this one for local and test runs.
type RedisGraphStore struct {
	client redis.Cmdable
}

func NewRedisGraphStore(client redis.Cmdable) *RedisGraphStore {
	return &RedisGraphStore{client: client}
}

func (s *RedisGraphStore) nodeKey(runID string) string {
	return fmt.Sprintf("codegraph:%s:nodes", runID)
}

func (s *RedisGraphStore) edgeKey(runID string) string {
	return fmt.Sprintf("codegraph:%s:edges", runID)
}

// UpsertNode stores n under its hash, keyed per run, so a retried or
// duplicate ingestion job is a no-op HSET.
func (s *RedisGraphStore) UpsertNode(ctx context.Context, n Node) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("graphingest: marshal node: %w", err)
	}
	return s.client.HSet(ctx, s.nodeKey(n.RunID), n.Hash, data).Err()
}

// UpsertEdge stores e keyed by its endpoint-and-type triple, so a
// duplicate reconciliation winner never produces a second edge.
func (s *RedisGraphStore) UpsertEdge(ctx context.Context, e Edge) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("graphingest: marshal edge: %w", err)
	}
	field := fmt.Sprintf("%d:%d:%s", e.SourcePOIID, e.TargetPOIID, e.Type)
	return s.client.HSet(ctx, s.edgeKey(e.RunID), field, data).Err()
}
