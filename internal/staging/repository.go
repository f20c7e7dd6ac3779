// Copyright 2025 James Ross
package staging

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/codegraph/analysis-pipeline/internal/model"
)

// UpsertFile returns the file's row id, generated by SQLite if this is a
// new (run_id, file_path) pair.
func (s *Store) UpsertFile(ctx context.Context, tx *sql.Tx, f model.File) (int64, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO files (run_id, file_path, hash, status)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, file_path) DO UPDATE SET hash=excluded.hash, status=excluded.status
	`, f.RunID, f.FilePath, f.Hash, string(f.Status))
	if err != nil {
		return 0, err
	}
	var id int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM files WHERE run_id = ? AND file_path = ?`, f.RunID, f.FilePath).Scan(&id)
	return id, err
}

// InsertPOIs idempotently persists POIs by hash, per spec §4.4's
// file-analysis-finding handling.
func (s *Store) InsertPOIs(ctx context.Context, tx *sql.Tx, pois []model.POI) error {
	columns := []string{"run_id", "file_id", "name", "type", "start_line", "end_line", "is_exported", "semantic_id", "hash", "llm_output"}
	rows := make([][]any, 0, len(pois))
	for _, p := range pois {
		isExported := 0
		if p.IsExported {
			isExported = 1
		}
		rows = append(rows, []any{p.RunID, p.FileID, p.Name, string(p.Type), p.StartLine, p.EndLine, isExported, p.SemanticID, p.Hash, p.LLMOutput})
	}
	return s.BatchInsert(ctx, tx, "pois", columns, rows)
}

// GetPOI fetches one POI by its row id, for stages that only carry a POI
// reference (C9's graph ingestion resolving an endpoint's node fields).
func (s *Store) GetPOI(ctx context.Context, id int64) (model.POI, error) {
	var p model.POI
	var poiType string
	var isExported int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, file_id, name, type, start_line, end_line, is_exported, semantic_id, hash, llm_output
		FROM pois WHERE id = ?
	`, id).Scan(&p.ID, &p.RunID, &p.FileID, &p.Name, &poiType, &p.StartLine, &p.EndLine, &isExported, &p.SemanticID, &p.Hash, &p.LLMOutput)
	if err != nil {
		return model.POI{}, err
	}
	p.Type = model.POIType(poiType)
	p.IsExported = isExported != 0
	return p, nil
}

// ResolvePOI resolves a relationship endpoint by semantic_id or name,
// scoped to run_id, per spec §4.4's POI-ID resolution.
func (s *Store) ResolvePOI(ctx context.Context, tx *sql.Tx, runID, nameOrSemanticID string) (int64, bool, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM pois WHERE run_id = ? AND (semantic_id = ? OR name = ?) LIMIT 1
	`, runID, nameOrSemanticID, nameOrSemanticID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (s *Store) InsertRelationship(ctx context.Context, tx *sql.Tx, r model.Relationship) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO relationships (run_id, source_poi_id, target_poi_id, type, file_path, status, confidence, reason, evidence, escalated_to_human)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.RunID, r.SourcePOIID, r.TargetPOIID, r.Type, r.FilePath, string(r.Status), r.Confidence, r.Reason, r.Evidence, boolToInt(r.EscalatedToHuman))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) UpdateRelationshipConfidence(ctx context.Context, tx *sql.Tx, id int64, confidence float64, status model.RelationshipStatus, escalated bool) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE relationships SET confidence = ?, status = ?, escalated_to_human = ? WHERE id = ?
	`, confidence, string(status), boolToInt(escalated), id)
	return err
}

func (s *Store) GetRelationship(ctx context.Context, id int64) (model.Relationship, error) {
	var r model.Relationship
	var status string
	var escalated int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, source_poi_id, target_poi_id, type, file_path, status, confidence, reason, evidence, escalated_to_human
		FROM relationships WHERE id = ?
	`, id).Scan(&r.ID, &r.RunID, &r.SourcePOIID, &r.TargetPOIID, &r.Type, &r.FilePath, &status, &r.Confidence, &r.Reason, &r.Evidence, &escalated)
	if err != nil {
		return model.Relationship{}, err
	}
	r.Status = model.RelationshipStatus(status)
	r.EscalatedToHuman = escalated == 1
	return r, nil
}

// RelationshipsByEndpoints finds candidates sharing (source, target, type)
// for C8's reconciliation dedup step.
func (s *Store) RelationshipsByEndpoints(ctx context.Context, runID string, sourcePOIID, targetPOIID int64, relType string) ([]model.Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, source_poi_id, target_poi_id, type, file_path, status, confidence, reason, evidence, escalated_to_human
		FROM relationships WHERE run_id = ? AND source_poi_id = ? AND target_poi_id = ? AND type = ?
	`, runID, sourcePOIID, targetPOIID, relType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Relationship
	for rows.Next() {
		var r model.Relationship
		var status string
		var escalated int
		if err := rows.Scan(&r.ID, &r.RunID, &r.SourcePOIID, &r.TargetPOIID, &r.Type, &r.FilePath, &status, &r.Confidence, &r.Reason, &r.Evidence, &escalated); err != nil {
			return nil, err
		}
		r.Status = model.RelationshipStatus(status)
		r.EscalatedToHuman = escalated == 1
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Outbox ---

func (s *Store) InsertOutboxEvent(ctx context.Context, tx *sql.Tx, e model.OutboxEvent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_events (run_id, event_type, payload, status, created_at, resolution_attempts, failure_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.RunID, string(e.EventType), string(e.Payload), string(e.Status), e.CreatedAt, e.ResolutionAttempts, e.FailureReason)
	return err
}

// ReservePendingOutboxEvents fetches up to limit PENDING rows ordered by id
// ascending, per spec §4.4 step 1. Must be called within tx to be part of
// the same logical publish transaction.
func (s *Store) ReservePendingOutboxEvents(ctx context.Context, tx *sql.Tx, limit int) ([]model.OutboxEvent, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, run_id, event_type, payload, status, created_at, resolution_attempts, failure_reason
		FROM outbox_events WHERE status = 'PENDING' ORDER BY id ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.OutboxEvent
	for rows.Next() {
		var e model.OutboxEvent
		var eventType, status string
		var payload string
		var failureReason sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &eventType, &payload, &status, &e.CreatedAt, &e.ResolutionAttempts, &failureReason); err != nil {
			return nil, err
		}
		e.EventType = model.OutboxEventType(eventType)
		e.Payload = []byte(payload)
		e.Status = model.OutboxStatus(status)
		e.FailureReason = failureReason.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) MarkOutboxPublished(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE outbox_events SET status = 'PUBLISHED' WHERE id = ?`, id)
	return err
}

// HoldOutboxEvent stores attempts as the row's resolution-attempt count,
// and marks the row FAILED once attempts reaches maxAttempts, per spec
// §4.4 step 3.
func (s *Store) HoldOutboxEvent(ctx context.Context, tx *sql.Tx, id int64, attempts, maxAttempts int, reason string) error {
	if attempts >= maxAttempts {
		_, err := tx.ExecContext(ctx, `UPDATE outbox_events SET status = 'FAILED', resolution_attempts = ?, failure_reason = ? WHERE id = ?`, attempts, reason, id)
		return err
	}
	_, err := tx.ExecContext(ctx, `UPDATE outbox_events SET resolution_attempts = ? WHERE id = ?`, attempts, id)
	return err
}

func (s *Store) PendingOutboxCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox_events WHERE status = 'PENDING'`).Scan(&n)
	return n, err
}

// --- Evidence tracking ---

func (s *Store) UpsertEvidence(ctx context.Context, tx *sql.Tx, runID, relationshipHash string, expectedCount int, confidenceDelta float64) (model.RelationshipEvidence, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO relationship_evidence_tracking (run_id, relationship_hash, evidence_count, expected_count, total_confidence, avg_confidence, status)
		VALUES (?, ?, 1, ?, ?, ?, 'ACCUMULATING')
		ON CONFLICT(run_id, relationship_hash) DO UPDATE SET
			evidence_count = evidence_count + 1,
			total_confidence = total_confidence + excluded.total_confidence,
			avg_confidence = (total_confidence + excluded.total_confidence) / (evidence_count + 1)
	`, runID, relationshipHash, expectedCount, confidenceDelta, confidenceDelta)
	if err != nil {
		return model.RelationshipEvidence{}, err
	}
	var ev model.RelationshipEvidence
	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT run_id, relationship_hash, evidence_count, expected_count, total_confidence, avg_confidence, status
		FROM relationship_evidence_tracking WHERE run_id = ? AND relationship_hash = ?
	`, runID, relationshipHash).Scan(&ev.RunID, &ev.RelationshipHash, &ev.EvidenceCount, &ev.ExpectedCount, &ev.TotalConfidence, &ev.AvgConfidence, &status)
	ev.Status = model.EvidenceStatus(status)
	if ev.EvidenceCount >= ev.ExpectedCount && ev.Status != model.EvidenceCompleted {
		if _, err := tx.ExecContext(ctx, `UPDATE relationship_evidence_tracking SET status = 'COMPLETED' WHERE run_id = ? AND relationship_hash = ?`, runID, relationshipHash); err != nil {
			return ev, err
		}
		ev.Status = model.EvidenceCompleted
	}
	return ev, err
}

// --- Triangulation ---

func (s *Store) CreateTriangulationSession(ctx context.Context, sess model.TriangulationSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO triangulation_sessions (session_id, relationship_id, status, initial_confidence, final_confidence, consensus_score, escalated_to_human)
		VALUES (?, ?, ?, ?, NULL, NULL, 0)
	`, sess.SessionID, sess.RelationshipID, string(sess.Status), sess.InitialConfidence)
	return err
}

func (s *Store) TransitionSession(ctx context.Context, sessionID string, status model.TriangulationStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE triangulation_sessions SET status = ? WHERE session_id = ?`, string(status), sessionID)
	return err
}

func (s *Store) CompleteSession(ctx context.Context, sessionID string, finalConfidence, consensusScore float64, escalated bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE triangulation_sessions SET status = 'COMPLETED', final_confidence = ?, consensus_score = ?, escalated_to_human = ? WHERE session_id = ?
	`, finalConfidence, consensusScore, boolToInt(escalated), sessionID)
	return err
}

func (s *Store) InsertAgentAnalysis(ctx context.Context, a model.AgentAnalysis) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO agent_analyses (session_id, agent_type, confidence_score, evidence_strength, reasoning)
		VALUES (?, ?, ?, ?, ?)
	`, a.SessionID, string(a.AgentType), a.ConfidenceScore, a.EvidenceStrength, a.Reasoning)
	return err
}

func (s *Store) InsertConsensusDecision(ctx context.Context, d model.ConsensusDecision) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO consensus_decisions (session_id, weighted_consensus, agreement_level, final_decision, requires_human_review)
		VALUES (?, ?, ?, ?, ?)
	`, d.SessionID, d.WeightedConsensus, d.AgreementLevel, string(d.FinalDecision), boolToInt(d.RequiresHumanReview))
	return err
}

var errNotFound = fmt.Errorf("staging: not found")

func ErrNotFound() error { return errNotFound }
