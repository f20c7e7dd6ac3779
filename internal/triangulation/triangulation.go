// Copyright 2025 James Ross
// Package triangulation implements C7, the triangulation queue: a
// multi-agent re-analysis round for relationships whose initial
// confidence falls below the triangulation threshold. Three roles —
// syntactic, semantic, contextual — independently re-query the external
// classifier, and a weighted consensus decides ACCEPT, REJECT, or
// ESCALATE.
package triangulation

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codegraph/analysis-pipeline/internal/classifier"
	"github.com/codegraph/analysis-pipeline/internal/config"
	"github.com/codegraph/analysis-pipeline/internal/model"
	"github.com/codegraph/analysis-pipeline/internal/notify"
	"github.com/codegraph/analysis-pipeline/internal/obs"
	"github.com/codegraph/analysis-pipeline/internal/staging"
)

// roleWeight is the per-agent-role weight from spec §4.7.
var roleWeight = map[model.AgentType]float64{
	model.AgentSyntactic:  0.35,
	model.AgentSemantic:   0.40,
	model.AgentContextual: 0.25,
}

var roles = []model.AgentType{model.AgentSyntactic, model.AgentSemantic, model.AgentContextual}

// Coordinator runs triangulation sessions for C7.
type Coordinator struct {
	store      *staging.Store
	classifier *classifier.Client
	notifier   *notify.Notifier
	thresholds config.Thresholds
	cfg        config.Triangulation
	log        *zap.Logger
}

func NewCoordinator(store *staging.Store, cl *classifier.Client, notifier *notify.Notifier, thresholds config.Thresholds, cfg config.Triangulation, log *zap.Logger) *Coordinator {
	return &Coordinator{store: store, classifier: cl, notifier: notifier, thresholds: thresholds, cfg: cfg, log: log}
}

type agentResult struct {
	role       model.AgentType
	confidence float64
	evidence   float64
	reasoning  string
	err        error
}

// AgentOutcome is one dispatched agent's contribution, exposed to callers
// that need to record each agent as its own evidence source (spec §4.8's
// "one evidence item per distinct source, ... each triangulation agent").
// Agents the classifier call failed for are omitted.
type AgentOutcome struct {
	Role       model.AgentType
	Confidence float64
}

// AgentCount is the number of agent roles a session dispatches, regardless
// of how many ultimately succeed — callers that must lock in an expected
// evidence count before a session runs (UpsertEvidence fixes expected_count
// on first insert) use this.
func AgentCount() int { return len(roles) }

// RunSession executes one full triangulation round for relationship,
// persisting per-agent analyses, the consensus decision, and the final
// session state, per spec §4.7's state machine. It returns the outcome of
// every agent that produced a result, for the caller to record as evidence.
func (c *Coordinator) RunSession(ctx context.Context, sessionID string, relationship model.Relationship) ([]AgentOutcome, error) {
	sessionTimeout := c.cfg.SessionTimeout
	if sessionTimeout <= 0 {
		sessionTimeout = 2 * time.Minute
	}
	sessCtx, cancel := context.WithTimeout(ctx, sessionTimeout)
	defer cancel()

	if err := c.store.CreateTriangulationSession(ctx, model.TriangulationSession{
		SessionID:         sessionID,
		RelationshipID:    relationship.ID,
		Status:            model.TriangulationPending,
		InitialConfidence: relationship.Confidence,
	}); err != nil {
		return nil, err
	}
	if err := c.store.TransitionSession(ctx, sessionID, model.TriangulationInProgress); err != nil {
		return nil, err
	}

	var results []agentResult
	var err error
	if c.cfg.Sequential {
		results, err = c.runSequential(sessCtx, sessionID, relationship)
	} else {
		results, err = c.runParallel(sessCtx, sessionID, relationship)
	}
	if err != nil {
		_ = c.store.TransitionSession(ctx, sessionID, model.TriangulationFailed)
		return nil, err
	}

	outcomes := make([]AgentOutcome, 0, len(results))
	for _, r := range results {
		if r.err != nil {
			continue
		}
		if err := c.store.InsertAgentAnalysis(ctx, model.AgentAnalysis{
			SessionID:        sessionID,
			AgentType:        r.role,
			ConfidenceScore:  r.confidence,
			EvidenceStrength: r.evidence,
			Reasoning:        r.reasoning,
		}); err != nil {
			return nil, err
		}
		outcomes = append(outcomes, AgentOutcome{Role: r.role, Confidence: r.confidence})
	}

	consensus, agreement := weightedConsensus(results)
	decision := decide(consensus, agreement, c.thresholds)

	if err := c.store.InsertConsensusDecision(ctx, model.ConsensusDecision{
		SessionID:           sessionID,
		WeightedConsensus:   consensus,
		AgreementLevel:      agreement,
		FinalDecision:       decision,
		RequiresHumanReview: decision == model.DecisionEscalate,
	}); err != nil {
		return nil, err
	}
	obs.TriangulationDecisions.WithLabelValues(string(decision)).Inc()

	escalated := decision == model.DecisionEscalate
	if err := c.store.CompleteSession(ctx, sessionID, consensus, consensus, escalated); err != nil {
		return nil, err
	}

	if err := c.applyDecision(ctx, relationship, decision, consensus); err != nil {
		return nil, err
	}

	if escalated && c.notifier != nil {
		agents := make([]model.AgentAnalysis, 0, len(results))
		for _, r := range results {
			if r.err == nil {
				agents = append(agents, model.AgentAnalysis{SessionID: sessionID, AgentType: r.role, ConfidenceScore: r.confidence, EvidenceStrength: r.evidence, Reasoning: r.reasoning})
			}
		}
		c.notifier.Escalate(ctx, notify.EscalationPayload{
			RunID:             relationship.RunID,
			RelationshipID:    fmt.Sprintf("%d", relationship.ID),
			SessionID:         sessionID,
			WeightedConsensus: consensus,
			AgreementLevel:    agreement,
			Agents:            agents,
		})
	}
	return outcomes, nil
}

func (c *Coordinator) runSequential(ctx context.Context, sessionID string, rel model.Relationship) ([]agentResult, error) {
	results := make([]agentResult, 0, len(roles))
	prior := ""
	for _, role := range roles {
		r := c.dispatchAgent(ctx, role, rel, prior)
		results = append(results, r)
		if r.err == nil {
			prior = r.reasoning
		}
	}
	return results, nil
}

func (c *Coordinator) runParallel(ctx context.Context, sessionID string, rel model.Relationship) ([]agentResult, error) {
	maxParallel := c.cfg.MaxParallelAgents
	if maxParallel <= 0 {
		maxParallel = 3
	}
	sem := make(chan struct{}, maxParallel)
	var wg sync.WaitGroup
	results := make([]agentResult, len(roles))
	for i, role := range roles {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, role model.AgentType) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = c.dispatchAgent(ctx, role, rel, "")
		}(i, role)
	}
	wg.Wait()
	return results, nil
}

func (c *Coordinator) dispatchAgent(ctx context.Context, role model.AgentType, rel model.Relationship, prior string) agentResult {
	timeout := c.cfg.AgentTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	agentCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prompt := fmt.Sprintf("relationship %s -> %s (%s) in %s", relEndpoint(rel.SourcePOIID), relEndpoint(rel.TargetPOIID), rel.Type, rel.FilePath)
	resp, err := c.classifier.ClassifyTriangulationRole(agentCtx, string(role), prompt, prior)
	if err != nil {
		return agentResult{role: role, err: err}
	}
	return agentResult{role: role, confidence: resp.Confidence, evidence: resp.EvidenceStrength, reasoning: resp.Reasoning}
}

func relEndpoint(id int64) string { return fmt.Sprintf("poi:%d", id) }

// weightedConsensus computes C = Σ(wᵢ·confᵢ·evidenceStrengthᵢ) / Σwᵢ and
// the agreement level (1 - normalized variance across confidences), per
// spec §4.7 step 4. Agent errors are excluded from both sums.
func weightedConsensus(results []agentResult) (consensus, agreement float64) {
	var numerator, denominator float64
	confidences := make([]float64, 0, len(results))
	for _, r := range results {
		if r.err != nil {
			continue
		}
		w := roleWeight[r.role]
		numerator += w * r.confidence * r.evidence
		denominator += w
		confidences = append(confidences, r.confidence)
	}
	if denominator == 0 {
		return 0, 0
	}
	consensus = numerator / denominator

	if len(confidences) < 2 {
		return consensus, 1
	}
	mean := 0.0
	for _, c := range confidences {
		mean += c
	}
	mean /= float64(len(confidences))
	var variance float64
	for _, c := range confidences {
		d := c - mean
		variance += d * d
	}
	variance /= float64(len(confidences))
	// Normalize variance against the maximum possible variance on [0,1]
	// (0.25, achieved by half the mass at each extreme) so agreement
	// stays within [0,1].
	normalized := math.Min(variance/0.25, 1)
	agreement = 1 - normalized
	return consensus, agreement
}

func decide(consensus, agreement float64, t config.Thresholds) model.ConsensusDecisionKind {
	switch {
	case consensus >= t.ConsensusAccept && agreement >= t.AgreementMin:
		return model.DecisionAccept
	case consensus <= t.ConsensusReject && agreement >= t.AgreementMin:
		return model.DecisionReject
	default:
		return model.DecisionEscalate
	}
}

func (c *Coordinator) applyDecision(ctx context.Context, rel model.Relationship, decision model.ConsensusDecisionKind, consensus float64) error {
	return c.store.Transaction(ctx, func(tx *sql.Tx) error {
		switch decision {
		case model.DecisionAccept:
			return c.store.UpdateRelationshipConfidence(ctx, tx, rel.ID, consensus, model.RelationshipValidated, false)
		case model.DecisionReject:
			return c.store.UpdateRelationshipConfidence(ctx, tx, rel.ID, consensus, model.RelationshipRejected, false)
		default:
			return c.store.UpdateRelationshipConfidence(ctx, tx, rel.ID, rel.Confidence, rel.Status, true)
		}
	})
}
