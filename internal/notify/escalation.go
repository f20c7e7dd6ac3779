// Copyright 2025 James Ross
// Package notify implements the escalation notifier enrichment of C7:
// when a triangulation session's decision is ESCALATE, post a webhook
// carrying the relationship and consensus breakdown so a human reviewer
// can be paged. Diagnostic only — it never gates C7's state machine.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/codegraph/analysis-pipeline/internal/config"
	"github.com/codegraph/analysis-pipeline/internal/model"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// EscalationPayload is the JSON body posted to the configured webhook.
type EscalationPayload struct {
	RunID            string                   `json:"run_id"`
	RelationshipID   string                   `json:"relationship_id"`
	SessionID        string                   `json:"session_id"`
	WeightedConsensus float64                 `json:"weighted_consensus"`
	AgreementLevel   float64                  `json:"agreement_level"`
	Agents           []model.AgentAnalysis    `json:"agents"`
	Timestamp        time.Time                `json:"timestamp"`
}

// Notifier posts escalation events to a webhook URL, rate-limited per
// minute the same way the reference webhook subscriber throttles
// deliveries with golang.org/x/time/rate.
type Notifier struct {
	cfg     config.Notify
	client  *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

func New(cfg config.Notify, log *zap.Logger) *Notifier {
	var limiter *rate.Limiter
	if cfg.RateLimitPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerMinute)/60, cfg.RateLimitPerMinute)
	}
	return &Notifier{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		log:     log,
	}
}

// Escalate posts a notification. It is advisory: a delivery failure is
// logged and swallowed, never returned to the triangulation coordinator.
func (n *Notifier) Escalate(ctx context.Context, payload EscalationPayload) {
	if n.cfg.EscalationWebhookURL == "" {
		return
	}
	if n.limiter != nil && !n.limiter.Allow() {
		n.log.Warn("escalation notification rate-limited", zap.String("session_id", payload.SessionID))
		return
	}
	payload.Timestamp = time.Now().UTC()
	body, err := json.Marshal(payload)
	if err != nil {
		n.log.Error("marshal escalation payload", zap.Error(err))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.EscalationWebhookURL, bytes.NewReader(body))
	if err != nil {
		n.log.Error("build escalation request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Escalation-Session", payload.SessionID)

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Warn("escalation webhook delivery failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.log.Warn("escalation webhook returned non-2xx", zap.Int("status", resp.StatusCode))
	}
}
