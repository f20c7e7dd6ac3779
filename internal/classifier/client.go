// Copyright 2025 James Ross
// Package classifier is the HTTP client for the external probabilistic
// classifier (an LLM text-generation service): single-file, batch, and
// triangulation-role request shapes, with retry/backoff, a global rate
// limiter, and a 429/5xx-vs-other-4xx retriable split, per spec §6.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/codegraph/analysis-pipeline/internal/config"
	"github.com/codegraph/analysis-pipeline/internal/obs"
	"github.com/codegraph/analysis-pipeline/internal/perr"
	"github.com/codegraph/analysis-pipeline/internal/ratelimit"
)

// POIResult is one classifier-reported entity, shaped for json.Unmarshal
// directly into model.POI's exported fields by the caller.
type POIResult struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	StartLine  int      `json:"startLine"`
	EndLine    int      `json:"endLine"`
	IsExported bool     `json:"isExported"`
	SemanticID string   `json:"semanticId"`
	References []string `json:"references,omitempty"`
}

// SingleFileResponse is the single-file classifier response shape.
type SingleFileResponse struct {
	POIs []POIResult `json:"pois"`
}

// BatchFileResult is one file's slice of a BatchResponse.
type BatchFileResult struct {
	FilePath string      `json:"filePath"`
	POIs     []POIResult `json:"pois"`
}

// BatchResponse is the multi-file classifier response shape.
type BatchResponse struct {
	Files []BatchFileResult `json:"files"`
}

// TriangulationResponse is the per-agent-role classifier response shape.
type TriangulationResponse struct {
	Confidence       float64 `json:"confidence"`
	EvidenceStrength float64 `json:"evidence_strength"`
	Reasoning        string  `json:"reasoning"`
	Details          string  `json:"details"`
}

// Client is the C5/C7 classifier adapter.
type Client struct {
	httpClient *http.Client
	endpoint   string
	maxRetries int
	retryDelay time.Duration
	limiter    *ratelimit.Limiter
	log        *zap.Logger
}

func New(cfg config.Classifier, log *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	apiRateLimit := cfg.APIRateLimit
	if apiRateLimit <= 0 {
		apiRateLimit = 25
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   cfg.Endpoint,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		limiter:    ratelimit.New(apiRateLimit, time.Second),
		log:        log,
	}
}

// ClassifySingleFile sends one file's content for entity extraction.
func (c *Client) ClassifySingleFile(ctx context.Context, filePath, content string) (*SingleFileResponse, error) {
	var out SingleFileResponse
	body := map[string]any{"mode": "single", "filePath": filePath, "content": content}
	if err := c.call(ctx, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClassifyBatch sends a prompt covering several small files in one call.
func (c *Client) ClassifyBatch(ctx context.Context, files map[string]string) (*BatchResponse, error) {
	var out BatchResponse
	body := map[string]any{"mode": "batch", "files": files}
	if err := c.call(ctx, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClassifyTriangulationRole asks one agent role to re-evaluate a
// relationship, optionally seeded with a prior role's output for the
// sequential coordination mode.
func (c *Client) ClassifyTriangulationRole(ctx context.Context, role, prompt, priorOutput string) (*TriangulationResponse, error) {
	var out TriangulationResponse
	body := map[string]any{"mode": "triangulation", "role": role, "prompt": prompt, "prior": priorOutput}
	if err := c.call(ctx, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// call performs the rate-limited, retried HTTP round trip and decodes the
// response body into out.
func (c *Client) call(ctx context.Context, reqBody any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return perr.Transientf(fmt.Errorf("classifier: rate limit wait: %w", err))
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return perr.Logicalf(fmt.Errorf("classifier: marshal request: %w", err))
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryDelay
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return perr.Transientf(ctx.Err())
			case <-time.After(bo.NextBackOff()):
			}
		}

		status, body, err := c.doRequest(ctx, payload)
		if err != nil {
			lastErr = err
			continue
		}
		if status == http.StatusOK {
			if err := json.Unmarshal(body, out); err != nil {
				return perr.Logicalf(fmt.Errorf("classifier: decode response: %w", err))
			}
			return nil
		}
		if status == http.StatusTooManyRequests || status >= 500 {
			lastErr = fmt.Errorf("classifier: retriable status %d", status)
			continue
		}
		return perr.Logicalf(fmt.Errorf("classifier: terminal status %d: %s", status, string(body)))
	}
	return perr.Transientf(fmt.Errorf("classifier: exhausted %d retries: %w", c.maxRetries, lastErr))
}

func (c *Client) doRequest(ctx context.Context, payload []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		obs.JobsFailed.WithLabelValues("classifier").Inc()
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}
