// Copyright 2025 James Ross
package analyzer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codegraph/analysis-pipeline/internal/classifier"
	"github.com/codegraph/analysis-pipeline/internal/config"
	"github.com/codegraph/analysis-pipeline/internal/obs"
	"github.com/codegraph/analysis-pipeline/internal/staging"
)

func setupWorker(t *testing.T, handler http.HandlerFunc) (*Worker, *staging.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := staging.Open(config.Staging{Path: filepath.Join(dir, "s.db"), BusyTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cl := classifier.New(config.Classifier{Endpoint: srv.URL, APIRateLimit: 1000}, zap.NewNop())
	cfg := config.Analysis{
		SmallFileThreshold: 100,
		MaxFilesPerBatch:   3,
		MaxBatchChars:      500,
		MaxInputChars:      200,
		FlushInterval:      time.Hour, // disable the periodic flusher for deterministic tests
	}
	w := NewWorker(store, nil, cl, cfg, obs.NewAuditLogger("", 0, 0), zap.NewNop())
	t.Cleanup(w.Stop)
	return w, store
}

func TestShouldBatchRespectsSizeCountAndCharLimits(t *testing.T) {
	w, _ := setupWorker(t, func(rw http.ResponseWriter, r *http.Request) {})

	small := FileJob{RunID: "run1", FilePath: "a.go", Content: strings.Repeat("x", 10)}
	require.True(t, w.shouldBatch(small))

	large := FileJob{RunID: "run1", FilePath: "b.go", Content: strings.Repeat("x", 1000)}
	require.False(t, w.shouldBatch(large))
}

func TestShouldBatchFalseWhenPendingCharsWouldExceedLimit(t *testing.T) {
	w, _ := setupWorker(t, func(rw http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(rw).Encode(classifier.SingleFileResponse{})
	})
	ctx := context.Background()

	// Two files under the per-batch file count cap but pushing cumulative
	// chars near the cap; neither enqueue triggers a count-based flush.
	require.NoError(t, w.enqueueBatch(ctx, FileJob{RunID: "run1", FilePath: "a.go", Content: strings.Repeat("x", 240)}))
	require.NoError(t, w.enqueueBatch(ctx, FileJob{RunID: "run1", FilePath: "b.go", Content: strings.Repeat("x", 240)}))

	overflow := FileJob{RunID: "run1", FilePath: "overflow.go", Content: strings.Repeat("x", 90)}
	require.True(t, len(w.pending["run1"].files) < w.cfg.MaxFilesPerBatch, "count cap should not have been reached")
	require.False(t, w.shouldBatch(overflow))
}

func TestTruncateMiddlePreservesHeadAndTail(t *testing.T) {
	content := strings.Repeat("a", 50) + strings.Repeat("b", 50) + strings.Repeat("c", 50)
	out := truncateMiddle(content, 60)
	require.LessOrEqual(t, len(out), 60+len(truncationSentinel))
	require.True(t, strings.HasPrefix(out, "aaa"))
	require.True(t, strings.HasSuffix(out, "ccc"))
	require.Contains(t, out, truncationSentinel)
}

func TestTruncateMiddleNoopUnderLimit(t *testing.T) {
	content := "short content"
	require.Equal(t, content, truncateMiddle(content, 1000))
}

func TestProcessSingleEmitsFindingAndMarksFileProcessed(t *testing.T) {
	w, store := setupWorker(t, func(rw http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(rw).Encode(classifier.SingleFileResponse{
			POIs: []classifier.POIResult{{Name: "Foo", Type: "FunctionDefinition", StartLine: 1, EndLine: 5, SemanticID: "foo#1"}},
		})
	})
	ctx := context.Background()

	job := FileJob{RunID: "run1", FilePath: "big.go", Content: strings.Repeat("z", 1000)}
	require.NoError(t, w.processSingle(ctx, job))

	n, err := store.PendingOutboxCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestProcessBatchFallsBackToIndividualOnSchemaFailure(t *testing.T) {
	calls := 0
	w, store := setupWorker(t, func(rw http.ResponseWriter, r *http.Request) {
		calls++
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["mode"] == "batch" {
			// malformed: "files" entries missing required "pois" key
			rw.Write([]byte(`{"files":[{"filePath":"a.go"}]}`))
			return
		}
		_ = json.NewEncoder(rw).Encode(classifier.SingleFileResponse{
			POIs: []classifier.POIResult{{Name: "X", Type: "FunctionDefinition", StartLine: 1, EndLine: 2}},
		})
	})
	ctx := context.Background()

	files := []FileJob{
		{RunID: "run1", FilePath: "a.go", Content: "package a"},
		{RunID: "run1", FilePath: "b.go", Content: "package b"},
	}
	require.NoError(t, w.processBatch(ctx, files))

	n, err := store.PendingOutboxCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n, "each file should still get a finding via the per-file fallback")
}

func TestProcessBatchHappyPathEmitsOneFindingPerFile(t *testing.T) {
	w, store := setupWorker(t, func(rw http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(rw).Encode(classifier.BatchResponse{
			Files: []classifier.BatchFileResult{
				{FilePath: "a.go", POIs: []classifier.POIResult{{Name: "A", Type: "FunctionDefinition", StartLine: 1, EndLine: 2}}},
				{FilePath: "b.go", POIs: []classifier.POIResult{{Name: "B", Type: "FunctionDefinition", StartLine: 1, EndLine: 2}}},
			},
		})
	})
	ctx := context.Background()

	files := []FileJob{
		{RunID: "run1", FilePath: "a.go", Content: "package a"},
		{RunID: "run1", FilePath: "b.go", Content: "package b"},
	}
	require.NoError(t, w.processBatch(ctx, files))

	n, err := store.PendingOutboxCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestPOIHashIsDeterministicAndDistinguishesStartLine(t *testing.T) {
	h1 := poiHash("Foo", "FunctionDefinition", "a.go", 10)
	h2 := poiHash("Foo", "FunctionDefinition", "a.go", 10)
	h3 := poiHash("Foo", "FunctionDefinition", "a.go", 11)
	require.Equal(t, h1, h2)
	require.NotEqual(t, h1, h3)
}
