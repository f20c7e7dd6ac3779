// Copyright 2025 James Ross
package classifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codegraph/analysis-pipeline/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(config.Classifier{
		Endpoint:     srv.URL,
		Timeout:      time.Second,
		MaxRetries:   3,
		RetryDelay:   10 * time.Millisecond,
		APIRateLimit: 1000,
	}, zap.NewNop())
}

func TestClassifySingleFileSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(SingleFileResponse{POIs: []POIResult{{Name: "Foo", Type: "FunctionDefinition"}}})
	})
	resp, err := c.ClassifySingleFile(context.Background(), "a.go", "package a")
	require.NoError(t, err)
	require.Len(t, resp.POIs, 1)
	require.Equal(t, "Foo", resp.POIs[0].Name)
}

func TestClassifyRetriesOn429ThenSucceeds(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(SingleFileResponse{})
	})
	_, err := c.ClassifySingleFile(context.Background(), "a.go", "x")
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestClassifyTerminalOn4xxDoesNotRetry(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	})
	_, err := c.ClassifySingleFile(context.Background(), "a.go", "x")
	require.Error(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestClassifyBatchShape(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(BatchResponse{Files: []BatchFileResult{{FilePath: "a.go", POIs: []POIResult{{Name: "A"}}}}})
	})
	resp, err := c.ClassifyBatch(context.Background(), map[string]string{"a.go": "package a"})
	require.NoError(t, err)
	require.Len(t, resp.Files, 1)
	require.Equal(t, "a.go", resp.Files[0].FilePath)
}
