// Copyright 2025 James Ross
package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/codegraph/analysis-pipeline/internal/config"
	"github.com/codegraph/analysis-pipeline/internal/obs"
	"github.com/stretchr/testify/require"
)

func TestEscalatePostsWebhook(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.Header.Get("X-Escalation-Session")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	log, err := obs.NewLogger("error")
	require.NoError(t, err)
	n := New(config.Notify{EscalationWebhookURL: srv.URL, Timeout: time.Second, RateLimitPerMinute: 60}, log)

	n.Escalate(context.Background(), EscalationPayload{SessionID: "sess-1"})

	select {
	case id := <-received:
		require.Equal(t, "sess-1", id)
	case <-time.After(time.Second):
		t.Fatal("webhook was not called")
	}
}

func TestEscalateNoopWithoutURL(t *testing.T) {
	log, err := obs.NewLogger("error")
	require.NoError(t, err)
	n := New(config.Notify{}, log)
	n.Escalate(context.Background(), EscalationPayload{SessionID: "sess-2"})
}
