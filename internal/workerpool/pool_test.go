// Copyright 2025 James Ross
package workerpool

import (
	"context"
	"testing"
	"time"

	"github.com/codegraph/analysis-pipeline/internal/config"
	"github.com/stretchr/testify/require"
)

func TestPerTypeConcurrencyCap(t *testing.T) {
	m := NewManager(10, config.AdaptiveScaling{})
	defer m.Close()
	m.RegisterWorker("analysis", WorkerTypeConfig{MaxConcurrency: 2, RateLimitReqs: 100, RateLimitWindow: time.Second, FailureThreshold: 5, ResetTimeout: time.Second})

	s1, err := m.RequestSlot(context.Background(), "analysis")
	require.NoError(t, err)
	s2, err := m.RequestSlot(context.Background(), "analysis")
	require.NoError(t, err)
	_, err = m.RequestSlot(context.Background(), "analysis")
	require.ErrorIs(t, err, ErrGlobalCapHit)

	m.ReleaseSlot(s1, true)
	s3, err := m.RequestSlot(context.Background(), "analysis")
	require.NoError(t, err)
	m.ReleaseSlot(s2, true)
	m.ReleaseSlot(s3, true)
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	m := NewManager(10, config.AdaptiveScaling{})
	defer m.Close()
	m.RegisterWorker("classifier", WorkerTypeConfig{MaxConcurrency: 5, RateLimitReqs: 100, RateLimitWindow: time.Second, FailureThreshold: 2, ResetTimeout: 50 * time.Millisecond})

	for i := 0; i < 2; i++ {
		slot, err := m.RequestSlot(context.Background(), "classifier")
		require.NoError(t, err)
		m.ReleaseSlot(slot, false)
	}

	_, err := m.RequestSlot(context.Background(), "classifier")
	require.ErrorIs(t, err, ErrCircuitOpen)

	time.Sleep(60 * time.Millisecond)
	slot, err := m.RequestSlot(context.Background(), "classifier")
	require.NoError(t, err)
	m.ReleaseSlot(slot, true)
}

func TestRateLimitRejectsExcessRequests(t *testing.T) {
	m := NewManager(10, config.AdaptiveScaling{})
	defer m.Close()
	m.RegisterWorker("scorer", WorkerTypeConfig{MaxConcurrency: 10, RateLimitReqs: 2, RateLimitWindow: time.Second, FailureThreshold: 5, ResetTimeout: time.Second})

	admitted := 0
	rejected := 0
	for i := 0; i < 10; i++ {
		slot, err := m.RequestSlot(context.Background(), "scorer")
		if err == nil {
			admitted++
			m.ReleaseSlot(slot, true)
		} else {
			rejected++
		}
	}
	require.Equal(t, 2, admitted)
	require.Equal(t, 8, rejected)
}
