// Copyright 2025 James Ross
package obs

import (
	"context"
	"sync"
	"time"
)

// DepCheck is a single dependency probe used by the health aggregate.
type DepCheck struct {
	Name  string
	Check func(context.Context) error
}

// HealthTracker records consecutive failures per dependency. Per spec §7,
// overall health is the conjunction of every dependency's consecutive
// failure count staying below threshold.
type HealthTracker struct {
	mu        sync.Mutex
	threshold int
	state     map[string]*depState
	checks    []DepCheck
}

type depState struct {
	consecutiveFailures int
	lastError           string
	lastCheckedAt       time.Time
}

func NewHealthTracker(threshold int, checks ...DepCheck) *HealthTracker {
	if threshold <= 0 {
		threshold = 3
	}
	return &HealthTracker{threshold: threshold, state: map[string]*depState{}, checks: checks}
}

// DepStatus is the per-dependency status rendered by the health endpoint.
type DepStatus struct {
	Name                string `json:"name"`
	Healthy             bool   `json:"healthy"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastError           string `json:"last_error,omitempty"`
}

// Report runs every registered check and returns the aggregate status.
func (h *HealthTracker) Report(ctx context.Context) (overall bool, deps []DepStatus) {
	overall = true
	for _, c := range h.checks {
		err := c.Check(ctx)
		h.mu.Lock()
		st, ok := h.state[c.Name]
		if !ok {
			st = &depState{}
			h.state[c.Name] = st
		}
		if err != nil {
			st.consecutiveFailures++
			st.lastError = err.Error()
		} else {
			st.consecutiveFailures = 0
			st.lastError = ""
		}
		st.lastCheckedAt = time.Now()
		healthy := st.consecutiveFailures < h.threshold
		deps = append(deps, DepStatus{
			Name:                c.Name,
			Healthy:             healthy,
			ConsecutiveFailures: st.consecutiveFailures,
			LastError:           st.lastError,
		})
		if !healthy {
			overall = false
		}
		h.mu.Unlock()
	}
	return overall, deps
}
