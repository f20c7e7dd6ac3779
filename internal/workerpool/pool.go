// Copyright 2025 James Ross
// Package workerpool implements C2: global plus per-stage concurrency
// caps, a token-bucket rate limiter and circuit breaker per worker type,
// and adaptive scaling hints driven by process memory pressure.
package workerpool

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/codegraph/analysis-pipeline/internal/breaker"
	"github.com/codegraph/analysis-pipeline/internal/config"
	"github.com/codegraph/analysis-pipeline/internal/obs"
	"github.com/codegraph/analysis-pipeline/internal/ratelimit"
)

var (
	ErrRateLimited  = errors.New("workerpool: rate limited")
	ErrCircuitOpen  = errors.New("workerpool: circuit open")
	ErrGlobalCapHit = errors.New("workerpool: global concurrency cap reached")
)

// WorkerTypeConfig is the registration contract from spec §4.2.
type WorkerTypeConfig struct {
	MaxConcurrency   int
	MinConcurrency   int
	RateLimitReqs    int
	RateLimitWindow  time.Duration
	FailureThreshold int
	ResetTimeout     time.Duration
}

type workerType struct {
	mu        sync.Mutex
	cfg       WorkerTypeConfig
	limiter   *ratelimit.Limiter
	breaker   *breaker.CircuitBreaker
	inFlight  int
	effective int // current cap, shrunk toward MinConcurrency under adaptive scaling
}

// Slot is returned by RequestSlot and must be released via ReleaseSlot.
type Slot struct {
	workerType string
	started    time.Time
}

// Manager is the C2 worker pool manager: one process-wide instance shared
// by every queue consumer.
type Manager struct {
	mu          sync.Mutex
	globalCap   int
	globalInUse int
	types       map[string]*workerType
	adaptive    config.AdaptiveScaling
	stopAdapt   chan struct{}
}

func NewManager(globalCap int, adaptive config.AdaptiveScaling) *Manager {
	m := &Manager{
		globalCap: globalCap,
		types:     make(map[string]*workerType),
		adaptive:  adaptive,
	}
	if adaptive.Enabled {
		m.stopAdapt = make(chan struct{})
		go m.adaptiveScalingLoop()
	}
	return m
}

// RegisterWorker provisions a worker type's rate limiter, breaker, and
// in-flight concurrency cap.
func (m *Manager) RegisterWorker(workerTypeName string, cfg WorkerTypeConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	wt := &workerType{
		cfg:       cfg,
		limiter:   ratelimit.New(cfg.RateLimitReqs, cfg.RateLimitWindow),
		breaker:   breaker.New(cfg.FailureThreshold, cfg.ResetTimeout),
		effective: cfg.MaxConcurrency,
	}
	m.types[workerTypeName] = wt
}

// RequestSlot admits one in-flight job for workerTypeName, honoring the
// rate limiter, circuit breaker, per-type concurrency, and the global cap.
func (m *Manager) RequestSlot(ctx context.Context, workerTypeName string) (*Slot, error) {
	m.mu.Lock()
	wt, ok := m.types[workerTypeName]
	if !ok {
		m.mu.Unlock()
		return nil, errors.New("workerpool: unregistered worker type " + workerTypeName)
	}
	if m.globalInUse >= m.globalCap {
		m.mu.Unlock()
		return nil, ErrGlobalCapHit
	}
	m.mu.Unlock()

	if !wt.breaker.Allow() {
		return nil, ErrCircuitOpen
	}
	if !wt.limiter.Allow() {
		obs.RateLimitRejections.WithLabelValues(workerTypeName).Inc()
		return nil, ErrRateLimited
	}

	wt.mu.Lock()
	if wt.inFlight >= wt.effective {
		wt.mu.Unlock()
		return nil, ErrGlobalCapHit
	}
	wt.inFlight++
	wt.mu.Unlock()

	m.mu.Lock()
	m.globalInUse++
	m.mu.Unlock()
	obs.SlotsInFlight.WithLabelValues(workerTypeName).Inc()

	return &Slot{workerType: workerTypeName, started: time.Now()}, nil
}

// ReleaseSlot returns a slot to the pool and records the outcome against
// the worker type's circuit breaker.
func (m *Manager) ReleaseSlot(slot *Slot, success bool) {
	m.mu.Lock()
	wt, ok := m.types[slot.workerType]
	if ok {
		m.globalInUse--
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	prev := wt.breaker.State()
	wt.breaker.Record(success)
	curr := wt.breaker.State()
	if prev != curr && curr == breaker.Open {
		obs.CircuitBreakerTrips.WithLabelValues(slot.workerType).Inc()
	}
	switch curr {
	case breaker.Closed:
		obs.CircuitBreakerState.WithLabelValues(slot.workerType).Set(0)
	case breaker.HalfOpen:
		obs.CircuitBreakerState.WithLabelValues(slot.workerType).Set(1)
	case breaker.Open:
		obs.CircuitBreakerState.WithLabelValues(slot.workerType).Set(2)
	}

	wt.mu.Lock()
	wt.inFlight--
	wt.mu.Unlock()
	obs.SlotsInFlight.WithLabelValues(slot.workerType).Dec()
}

// ExecuteWithManagement requests a slot, runs fn, and releases the slot
// with fn's outcome recorded against the breaker, matching spec §4.2's
// combined contract.
func (m *Manager) ExecuteWithManagement(ctx context.Context, workerTypeName string, fn func(context.Context) error) error {
	slot, err := m.RequestSlot(ctx, workerTypeName)
	if err != nil {
		return err
	}
	start := time.Now()
	err = fn(ctx)
	obs.JobProcessingDuration.WithLabelValues(workerTypeName).Observe(time.Since(start).Seconds())
	m.ReleaseSlot(slot, err == nil)
	return err
}

func (m *Manager) Close() {
	if m.stopAdapt != nil {
		close(m.stopAdapt)
	}
}

// adaptiveScalingLoop samples process memory pressure (stdlib
// runtime.MemStats; the classifier-pack's gopsutil dependency is only
// transitively pulled in, never imported by a pack file, so there is
// nothing to ground a third-party sampler on) and, after
// ConsecutiveSamples above HeapThresholdPct, shrinks every worker type's
// effective concurrency toward MinConcurrency; it restores it once
// pressure subsides.
func (m *Manager) adaptiveScalingLoop() {
	interval := m.adaptive.SampleInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	overCount := 0
	for {
		select {
		case <-m.stopAdapt:
			return
		case <-ticker.C:
			var stats runtime.MemStats
			runtime.ReadMemStats(&stats)
			heapPct := float64(stats.HeapAlloc) / float64(stats.HeapSys+1) * 100
			if heapPct > m.adaptive.HeapThresholdPct {
				overCount++
			} else {
				overCount = 0
			}
			if overCount >= m.adaptive.ConsecutiveSamples {
				m.rescale(true)
			} else if overCount == 0 {
				m.rescale(false)
			}
		}
	}
}

func (m *Manager) rescale(shrink bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, wt := range m.types {
		target := wt.cfg.MaxConcurrency
		if shrink {
			target = wt.cfg.MinConcurrency
			if target <= 0 {
				target = 1
			}
		}
		wt.effective = target
	}
}
