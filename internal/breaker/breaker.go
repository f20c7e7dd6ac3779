// Copyright 2025 James Ross
// Package breaker implements the worker pool's per-worker-type circuit
// breaker: CLOSED admits calls, OPEN rejects them outright, HALF_OPEN
// admits exactly one trial call to decide whether to close or reopen.
package breaker

import (
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker trips to Open after exactly failureThreshold consecutive
// failures. Once resetTimeout has elapsed it moves to HalfOpen and admits a
// single trial, whose outcome closes or reopens it.
type CircuitBreaker struct {
	mu                  sync.Mutex
	state               State
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	lastTransition      time.Time
	halfOpenInFlight    bool
}

func New(failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 1
	}
	return &CircuitBreaker{
		state:            Closed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		lastTransition:   time.Now(),
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a call may proceed, transitioning Open to HalfOpen
// once resetTimeout has elapsed and admitting exactly one HalfOpen trial.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case Open:
		if time.Since(cb.lastTransition) >= cb.resetTimeout {
			cb.state = HalfOpen
			cb.lastTransition = time.Now()
			cb.halfOpenInFlight = true
			return true
		}
		return false
	case HalfOpen:
		if cb.halfOpenInFlight {
			return false
		}
		cb.halfOpenInFlight = true
		return true
	default:
		return true
	}
}

// Record reports the outcome of a call admitted by Allow.
func (cb *CircuitBreaker) Record(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := time.Now()
	switch cb.state {
	case Closed:
		if ok {
			cb.consecutiveFailures = 0
			return
		}
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.failureThreshold {
			cb.state = Open
			cb.lastTransition = now
		}
	case HalfOpen:
		cb.halfOpenInFlight = false
		if ok {
			cb.state = Closed
			cb.consecutiveFailures = 0
		} else {
			cb.state = Open
			cb.consecutiveFailures = cb.failureThreshold
		}
		cb.lastTransition = now
	case Open:
		// outcomes while Open are stray trials from before the trip; ignore.
	}
}
