// Copyright 2025 James Ross
// Package ratelimit wraps golang.org/x/time/rate into the continuously
// refilling token bucket C2 registers per worker type, the same dependency the
// reference webhook subscriber used to throttle deliveries.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a per-worker-type or global token bucket.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a limiter admitting at most requests operations per window,
// refilling continuously (rate.Limiter's token-bucket semantics), matching
// spec §4.2/§8's "admitted slots <= rateLimitRequests in any window of
// length rateLimitWindow" property.
func New(requests int, window time.Duration) *Limiter {
	if requests <= 0 || window <= 0 {
		return &Limiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	perSecond := rate.Limit(float64(requests) / window.Seconds())
	return &Limiter{limiter: rate.NewLimiter(perSecond, requests)}
}

// Allow reports whether a slot is available right now, consuming it if so.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// Wait blocks until a slot is available or ctx is done, for callers (the
// classifier's global apiRateLimit bucket) that should queue rather than
// reject.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}
