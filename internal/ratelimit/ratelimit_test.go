// Copyright 2025 James Ross
package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterAdmitsExactlyRequestsPerWindow(t *testing.T) {
	l := New(2, time.Second)

	admitted := 0
	for i := 0; i < 10; i++ {
		if l.Allow() {
			admitted++
		}
	}
	require.Equal(t, 2, admitted, "burst of 10 within the window should admit exactly 2")

	time.Sleep(1100 * time.Millisecond)
	require.True(t, l.Allow(), "a slot should be available again after the window elapses")
}
