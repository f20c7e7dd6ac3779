// Copyright 2025 James Ross
package breaker

import (
    "testing"
    "time"
)

func TestBreakerTransitions(t *testing.T) {
	cb := New(2, 200*time.Millisecond)
	if cb.State() != Closed {
		t.Fatal("expected closed")
	}
	cb.Record(false)
	if cb.State() != Closed {
		t.Fatal("expected still closed after one failure")
	}
	cb.Record(false)
	if cb.State() != Open {
		t.Fatal("expected open after exactly failureThreshold consecutive failures")
	}
	if cb.Allow() != false {
		t.Fatal("should not allow until cooldown")
	}
	time.Sleep(250 * time.Millisecond)
	if cb.Allow() != true {
		t.Fatal("should allow probe in half-open")
	}
	cb.Record(true)
	if cb.State() != Closed {
		t.Fatal("expected closed after probe success")
	}
}

func TestBreakerResetsCounterOnSuccess(t *testing.T) {
	cb := New(3, 50*time.Millisecond)
	cb.Record(false)
	cb.Record(false)
	cb.Record(true)
	cb.Record(false)
	cb.Record(false)
	if cb.State() != Closed {
		t.Fatal("a success should reset the consecutive-failure count, so two more failures should not trip")
	}
}
