package provider

import (
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker("test", BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
		if cb.State() != CircuitClosed {
			t.Fatalf("breaker opened after %d failures, threshold is 3", i+1)
		}
	}
	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Errorf("breaker should be open after 3 failures, got %s", cb.State())
	}
	if cb.Allow() {
		t.Error("open breaker should reject calls")
	}
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker("test", BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Minute})

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if cb.State() != CircuitClosed {
		t.Errorf("non-consecutive failures should not open the breaker, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenLifecycle(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("test", BreakerConfig{
		FailureThreshold:    2,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxAttempts: 1,
	})
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	t.Run("stays open before recovery timeout", func(t *testing.T) {
		now = now.Add(29 * time.Second)
		if cb.Allow() {
			t.Error("breaker should stay open before the recovery timeout")
		}
	})

	t.Run("admits one probe after timeout", func(t *testing.T) {
		now = now.Add(2 * time.Second)
		if !cb.Allow() {
			t.Fatal("half-open breaker should admit the first probe")
		}
		if cb.Allow() {
			t.Error("half-open breaker should admit only one probe")
		}
	})

	t.Run("probe success closes", func(t *testing.T) {
		cb.RecordSuccess()
		if cb.State() != CircuitClosed {
			t.Errorf("expected closed after probe success, got %s", cb.State())
		}
		if !cb.Allow() {
			t.Error("closed breaker should allow calls")
		}
	})

	t.Run("probe failure reopens", func(t *testing.T) {
		cb.RecordFailure()
		cb.RecordFailure() // back to open
		now = now.Add(31 * time.Second)
		if !cb.Allow() {
			t.Fatal("expected a half-open probe")
		}
		cb.RecordFailure()
		if cb.State() != CircuitOpen {
			t.Errorf("half-open probe failure should reopen immediately, got %s", cb.State())
		}
	})
}

func TestCircuitBreaker_IsAvailableDoesNotConsumeProbe(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("test", BreakerConfig{FailureThreshold: 1, RecoveryTimeout: 10 * time.Second, HalfOpenMaxAttempts: 1})
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	now = now.Add(11 * time.Second)

	for i := 0; i < 3; i++ {
		if !cb.IsAvailable() {
			t.Fatalf("IsAvailable consumed a probe on read %d", i)
		}
	}
	if !cb.Allow() {
		t.Error("the probe should still be available after read-only checks")
	}
}

func TestCircuitBreaker_Call(t *testing.T) {
	cb := NewCircuitBreaker("test", BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute})

	callErr := errors.New("backend down")
	if err := cb.Call(func() error { return callErr }); !errors.Is(err, callErr) {
		t.Errorf("Call should propagate the original error, got %v", err)
	}

	err := cb.Call(func() error { return nil })
	var perr *ProviderError
	if !errors.As(err, &perr) || perr.Code != ErrCodeCircuitOpen {
		t.Errorf("expected CIRCUIT_OPEN error from tripped breaker, got %v", err)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker("test", BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatal("expected open")
	}
	cb.Reset()
	if cb.State() != CircuitClosed || !cb.Allow() {
		t.Error("reset breaker should be closed and allowing")
	}
}
