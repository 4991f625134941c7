package provider

import (
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig defines circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold    int           `yaml:"failure_threshold"`      // consecutive failures to open
	RecoveryTimeout     time.Duration `yaml:"recovery_timeout"`       // how long to stay open
	HalfOpenMaxAttempts int           `yaml:"half_open_max_attempts"` // probes allowed while half-open
}

// DefaultBreakerConfig returns the thresholds used when a provider config
// leaves them unset.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:    3,
		RecoveryTimeout:     60 * time.Second,
		HalfOpenMaxAttempts: 1,
	}
}

// CircuitBreaker stops calls against a dependency after consecutive failures,
// then probes for recovery. Transitions are evaluated lazily on the next
// consult, never by a background timer. Created at provider registration and
// lives for the process lifetime.
type CircuitBreaker struct {
	name   string
	config BreakerConfig

	mu               sync.Mutex
	state            CircuitState
	failureCount     int
	lastFailureTime  time.Time
	halfOpenAttempts int

	now func() time.Time
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(name string, config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.HalfOpenMaxAttempts <= 0 {
		config.HalfOpenMaxAttempts = 1
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  CircuitClosed,
		now:    time.Now,
	}
}

// evaluate applies the lazy OPEN -> HALF_OPEN transition. Caller holds cb.mu.
func (cb *CircuitBreaker) evaluate() {
	if cb.state == CircuitOpen && cb.now().Sub(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
}

// Allow reports whether a call may proceed right now and, when half-open,
// consumes one probe attempt.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.evaluate()
	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		if cb.halfOpenAttempts < cb.config.HalfOpenMaxAttempts {
			cb.halfOpenAttempts++
			return true
		}
		return false
	default:
		return false
	}
}

// IsAvailable is the read-only variant of Allow: it reports whether a call
// would be permitted without consuming a half-open probe.
func (cb *CircuitBreaker) IsAvailable() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.evaluate()
	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		return cb.halfOpenAttempts < cb.config.HalfOpenMaxAttempts
	default:
		return false
	}
}

// RecordSuccess zeroes the failure count and closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failure, opening the breaker at the threshold or on
// any half-open probe failure.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureTime = cb.now()

	if cb.state == CircuitHalfOpen || cb.failureCount >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
	}
}

// Call gates an operation behind the breaker. The original error is always
// propagated; the breaker only decides whether the call is attempted.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.Allow() {
		return &ProviderError{
			Code:      ErrCodeCircuitOpen,
			Message:   fmt.Sprintf("circuit breaker %s is %s", cb.name, cb.State()),
			Retryable: true,
		}
	}

	err := fn()
	if err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// State returns the current state after lazy evaluation.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.evaluate()
	return cb.state
}

// Reset is an administrative hard reset to closed/zero failures.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.failureCount = 0
	cb.halfOpenAttempts = 0
	cb.lastFailureTime = time.Time{}
}

// BreakerStatus is a serializable snapshot.
type BreakerStatus struct {
	Name             string    `json:"name"`
	State            string    `json:"state"`
	FailureCount     int       `json:"failure_count"`
	FailureThreshold int       `json:"failure_threshold"`
	LastFailureTime  time.Time `json:"last_failure_time"`
	RecoveryTimeout  string    `json:"recovery_timeout"`
}

// Status snapshots the breaker for observability.
func (cb *CircuitBreaker) Status() BreakerStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.evaluate()
	return BreakerStatus{
		Name:             cb.name,
		State:            cb.state.String(),
		FailureCount:     cb.failureCount,
		FailureThreshold: cb.config.FailureThreshold,
		LastFailureTime:  cb.lastFailureTime,
		RecoveryTimeout:  cb.config.RecoveryTimeout.String(),
	}
}
