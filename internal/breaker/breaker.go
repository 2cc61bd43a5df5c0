// Copyright 2025 James Ross
//
// Package breaker implements the per-provider circuit breaker: closed,
// open, and half_open states driven by consecutive failure/success counts
// rather than a sliding failure-rate window.
package breaker

import (
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker tracks one provider's availability. closed -> open after
// FailureThreshold consecutive failures; open -> half_open after
// TimeoutSeconds elapses; half_open -> closed after SuccessThreshold
// cumulative successes while on probation, or back to open on any failure.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	successThreshold int
	timeout          time.Duration
	halfOpenMaxCalls int

	state            State
	consecutiveFails int
	halfOpenSuccess  int
	halfOpenInFlight int
	openedAt         time.Time
	lastFailure      time.Time
}

func New(failureThreshold, successThreshold int, timeout time.Duration, halfOpenMaxCalls int) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		halfOpenMaxCalls: halfOpenMaxCalls,
		state:            Closed,
	}
}

// GetState returns the breaker's current state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// IsAvailable reports whether a call may proceed. In half_open it admits up
// to halfOpenMaxCalls concurrent probes; once consumed, every further call
// is rejected until a probe reports its result.
func (cb *CircuitBreaker) IsAvailable() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Open:
		if time.Since(cb.openedAt) < cb.timeout {
			return false
		}
		cb.state = HalfOpen
		cb.halfOpenSuccess = 0
		cb.halfOpenInFlight = 0
		// fall through to half_open admission below
	case Closed:
		return true
	}

	if cb.state == HalfOpen {
		if cb.halfOpenInFlight >= cb.halfOpenMaxCalls {
			return false
		}
		cb.halfOpenInFlight++
		return true
	}
	return true
}

// RecordSuccess reports a successful call outcome.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case HalfOpen:
		cb.halfOpenInFlight--
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= cb.successThreshold {
			cb.state = Closed
			cb.consecutiveFails = 0
		}
	case Closed:
		cb.consecutiveFails = 0
	}
}

// RecordFailure reports a failed call outcome.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFailure = time.Now()

	switch cb.state {
	case HalfOpen:
		cb.halfOpenInFlight--
		cb.trip()
	case Closed:
		cb.consecutiveFails++
		if cb.consecutiveFails >= cb.failureThreshold {
			cb.trip()
		}
	}
}

// trip transitions the breaker to open; caller must hold cb.mu.
func (cb *CircuitBreaker) trip() {
	cb.state = Open
	cb.openedAt = time.Now()
	cb.consecutiveFails = 0
}

// Reset forces the breaker back to closed with all counters cleared, for
// operator-initiated recovery.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = Closed
	cb.consecutiveFails = 0
	cb.halfOpenSuccess = 0
	cb.halfOpenInFlight = 0
}

// FailureCount returns the current consecutive-failure count, for
// diagnostics and the CircuitBreakerState data-model projection.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFails
}

// LastFailure returns the timestamp of the most recent recorded failure.
func (cb *CircuitBreaker) LastFailure() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastFailure
}
