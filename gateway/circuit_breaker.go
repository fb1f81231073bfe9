// Copyright 2025 IntentGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"fmt"
	"sync"
	"time"
)

// CircuitState is the admission state of one service's breaker.
type CircuitState int

const (
	// CircuitClosed allows requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen fails requests fast.
	CircuitOpen
	// CircuitHalfOpen allows probe requests through.
	CircuitHalfOpen
)

// String returns the lowercase state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerConfig holds the per-service state machine thresholds.
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	HalfOpenTimeout  time.Duration
}

// DefaultCircuitBreakerConfig returns the default thresholds.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		HalfOpenTimeout:  60 * time.Second,
	}
}

// serviceBreaker is the mutable breaker state for one service. All
// fields are guarded by mu; transitions never wait on I/O.
type serviceBreaker struct {
	mu             sync.Mutex
	state          CircuitState
	failureCount   int
	successCount   int
	lastFailureAt  time.Time
	stateChangedAt time.Time
}

// CircuitBreakerTable tracks one breaker per downstream service.
// Different services are fully independent.
type CircuitBreakerTable struct {
	mu       sync.RWMutex
	config   CircuitBreakerConfig
	breakers map[string]*serviceBreaker
	now      func() time.Time
}

// NewCircuitBreakerTable creates a table with the given thresholds.
func NewCircuitBreakerTable(config CircuitBreakerConfig) *CircuitBreakerTable {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.HalfOpenTimeout <= 0 {
		config.HalfOpenTimeout = 60 * time.Second
	}
	return &CircuitBreakerTable{
		config:   config,
		breakers: make(map[string]*serviceBreaker),
		now:      time.Now,
	}
}

// breakerFor returns the breaker entry for a service, creating it in
// the Closed state on first use.
func (t *CircuitBreakerTable) breakerFor(service string) *serviceBreaker {
	t.mu.RLock()
	b, ok := t.breakers[service]
	t.mu.RUnlock()
	if ok {
		return b
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok = t.breakers[service]; ok {
		return b
	}
	b = &serviceBreaker{state: CircuitClosed, stateChangedAt: t.now()}
	t.breakers[service] = b
	return b
}

// Allow reports whether a call to the service may proceed. An Open
// breaker transitions to HalfOpen once the half-open timeout has
// elapsed since the state change; until then calls fail fast with a
// synthetic transient error.
func (t *CircuitBreakerTable) Allow(service string) error {
	b := t.breakerFor(service)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed, CircuitHalfOpen:
		return nil
	case CircuitOpen:
		if t.now().Sub(b.stateChangedAt) >= t.config.HalfOpenTimeout {
			b.state = CircuitHalfOpen
			b.successCount = 0
			b.stateChangedAt = t.now()
			return nil
		}
		return &StepError{
			Message:  fmt.Sprintf("circuit breaker open for service %s: service unavailable", service),
			Category: ErrorCategoryTransient,
		}
	}
	return nil
}

// RecordSuccess notes a successful call. In Closed it resets the
// failure count; in HalfOpen it counts toward closing the circuit.
func (t *CircuitBreakerTable) RecordSuccess(service string) {
	b := t.breakerFor(service)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		b.failureCount = 0
	case CircuitHalfOpen:
		b.successCount++
		if b.successCount >= t.config.SuccessThreshold {
			b.state = CircuitClosed
			b.failureCount = 0
			b.successCount = 0
			b.stateChangedAt = t.now()
		}
	case CircuitOpen:
		// A success can only be observed for calls admitted before the
		// breaker opened; it does not reopen admission.
	}
}

// RecordFailure notes a failed call. Closed trips to Open at the
// failure threshold; HalfOpen trips back to Open on any failure.
func (t *CircuitBreakerTable) RecordFailure(service string) {
	b := t.breakerFor(service)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureAt = t.now()

	switch b.state {
	case CircuitClosed:
		b.failureCount++
		if b.failureCount >= t.config.FailureThreshold {
			b.state = CircuitOpen
			b.stateChangedAt = t.now()
		}
	case CircuitHalfOpen:
		b.state = CircuitOpen
		b.successCount = 0
		b.stateChangedAt = t.now()
	case CircuitOpen:
		// Already open; nothing to trip.
	}
}

// State returns the current state for a service. Unknown services
// report Closed without allocating an entry.
func (t *CircuitBreakerTable) State(service string) CircuitState {
	t.mu.RLock()
	b, ok := t.breakers[service]
	t.mu.RUnlock()
	if !ok {
		return CircuitClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces a service's breaker to Closed and zeroes its counters.
func (t *CircuitBreakerTable) Reset(service string) {
	b := t.breakerFor(service)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = CircuitClosed
	b.failureCount = 0
	b.successCount = 0
	b.stateChangedAt = t.now()
}

// Snapshot reports the state of every tracked service, for metrics
// and health endpoints.
func (t *CircuitBreakerTable) Snapshot() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snapshot := make(map[string]string, len(t.breakers))
	for service, b := range t.breakers {
		b.mu.Lock()
		snapshot[service] = b.state.String()
		b.mu.Unlock()
	}
	return snapshot
}
