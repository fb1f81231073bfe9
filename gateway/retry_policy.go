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
	"context"
	"time"
)

// RetryPolicy is the retry/timeout envelope for one service. The whole
// call, all attempts plus waits, runs under a single timeout.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
	Timeout    time.Duration
}

// RetryOutcome is the terminal result of a policy-wrapped call.
type RetryOutcome struct {
	Value      interface{}
	Err        error
	RetryCount int
	History    []RetryAttempt
}

// Execute runs fn under the policy. The initial attempt has no wait;
// the wait before retry k (1-indexed) is Backoff * 2^k. Only errors
// classified Transient are retried; Permanent and Unknown errors
// short-circuit. Timeout or caller cancellation yields a transient
// cancellation error without further attempts.
func (p RetryPolicy) Execute(ctx context.Context, fn func(context.Context) (interface{}, error)) RetryOutcome {
	callCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	outcome := RetryOutcome{History: []RetryAttempt{}}

	for attempt := 0; ; attempt++ {
		value, err := fn(callCtx)
		if err == nil {
			outcome.Value = value
			outcome.Err = nil
			return outcome
		}
		outcome.Err = err

		category := Classify(err)
		if category != ErrorCategoryTransient {
			return outcome
		}
		if attempt >= p.MaxRetries {
			return outcome
		}

		// Exponential backoff: first retry waits 2x the base backoff.
		wait := p.Backoff * (1 << uint(attempt+1))
		outcome.History = append(outcome.History, RetryAttempt{
			AttemptNumber:   attempt + 1,
			Timestamp:       time.Now().UTC(),
			ErrorMessage:    err.Error(),
			WaitBeforeRetry: wait,
			HTTPStatus:      HTTPStatusOf(err),
		})
		outcome.RetryCount++

		select {
		case <-callCtx.Done():
			outcome.Err = &StepError{
				Message:  "timeout: call canceled while waiting to retry: " + callCtx.Err().Error(),
				Category: ErrorCategoryTransient,
			}
			return outcome
		case <-time.After(wait):
		}
	}
}

// ResilienceConfig derives a RetryPolicy per service from the default
// settings plus per-service overrides.
type ResilienceConfig struct {
	DefaultTimeout    time.Duration
	DefaultMaxRetries int
	DefaultBackoff    time.Duration
	ServiceTimeouts   map[string]time.Duration
	ServiceRetries    map[string]ServiceRetryOverride
}

// ServiceRetryOverride overrides retry settings for one service.
type ServiceRetryOverride struct {
	MaxRetries int
	Backoff    time.Duration
}

// DefaultResilienceConfig returns the stock settings: 3 retries,
// 100ms base backoff, 30s overall timeout.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		DefaultTimeout:    30 * time.Second,
		DefaultMaxRetries: 3,
		DefaultBackoff:    100 * time.Millisecond,
		ServiceTimeouts:   make(map[string]time.Duration),
		ServiceRetries:    make(map[string]ServiceRetryOverride),
	}
}

// PolicyFor resolves the retry policy for a service name.
func (c ResilienceConfig) PolicyFor(service string) RetryPolicy {
	policy := RetryPolicy{
		MaxRetries: c.DefaultMaxRetries,
		Backoff:    c.DefaultBackoff,
		Timeout:    c.DefaultTimeout,
	}
	if timeout, ok := c.ServiceTimeouts[service]; ok && timeout > 0 {
		policy.Timeout = timeout
	}
	if override, ok := c.ServiceRetries[service]; ok {
		if override.MaxRetries >= 0 {
			policy.MaxRetries = override.MaxRetries
		}
		if override.Backoff > 0 {
			policy.Backoff = override.Backoff
		}
	}
	return policy
}
