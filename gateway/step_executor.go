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

	"intentgate/platform/shared/logger"
)

// StepExecutor runs one plan step: resolve parameters, gate on the
// service's circuit breaker, invoke the downstream operation under the
// retry/timeout policy, classify the outcome, and apply any fallback.
type StepExecutor struct {
	client     ServiceClient
	breakers   *CircuitBreakerTable
	resilience ResilienceConfig
	resolver   *VariableResolver
	logger     *logger.Logger
}

// NewStepExecutor wires an executor over its collaborators.
func NewStepExecutor(client ServiceClient, breakers *CircuitBreakerTable, resilience ResilienceConfig) *StepExecutor {
	return &StepExecutor{
		client:     client,
		breakers:   breakers,
		resilience: resilience,
		resolver:   NewVariableResolver(),
		logger:     logger.New("executor"),
	}
}

// ExecuteStep runs a single step against its downstream service and
// appends the result to the execution context. Duration is wall clock
// from step start, parameter resolution included.
func (e *StepExecutor) ExecuteStep(ctx context.Context, step Step, ec *ExecutionContext) StepResult {
	started := time.Now()

	params := e.resolver.ResolveParameters(ctx, step.Parameters, ec, step.Order)

	result := StepResult{
		Order:        step.Order,
		ServiceName:  step.ServiceName,
		FunctionName: step.FunctionName,
	}

	// Breaker gate: an open circuit fails fast with a synthetic
	// transient error, still subject to the retry budget below so the
	// step observes a re-entering HalfOpen breaker mid-call.
	policy := e.resilience.PolicyFor(step.ServiceName)
	outcome := policy.Execute(ctx, func(callCtx context.Context) (interface{}, error) {
		if err := e.breakers.Allow(step.ServiceName); err != nil {
			return nil, err
		}
		value, err := e.client.Call(callCtx, step.ServiceName, step.FunctionName, params, ec.Token)
		if err != nil {
			e.breakers.RecordFailure(step.ServiceName)
			return nil, err
		}
		e.breakers.RecordSuccess(step.ServiceName)
		return value, nil
	})

	result.RetryCount = outcome.RetryCount
	result.Duration = time.Since(started)

	if outcome.Err == nil {
		result.Success = true
		result.Value = outcome.Value
		e.logger.For(ec.UserID, ec.CorrelationID).Info("Step completed", logger.Fields{
			"order":       step.Order,
			"service":     step.ServiceName,
			"function":    step.FunctionName,
			"retries":     outcome.RetryCount,
			"duration_ms": result.Duration.Milliseconds(),
		})
		ec.AppendResult(result)
		return result
	}

	category := Classify(outcome.Err)
	stepErr := &StepError{
		Message:       outcome.Err.Error(),
		Category:      category,
		RetryAttempts: outcome.RetryCount,
		RetryHistory:  outcome.History,
		HTTPStatus:    HTTPStatusOf(outcome.Err),
	}
	result.Error = stepErr
	result.ErrorCategory = category

	if step.FallbackValue != nil {
		// Fallback recovery: the step counts as a success for data
		// piping, but the error stays on the record.
		stepErr.UsedFallback = true
		stepErr.FallbackValue = step.FallbackValue
		result.Success = true
		result.UsedFallback = true
		result.Value = step.FallbackValue
		result.Duration = time.Since(started)

		e.logger.For(ec.UserID, ec.CorrelationID).Warn("Step failed, using fallback value", logger.Fields{
			"order":    step.Order,
			"service":  step.ServiceName,
			"function": step.FunctionName,
			"category": string(category),
			"error":    outcome.Err.Error(),
		})
		ec.AppendResult(result)
		return result
	}

	result.Success = false
	result.Duration = time.Since(started)

	e.logger.For(ec.UserID, ec.CorrelationID).Error("Step failed", outcome.Err, logger.Fields{
		"order":       step.Order,
		"service":     step.ServiceName,
		"function":    step.FunctionName,
		"category":    string(category),
		"status_code": stepErr.HTTPStatus,
		"retries":     outcome.RetryCount,
	})
	ec.AppendResult(result)
	return result
}
