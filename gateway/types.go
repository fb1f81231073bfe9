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
	"time"
)

// Principal represents an authenticated caller. Created once per request
// by the token verifier and never mutated afterwards.
type Principal struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
}

// HasRole reports whether the principal carries the given role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// MaxIntentLength bounds the size of an accepted intent string.
const MaxIntentLength = 8192

// Plan is an ordered, immutable sequence of steps realizing an intent.
type Plan struct {
	ID     string `json:"plan_id"`
	Intent string `json:"intent"`
	Steps  []Step `json:"steps"`
}

// Step is one downstream operation: a named function on a named service.
// Order values within a plan run 1..N with no gaps or duplicates.
type Step struct {
	Order         int                    `json:"order"`
	ServiceName   string                 `json:"service_name"`
	FunctionName  string                 `json:"function_name"`
	Description   string                 `json:"description,omitempty"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
	FallbackValue interface{}            `json:"fallback_value,omitempty"`
}

// ValidatePlan checks the step ordering contract: orders form 1..N with
// no duplicates or gaps. Every plan is validated regardless of which
// planner produced it.
func ValidatePlan(plan *Plan) error {
	if plan == nil {
		return fmt.Errorf("invalid plan: plan is nil")
	}
	if len(plan.Steps) == 0 {
		return fmt.Errorf("invalid plan %s: plan has no steps", plan.ID)
	}
	for i, step := range plan.Steps {
		if step.Order != i+1 {
			return fmt.Errorf("invalid plan %s: step at index %d has order %d, want %d",
				plan.ID, i, step.Order, i+1)
		}
		if step.ServiceName == "" {
			return fmt.Errorf("invalid plan %s: step %d has no service name", plan.ID, step.Order)
		}
		if step.FunctionName == "" {
			return fmt.Errorf("invalid plan %s: step %d has no function name", plan.ID, step.Order)
		}
	}
	return nil
}

// ErrorCategory classifies a step failure for retry eligibility.
type ErrorCategory string

const (
	ErrorCategoryTransient ErrorCategory = "transient"
	ErrorCategoryPermanent ErrorCategory = "permanent"
	ErrorCategoryUnknown   ErrorCategory = "unknown"
)

// RetryAttempt records a single retry of a downstream call.
type RetryAttempt struct {
	AttemptNumber   int           `json:"attempt_number"`
	Timestamp       time.Time     `json:"timestamp"`
	ErrorMessage    string        `json:"error_message"`
	WaitBeforeRetry time.Duration `json:"wait_before_retry"`
	HTTPStatus      int           `json:"http_status,omitempty"`
}

// StepError carries the final failure state of a step, including the
// full retry history and any fallback that was substituted.
type StepError struct {
	Message       string         `json:"message"`
	Category      ErrorCategory  `json:"category"`
	RetryAttempts int            `json:"retry_attempts"`
	RetryHistory  []RetryAttempt `json:"retry_history,omitempty"`
	HTTPStatus    int            `json:"http_status,omitempty"`
	UsedFallback  bool           `json:"used_fallback"`
	FallbackValue interface{}    `json:"fallback_value,omitempty"`
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return e.Message
}

// StepResult is the outcome of one attempted step. A result is produced
// for every step in the plan, in plan order, including steps skipped by
// early termination.
type StepResult struct {
	Order         int           `json:"order"`
	ServiceName   string        `json:"service_name"`
	FunctionName  string        `json:"function_name"`
	Success       bool          `json:"success"`
	Value         interface{}   `json:"value,omitempty"`
	Error         *StepError    `json:"error,omitempty"`
	Duration      time.Duration `json:"duration"`
	RetryCount    int           `json:"retry_count"`
	UsedFallback  bool          `json:"used_fallback"`
	ErrorCategory ErrorCategory `json:"error_category,omitempty"`
}

// StepView is the aggregated per-step projection returned for
// multi-step executions.
type StepView struct {
	Order    int           `json:"order"`
	Service  string        `json:"service"`
	Function string        `json:"function"`
	Success  bool          `json:"success"`
	Result   interface{}   `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ExecutionResult is the terminal outcome of an intent execution.
// Success holds iff every step result reports success (fallback counts
// as success with a recorded error).
type ExecutionResult struct {
	PlanID           string        `json:"plan_id"`
	Intent           string        `json:"intent"`
	Success          bool          `json:"success"`
	AggregatedResult interface{}   `json:"aggregated_result,omitempty"`
	Steps            []StepResult  `json:"steps"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	TotalDuration    time.Duration `json:"total_duration"`
	ExecutedAt       time.Time     `json:"executed_at"`
	CorrelationID    string        `json:"correlation_id"`
}

// ExecutionContext is the resolver's lookup environment for one
// execution. It is owned by a single orchestrator task and is never
// shared between requests; StepResults is append-only for the lifetime
// of the execution.
type ExecutionContext struct {
	UserID        string
	Intent        string
	Token         string
	CorrelationID string
	StepResults   []StepResult
	Variables     map[string]interface{}
}

// NewExecutionContext seeds a context with the principal and intent.
func NewExecutionContext(principal *Principal, intent, token, correlationID string) *ExecutionContext {
	return &ExecutionContext{
		UserID:        principal.UserID,
		Intent:        intent,
		Token:         token,
		CorrelationID: correlationID,
		StepResults:   make([]StepResult, 0, 4),
		Variables:     make(map[string]interface{}),
	}
}

// AppendResult records a finished step. Results arrive in plan order.
func (ec *ExecutionContext) AppendResult(result StepResult) {
	ec.StepResults = append(ec.StepResults, result)
}

// ResultForOrder returns the recorded result for a step order, or nil.
func (ec *ExecutionContext) ResultForOrder(order int) *StepResult {
	for i := range ec.StepResults {
		if ec.StepResults[i].Order == order {
			return &ec.StepResults[i]
		}
	}
	return nil
}
