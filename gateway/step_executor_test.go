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
	"sync"
	"testing"
	"time"
)

// fakeServiceClient scripts downstream responses per call.
type fakeServiceClient struct {
	mu        sync.Mutex
	responses []fakeResponse
	calls     []fakeCall
	delay     time.Duration
}

type fakeResponse struct {
	value interface{}
	err   error
}

type fakeCall struct {
	serviceName  string
	functionName string
	parameters   map[string]interface{}
	bearerToken  string
}

func (f *fakeServiceClient) Call(ctx context.Context, serviceName, functionName string, parameters map[string]interface{}, bearerToken string) (interface{}, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, fakeCall{serviceName, functionName, parameters, bearerToken})
	if len(f.responses) == 0 {
		return map[string]interface{}{"ok": true}, nil
	}
	next := f.responses[0]
	f.responses = f.responses[1:]
	return next.value, next.err
}

func (f *fakeServiceClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestExecutor(client ServiceClient) *StepExecutor {
	config := DefaultResilienceConfig()
	config.DefaultBackoff = time.Millisecond
	config.DefaultTimeout = 5 * time.Second
	return NewStepExecutor(client, NewCircuitBreakerTable(DefaultCircuitBreakerConfig()), config)
}

// TestExecuteStepSuccess tests the happy path
func TestExecuteStepSuccess(t *testing.T) {
	client := &fakeServiceClient{responses: []fakeResponse{
		{value: map[string]interface{}{"name": "Ada"}},
	}}
	executor := newTestExecutor(client)
	ec := NewExecutionContext(&Principal{UserID: "u1"}, "get user", "tok-abc", "corr")

	result := executor.ExecuteStep(context.Background(), Step{
		Order:        1,
		ServiceName:  "UserService",
		FunctionName: "GetUser",
		Parameters:   map[string]interface{}{"userId": "${userId}"},
	}, ec)

	if !result.Success {
		t.Fatalf("Expected success, got %+v", result)
	}
	if result.RetryCount != 0 {
		t.Errorf("Expected 0 retries, got %d", result.RetryCount)
	}
	if result.Error != nil {
		t.Errorf("Expected nil error, got %v", result.Error)
	}
	value := result.Value.(map[string]interface{})
	if value["name"] != "Ada" {
		t.Errorf("Expected downstream payload, got %v", result.Value)
	}
	if len(ec.StepResults) != 1 {
		t.Errorf("Expected result appended to context, got %d", len(ec.StepResults))
	}

	// Resolved parameters and the caller's token reach the downstream call
	call := client.calls[0]
	if call.parameters["userId"] != "u1" {
		t.Errorf("Expected resolved userId, got %v", call.parameters["userId"])
	}
	if call.bearerToken != "tok-abc" {
		t.Errorf("Expected token propagation, got %q", call.bearerToken)
	}
}

// TestExecuteStepTransientRetry tests transient-then-success recovery
func TestExecuteStepTransientRetry(t *testing.T) {
	client := &fakeServiceClient{responses: []fakeResponse{
		{err: &ServiceCallError{ServiceName: "X", Message: "timeout"}},
		{err: &ServiceCallError{ServiceName: "X", Message: "timeout"}},
		{value: map[string]interface{}{"ok": true}},
	}}
	executor := newTestExecutor(client)
	ec := NewExecutionContext(&Principal{UserID: "u1"}, "intent", "tok", "corr")

	result := executor.ExecuteStep(context.Background(), Step{
		Order: 1, ServiceName: "X", FunctionName: "Do",
	}, ec)

	if !result.Success {
		t.Fatalf("Expected eventual success, got %+v", result.Error)
	}
	if result.RetryCount != 2 {
		t.Errorf("Expected 2 retries, got %d", result.RetryCount)
	}
	if result.UsedFallback {
		t.Error("Expected no fallback on genuine success")
	}
	if client.callCount() != 3 {
		t.Errorf("Expected 3 downstream attempts, got %d", client.callCount())
	}
}

// TestExecuteStepPermanentFailure tests immediate surfacing of permanent errors
func TestExecuteStepPermanentFailure(t *testing.T) {
	client := &fakeServiceClient{responses: []fakeResponse{
		{err: &ServiceCallError{ServiceName: "X", StatusCode: 404, Message: "no such entity"}},
	}}
	executor := newTestExecutor(client)
	ec := NewExecutionContext(&Principal{UserID: "u1"}, "intent", "tok", "corr")

	result := executor.ExecuteStep(context.Background(), Step{
		Order: 1, ServiceName: "X", FunctionName: "Do",
	}, ec)

	if result.Success {
		t.Fatal("Expected failure")
	}
	if result.ErrorCategory != ErrorCategoryPermanent {
		t.Errorf("Expected permanent category, got %s", result.ErrorCategory)
	}
	if result.RetryCount != 0 {
		t.Errorf("Expected no retries for permanent error, got %d", result.RetryCount)
	}
	if result.Error == nil || result.Error.HTTPStatus != 404 {
		t.Errorf("Expected 404 on step error, got %+v", result.Error)
	}
	if client.callCount() != 1 {
		t.Errorf("Expected a single attempt, got %d", client.callCount())
	}
}

// TestExecuteStepFallback tests fallback substitution on failure
func TestExecuteStepFallback(t *testing.T) {
	client := &fakeServiceClient{responses: []fakeResponse{
		{err: &ServiceCallError{ServiceName: "X", StatusCode: 403, Message: "forbidden"}},
	}}
	executor := newTestExecutor(client)
	ec := NewExecutionContext(&Principal{UserID: "u1"}, "intent", "tok", "corr")

	fallback := map[string]interface{}{"role": "guest"}
	result := executor.ExecuteStep(context.Background(), Step{
		Order: 1, ServiceName: "X", FunctionName: "Do", FallbackValue: fallback,
	}, ec)

	if !result.Success {
		t.Fatal("Expected fallback to count as success")
	}
	if !result.UsedFallback {
		t.Error("Expected usedFallback set")
	}
	value := result.Value.(map[string]interface{})
	if value["role"] != "guest" {
		t.Errorf("Expected fallback value, got %v", result.Value)
	}
	// The error record survives alongside the logical success
	if result.Error == nil || !result.Error.UsedFallback {
		t.Errorf("Expected populated error with fallback flag, got %+v", result.Error)
	}
}

// TestExecuteStepBreakerOpen tests fast failure under an open breaker
func TestExecuteStepBreakerOpen(t *testing.T) {
	client := &fakeServiceClient{}
	breakers := NewCircuitBreakerTable(DefaultCircuitBreakerConfig())
	config := DefaultResilienceConfig()
	config.DefaultBackoff = time.Millisecond
	executor := NewStepExecutor(client, breakers, config)

	for i := 0; i < 5; i++ {
		breakers.RecordFailure("X")
	}

	ec := NewExecutionContext(&Principal{UserID: "u1"}, "intent", "tok", "corr")
	result := executor.ExecuteStep(context.Background(), Step{
		Order: 1, ServiceName: "X", FunctionName: "Do",
	}, ec)

	if result.Success {
		t.Fatal("Expected failure under open breaker")
	}
	if result.ErrorCategory != ErrorCategoryTransient {
		t.Errorf("Expected transient synthetic error, got %s", result.ErrorCategory)
	}
	// No downstream HTTP call was made
	if client.callCount() != 0 {
		t.Errorf("Expected no downstream calls while open, got %d", client.callCount())
	}
}

// TestExecuteStepBreakerTripsAfterFailures tests failure accounting
func TestExecuteStepBreakerTripsAfterFailures(t *testing.T) {
	// Five transient failures in one policy run trip the breaker
	responses := make([]fakeResponse, 0, 5)
	for i := 0; i < 5; i++ {
		responses = append(responses, fakeResponse{err: &ServiceCallError{ServiceName: "X", Message: "connection refused"}})
	}
	client := &fakeServiceClient{responses: responses}
	breakers := NewCircuitBreakerTable(DefaultCircuitBreakerConfig())
	config := DefaultResilienceConfig()
	config.DefaultMaxRetries = 4
	config.DefaultBackoff = time.Millisecond
	executor := NewStepExecutor(client, breakers, config)

	ec := NewExecutionContext(&Principal{UserID: "u1"}, "intent", "tok", "corr")
	result := executor.ExecuteStep(context.Background(), Step{
		Order: 1, ServiceName: "X", FunctionName: "Do",
	}, ec)

	if result.Success {
		t.Fatal("Expected exhausted retries to fail")
	}
	if breakers.State("X") != CircuitOpen {
		t.Errorf("Expected breaker open after 5 recorded failures, got %s", breakers.State("X"))
	}
}

// TestExecuteStepDurationRecorded tests wall-clock duration capture
func TestExecuteStepDurationRecorded(t *testing.T) {
	client := &fakeServiceClient{responses: []fakeResponse{
		{err: &ServiceCallError{ServiceName: "X", Message: "timeout"}},
		{value: "done"},
	}}
	executor := newTestExecutor(client)
	ec := NewExecutionContext(&Principal{UserID: "u1"}, "intent", "tok", "corr")

	result := executor.ExecuteStep(context.Background(), Step{
		Order: 1, ServiceName: "X", FunctionName: "Do",
	}, ec)

	if result.Duration <= 0 {
		t.Errorf("Expected positive duration, got %v", result.Duration)
	}
}
