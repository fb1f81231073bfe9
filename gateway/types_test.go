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
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrincipalHasRole(t *testing.T) {
	p := &Principal{UserID: "u1", Roles: []string{"admin", "operator"}}

	assert.True(t, p.HasRole("admin"))
	assert.True(t, p.HasRole("operator"))
	assert.False(t, p.HasRole("viewer"))
	assert.False(t, (&Principal{UserID: "u2"}).HasRole("admin"))
}

func TestPlanKeyDeterminism(t *testing.T) {
	key1 := PlanKey("list my orders", "u1")
	key2 := PlanKey("list my orders", "u1")
	require.Equal(t, key1, key2, "same intent and user must fingerprint identically")

	assert.NotEqual(t, key1, PlanKey("list my orders", "u2"))
	assert.NotEqual(t, key1, PlanKey("list my invoices", "u1"))
	// The separator prevents (intent, user) boundary ambiguity
	assert.NotEqual(t, PlanKey("ab", "c"), PlanKey("a", "bc"))
}

func TestExecutionContextAppendAndLookup(t *testing.T) {
	ec := NewExecutionContext(&Principal{UserID: "u1"}, "intent", "tok", "corr")

	require.Empty(t, ec.StepResults)
	require.Nil(t, ec.ResultForOrder(1))

	ec.AppendResult(StepResult{Order: 1, Success: true, Value: "first"})
	ec.AppendResult(StepResult{Order: 2, Success: false})

	require.Len(t, ec.StepResults, 2)
	first := ec.ResultForOrder(1)
	require.NotNil(t, first)
	assert.Equal(t, "first", first.Value)
	assert.Nil(t, ec.ResultForOrder(3))
}

func TestStepErrorSerialization(t *testing.T) {
	stepErr := &StepError{
		Message:       "downstream returned 503",
		Category:      ErrorCategoryTransient,
		RetryAttempts: 2,
		RetryHistory: []RetryAttempt{
			{AttemptNumber: 1, Timestamp: time.Now().UTC(), ErrorMessage: "unavailable", WaitBeforeRetry: 200 * time.Millisecond, HTTPStatus: 503},
		},
		HTTPStatus: 503,
	}

	assert.Equal(t, "downstream returned 503", stepErr.Error())

	data, err := json.Marshal(stepErr)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "transient", decoded["category"])
	assert.Equal(t, float64(503), decoded["http_status"])
	assert.Len(t, decoded["retry_history"], 1)
}

func TestStepResultOmitsEmptyError(t *testing.T) {
	result := StepResult{Order: 1, ServiceName: "A", FunctionName: "F", Success: true, Value: "ok"}

	data, err := json.Marshal(result)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	_, hasError := decoded["error"]
	assert.False(t, hasError, "successful results must not carry an error field")
	_, hasCategory := decoded["error_category"]
	assert.False(t, hasCategory)
}
