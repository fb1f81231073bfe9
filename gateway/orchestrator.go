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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"intentgate/platform/shared/logger"
)

// Orchestrator turns an admitted intent into an executed plan: probe
// the plan cache, consult the planner, walk the steps in order through
// the executor, aggregate, and audit the outcome.
type Orchestrator struct {
	planner     Planner
	planCache   *Cache
	resultCache *Cache // nil disables result caching
	executor    *StepExecutor
	audit       AuditSink
	planTTL     time.Duration
	logger      *logger.Logger
}

// NewOrchestrator wires an orchestrator over its collaborators.
// resultCache may be nil.
func NewOrchestrator(planner Planner, planCache, resultCache *Cache, executor *StepExecutor, audit AuditSink, planTTL time.Duration) *Orchestrator {
	if planTTL <= 0 {
		planTTL = time.Hour
	}
	return &Orchestrator{
		planner:     planner,
		planCache:   planCache,
		resultCache: resultCache,
		executor:    executor,
		audit:       audit,
		planTTL:     planTTL,
		logger:      logger.New("orchestrator"),
	}
}

// PlanKey fingerprints an (intent, user) pair for the plan cache.
func PlanKey(intent, userID string) string {
	sum := sha256.Sum256([]byte(intent + "\x00" + userID))
	return "plan:" + hex.EncodeToString(sum[:])
}

// Plan returns a validated plan for the intent, from cache when
// possible, otherwise from the planner collaborator.
func (o *Orchestrator) Plan(ctx context.Context, principal *Principal, intent, correlationID string) (*Plan, error) {
	key := PlanKey(intent, principal.UserID)

	if cached, ok := o.planCache.Get(key); ok {
		if plan, isPlan := cached.(*Plan); isPlan {
			o.logger.For(principal.UserID, correlationID).Debug("Plan cache hit", logger.Fields{
				"plan_id": plan.ID,
			})
			return plan, nil
		}
	}

	plan, err := o.planner.GeneratePlan(ctx, intent, principal)
	if err != nil {
		return nil, fmt.Errorf("planner failed: %w", err)
	}
	if err := ValidatePlan(plan); err != nil {
		return nil, err
	}

	o.planCache.Set(key, plan, o.planTTL)
	o.logger.For(principal.UserID, correlationID).Info("Plan generated", logger.Fields{
		"plan_id": plan.ID,
		"steps":   len(plan.Steps),
	})
	return plan, nil
}

// ExecuteWithVariables runs an admitted intent, seeding the resolver
// with client-supplied context variables.
func (o *Orchestrator) ExecuteWithVariables(ctx context.Context, admission *Admission, intent string, variables map[string]interface{}) (*ExecutionResult, error) {
	return o.execute(ctx, admission.Principal, admission.Token, intent, admission.CorrelationID, variables, nil)
}

// Execute runs the full intent lifecycle. When emit is non-nil the
// typed event sequence is produced alongside the result. The returned
// error is non-nil only when no execution result could be produced at
// all (planning failure); step failures are reported in the result.
func (o *Orchestrator) Execute(ctx context.Context, principal *Principal, token, intent, correlationID string, emit EventEmitter) (*ExecutionResult, error) {
	return o.execute(ctx, principal, token, intent, correlationID, nil, emit)
}

func (o *Orchestrator) execute(ctx context.Context, principal *Principal, token, intent, correlationID string, variables map[string]interface{}, emit EventEmitter) (*ExecutionResult, error) {
	started := time.Now()

	o.emitEvent(emit, ExecutionEvent{
		EventType:     EventExecutionStarted,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Data:          map[string]interface{}{"intent": intent},
	})

	plan, err := o.Plan(ctx, principal, intent, correlationID)
	if err != nil {
		o.emitEvent(emit, ExecutionEvent{
			EventType:     EventExecutionFailed,
			Timestamp:     time.Now().UTC(),
			DurationMs:    time.Since(started).Milliseconds(),
			CorrelationID: correlationID,
			Data:          map[string]interface{}{"error": err.Error(), "error_type": "PlanningFailed"},
		})
		o.auditExecution(principal, correlationID, "", false, err.Error())
		return nil, err
	}

	o.emitEvent(emit, ExecutionEvent{
		EventType:     EventPlanGenerated,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Data: map[string]interface{}{
			"plan_id": plan.ID,
			"steps":   len(plan.Steps),
		},
	})

	ec := NewExecutionContext(principal, intent, token, correlationID)
	for key, value := range variables {
		ec.Variables[key] = value
	}
	canceled := false

	for i, step := range plan.Steps {
		if ctx.Err() != nil {
			canceled = true
			o.recordSkipped(ec, plan.Steps[i:], "execution canceled")
			break
		}

		o.emitEvent(emit, ExecutionEvent{
			EventType:     EventStepStarted,
			StepOrder:     step.Order,
			ServiceName:   step.ServiceName,
			FunctionName:  step.FunctionName,
			Timestamp:     time.Now().UTC(),
			CorrelationID: correlationID,
			Data:          map[string]interface{}{"description": step.Description},
		})

		result := o.executor.ExecuteStep(ctx, step, ec)

		if result.Success {
			o.emitEvent(emit, ExecutionEvent{
				EventType:     EventStepCompleted,
				StepOrder:     step.Order,
				ServiceName:   step.ServiceName,
				FunctionName:  step.FunctionName,
				Timestamp:     time.Now().UTC(),
				DurationMs:    result.Duration.Milliseconds(),
				CorrelationID: correlationID,
				Data: map[string]interface{}{
					"value":         result.Value,
					"used_fallback": result.UsedFallback,
					"retry_count":   result.RetryCount,
				},
			})
			continue
		}

		o.emitEvent(emit, ExecutionEvent{
			EventType:     EventStepFailed,
			StepOrder:     step.Order,
			ServiceName:   step.ServiceName,
			FunctionName:  step.FunctionName,
			Timestamp:     time.Now().UTC(),
			DurationMs:    result.Duration.Milliseconds(),
			CorrelationID: correlationID,
			Data: map[string]interface{}{
				"error":       result.Error.Message,
				"category":    string(result.ErrorCategory),
				"retry_count": result.RetryCount,
			},
		})

		if ctx.Err() != nil {
			canceled = true
			o.recordSkipped(ec, plan.Steps[i+1:], "execution canceled")
			break
		}

		// Early termination: a permanent failure with no fallback, and
		// no remaining step that could recover via fallback, makes the
		// rest of the plan unreachable.
		if result.ErrorCategory == ErrorCategoryPermanent && !anyFallback(plan.Steps[i+1:]) {
			o.recordSkipped(ec, plan.Steps[i+1:], fmt.Sprintf("skipped: step %d failed permanently", step.Order))
			break
		}
	}

	execResult := o.buildResult(plan, ec, correlationID, started)

	if canceled {
		execResult.Success = false
		if execResult.ErrorMessage == "" {
			execResult.ErrorMessage = "execution canceled"
		}
		o.emitEvent(emit, ExecutionEvent{
			EventType:     EventExecutionFailed,
			Timestamp:     time.Now().UTC(),
			DurationMs:    execResult.TotalDuration.Milliseconds(),
			CorrelationID: correlationID,
			Data:          map[string]interface{}{"error": execResult.ErrorMessage, "error_type": "Canceled"},
		})
	} else if execResult.Success {
		o.emitEvent(emit, ExecutionEvent{
			EventType:     EventExecutionCompleted,
			Timestamp:     time.Now().UTC(),
			DurationMs:    execResult.TotalDuration.Milliseconds(),
			CorrelationID: correlationID,
			Data:          map[string]interface{}{"plan_id": plan.ID, "steps": len(execResult.Steps)},
		})
	} else {
		o.emitEvent(emit, ExecutionEvent{
			EventType:     EventExecutionFailed,
			Timestamp:     time.Now().UTC(),
			DurationMs:    execResult.TotalDuration.Milliseconds(),
			CorrelationID: correlationID,
			Data:          map[string]interface{}{"error": execResult.ErrorMessage, "error_type": "StepFailed"},
		})
	}

	if o.resultCache != nil {
		o.resultCache.Set("result:"+plan.ID, execResult, o.planTTL)
	}

	o.auditExecution(principal, correlationID, plan.ID, execResult.Success, execResult.ErrorMessage)
	return execResult, nil
}

// recordSkipped appends never-executed step results so that every plan
// step has exactly one result, in order.
func (o *Orchestrator) recordSkipped(ec *ExecutionContext, steps []Step, reason string) {
	for _, step := range steps {
		ec.AppendResult(StepResult{
			Order:         step.Order,
			ServiceName:   step.ServiceName,
			FunctionName:  step.FunctionName,
			Success:       false,
			ErrorCategory: ErrorCategoryPermanent,
			Error: &StepError{
				Message:  reason,
				Category: ErrorCategoryPermanent,
			},
		})
	}
}

// buildResult assembles the terminal ExecutionResult from the context.
func (o *Orchestrator) buildResult(plan *Plan, ec *ExecutionContext, correlationID string, started time.Time) *ExecutionResult {
	success := true
	errorMessage := ""
	for _, sr := range ec.StepResults {
		if !sr.Success {
			success = false
			if errorMessage == "" && sr.Error != nil {
				errorMessage = fmt.Sprintf("step %d (%s.%s) failed: %s",
					sr.Order, sr.ServiceName, sr.FunctionName, sr.Error.Message)
			}
		}
	}

	var aggregated interface{}
	if len(ec.StepResults) == 1 {
		aggregated = ec.StepResults[0].Value
	} else {
		views := make([]StepView, 0, len(ec.StepResults))
		for _, sr := range ec.StepResults {
			view := StepView{
				Order:    sr.Order,
				Service:  sr.ServiceName,
				Function: sr.FunctionName,
				Success:  sr.Success,
				Result:   sr.Value,
				Duration: sr.Duration,
			}
			if sr.Error != nil {
				view.Error = sr.Error.Message
			}
			views = append(views, view)
		}
		aggregated = map[string]interface{}{"steps": views}
	}

	return &ExecutionResult{
		PlanID:           plan.ID,
		Intent:           ec.Intent,
		Success:          success,
		AggregatedResult: aggregated,
		Steps:            ec.StepResults,
		ErrorMessage:     errorMessage,
		TotalDuration:    time.Since(started),
		ExecutedAt:       started.UTC(),
		CorrelationID:    correlationID,
	}
}

// anyFallback reports whether any of the remaining steps declares a
// fallback value.
func anyFallback(steps []Step) bool {
	for _, step := range steps {
		if step.FallbackValue != nil {
			return true
		}
	}
	return false
}

// emitEvent forwards an event when streaming is active.
func (o *Orchestrator) emitEvent(emit EventEmitter, ev ExecutionEvent) {
	if emit != nil {
		emit(ev)
	}
}

// auditExecution records an execution outcome.
func (o *Orchestrator) auditExecution(principal *Principal, correlationID, planID string, success bool, errorMessage string) {
	if o.audit == nil {
		return
	}
	record := AuditRecord{
		UserID:   principal.UserID,
		Action:   AuditActionExecute,
		Resource: "intent",
		Method:   "EXECUTE",
		Success:  success,
		Context: map[string]interface{}{
			"correlation_id": correlationID,
			"plan_id":        planID,
		},
	}
	if success {
		record.StatusCode = 200
	} else {
		record.StatusCode = 500
		record.ErrorMessage = errorMessage
	}
	o.audit.Record(record)
}
