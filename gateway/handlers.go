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
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"intentgate/platform/shared/logger"
)

// executeIntentRequest is the body of POST /api/intent/execute and
// POST /api/intent/plan.
type executeIntentRequest struct {
	Intent  string                 `json:"intent"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// executeIntentResponse is the success body of /api/intent/execute.
type executeIntentResponse struct {
	Success         bool        `json:"success"`
	Result          interface{} `json:"result,omitempty"`
	ExecutionTimeMs int64       `json:"executionTimeMs"`
	ExecutedAt      time.Time   `json:"executedAt"`
	PlanID          string      `json:"planId"`
	Error           string      `json:"error,omitempty"`
}

// errorBody is the RFC-7807-ish failure payload.
type errorBody struct {
	StatusCode    int    `json:"statusCode"`
	Error         string `json:"error"`
	Details       string `json:"details,omitempty"`
	ErrorCode     string `json:"errorCode,omitempty"`
	Timestamp     string `json:"timestamp,omitempty"`
	TraceID       string `json:"traceId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	Path          string `json:"path,omitempty"`
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		gatewayLogger.Error("Failed to encode response", err, nil)
	}
}

// writeError writes the standard error body.
func writeError(w http.ResponseWriter, r *http.Request, statusCode int, message, details, errorCode string) {
	writeJSON(w, statusCode, errorBody{
		StatusCode:    statusCode,
		Error:         message,
		Details:       details,
		ErrorCode:     errorCode,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		TraceID:       traceIDFrom(r.Context()),
		CorrelationID: correlationIDFrom(r.Context()),
		Path:          r.URL.Path,
	})
}

// writeRefusal maps an admission refusal onto the response, attaching
// rate-limit headers on quota denials.
func writeRefusal(w http.ResponseWriter, r *http.Request, refusal *Refusal) {
	metricsCollector.RecordRefusal(refusal.Kind)

	if refusal.Kind == RefusalRateLimit && refusal.Quota != nil {
		w.Header().Set(HeaderRateLimitLimit, strconv.Itoa(refusal.Quota.Limit))
		w.Header().Set(HeaderRateLimitRemaining, strconv.Itoa(refusal.Quota.Remaining))
		w.Header().Set(HeaderRateLimitReset, strconv.FormatInt(refusal.Quota.ResetAt.Unix(), 10))
		w.Header().Set(HeaderRetryAfter, strconv.Itoa(refusal.RetryAfter))
	}

	writeError(w, r, refusal.HTTPStatus(), string(refusal.Kind), refusal.Reason, string(refusal.Kind))
}

// decodeIntentRequest parses the common request body.
func decodeIntentRequest(r *http.Request) (*executeIntentRequest, error) {
	var req executeIntentRequest
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	return &req, nil
}

// executeIntentHandler runs an intent end to end and returns the
// aggregated result.
func executeIntentHandler(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	req, err := decodeIntentRequest(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid", err.Error(), "Invalid")
		return
	}

	admission, refusal := admissionPipeline.Admit(r.Context(),
		r.Header.Get("Authorization"), req.Intent, correlationIDFrom(r.Context()), r.RemoteAddr)
	if refusal != nil {
		writeRefusal(w, r, refusal)
		return
	}

	if len(req.Context) > 0 {
		// Client-supplied context values are visible to the resolver as
		// plain variables.
		gatewayLogger.For(admission.Principal.UserID, admission.CorrelationID).
			Debug("Client context attached", logger.Fields{"keys": len(req.Context)})
	}

	result, err := orchestratorEngine.ExecuteWithVariables(r.Context(), admission, req.Intent, req.Context)
	if err != nil {
		metricsCollector.RecordRequest("execute", false, time.Since(started))
		if r.Context().Err() != nil {
			writeError(w, r, http.StatusRequestTimeout, "Canceled", "request canceled by client", "Canceled")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "Internal", err.Error(), "Internal")
		return
	}

	metricsCollector.RecordRequest("execute", result.Success, time.Since(started))
	for _, step := range result.Steps {
		metricsCollector.RecordStep(step.ServiceName, step.Success, step.Duration)
	}

	writeJSON(w, http.StatusOK, executeIntentResponse{
		Success:         result.Success,
		Result:          result.AggregatedResult,
		ExecutionTimeMs: result.TotalDuration.Milliseconds(),
		ExecutedAt:      result.ExecutedAt,
		PlanID:          result.PlanID,
		Error:           result.ErrorMessage,
	})
}

// planIntentHandler produces a plan without running it.
func planIntentHandler(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	req, err := decodeIntentRequest(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid", err.Error(), "Invalid")
		return
	}

	admission, refusal := admissionPipeline.Admit(r.Context(),
		r.Header.Get("Authorization"), req.Intent, correlationIDFrom(r.Context()), r.RemoteAddr)
	if refusal != nil {
		writeRefusal(w, r, refusal)
		return
	}

	plan, err := orchestratorEngine.Plan(r.Context(), admission.Principal, req.Intent, admission.CorrelationID)
	if err != nil {
		metricsCollector.RecordRequest("plan", false, time.Since(started))
		writeError(w, r, http.StatusInternalServerError, "Internal", err.Error(), "Internal")
		return
	}

	metricsCollector.RecordRequest("plan", true, time.Since(started))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"planId": plan.ID,
		"intent": plan.Intent,
		"steps":  plan.Steps,
	})
}

// streamIntentHandler streams execution events for an intent as
// server-sent events.
func streamIntentHandler(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	rawIntent := mux.Vars(r)["intent"]
	intent, err := url.PathUnescape(rawIntent)
	if err != nil {
		intent = rawIntent
	}

	admission, refusal := admissionPipeline.Admit(r.Context(),
		r.Header.Get("Authorization"), intent, correlationIDFrom(r.Context()), r.RemoteAddr)
	if refusal != nil {
		writeRefusal(w, r, refusal)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	events := streamingAdapter.Stream(r.Context(), admission.Principal, admission.Token, intent, admission.CorrelationID)
	success := true
	for ev := range events {
		if ev.EventType == EventExecutionFailed {
			success = false
		}
		if err := WriteSSE(w, ev); err != nil {
			gatewayLogger.For(admission.Principal.UserID, admission.CorrelationID).
				Warn("Stream write failed, client likely disconnected", logger.Fields{"error": err.Error()})
			break
		}
	}

	metricsCollector.RecordRequest("stream", success, time.Since(started))
}

// healthHandler reports liveness plus component snapshots.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "healthy",
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"circuit_breakers": breakerTable.Snapshot(),
		"cache":            planCache.Stats(),
	})
}

// jsonMetricsHandler exposes the in-process metrics snapshot.
func jsonMetricsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, metricsCollector.Snapshot(breakerTable, planCache.Stats()))
}

// auditByUserHandler returns recent audit records for a user.
func auditByUserHandler(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	limit := queryLimit(r, 50)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"records": auditSink.ByUser(userID, limit),
	})
}

// auditByResourceHandler returns recent audit records for a resource.
func auditByResourceHandler(w http.ResponseWriter, r *http.Request) {
	resource := mux.Vars(r)["resource"]
	limit := queryLimit(r, 50)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"resource": resource,
		"records":  auditSink.ByResource(resource, limit),
	})
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
