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
	"net/http"

	"github.com/google/uuid"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey string

const (
	ctxKeyCorrelationID contextKey = "correlation_id"
	ctxKeyTraceID       contextKey = "trace_id"
)

// HeaderCorrelationID and friends are the tracing headers attached to
// every response.
const (
	HeaderCorrelationID = "X-Correlation-Id"
	HeaderTraceID       = "X-Trace-Id"

	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

// tracingMiddleware attaches a correlation id (echoed from the client
// when provided) and a fresh trace id to every request and response.
func tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get(HeaderCorrelationID)
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		traceID := uuid.NewString()

		w.Header().Set(HeaderCorrelationID, correlationID)
		w.Header().Set(HeaderTraceID, traceID)

		ctx := context.WithValue(r.Context(), ctxKeyCorrelationID, correlationID)
		ctx = context.WithValue(ctx, ctxKeyTraceID, traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// correlationIDFrom reads the request's correlation id.
func correlationIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyCorrelationID).(string); ok {
		return v
	}
	return ""
}

// traceIDFrom reads the request's trace id.
func traceIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyTraceID).(string); ok {
		return v
	}
	return ""
}
