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
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Event types emitted during a streamed execution. The set is closed;
// consumers can rely on exactly these values.
const (
	EventExecutionStarted   = "execution_started"
	EventPlanGenerated      = "plan_generated"
	EventStepStarted        = "step_started"
	EventStepProgress       = "step_progress"
	EventStepCompleted      = "step_completed"
	EventStepFailed         = "step_failed"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
)

// ExecutionEvent is one entry in the typed event sequence of an
// execution. StepOrder is 0 for execution-level events.
type ExecutionEvent struct {
	EventType     string      `json:"event_type"`
	StepOrder     int         `json:"step_order"`
	ServiceName   string      `json:"service_name,omitempty"`
	FunctionName  string      `json:"function_name,omitempty"`
	Data          interface{} `json:"data,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
	DurationMs    int64       `json:"duration_ms"`
	CorrelationID string      `json:"correlation_id"`
}

// EventEmitter receives events in execution order. A nil emitter
// disables streaming.
type EventEmitter func(ExecutionEvent)

// StreamingAdapter wraps the orchestrator to expose an execution as a
// typed event channel.
type StreamingAdapter struct {
	orchestrator *Orchestrator
}

// NewStreamingAdapter creates an adapter over an orchestrator.
func NewStreamingAdapter(orchestrator *Orchestrator) *StreamingAdapter {
	return &StreamingAdapter{orchestrator: orchestrator}
}

// Stream runs the execution in a goroutine and returns its event
// channel. The channel is closed after the terminal event. If the
// consumer's context is canceled, production stops after the in-flight
// step's terminal event and the execution aborts pending retries.
func (a *StreamingAdapter) Stream(ctx context.Context, principal *Principal, token, intent, correlationID string) <-chan ExecutionEvent {
	events := make(chan ExecutionEvent, 16)

	emit := func(ev ExecutionEvent) {
		select {
		case events <- ev:
		case <-ctx.Done():
			// Consumer is gone; drop the event. The orchestrator sees the
			// same cancellation and stops producing.
		}
	}

	go func() {
		defer close(events)
		_, _ = a.orchestrator.Execute(ctx, principal, token, intent, correlationID, emit)
	}()

	return events
}

// WriteSSE writes one event in text/event-stream framing:
//
//	event: <type>
//	data: <single-line JSON>
//	<blank line>
func WriteSSE(w http.ResponseWriter, ev ExecutionEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling stream event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.EventType, data); err != nil {
		return err
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}
