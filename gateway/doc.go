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

// Package gateway implements the IntentGate orchestration engine: an
// AI-assisted API gateway that accepts natural-language intents,
// translates them into ordered downstream service calls, pipes data
// between steps, and returns or streams the aggregated outcome.
//
// The package is organized around the request lifecycle:
//
//   - admission: token verification, guardrail screening, daily quota
//   - planning: rule-based or remote planner producing validated plans
//   - execution: sequential step walk with per-service circuit
//     breakers, exponential-backoff retries, timeouts, and fallbacks
//   - streaming: typed event sequence over server-sent events
//   - audit: append-only trail of admissions and execution outcomes
//
// Process-wide state is limited to the caches, the circuit breaker
// table, and the quota map, all created in Run and torn down at
// shutdown.
package gateway
