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

// Package main is the entry point for the IntentGate Gateway service.
//
// The Gateway accepts natural-language intents over HTTP, translates
// them into ordered downstream service calls, and returns or streams
// the aggregated results under admission, quota, and audit control.
//
// Usage:
//
//	./gateway
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8080)
//	AUTH_SECRET_KEY - HMAC secret for bearer token verification
//	SERVICE_<NAME>_URL - downstream service base URLs
//	PLANNER_URL - remote planner endpoint (optional)
//	RATE_LIMIT_REDIS_URL - distributed quota backend (optional)
//	AUDIT_DATABASE_URL - PostgreSQL audit sink (optional)
package main

import (
	"intentgate/platform/gateway"
)

func main() {
	gateway.Run()
}
