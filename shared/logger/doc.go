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

// Package logger provides leveled, request-scoped JSON logging for
// IntentGate services.
//
// A base logger is created once per component. During request handling
// it is narrowed with For(userID, correlationID), so every line a
// request produces carries the identity needed to join it with audit
// records and stream events without re-passing it at each call site.
// Entries are flat JSON objects, one per line, filtered by the
// LOG_LEVEL threshold.
package logger
