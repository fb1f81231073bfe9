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
	"regexp"

	"intentgate/platform/shared/logger"
)

// injectionPattern pairs a compiled pattern with a label used in
// refusal reasons and audit records.
type injectionPattern struct {
	name    string
	pattern *regexp.Regexp
}

// Prompt-injection patterns. All matching is case-insensitive; the set
// covers instruction-override phrases, role-play prefixes, known
// injection markers, template-delimiter splices, and HTML/script tags.
var injectionPatterns = []injectionPattern{
	{"instruction_override", regexp.MustCompile(`(?i)(ignore|disregard|forget)\s+(all\s+|any\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?|context)`)},
	{"instruction_override", regexp.MustCompile(`(?i)forget\s+everything\s+(you|above|before)`)},
	{"role_play", regexp.MustCompile(`(?i)\b(pretend|act)\s+(to\s+be|as|like)\b`)},
	{"role_play", regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(a|an|the)\b`)},
	{"role_play", regexp.MustCompile(`(?i)\broleplay\s+as\b`)},
	{"injection_marker", regexp.MustCompile(`(?i)\b(jailbreak|jailbroken)\b`)},
	{"injection_marker", regexp.MustCompile(`(?i)\b(dan|developer)\s+mode\b`)},
	{"injection_marker", regexp.MustCompile(`(?i)\bsystem\s+prompt\b`)},
	{"injection_marker", regexp.MustCompile(`(?i)\boverride\s+(safety|security|guard)`)},
	{"template_splice", regexp.MustCompile(`\{\{[^}]*\}\}`)},
	{"template_splice", regexp.MustCompile(`\{%[^%]*%\}`)},
	{"template_splice", regexp.MustCompile(`<\|[^|]*\|>`)},
	{"html_tag", regexp.MustCompile(`(?i)<\s*/?\s*(script|iframe|object|embed|img|svg)\b`)},
	{"html_tag", regexp.MustCompile(`(?i)javascript\s*:`)},
}

// restrictedOperationPattern matches destructive operation verbs as
// whole words.
var restrictedOperationPattern = regexp.MustCompile(`(?i)\b(delete|drop|truncate|format|wipe|destroy)\b`)

// Guardrail screens intents before any planning happens. It rejects
// malformed input, prompt-injection attempts, and intents naming
// restricted destructive operations.
type Guardrail struct {
	logger *logger.Logger
}

// NewGuardrail creates a guardrail.
func NewGuardrail() *Guardrail {
	return &Guardrail{logger: logger.New("guardrail")}
}

// Check screens one intent for a user. A nil return admits the intent.
// Checks run in a fixed order: input validation, injection patterns,
// restricted operations.
func (g *Guardrail) Check(intent, userID, correlationID string) *Refusal {
	if userID == "" {
		return &Refusal{
			Kind:   RefusalInvalid,
			Reason: "user id is required",
		}
	}
	if intent == "" {
		return &Refusal{
			Kind:   RefusalInvalid,
			Reason: "intent is required",
		}
	}
	if len(intent) > MaxIntentLength {
		return &Refusal{
			Kind:   RefusalInvalid,
			Reason: fmt.Sprintf("intent exceeds maximum length of %d bytes", MaxIntentLength),
		}
	}

	for _, p := range injectionPatterns {
		if p.pattern.MatchString(intent) {
			g.logger.For(userID, correlationID).Warn("Prompt injection pattern detected", logger.Fields{
				"pattern": p.name,
			})
			return &Refusal{
				Kind:   RefusalPromptInjection,
				Reason: fmt.Sprintf("intent matches prompt injection pattern: %s", p.name),
			}
		}
	}

	if match := restrictedOperationPattern.FindString(intent); match != "" {
		g.logger.For(userID, correlationID).Warn("Restricted operation detected", logger.Fields{
			"operation": match,
		})
		return &Refusal{
			Kind:   RefusalSensitiveOperation,
			Reason: fmt.Sprintf("intent references restricted operation %q", match),
		}
	}

	return nil
}
