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

	"intentgate/platform/shared/logger"
)

// RefusalKind classifies why an admission was refused.
type RefusalKind string

const (
	RefusalInvalid            RefusalKind = "Invalid"
	RefusalUnauthorized       RefusalKind = "Unauthorized"
	RefusalForbidden          RefusalKind = "Forbidden"
	RefusalPromptInjection    RefusalKind = "PromptInjectionDetected"
	RefusalSensitiveOperation RefusalKind = "SensitiveOperationDetected"
	RefusalRateLimit          RefusalKind = "RateLimitExceeded"
)

// Refusal is a denied admission. RetryAfter is set (seconds) only for
// rate-limit refusals.
type Refusal struct {
	Kind       RefusalKind
	Reason     string
	RetryAfter int
	Quota      *QuotaDecision
}

// HTTPStatus maps a refusal kind to its response code.
func (r *Refusal) HTTPStatus() int {
	switch r.Kind {
	case RefusalUnauthorized:
		return http.StatusUnauthorized
	case RefusalForbidden:
		return http.StatusForbidden
	case RefusalRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}

// Admission is an allowed request: the verified principal, the raw
// bearer token for downstream propagation, the correlation id, and the
// quota decision that admitted it.
type Admission struct {
	Principal     *Principal
	Token         string
	CorrelationID string
	Quota         QuotaDecision
}

// AdmissionPipeline gates every execution: token verification, then
// guardrail checks, then quota. Refusals are audited; every admitted
// request carries exactly one correlation id.
type AdmissionPipeline struct {
	verifier  TokenVerifier
	guardrail *Guardrail
	quota     *QuotaKeeper
	audit     AuditSink
	logger    *logger.Logger
}

// NewAdmissionPipeline composes the admission layers.
func NewAdmissionPipeline(verifier TokenVerifier, guardrail *Guardrail, quota *QuotaKeeper, audit AuditSink) *AdmissionPipeline {
	return &AdmissionPipeline{
		verifier:  verifier,
		guardrail: guardrail,
		quota:     quota,
		audit:     audit,
		logger:    logger.New("admission"),
	}
}

// Admit runs the full pipeline for an intent. correlationID may be the
// client-provided value; when empty a fresh one is generated. Exactly
// one of the returns is non-nil.
func (p *AdmissionPipeline) Admit(ctx context.Context, authorizationHeader, intent, correlationID, remoteAddr string) (*Admission, *Refusal) {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	token, ok := BearerToken(authorizationHeader)
	if !ok {
		refusal := &Refusal{Kind: RefusalUnauthorized, Reason: "missing or malformed Authorization header"}
		p.auditRefusal("", intent, correlationID, remoteAddr, refusal)
		return nil, refusal
	}

	principal, err := p.verifier.Verify(ctx, token)
	if err != nil {
		refusal := &Refusal{Kind: RefusalUnauthorized, Reason: err.Error()}
		p.auditRefusal("", intent, correlationID, remoteAddr, refusal)
		return nil, refusal
	}

	if refusal := p.guardrail.Check(intent, principal.UserID, correlationID); refusal != nil {
		p.auditRefusal(principal.UserID, intent, correlationID, remoteAddr, refusal)
		return nil, refusal
	}

	decision := p.quota.Check(ctx, principal.UserID)
	if !decision.Allowed {
		refusal := &Refusal{
			Kind:       RefusalRateLimit,
			Reason:     "daily request quota exceeded",
			RetryAfter: decision.RetryAfter,
			Quota:      &decision,
		}
		p.auditRefusal(principal.UserID, intent, correlationID, remoteAddr, refusal)
		return nil, refusal
	}

	p.logger.For(principal.UserID, correlationID).Debug("Request admitted", logger.Fields{
		"quota_remaining": decision.Remaining,
	})

	return &Admission{
		Principal:     principal,
		Token:         token,
		CorrelationID: correlationID,
		Quota:         decision,
	}, nil
}

// auditRefusal records a denied admission.
func (p *AdmissionPipeline) auditRefusal(userID, intent, correlationID, remoteAddr string, refusal *Refusal) {
	if p.audit == nil {
		return
	}
	p.audit.Record(AuditRecord{
		UserID:       userID,
		Action:       AuditActionAccess,
		Resource:     "intent",
		Method:       "ADMIT",
		StatusCode:   refusal.HTTPStatus(),
		Success:      false,
		ErrorMessage: refusal.Reason,
		IPAddress:    remoteAddr,
		Context: map[string]interface{}{
			"correlation_id": correlationID,
			"refusal_kind":   string(refusal.Kind),
		},
	})
}
