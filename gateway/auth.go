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
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// TokenVerifier validates a bearer credential and yields the principal
// it represents.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Principal, error)
}

// JWTVerifier validates HMAC-signed JWTs against a shared secret,
// issuer, and audience.
type JWTVerifier struct {
	secret   []byte
	issuer   string
	audience string
}

// NewJWTVerifier creates a verifier. Issuer and audience checks are
// skipped when the corresponding value is empty.
func NewJWTVerifier(secret, issuer, audience string) *JWTVerifier {
	return &JWTVerifier{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
	}
}

// Verify parses and validates the token and extracts the principal.
// The user id comes from the subject ("sub") claim, falling back to
// "oid"; a token with neither is rejected.
func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (*Principal, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("unauthorized: missing bearer token")
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
	}
	if v.issuer != "" {
		options = append(options, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		options = append(options, jwt.WithAudience(v.audience))
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, options...)
	if err != nil {
		return nil, fmt.Errorf("unauthorized: token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("unauthorized: token is not valid")
	}

	userID := extractUserID(claims)
	if userID == "" {
		return nil, fmt.Errorf("unauthorized: token carries no user id claim")
	}

	return &Principal{
		UserID: userID,
		Roles:  extractRoles(claims),
	}, nil
}

// extractUserID applies the claim precedence subject -> oid.
// GetSubject covers every string-valued "sub" claim, so no separate
// map lookup is needed for it.
func extractUserID(claims jwt.MapClaims) string {
	if subject, err := claims.GetSubject(); err == nil && subject != "" {
		return subject
	}
	if oid, ok := claims["oid"].(string); ok && oid != "" {
		return oid
	}
	return ""
}

// extractRoles reads the "roles" claim as a list or single string.
func extractRoles(claims jwt.MapClaims) []string {
	switch v := claims["roles"].(type) {
	case []interface{}:
		roles := make([]string, 0, len(v))
		for _, item := range v {
			if role, ok := item.(string); ok {
				roles = append(roles, role)
			}
		}
		return roles
	case []string:
		return v
	case string:
		if v == "" {
			return nil
		}
		return strings.Split(v, ",")
	}
	return nil
}

// StaticTokenVerifier maps known opaque tokens to principals. Used in
// tests and local development.
type StaticTokenVerifier struct {
	tokens map[string]*Principal
}

// NewStaticTokenVerifier creates a verifier over a fixed token map.
func NewStaticTokenVerifier(tokens map[string]*Principal) *StaticTokenVerifier {
	return &StaticTokenVerifier{tokens: tokens}
}

// Verify looks the token up in the static map.
func (v *StaticTokenVerifier) Verify(ctx context.Context, token string) (*Principal, error) {
	principal, ok := v.tokens[token]
	if !ok {
		return nil, fmt.Errorf("unauthorized: unknown token")
	}
	return principal, nil
}

// BearerToken extracts the credential from an Authorization header
// value. The Bearer scheme is matched ASCII case-insensitively.
func BearerToken(header string) (string, bool) {
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[7:])
	return token, token != ""
}
