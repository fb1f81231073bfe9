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
	"regexp"
	"strconv"
	"strings"

	"intentgate/platform/shared/logger"
)

// referencePattern matches ${...} references inside string parameters.
var referencePattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// VariableResolver evaluates ${...} references in step parameters
// against earlier step results and the execution's built-ins. It never
// fabricates values: an unresolvable reference is left verbatim in the
// output and logged as a warning, so the downstream service sees the
// raw template text.
type VariableResolver struct {
	logger *logger.Logger
}

// NewVariableResolver creates a resolver.
func NewVariableResolver() *VariableResolver {
	return &VariableResolver{logger: logger.New("resolver")}
}

// ResolveParameters resolves a step's parameter map. Only results of
// steps whose order is strictly less than currentOrder are visible,
// plus the built-ins userId and intent and the execution's context
// variables. The input map is not mutated.
func (r *VariableResolver) ResolveParameters(ctx context.Context, params map[string]interface{}, ec *ExecutionContext, currentOrder int) map[string]interface{} {
	if len(params) == 0 {
		return params
	}

	resolved := make(map[string]interface{}, len(params))
	for key, value := range params {
		if ctx.Err() != nil {
			resolved[key] = value
			continue
		}
		resolved[key] = r.resolveValue(ctx, value, ec, currentOrder)
	}
	return resolved
}

// resolveValue walks a JSON-like value: sequences element-wise,
// mappings value-wise, strings scanned for references.
func (r *VariableResolver) resolveValue(ctx context.Context, value interface{}, ec *ExecutionContext, currentOrder int) interface{} {
	switch v := value.(type) {
	case string:
		return r.resolveString(v, ec, currentOrder)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			if ctx.Err() != nil {
				out[i] = item
				continue
			}
			out[i] = r.resolveValue(ctx, item, ec, currentOrder)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			if ctx.Err() != nil {
				out[key] = item
				continue
			}
			out[key] = r.resolveValue(ctx, item, ec, currentOrder)
		}
		return out
	default:
		return value
	}
}

// resolveString substitutes references in one string. When the whole
// string is a single reference resolving to a non-string value, the
// value keeps its original type; otherwise resolved values are
// stringified and spliced into the surrounding text.
func (r *VariableResolver) resolveString(s string, ec *ExecutionContext, currentOrder int) interface{} {
	matches := referencePattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	// Whole-string single reference keeps the resolved type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		expr := s[matches[0][2]:matches[0][3]]
		value, ok := r.lookup(expr, ec, currentOrder)
		if !ok {
			r.logger.For(ec.UserID, ec.CorrelationID).Warn("Unresolvable reference left verbatim", logger.Fields{
				"reference":  s,
				"step_order": currentOrder,
			})
			return s
		}
		return value
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		expr := s[m[2]:m[3]]
		value, ok := r.lookup(expr, ec, currentOrder)
		if !ok {
			r.logger.For(ec.UserID, ec.CorrelationID).Warn("Unresolvable reference left verbatim", logger.Fields{
				"reference":  s[m[0]:m[1]],
				"step_order": currentOrder,
			})
			b.WriteString(s[m[0]:m[1]])
		} else {
			b.WriteString(stringify(value))
		}
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

// lookup resolves one dot-separated expression. The first segment is a
// built-in (userId, intent, matched case-insensitively), stepN, or the
// name of a context variable; the remaining segments navigate into the
// referenced value.
func (r *VariableResolver) lookup(expr string, ec *ExecutionContext, currentOrder int) (interface{}, bool) {
	segments := strings.Split(expr, ".")
	head := strings.TrimSpace(segments[0])

	var root interface{}
	switch {
	case strings.EqualFold(head, "userId"):
		root = ec.UserID
	case strings.EqualFold(head, "intent"):
		root = ec.Intent
	default:
		order, ok := parseStepRef(head)
		if !ok {
			if value, found := ec.Variables[head]; found {
				root = value
				break
			}
			return nil, false
		}
		// Forward-only: a step sees only results produced before it.
		if order >= currentOrder {
			return nil, false
		}
		result := ec.ResultForOrder(order)
		if result == nil {
			return nil, false
		}
		root = result.Value
	}

	return navigate(root, segments[1:])
}

// parseStepRef parses "stepN" (case-insensitive) into N.
func parseStepRef(segment string) (int, bool) {
	lower := strings.ToLower(segment)
	if !strings.HasPrefix(lower, "step") {
		return 0, false
	}
	n, err := strconv.Atoi(lower[len("step"):])
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// navigate follows path segments into a JSON-like value. Map keys try
// an exact match first, then a case-insensitive one; integer segments
// index into sequences.
func navigate(value interface{}, path []string) (interface{}, bool) {
	current := value
	for _, segment := range path {
		switch node := current.(type) {
		case map[string]interface{}:
			if next, ok := node[segment]; ok {
				current = next
				continue
			}
			found := false
			for key, next := range node {
				if strings.EqualFold(key, segment) {
					current = next
					found = true
					break
				}
			}
			if !found {
				return nil, false
			}
		case []interface{}:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// stringify renders a resolved value for splicing into surrounding
// text. Scalars use their natural form; composites use compact JSON.
func stringify(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}
