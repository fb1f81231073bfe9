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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"intentgate/platform/shared/logger"
)

// Planner translates a natural-language intent into a plan. The
// gateway depends only on this contract; implementations may be
// rule-based or model-backed.
type Planner interface {
	GeneratePlan(ctx context.Context, intent string, principal *Principal) (*Plan, error)
}

// CatalogOperation describes one downstream operation the rule-based
// planner can select, with the keywords that trigger it.
type CatalogOperation struct {
	ServiceName  string                 `json:"service_name" yaml:"service_name"`
	FunctionName string                 `json:"function_name" yaml:"function_name"`
	Description  string                 `json:"description" yaml:"description"`
	Keywords     []string               `json:"keywords" yaml:"keywords"`
	Parameters   map[string]interface{} `json:"parameters" yaml:"parameters"`
}

// RulePlanner builds plans deterministically from a keyword catalog.
// Operations are selected in catalog order so that data-piping
// references between them stay forward-only.
type RulePlanner struct {
	catalog []CatalogOperation
	logger  *logger.Logger
}

// NewRulePlanner creates a planner over a catalog. An empty catalog
// gets the built-in default.
func NewRulePlanner(catalog []CatalogOperation) *RulePlanner {
	if len(catalog) == 0 {
		catalog = defaultCatalog()
	}
	return &RulePlanner{
		catalog: catalog,
		logger:  logger.New("planner"),
	}
}

// defaultCatalog covers the common lookup/act/notify shape: a user
// lookup feeding an order query feeding a notification.
func defaultCatalog() []CatalogOperation {
	return []CatalogOperation{
		{
			ServiceName:  "UserService",
			FunctionName: "GetUser",
			Description:  "Look up the requesting user's profile",
			Keywords:     []string{"user", "profile", "account", "me", "my"},
			Parameters:   map[string]interface{}{"userId": "${userId}"},
		},
		{
			ServiceName:  "OrderService",
			FunctionName: "GetOrders",
			Description:  "Fetch orders for the resolved user",
			Keywords:     []string{"order", "orders", "purchase", "purchases"},
			Parameters:   map[string]interface{}{"userId": "${step1.userId}"},
		},
		{
			ServiceName:  "NotificationService",
			FunctionName: "SendNotification",
			Description:  "Notify the user about the outcome",
			Keywords:     []string{"notify", "notification", "email", "alert", "send"},
			Parameters:   map[string]interface{}{"userId": "${userId}", "message": "${intent}"},
		},
		{
			ServiceName:  "SearchService",
			FunctionName: "Search",
			Description:  "Free-text search across connected services",
			Keywords:     []string{"search", "find", "look", "show", "list"},
			Parameters:   map[string]interface{}{"query": "${intent}", "userId": "${userId}"},
		},
	}
}

// GeneratePlan selects catalog operations whose keywords appear in the
// intent, in catalog order. An intent matching nothing falls back to
// the catalog's search operation, or its last entry.
func (p *RulePlanner) GeneratePlan(ctx context.Context, intent string, principal *Principal) (*Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lower := strings.ToLower(intent)

	var selected []CatalogOperation
	for _, op := range p.catalog {
		for _, kw := range op.Keywords {
			if containsWord(lower, kw) {
				selected = append(selected, op)
				break
			}
		}
	}

	if len(selected) == 0 {
		fallback := p.catalog[len(p.catalog)-1]
		for _, op := range p.catalog {
			if strings.EqualFold(op.FunctionName, "Search") {
				fallback = op
				break
			}
		}
		selected = []CatalogOperation{fallback}
	}

	plan := &Plan{
		ID:     uuid.NewString(),
		Intent: intent,
		Steps:  make([]Step, 0, len(selected)),
	}
	for i, op := range selected {
		plan.Steps = append(plan.Steps, Step{
			Order:        i + 1,
			ServiceName:  op.ServiceName,
			FunctionName: op.FunctionName,
			Description:  op.Description,
			Parameters:   cloneParameters(op.Parameters),
		})
	}

	p.logger.For(principal.UserID, "").Debug("Rule planner selected operations", logger.Fields{
		"plan_id": plan.ID,
		"steps":   len(plan.Steps),
	})
	return plan, nil
}

// containsWord reports a whole-word, case-insensitive match.
func containsWord(haystack, word string) bool {
	idx := 0
	for {
		pos := strings.Index(haystack[idx:], word)
		if pos == -1 {
			return false
		}
		start := idx + pos
		end := start + len(word)
		beforeOK := start == 0 || !isWordChar(haystack[start-1])
		afterOK := end == len(haystack) || !isWordChar(haystack[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}

// cloneParameters copies a parameter map so plans built from the same
// catalog entry never share mutable state.
func cloneParameters(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return nil
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

// HTTPPlanner delegates planning to a remote planner service speaking
// JSON over HTTP. Returned plans are validated before use.
type HTTPPlanner struct {
	endpoint   string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewHTTPPlanner creates a planner client for the given endpoint.
func NewHTTPPlanner(endpoint string) *HTTPPlanner {
	return &HTTPPlanner{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.New("planner"),
	}
}

// plannerRequest is the wire body sent to the remote planner.
type plannerRequest struct {
	Intent string   `json:"intent"`
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles,omitempty"`
}

// GeneratePlan calls the remote planner and validates its response.
func (p *HTTPPlanner) GeneratePlan(ctx context.Context, intent string, principal *Principal) (*Plan, error) {
	body, err := json.Marshal(plannerRequest{
		Intent: intent,
		UserID: principal.UserID,
		Roles:  principal.Roles,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding planner request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/plan", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building planner request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("planner unavailable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading planner response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("planner returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var plan Plan
	if err := json.Unmarshal(payload, &plan); err != nil {
		return nil, fmt.Errorf("parsing planner response: %w", err)
	}
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	if plan.Intent == "" {
		plan.Intent = intent
	}
	if err := ValidatePlan(&plan); err != nil {
		return nil, err
	}
	return &plan, nil
}
