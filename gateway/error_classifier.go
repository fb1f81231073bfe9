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
	"errors"
	"strings"
)

// Keyword and status tables driving error classification. Classification
// looks at the textual form of the error and any HTTP status carried
// with it; transient errors are retry-eligible, permanent errors
// short-circuit immediately.
var (
	transientKeywords = []string{"timeout", "unavailable", "connection", "transient", "temporary"}
	permanentKeywords = []string{"unauthorized", "forbidden", "notfound", "invalid"}

	transientStatuses = map[int]bool{408: true, 429: true, 503: true, 504: true}
	permanentStatuses = map[int]bool{400: true, 401: true, 403: true, 404: true}
)

// ClassifyError derives an ErrorCategory from an error message and an
// optional HTTP status (0 when none is known). Status wins over message
// when both match a table; an unmatched error is Unknown.
func ClassifyError(message string, httpStatus int) ErrorCategory {
	if transientStatuses[httpStatus] {
		return ErrorCategoryTransient
	}
	if permanentStatuses[httpStatus] {
		return ErrorCategoryPermanent
	}

	lower := strings.ToLower(message)
	for _, kw := range transientKeywords {
		if strings.Contains(lower, kw) {
			return ErrorCategoryTransient
		}
	}
	for _, kw := range permanentKeywords {
		if strings.Contains(lower, kw) {
			return ErrorCategoryPermanent
		}
	}

	return ErrorCategoryUnknown
}

// Classify inspects a Go error, unwrapping known typed errors to recover
// an HTTP status before classifying.
func Classify(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryUnknown
	}

	var callErr *ServiceCallError
	if errors.As(err, &callErr) {
		return ClassifyError(callErr.Message, callErr.StatusCode)
	}

	var stepErr *StepError
	if errors.As(err, &stepErr) {
		if stepErr.Category != "" {
			return stepErr.Category
		}
		return ClassifyError(stepErr.Message, stepErr.HTTPStatus)
	}

	return ClassifyError(err.Error(), 0)
}

// HTTPStatusOf extracts the HTTP status carried by an error, or 0.
func HTTPStatusOf(err error) int {
	var callErr *ServiceCallError
	if errors.As(err, &callErr) {
		return callErr.StatusCode
	}
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.HTTPStatus
	}
	return 0
}
