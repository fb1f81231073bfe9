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
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	promRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intentgate_requests_total",
			Help: "Total number of intent requests processed by the gateway",
		},
		[]string{"endpoint", "status"},
	)
	promRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "intentgate_request_duration_milliseconds",
			Help:    "Request duration in milliseconds",
			Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000},
		},
		[]string{"endpoint"},
	)
	promAdmissionRefusals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intentgate_admission_refusals_total",
			Help: "Total number of refused admissions by refusal kind",
		},
		[]string{"kind"},
	)
	promStepCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intentgate_step_calls_total",
			Help: "Total number of downstream step calls",
		},
		[]string{"service", "status"},
	)
	promStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "intentgate_step_duration_milliseconds",
			Help:    "Downstream step duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"service"},
	)
	promBreakerOpen = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intentgate_breaker_open_total",
			Help: "Total number of calls rejected by an open circuit breaker",
		},
		[]string{"service"},
	)
	promQuotaDenials = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "intentgate_quota_denials_total",
			Help: "Total number of quota-denied admissions",
		},
	)
)

func init() {
	prometheus.MustRegister(promRequestsTotal)
	prometheus.MustRegister(promRequestDuration)
	prometheus.MustRegister(promAdmissionRefusals)
	prometheus.MustRegister(promStepCalls)
	prometheus.MustRegister(promStepDuration)
	prometheus.MustRegister(promBreakerOpen)
	prometheus.MustRegister(promQuotaDenials)
}

// serviceMetrics tracks call outcomes and latencies for one service.
type serviceMetrics struct {
	TotalCalls   int64
	SuccessCalls int64
	FailedCalls  int64
	Latencies    []int64
}

// MetricsCollector aggregates in-process gateway statistics for the
// JSON metrics endpoint. Prometheus counters are updated alongside.
type MetricsCollector struct {
	mu        sync.RWMutex
	startTime time.Time

	totalRequests   int64
	successRequests int64
	failedRequests  int64
	refusedRequests int64

	requestLatencies []int64
	services         map[string]*serviceMetrics
}

// NewMetricsCollector creates an empty collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		startTime: time.Now(),
		services:  make(map[string]*serviceMetrics),
	}
}

// RecordRequest notes a completed intent request.
func (m *MetricsCollector) RecordRequest(endpoint string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failed"
	}
	promRequestsTotal.WithLabelValues(endpoint, status).Inc()
	promRequestDuration.WithLabelValues(endpoint).Observe(float64(duration.Milliseconds()))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalRequests++
	if success {
		m.successRequests++
	} else {
		m.failedRequests++
	}
	m.requestLatencies = appendLatency(m.requestLatencies, duration.Milliseconds())
}

// RecordRefusal notes a refused admission.
func (m *MetricsCollector) RecordRefusal(kind RefusalKind) {
	promAdmissionRefusals.WithLabelValues(string(kind)).Inc()
	if kind == RefusalRateLimit {
		promQuotaDenials.Inc()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalRequests++
	m.refusedRequests++
}

// RecordStep notes one downstream step outcome.
func (m *MetricsCollector) RecordStep(service string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failed"
	}
	promStepCalls.WithLabelValues(service, status).Inc()
	promStepDuration.WithLabelValues(service).Observe(float64(duration.Milliseconds()))

	m.mu.Lock()
	defer m.mu.Unlock()
	sm, ok := m.services[service]
	if !ok {
		sm = &serviceMetrics{}
		m.services[service] = sm
	}
	sm.TotalCalls++
	if success {
		sm.SuccessCalls++
	} else {
		sm.FailedCalls++
	}
	sm.Latencies = appendLatency(sm.Latencies, duration.Milliseconds())
}

// RecordBreakerRejection notes a call rejected by an open breaker.
func (m *MetricsCollector) RecordBreakerRejection(service string) {
	promBreakerOpen.WithLabelValues(service).Inc()
}

// Snapshot renders the collector state for the JSON metrics endpoint.
func (m *MetricsCollector) Snapshot(breakers *CircuitBreakerTable, cacheStats CacheStats) map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	services := make(map[string]interface{}, len(m.services))
	for name, sm := range m.services {
		services[name] = map[string]interface{}{
			"total_calls":   sm.TotalCalls,
			"success_calls": sm.SuccessCalls,
			"failed_calls":  sm.FailedCalls,
			"p50_ms":        percentile(sm.Latencies, 50),
			"p95_ms":        percentile(sm.Latencies, 95),
			"p99_ms":        percentile(sm.Latencies, 99),
		}
	}

	snapshot := map[string]interface{}{
		"uptime_seconds":   int64(time.Since(m.startTime).Seconds()),
		"total_requests":   m.totalRequests,
		"success_requests": m.successRequests,
		"failed_requests":  m.failedRequests,
		"refused_requests": m.refusedRequests,
		"request_p50_ms":   percentile(m.requestLatencies, 50),
		"request_p95_ms":   percentile(m.requestLatencies, 95),
		"request_p99_ms":   percentile(m.requestLatencies, 99),
		"services":         services,
		"cache":            cacheStats,
	}
	if breakers != nil {
		snapshot["circuit_breakers"] = breakers.Snapshot()
	}
	return snapshot
}

// appendLatency keeps a bounded rolling window of latency samples.
func appendLatency(samples []int64, ms int64) []int64 {
	const maxSamples = 10000
	samples = append(samples, ms)
	if len(samples) > maxSamples {
		samples = samples[len(samples)-maxSamples:]
	}
	return samples
}

// percentile computes the pth percentile of the samples, 0 when empty.
func percentile(samples []int64, p int) int64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]int64, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := (p * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
