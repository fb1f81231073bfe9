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
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"intentgate/platform/shared/logger"
)

// IntentGate Gateway - AI-assisted intent orchestration engine.
// Translates natural-language intents into ordered downstream calls
// under admission, resilience, and audit control.

// Components wired at startup. The logger and metrics collector carry
// safe zero-config defaults so handlers stay usable under test wiring.
var (
	gatewayConfig      *Config
	gatewayLogger      = logger.New("gateway")
	planCache          *Cache
	resultCache        *Cache
	breakerTable       *CircuitBreakerTable
	serviceClient      ServiceClient
	stepExecutor       *StepExecutor
	plannerEngine      Planner
	auditSink          AuditSink
	quotaKeeper        *QuotaKeeper
	guardrailEngine    *Guardrail
	tokenVerifier      TokenVerifier
	admissionPipeline  *AdmissionPipeline
	orchestratorEngine *Orchestrator
	streamingAdapter   *StreamingAdapter
	metricsCollector   = NewMetricsCollector()
	redisQuotaStore    *RedisQuotaStore
)

// Run is the exported entry point for the gateway service.
//
// It initializes all components, sets up HTTP routes, and starts the
// server. The function blocks until the server shuts down.
//
// Environment variables used:
//   - PORT: HTTP server port (default: 8080)
//   - AUTH_SECRET_KEY / AUTH_ISSUER / AUTH_AUDIENCE: token verification
//   - SERVICE_<NAME>_URL: downstream service discovery
//   - PLANNER_URL: remote planner endpoint (optional)
//   - RATE_LIMIT_REDIS_URL: distributed quota backend (optional)
//   - AUDIT_DATABASE_URL: PostgreSQL audit sink (optional)
//   - GATEWAY_CONFIG: YAML configuration file path (optional)
func Run() {
	log.Println("Starting IntentGate Gateway...")

	initializeComponents()

	r := mux.NewRouter()

	c := cors.New(cors.Options{
		AllowedOrigins:   gatewayConfig.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	// Health and metrics
	r.HandleFunc("/health", healthHandler).Methods("GET")
	r.HandleFunc("/metrics", jsonMetricsHandler).Methods("GET")
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET")

	// Intent endpoints
	r.HandleFunc("/api/intent/execute", executeIntentHandler).Methods("POST")
	r.HandleFunc("/api/intent/plan", planIntentHandler).Methods("POST")
	r.HandleFunc("/api/intent/stream/{intent}", streamIntentHandler).Methods("GET")

	// Audit queries
	r.HandleFunc("/api/audit/user/{user_id}", auditByUserHandler).Methods("GET")
	r.HandleFunc("/api/audit/resource/{resource}", auditByResourceHandler).Methods("GET")

	handler := c.Handler(tracingMiddleware(r))

	server := &http.Server{
		Addr:              ":" + gatewayConfig.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("IntentGate Gateway listening on port %s", gatewayConfig.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down gateway...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	shutdownComponents()
	log.Println("Gateway stopped")
}

func initializeComponents() {
	gatewayConfig = LoadConfig()
	if err := gatewayConfig.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	planCache = NewCache(gatewayConfig.CacheConfig())
	if gatewayConfig.Cache.ResultCache {
		resultCache = NewCache(gatewayConfig.CacheConfig())
	}

	breakerTable = NewCircuitBreakerTable(gatewayConfig.BreakerConfig())
	serviceClient = NewHTTPServiceClient(gatewayConfig.Services)
	stepExecutor = NewStepExecutor(serviceClient, breakerTable, gatewayConfig.ResilienceConfig())

	if gatewayConfig.PlannerURL != "" {
		log.Printf("[Gateway] Using remote planner at %s", gatewayConfig.PlannerURL)
		plannerEngine = NewHTTPPlanner(gatewayConfig.PlannerURL)
	} else {
		log.Printf("[Gateway] Using rule-based planner (%d catalog entries)", len(gatewayConfig.PlannerCatalog))
		plannerEngine = NewRulePlanner(gatewayConfig.PlannerCatalog)
	}

	if gatewayConfig.AuditDatabaseURL != "" {
		sink, err := NewPostgresAuditSink(gatewayConfig.AuditDatabaseURL)
		if err != nil {
			log.Printf("[Gateway] Postgres audit sink unavailable, using in-memory: %v", err)
			auditSink = NewMemoryAuditSink()
		} else {
			log.Printf("[Gateway] Audit records persisted to PostgreSQL")
			auditSink = sink
		}
	} else {
		auditSink = NewMemoryAuditSink()
	}

	var quotaStore QuotaStore
	if gatewayConfig.RateLimit.RedisURL != "" {
		store, err := NewRedisQuotaStore(gatewayConfig.RateLimit.RedisURL)
		if err != nil {
			log.Printf("[Gateway] Redis quota store unavailable, using in-process quota: %v", err)
		} else {
			log.Printf("[Gateway] Distributed quota enabled via Redis")
			redisQuotaStore = store
			quotaStore = store
		}
	}
	quotaKeeper = NewQuotaKeeper(gatewayConfig.RateLimit.DailyLimit, *gatewayConfig.RateLimit.Enabled, quotaStore)

	guardrailEngine = NewGuardrail()
	tokenVerifier = NewJWTVerifier(gatewayConfig.Auth.SecretKey, gatewayConfig.Auth.Issuer, gatewayConfig.Auth.Audience)
	admissionPipeline = NewAdmissionPipeline(tokenVerifier, guardrailEngine, quotaKeeper, auditSink)

	orchestratorEngine = NewOrchestrator(plannerEngine, planCache, resultCache, stepExecutor, auditSink, gatewayConfig.PlanTTL())
	streamingAdapter = NewStreamingAdapter(orchestratorEngine)

	log.Printf("[Gateway] Components initialized: %d downstream services configured", len(gatewayConfig.Services))
}

func shutdownComponents() {
	if planCache != nil {
		planCache.Close()
	}
	if resultCache != nil {
		resultCache.Close()
	}
	if redisQuotaStore != nil {
		if err := redisQuotaStore.Close(); err != nil {
			log.Printf("Redis close error: %v", err)
		}
	}
	if pg, ok := auditSink.(*PostgresAuditSink); ok {
		if err := pg.Close(); err != nil {
			log.Printf("Audit sink close error: %v", err)
		}
	}
}
