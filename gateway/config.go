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
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config collects every recognized gateway setting. Values come from
// an optional YAML file (GATEWAY_CONFIG path) overridden by
// environment variables.
type Config struct {
	Port string `yaml:"port"`

	Auth struct {
		Issuer    string `yaml:"issuer"`
		Audience  string `yaml:"audience"`
		SecretKey string `yaml:"secret_key"`
	} `yaml:"auth"`

	Resilience struct {
		DefaultTimeoutSeconds int                       `yaml:"default_timeout_seconds"`
		DefaultMaxRetries     int                       `yaml:"default_max_retries"`
		DefaultBackoffMs      int                       `yaml:"default_backoff_ms"`
		ServiceTimeouts       map[string]int            `yaml:"service_timeouts"`
		ServiceRetries        map[string]ConfigOverride `yaml:"service_retries"`
	} `yaml:"resilience"`

	CircuitBreaker struct {
		FailureThreshold       int `yaml:"failure_threshold"`
		SuccessThreshold       int `yaml:"success_threshold"`
		HalfOpenTimeoutSeconds int `yaml:"half_open_timeout_seconds"`
	} `yaml:"circuit_breaker"`

	RateLimit struct {
		DailyLimit int    `yaml:"daily_limit"`
		Enabled    *bool  `yaml:"enabled"`
		RedisURL   string `yaml:"redis_url"`
	} `yaml:"rate_limit"`

	Cache struct {
		MaxEntries     int   `yaml:"max_entries"`
		MaxBytes       int64 `yaml:"max_bytes"`
		PlanTTLSeconds int   `yaml:"plan_ttl_seconds"`
		ResultCache    bool  `yaml:"result_cache"`
	} `yaml:"cache"`

	// Services maps downstream service names to base URLs.
	Services map[string]string `yaml:"services"`

	// PlannerURL selects the remote planner; empty uses the rule-based
	// planner with PlannerCatalog.
	PlannerURL     string             `yaml:"planner_url"`
	PlannerCatalog []CatalogOperation `yaml:"planner_catalog"`

	// AuditDatabaseURL selects the Postgres audit sink; empty keeps the
	// in-memory default.
	AuditDatabaseURL string `yaml:"audit_database_url"`

	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

// ConfigOverride carries the per-service retry override settings.
type ConfigOverride struct {
	MaxRetries int `yaml:"max_retries"`
	BackoffMs  int `yaml:"backoff_ms"`
}

// LoadConfig builds the configuration from the optional YAML file and
// the environment. Environment variables win.
func LoadConfig() *Config {
	cfg := &Config{}

	if path := os.Getenv("GATEWAY_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("[Config] Failed to read %s: %v", path, err)
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			log.Printf("[Config] Failed to parse %s: %v", path, err)
		} else {
			log.Printf("[Config] Loaded configuration file %s", path)
		}
	}

	cfg.Port = getEnv("PORT", defaultString(cfg.Port, "8080"))

	cfg.Auth.Issuer = getEnv("AUTH_ISSUER", cfg.Auth.Issuer)
	cfg.Auth.Audience = getEnv("AUTH_AUDIENCE", cfg.Auth.Audience)
	cfg.Auth.SecretKey = getEnv("AUTH_SECRET_KEY", cfg.Auth.SecretKey)

	cfg.Resilience.DefaultTimeoutSeconds = getEnvInt("RESILIENCE_DEFAULT_TIMEOUT_SECONDS", defaultInt(cfg.Resilience.DefaultTimeoutSeconds, 30))
	cfg.Resilience.DefaultMaxRetries = getEnvInt("RESILIENCE_DEFAULT_MAX_RETRIES", defaultInt(cfg.Resilience.DefaultMaxRetries, 3))
	cfg.Resilience.DefaultBackoffMs = getEnvInt("RESILIENCE_DEFAULT_BACKOFF_MS", defaultInt(cfg.Resilience.DefaultBackoffMs, 100))

	cfg.CircuitBreaker.FailureThreshold = getEnvInt("BREAKER_FAILURE_THRESHOLD", defaultInt(cfg.CircuitBreaker.FailureThreshold, 5))
	cfg.CircuitBreaker.SuccessThreshold = getEnvInt("BREAKER_SUCCESS_THRESHOLD", defaultInt(cfg.CircuitBreaker.SuccessThreshold, 2))
	cfg.CircuitBreaker.HalfOpenTimeoutSeconds = getEnvInt("BREAKER_HALF_OPEN_TIMEOUT_SECONDS", defaultInt(cfg.CircuitBreaker.HalfOpenTimeoutSeconds, 60))

	cfg.RateLimit.DailyLimit = getEnvInt("RATE_LIMIT_DAILY", defaultInt(cfg.RateLimit.DailyLimit, 1000))
	if v := os.Getenv("RATE_LIMIT_ENABLED"); v != "" {
		enabled := strings.EqualFold(v, "true") || v == "1"
		cfg.RateLimit.Enabled = &enabled
	}
	if cfg.RateLimit.Enabled == nil {
		enabled := true
		cfg.RateLimit.Enabled = &enabled
	}
	cfg.RateLimit.RedisURL = getEnv("RATE_LIMIT_REDIS_URL", cfg.RateLimit.RedisURL)

	cfg.Cache.MaxEntries = getEnvInt("CACHE_MAX_ENTRIES", defaultInt(cfg.Cache.MaxEntries, 1000))
	if v := getEnvInt("CACHE_MAX_BYTES", 0); v > 0 {
		cfg.Cache.MaxBytes = int64(v)
	}
	if cfg.Cache.MaxBytes <= 0 {
		cfg.Cache.MaxBytes = 100 << 20
	}
	cfg.Cache.PlanTTLSeconds = getEnvInt("CACHE_PLAN_TTL_SECONDS", defaultInt(cfg.Cache.PlanTTLSeconds, 3600))

	cfg.PlannerURL = getEnv("PLANNER_URL", cfg.PlannerURL)
	cfg.AuditDatabaseURL = getEnv("AUDIT_DATABASE_URL", cfg.AuditDatabaseURL)

	if cfg.Services == nil {
		cfg.Services = make(map[string]string)
	}
	// Service discovery entries: SERVICE_<NAME>_URL=http://host:port
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, value := parts[0], parts[1]
		if strings.HasPrefix(key, "SERVICE_") && strings.HasSuffix(key, "_URL") && value != "" {
			name := strings.TrimSuffix(strings.TrimPrefix(key, "SERVICE_"), "_URL")
			cfg.Services[serviceNameFromEnv(name)] = value
		}
	}

	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		cfg.CORSAllowedOrigins = splitAndTrim(origins)
	}
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}

	return cfg
}

// ResilienceConfig converts the raw settings into the executor's view.
func (c *Config) ResilienceConfig() ResilienceConfig {
	rc := ResilienceConfig{
		DefaultTimeout:    time.Duration(c.Resilience.DefaultTimeoutSeconds) * time.Second,
		DefaultMaxRetries: c.Resilience.DefaultMaxRetries,
		DefaultBackoff:    time.Duration(c.Resilience.DefaultBackoffMs) * time.Millisecond,
		ServiceTimeouts:   make(map[string]time.Duration),
		ServiceRetries:    make(map[string]ServiceRetryOverride),
	}
	for service, seconds := range c.Resilience.ServiceTimeouts {
		rc.ServiceTimeouts[service] = time.Duration(seconds) * time.Second
	}
	for service, override := range c.Resilience.ServiceRetries {
		rc.ServiceRetries[service] = ServiceRetryOverride{
			MaxRetries: override.MaxRetries,
			Backoff:    time.Duration(override.BackoffMs) * time.Millisecond,
		}
	}
	return rc
}

// BreakerConfig converts the raw settings into breaker thresholds.
func (c *Config) BreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: c.CircuitBreaker.FailureThreshold,
		SuccessThreshold: c.CircuitBreaker.SuccessThreshold,
		HalfOpenTimeout:  time.Duration(c.CircuitBreaker.HalfOpenTimeoutSeconds) * time.Second,
	}
}

// CacheConfig converts the raw settings into cache bounds.
func (c *Config) CacheConfig() CacheConfig {
	return CacheConfig{
		MaxEntries:    c.Cache.MaxEntries,
		MaxBytes:      c.Cache.MaxBytes,
		SweepInterval: time.Minute,
	}
}

// PlanTTL is the plan cache entry lifetime.
func (c *Config) PlanTTL() time.Duration {
	return time.Duration(c.Cache.PlanTTLSeconds) * time.Second
}

// serviceNameFromEnv turns SERVICE_USER_SERVICE_URL's middle segment
// into the canonical service name (USER_SERVICE -> UserService).
func serviceNameFromEnv(raw string) string {
	parts := strings.Split(strings.ToLower(raw), "_")
	var b strings.Builder
	for _, part := range parts {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}

func splitAndTrim(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// getEnv reads an environment variable with a default.
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getEnvInt reads an integer environment variable with a default.
func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("[Config] Invalid integer for %s: %q", key, value)
		return fallback
	}
	return n
}

func defaultString(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func defaultInt(value, fallback int) int {
	if value != 0 {
		return value
	}
	return fallback
}

// Validate reports obviously broken configuration at startup.
func (c *Config) Validate() error {
	if c.Auth.SecretKey == "" {
		return fmt.Errorf("auth secret key is required (AUTH_SECRET_KEY)")
	}
	if c.Resilience.DefaultMaxRetries < 0 {
		return fmt.Errorf("default max retries must be >= 0")
	}
	return nil
}
