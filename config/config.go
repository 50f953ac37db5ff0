// Copyright 2025 AgentGate
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

// Package config provides service configuration and secret resolution for
// the AgentGate platform. Configuration is read from environment variables
// with an optional YAML overlay; secrets are resolved through the
// SecretsManager interface so no credential ever lives in config files.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the runtime configuration shared by the gateway and bridge
// services. Zero values are filled by Load with production defaults.
type Config struct {
	// Service
	Port        string `yaml:"port"`
	ServiceName string `yaml:"service_name"`

	// Identity provider (bearer path)
	JWKSURL      string        `yaml:"jwks_url"`
	Issuer       string        `yaml:"issuer"`
	Audience     string        `yaml:"audience"`
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl"`

	// Tenant context signing (gateway -> downstream)
	ContextSigningKey string        `yaml:"-"`
	ContextTTL        time.Duration `yaml:"context_ttl"`

	// Act-on-behalf tool tokens. The token lifetime is fixed by the
	// exchange; only the signing key is configurable.
	ToolTokenSigningKey string `yaml:"-"`

	// Backing stores
	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`

	// Tenant KV storage backend: redis (default), postgres, mysql or
	// mongodb. The postgres backend reuses DatabaseURL.
	StorageBackend string `yaml:"storage_backend"`
	MySQLDSN       string `yaml:"mysql_dsn"`
	MongoURL       string `yaml:"mongo_url"`
	MongoDatabase  string `yaml:"mongo_database"`

	// Object store for deferred job results: s3, gcs or azure. Unset
	// keeps results inline in the KV store.
	ObjectStoreBackend  string `yaml:"object_store_backend"`
	ObjectStoreBucket   string `yaml:"object_store_bucket"`
	ObjectStoreEndpoint string `yaml:"object_store_endpoint"`
	AzureAccountURL     string `yaml:"azure_account_url"`

	// Long-retention audit sink. Empty disables it.
	CassandraHosts    []string `yaml:"cassandra_hosts"`
	CassandraKeyspace string   `yaml:"cassandra_keyspace"`

	// Downstream bridge (gateway forwards authenticated traffic here)
	BridgeURL string `yaml:"bridge_url"`

	// Execution backend. RegionRuntimeURLs maps region names to runtime
	// base URLs for the http backend; dispatch follows the region pointer
	// through this map, and a region with no entry falls back to
	// RuntimeURL.
	RuntimeURL        string            `yaml:"runtime_url"`
	RuntimeBackend    string            `yaml:"runtime_backend"` // "http" or "bedrock"
	RegionRuntimeURLs map[string]string `yaml:"region_runtime_urls"`
	MaxSyncDuration   time.Duration     `yaml:"max_sync_duration"`

	// Region pointer
	RegionConfigKey    string        `yaml:"region_config_key"`
	RegionRefreshEvery time.Duration `yaml:"region_refresh_every"`
	DefaultRegion      string        `yaml:"default_region"`

	// Retry policy for the execution backend
	Retry RetryPolicy `yaml:"retry"`
}

// RetryPolicy classifies which backend failures are transient and locally
// retried. Everything outside this policy is terminal for the request.
// The transient/terminal boundary is deliberately configuration, not code.
type RetryPolicy struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	Backoff           time.Duration `yaml:"backoff"`
	RetryableStatuses []int         `yaml:"retryable_statuses"`
	RetryOnTimeout    bool          `yaml:"retry_on_timeout"`
}

// Retryable reports whether an HTTP status from the backend is transient
// under this policy.
func (p RetryPolicy) Retryable(status int) bool {
	for _, s := range p.RetryableStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// DefaultRetryPolicy retries twice on timeouts and upstream unavailability.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       2,
		Backoff:           500 * time.Millisecond,
		RetryableStatuses: []int{502, 503, 504},
		RetryOnTimeout:    true,
	}
}

// Load builds a Config from environment variables, applying the YAML file
// named by CONFIG_FILE (if set) first, then env overrides, then defaults.
func Load(serviceName string) (*Config, error) {
	cfg := &Config{ServiceName: serviceName}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.Port = firstNonEmpty(os.Getenv("PORT"), cfg.Port, "8080")
	cfg.JWKSURL = firstNonEmpty(os.Getenv("JWKS_URL"), cfg.JWKSURL)
	cfg.Issuer = firstNonEmpty(os.Getenv("TOKEN_ISSUER"), cfg.Issuer)
	cfg.Audience = firstNonEmpty(os.Getenv("TOKEN_AUDIENCE"), cfg.Audience)
	cfg.RedisURL = firstNonEmpty(os.Getenv("REDIS_URL"), cfg.RedisURL, "redis://localhost:6379")
	cfg.DatabaseURL = firstNonEmpty(os.Getenv("DATABASE_URL"), cfg.DatabaseURL)
	cfg.BridgeURL = firstNonEmpty(os.Getenv("BRIDGE_URL"), cfg.BridgeURL, "http://localhost:8081")
	cfg.RuntimeURL = firstNonEmpty(os.Getenv("RUNTIME_URL"), cfg.RuntimeURL)
	cfg.RuntimeBackend = firstNonEmpty(os.Getenv("RUNTIME_BACKEND"), cfg.RuntimeBackend, "http")
	cfg.RegionConfigKey = firstNonEmpty(os.Getenv("REGION_CONFIG_KEY"), cfg.RegionConfigKey, "config:runtime-region")
	cfg.DefaultRegion = firstNonEmpty(os.Getenv("DEFAULT_REGION"), cfg.DefaultRegion, "eu-west-1")
	cfg.StorageBackend = firstNonEmpty(os.Getenv("STORAGE_BACKEND"), cfg.StorageBackend, "redis")
	cfg.MySQLDSN = firstNonEmpty(os.Getenv("MYSQL_DSN"), cfg.MySQLDSN)
	cfg.MongoURL = firstNonEmpty(os.Getenv("MONGO_URL"), cfg.MongoURL)
	cfg.MongoDatabase = firstNonEmpty(os.Getenv("MONGO_DATABASE"), cfg.MongoDatabase, "agentgate")
	cfg.ObjectStoreBackend = firstNonEmpty(os.Getenv("OBJECT_STORE_BACKEND"), cfg.ObjectStoreBackend)
	cfg.ObjectStoreBucket = firstNonEmpty(os.Getenv("OBJECT_STORE_BUCKET"), cfg.ObjectStoreBucket)
	cfg.ObjectStoreEndpoint = firstNonEmpty(os.Getenv("OBJECT_STORE_ENDPOINT"), cfg.ObjectStoreEndpoint)
	cfg.AzureAccountURL = firstNonEmpty(os.Getenv("AZURE_ACCOUNT_URL"), cfg.AzureAccountURL)
	cfg.CassandraKeyspace = firstNonEmpty(os.Getenv("CASSANDRA_KEYSPACE"), cfg.CassandraKeyspace)
	if hosts := os.Getenv("CASSANDRA_HOSTS"); hosts != "" {
		cfg.CassandraHosts = splitList(hosts)
	}
	if urls := os.Getenv("REGION_RUNTIME_URLS"); urls != "" {
		parsed, err := parseRegionURLs(urls)
		if err != nil {
			return nil, err
		}
		cfg.RegionRuntimeURLs = parsed
	}

	// Signing keys come from the environment or a secrets manager, never
	// from the YAML file.
	cfg.ContextSigningKey = os.Getenv("CONTEXT_SIGNING_KEY")
	cfg.ToolTokenSigningKey = os.Getenv("TOOL_TOKEN_SIGNING_KEY")

	if cfg.JWKSCacheTTL <= 0 {
		cfg.JWKSCacheTTL = durationEnv("JWKS_CACHE_TTL", 5*time.Minute)
	}
	if cfg.ContextTTL <= 0 {
		cfg.ContextTTL = 2 * time.Minute
	}
	if cfg.MaxSyncDuration <= 0 {
		cfg.MaxSyncDuration = durationEnv("MAX_SYNC_DURATION", 30*time.Second)
	}
	if cfg.RegionRefreshEvery <= 0 {
		// Bounded staleness window: routers must see pointer changes in
		// seconds, not minutes.
		cfg.RegionRefreshEvery = durationEnv("REGION_REFRESH_EVERY", 60*time.Second)
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}

	return cfg, nil
}

// Validate checks that required settings for the given service are present.
func (c *Config) Validate() error {
	var missing []string
	if c.ServiceName == "gateway" {
		if c.JWKSURL == "" {
			missing = append(missing, "JWKS_URL")
		}
		if c.ContextSigningKey == "" {
			missing = append(missing, "CONTEXT_SIGNING_KEY")
		}
	}
	if c.ServiceName == "bridge" {
		if c.ContextSigningKey == "" {
			missing = append(missing, "CONTEXT_SIGNING_KEY")
		}
		if c.ToolTokenSigningKey == "" {
			missing = append(missing, "TOOL_TOKEN_SIGNING_KEY")
		}
		if c.RuntimeBackend == "http" && c.RuntimeURL == "" && len(c.RegionRuntimeURLs) == 0 {
			missing = append(missing, "RUNTIME_URL")
		}
		switch c.StorageBackend {
		case "", "redis":
		case "postgres":
			if c.DatabaseURL == "" {
				missing = append(missing, "DATABASE_URL")
			}
		case "mysql":
			if c.MySQLDSN == "" {
				missing = append(missing, "MYSQL_DSN")
			}
		case "mongodb":
			if c.MongoURL == "" {
				missing = append(missing, "MONGO_URL")
			}
		default:
			return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if _, err := url.Parse(c.RedisURL); err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	if _, err := strconv.Atoi(strings.TrimPrefix(c.Port, ":")); err != nil {
		if _, _, err2 := net.SplitHostPort("localhost:" + c.Port); err2 != nil {
			return fmt.Errorf("invalid PORT %q", c.Port)
		}
	}
	return nil
}

// parseRegionURLs parses "region=url,region=url" pairs from
// REGION_RUNTIME_URLS.
func parseRegionURLs(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		region, target, ok := strings.Cut(pair, "=")
		region, target = strings.TrimSpace(region), strings.TrimSpace(target)
		if !ok || region == "" || target == "" {
			return nil, fmt.Errorf("invalid REGION_RUNTIME_URLS entry %q, want region=url", pair)
		}
		out[region] = target
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func durationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
