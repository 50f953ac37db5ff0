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

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsManager resolves named secrets out of band. The gateway uses it to
// fetch per-caller request-signing secrets and the platform signing keys.
type SecretsManager interface {
	GetSecret(ctx context.Context, secretRef string) (map[string]string, error)
}

// NewSecretsManager picks the backend from SECRETS_BACKEND: "aws" uses
// AWS Secrets Manager, anything else reads environment variables.
func NewSecretsManager(ctx context.Context) SecretsManager {
	if os.Getenv("SECRETS_BACKEND") == "aws" {
		sm, err := NewAWSSecretsManager(ctx, AWSSecretsManagerOptions{
			Region: os.Getenv("AWS_REGION"),
		})
		if err == nil {
			return sm
		}
		log.Printf("AWS Secrets Manager unavailable, falling back to env secrets: %v", err)
	}
	return NewEnvSecretsManager()
}

// AWSSecretsManager implements SecretsManager using AWS Secrets Manager
type AWSSecretsManager struct {
	client *secretsmanager.Client
	cache  map[string]*secretCacheEntry
	mu     sync.RWMutex
	ttl    time.Duration
	logger *log.Logger
}

type secretCacheEntry struct {
	value     map[string]string
	expiresAt time.Time
}

// AWSSecretsManagerOptions holds options for creating an AWSSecretsManager
type AWSSecretsManagerOptions struct {
	Region   string
	CacheTTL time.Duration
	Logger   *log.Logger
}

// NewAWSSecretsManager creates a new AWS Secrets Manager client
func NewAWSSecretsManager(ctx context.Context, opts AWSSecretsManagerOptions) (*AWSSecretsManager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[SECRETS_MANAGER] ", log.LstdFlags)
	}

	cfgOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		cfgOpts = append(cfgOpts, awsconfig.WithRegion(opts.Region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(cfg)

	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute // Cache secrets for 5 minutes by default
	}

	return &AWSSecretsManager{
		client: client,
		cache:  make(map[string]*secretCacheEntry),
		ttl:    ttl,
		logger: logger,
	}, nil
}

// GetSecret retrieves a secret from AWS Secrets Manager
// The secret value is expected to be a JSON object with string values
func (s *AWSSecretsManager) GetSecret(ctx context.Context, secretRef string) (map[string]string, error) {
	// Check cache first
	s.mu.RLock()
	entry, exists := s.cache[secretRef]
	s.mu.RUnlock()

	if exists && time.Now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	s.logger.Printf("Fetching secret %s from AWS Secrets Manager", maskRef(secretRef))

	input := &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretRef),
	}

	result, err := s.client.GetSecretValue(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to get secret %s: %w", maskRef(secretRef), err)
	}

	var secretValue string
	if result.SecretString != nil {
		secretValue = *result.SecretString
	} else {
		return nil, fmt.Errorf("secret %s has no string value", maskRef(secretRef))
	}

	// Parse JSON secret; a non-JSON secret is treated as a single value
	var credentials map[string]string
	if err := json.Unmarshal([]byte(secretValue), &credentials); err != nil {
		credentials = map[string]string{
			"value": secretValue,
		}
	}

	// Update cache
	s.mu.Lock()
	s.cache[secretRef] = &secretCacheEntry{
		value:     credentials,
		expiresAt: time.Now().Add(s.ttl),
	}
	s.mu.Unlock()

	return credentials, nil
}

// InvalidateSecret removes a secret from the cache
func (s *AWSSecretsManager) InvalidateSecret(secretRef string) {
	s.mu.Lock()
	delete(s.cache, secretRef)
	s.mu.Unlock()
	s.logger.Printf("Invalidated cache for secret %s", maskRef(secretRef))
}

// maskRef masks the secret reference for logging (shows only last 8 characters)
func maskRef(ref string) string {
	if len(ref) <= 12 {
		return "***"
	}
	return "..." + ref[len(ref)-8:]
}

// LocalSecretsManager implements SecretsManager using in-process storage.
// Useful for development and tests without AWS Secrets Manager.
type LocalSecretsManager struct {
	secrets map[string]map[string]string
	mu      sync.RWMutex
}

// NewLocalSecretsManager creates a local secrets manager for development
func NewLocalSecretsManager() *LocalSecretsManager {
	return &LocalSecretsManager{
		secrets: make(map[string]map[string]string),
	}
}

// GetSecret retrieves a secret from local storage
func (s *LocalSecretsManager) GetSecret(ctx context.Context, secretRef string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if secret, exists := s.secrets[secretRef]; exists {
		return secret, nil
	}

	return nil, fmt.Errorf("secret %s not found in local secrets manager", secretRef)
}

// SetSecret stores a secret locally (for testing/development)
func (s *LocalSecretsManager) SetSecret(secretRef string, value map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[secretRef] = value
}

// EnvSecretsManager implements SecretsManager using environment variables.
// The secretRef is used as an environment variable name prefix.
type EnvSecretsManager struct{}

// NewEnvSecretsManager creates a secrets manager that reads from environment variables
func NewEnvSecretsManager() *EnvSecretsManager {
	return &EnvSecretsManager{}
}

// GetSecret retrieves credentials from environment variables. The
// secretRef is sanitized into an env var prefix: "machine-callers/acme"
// looks for MACHINE_CALLERS_ACME_SIGNING_KEY and so on.
func (s *EnvSecretsManager) GetSecret(ctx context.Context, secretRef string) (map[string]string, error) {
	fields := []string{
		"SIGNING_KEY", "TENANT_ID", "APP_ID", "TIER", "USAGE_PLAN_ID",
		"USERNAME", "PASSWORD", "TOKEN", "PRIVATE_KEY",
	}

	prefix := envPrefix(secretRef)
	credentials := make(map[string]string)
	for _, field := range fields {
		envVar := prefix + "_" + field
		if value := os.Getenv(envVar); value != "" {
			credentials[fieldToKey(field)] = value
		}
	}

	if len(credentials) == 0 {
		return nil, fmt.Errorf("no credentials found for prefix %s", secretRef)
	}

	return credentials, nil
}

// envPrefix converts a secret reference to an environment variable
// prefix: uppercase, with every non-alphanumeric run collapsed to one
// underscore.
func envPrefix(ref string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToUpper(ref) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
		} else if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

// fieldToKey converts an environment variable field name to a credential key
func fieldToKey(field string) string {
	switch field {
	case "USAGE_PLAN_ID":
		return "usage_plan_id"
	case "SIGNING_KEY":
		return "signing_key"
	case "TENANT_ID":
		return "tenant_id"
	case "APP_ID":
		return "app_id"
	case "TIER":
		return "tier"
	case "USERNAME":
		return "username"
	case "PASSWORD":
		return "password"
	case "TOKEN":
		return "token"
	case "PRIVATE_KEY":
		return "private_key"
	default:
		return field
	}
}
