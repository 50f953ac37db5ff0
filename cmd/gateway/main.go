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

// Package main is the entry point for the AgentGate gateway service.
//
// The gateway is the authenticating edge of the platform:
// - Verifies interactive bearer tokens against the identity provider
// - Verifies machine request signatures against per-caller secrets
// - Gates suspended tenants and enforces usage plan rate limits
// - Forwards traffic to the bridge with a signed tenant context token
//
// Usage:
//
//	./gateway
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8080)
//	JWKS_URL - identity provider JWKS endpoint
//	TOKEN_ISSUER / TOKEN_AUDIENCE - expected bearer token claims
//	CONTEXT_SIGNING_KEY - HMAC key for tenant context tokens
//	BRIDGE_URL - downstream bridge service
//	REDIS_URL - rate limit backing store
//	DATABASE_URL - tenant registry
package main

import (
	"agentgate/platform/gateway"
)

func main() {
	gateway.Run()
}
