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

// Package main is the entry point for the AgentGate bridge service.
//
// The bridge routes authenticated agent invocations:
// - Dispatches by the invocation mode declared in the agent registry
// - Mints scoped act-on-behalf tool tokens
// - Owns the runtime region pointer and operator-gated failover
// - Tracks deferred jobs under tenant-partitioned storage
//
// Usage:
//
//	./bridge
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8080)
//	CONTEXT_SIGNING_KEY - HMAC key shared with the gateway
//	TOOL_TOKEN_SIGNING_KEY - HMAC key for scoped tool tokens
//	RUNTIME_URL / RUNTIME_BACKEND - execution backend ("http" or "bedrock")
//	REDIS_URL - job store, region pointer, and failover lock
//	DATABASE_URL - agent/tool registry and audit sink
package main

import (
	"agentgate/platform/bridge"
)

func main() {
	bridge.Run()
}
