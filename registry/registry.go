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

// Package registry provides read-only accessors for the tenant, agent, and
// tool registries. The registries are mutated by external administrative
// flows; this core only reads them for gate decisions. Postgres-backed
// implementations serve production, in-memory implementations serve tests
// and local development.
package registry

import (
	"context"
	"sync"

	"agentgate/platform/shared/types"
)

// TenantRegistry looks up tenant status, tier, and configuration.
type TenantRegistry interface {
	GetTenant(ctx context.Context, tenantID string) (*types.Tenant, error)
}

// AgentRegistry looks up deployed agents. Lookup without a version returns
// the latest deployed version. Invocation mode is a static property of the
// record; nothing in the platform infers it at runtime.
type AgentRegistry interface {
	GetAgent(ctx context.Context, agentName, version string) (*types.AgentRecord, error)
}

// ToolRegistry looks up tools and their minimum tiers for the exchange.
type ToolRegistry interface {
	GetTool(ctx context.Context, toolID string) (*types.ToolRecord, error)
	ListTools(ctx context.Context) ([]*types.ToolRecord, error)
}

// MemoryRegistry is an in-memory implementation of all three registries.
type MemoryRegistry struct {
	mu      sync.RWMutex
	tenants map[string]*types.Tenant
	agents  map[string][]*types.AgentRecord // keyed by name, append order = deploy order
	tools   map[string]*types.ToolRecord
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		tenants: make(map[string]*types.Tenant),
		agents:  make(map[string][]*types.AgentRecord),
		tools:   make(map[string]*types.ToolRecord),
	}
}

// PutTenant stores a tenant record (test/dev seeding).
func (r *MemoryRegistry) PutTenant(t *types.Tenant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants[t.TenantID] = t
}

// PutAgent stores an agent record (test/dev seeding).
func (r *MemoryRegistry) PutAgent(a *types.AgentRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.AgentName] = append(r.agents[a.AgentName], a)
}

// PutTool stores a tool record (test/dev seeding).
func (r *MemoryRegistry) PutTool(t *types.ToolRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.ToolID] = t
}

// GetTenant returns the tenant record, or types.ErrNotFound.
func (r *MemoryRegistry) GetTenant(ctx context.Context, tenantID string) (*types.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[tenantID]
	if !ok {
		return nil, types.ErrNotFound
	}
	copied := *t
	return &copied, nil
}

// GetAgent returns the named agent. Empty version means latest deployed.
func (r *MemoryRegistry) GetAgent(ctx context.Context, agentName, version string) (*types.AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions, ok := r.agents[agentName]
	if !ok || len(versions) == 0 {
		return nil, types.ErrNotFound
	}
	if version == "" {
		copied := *versions[len(versions)-1]
		return &copied, nil
	}
	for _, a := range versions {
		if a.Version == version {
			copied := *a
			return &copied, nil
		}
	}
	return nil, types.ErrNotFound
}

// GetTool returns the tool record, or types.ErrNotFound.
func (r *MemoryRegistry) GetTool(ctx context.Context, toolID string) (*types.ToolRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[toolID]
	if !ok {
		return nil, types.ErrNotFound
	}
	copied := *t
	return &copied, nil
}

// ListTools returns all registered tools.
func (r *MemoryRegistry) ListTools(ctx context.Context) ([]*types.ToolRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]*types.ToolRecord, 0, len(r.tools))
	for _, t := range r.tools {
		copied := *t
		tools = append(tools, &copied)
	}
	return tools, nil
}
