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

package types

import "time"

// Tier is an ordered service level gating which agents and tools a tenant
// may use. Order: basic < standard < premium < enterprise.
type Tier string

const (
	TierBasic      Tier = "basic"
	TierStandard   Tier = "standard"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// tierOrder maps tiers to their position in the ordering. Unknown tiers
// rank below basic so a malformed claim never grants access.
var tierOrder = map[Tier]int{
	TierBasic:      1,
	TierStandard:   2,
	TierPremium:    3,
	TierEnterprise: 4,
}

// IsValid returns true if the Tier is a known value.
func (t Tier) IsValid() bool {
	_, ok := tierOrder[t]
	return ok
}

// Meets returns true if tier t satisfies the given minimum tier.
func (t Tier) Meets(minimum Tier) bool {
	return tierOrder[t] >= tierOrder[minimum]
}

// String returns the string representation of the Tier.
func (t Tier) String() string {
	return string(t)
}

// Role is a coarse-grained role carried in the identity token's role claim.
type Role string

const (
	RoleAdmin     Role = "Admin"
	RoleOperator  Role = "Operator"
	RoleDeveloper Role = "Developer"
)

// TenantStatus is the lifecycle state of a tenant in the registry.
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
	TenantDeleted   TenantStatus = "deleted"
)

// TenantContext is the per-request identity established by the Gateway.
// It is derived once per request, passed by value through every call
// boundary, and never persisted. Downstream components refuse to act
// without one.
type TenantContext struct {
	TenantID    string `json:"tenant_id"`
	AppID       string `json:"app_id"`
	Tier        Tier   `json:"tier"`
	Roles       []Role `json:"roles,omitempty"`
	Subject     string `json:"sub"`
	UsagePlanID string `json:"usage_plan_id,omitempty"`
}

// HasRole returns true if the context carries the given role.
func (c TenantContext) HasRole(role Role) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Tenant is the read-only registry record for a business customer.
// This core only reads status and tier for gate decisions; the record is
// mutated by external administrative flows.
type Tenant struct {
	TenantID         string       `json:"tenant_id"`
	Status           TenantStatus `json:"status"`
	Tier             Tier         `json:"tier"`
	ExecutionRoleRef string       `json:"execution_role_ref"`
	MonthlyBudgetUSD float64      `json:"monthly_budget_usd"`
	OwningAccountRef string       `json:"owning_account_ref"`
}

// InvocationMode is a static, declared property of an agent. It is read
// from the agent registry, never inferred from timing: a call cannot be
// known to be slow before it finishes.
type InvocationMode string

const (
	ModeSync      InvocationMode = "sync"
	ModeStreaming InvocationMode = "streaming"
	ModeAsync     InvocationMode = "async"
)

// IsValid returns true if the InvocationMode is a known value.
func (m InvocationMode) IsValid() bool {
	switch m {
	case ModeSync, ModeStreaming, ModeAsync:
		return true
	default:
		return false
	}
}

// AgentRecord is the registry entry for a deployed agent version.
type AgentRecord struct {
	AgentName        string         `json:"agent_name"`
	Version          string         `json:"version"`
	OwnerTeam        string         `json:"owner_team"`
	TierMinimum      Tier           `json:"tier_minimum"`
	InvocationMode   InvocationMode `json:"invocation_mode"`
	StreamingEnabled bool           `json:"streaming_enabled"`
	RuntimeRef       string         `json:"runtime_ref,omitempty"`
	DeployedAt       time.Time      `json:"deployed_at"`
}

// ToolRecord is the registry entry for a tool exposed to agents. The
// Token Exchange gates minting on TierMinimum before any tool code runs.
type ToolRecord struct {
	ToolID      string `json:"tool_id"`
	Description string `json:"description,omitempty"`
	TierMinimum Tier   `json:"tier_minimum"`
}

// InvocationStatus is the terminal status of a completed invocation.
type InvocationStatus string

const (
	InvocationSuccess InvocationStatus = "success"
	InvocationError   InvocationStatus = "error"
	InvocationTimeout InvocationStatus = "timeout"
)

// InvocationRecord is the audit record written for every completed
// invocation, regardless of whether the caller ever polls for it.
type InvocationRecord struct {
	InvocationID  string           `json:"invocation_id"`
	TenantID      string           `json:"tenant_id"`
	AppID         string           `json:"app_id"`
	AgentName     string           `json:"agent_name"`
	AgentVersion  string           `json:"agent_version"`
	Mode          InvocationMode   `json:"invocation_mode"`
	Status        InvocationStatus `json:"status"`
	RuntimeRegion string           `json:"runtime_region"`
	LatencyMS     int64            `json:"latency_ms"`
	JobID         string           `json:"job_id,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}

// JobStatus is the lifecycle state of a deferred (async) invocation.
type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobRunning  JobStatus = "running"
	JobComplete JobStatus = "complete"
	JobFailed   JobStatus = "failed"
	JobCanceled JobStatus = "canceled"
)

// Terminal reports whether the job has reached a final state.
func (s JobStatus) Terminal() bool {
	return s == JobComplete || s == JobFailed || s == JobCanceled
}

// JobRecord tracks a deferred invocation. Written through the storage
// guard under the owning tenant's partition; expires after 7 days.
type JobRecord struct {
	JobID      string    `json:"job_id"`
	TenantID   string    `json:"tenant_id"`
	AgentName  string    `json:"agent_name"`
	Status     JobStatus `json:"status"`
	ResultKey  string    `json:"result_key,omitempty"`
	Error      string    `json:"error,omitempty"`
	WebhookURL string    `json:"webhook_url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RegionPointer is the versioned active-region configuration value. The
// version increments on every failover so routers can detect staleness.
type RegionPointer struct {
	Primary   string    `json:"primary"`
	Fallback  string    `json:"fallback,omitempty"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by,omitempty"`
}
