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

/*
Package types provides shared type definitions used across AgentGate components.

# Overview

This package contains the types shared between the Gateway and the Bridge:
the per-request TenantContext, tenant and agent registry records, invocation
and job records, and the platform error taxonomy.

# Tenant Context

Every authenticated request produces exactly one TenantContext. Downstream
components never act without one — there is no code path that reaches
tenant-scoped resources without a TenantContext attached.

# Error Taxonomy

Rejections are typed, not stringly: AuthenticationRejected, TenantSuspended,
TierInsufficient, TenantAccessViolation, RegionUnavailable, LockAlreadyHeld.
Handlers map each type to a stable HTTP status and error code.
*/
package types
