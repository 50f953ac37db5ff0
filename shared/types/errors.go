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

import (
	"errors"
	"fmt"
)

// Stable error codes returned in API error bodies.
const (
	ErrCodeUnauthenticated = "UNAUTHENTICATED"
	ErrCodeAccountInactive = "ACCOUNT_INACTIVE"
	ErrCodeForbidden       = "FORBIDDEN"
	ErrCodeIsolation       = "TENANT_ACCESS_VIOLATION"
	ErrCodeRegion          = "REGION_UNAVAILABLE"
	ErrCodeLockHeld        = "FAILOVER_IN_PROGRESS"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeInvalidRequest  = "INVALID_REQUEST"
	ErrCodeTimeout         = "TIMEOUT"
)

// AuthenticationRejected covers every credential failure: bad signature,
// expired token, wrong audience or issuer, unknown caller. The Reason is
// for logs only — callers always see a generic "unauthorized" so the
// response never leaks which check failed.
type AuthenticationRejected struct {
	Reason string
}

func (e *AuthenticationRejected) Error() string {
	return "authentication rejected"
}

// NewAuthenticationRejected records the internal reason for the rejection.
func NewAuthenticationRejected(format string, args ...interface{}) *AuthenticationRejected {
	return &AuthenticationRejected{Reason: fmt.Sprintf(format, args...)}
}

// TenantSuspendedError is returned when a cryptographically valid caller
// belongs to a tenant whose status is not active. Distinct from
// AuthenticationRejected so clients see a specific "account inactive" state.
type TenantSuspendedError struct {
	TenantID string
	Status   TenantStatus
}

func (e *TenantSuspendedError) Error() string {
	return fmt.Sprintf("tenant %s is %s", e.TenantID, e.Status)
}

// TierInsufficientError is returned before any tool or agent side effect
// when the caller's tier does not meet the target's minimum.
type TierInsufficientError struct {
	Have Tier
	Need Tier
}

func (e *TierInsufficientError) Error() string {
	return fmt.Sprintf("tier %s insufficient: requires %s", e.Have, e.Need)
}

// TenantAccessViolation is raised when an operation attempts to touch a
// key outside the caller's tenant partition. Every violation is escalated
// to the audit sink as a security event and the operation is aborted.
type TenantAccessViolation struct {
	CallerTenantID string
	Key            string
}

func (e *TenantAccessViolation) Error() string {
	return fmt.Sprintf("tenant access violation: tenant %s attempted key %q", e.CallerTenantID, e.Key)
}

// RegionUnavailableError indicates the execution backend in the current
// region could not be reached. Retried a bounded number of times, then
// surfaced to the operator-gated failover path — never auto-switched.
type RegionUnavailableError struct {
	Region string
	Cause  error
}

func (e *RegionUnavailableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("region %s unavailable: %v", e.Region, e.Cause)
	}
	return fmt.Sprintf("region %s unavailable", e.Region)
}

func (e *RegionUnavailableError) Unwrap() error {
	return e.Cause
}

// ErrLockAlreadyHeld means another operator or process is mid-transition.
// Callers surface this as "in progress"; it is not retried automatically.
var ErrLockAlreadyHeld = errors.New("lock already held")

// ErrNotFound is returned by registries and stores for missing records.
var ErrNotFound = errors.New("not found")

// IsAuthenticationRejected reports whether err is an AuthenticationRejected.
func IsAuthenticationRejected(err error) bool {
	var target *AuthenticationRejected
	return errors.As(err, &target)
}

// IsTenantSuspended reports whether err is a TenantSuspendedError.
func IsTenantSuspended(err error) bool {
	var target *TenantSuspendedError
	return errors.As(err, &target)
}

// IsTierInsufficient reports whether err is a TierInsufficientError.
func IsTierInsufficient(err error) bool {
	var target *TierInsufficientError
	return errors.As(err, &target)
}

// IsTenantAccessViolation reports whether err is a TenantAccessViolation.
func IsTenantAccessViolation(err error) bool {
	var target *TenantAccessViolation
	return errors.As(err, &target)
}

// IsRegionUnavailable reports whether err is a RegionUnavailableError.
func IsRegionUnavailable(err error) bool {
	var target *RegionUnavailableError
	return errors.As(err, &target)
}
