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

// Package lock provides the distributed lock that serializes region
// failover. Acquire is a single atomic conditional write against the
// backing store — a read-then-write pattern admits a race and is not
// acceptable here. Every lock carries a fixed expiry so a crashed holder
// cannot permanently wedge the transition; release is best-effort
// cleanup, not relied upon for correctness.
package lock

import (
	"context"
	"time"
)

// DefaultTTL is the fixed lock expiry. Five minutes bounds how long a
// crashed operator can block the next failover attempt.
const DefaultTTL = 5 * time.Minute

// FailoverLockName is the single lock gating region failover.
const FailoverLockName = "runtime-failover"

// Record describes a held lock, for operator visibility.
type Record struct {
	Name       string    `json:"name"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Lock is the conditional-acquire/release primitive.
//
// Acquire returns types.ErrLockAlreadyHeld when a non-expired record for
// name exists. Callers must treat that as "another operator is
// mid-transition" and surface it — not retry blindly.
//
// Release only removes the caller's own record; releasing a lock held by
// someone else is a no-op returning types.ErrLockAlreadyHeld.
type Lock interface {
	Acquire(ctx context.Context, name, holder string) error
	Release(ctx context.Context, name, holder string) error
	Get(ctx context.Context, name string) (*Record, error)
}
