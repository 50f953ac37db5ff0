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

package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"agentgate/platform/lock"
	"agentgate/platform/shared/types"
	"agentgate/platform/storage"
)

func newFailoverFixture(t *testing.T) (*FailoverController, *RegionStore, lock.Lock) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	regions := NewRegionStore(storage.NewMemoryStore(), "config:runtime-region", "eu-west-1", time.Minute)
	locks := lock.NewRedisLock(client)
	return NewFailoverController(locks, regions), regions, locks
}

func TestFailoverSwitchesPointer(t *testing.T) {
	ctx := context.Background()
	fc, regions, _ := newFailoverFixture(t)

	pointer, err := fc.Failover(ctx, "operator-a", "eu-central-1")
	if err != nil {
		t.Fatalf("Failover failed: %v", err)
	}
	if pointer.Primary != "eu-central-1" {
		t.Errorf("Primary = %q", pointer.Primary)
	}
	if pointer.Fallback != "eu-west-1" {
		t.Errorf("Fallback = %q, want previous primary", pointer.Fallback)
	}
	if pointer.Version != 1 {
		t.Errorf("Version = %d, want increment from 0", pointer.Version)
	}
	if pointer.UpdatedBy != "operator-a" {
		t.Errorf("UpdatedBy = %q", pointer.UpdatedBy)
	}

	// Routers see the new pointer.
	if got := regions.Current(ctx).Primary; got != "eu-central-1" {
		t.Errorf("Current after failover = %q", got)
	}

	// The lock is released after the transition.
	second, err := fc.Failover(ctx, "operator-b", "eu-west-1")
	if err != nil {
		t.Fatalf("second failover failed: %v", err)
	}
	if second.Version != 2 {
		t.Errorf("Version = %d, want 2", second.Version)
	}
}

func TestFailoverBlockedWhileLockHeld(t *testing.T) {
	ctx := context.Background()
	fc, regions, locks := newFailoverFixture(t)

	// Another operator is mid-transition.
	if err := locks.Acquire(ctx, lock.FailoverLockName, "operator-a"); err != nil {
		t.Fatalf("setup acquire failed: %v", err)
	}

	_, err := fc.Failover(ctx, "operator-b", "eu-central-1")
	if !errors.Is(err, types.ErrLockAlreadyHeld) {
		t.Fatalf("expected ErrLockAlreadyHeld, got %v", err)
	}

	// The pointer did not move.
	if got := regions.Current(ctx).Primary; got != "eu-west-1" {
		t.Errorf("pointer moved while lock held: %q", got)
	}

	// The first operator's lock was not disturbed.
	record, err := locks.Get(ctx, lock.FailoverLockName)
	if err != nil {
		t.Fatalf("lock Get failed: %v", err)
	}
	if record.Holder != "operator-a" {
		t.Errorf("holder = %q", record.Holder)
	}
}

func TestFailoverToCurrentRegionIsNoop(t *testing.T) {
	ctx := context.Background()
	fc, _, _ := newFailoverFixture(t)

	pointer, err := fc.Failover(ctx, "operator-a", "eu-west-1")
	if err != nil {
		t.Fatalf("Failover failed: %v", err)
	}
	if pointer.Version != 0 {
		t.Errorf("no-op failover must not bump version, got %d", pointer.Version)
	}
}

func TestFailoverRequiresTarget(t *testing.T) {
	fc, _, _ := newFailoverFixture(t)
	if _, err := fc.Failover(context.Background(), "operator-a", ""); err == nil {
		t.Fatal("expected error for empty target region")
	}
}
