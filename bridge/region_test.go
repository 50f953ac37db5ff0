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
	"encoding/json"
	"testing"
	"time"

	"agentgate/platform/shared/types"
	"agentgate/platform/storage"
)

func TestRegionStoreDefaultWhenUnset(t *testing.T) {
	rs := NewRegionStore(storage.NewMemoryStore(), "config:runtime-region", "eu-west-1", time.Minute)

	pointer := rs.Current(context.Background())
	if pointer.Primary != "eu-west-1" {
		t.Errorf("Primary = %q, want default region", pointer.Primary)
	}
}

func TestRegionStoreCachesWithinWindow(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStore()
	rs := NewRegionStore(kv, "config:runtime-region", "eu-west-1", time.Minute)

	seed, _ := json.Marshal(&types.RegionPointer{Primary: "eu-west-1", Version: 1})
	if err := kv.Put(ctx, "config:runtime-region", seed, 0); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if got := rs.Current(ctx).Primary; got != "eu-west-1" {
		t.Fatalf("Primary = %q", got)
	}

	// A write behind the cache's back is not seen inside the window...
	updated, _ := json.Marshal(&types.RegionPointer{Primary: "eu-central-1", Version: 2})
	if err := kv.Put(ctx, "config:runtime-region", updated, 0); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if got := rs.Current(ctx).Primary; got != "eu-west-1" {
		t.Errorf("cached read changed mid-window: %q", got)
	}

	// ...but is guaranteed visible once the window passes.
	rs.now = func() time.Time { return time.Now().Add(61 * time.Second) }
	if got := rs.Current(ctx).Primary; got != "eu-central-1" {
		t.Errorf("stale pointer after refresh window: %q", got)
	}
}

func TestRegionStorePutInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	rs := NewRegionStore(storage.NewMemoryStore(), "config:runtime-region", "eu-west-1", time.Minute)

	_ = rs.Current(ctx) // warm the cache with the default

	next := &types.RegionPointer{Primary: "us-east-1", Version: 3, UpdatedAt: time.Now().UTC()}
	if err := rs.Put(ctx, next); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// The writer sees its own write immediately.
	if got := rs.Current(ctx); got.Primary != "us-east-1" || got.Version != 3 {
		t.Errorf("pointer after Put = %+v", got)
	}
}

func TestRegionStoreServesCachedOnFetchFailure(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStore()
	rs := NewRegionStore(kv, "config:runtime-region", "eu-west-1", time.Minute)

	seed, _ := json.Marshal(&types.RegionPointer{Primary: "eu-west-1", Version: 1})
	_ = kv.Put(ctx, "config:runtime-region", seed, 0)
	_ = rs.Current(ctx)

	// Corrupt the stored value and force a refresh: the cached pointer
	// keeps serving.
	_ = kv.Put(ctx, "config:runtime-region", []byte("{not json"), 0)
	rs.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	if got := rs.Current(ctx).Primary; got != "eu-west-1" {
		t.Errorf("expected last known pointer, got %q", got)
	}
}
