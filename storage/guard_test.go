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

package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"agentgate/platform/shared/types"
)

type recordingSink struct {
	mu         sync.Mutex
	violations []string
}

func (s *recordingSink) RecordViolation(ctx context.Context, tenantID, key, operation string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations = append(s.violations, tenantID+"|"+key+"|"+operation)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.violations)
}

func tenantCtx(id string) types.TenantContext {
	return types.TenantContext{TenantID: id, AppID: "app-1", Tier: types.TierStandard}
}

func TestGuardPartitionsByTenant(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	guard := NewGuard(NewMemoryStore(), sink)

	if err := guard.Put(ctx, tenantCtx("acme"), "orders/1", []byte("acme-data"), 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := guard.Put(ctx, tenantCtx("globex"), "orders/1", []byte("globex-data"), 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := guard.Get(ctx, tenantCtx("acme"), "orders/1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "acme-data" {
		t.Errorf("got %q, want acme-data", got)
	}

	got, err = guard.Get(ctx, tenantCtx("globex"), "orders/1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "globex-data" {
		t.Errorf("got %q, want globex-data", got)
	}

	if sink.count() != 0 {
		t.Errorf("expected no violations, got %d", sink.count())
	}
}

func TestGuardRejectsCrossTenantKeys(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		tc   types.TenantContext
		key  string
	}{
		{
			name: "raw key in another tenant partition",
			tc:   tenantCtx("acme"),
			key:  "TENANT#globex#orders/1",
		},
		{
			name: "raw key with no partition prefix",
			tc:   tenantCtx("acme"),
			key:  "orders/1",
		},
		{
			name: "empty tenant context",
			tc:   types.TenantContext{},
			key:  "TENANT#globex#orders/1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			store := NewMemoryStore()
			guard := NewGuard(store, sink)

			// Seed the victim partition directly.
			if err := store.Put(ctx, "TENANT#globex#orders/1", []byte("secret"), 0); err != nil {
				t.Fatalf("seed failed: %v", err)
			}

			_, err := guard.GetRaw(ctx, tt.tc, tt.key)
			if !types.IsTenantAccessViolation(err) {
				t.Fatalf("expected TenantAccessViolation, got %v", err)
			}
			if sink.count() != 1 {
				t.Errorf("expected 1 escalated violation, got %d", sink.count())
			}
			// The violation must not carry the stored value.
			if strings.Contains(err.Error(), "secret") {
				t.Error("violation leaked stored value")
			}
		})
	}
}

func TestGuardViolationAbortsBeforeWrite(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	store := NewMemoryStore()
	guard := NewGuard(store, sink)

	err := guard.Put(ctx, types.TenantContext{}, "orders/1", []byte("data"), 0)
	if !types.IsTenantAccessViolation(err) {
		t.Fatalf("expected TenantAccessViolation, got %v", err)
	}

	keys, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("store should be empty after aborted write, has %v", keys)
	}
}

func TestGuardListStripsPartitionPrefix(t *testing.T) {
	ctx := context.Background()
	guard := NewGuard(NewMemoryStore(), &recordingSink{})

	for _, key := range []string{"jobs/a", "jobs/b", "config/x"} {
		if err := guard.Put(ctx, tenantCtx("acme"), key, []byte("v"), 0); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if err := guard.Put(ctx, tenantCtx("globex"), "jobs/z", []byte("v"), 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	keys, err := guard.List(ctx, tenantCtx("acme"), "jobs/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}
	for _, key := range keys {
		if key != "jobs/a" && key != "jobs/b" {
			t.Errorf("unexpected key %q in listing", key)
		}
	}
}

func TestGuardGetMissingKey(t *testing.T) {
	ctx := context.Background()
	guard := NewGuard(NewMemoryStore(), &recordingSink{})

	_, err := guard.Get(ctx, tenantCtx("acme"), "nope")
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestObjectGuardPartitionsByTenant(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	store := NewMemoryObjectStore()
	guard := NewObjectGuard(store, sink)

	if err := guard.PutObject(ctx, tenantCtx("acme"), "reports/q1.json", []byte(`{}`), "application/json"); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}

	_, err := guard.GetObject(ctx, types.TenantContext{}, "reports/q1.json")
	if !types.IsTenantAccessViolation(err) {
		t.Fatalf("expected TenantAccessViolation, got %v", err)
	}
	if sink.count() != 1 {
		t.Errorf("expected 1 violation, got %d", sink.count())
	}

	data, err := guard.GetObject(ctx, tenantCtx("acme"), "reports/q1.json")
	if err != nil {
		t.Fatalf("GetObject failed: %v", err)
	}
	if string(data) != `{}` {
		t.Errorf("got %q", data)
	}
}
