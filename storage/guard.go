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

// Package storage provides the tenant-scoped storage guard: the only
// access surface to the platform's durable stores. Every operation
// carries a TenantContext; any key outside the caller's tenant partition
// is rejected with a TenantAccessViolation and escalated as a security
// event. No platform code holds a raw KVStore — the guard is the
// architectural boundary the whole system depends on.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"agentgate/platform/shared/logger"
	"agentgate/platform/shared/types"
)

// Tenant partition layout, shared by every backend:
// TENANT#{tenant_id}#{key...}
const tenantKeyPrefix = "TENANT#"

var promTenantViolations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agentgate_tenant_access_violations_total",
		Help: "Total number of attempted cross-tenant storage operations",
	},
	[]string{"tenant_id", "operation"},
)

func init() {
	prometheus.MustRegister(promTenantViolations)
}

// ViolationSink receives every isolation violation. The audit package
// implements this; violations are security events and must always reach
// a monitoring collaborator, never be silently swallowed.
type ViolationSink interface {
	RecordViolation(ctx context.Context, tenantID, key, operation string)
}

// Guard wraps a KVStore and mechanically enforces the tenant partition.
type Guard struct {
	store KVStore
	sink  ViolationSink
	log   *logger.Logger
}

// NewGuard creates a tenant-scoped guard over the given store. The sink
// may be nil only in tests that assert on returned errors.
func NewGuard(store KVStore, sink ViolationSink) *Guard {
	return &Guard{
		store: store,
		sink:  sink,
		log:   logger.New("storage-guard"),
	}
}

// TenantKey builds the partitioned storage key for a tenant-owned key.
func TenantKey(tenantID, key string) string {
	return tenantKeyPrefix + tenantID + "#" + key
}

// checkKey verifies that the raw storage key belongs to the caller's
// partition. The caller's partition is derived from the TenantContext,
// never from the key itself.
func (g *Guard) checkKey(ctx context.Context, tc types.TenantContext, rawKey, operation string) error {
	// No tenant context, no storage access. There is no anonymous path.
	allowed := tenantKeyPrefix + tc.TenantID + "#"
	if tc.TenantID != "" && strings.HasPrefix(rawKey, allowed) {
		return nil
	}

	violation := &types.TenantAccessViolation{CallerTenantID: tc.TenantID, Key: rawKey}
	promTenantViolations.WithLabelValues(tc.TenantID, operation).Inc()
	g.log.SecurityEvent(tc.TenantID, "", "tenant_access_violation", map[string]interface{}{
		"key":       rawKey,
		"operation": operation,
	})
	if g.sink != nil {
		g.sink.RecordViolation(ctx, tc.TenantID, rawKey, operation)
	}
	return violation
}

// Get reads a value from the caller's partition. The key is the
// tenant-relative key; cross-partition raw keys are rejected.
func (g *Guard) Get(ctx context.Context, tc types.TenantContext, key string) ([]byte, error) {
	raw := TenantKey(tc.TenantID, key)
	if err := g.checkKey(ctx, tc, raw, "get"); err != nil {
		return nil, err
	}
	return g.store.Get(ctx, raw)
}

// GetRaw reads a fully-qualified storage key. Exists so callers holding a
// key reference (e.g. a job result location) still pass the partition
// check: the raw key must fall inside the caller's own partition.
func (g *Guard) GetRaw(ctx context.Context, tc types.TenantContext, rawKey string) ([]byte, error) {
	if err := g.checkKey(ctx, tc, rawKey, "get"); err != nil {
		return nil, err
	}
	return g.store.Get(ctx, rawKey)
}

// Put writes a value into the caller's partition.
func (g *Guard) Put(ctx context.Context, tc types.TenantContext, key string, value []byte, ttl time.Duration) error {
	raw := TenantKey(tc.TenantID, key)
	if err := g.checkKey(ctx, tc, raw, "put"); err != nil {
		return err
	}
	return g.store.Put(ctx, raw, value, ttl)
}

// Delete removes a key from the caller's partition.
func (g *Guard) Delete(ctx context.Context, tc types.TenantContext, key string) error {
	raw := TenantKey(tc.TenantID, key)
	if err := g.checkKey(ctx, tc, raw, "delete"); err != nil {
		return err
	}
	return g.store.Delete(ctx, raw)
}

// List returns tenant-relative keys under prefix within the caller's
// partition. Returned keys have the partition prefix stripped so they can
// be passed back to Get/Delete unchanged.
func (g *Guard) List(ctx context.Context, tc types.TenantContext, prefix string) ([]string, error) {
	raw := TenantKey(tc.TenantID, prefix)
	if err := g.checkKey(ctx, tc, raw, "list"); err != nil {
		return nil, err
	}
	rawKeys, err := g.store.List(ctx, raw)
	if err != nil {
		return nil, err
	}
	partition := tenantKeyPrefix + tc.TenantID + "#"
	keys := make([]string, 0, len(rawKeys))
	for _, k := range rawKeys {
		keys = append(keys, strings.TrimPrefix(k, partition))
	}
	return keys, nil
}

// ObjectStore is the blob-storage interface behind the object guard.
// Backends: S3, GCS, Azure Blob.
type ObjectStore interface {
	GetObject(ctx context.Context, key string) ([]byte, error)
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
	DeleteObject(ctx context.Context, key string) error
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// Object key layout: tenants/{tenant_id}/{key...}
const objectKeyPrefix = "tenants/"

// ObjectKey builds the tenant-scoped object key.
func ObjectKey(tenantID, key string) string {
	return fmt.Sprintf("%s%s/%s", objectKeyPrefix, tenantID, key)
}

// ObjectGuard wraps an ObjectStore with the same partition rule the KV
// guard enforces: all object keys live under tenants/{tenant_id}/.
type ObjectGuard struct {
	store ObjectStore
	sink  ViolationSink
	log   *logger.Logger
}

// NewObjectGuard creates a tenant-scoped guard over the given object store.
func NewObjectGuard(store ObjectStore, sink ViolationSink) *ObjectGuard {
	return &ObjectGuard{
		store: store,
		sink:  sink,
		log:   logger.New("object-guard"),
	}
}

func (g *ObjectGuard) checkKey(ctx context.Context, tc types.TenantContext, rawKey, operation string) error {
	allowed := objectKeyPrefix + tc.TenantID + "/"
	if tc.TenantID != "" && strings.HasPrefix(rawKey, allowed) {
		return nil
	}
	violation := &types.TenantAccessViolation{CallerTenantID: tc.TenantID, Key: rawKey}
	promTenantViolations.WithLabelValues(tc.TenantID, operation).Inc()
	g.log.SecurityEvent(tc.TenantID, "", "tenant_access_violation", map[string]interface{}{
		"key":       rawKey,
		"operation": operation,
	})
	if g.sink != nil {
		g.sink.RecordViolation(ctx, tc.TenantID, rawKey, operation)
	}
	return violation
}

// GetObject reads an object from the caller's prefix.
func (g *ObjectGuard) GetObject(ctx context.Context, tc types.TenantContext, key string) ([]byte, error) {
	raw := ObjectKey(tc.TenantID, key)
	if err := g.checkKey(ctx, tc, raw, "get_object"); err != nil {
		return nil, err
	}
	return g.store.GetObject(ctx, raw)
}

// PutObject writes an object under the caller's prefix.
func (g *ObjectGuard) PutObject(ctx context.Context, tc types.TenantContext, key string, data []byte, contentType string) error {
	raw := ObjectKey(tc.TenantID, key)
	if err := g.checkKey(ctx, tc, raw, "put_object"); err != nil {
		return err
	}
	return g.store.PutObject(ctx, raw, data, contentType)
}

// DeleteObject removes an object from the caller's prefix.
func (g *ObjectGuard) DeleteObject(ctx context.Context, tc types.TenantContext, key string) error {
	raw := ObjectKey(tc.TenantID, key)
	if err := g.checkKey(ctx, tc, raw, "delete_object"); err != nil {
		return err
	}
	return g.store.DeleteObject(ctx, raw)
}

// ListObjects lists tenant-relative object keys under prefix.
func (g *ObjectGuard) ListObjects(ctx context.Context, tc types.TenantContext, prefix string) ([]string, error) {
	raw := ObjectKey(tc.TenantID, prefix)
	if err := g.checkKey(ctx, tc, raw, "list_objects"); err != nil {
		return nil, err
	}
	rawKeys, err := g.store.ListObjects(ctx, raw)
	if err != nil {
		return nil, err
	}
	partition := objectKeyPrefix + tc.TenantID + "/"
	keys := make([]string, 0, len(rawKeys))
	for _, k := range rawKeys {
		keys = append(keys, strings.TrimPrefix(k, partition))
	}
	return keys, nil
}
