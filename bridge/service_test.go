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
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"

	"agentgate/platform/audit"
	"agentgate/platform/config"
	"agentgate/platform/exchange"
	"agentgate/platform/lock"
	"agentgate/platform/registry"
	"agentgate/platform/shared/types"
	"agentgate/platform/storage"
)

const testContextKey = "ctx-test-key"

func newServiceFixture(t *testing.T, backend Backend) (*Service, *JobStore) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	reg := registry.NewMemoryRegistry()
	reg.PutAgent(&types.AgentRecord{
		AgentName: "summarizer", Version: "1", TierMinimum: types.TierBasic,
		InvocationMode: types.ModeSync, DeployedAt: time.Now(),
	})
	reg.PutTool(&types.ToolRecord{ToolID: "search", TierMinimum: types.TierBasic})

	auditLog := audit.NewLoggerFromDB(nil)
	t.Cleanup(auditLog.Close)

	guard := storage.NewGuard(storage.NewMemoryStore(), auditLog)
	jobs := NewJobStore(guard)
	regions := NewRegionStore(storage.NewMemoryStore(), "config:runtime-region", "eu-west-1", time.Minute)
	router := NewRouter(reg, regions, backend, jobs, auditLog, NewWebhookNotifier(nil), time.Second)
	failover := NewFailoverController(lock.NewRedisLock(client), regions)
	ex := exchange.New([]byte("tool-test-key"), reg, client, auditLog)

	cfg := &config.Config{ServiceName: "bridge", ContextSigningKey: testContextKey}
	return NewService(cfg, router, jobs, ex, reg, failover, regions, auditLog), jobs
}

func contextToken(t *testing.T, tc types.TenantContext) string {
	t.Helper()
	claims := struct {
		Context types.TenantContext `json:"tctx"`
		jwt.RegisteredClaims
	}{
		Context: tc,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tc.Subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testContextKey))
	if err != nil {
		t.Fatalf("failed to sign context token: %v", err)
	}
	return signed
}

func signCallback(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testContextKey))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestServiceRejectsMissingContext(t *testing.T) {
	s, _ := newServiceFixture(t, &fakeBackend{})
	handler := s.Router()

	for name, header := range map[string]string{
		"no token":      "",
		"garbage token": "not-a-jwt",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/v1/agents/summarizer/invoke", bytes.NewReader([]byte(`{}`)))
			if header != "" {
				req.Header.Set("X-Tenant-Context", header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestServiceSyncInvokeOverHTTP(t *testing.T) {
	s, _ := newServiceFixture(t, &fakeBackend{payload: []byte(`{"summary":"ok"}`)})
	handler := s.Router()

	req := httptest.NewRequest("POST", "/v1/agents/summarizer/invoke", bytes.NewReader([]byte(`{"payload":{}}`)))
	req.Header.Set("X-Tenant-Context", contextToken(t, types.TenantContext{
		TenantID: "acme", AppID: "app-1", Tier: types.TierStandard, Subject: "user-7",
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != `{"summary":"ok"}` {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestServiceJobCallbackFlow(t *testing.T) {
	s, jobs := newServiceFixture(t, &fakeBackend{})
	handler := s.Router()
	tc := types.TenantContext{TenantID: "acme", AppID: "app-1", Tier: types.TierStandard, Subject: "user-7"}

	job, err := jobs.Create(context.Background(), tc, "report-builder", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	body, _ := json.Marshal(map[string]interface{}{
		"job_id":    job.JobID,
		"tenant_id": "acme",
		"result":    map[string]string{"report": "done"},
	})

	// Unsigned callbacks are rejected.
	req := httptest.NewRequest("POST", "/internal/jobs/complete", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned callback: status = %d, want 401", rec.Code)
	}

	// A properly signed callback completes the job.
	req = httptest.NewRequest("POST", "/internal/jobs/complete", bytes.NewReader(body))
	req.Header.Set("X-Runtime-Signature", signCallback(body))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("signed callback: status = %d, body %s", rec.Code, rec.Body.String())
	}

	// The tenant sees the completed job through the poll endpoint.
	req = httptest.NewRequest("GET", "/v1/jobs/"+job.JobID, nil)
	req.Header.Set("X-Tenant-Context", contextToken(t, tc))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("poll: status = %d", rec.Code)
	}
	var polled types.JobRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &polled); err != nil {
		t.Fatalf("bad poll body: %v", err)
	}
	if polled.Status != types.JobComplete {
		t.Errorf("Status = %s, want complete", polled.Status)
	}
}

func TestServiceFailoverRequiresOperator(t *testing.T) {
	s, _ := newServiceFixture(t, &fakeBackend{})
	handler := s.Router()

	body := []byte(`{"target_region":"eu-central-1"}`)
	req := httptest.NewRequest("POST", "/admin/failover", bytes.NewReader(body))
	req.Header.Set("X-Tenant-Context", contextToken(t, types.TenantContext{
		TenantID: "acme", Tier: types.TierEnterprise, Subject: "user-7",
		Roles: []types.Role{types.RoleAdmin},
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 without operator role", rec.Code)
	}

	req = httptest.NewRequest("POST", "/admin/failover", bytes.NewReader(body))
	req.Header.Set("X-Tenant-Context", contextToken(t, types.TenantContext{
		TenantID: "acme", Tier: types.TierEnterprise, Subject: "operator-a",
		Roles: []types.Role{types.RoleOperator},
	}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := s.regions.Current(context.Background()).Primary; got != "eu-central-1" {
		t.Errorf("pointer after failover = %q", got)
	}
}
