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

	"agentgate/platform/audit"
	"agentgate/platform/shared/types"
	"agentgate/platform/storage"
)

func TestJobResultsInObjectStore(t *testing.T) {
	ctx := context.Background()
	auditLog := audit.NewLoggerFromDB(nil)
	t.Cleanup(auditLog.Close)

	objects := storage.NewMemoryObjectStore()
	guard := storage.NewGuard(storage.NewMemoryStore(), auditLog)
	jobs := NewJobStore(guard).WithResultObjects(storage.NewObjectGuard(objects, auditLog))
	tc := types.TenantContext{TenantID: "acme", AppID: "app-1", Tier: types.TierStandard, Subject: "user-7"}

	job, err := jobs.Create(ctx, tc, "report-builder", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := jobs.Complete(ctx, tc, job, []byte(`{"report":"done"}`)); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	result, err := jobs.Result(ctx, tc, job.JobID)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if string(result) != `{"report":"done"}` {
		t.Errorf("result = %s", result)
	}

	// The payload lives under the tenant's object prefix, while the job
	// record stays in the KV store.
	raw, err := objects.GetObject(ctx, storage.ObjectKey("acme", "jobs/"+job.JobID+"/result"))
	if err != nil {
		t.Fatalf("object not stored under tenant prefix: %v", err)
	}
	if string(raw) != `{"report":"done"}` {
		t.Errorf("stored object = %s", raw)
	}
	if _, err := jobs.Get(ctx, tc, job.JobID); err != nil {
		t.Errorf("job record missing from KV store: %v", err)
	}

	// Another tenant asking for the same job id resolves to its own
	// empty prefix, never to acme's payload.
	other := types.TenantContext{TenantID: "globex", AppID: "app-9", Tier: types.TierBasic, Subject: "user-2"}
	if _, err := jobs.Result(ctx, other, job.JobID); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("cross-tenant result read: err = %v, want not found", err)
	}
}
