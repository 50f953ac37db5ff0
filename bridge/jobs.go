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
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentgate/platform/shared/logger"
	"agentgate/platform/shared/types"
	"agentgate/platform/storage"
)

// jobTTL is how long job records and their results are retained.
const jobTTL = 7 * 24 * time.Hour

// JobStore tracks deferred invocations. Every read and write goes
// through the tenant storage guard, so one tenant's job ids are
// meaningless to another tenant: a cross-tenant poll aborts as an
// isolation violation before touching the record.
type JobStore struct {
	guard   *storage.Guard
	objects *storage.ObjectGuard
	log     *logger.Logger
}

// NewJobStore wraps the guarded KV store.
func NewJobStore(guard *storage.Guard) *JobStore {
	return &JobStore{guard: guard, log: logger.New("job-store")}
}

// WithResultObjects stores completed-job payloads in the tenant-scoped
// object store instead of inline in the KV store. Job records themselves
// stay in the KV store either way.
func (s *JobStore) WithResultObjects(objects *storage.ObjectGuard) *JobStore {
	s.objects = objects
	return s
}

func jobKey(jobID string) string {
	return "jobs/" + jobID
}

func jobResultKey(jobID string) string {
	return "jobs/" + jobID + "/result"
}

// Create writes a new pending job and returns its record.
func (s *JobStore) Create(ctx context.Context, tc types.TenantContext, agentName, webhookURL string) (*types.JobRecord, error) {
	now := time.Now().UTC()
	job := &types.JobRecord{
		JobID:      uuid.NewString(),
		TenantID:   tc.TenantID,
		AgentName:  agentName,
		Status:     types.JobPending,
		WebhookURL: webhookURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.put(ctx, tc, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Get reads a job record. A jobID belonging to another tenant resolves
// to that tenant's partition key and therefore to not-found territory —
// the guard never lets the caller's partition escape.
func (s *JobStore) Get(ctx context.Context, tc types.TenantContext, jobID string) (*types.JobRecord, error) {
	payload, err := s.guard.Get(ctx, tc, jobKey(jobID))
	if err != nil {
		return nil, err
	}
	var job types.JobRecord
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, fmt.Errorf("corrupt job record %s: %w", jobID, err)
	}
	return &job, nil
}

// MarkRunning transitions a job to running.
func (s *JobStore) MarkRunning(ctx context.Context, tc types.TenantContext, job *types.JobRecord) error {
	job.Status = types.JobRunning
	job.UpdatedAt = time.Now().UTC()
	return s.put(ctx, tc, job)
}

// Complete stores the result payload and marks the job complete. A job
// already in a terminal state (including canceled) is left untouched.
func (s *JobStore) Complete(ctx context.Context, tc types.TenantContext, job *types.JobRecord, result []byte) error {
	if s.settled(ctx, tc, job) {
		return nil
	}
	if s.objects != nil {
		if err := s.objects.PutObject(ctx, tc, jobResultKey(job.JobID), result, "application/json"); err != nil {
			return fmt.Errorf("failed to store job result: %w", err)
		}
	} else if err := s.guard.Put(ctx, tc, jobResultKey(job.JobID), result, jobTTL); err != nil {
		return fmt.Errorf("failed to store job result: %w", err)
	}
	job.Status = types.JobComplete
	job.ResultKey = jobResultKey(job.JobID)
	job.UpdatedAt = time.Now().UTC()
	return s.put(ctx, tc, job)
}

// Fail marks the job failed with the given reason.
func (s *JobStore) Fail(ctx context.Context, tc types.TenantContext, job *types.JobRecord, reason string) error {
	if s.settled(ctx, tc, job) {
		return nil
	}
	job.Status = types.JobFailed
	job.Error = reason
	job.UpdatedAt = time.Now().UTC()
	return s.put(ctx, tc, job)
}

// Cancel marks a non-terminal job canceled. Deferred work cannot be
// canceled by disconnecting (the caller already disconnected by design),
// so this explicit request is the only cancellation path. Canceling a
// terminal job is a no-op.
func (s *JobStore) Cancel(ctx context.Context, tc types.TenantContext, jobID string) (*types.JobRecord, error) {
	job, err := s.Get(ctx, tc, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}
	job.Status = types.JobCanceled
	job.UpdatedAt = time.Now().UTC()
	if err := s.put(ctx, tc, job); err != nil {
		return nil, err
	}
	return job, nil
}

// settled re-reads the stored record and reports whether the job already
// reached a terminal state, syncing the in-memory copy if so. A backend
// completion racing an explicit cancel must not resurrect the job.
func (s *JobStore) settled(ctx context.Context, tc types.TenantContext, job *types.JobRecord) bool {
	current, err := s.Get(ctx, tc, job.JobID)
	if err != nil || !current.Status.Terminal() {
		return false
	}
	*job = *current
	return true
}

// Result reads a completed job's result payload.
func (s *JobStore) Result(ctx context.Context, tc types.TenantContext, jobID string) ([]byte, error) {
	if s.objects != nil {
		return s.objects.GetObject(ctx, tc, jobResultKey(jobID))
	}
	return s.guard.Get(ctx, tc, jobResultKey(jobID))
}

func (s *JobStore) put(ctx context.Context, tc types.TenantContext, job *types.JobRecord) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job record: %w", err)
	}
	return s.guard.Put(ctx, tc, jobKey(job.JobID), payload, jobTTL)
}
