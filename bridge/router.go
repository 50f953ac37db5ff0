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
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"agentgate/platform/audit"
	"agentgate/platform/exchange"
	"agentgate/platform/registry"
	"agentgate/platform/shared/logger"
	"agentgate/platform/shared/types"
)

var (
	promInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgate_bridge_invocations_total",
			Help: "Agent invocations by mode and status",
		},
		[]string{"mode", "status"},
	)
	promInvocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentgate_bridge_invocation_duration_milliseconds",
			Help:    "Invocation duration in milliseconds",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 15000, 30000},
		},
		[]string{"mode"},
	)
)

func init() {
	prometheus.MustRegister(promInvocations)
	prometheus.MustRegister(promInvocationDuration)
}

// Router dispatches agent invocations by the mode declared in the agent
// registry. Mode is never inferred from observed latency: a sync call
// that runs long times out, it does not become async.
type Router struct {
	agents          registry.AgentRegistry
	regions         *RegionStore
	backend         Backend
	jobs            *JobStore
	auditLog        *audit.Logger
	notifier        *WebhookNotifier
	filter          *exchange.ResponseFilter
	maxSyncDuration time.Duration
	log             *logger.Logger
}

// NewRouter wires the invocation path.
func NewRouter(agents registry.AgentRegistry, regions *RegionStore, backend Backend,
	jobs *JobStore, auditLog *audit.Logger, notifier *WebhookNotifier, maxSyncDuration time.Duration) *Router {
	if maxSyncDuration <= 0 {
		maxSyncDuration = 30 * time.Second
	}
	return &Router{
		agents:          agents,
		regions:         regions,
		backend:         backend,
		jobs:            jobs,
		auditLog:        auditLog,
		notifier:        notifier,
		filter:          exchange.NewResponseFilter(),
		maxSyncDuration: maxSyncDuration,
		log:             logger.New("router"),
	}
}

// InvokeInput is one routed invocation request.
type InvokeInput struct {
	AgentName  string          `json:"agent_name"`
	Version    string          `json:"version,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	WebhookURL string          `json:"webhook_url,omitempty"`
	RequestID  string          `json:"-"`
}

// InvokeResult is the mode-dependent outcome: Payload for sync, Job for
// async, Stream for streaming.
type InvokeResult struct {
	Mode    types.InvocationMode
	Payload []byte
	Job     *types.JobRecord
	Stream  <-chan StreamEvent
}

// Invoke resolves the agent, gates on tier, and dispatches by the
// registry's declared invocation mode.
func (r *Router) Invoke(ctx context.Context, tc types.TenantContext, in *InvokeInput) (*InvokeResult, error) {
	if in.RequestID == "" {
		in.RequestID = uuid.NewString()
	}

	agent, err := r.agents.GetAgent(ctx, in.AgentName, in.Version)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, fmt.Errorf("agent %q: %w", in.AgentName, types.ErrNotFound)
		}
		return nil, fmt.Errorf("agent lookup failed: %w", err)
	}

	// Tier gate before any backend traffic.
	if !tc.Tier.Meets(agent.TierMinimum) {
		r.auditLog.RecordTierDenied(ctx, tc, agent.AgentName, tc.Tier, agent.TierMinimum)
		return nil, &types.TierInsufficientError{Have: tc.Tier, Need: agent.TierMinimum}
	}

	region := r.regions.Current(ctx).Primary
	req := &InvokeRequest{
		Agent:     agent,
		TenantID:  tc.TenantID,
		RequestID: in.RequestID,
		Region:    region,
		Payload:   in.Payload,
	}

	switch agent.InvocationMode {
	case types.ModeSync:
		return r.invokeSync(ctx, tc, req)
	case types.ModeStreaming:
		return r.invokeStreaming(ctx, tc, req)
	case types.ModeAsync:
		return r.invokeAsync(ctx, tc, req, in.WebhookURL)
	default:
		return nil, fmt.Errorf("agent %s has invalid invocation mode %q", agent.AgentName, agent.InvocationMode)
	}
}

// invokeSync runs the call inline under the sync duration bound.
func (r *Router) invokeSync(ctx context.Context, tc types.TenantContext, req *InvokeRequest) (*InvokeResult, error) {
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, r.maxSyncDuration)
	defer cancel()

	payload, err := r.backend.Invoke(callCtx, req)
	latency := time.Since(start)
	promInvocationDuration.WithLabelValues("sync").Observe(float64(latency.Milliseconds()))

	status := types.InvocationSuccess
	if err != nil {
		status = types.InvocationError
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			status = types.InvocationTimeout
			err = fmt.Errorf("agent %s exceeded sync duration limit of %s", req.Agent.AgentName, r.maxSyncDuration)
		}
	}
	r.record(ctx, tc, req, types.ModeSync, status, latency, "")
	promInvocations.WithLabelValues("sync", string(status)).Inc()
	if err != nil {
		return nil, err
	}

	filtered, found := r.filter.ApplyBytes(payload)
	if len(found) > 0 {
		r.log.Warn(tc.TenantID, req.RequestID, "masked PII in sync response", map[string]interface{}{
			"agent": req.Agent.AgentName,
		})
	}
	return &InvokeResult{Mode: types.ModeSync, Payload: filtered}, nil
}

// invokeStreaming opens the relay. The audit record is written when the
// stream ends, carrying its full duration.
func (r *Router) invokeStreaming(ctx context.Context, tc types.TenantContext, req *InvokeRequest) (*InvokeResult, error) {
	start := time.Now()
	upstream, err := r.backend.InvokeStream(ctx, req)
	if err != nil {
		r.record(ctx, tc, req, types.ModeStreaming, types.InvocationError, time.Since(start), "")
		promInvocations.WithLabelValues("streaming", "error").Inc()
		return nil, err
	}

	// Relay preserves arrival order; the single goroutine reading
	// upstream is the ordering guarantee.
	relay := make(chan StreamEvent)
	go func() {
		defer close(relay)
		status := types.InvocationSuccess
		for event := range upstream {
			if event.Err != nil {
				status = types.InvocationError
			} else if len(event.Data) > 0 {
				event.Data, _ = r.filter.ApplyBytes(event.Data)
			}
			select {
			case relay <- event:
			case <-ctx.Done():
				status = types.InvocationError
				r.recordStreamEnd(tc, req, status, time.Since(start))
				return
			}
		}
		if ctx.Err() != nil {
			status = types.InvocationError
		}
		r.recordStreamEnd(tc, req, status, time.Since(start))
	}()

	return &InvokeResult{Mode: types.ModeStreaming, Stream: relay}, nil
}

// invokeAsync accepts the job and executes it in the background. The
// result is stored under the tenant's partition whether or not the
// caller ever polls.
func (r *Router) invokeAsync(ctx context.Context, tc types.TenantContext, req *InvokeRequest, webhookURL string) (*InvokeResult, error) {
	job, err := r.jobs.Create(ctx, tc, req.Agent.AgentName, webhookURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	go r.runJob(tc, req, job)

	promInvocations.WithLabelValues("async", "accepted").Inc()
	return &InvokeResult{Mode: types.ModeAsync, Job: job}, nil
}

func (r *Router) runJob(tc types.TenantContext, req *InvokeRequest, job *types.JobRecord) {
	// Detached from the request context: the caller's disconnect must not
	// cancel an accepted job.
	ctx := context.Background()
	start := time.Now()

	if err := r.jobs.MarkRunning(ctx, tc, job); err != nil {
		r.log.Error(tc.TenantID, job.JobID, "failed to mark job running", map[string]interface{}{
			"error": err.Error(),
		})
	}

	payload, err := r.backend.Invoke(ctx, req)
	latency := time.Since(start)
	promInvocationDuration.WithLabelValues("async").Observe(float64(latency.Milliseconds()))

	status := types.InvocationSuccess
	if err != nil {
		status = types.InvocationError
		if failErr := r.jobs.Fail(ctx, tc, job, err.Error()); failErr != nil {
			r.log.Error(tc.TenantID, job.JobID, "failed to mark job failed", map[string]interface{}{
				"error": failErr.Error(),
			})
		}
	} else {
		filtered, _ := r.filter.ApplyBytes(payload)
		if err := r.jobs.Complete(ctx, tc, job, filtered); err != nil {
			status = types.InvocationError
			r.log.Error(tc.TenantID, job.JobID, "failed to store job result", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	r.record(ctx, tc, req, types.ModeAsync, status, latency, job.JobID)
	promInvocations.WithLabelValues("async", string(status)).Inc()
	go r.notifier.Notify(ctx, job)
}

// CompleteJob finishes a deferred job from a runtime completion
// callback. Runtimes that accept work and answer later post here instead
// of holding the connection open. Terminal jobs are left untouched so a
// redelivered callback is harmless.
func (r *Router) CompleteJob(ctx context.Context, tc types.TenantContext, job *types.JobRecord, result []byte, errMsg string) error {
	if job.Status.Terminal() {
		return nil
	}

	latency := time.Since(job.CreatedAt)
	status := types.InvocationSuccess
	if errMsg != "" {
		status = types.InvocationError
		if err := r.jobs.Fail(ctx, tc, job, errMsg); err != nil {
			return err
		}
	} else {
		filtered, _ := r.filter.ApplyBytes(result)
		if err := r.jobs.Complete(ctx, tc, job, filtered); err != nil {
			return err
		}
	}

	req := &InvokeRequest{
		Agent:     &types.AgentRecord{AgentName: job.AgentName},
		TenantID:  tc.TenantID,
		RequestID: job.JobID,
		Region:    r.regions.Current(ctx).Primary,
	}
	r.record(ctx, tc, req, types.ModeAsync, status, latency, job.JobID)
	promInvocations.WithLabelValues("async", string(status)).Inc()
	go r.notifier.Notify(context.Background(), job)
	return nil
}

func (r *Router) record(ctx context.Context, tc types.TenantContext, req *InvokeRequest,
	mode types.InvocationMode, status types.InvocationStatus, latency time.Duration, jobID string) {
	r.auditLog.RecordInvocation(ctx, types.InvocationRecord{
		InvocationID:  req.RequestID,
		TenantID:      tc.TenantID,
		AppID:         tc.AppID,
		AgentName:     req.Agent.AgentName,
		AgentVersion:  req.Agent.Version,
		Mode:          mode,
		Status:        status,
		RuntimeRegion: req.Region,
		LatencyMS:     latency.Milliseconds(),
		JobID:         jobID,
		Timestamp:     time.Now().UTC(),
	})
}

func (r *Router) recordStreamEnd(tc types.TenantContext, req *InvokeRequest, status types.InvocationStatus, latency time.Duration) {
	promInvocationDuration.WithLabelValues("streaming").Observe(float64(latency.Milliseconds()))
	promInvocations.WithLabelValues("streaming", string(status)).Inc()
	r.record(context.Background(), tc, req, types.ModeStreaming, status, latency, "")
}
