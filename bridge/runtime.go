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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"agentgate/platform/config"
	"agentgate/platform/shared/logger"
	"agentgate/platform/shared/types"
)

// InvokeRequest carries one agent invocation to the execution backend.
type InvokeRequest struct {
	Agent     *types.AgentRecord
	TenantID  string
	RequestID string
	Region    string
	Payload   json.RawMessage
}

// StreamEvent is one ordered chunk of a streaming invocation. Err is set
// on the final event when the stream ends abnormally.
type StreamEvent struct {
	Data []byte
	Err  error
}

// Backend executes agent invocations in the currently active region.
// Implementations wrap reachability failures in RegionUnavailableError
// so the router can distinguish "backend down" from "agent failed".
type Backend interface {
	Invoke(ctx context.Context, req *InvokeRequest) ([]byte, error)
	InvokeStream(ctx context.Context, req *InvokeRequest) (<-chan StreamEvent, error)
}

// HTTPBackend talks to an agent runtime over HTTP. The request's region
// selects the runtime endpoint through the configured region map, so a
// region pointer change redirects the very next dispatch. Transient
// failures are retried per the configured policy with fixed backoff;
// exhausted retries surface as RegionUnavailableError.
type HTTPBackend struct {
	baseURL    string
	regionURLs map[string]string
	httpClient *http.Client
	retry      config.RetryPolicy
	log        *logger.Logger
}

// NewHTTPBackend creates a runtime client. regionURLs maps region names
// to runtime base URLs; regions without an entry fall back to baseURL.
// timeout bounds a single attempt, not the whole retry sequence.
func NewHTTPBackend(baseURL string, regionURLs map[string]string, retry config.RetryPolicy, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	trimmed := make(map[string]string, len(regionURLs))
	for region, target := range regionURLs {
		trimmed[region] = strings.TrimSuffix(target, "/")
	}
	return &HTTPBackend{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		regionURLs: trimmed,
		httpClient: &http.Client{Timeout: timeout},
		retry:      retry,
		log:        logger.New("runtime-http"),
	}
}

// baseFor resolves the runtime base URL for the request's region.
func (b *HTTPBackend) baseFor(region string) string {
	if target, ok := b.regionURLs[region]; ok {
		return target
	}
	return b.baseURL
}

func (b *HTTPBackend) invokeURL(req *InvokeRequest) string {
	return fmt.Sprintf("%s/agents/%s/versions/%s/invoke", b.baseFor(req.Region), req.Agent.AgentName, req.Agent.Version)
}

// Invoke runs a blocking invocation with bounded local retries.
func (b *HTTPBackend) Invoke(ctx context.Context, req *InvokeRequest) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= b.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(b.retry.Backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		body, status, err := b.post(ctx, req)
		if err != nil {
			// Timeouts and connection failures are transient only if the
			// policy says so.
			if b.retry.RetryOnTimeout && attempt < b.retry.MaxAttempts && !errors.Is(err, context.Canceled) {
				lastErr = err
				b.log.Warn(req.TenantID, req.RequestID, "runtime attempt failed, retrying", map[string]interface{}{
					"attempt": attempt,
					"error":   err.Error(),
				})
				continue
			}
			return nil, &types.RegionUnavailableError{Region: req.Region, Cause: err}
		}
		if status == http.StatusOK {
			return body, nil
		}
		if b.retry.Retryable(status) && attempt < b.retry.MaxAttempts {
			lastErr = fmt.Errorf("runtime returned %d", status)
			continue
		}
		if b.retry.Retryable(status) {
			// Transient status with retries exhausted: region is down as
			// far as this router is concerned.
			return nil, &types.RegionUnavailableError{Region: req.Region, Cause: fmt.Errorf("runtime returned %d", status)}
		}
		return nil, fmt.Errorf("agent %s invocation failed: runtime returned %d: %s",
			req.Agent.AgentName, status, strings.TrimSpace(string(body)))
	}
	return nil, &types.RegionUnavailableError{Region: req.Region, Cause: lastErr}
}

// InvokeStream opens a streaming invocation and relays server-sent
// events in arrival order. No retries: a stream that dies mid-flight
// cannot be transparently resumed.
func (b *HTTPBackend) InvokeStream(ctx context.Context, req *InvokeRequest) (<-chan StreamEvent, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.invokeURL(req), bytes.NewReader(req.Payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Tenant-Id", req.TenantID)
	httpReq.Header.Set("X-Request-Id", req.RequestID)

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, &types.RegionUnavailableError{Region: req.Region, Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if b.retry.Retryable(resp.StatusCode) {
			return nil, &types.RegionUnavailableError{Region: req.Region, Cause: fmt.Errorf("runtime returned %d", resp.StatusCode)}
		}
		return nil, fmt.Errorf("agent %s stream failed: runtime returned %d: %s",
			req.Agent.AgentName, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			data, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				continue
			}
			select {
			case events <- StreamEvent{Data: []byte(data)}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
			events <- StreamEvent{Err: err}
		}
	}()
	return events, nil
}

func (b *HTTPBackend) post(ctx context.Context, req *InvokeRequest) ([]byte, int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.invokeURL(req), bytes.NewReader(req.Payload))
	if err != nil {
		return nil, 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-Id", req.TenantID)
	httpReq.Header.Set("X-Request-Id", req.RequestID)

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}
