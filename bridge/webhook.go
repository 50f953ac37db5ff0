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
	"time"

	"agentgate/platform/shared/logger"
	"agentgate/platform/shared/types"
)

// webhookBackoffs are the delays before each retry: an initial delivery
// plus one retry per backoff, four deliveries in all. An undeliverable
// webhook is logged and dropped — the job record itself remains
// pollable.
var webhookBackoffs = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// WebhookNotifier delivers job-completion callbacks. Payloads are signed
// with the tenant's webhook secret so receivers can verify origin.
type WebhookNotifier struct {
	httpClient *http.Client
	signingKey []byte
	backoffs   []time.Duration
	log        *logger.Logger
}

// NewWebhookNotifier creates a notifier. signingKey may be empty, which
// sends unsigned callbacks.
func NewWebhookNotifier(signingKey []byte) *WebhookNotifier {
	return &WebhookNotifier{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		signingKey: signingKey,
		backoffs:   webhookBackoffs,
		log:        logger.New("webhook"),
	}
}

// webhookPayload is the body POSTed to the tenant's callback URL.
type webhookPayload struct {
	JobID     string          `json:"job_id"`
	AgentName string          `json:"agent_name"`
	Status    types.JobStatus `json:"status"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Notify delivers the completion callback with bounded retries. Runs in
// its own goroutine from the router; errors never propagate to the
// invocation path.
func (n *WebhookNotifier) Notify(ctx context.Context, job *types.JobRecord) {
	if job.WebhookURL == "" {
		return
	}

	body, err := json.Marshal(webhookPayload{
		JobID:     job.JobID,
		AgentName: job.AgentName,
		Status:    job.Status,
		Error:     job.Error,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return
	}

	for attempt := 0; attempt <= len(n.backoffs); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(n.backoffs[attempt-1]):
			case <-ctx.Done():
				return
			}
		}
		if n.deliver(ctx, job, body) {
			return
		}
	}
	n.log.Error(job.TenantID, job.JobID, "webhook delivery failed after all retries", map[string]interface{}{
		"url": job.WebhookURL,
	})
}

func (n *WebhookNotifier) deliver(ctx context.Context, job *types.JobRecord, body []byte) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	if len(n.signingKey) > 0 {
		mac := hmac.New(sha256.New, n.signingKey)
		mac.Write(body)
		req.Header.Set("X-Webhook-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.log.Warn(job.TenantID, job.JobID, "webhook attempt failed", map[string]interface{}{
			"error": err.Error(),
		})
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
