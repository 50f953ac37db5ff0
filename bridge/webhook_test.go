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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"agentgate/platform/shared/types"
)

func fastNotifier(signingKey []byte) *WebhookNotifier {
	n := NewWebhookNotifier(signingKey)
	n.backoffs = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	return n
}

func webhookJob(url string) *types.JobRecord {
	return &types.JobRecord{
		JobID:      "job-1",
		TenantID:   "acme",
		AgentName:  "report-builder",
		Status:     types.JobComplete,
		WebhookURL: url,
	}
}

func TestNotifyDeliveryCount(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	fastNotifier(nil).Notify(context.Background(), webhookJob(srv.URL))

	// Initial delivery plus one retry per backoff.
	if got := atomic.LoadInt64(&hits); got != 4 {
		t.Errorf("deliveries = %d, want 4", got)
	}
}

func TestNotifyStopsOnSuccess(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fastNotifier(nil).Notify(context.Background(), webhookJob(srv.URL))

	if got := atomic.LoadInt64(&hits); got != 3 {
		t.Errorf("deliveries = %d, want 3 (stop at first 2xx)", got)
	}
}

func TestNotifySignsPayload(t *testing.T) {
	key := []byte("hook-secret")
	var gotSig atomic.Value
	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(body)
		gotSig.Store(r.Header.Get("X-Webhook-Signature"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fastNotifier(key).Notify(context.Background(), webhookJob(srv.URL))

	sig, _ := gotSig.Load().(string)
	body, _ := gotBody.Load().([]byte)
	if sig == "" || body == nil {
		t.Fatal("webhook never delivered")
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	if want := hex.EncodeToString(mac.Sum(nil)); sig != want {
		t.Errorf("signature = %s, want %s", sig, want)
	}
}
