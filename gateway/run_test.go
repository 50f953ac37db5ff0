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

package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"agentgate/platform/config"
)

func TestRequestDurationCoversHandler(t *testing.T) {
	auth, key, _, _ := testAuthenticator(t)
	cfg := &config.Config{BridgeURL: "http://bridge.internal:8081"}
	s, err := NewService(cfg, auth, nil)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	// A unique path keeps this test's histogram series to itself.
	const path = "/v1/agents/slow-agent/invoke"
	handler := s.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(60 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest("POST", path, nil)
	r.Header.Set("Authorization", "Bearer "+signedBearer(t, key, nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	m := &dto.Metric{}
	if err := promRequestDuration.WithLabelValues(path).(prometheus.Histogram).Write(m); err != nil {
		t.Fatalf("failed to read histogram: %v", err)
	}
	if got := m.GetHistogram().GetSampleCount(); got != 1 {
		t.Fatalf("sample count = %d, want 1", got)
	}
	// The sample must include the handler's time, not just the auth
	// prologue.
	if got := m.GetHistogram().GetSampleSum(); got < 50 {
		t.Errorf("recorded duration %.0fms excludes handler time", got)
	}
}
