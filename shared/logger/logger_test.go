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

package logger

import (
	"bytes"
	"encoding/json"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureEntry runs fn with log output captured and returns the decoded
// JSON entry.
func captureEntry(t *testing.T, fn func(l *Logger)) LogEntry {
	t.Helper()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	fn(New("test-component"))

	output := buf.String()
	jsonStart := strings.Index(output, "{")
	require.NotEqual(t, -1, jsonStart, "no JSON in log output: %s", output)

	var entry LogEntry
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(output[jsonStart:])), &entry))
	return entry
}

func TestNew(t *testing.T) {
	t.Setenv("INSTANCE_ID", "instance-123")
	l := New("gateway")
	assert.Equal(t, "gateway", l.Component)
	assert.Equal(t, "instance-123", l.InstanceID)
	assert.NotEmpty(t, l.Container, "container should fall back to hostname")
}

func TestLogLevels(t *testing.T) {
	tests := []struct {
		name    string
		logFunc func(*Logger, string, string, string, map[string]interface{})
		level   LogLevel
	}{
		{"info", (*Logger).Info, INFO},
		{"error", (*Logger).Error, ERROR},
		{"warn", (*Logger).Warn, WARN},
		{"debug", (*Logger).Debug, DEBUG},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := captureEntry(t, func(l *Logger) {
				tt.logFunc(l, "acme", "req-1", "hello", map[string]interface{}{"k": "v"})
			})
			assert.Equal(t, tt.level, entry.Level)
			assert.Equal(t, "hello", entry.Message)
			assert.Equal(t, "acme", entry.TenantID)
			assert.Equal(t, "req-1", entry.RequestID)
			assert.Equal(t, "test-component", entry.Component)
			assert.Equal(t, "v", entry.Fields["k"])

			_, err := time.Parse(time.RFC3339Nano, entry.Timestamp)
			assert.NoError(t, err, "timestamp must be RFC3339Nano")
		})
	}
}

func TestInfoWithDuration(t *testing.T) {
	entry := captureEntry(t, func(l *Logger) {
		l.InfoWithDuration("acme", "req-1", "request completed", 123.45, map[string]interface{}{
			"endpoint": "/v1/agents/summarizer/invoke",
		})
	})
	assert.Equal(t, INFO, entry.Level)
	assert.Equal(t, 123.45, entry.Fields["duration_ms"])
	assert.Equal(t, "/v1/agents/summarizer/invoke", entry.Fields["endpoint"])
}

func TestErrorWithCode(t *testing.T) {
	entry := captureEntry(t, func(l *Logger) {
		l.ErrorWithCode("acme", "req-1", "upstream failed", 502, assert.AnError, nil)
	})
	assert.Equal(t, ERROR, entry.Level)
	assert.Equal(t, float64(502), entry.Fields["status_code"])
	assert.Equal(t, assert.AnError.Error(), entry.Fields["error"])
}

func TestSecurityEventMarker(t *testing.T) {
	entry := captureEntry(t, func(l *Logger) {
		l.SecurityEvent("acme", "req-1", "tenant_access_violation", map[string]interface{}{
			"key": "TENANT#globex#orders/1",
		})
	})
	assert.Equal(t, ERROR, entry.Level)
	assert.Equal(t, "tenant_access_violation", entry.Fields["security_event"])
	assert.Contains(t, entry.Message, "tenant_access_violation")
	assert.Equal(t, "TENANT#globex#orders/1", entry.Fields["key"])
}

func TestUnmarshalableFieldDoesNotPanic(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	New("test-component").Info("acme", "req-1", "oops", map[string]interface{}{
		"channel": make(chan int),
	})
	assert.Contains(t, buf.String(), "Failed to marshal log entry")
}

func BenchmarkLog(b *testing.B) {
	l := New("benchmark-component")
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	fields := map[string]interface{}{"agent": "summarizer", "duration": 45.67}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Info("acme", "req-1", "processing request", fields)
	}
}
