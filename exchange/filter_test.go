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

package exchange

import (
	"context"
	"strings"
	"testing"

	"agentgate/platform/registry"
	"agentgate/platform/shared/types"
)

func TestResponseFilterMasksPII(t *testing.T) {
	filter := NewResponseFilter()

	tests := []struct {
		name       string
		input      string
		wantMasked string
		wantType   PIIType
	}{
		{
			name:       "email address",
			input:      "contact jane.doe@example.co.uk for details",
			wantMasked: "[EMAIL REDACTED]",
			wantType:   PIITypeEmail,
		},
		{
			name:       "national insurance number",
			input:      "NI: QQ123456C on file",
			wantMasked: "[NI NUMBER REDACTED]",
			wantType:   PIITypeNINumber,
		},
		{
			name:       "nhs number",
			input:      "patient 943 476 5919 admitted",
			wantMasked: "[NHS NUMBER REDACTED]",
			wantType:   PIITypeNHSNumber,
		},
		{
			name:       "sort code",
			input:      "send to 20-00-00 please",
			wantMasked: "[SORT CODE REDACTED]",
			wantType:   PIITypeSortCode,
		},
		{
			name:       "account number with keyword",
			input:      "account number: 12345678",
			wantMasked: "[ACCOUNT REDACTED]",
			wantType:   PIITypeBankAccount,
		},
		{
			name:       "uk mobile number",
			input:      "call +44 7911 123 456 now",
			wantMasked: "[PHONE REDACTED]",
			wantType:   PIITypePhone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, found := filter.Apply(tt.input)
			if !strings.Contains(out, tt.wantMasked) {
				t.Errorf("output %q missing mask %q", out, tt.wantMasked)
			}
			if found[tt.wantType] == 0 {
				t.Errorf("type %s not reported in %v", tt.wantType, found)
			}
		})
	}
}

func TestResponseFilterLeavesCleanTextAlone(t *testing.T) {
	filter := NewResponseFilter()

	input := `{"result": "the quarterly revenue grew 12 percent"}`
	out, found := filter.Apply(input)
	if out != input {
		t.Errorf("clean text was modified: %q", out)
	}
	if len(found) != 0 {
		t.Errorf("unexpected detections: %v", found)
	}
}

func TestResponseFilterMasksAllOccurrences(t *testing.T) {
	filter := NewResponseFilter()

	out, found := filter.Apply("a@x.com wrote to b@y.org")
	if strings.Contains(out, "@") {
		t.Errorf("unmasked address remains: %q", out)
	}
	if found[PIITypeEmail] != 2 {
		t.Errorf("expected 2 email detections, got %d", found[PIITypeEmail])
	}
}

func TestVisibleToolsFiltersByTier(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	reg.PutTool(&types.ToolRecord{ToolID: "web-search", TierMinimum: types.TierBasic})
	reg.PutTool(&types.ToolRecord{ToolID: "code-exec", TierMinimum: types.TierPremium})
	reg.PutTool(&types.ToolRecord{ToolID: "bulk-export", TierMinimum: types.TierEnterprise})

	tests := []struct {
		tier types.Tier
		want int
	}{
		{types.TierBasic, 1},
		{types.TierStandard, 1},
		{types.TierPremium, 2},
		{types.TierEnterprise, 3},
	}

	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			tools, err := VisibleTools(context.Background(), reg, tt.tier)
			if err != nil {
				t.Fatalf("VisibleTools failed: %v", err)
			}
			if len(tools) != tt.want {
				t.Errorf("tier %s sees %d tools, want %d", tt.tier, len(tools), tt.want)
			}
			// Locked tools are absent, never marked.
			for _, tool := range tools {
				if !tt.tier.Meets(tool.TierMinimum) {
					t.Errorf("tool %s above tier %s leaked into catalog", tool.ToolID, tt.tier)
				}
			}
		})
	}
}
