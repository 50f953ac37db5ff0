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
	"regexp"

	"agentgate/platform/registry"
	"agentgate/platform/shared/types"
)

// PIIType categorises personally identifiable information found in
// outbound responses.
type PIIType string

const (
	PIITypeEmail       PIIType = "email"
	PIITypePhone       PIIType = "phone"
	PIITypeNINumber    PIIType = "ni_number"
	PIITypeNHSNumber   PIIType = "nhs_number"
	PIITypeSortCode    PIIType = "sort_code"
	PIITypeBankAccount PIIType = "bank_account"
)

// piiPattern pairs a PII type with its detection regex and the mask
// written in place of each match.
type piiPattern struct {
	Type    PIIType
	Pattern *regexp.Regexp
	Mask    string
}

// ResponseFilter masks PII in response payloads on the way back to the
// caller. Filtering applies on the response path only; requests pass
// through untouched.
type ResponseFilter struct {
	patterns []*piiPattern
}

// NewResponseFilter creates a filter with the full pattern set.
func NewResponseFilter() *ResponseFilter {
	return &ResponseFilter{
		patterns: []*piiPattern{
			{
				Type:    PIITypeEmail,
				Pattern: regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
				Mask:    "[EMAIL REDACTED]",
			},
			{
				// UK National Insurance number, e.g. QQ123456C.
				Type:    PIITypeNINumber,
				Pattern: regexp.MustCompile(`\b[A-CEGHJ-PR-TW-Z]{2}\s?\d{2}\s?\d{2}\s?\d{2}\s?[A-D]\b`),
				Mask:    "[NI NUMBER REDACTED]",
			},
			{
				// NHS number: 3-3-4 digit groups.
				Type:    PIITypeNHSNumber,
				Pattern: regexp.MustCompile(`\b\d{3}[ \-]\d{3}[ \-]\d{4}\b`),
				Mask:    "[NHS NUMBER REDACTED]",
			},
			{
				// UK sort code: three pairs of digits.
				Type:    PIITypeSortCode,
				Pattern: regexp.MustCompile(`\b\d{2}-\d{2}-\d{2}\b`),
				Mask:    "[SORT CODE REDACTED]",
			},
			{
				// 8-digit account numbers adjacent to an account keyword.
				Type:    PIITypeBankAccount,
				Pattern: regexp.MustCompile(`(?i)\b(account(?:\s+number)?\s*[:#]?\s*)\d{8}\b`),
				Mask:    "${1}[ACCOUNT REDACTED]",
			},
			{
				// UK phone numbers, international or domestic form.
				Type:    PIITypePhone,
				Pattern: regexp.MustCompile(`(?:\+44\s?7\d{3}|\(?07\d{3}\)?)\s?\d{3}\s?\d{3}\b`),
				Mask:    "[PHONE REDACTED]",
			},
		},
	}
}

// Apply masks all PII matches in the payload and reports whether any
// masking occurred, by type.
func (f *ResponseFilter) Apply(payload string) (string, map[PIIType]int) {
	found := make(map[PIIType]int)
	for _, p := range f.patterns {
		matches := p.Pattern.FindAllStringIndex(payload, -1)
		if len(matches) == 0 {
			continue
		}
		found[p.Type] += len(matches)
		payload = p.Pattern.ReplaceAllString(payload, p.Mask)
	}
	return payload, found
}

// ApplyBytes is Apply for raw response bodies.
func (f *ResponseFilter) ApplyBytes(payload []byte) ([]byte, map[PIIType]int) {
	filtered, found := f.Apply(string(payload))
	return []byte(filtered), found
}

// VisibleTools returns the tool catalog filtered to the caller's tier.
// Tools above the caller's tier are absent from the listing, not marked
// as locked.
func VisibleTools(ctx context.Context, tools registry.ToolRegistry, tier types.Tier) ([]*types.ToolRecord, error) {
	all, err := tools.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	visible := make([]*types.ToolRecord, 0, len(all))
	for _, tool := range all {
		if tier.Meets(tool.TierMinimum) {
			visible = append(visible, tool)
		}
	}
	return visible, nil
}
