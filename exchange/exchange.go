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

// Package exchange implements the act-on-behalf token exchange at the
// tool-invocation boundary. The caller's original credential never
// reaches tool-executing code: each tool call gets a freshly minted
// token scoped to exactly one tool, with a fixed short TTL and no
// refresh path. The tier gate runs here, before any tool code executes,
// so a disallowed call incurs no side effect or cost.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"agentgate/platform/registry"
	"agentgate/platform/shared/logger"
	"agentgate/platform/shared/types"
)

// TokenTTL is the fixed lifetime of a scoped tool token. Tokens cannot
// be refreshed; a new one is minted per call.
const TokenTTL = 5 * time.Minute

// idempotencyWindow bounds how long a logical request id pins its first
// outcome. Matches the token TTL so a replayed mint never outlives the
// token it deduplicates.
const idempotencyWindow = 5 * time.Minute

// ToolTokenClaims are the claims carried by a scoped tool token. Subject
// is the original caller's identifier, carried for audit only — it
// conveys no authority beyond the single named tool.
type ToolTokenClaims struct {
	Tool string     `json:"tool"`
	Tier types.Tier `json:"tier"`
	jwt.RegisteredClaims
}

// Outcome is the result of an exchange, cached per logical request id so
// retry-induced duplicate calls return the same answer instead of
// minting a second live token.
type Outcome struct {
	Token     string    `json:"token,omitempty"`
	TokenID   string    `json:"token_id,omitempty"`
	Denied    bool      `json:"denied"`
	DeniedFor string    `json:"denied_for,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// AuditSink is the subset of the audit logger the exchange needs.
type AuditSink interface {
	RecordTierDenied(ctx context.Context, tc types.TenantContext, target string, have, need types.Tier)
}

// Exchange mints scoped tool tokens.
type Exchange struct {
	signingKey []byte
	tools      registry.ToolRegistry
	redis      *redis.Client // nil disables replay protection (tests)
	audit      AuditSink
	log        *logger.Logger
	now        func() time.Time
}

// New creates a token exchange. The signing key is distinct from the
// tenant-context signing key so neither token verifies as the other.
func New(signingKey []byte, tools registry.ToolRegistry, redisClient *redis.Client, sink AuditSink) *Exchange {
	return &Exchange{
		signingKey: signingKey,
		tools:      tools,
		redis:      redisClient,
		audit:      sink,
		log:        logger.New("token-exchange"),
		now:        time.Now,
	}
}

// Mint issues a scoped tool token for the requested tool, or rejects
// with TierInsufficientError before any tool code runs. requestID is the
// caller's logical request identifier for replay protection; a repeated
// exchange with the same id inside the window returns the first outcome.
func (e *Exchange) Mint(ctx context.Context, tc types.TenantContext, toolID, requestID string) (*Outcome, error) {
	if tc.TenantID == "" {
		return nil, types.NewAuthenticationRejected("mint without tenant context")
	}

	// Replay check before any work.
	if cached, ok := e.cachedOutcome(ctx, tc.TenantID, requestID); ok {
		return cached, nil
	}

	tool, err := e.tools.GetTool(ctx, toolID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, fmt.Errorf("unknown tool %q: %w", toolID, types.ErrNotFound)
		}
		return nil, fmt.Errorf("tool lookup failed: %w", err)
	}

	// Tier gate: the tool is never invoked on a disallowed call.
	if !tc.Tier.Meets(tool.TierMinimum) {
		outcome := &Outcome{Denied: true, DeniedFor: toolID}
		e.storeOutcome(ctx, tc.TenantID, requestID, outcome)
		if e.audit != nil {
			e.audit.RecordTierDenied(ctx, tc, toolID, tc.Tier, tool.TierMinimum)
		}
		e.log.Warn(tc.TenantID, requestID, "tool exchange denied: tier insufficient", map[string]interface{}{
			"tool":          toolID,
			"caller_tier":   string(tc.Tier),
			"required_tier": string(tool.TierMinimum),
		})
		return outcome, &types.TierInsufficientError{Have: tc.Tier, Need: tool.TierMinimum}
	}

	now := e.now().UTC()
	tokenID := uuid.NewString()
	claims := ToolTokenClaims{
		Tool: toolID,
		Tier: tc.Tier,
		RegisteredClaims: jwt.RegisteredClaims{
			// Subject carries the original caller for audit only; the
			// caller's own credential is never embedded in any form.
			Subject:   tc.Subject,
			ID:        tokenID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(e.signingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign tool token: %w", err)
	}

	outcome := &Outcome{
		Token:     signed,
		TokenID:   tokenID,
		ExpiresAt: now.Add(TokenTTL),
	}
	e.storeOutcome(ctx, tc.TenantID, requestID, outcome)
	return outcome, nil
}

// Verify checks a scoped tool token at a tool handler. The token must be
// valid, unexpired, and minted for exactly the named tool — scope is not
// transferable between tools.
func (e *Exchange) Verify(tokenString, toolID string) (*ToolTokenClaims, error) {
	claims := &ToolTokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return e.signingKey, nil
	}, jwt.WithTimeFunc(e.now))
	if err != nil || !token.Valid {
		return nil, types.NewAuthenticationRejected("invalid tool token: %v", err)
	}
	if claims.Tool != toolID {
		return nil, types.NewAuthenticationRejected("tool token scoped to %q presented to %q", claims.Tool, toolID)
	}
	return claims, nil
}

func idempotencyKey(tenantID, requestID string) string {
	return "exchange:idem:" + tenantID + ":" + requestID
}

func (e *Exchange) cachedOutcome(ctx context.Context, tenantID, requestID string) (*Outcome, bool) {
	if e.redis == nil || requestID == "" {
		return nil, false
	}
	payload, err := e.redis.Get(ctx, idempotencyKey(tenantID, requestID)).Bytes()
	if err != nil {
		return nil, false
	}
	var outcome Outcome
	if err := json.Unmarshal(payload, &outcome); err != nil {
		return nil, false
	}
	return &outcome, true
}

func (e *Exchange) storeOutcome(ctx context.Context, tenantID, requestID string, outcome *Outcome) {
	if e.redis == nil || requestID == "" {
		return
	}
	payload, err := json.Marshal(outcome)
	if err != nil {
		return
	}
	// SetNX keeps the first outcome authoritative under racing retries.
	if err := e.redis.SetNX(ctx, idempotencyKey(tenantID, requestID), payload, idempotencyWindow).Err(); err != nil {
		e.log.Warn(tenantID, requestID, "failed to store exchange outcome", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
