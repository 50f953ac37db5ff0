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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"agentgate/platform/shared/logger"
)

// ErrRateLimited is returned when a usage plan's per-minute budget is
// exhausted.
var ErrRateLimited = fmt.Errorf("rate limit exceeded")

// planLimits maps usage plan ids to requests per minute. Plans not
// listed fall back to the default.
var planLimits = map[string]int{
	"plan-basic":      60,
	"plan-standard":   300,
	"plan-premium":    1200,
	"plan-enterprise": 6000,
}

const defaultLimitPerMinute = 60

// RateLimiter enforces per-usage-plan request budgets with a redis
// sliding window. Without redis it degrades to a per-process in-memory
// window, which is correct for a single instance and merely generous
// for a fleet.
type RateLimiter struct {
	client *redis.Client
	log    *logger.Logger

	mu      sync.Mutex
	local   map[string][]time.Time
	nowFunc func() time.Time
}

// NewRateLimiter creates a limiter. client may be nil.
func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{
		client:  client,
		log:     logger.New("rate-limiter"),
		local:   make(map[string][]time.Time),
		nowFunc: time.Now,
	}
}

// Allow checks and consumes one request against the tenant's usage plan.
// Returns ErrRateLimited when over budget. Redis failures fail open:
// throttling is a protection layer, not an authorization gate.
func (rl *RateLimiter) Allow(ctx context.Context, tenantID, usagePlanID string) error {
	limit, ok := planLimits[usagePlanID]
	if !ok {
		limit = defaultLimitPerMinute
	}
	key := fmt.Sprintf("ratelimit:%s:%s", usagePlanID, tenantID)

	if rl.client == nil {
		return rl.allowLocal(key, limit)
	}

	now := rl.nowFunc()
	pipe := rl.client.Pipeline()
	minScore := now.Add(-time.Minute).UnixNano()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", minScore))
	pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, key, 2*time.Minute)

	cmds, err := pipe.Exec(ctx)
	if err != nil {
		rl.log.Warn(tenantID, "-", "rate limit check failed, failing open", map[string]interface{}{
			"error": err.Error(),
		})
		return nil
	}

	count := cmds[1].(*redis.IntCmd).Val()
	if count >= int64(limit) {
		return fmt.Errorf("%w: %d requests/minute (plan %s allows %d)", ErrRateLimited, count, usagePlanID, limit)
	}
	return nil
}

func (rl *RateLimiter) allowLocal(key string, limit int) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFunc()
	cutoff := now.Add(-time.Minute)
	window := rl.local[key]
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		rl.local[key] = kept
		return fmt.Errorf("%w: %d requests/minute", ErrRateLimited, len(kept))
	}
	rl.local[key] = append(kept, now)
	return nil
}
