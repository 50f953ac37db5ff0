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
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func TestRateLimiterLocalWindow(t *testing.T) {
	rl := NewRateLimiter(nil)
	ctx := context.Background()

	// plan-basic allows 60/minute.
	for i := 0; i < 60; i++ {
		if err := rl.Allow(ctx, "acme", "plan-basic"); err != nil {
			t.Fatalf("request %d unexpectedly limited: %v", i, err)
		}
	}
	if err := rl.Allow(ctx, "acme", "plan-basic"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	// Another tenant on the same plan has its own budget.
	if err := rl.Allow(ctx, "globex", "plan-basic"); err != nil {
		t.Errorf("separate tenant was limited: %v", err)
	}

	// The window slides.
	rl.nowFunc = func() time.Time { return time.Now().Add(61 * time.Second) }
	if err := rl.Allow(ctx, "acme", "plan-basic"); err != nil {
		t.Errorf("request after window should pass: %v", err)
	}
}

func TestRateLimiterRedisWindow(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	rl := NewRateLimiter(client)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		if err := rl.Allow(ctx, "acme", "plan-basic"); err != nil {
			t.Fatalf("request %d unexpectedly limited: %v", i, err)
		}
	}
	if err := rl.Allow(ctx, "acme", "plan-basic"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestRateLimiterUnknownPlanGetsDefault(t *testing.T) {
	rl := NewRateLimiter(nil)
	ctx := context.Background()

	for i := 0; i < defaultLimitPerMinute; i++ {
		if err := rl.Allow(ctx, "acme", "plan-unlisted"); err != nil {
			t.Fatalf("request %d unexpectedly limited: %v", i, err)
		}
	}
	if err := rl.Allow(ctx, "acme", "plan-unlisted"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestRateLimiterFailsOpenOnRedisError(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()
	mr.Close() // backend gone before first check

	rl := NewRateLimiter(client)
	if err := rl.Allow(context.Background(), "acme", "plan-basic"); err != nil {
		t.Errorf("limiter must fail open when redis is down, got %v", err)
	}
}
