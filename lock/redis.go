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

package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"agentgate/platform/shared/types"
)

// RedisLock implements Lock using SET NX PX: one atomic conditional
// write, expiry enforced by the server.
type RedisLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLock creates a redis-backed lock with the default 5-minute TTL.
func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{client: client, ttl: DefaultTTL}
}

// NewRedisLockWithTTL creates a redis-backed lock with a custom TTL.
func NewRedisLockWithTTL(client *redis.Client, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLock{client: client, ttl: ttl}
}

func lockKey(name string) string {
	return "LOCK#" + name
}

// Acquire attempts the conditional write. types.ErrLockAlreadyHeld means
// a non-expired record exists.
func (l *RedisLock) Acquire(ctx context.Context, name, holder string) error {
	now := time.Now().UTC()
	record := Record{
		Name:       name,
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(l.ttl),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal lock record: %w", err)
	}

	// SET NX PX is the atomic conditional write; expiry invalidates the
	// record if the holder crashes without releasing.
	ok, err := l.client.SetNX(ctx, lockKey(name), payload, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return types.ErrLockAlreadyHeld
	}
	return nil
}

// Release deletes the record only if the caller still holds it. Uses a
// WATCH transaction so a lock that expired and was re-acquired by another
// holder is never deleted out from under them.
func (l *RedisLock) Release(ctx context.Context, name, holder string) error {
	key := lockKey(name)
	err := l.client.Watch(ctx, func(tx *redis.Tx) error {
		payload, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil // already expired or released
		}
		if err != nil {
			return err
		}
		var record Record
		if err := json.Unmarshal(payload, &record); err != nil {
			return fmt.Errorf("corrupt lock record for %s: %w", name, err)
		}
		if record.Holder != holder {
			return types.ErrLockAlreadyHeld
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if err != nil {
		if errors.Is(err, types.ErrLockAlreadyHeld) {
			return types.ErrLockAlreadyHeld
		}
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return nil
}

// Get returns the current record for name, or types.ErrNotFound.
func (l *RedisLock) Get(ctx context.Context, name string) (*Record, error) {
	payload, err := l.client.Get(ctx, lockKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock %s: %w", name, err)
	}
	var record Record
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("corrupt lock record for %s: %w", name, err)
	}
	return &record, nil
}
