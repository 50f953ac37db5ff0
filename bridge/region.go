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
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"agentgate/platform/shared/logger"
	"agentgate/platform/shared/types"
	"agentgate/platform/storage"
)

// RegionStore reads and writes the runtime region pointer: a single
// versioned record naming the region all routers send traffic to. Reads
// are cached with a bounded staleness window so every router converges
// on a pointer change within one refresh interval.
type RegionStore struct {
	store         storage.KVStore
	configKey     string
	refreshEvery  time.Duration
	defaultRegion string
	log           *logger.Logger

	mu        sync.RWMutex
	cached    *types.RegionPointer
	fetchedAt time.Time
	now       func() time.Time
}

// NewRegionStore creates a region pointer accessor over the shared
// config store.
func NewRegionStore(store storage.KVStore, configKey, defaultRegion string, refreshEvery time.Duration) *RegionStore {
	if refreshEvery <= 0 {
		refreshEvery = 60 * time.Second
	}
	return &RegionStore{
		store:         store,
		configKey:     configKey,
		refreshEvery:  refreshEvery,
		defaultRegion: defaultRegion,
		log:           logger.New("region-store"),
		now:           time.Now,
	}
}

// Current returns the active region pointer, from cache when inside the
// refresh window. A fetch failure serves the last cached pointer; with
// no cache at all the configured default region applies.
func (r *RegionStore) Current(ctx context.Context) *types.RegionPointer {
	r.mu.RLock()
	cached := r.cached
	age := r.now().Sub(r.fetchedAt)
	r.mu.RUnlock()

	if cached != nil && age < r.refreshEvery {
		return cached
	}

	pointer, err := r.fetch(ctx)
	if err != nil {
		if cached != nil {
			r.log.Warn("-", "-", "region pointer fetch failed, serving cached", map[string]interface{}{
				"error":  err.Error(),
				"region": cached.Primary,
			})
			return cached
		}
		return &types.RegionPointer{Primary: r.defaultRegion}
	}

	r.mu.Lock()
	r.cached = pointer
	r.fetchedAt = r.now()
	r.mu.Unlock()
	return pointer
}

// Get reads the pointer directly, bypassing the cache. Used by the
// failover path, which must compare-and-swap against the stored version.
func (r *RegionStore) Get(ctx context.Context) (*types.RegionPointer, error) {
	return r.fetch(ctx)
}

// Put writes a new pointer and invalidates the local cache. Other
// routers pick the change up within one refresh interval.
func (r *RegionStore) Put(ctx context.Context, pointer *types.RegionPointer) error {
	payload, err := json.Marshal(pointer)
	if err != nil {
		return fmt.Errorf("failed to marshal region pointer: %w", err)
	}
	if err := r.store.Put(ctx, r.configKey, payload, 0); err != nil {
		return fmt.Errorf("failed to write region pointer: %w", err)
	}
	r.mu.Lock()
	r.cached = pointer
	r.fetchedAt = r.now()
	r.mu.Unlock()
	return nil
}

func (r *RegionStore) fetch(ctx context.Context) (*types.RegionPointer, error) {
	payload, err := r.store.Get(ctx, r.configKey)
	if errors.Is(err, types.ErrNotFound) {
		return &types.RegionPointer{Primary: r.defaultRegion}, nil
	}
	if err != nil {
		return nil, err
	}
	var pointer types.RegionPointer
	if err := json.Unmarshal(payload, &pointer); err != nil {
		return nil, fmt.Errorf("corrupt region pointer: %w", err)
	}
	if pointer.Primary == "" {
		pointer.Primary = r.defaultRegion
	}
	return &pointer, nil
}
