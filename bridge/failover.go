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
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"agentgate/platform/lock"
	"agentgate/platform/shared/logger"
	"agentgate/platform/shared/types"
)

var promFailovers = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agentgate_bridge_failovers_total",
		Help: "Region failover attempts by outcome",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(promFailovers)
}

// FailoverController executes operator-triggered region transitions.
// Failover is never automatic: backend failures surface as errors and an
// operator decides. The transition itself is serialized by a distributed
// lock so two operators reacting to the same incident cannot interleave.
type FailoverController struct {
	locks   lock.Lock
	regions *RegionStore
	log     *logger.Logger
}

// NewFailoverController wires the lock and the region pointer store.
func NewFailoverController(locks lock.Lock, regions *RegionStore) *FailoverController {
	return &FailoverController{
		locks:   locks,
		regions: regions,
		log:     logger.New("failover"),
	}
}

// Failover switches the region pointer to targetRegion on behalf of
// operator. Returns types.ErrLockAlreadyHeld when another transition is
// in progress; callers surface that as "in progress", not an error to
// retry.
func (f *FailoverController) Failover(ctx context.Context, operator, targetRegion string) (*types.RegionPointer, error) {
	if targetRegion == "" {
		return nil, fmt.Errorf("target region is required")
	}

	if err := f.locks.Acquire(ctx, lock.FailoverLockName, operator); err != nil {
		if errors.Is(err, types.ErrLockAlreadyHeld) {
			promFailovers.WithLabelValues("lock_held").Inc()
			f.log.Warn("-", "-", "failover already in progress", map[string]interface{}{
				"operator": operator,
				"target":   targetRegion,
			})
			return nil, types.ErrLockAlreadyHeld
		}
		promFailovers.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to acquire failover lock: %w", err)
	}
	defer func() {
		if err := f.locks.Release(ctx, lock.FailoverLockName, operator); err != nil {
			f.log.Error("-", "-", "failed to release failover lock", map[string]interface{}{
				"operator": operator,
				"error":    err.Error(),
			})
		}
	}()

	current, err := f.regions.Get(ctx)
	if err != nil {
		promFailovers.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to read region pointer: %w", err)
	}
	if current.Primary == targetRegion {
		promFailovers.WithLabelValues("noop").Inc()
		return current, nil
	}

	next := &types.RegionPointer{
		Primary:   targetRegion,
		Fallback:  current.Primary,
		Version:   current.Version + 1,
		UpdatedAt: time.Now().UTC(),
		UpdatedBy: operator,
	}
	if err := f.regions.Put(ctx, next); err != nil {
		promFailovers.WithLabelValues("error").Inc()
		return nil, err
	}

	promFailovers.WithLabelValues("switched").Inc()
	f.log.Info("-", "-", "region pointer switched", map[string]interface{}{
		"from":     current.Primary,
		"to":       targetRegion,
		"version":  next.Version,
		"operator": operator,
	})
	return next, nil
}
