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

package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"agentgate/platform/shared/types"
)

// PostgresRegistry implements the tenant, agent, and tool registries over
// the platform database. All queries are read-only and bounded by a short
// timeout so registry slowness never blocks request handling unbounded.
type PostgresRegistry struct {
	db      *sql.DB
	timeout time.Duration
}

// NewPostgresRegistry opens the registry database.
func NewPostgresRegistry(databaseURL string) (*PostgresRegistry, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &PostgresRegistry{db: db, timeout: 2 * time.Second}, nil
}

// NewPostgresRegistryFromDB wraps an existing connection (used in tests).
func NewPostgresRegistryFromDB(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db, timeout: 2 * time.Second}
}

// Close closes the underlying database connection.
func (r *PostgresRegistry) Close() error {
	return r.db.Close()
}

// GetTenant returns the tenant record, or types.ErrNotFound.
func (r *PostgresRegistry) GetTenant(ctx context.Context, tenantID string) (*types.Tenant, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	const query = `
		SELECT tenant_id, status, tier, execution_role_ref, monthly_budget_usd, owning_account_ref
		FROM tenants
		WHERE tenant_id = $1`

	var t types.Tenant
	err := r.db.QueryRowContext(ctx, query, tenantID).Scan(
		&t.TenantID,
		&t.Status,
		&t.Tier,
		&t.ExecutionRoleRef,
		&t.MonthlyBudgetUSD,
		&t.OwningAccountRef,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query tenant %s: %w", tenantID, err)
	}
	return &t, nil
}

// GetAgent returns the named agent. Empty version means latest deployed.
func (r *PostgresRegistry) GetAgent(ctx context.Context, agentName, version string) (*types.AgentRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT agent_name, version, owner_team, tier_minimum, invocation_mode,
		       streaming_enabled, runtime_ref, deployed_at
		FROM agents
		WHERE agent_name = $1`
	args := []interface{}{agentName}
	if version == "" {
		query += ` ORDER BY deployed_at DESC LIMIT 1`
	} else {
		query += ` AND version = $2`
		args = append(args, version)
	}

	var a types.AgentRecord
	var runtimeRef sql.NullString
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&a.AgentName,
		&a.Version,
		&a.OwnerTeam,
		&a.TierMinimum,
		&a.InvocationMode,
		&a.StreamingEnabled,
		&runtimeRef,
		&a.DeployedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query agent %s: %w", agentName, err)
	}
	a.RuntimeRef = runtimeRef.String

	if !a.InvocationMode.IsValid() {
		return nil, fmt.Errorf("agent %s has invalid invocation_mode %q", agentName, a.InvocationMode)
	}
	return &a, nil
}

// GetTool returns the tool record, or types.ErrNotFound.
func (r *PostgresRegistry) GetTool(ctx context.Context, toolID string) (*types.ToolRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	const query = `
		SELECT tool_id, description, tier_minimum
		FROM tools
		WHERE tool_id = $1`

	var t types.ToolRecord
	err := r.db.QueryRowContext(ctx, query, toolID).Scan(&t.ToolID, &t.Description, &t.TierMinimum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query tool %s: %w", toolID, err)
	}
	return &t, nil
}

// ListTools returns all registered tools.
func (r *PostgresRegistry) ListTools(ctx context.Context) ([]*types.ToolRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT tool_id, description, tier_minimum FROM tools ORDER BY tool_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tools []*types.ToolRecord
	for rows.Next() {
		var t types.ToolRecord
		if err := rows.Scan(&t.ToolID, &t.Description, &t.TierMinimum); err != nil {
			return nil, err
		}
		tools = append(tools, &t)
	}
	return tools, rows.Err()
}
