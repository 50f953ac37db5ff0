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
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"agentgate/platform/shared/types"
)

// PostgresLock implements Lock over an ops_locks table for deployments
// without redis. The conditional write is a single INSERT ... ON CONFLICT
// that only takes over rows whose expiry has passed.
type PostgresLock struct {
	db  *sql.DB
	ttl time.Duration
}

// NewPostgresLock creates the lock and ensures the backing table exists.
func NewPostgresLock(db *sql.DB) (*PostgresLock, error) {
	l := &PostgresLock{db: db, ttl: DefaultTTL}
	const query = `
	CREATE TABLE IF NOT EXISTS ops_locks (
		name TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		acquired_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`
	if _, err := db.Exec(query); err != nil {
		return nil, fmt.Errorf("failed to create ops_locks table: %w", err)
	}
	return l, nil
}

// Acquire performs the atomic conditional write: insert, or take over a
// row whose expiry has passed. Zero rows affected means the lock is held.
func (l *PostgresLock) Acquire(ctx context.Context, name, holder string) error {
	now := time.Now().UTC()
	const query = `
		INSERT INTO ops_locks (name, holder, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE
		SET holder = EXCLUDED.holder,
		    acquired_at = EXCLUDED.acquired_at,
		    expires_at = EXCLUDED.expires_at
		WHERE ops_locks.expires_at <= $3`
	result, err := l.db.ExecContext(ctx, query, name, holder, now, now.Add(l.ttl))
	if err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if affected == 0 {
		return types.ErrLockAlreadyHeld
	}
	return nil
}

// Release deletes the caller's own record only.
func (l *PostgresLock) Release(ctx context.Context, name, holder string) error {
	result, err := l.db.ExecContext(ctx,
		`DELETE FROM ops_locks WHERE name = $1 AND holder = $2`, name, holder)
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		// Either expired (fine) or held by someone else.
		var current string
		err := l.db.QueryRowContext(ctx,
			`SELECT holder FROM ops_locks WHERE name = $1 AND expires_at > NOW()`, name).Scan(&current)
		if err == nil && current != holder {
			return types.ErrLockAlreadyHeld
		}
	}
	return nil
}

// Get returns the current non-expired record for name, or types.ErrNotFound.
func (l *PostgresLock) Get(ctx context.Context, name string) (*Record, error) {
	const query = `
		SELECT name, holder, acquired_at, expires_at
		FROM ops_locks
		WHERE name = $1 AND expires_at > NOW()`
	var record Record
	err := l.db.QueryRowContext(ctx, query, name).Scan(
		&record.Name, &record.Holder, &record.AcquiredAt, &record.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock %s: %w", name, err)
	}
	return &record, nil
}
