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

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gocql/gocql"
)

// CassandraSink is an optional long-retention audit sink. Rows are
// partitioned by tenant and clustered by time, with per-write TTLs
// (90 days for invocations) handled by the server.
type CassandraSink struct {
	session  *gocql.Session
	keyspace string
	ttl      time.Duration
}

var _ Sink = (*CassandraSink)(nil)

// CassandraSinkOptions configures the Cassandra audit sink.
type CassandraSinkOptions struct {
	Hosts    []string
	Keyspace string
	TTL      time.Duration
}

// NewCassandraSink connects to the cluster and ensures the table exists.
func NewCassandraSink(opts CassandraSinkOptions) (*CassandraSink, error) {
	if len(opts.Hosts) == 0 {
		return nil, fmt.Errorf("cassandra sink requires at least one host")
	}
	cluster := gocql.NewCluster(opts.Hosts...)
	cluster.Keyspace = opts.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 5 * time.Second

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Cassandra: %w", err)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 90 * 24 * time.Hour
	}

	sink := &CassandraSink{session: session, keyspace: opts.Keyspace, ttl: ttl}
	if err := sink.createTable(); err != nil {
		session.Close()
		return nil, err
	}
	return sink, nil
}

func (s *CassandraSink) createTable() error {
	const query = `
	CREATE TABLE IF NOT EXISTS audit_entries (
		tenant_id TEXT,
		timestamp TIMESTAMP,
		id TEXT,
		kind TEXT,
		app_id TEXT,
		agent_name TEXT,
		invocation_mode TEXT,
		status TEXT,
		latency_ms BIGINT,
		details TEXT,
		PRIMARY KEY ((tenant_id), timestamp, id)
	) WITH CLUSTERING ORDER BY (timestamp DESC)`
	return s.session.Query(query).Exec()
}

// Append writes a single entry with the sink's TTL.
func (s *CassandraSink) Append(ctx context.Context, entry *Entry) error {
	detailsJSON, _ := json.Marshal(entry.Details)
	const query = `
		INSERT INTO audit_entries
			(tenant_id, timestamp, id, kind, app_id, agent_name, invocation_mode, status, latency_ms, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		USING TTL ?`
	return s.session.Query(query,
		entry.TenantID,
		entry.Timestamp,
		entry.ID,
		string(entry.Kind),
		entry.AppID,
		entry.AgentName,
		entry.Mode,
		entry.Status,
		entry.LatencyMS,
		string(detailsJSON),
		int(s.ttl.Seconds()),
	).WithContext(ctx).Exec()
}

// Close closes the Cassandra session.
func (s *CassandraSink) Close() {
	s.session.Close()
}
