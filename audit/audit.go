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

// Package audit provides the append-only audit sink. Every completed
// invocation is recorded keyed by tenant, whether or not the caller ever
// polls for it, and every tenant isolation violation is escalated here as
// a security event. Entries are batched to postgres; an optional
// Cassandra sink serves long-retention deployments.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus"

	"agentgate/platform/shared/types"
)

// EntryKind distinguishes invocation records from security events.
type EntryKind string

const (
	KindInvocation EntryKind = "invocation"
	KindViolation  EntryKind = "tenant_access_violation"
	KindTierDenied EntryKind = "tier_insufficient"
)

var promViolationsEscalated = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "agentgate_audit_violations_escalated_total",
		Help: "Total tenant isolation violations escalated to the audit sink",
	},
)

func init() {
	prometheus.MustRegister(promViolationsEscalated)
}

// Entry is a single audit record. TenantID and AppID are required on
// every record.
type Entry struct {
	ID        string                 `json:"id"`
	Kind      EntryKind              `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	TenantID  string                 `json:"tenant_id"`
	AppID     string                 `json:"app_id"`
	AgentName string                 `json:"agent_name,omitempty"`
	Mode      string                 `json:"invocation_mode,omitempty"`
	Status    string                 `json:"status,omitempty"`
	LatencyMS int64                  `json:"latency_ms,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Sink receives a copy of every audit entry in addition to the postgres
// batch writer. Implementations must tolerate redelivery.
type Sink interface {
	Append(ctx context.Context, entry *Entry) error
}

// Logger is the audit sink. Entries are queued and batch-written; a full
// queue degrades to a synchronous write so records are never dropped.
type Logger struct {
	db           *sql.DB
	batchWriter  *batchWriter
	sinks        []Sink
	queue        chan *Entry
	wg           sync.WaitGroup
	shutdownChan chan struct{}
	closeOnce    sync.Once
}

// NewLogger creates an audit logger writing to the given postgres
// database. A connection failure degrades to a log-only sink rather than
// blocking service startup.
func NewLogger(databaseURL string) *Logger {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.Printf("Failed to connect to audit database: %v", err)
		return &Logger{
			queue:        make(chan *Entry, 10000),
			shutdownChan: make(chan struct{}),
		}
	}

	if err := createAuditTables(db); err != nil {
		log.Printf("Failed to create audit tables: %v", err)
	}

	l := &Logger{
		db:           db,
		batchWriter:  newBatchWriter(db, 100),
		queue:        make(chan *Entry, 10000),
		shutdownChan: make(chan struct{}),
	}

	l.wg.Add(1)
	go l.processQueue()

	return l
}

// NewLoggerFromDB wraps an existing connection (used in tests).
func NewLoggerFromDB(db *sql.DB) *Logger {
	l := &Logger{
		db:           db,
		batchWriter:  newBatchWriter(db, 100),
		queue:        make(chan *Entry, 10000),
		shutdownChan: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.processQueue()
	return l
}

// RecordInvocation appends an invocation record.
func (l *Logger) RecordInvocation(ctx context.Context, rec types.InvocationRecord) {
	l.enqueue(&Entry{
		ID:        uuid.NewString(),
		Kind:      KindInvocation,
		Timestamp: rec.Timestamp,
		TenantID:  rec.TenantID,
		AppID:     rec.AppID,
		AgentName: rec.AgentName,
		Mode:      string(rec.Mode),
		Status:    string(rec.Status),
		LatencyMS: rec.LatencyMS,
		Details: map[string]interface{}{
			"invocation_id":  rec.InvocationID,
			"agent_version":  rec.AgentVersion,
			"runtime_region": rec.RuntimeRegion,
			"job_id":         rec.JobID,
		},
	})
}

// RecordTierDenied appends a tier-insufficient rejection record.
func (l *Logger) RecordTierDenied(ctx context.Context, tc types.TenantContext, target string, have, need types.Tier) {
	l.enqueue(&Entry{
		ID:        uuid.NewString(),
		Kind:      KindTierDenied,
		Timestamp: time.Now().UTC(),
		TenantID:  tc.TenantID,
		AppID:     tc.AppID,
		Status:    "denied",
		Details: map[string]interface{}{
			"target":        target,
			"caller_tier":   string(have),
			"required_tier": string(need),
		},
	})
}

// RecordViolation implements the storage guard's ViolationSink. A
// violation is written synchronously when the queue is full; it must
// always reach the sink.
func (l *Logger) RecordViolation(ctx context.Context, tenantID, key, operation string) {
	promViolationsEscalated.Inc()
	l.enqueue(&Entry{
		ID:        uuid.NewString(),
		Kind:      KindViolation,
		Timestamp: time.Now().UTC(),
		TenantID:  tenantID,
		AppID:     "-",
		Status:    "aborted",
		Details: map[string]interface{}{
			"key":       key,
			"operation": operation,
		},
	})
}

// AddSink attaches an additional sink. Wire sinks before the first
// record is enqueued; AddSink is not synchronized with the queue worker.
func (l *Logger) AddSink(sink Sink) {
	l.sinks = append(l.sinks, sink)
}

func (l *Logger) forward(entry *Entry) {
	for _, sink := range l.sinks {
		if err := sink.Append(context.Background(), entry); err != nil {
			log.Printf("Audit sink append failed: %v", err)
		}
	}
}

// enqueue adds an entry to the processing queue
func (l *Logger) enqueue(entry *Entry) {
	select {
	case l.queue <- entry:
		// Entry queued successfully
	default:
		// Queue is full, write directly (blocking)
		log.Printf("Audit queue full, writing directly")
		l.forward(entry)
		if l.batchWriter != nil {
			_ = l.batchWriter.write([]*Entry{entry})
		}
	}
}

// processQueue drains the queue into the batch writer.
func (l *Logger) processQueue() {
	defer l.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case entry := <-l.queue:
			l.forward(entry)
			if l.batchWriter != nil {
				l.batchWriter.add(entry)
			}
		case <-ticker.C:
			if l.batchWriter != nil {
				l.batchWriter.flushAll()
			}
		case <-l.shutdownChan:
			for {
				select {
				case entry := <-l.queue:
					l.forward(entry)
					if l.batchWriter != nil {
						l.batchWriter.add(entry)
					}
				default:
					if l.batchWriter != nil {
						l.batchWriter.flushAll()
					}
					return
				}
			}
		}
	}
}

// Close flushes pending entries and stops the background worker.
func (l *Logger) Close() {
	l.closeOnce.Do(func() {
		close(l.shutdownChan)
		l.wg.Wait()
	})
}

// IsHealthy checks if the audit logger can reach its database.
func (l *Logger) IsHealthy() bool {
	if l.db == nil {
		return true // log-only sink is always healthy
	}
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	return l.db.PingContext(ctx) == nil
}

// Search returns entries for a tenant, newest first.
func (l *Logger) Search(ctx context.Context, tenantID string, kind EntryKind, limit int) ([]*Entry, error) {
	if l.db == nil {
		return []*Entry{}, nil
	}
	query := `
		SELECT id, kind, timestamp, tenant_id, app_id, agent_name, invocation_mode, status, latency_ms, details
		FROM audit_entries
		WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	if kind != "" {
		query += ` AND kind = $2`
		args = append(args, string(kind))
	}
	query += ` ORDER BY timestamp DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		entry := &Entry{}
		var detailsJSON []byte
		var agentName, mode sql.NullString
		err := rows.Scan(
			&entry.ID, &entry.Kind, &entry.Timestamp, &entry.TenantID, &entry.AppID,
			&agentName, &mode, &entry.Status, &entry.LatencyMS, &detailsJSON,
		)
		if err != nil {
			log.Printf("Error scanning audit entry: %v", err)
			continue
		}
		entry.AgentName = agentName.String
		entry.Mode = mode.String
		_ = json.Unmarshal(detailsJSON, &entry.Details)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// batchWriter handles batch writing of audit entries.
type batchWriter struct {
	db        *sql.DB
	batchSize int
	entries   []*Entry
	mu        sync.Mutex
}

func newBatchWriter(db *sql.DB, batchSize int) *batchWriter {
	return &batchWriter{
		db:        db,
		batchSize: batchSize,
		entries:   make([]*Entry, 0, batchSize),
	}
}

func (b *batchWriter) add(entry *Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entry)
	if len(b.entries) >= b.batchSize {
		b.flushLocked()
	}
}

func (b *batchWriter) flushAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

func (b *batchWriter) flushLocked() {
	if len(b.entries) == 0 {
		return
	}
	if err := b.write(b.entries); err != nil {
		log.Printf("Failed to write audit batch: %v", err)
	}
	b.entries = b.entries[:0]
}

func (b *batchWriter) write(entries []*Entry) error {
	if b.db == nil {
		return nil
	}

	tx, err := b.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO audit_entries (
			id, kind, timestamp, tenant_id, app_id, agent_name,
			invocation_mode, status, latency_ms, details
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, entry := range entries {
		detailsJSON, _ := json.Marshal(entry.Details)
		_, err = stmt.Exec(
			entry.ID,
			string(entry.Kind),
			entry.Timestamp,
			entry.TenantID,
			entry.AppID,
			entry.AgentName,
			entry.Mode,
			entry.Status,
			entry.LatencyMS,
			detailsJSON,
		)
		if err != nil {
			log.Printf("Failed to insert audit entry: %v", err)
		}
	}

	return tx.Commit()
}

// createAuditTables creates the audit tables if they don't exist
func createAuditTables(db *sql.DB) error {
	const query = `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id VARCHAR(64) PRIMARY KEY,
		kind VARCHAR(50) NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		tenant_id VARCHAR(255) NOT NULL,
		app_id VARCHAR(255) NOT NULL,
		agent_name VARCHAR(255),
		invocation_mode VARCHAR(20),
		status VARCHAR(50),
		latency_ms BIGINT,
		details JSONB,
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entries_tenant_id ON audit_entries(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_timestamp ON audit_entries(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_kind ON audit_entries(kind);
	`
	_, err := db.Exec(query)
	return err
}
