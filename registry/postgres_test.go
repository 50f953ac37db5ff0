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
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"agentgate/platform/shared/types"
)

func TestPostgresGetTenant(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer func() { _ = db.Close() }()
	reg := NewPostgresRegistryFromDB(db)

	rows := sqlmock.NewRows([]string{
		"tenant_id", "status", "tier", "execution_role_ref", "monthly_budget_usd", "owning_account_ref",
	}).AddRow("acme", "active", "premium", "role/acme-exec", 5000.0, "acct-1")
	mock.ExpectQuery("SELECT tenant_id, status, tier").WithArgs("acme").WillReturnRows(rows)

	tenant, err := reg.GetTenant(context.Background(), "acme")
	if err != nil {
		t.Fatalf("GetTenant failed: %v", err)
	}
	if tenant.Status != types.TenantActive || tenant.Tier != types.TierPremium {
		t.Errorf("unexpected tenant: %+v", tenant)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresGetTenantNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer func() { _ = db.Close() }()
	reg := NewPostgresRegistryFromDB(db)

	mock.ExpectQuery("SELECT tenant_id, status, tier").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}))

	_, err = reg.GetTenant(context.Background(), "ghost")
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func agentRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"agent_name", "version", "owner_team", "tier_minimum", "invocation_mode",
		"streaming_enabled", "runtime_ref", "deployed_at",
	})
}

func TestPostgresGetAgentLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer func() { _ = db.Close() }()
	reg := NewPostgresRegistryFromDB(db)

	mock.ExpectQuery("ORDER BY deployed_at DESC LIMIT 1").
		WithArgs("summarizer").
		WillReturnRows(agentRows().AddRow(
			"summarizer", "3", "nlp-team", "standard", "sync", false, nil, time.Now()))

	agent, err := reg.GetAgent(context.Background(), "summarizer", "")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if agent.Version != "3" {
		t.Errorf("Version = %q, want latest", agent.Version)
	}
	if agent.InvocationMode != types.ModeSync {
		t.Errorf("InvocationMode = %q", agent.InvocationMode)
	}
}

func TestPostgresGetAgentPinnedVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer func() { _ = db.Close() }()
	reg := NewPostgresRegistryFromDB(db)

	mock.ExpectQuery("AND version = ").
		WithArgs("summarizer", "2").
		WillReturnRows(agentRows().AddRow(
			"summarizer", "2", "nlp-team", "standard", "streaming", true, "model-x", time.Now()))

	agent, err := reg.GetAgent(context.Background(), "summarizer", "2")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if agent.Version != "2" || agent.RuntimeRef != "model-x" {
		t.Errorf("unexpected agent: %+v", agent)
	}
}

func TestPostgresGetAgentInvalidMode(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer func() { _ = db.Close() }()
	reg := NewPostgresRegistryFromDB(db)

	mock.ExpectQuery("ORDER BY deployed_at DESC LIMIT 1").
		WithArgs("broken").
		WillReturnRows(agentRows().AddRow(
			"broken", "1", "team", "basic", "sometimes-slow", false, nil, time.Now()))

	if _, err := reg.GetAgent(context.Background(), "broken", ""); err == nil {
		t.Fatal("expected error for invalid invocation mode")
	}
}

func TestPostgresGetTool(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer func() { _ = db.Close() }()
	reg := NewPostgresRegistryFromDB(db)

	mock.ExpectQuery("FROM tools").
		WithArgs("code-exec").
		WillReturnRows(sqlmock.NewRows([]string{"tool_id", "description", "tier_minimum"}).
			AddRow("code-exec", "sandboxed execution", "premium"))

	tool, err := reg.GetTool(context.Background(), "code-exec")
	if err != nil {
		t.Fatalf("GetTool failed: %v", err)
	}
	if tool.TierMinimum != types.TierPremium {
		t.Errorf("TierMinimum = %q", tool.TierMinimum)
	}
}

func TestMemoryRegistryLatestAgent(t *testing.T) {
	reg := NewMemoryRegistry()
	reg.PutAgent(&types.AgentRecord{AgentName: "summarizer", Version: "1", InvocationMode: types.ModeSync})
	reg.PutAgent(&types.AgentRecord{AgentName: "summarizer", Version: "2", InvocationMode: types.ModeSync})

	agent, err := reg.GetAgent(context.Background(), "summarizer", "")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if agent.Version != "2" {
		t.Errorf("Version = %q, want last deployed", agent.Version)
	}

	pinned, err := reg.GetAgent(context.Background(), "summarizer", "1")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if pinned.Version != "1" {
		t.Errorf("Version = %q, want pinned", pinned.Version)
	}

	if _, err := reg.GetAgent(context.Background(), "ghost", ""); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
