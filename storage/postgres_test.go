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

package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"agentgate/platform/shared/types"
)

func mockPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStoreFromDB(db), mock
}

func TestPostgresStoreGet(t *testing.T) {
	store, mock := mockPostgresStore(t)
	key := TenantKey("acme", "jobs/j1")

	mock.ExpectQuery("SELECT value FROM kv_store").
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(`{"status":"pending"}`)))

	got, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != `{"status":"pending"}` {
		t.Errorf("value = %s", got)
	}

	// A missing (or expired) row is a not-found, not a driver error.
	mock.ExpectQuery("SELECT value FROM kv_store").
		WithArgs(TenantKey("acme", "jobs/ghost")).
		WillReturnError(sql.ErrNoRows)
	if _, err := store.Get(context.Background(), TenantKey("acme", "jobs/ghost")); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStorePutUpsert(t *testing.T) {
	store, mock := mockPostgresStore(t)
	key := TenantKey("acme", "jobs/j1")

	mock.ExpectExec("INSERT INTO kv_store").
		WithArgs(key, []byte("v1"), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.Put(context.Background(), key, []byte("v1"), time.Hour); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Zero TTL writes a NULL expiry.
	mock.ExpectExec("INSERT INTO kv_store").
		WithArgs(key, []byte("v2"), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.Put(context.Background(), key, []byte("v2"), 0); err != nil {
		t.Fatalf("Put without TTL failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreDelete(t *testing.T) {
	store, mock := mockPostgresStore(t)
	key := TenantKey("acme", "jobs/j1")

	mock.ExpectExec("DELETE FROM kv_store").
		WithArgs(key).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.Delete(context.Background(), key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	// Deleting a missing key is not an error.
	mock.ExpectExec("DELETE FROM kv_store").
		WithArgs(key).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.Delete(context.Background(), key); err != nil {
		t.Errorf("Delete of missing key errored: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreList(t *testing.T) {
	store, mock := mockPostgresStore(t)
	prefix := TenantKey("acme", "jobs/")

	mock.ExpectQuery("SELECT key FROM kv_store").
		WithArgs(prefix).
		WillReturnRows(sqlmock.NewRows([]string{"key"}).
			AddRow(TenantKey("acme", "jobs/j1")).
			AddRow(TenantKey("acme", "jobs/j2")))

	keys, err := store.List(context.Background(), prefix)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != TenantKey("acme", "jobs/j1") {
		t.Errorf("keys = %v", keys)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreBehindGuard(t *testing.T) {
	store, mock := mockPostgresStore(t)
	guard := NewGuard(store, nil)
	tc := types.TenantContext{TenantID: "acme", AppID: "app-1"}

	// The guard resolves the partitioned key before the SQL runs.
	mock.ExpectQuery("SELECT value FROM kv_store").
		WithArgs("TENANT#acme#jobs/j1").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte("ok")))
	if _, err := guard.Get(context.Background(), tc, "jobs/j1"); err != nil {
		t.Fatalf("guarded Get failed: %v", err)
	}

	// A caller with no tenant context never reaches the database.
	if _, err := guard.Get(context.Background(), types.TenantContext{}, "jobs/j1"); !types.IsTenantAccessViolation(err) {
		t.Errorf("expected TenantAccessViolation, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
