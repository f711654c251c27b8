// photovault is a single-tenant photo management server.
// Copyright (C) 2026 The photovault Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "photovault.db")
	s, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenAppliesSchema(t *testing.T) {
	s := openTestStore(t)

	for _, table := range []string{"projects", "photos", "photo_public_hashes", "jobs", "job_items", "settings"} {
		var name string
		err := s.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing after migrate: %v", table, err)
		}
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "photovault.db")
	s1, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	_ = s1.Close()

	s2, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()

	var version string
	if err := s2.DB().QueryRow(`SELECT value FROM settings WHERE key='schema_version'`).Scan(&version); err != nil {
		t.Fatalf("read schema_version: %v", err)
	}
	if version != "1" {
		t.Fatalf("schema_version = %q, want 1", version)
	}
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	s := openTestStore(t)

	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO projects (tenant_id, folder, name, status, manifest_version, created_at, updated_at)
			VALUES ('default', 'trip', 'Trip', 'active', 1, datetime('now'), datetime('now'))`)
		return err
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	var count int
	if err := s.DB().QueryRow(`SELECT count(*) FROM projects WHERE folder='trip'`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	sentinel := errors.New("boom")

	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO projects (tenant_id, folder, name, status, manifest_version, created_at, updated_at)
			VALUES ('default', 'trip', 'Trip', 'active', 1, datetime('now'), datetime('now'))`); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}

	var count int
	if err := s.DB().QueryRow(`SELECT count(*) FROM projects`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("count = %d, want 0 after rollback", count)
	}
}

func TestNullConversionHelpers(t *testing.T) {
	if NullIfEmpty("") != nil {
		t.Fatalf("NullIfEmpty(\"\") should be nil")
	}
	if NullIfEmpty("x") != "x" {
		t.Fatalf("NullIfEmpty(\"x\") should be \"x\"")
	}

	var id int64 = 42
	if NullInt64Ptr(&id) != id {
		t.Fatalf("NullInt64Ptr(&42) should be 42")
	}
	if NullInt64Ptr(nil) != nil {
		t.Fatalf("NullInt64Ptr(nil) should be nil")
	}
}
