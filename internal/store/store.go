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

// Package store provides the SQLite-backed relational store: connection
// pragmas, schema migrations, and a transaction-scope primitive with
// retry on SQLITE_BUSY. One Store wraps one tenant database file.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	defaultBusyTimeout = 5 * time.Second

	schemaVersionKey = "schema_version"

	// maxTxRetries bounds the exponential backoff on SQLITE_BUSY per the
	// store's failure semantics: callers retry a handful of times before
	// propagating.
	maxTxRetries = 5
)

// ErrNotFound indicates no rows matched the query.
var ErrNotFound = errors.New("not found")

// Store wraps a single tenant's SQLite database connection.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path, applies concurrency
// pragmas (WAL, busy_timeout, foreign_keys), runs migrations, and returns a
// ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)",
		path, int(defaultBusyTimeout.Milliseconds()),
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// DB exposes the underlying *sql.DB for packages (jobs repository, imaging
// handlers) that need to run their own queries against the same connection
// pool. Writes outside WithTx are the caller's responsibility to keep
// atomic.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a serializable transaction, retrying with
// exponential backoff when SQLite reports the database is busy or locked.
// If fn returns an error (including context errors), the transaction is
// rolled back; otherwise it's committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isBusyErr(err) {
			return err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}
	return fmt.Errorf("transaction exceeded %d retries: %w", maxTxRetries, lastErr)
}

func (s *Store) runTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isBusyErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func backoff(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * 20 * time.Millisecond
	jitter := time.Duration(rand.Int63n(int64(base/2 + 1)))
	return base + jitter
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	const target = 1

	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}

	if cur != target {
		// Future additive migrations go here.
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

// migrateToV1 creates the full schema described in the persisted state
// layout: projects, photos, tags/photo_tags, jobs/job_items, and the public
// link / hash tables, plus the indices the claim and lookup paths rely on.
func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
  id               INTEGER PRIMARY KEY AUTOINCREMENT,
  tenant_id        TEXT NOT NULL,
  folder           TEXT NOT NULL,
  name             TEXT NOT NULL,
  status           TEXT NOT NULL CHECK (status IN ('active','canceled')),
  manifest_version INTEGER NOT NULL DEFAULT 1,
  created_at       TIMESTAMP NOT NULL,
  updated_at       TIMESTAMP NOT NULL,
  UNIQUE(tenant_id, folder)
);`,
		`CREATE INDEX IF NOT EXISTS idx_projects_tenant_status ON projects(tenant_id, status);`,

		`CREATE TABLE IF NOT EXISTS photos (
  id                  INTEGER PRIMARY KEY AUTOINCREMENT,
  project_id          INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
  filename            TEXT NOT NULL,
  basename            TEXT NOT NULL,
  extension           TEXT NOT NULL,
  created_at          TIMESTAMP NOT NULL,
  updated_at          TIMESTAMP NOT NULL,
  date_time_original  TIMESTAMP NULL,
  jpg_available       INTEGER NOT NULL DEFAULT 0,
  raw_available       INTEGER NOT NULL DEFAULT 0,
  other_available     INTEGER NOT NULL DEFAULT 0,
  keep_jpg            INTEGER NOT NULL DEFAULT 1,
  keep_raw            INTEGER NOT NULL DEFAULT 1,
  thumbnail_status    TEXT NOT NULL DEFAULT 'pending',
  preview_status      TEXT NOT NULL DEFAULT 'pending',
  orientation         INTEGER NOT NULL DEFAULT 1,
  meta                TEXT NULL,
  visibility          TEXT NOT NULL DEFAULT 'private',
  UNIQUE(project_id, filename)
);`,
		`CREATE INDEX IF NOT EXISTS idx_photos_project_filename ON photos(project_id, filename);`,
		`CREATE INDEX IF NOT EXISTS idx_photos_project_basename ON photos(project_id, basename);`,
		`CREATE INDEX IF NOT EXISTS idx_photos_project_dto ON photos(project_id, date_time_original);`,

		`CREATE TABLE IF NOT EXISTS tags (
  id   INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL UNIQUE
);`,
		`CREATE TABLE IF NOT EXISTS photo_tags (
  photo_id INTEGER NOT NULL REFERENCES photos(id) ON DELETE CASCADE,
  tag_id   INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
  PRIMARY KEY (photo_id, tag_id)
);`,

		`CREATE TABLE IF NOT EXISTS jobs (
  id             INTEGER PRIMARY KEY AUTOINCREMENT,
  tenant_id      TEXT NOT NULL,
  project_id     INTEGER NULL REFERENCES projects(id) ON DELETE SET NULL,
  type           TEXT NOT NULL,
  status         TEXT NOT NULL CHECK (status IN ('queued','running','completed','failed','canceled')),
  priority       INTEGER NOT NULL DEFAULT 50,
  scope          TEXT NOT NULL CHECK (scope IN ('project','photo_set','tenant')),
  created_at     TIMESTAMP NOT NULL,
  started_at     TIMESTAMP NULL,
  finished_at    TIMESTAMP NULL,
  heartbeat_at   TIMESTAMP NULL,
  worker_id      TEXT NULL,
  progress_done  INTEGER NOT NULL DEFAULT 0,
  progress_total INTEGER NOT NULL DEFAULT 0,
  attempts       INTEGER NOT NULL DEFAULT 0,
  max_attempts   INTEGER NULL,
  last_error_at  TIMESTAMP NULL,
  error_message  TEXT NULL,
  payload        TEXT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_tenant_status ON jobs(tenant_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, priority DESC, created_at ASC);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_project ON jobs(project_id);`,

		`CREATE TABLE IF NOT EXISTS job_items (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id     INTEGER NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
  photo_id   INTEGER NULL REFERENCES photos(id) ON DELETE SET NULL,
  filename   TEXT NULL,
  status     TEXT NOT NULL CHECK (status IN ('pending','running','done','failed')),
  message    TEXT NULL,
  created_at TIMESTAMP NOT NULL,
  updated_at TIMESTAMP NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_job_items_job ON job_items(job_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_job_items_job_pending ON job_items(job_id, id) WHERE status='pending';`,

		`CREATE TABLE IF NOT EXISTS photo_public_hashes (
  photo_id   INTEGER PRIMARY KEY REFERENCES photos(id) ON DELETE CASCADE,
  hash       TEXT NOT NULL UNIQUE,
  rotated_at TIMESTAMP NOT NULL,
  expires_at TIMESTAMP NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_public_hashes_expires ON photo_public_hashes(expires_at);`,

		`CREATE TABLE IF NOT EXISTS photo_public_links (
  photo_id   INTEGER PRIMARY KEY REFERENCES photos(id) ON DELETE CASCADE,
  enabled    INTEGER NOT NULL DEFAULT 0,
  updated_at TIMESTAMP NOT NULL
);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// --------------- Null helpers, shared across repositories ---------------

func NullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func FromNullString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func FromNullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		v := ns.String
		return &v
	}
	return nil
}

func FromNullTimePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time.UTC()
		return &t
	}
	return nil
}

func FromNullInt64Ptr(ni sql.NullInt64) *int64 {
	if ni.Valid {
		v := ni.Int64
		return &v
	}
	return nil
}

func NullTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func NullStringPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func NullInt64Ptr(i *int64) any {
	if i == nil {
		return nil
	}
	return *i
}

func NullInt64PtrFromInt(i *int) any {
	if i == nil {
		return nil
	}
	return int64(*i)
}
