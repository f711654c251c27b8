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

// Package pscache caches compiled *sql.Stmt objects keyed by a logical
// name, so repositories that assemble SQL with variable shape (IN clauses,
// optional filters) reuse one compilation per shape instead of recompiling
// on every call. A cache is bound to a single *sql.DB and is not meant to
// be shared across connections with different schemas.
package pscache

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"photovault/internal/metrics"
)

// Cache maps a logical key to a prepared statement compiled from a fixed
// SQL text. Reusing a key with different SQL is a programming error.
type Cache struct {
	db *sql.DB

	mu    sync.Mutex
	stmts map[string]*entry

	hits   uint64
	misses uint64
}

type entry struct {
	sql  string
	stmt *sql.Stmt
}

// New returns a Cache bound to db.
func New(db *sql.DB) *Cache {
	return &Cache{db: db, stmts: make(map[string]*entry)}
}

// Prepare returns the compiled statement for key, compiling and caching it
// on first use. If key was previously compiled with different SQL, Prepare
// panics: that is a programming error, not a runtime condition to recover
// from.
func (c *Cache) Prepare(ctx context.Context, key, query string) (*sql.Stmt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.stmts[key]; ok {
		if e.sql != query {
			panic(fmt.Sprintf("pscache: key %q reused with different SQL", key))
		}
		c.hits++
		metrics.IncPreparedStatementHit()
		return e.stmt, nil
	}

	stmt, err := c.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("pscache: prepare %q: %w", key, err)
	}
	c.stmts[key] = &entry{sql: query, stmt: stmt}
	c.misses++
	metrics.IncPreparedStatementMiss()
	return stmt, nil
}

// Stats is a point-in-time snapshot of cache observability counters.
type Stats struct {
	Hits   uint64
	Misses uint64
	Size   int
	Keys   []string
}

// Stats returns hits, misses, size, and the current key set.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.stmts))
	for k := range c.stmts {
		keys = append(keys, k)
	}
	return Stats{Hits: c.hits, Misses: c.misses, Size: len(c.stmts), Keys: keys}
}

// Close closes every cached statement. Safe to call once during shutdown.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, e := range c.stmts {
		if err := e.stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.stmts = make(map[string]*entry)
	return firstErr
}
