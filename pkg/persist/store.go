// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package persist

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/mbeema/liveprof/pkg/profile"

	duckdbDriver "github.com/marcboeker/go-duckdb"
)

var validTableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// storeSink writes one row per record into a DuckDB table.
type storeSink struct {
	db    *sql.DB
	table string

	mu        sync.Mutex
	schemaSet bool
}

// storeDSN strips an optional duckdb:// scheme. An empty DSN or :memory:
// opens an in-memory database.
func storeDSN(target string) string {
	dsn := strings.TrimPrefix(target, "duckdb://")
	if dsn == ":memory:" {
		return ""
	}
	return dsn
}

func newStoreSink(target, table string) (*storeSink, error) {
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("%w: invalid table name %q", ErrConfiguration, table)
	}
	// A single connector shares one database across pooled connections,
	// which matters for in-memory stores.
	connector, err := duckdbDriver.NewConnector(storeDSN(target), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open store %q: %w", ErrConfiguration, target, err)
	}
	return &storeSink{db: sql.OpenDB(connector), table: table}, nil
}

func (s *storeSink) Name() string { return "store" }

func (s *storeSink) ensureSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schemaSet {
		return nil
	}
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			app      VARCHAR NOT NULL,
			label    VARCHAR NOT NULL,
			datetime VARCHAR NOT NULL,
			payload  BLOB    NOT NULL
		)`, s.table)
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: create table %s: %w", ErrPersistence, s.table, err)
	}
	s.schemaSet = true
	return nil
}

func (s *storeSink) Save(ctx context.Context, rec *profile.Record, payload []byte) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	query := fmt.Sprintf("INSERT INTO %s (app, label, datetime, payload) VALUES (?, ?, ?, ?)", s.table)
	if _, err := s.db.ExecContext(ctx, query, rec.App, rec.Label, rec.DateTime, payload); err != nil {
		return fmt.Errorf("%w: insert into %s: %w", ErrPersistence, s.table, err)
	}
	return nil
}

func (s *storeSink) Close() error {
	return s.db.Close()
}
