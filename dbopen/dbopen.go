// Package dbopen opens the etabli SQLite database.
//
// Pragmas are passed in the DSN so that every pooled connection gets them:
// foreign keys back the membership tables, and WAL lets the HTTP surface
// read while a pipeline stage writes.
//
//	import _ "modernc.org/sqlite"
//	db, err := dbopen.Open("data/etabli.db", dbopen.WithMkdirAll(), dbopen.WithSchema(store.Schema))
//
// In tests:
//
//	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
package dbopen

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const memory = ":memory:"

// Option customises Open.
type Option func(*options)

type options struct {
	busyTimeoutMS int
	mkdir         bool
	schemas       []string
}

// WithBusyTimeout sets how long a connection waits on a locked database,
// in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(o *options) { o.busyTimeoutMS = ms } }

// WithMkdirAll creates the parent directories of the database file.
func WithMkdirAll() Option { return func(o *options) { o.mkdir = true } }

// WithSchema runs idempotent DDL once the database is open. Schemas run
// in the order given.
func WithSchema(ddl string) Option { return func(o *options) { o.schemas = append(o.schemas, ddl) } }

// DSN returns the modernc.org/sqlite data source name for path.
func DSN(path string, busyTimeoutMS int) string {
	q := url.Values{}
	for _, p := range []string{
		"foreign_keys(1)",
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		fmt.Sprintf("busy_timeout(%d)", busyTimeoutMS),
	} {
		q.Add("_pragma", p)
	}
	return "file:" + strings.TrimPrefix(path, "file:") + "?" + q.Encode()
}

// Open opens path with the sqlite driver, which the caller blank-imports,
// and applies the schemas.
func Open(path string, opts ...Option) (*sql.DB, error) {
	o := options{busyTimeoutMS: 10_000}
	for _, opt := range opts {
		opt(&o)
	}

	if o.mkdir && path != memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: create directory for %s: %w", path, err)
		}
	}

	db, err := sql.Open("sqlite", DSN(path, o.busyTimeoutMS))
	if err != nil {
		return nil, fmt.Errorf("dbopen: open %s: %w", path, err)
	}
	if path == memory {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbopen: ping %s: %w", path, err)
	}
	for i, ddl := range o.schemas {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: schema %d: %w", i, err)
		}
	}
	return db, nil
}

// OpenMemory opens a private in-memory database closed with the test.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(memory, opts...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
