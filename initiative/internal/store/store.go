// Package store is the data access layer for raw feeds, clusters,
// initiatives, shared vocabularies and the settings singleton.
//
// A Store is bound either to the database or to one transaction; InTx hands
// fn a transaction-bound Store so callers compose operations atomically.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hazyhaar/etabli/dbopen"
	"github.com/hazyhaar/etabli/idgen"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrSettingsConflict is returned when the settings row changed between
// read and write.
var ErrSettingsConflict = errors.New("store: settings version conflict")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps the etabli database.
type Store struct {
	db    *sql.DB
	q     querier
	now   func() time.Time
	newID func() string
}

// New creates a Store over an opened database with Schema applied.
func New(db *sql.DB) *Store {
	return &Store{db: db, q: db, now: time.Now, newID: idgen.New}
}

// SetClock overrides the time source (tests).
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// DB returns the underlying database.
func (s *Store) DB() *sql.DB { return s.db }

// InTx runs fn with a Store bound to a single transaction. Nested calls on a
// transaction-bound Store reuse the outer transaction.
func (s *Store) InTx(ctx context.Context, fn func(*Store) error, opts ...dbopen.TxOption) error {
	if _, ok := s.q.(*sql.Tx); ok {
		return fn(s)
	}
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		return fn(&Store{db: s.db, q: tx, now: s.now, newID: s.newID})
	}, opts...)
}

func (s *Store) nowMs() int64 { return s.now().UnixMilli() }

func nullableMs(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func scanNullMs(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
