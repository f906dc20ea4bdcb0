package dbopen_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/etabli/dbopen"
)

func TestOpen_Pragmas(t *testing.T) {
	db := dbopen.OpenMemory(t)

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatal(err)
	}
	if fk != 1 {
		t.Fatalf("foreign_keys = %d, want 1", fk)
	}

	var busy int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busy); err != nil {
		t.Fatal(err)
	}
	if busy != 10_000 {
		t.Fatalf("busy_timeout = %d, want 10000", busy)
	}
}

func TestOpen_PragmasOnEveryConnection(t *testing.T) {
	// WHAT: A second pooled connection also enforces foreign keys.
	// WHY: PRAGMA statements only affect the connection that runs them.
	db, err := dbopen.Open(filepath.Join(t.TempDir(), "etabli.db"),
		dbopen.WithSchema(`CREATE TABLE p (id TEXT PRIMARY KEY);
			CREATE TABLE c (p_id TEXT NOT NULL REFERENCES p(id));`))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()
	first, err := db.Conn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	second, err := db.Conn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	if _, err := second.ExecContext(ctx, `INSERT INTO c (p_id) VALUES ('missing')`); err == nil {
		t.Fatal("orphan row accepted on second connection")
	}
	var mode string
	if err := second.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode = %q, want wal", mode)
	}
}

func TestDSN(t *testing.T) {
	dsn := dbopen.DSN("data/etabli.db", 500)
	if !strings.HasPrefix(dsn, "file:data/etabli.db?") || !strings.Contains(dsn, "busy_timeout%28500%29") {
		t.Fatalf("dsn = %q", dsn)
	}
}

func TestWithSchema(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE t (id TEXT PRIMARY KEY);`))
	if _, err := db.Exec(`INSERT INTO t (id) VALUES ('1')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestWithMkdirAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "etabli.db")
	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Fatalf("dir not created: %v", err)
	}
}

func TestRunTx_RollbackOnError(t *testing.T) {
	// WHAT: An error returned by fn rolls back every statement of the tx.
	// WHY: Reconciliation relies on all-or-nothing runs.
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE t (id TEXT PRIMARY KEY);`))
	boom := errors.New("boom")

	err := dbopen.RunTx(context.Background(), db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO t (id) VALUES ('1')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	var n int
	db.QueryRow(`SELECT COUNT(*) FROM t`).Scan(&n)
	if n != 0 {
		t.Fatalf("rows = %d, want 0 after rollback", n)
	}
}

func TestRunTx_Timeout(t *testing.T) {
	// WHAT: A transaction outliving WithTxTimeout fails with ErrTxTimeout.
	// WHY: Runs must stay bounded so a stuck stage never holds the writer lock.
	db := dbopen.OpenMemory(t)
	err := dbopen.RunTx(context.Background(), db, func(tx *sql.Tx) error {
		time.Sleep(50 * time.Millisecond)
		_, err := tx.ExecContext(context.Background(), `SELECT 1`)
		if err != nil {
			return err
		}
		return context.DeadlineExceeded
	}, dbopen.WithTxTimeout(10*time.Millisecond))
	if !errors.Is(err, dbopen.ErrTxTimeout) {
		t.Fatalf("err = %v, want ErrTxTimeout", err)
	}
}

func TestIsBusy(t *testing.T) {
	cases := map[string]bool{
		"database is locked (5) (SQLITE_BUSY)": true,
		"database table is locked":             true,
		"no such table: x":                     false,
	}
	for msg, want := range cases {
		if got := dbopen.IsBusy(errors.New(msg)); got != want {
			t.Errorf("IsBusy(%q) = %v, want %v", msg, got, want)
		}
	}
	if dbopen.IsBusy(nil) {
		t.Error("IsBusy(nil) = true")
	}
}
