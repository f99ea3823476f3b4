package sqlite

import (
	"context"
	"database/sql"
	"testing"

	"schedengine/migrations"
)

// TestDB bundles an in-memory database with its TxRunner for store
// tests.
type TestDB struct {
	DB       *sql.DB
	TxRunner *TxRunner
}

// NewTestDB creates a migrated in-memory database. It is closed
// automatically when the test finishes.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()

	db, err := OpenInMemory(context.Background())
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := ApplyMigrations(db, migrations.SQLite, "sqlite"); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	return &TestDB{DB: db, TxRunner: NewTxRunner(db)}
}

// Exec runs a statement and fails the test on error.
func (tdb *TestDB) Exec(t *testing.T, query string, args ...any) sql.Result {
	t.Helper()
	res, err := tdb.DB.ExecContext(context.Background(), query, args...)
	if err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
	return res
}

// CountRows returns the number of rows in a table.
func (tdb *TestDB) CountRows(t *testing.T, table string) int {
	t.Helper()
	var n int
	if err := tdb.DB.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		t.Fatalf("count rows in %s: %v", table, err)
	}
	return n
}

// TableExists reports whether a table is present in the schema.
func (tdb *TestDB) TableExists(t *testing.T, table string) bool {
	t.Helper()
	var n int
	err := tdb.DB.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
	if err != nil {
		t.Fatalf("check table %s: %v", table, err)
	}
	return n > 0
}
