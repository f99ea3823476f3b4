package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedengine/migrations"
)

func TestOpen_CreatesFileAndDirectories(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "engine.db")

	db, err := Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.PingContext(ctx))

	var mode string
	require.NoError(t, db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestOpenInMemory(t *testing.T) {
	db, err := OpenInMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec("CREATE TABLE t (x INTEGER)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO t VALUES (1)")
	require.NoError(t, err)
}

func TestApplyMigrations_Idempotent(t *testing.T) {
	db, err := OpenInMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, ApplyMigrations(db, migrations.SQLite, "sqlite"))
	require.NoError(t, ApplyMigrations(db, migrations.SQLite, "sqlite"))

	version, dirty, err := MigrationVersion(db, migrations.SQLite, "sqlite")
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(1), version)
}

func TestNewTestDB_SchemaPresent(t *testing.T) {
	tdb := NewTestDB(t)

	for _, table := range []string{"schedules", "runs", "sessions", "messages"} {
		assert.True(t, tdb.TableExists(t, table), "table %s missing", table)
	}
}
