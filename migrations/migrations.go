// Package migrations embeds the schema migrations for both store
// backends.
package migrations

import "embed"

// SQLite contains the migrations applied to each per-partition
// database file.
//
//go:embed sqlite/*.sql
var SQLite embed.FS

// Postgres contains the migrations for the shared Postgres backend.
//
//go:embed postgres/*.sql
var Postgres embed.FS
