// Package partition maps partition ids to their storage. In sqlite
// mode every partition owns a separate database file under the data
// directory; in postgres mode partitions share one database and are
// scoped by column.
package partition

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"schedengine/internal/platform/sqlite"
	"schedengine/internal/shared"
	"schedengine/internal/store"
	"schedengine/migrations"
)

// DBFileName is the database file inside each partition directory.
const DBFileName = "engine.db"

var partitionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Handle bundles the stores of one partition.
type Handle struct {
	PartitionID string
	// Path is the partition directory on disk. Empty in postgres mode.
	Path string

	Schedules store.Schedules
	Runs      store.Runs
	Sessions  store.Sessions
}

// Repository opens partition stores on demand and caches them for the
// process lifetime.
type Repository struct {
	dataDir    string
	configured []string
	pool       *pgxpool.Pool
	log        *slog.Logger

	mu      sync.Mutex
	handles map[string]*Handle
	dbs     map[string]*sql.DB
}

// NewSQLiteRepository builds a repository backed by per-partition
// SQLite files under dataDir. Configured partitions are opened eagerly
// by EnsureConfigured; others open on first use.
func NewSQLiteRepository(dataDir string, configured []string, log *slog.Logger) *Repository {
	return &Repository{
		dataDir:    dataDir,
		configured: configured,
		log:        log,
		handles:    make(map[string]*Handle),
		dbs:        make(map[string]*sql.DB),
	}
}

// NewPostgresRepository builds a repository where all partitions share
// one pool. The schema must already be migrated.
func NewPostgresRepository(pool *pgxpool.Pool, configured []string, log *slog.Logger) *Repository {
	return &Repository{
		pool:       pool,
		configured: configured,
		log:        log,
		handles:    make(map[string]*Handle),
		dbs:        make(map[string]*sql.DB),
	}
}

// Open returns the handle for a partition, creating and migrating its
// database on first access in sqlite mode.
func (r *Repository) Open(ctx context.Context, partitionID string) (*Handle, error) {
	if !partitionIDPattern.MatchString(partitionID) {
		return nil, shared.Wrapf(shared.ErrValidation, "invalid partition id %q", partitionID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[partitionID]; ok {
		return h, nil
	}

	var h *Handle
	if r.pool != nil {
		h = &Handle{
			PartitionID: partitionID,
			Schedules:   store.NewPGSchedules(r.pool, partitionID),
			Runs:        store.NewPGRuns(r.pool),
			Sessions:    store.NewPGSessions(r.pool),
		}
	} else {
		dir := filepath.Join(r.dataDir, partitionID)
		db, err := sqlite.Open(ctx, filepath.Join(dir, DBFileName))
		if err != nil {
			return nil, shared.MarkKind(shared.Wrapf(err, "open partition %s", partitionID), shared.KindStore)
		}
		if err := sqlite.ApplyMigrations(db, migrations.SQLite, "sqlite"); err != nil {
			_ = db.Close()
			return nil, shared.MarkKind(shared.Wrapf(err, "migrate partition %s", partitionID), shared.KindStore)
		}
		runner := sqlite.NewTxRunner(db)
		h = &Handle{
			PartitionID: partitionID,
			Path:        dir,
			Schedules:   store.NewSQLiteSchedules(runner, partitionID),
			Runs:        store.NewSQLiteRuns(runner),
			Sessions:    store.NewSQLiteSessions(runner, partitionID),
		}
		r.dbs[partitionID] = db
		r.log.Info("partition opened", "partition_id", partitionID, "path", dir)
	}

	r.handles[partitionID] = h
	return h, nil
}

// EnsureConfigured opens every configured partition so that schema
// problems surface at startup rather than on the first tick.
func (r *Repository) EnsureConfigured(ctx context.Context) error {
	for _, id := range r.configured {
		if _, err := r.Open(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Partitions lists the known partition ids: the configured set plus,
// in sqlite mode, any directory under the data dir that already holds
// a database file.
func (r *Repository) Partitions() []string {
	seen := make(map[string]struct{})
	for _, id := range r.configured {
		seen[id] = struct{}{}
	}

	r.mu.Lock()
	for id := range r.handles {
		seen[id] = struct{}{}
	}
	r.mu.Unlock()

	if r.pool == nil && r.dataDir != "" {
		entries, err := os.ReadDir(r.dataDir)
		if err == nil {
			for _, e := range entries {
				if !e.IsDir() || !partitionIDPattern.MatchString(e.Name()) {
					continue
				}
				if _, err := os.Stat(filepath.Join(r.dataDir, e.Name(), DBFileName)); err == nil {
					seen[e.Name()] = struct{}{}
				}
			}
		}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close releases every open partition database. The shared pool in
// postgres mode is owned by the caller and stays open.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for id, db := range r.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.dbs, id)
		delete(r.handles, id)
	}
	r.handles = make(map[string]*Handle)
	return firstErr
}
