package partition

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedengine/internal/shared"
)

func newTestRepo(t *testing.T, configured ...string) *Repository {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := NewSQLiteRepository(t.TempDir(), configured, log)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestRepositoryOpenCreatesDatabase(t *testing.T) {
	repo := newTestRepo(t)

	h, err := repo.Open(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", h.PartitionID)
	assert.FileExists(t, filepath.Join(h.Path, DBFileName))
	require.NotNil(t, h.Schedules)
	require.NotNil(t, h.Runs)
	require.NotNil(t, h.Sessions)
}

func TestRepositoryOpenCachesHandle(t *testing.T) {
	repo := newTestRepo(t)

	first, err := repo.Open(context.Background(), "tenant-a")
	require.NoError(t, err)
	second, err := repo.Open(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestRepositoryRejectsBadPartitionID(t *testing.T) {
	repo := newTestRepo(t)

	for _, id := range []string{"", "../escape", "a/b", ".hidden"} {
		_, err := repo.Open(context.Background(), id)
		require.Error(t, err, id)
		assert.Equal(t, shared.KindValidation, shared.KindOf(err), id)
	}
}

func TestRepositoryPartitionsListsConfiguredAndDiscovered(t *testing.T) {
	repo := newTestRepo(t, "configured")

	_, err := repo.Open(context.Background(), "opened")
	require.NoError(t, err)

	got := repo.Partitions()
	assert.Equal(t, []string{"configured", "opened"}, got)
}

func TestRepositoryEnsureConfigured(t *testing.T) {
	repo := newTestRepo(t, "alpha", "beta")

	require.NoError(t, repo.EnsureConfigured(context.Background()))
	assert.Equal(t, []string{"alpha", "beta"}, repo.Partitions())
}

func TestRepositoryDiscoversExistingDataDirs(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dataDir := t.TempDir()

	seed := NewSQLiteRepository(dataDir, nil, log)
	_, err := seed.Open(context.Background(), "leftover")
	require.NoError(t, err)
	require.NoError(t, seed.Close())

	repo := NewSQLiteRepository(dataDir, nil, log)
	t.Cleanup(func() { _ = repo.Close() })
	assert.Equal(t, []string{"leftover"}, repo.Partitions())
}
