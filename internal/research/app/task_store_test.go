package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepresearch/internal/research/domain"
)

func TestInMemoryTaskStore_UpsertAndGet(t *testing.T) {
	store := NewInMemoryTaskStore()
	rec := domain.NewRecord("task-1", domain.Params{}, domain.Attribution{})

	require.NoError(t, store.Upsert(context.Background(), rec))

	got, err := store.Get(context.Background(), "task-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "task-1", got.ID)
}

func TestInMemoryTaskStore_GetMissingReturnsNilNoError(t *testing.T) {
	store := NewInMemoryTaskStore()
	got, err := store.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestInMemoryTaskStore_RenamePreservesRecordUnderNewID(t *testing.T) {
	store := NewInMemoryTaskStore()
	rec := domain.NewRecord("task-1", domain.Params{}, domain.Attribution{})
	require.NoError(t, store.Upsert(context.Background(), rec))

	require.NoError(t, store.Rename(context.Background(), "task-1", "task-1-archived"))

	old, err := store.Get(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Nil(t, old)

	renamed, err := store.Get(context.Background(), "task-1-archived")
	require.NoError(t, err)
	require.NotNil(t, renamed)
	assert.Equal(t, "task-1-archived", renamed.ID)
}

func TestInMemoryTaskStore_DeleteRemovesRecord(t *testing.T) {
	store := NewInMemoryTaskStore()
	rec := domain.NewRecord("task-1", domain.Params{}, domain.Attribution{})
	require.NoError(t, store.Upsert(context.Background(), rec))
	require.NoError(t, store.Delete(context.Background(), "task-1"))

	got, err := store.Get(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestInMemoryTaskStore_ListOrdersNewestFirstAndPaginates(t *testing.T) {
	store := NewInMemoryTaskStore()
	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		rec := domain.NewRecord(id, domain.Params{}, domain.Attribution{})
		rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Upsert(context.Background(), rec))
	}

	all, total, err := store.List(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)
	assert.Equal(t, "a", all[2].ID)

	page, total, err := store.List(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].ID)
}

func TestInMemoryTaskStore_CountByStatus(t *testing.T) {
	store := NewInMemoryTaskStore()
	running := domain.NewRecord("r1", domain.Params{}, domain.Attribution{})
	failed := domain.NewRecord("f1", domain.Params{}, domain.Attribution{})
	failed.Status = domain.StatusFailed
	require.NoError(t, store.Upsert(context.Background(), running))
	require.NoError(t, store.Upsert(context.Background(), failed))

	counts, err := store.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.StatusRunning])
	assert.Equal(t, 1, counts[domain.StatusFailed])
}

func TestInMemoryTaskStore_PurgeOlderThanRemovesOldCompleted(t *testing.T) {
	store := NewInMemoryTaskStore()
	old := domain.NewRecord("old", domain.Params{}, domain.Attribution{})
	oldCompletedAt := time.Now().Add(-48 * time.Hour)
	old.CompletedAt = &oldCompletedAt
	recent := domain.NewRecord("recent", domain.Params{}, domain.Attribution{})
	recentCompletedAt := time.Now()
	recent.CompletedAt = &recentCompletedAt

	require.NoError(t, store.Upsert(context.Background(), old))
	require.NoError(t, store.Upsert(context.Background(), recent))

	removed, err := store.PurgeOlderThan(context.Background(), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.Get(context.Background(), "old")
	require.NoError(t, err)
	got, err := store.Get(context.Background(), "recent")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestInMemoryTaskStore_SimulateUnavailableFailsAllOperations(t *testing.T) {
	store := NewInMemoryTaskStore()
	store.SetUnavailable(true)

	err := store.Upsert(context.Background(), domain.NewRecord("x", domain.Params{}, domain.Attribution{}))
	require.Error(t, err)
	var unavailableErr *StoreUnavailableError
	assert.ErrorAs(t, err, &unavailableErr)

	_, err = store.Get(context.Background(), "x")
	assert.Error(t, err)
	_, _, err = store.List(context.Background(), 0, 0)
	assert.Error(t, err)
	err = store.Rename(context.Background(), "x", "y")
	assert.Error(t, err)
	err = store.Delete(context.Background(), "x")
	assert.Error(t, err)
	_, err = store.CountByStatus(context.Background())
	assert.Error(t, err)
	_, err = store.PurgeOlderThan(context.Background(), time.Now())
	assert.Error(t, err)
}

func TestInMemoryTaskStore_PersistsAndReloadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.json")

	store := NewInMemoryTaskStore(WithPersistenceFile(path))
	rec := domain.NewRecord("persisted-1", domain.Params{}, domain.Attribution{})
	require.NoError(t, store.Upsert(context.Background(), rec))

	reloaded := NewInMemoryTaskStore(WithPersistenceFile(path))
	got, err := reloaded.Get(context.Background(), "persisted-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "persisted-1", got.ID)
}

func TestInMemoryTaskStore_MissingPersistenceFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "does-not-exist.json")

	store := NewInMemoryTaskStore(WithPersistenceFile(path))
	_, total, err := store.List(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}
