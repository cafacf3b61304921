package anqueue

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func newTestAdapter(t *testing.T) *BoltAdapter {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.db")
	a, err := OpenBoltAdapter(path)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestBoltAdapterCreateFindUpdate(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	row := PersistedTaskRow{UID: "u1", Type: "noop", Name: "n1", Status: StatusPending}
	created, err := a.Create(ctx, row)
	require.NoError(t, err)
	assert.Equal(t, "u1", created.UID)

	found, err := a.FindFirst(ctx, map[string]any{"uid": "u1"})
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, StatusPending, found.Status)

	updated, err := a.Update(ctx, map[string]any{"uid": "u1"}, PersistedTaskRow{Type: "noop", Name: "n1", Status: StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, updated.Status)
	assert.Equal(t, "noop", updated.Type)

	replaced, err := a.Update(ctx, map[string]any{"uid": "u1"}, PersistedTaskRow{Status: StatusFailed})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, replaced.Status)
	assert.Equal(t, "", replaced.Type, "update replaces the row fully, it does not merge by field")
	assert.Equal(t, "u1", replaced.UID, "uid is preserved even when the payload omits it")
}

func TestBoltAdapterCreateConflict(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	row := PersistedTaskRow{UID: "dup", Type: "noop", Status: StatusPending}
	_, err := a.Create(ctx, row)
	require.NoError(t, err)

	_, err = a.Create(ctx, row)
	require.ErrorIs(t, err, ErrUniqueConflict)
}

func TestBoltAdapterUpsertFallsBackToUpdateOnConflict(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	where := map[string]any{"uid": "u2"}
	create := PersistedTaskRow{UID: "u2", Type: "noop", Status: StatusPending}

	first, err := a.Upsert(ctx, where, create, create)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, first.Status)

	update := PersistedTaskRow{Status: StatusCompleted}
	second, err := a.Upsert(ctx, where, update, create)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, second.Status)

	rows, err := a.FindMany(ctx, map[string]any{"uid": "u2"})
	require.NoError(t, err)
	assert.Len(t, rows, 1, "idempotent upsert leaves exactly one row")
}

func TestBoltAdapterFindManyFiltersByStatus(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	_, err := a.Create(ctx, PersistedTaskRow{UID: "p1", Type: "noop", Status: StatusPending})
	require.NoError(t, err)
	_, err = a.Create(ctx, PersistedTaskRow{UID: "c1", Type: "noop", Status: StatusCompleted})
	require.NoError(t, err)

	rows, err := a.FindMany(ctx, map[string]any{"status": string(StatusPending)})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "p1", rows[0].UID)
}

func TestBoltAdapterDeleteArchives(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	_, err := a.Create(ctx, PersistedTaskRow{UID: "d1", Type: "noop", Status: StatusPending})
	require.NoError(t, err)

	require.NoError(t, a.Delete(ctx, map[string]any{"uid": "d1"}))
	_, err = a.FindFirst(ctx, map[string]any{"uid": "d1"})
	require.NoError(t, err)

	archived := 0
	require.NoError(t, a.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTaskVersions).ForEach(func(k, v []byte) error {
			archived++
			return nil
		})
	}))
	assert.Equal(t, 1, archived, "the deleted row is archived into the versions bucket")

	err = a.Delete(ctx, map[string]any{"uid": "d1"})
	assert.ErrorIs(t, err, ErrRowNotFound)
}
