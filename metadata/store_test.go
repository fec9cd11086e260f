package metadata

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"taskbridge/crypto"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "metadata.db"), opts...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func sampleRecord(taskID string, created time.Time) *TaskRecord {
	return &TaskRecord{
		ChainID:        187,
		TaskID:         taskID,
		Title:          "Paint the fence",
		Description:    "Two coats, white",
		Contacts:       "enc:abc123",
		CreatorAddress: "0xAbC0000000000000000000000000000000000001",
		CreatedAt:      created,
	}
}

func TestUpsertCreatesThenUpdates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	created := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	isNew, err := store.Upsert(ctx, sampleRecord("5", created))
	require.NoError(t, err)
	require.True(t, isNew)

	rec := sampleRecord("5", created)
	rec.Title = "Paint the gate"
	isNew, err = store.Upsert(ctx, rec)
	require.NoError(t, err)
	require.False(t, isNew)

	got, err := store.Get(ctx, 187, "5")
	require.NoError(t, err)
	require.Equal(t, "Paint the gate", got.Title)
	require.Equal(t, "0xabc0000000000000000000000000000000000001", got.CreatorAddress)
}

func TestGetMissing(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Get(context.Background(), 187, "404")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListTasksFiltersAndOrders(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"3", "1", "2"} {
		_, err := store.Upsert(ctx, sampleRecord(id, base.Add(time.Duration(i)*24*time.Hour)))
		require.NoError(t, err)
	}
	other := sampleRecord("9", base)
	other.ChainID = 1
	_, err := store.Upsert(ctx, other)
	require.NoError(t, err)

	all, err := store.ListTasks(ctx, ListFilter{ChainID: 187, IncludeOrphaned: true})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "3", all[0].TaskID)

	recent, err := store.ListTasks(ctx, ListFilter{ChainID: 187, CreatedAfter: base.Add(36 * time.Hour), IncludeOrphaned: true})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "2", recent[0].TaskID)
}

func TestMarkOrphanIsIdempotent(t *testing.T) {
	first := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	clock := first
	store := openTestStore(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()
	_, err := store.Upsert(ctx, sampleRecord("5", first.Add(-time.Hour)))
	require.NoError(t, err)

	require.NoError(t, store.MarkOrphan(ctx, 187, "5", "Task not found on blockchain"))
	clock = first.Add(time.Hour)
	require.NoError(t, store.MarkOrphan(ctx, 187, "5", "again"))

	rec, err := store.Get(ctx, 187, "5")
	require.NoError(t, err)
	require.True(t, rec.Orphaned())
	require.True(t, rec.OrphanedAt.Equal(first))
	require.Equal(t, "Task not found on blockchain", rec.OrphanReason)

	visible, err := store.ListTasks(ctx, ListFilter{ChainID: 187})
	require.NoError(t, err)
	require.Empty(t, visible)

	err = store.MarkOrphan(ctx, 187, "77", "missing")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestUpsertClearsOrphanMark(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	_, err := store.Upsert(ctx, sampleRecord("8", time.Now().UTC()))
	require.NoError(t, err)
	require.NoError(t, store.MarkOrphan(ctx, 187, "8", "Task not found on blockchain"))

	_, err = store.Upsert(ctx, sampleRecord("8", time.Now().UTC()))
	require.NoError(t, err)
	rec, err := store.Get(ctx, 187, "8")
	require.NoError(t, err)
	require.False(t, rec.Orphaned())
	require.Empty(t, rec.OrphanReason)
}

func TestPublicKeyFirstWriterWins(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	other, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	addr := key.Address()

	_, err = store.LookupPublicKey(ctx, addr)
	require.ErrorIs(t, err, crypto.ErrPublicKeyNotFound)

	stored, err := store.SavePublicKey(ctx, addr, key.PubKey().Compressed())
	require.NoError(t, err)
	require.Equal(t, key.PubKey().Compressed(), stored)

	stored, err = store.SavePublicKey(ctx, addr, other.PubKey().Compressed())
	require.NoError(t, err)
	require.Equal(t, key.PubKey().Compressed(), stored)

	cache := crypto.NewPubKeyCache(store)
	got, err := cache.Get(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, key.PubKey().Compressed(), got)

	_, err = cache.Get(ctx, common.HexToAddress("0x0000000000000000000000000000000000000042"))
	require.ErrorIs(t, err, crypto.ErrPublicKeyNotFound)
}
