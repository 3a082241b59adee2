package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"note-sync-server/internal/domain"
)

func noteIDs(notes []domain.Note) []string {
	out := make([]string, len(notes))
	for i, n := range notes {
		out[i] = n.ID
	}
	return out
}

func TestFullSyncReturnsEverything(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := store.Create(ctx, &domain.Note{ID: fmt.Sprint(i)})
		require.NoError(t, err)
	}
	svc := NewSyncService(store, 10)

	resp := svc.Handle(domain.SyncRequest{ClientID: "c", FullSync: true})

	assert.True(t, resp.Success)
	assert.True(t, resp.FullSync)
	assert.Equal(t, "c", resp.ClientID)
	assert.Len(t, resp.Notes, 3)
	assert.Equal(t, store.Version(), resp.SyncVersion)
}

func TestIncrementalSyncReturnsChangesAfterWatermark(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	svc := NewSyncService(store, 10)

	_, err := store.Create(ctx, &domain.Note{ID: "old"})
	require.NoError(t, err)
	_, err = store.Create(ctx, &domain.Note{ID: "gone"})
	require.NoError(t, err)

	watermark := svc.Handle(domain.SyncRequest{FullSync: true}).SyncVersion

	_, err = store.Create(ctx, &domain.Note{ID: "new"})
	require.NoError(t, err)
	_, _, err = store.Delete(ctx, "gone")
	require.NoError(t, err)

	resp := svc.Handle(domain.SyncRequest{LastSyncVersion: watermark})

	assert.False(t, resp.FullSync)
	assert.Equal(t, []string{"new"}, noteIDs(resp.Notes))
	assert.Equal(t, []string{"gone"}, resp.DeletedNoteIDs)
	assert.Equal(t, int64(4), resp.SyncVersion)

	again := svc.Handle(domain.SyncRequest{LastSyncVersion: resp.SyncVersion})
	assert.Empty(t, again.Notes)
	assert.Empty(t, again.DeletedNoteIDs)
}

func TestWatermarkBeforeBootForcesFullSync(t *testing.T) {
	repo := newMockNoteRepo()
	ctx := context.Background()
	first := newTestStore(t, repo)
	for i := 0; i < 3; i++ {
		_, err := first.Create(ctx, &domain.Note{ID: fmt.Sprint(i)})
		require.NoError(t, err)
	}

	svc := NewSyncService(newTestStore(t, repo), 10)
	resp := svc.Handle(domain.SyncRequest{LastSyncVersion: 1})

	assert.True(t, resp.FullSync)
	assert.Len(t, resp.Notes, 3)
}

func TestWatermarkAheadOfStoreForcesFullSync(t *testing.T) {
	store := newTestStore(t, nil)
	_, err := store.Create(context.Background(), &domain.Note{ID: "a"})
	require.NoError(t, err)

	resp := NewSyncService(store, 10).Handle(domain.SyncRequest{LastSyncVersion: 99})

	assert.True(t, resp.FullSync)
	assert.Len(t, resp.Notes, 1)
}

func TestRecentIsBatched(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := store.Create(ctx, &domain.Note{ID: fmt.Sprint(i)})
		require.NoError(t, err)
	}

	resp := NewSyncService(store, 2).Recent("c")

	assert.Len(t, resp.Notes, 2)
	assert.Equal(t, int64(5), resp.SyncVersion)
	assert.False(t, resp.FullSync)
}
