package eventstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"example.com/aethyr/world/domain"
)

func saveTorch(t *testing.T, repo *Repository, updates int) {
	t.Helper()
	ctx := context.Background()
	torch := domain.NewGameObject("torch")
	require.NoError(t, torch.Create("torch", "light_source", "bag"))
	_, err := repo.Save(ctx, torch)
	require.NoError(t, err)

	for i := 0; i < updates; i++ {
		require.NoError(t, torch.UpdateAttribute("burns", domain.Int(int64(i))))
		_, err := repo.Save(ctx, torch)
		require.NoError(t, err)
	}
}

func TestRepositorySnapshotPolicy(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(newTestStore(t, NewMemoryBackend()), 2)

	saveTorch(t, repo, 0)
	snapshot, err := repo.Store().LoadSnapshot(ctx, "torch")
	require.NoError(t, err)
	require.Nil(t, snapshot)

	duplicate := domain.NewGameObject("torch")
	require.NoError(t, duplicate.Create("torch", "light_source", ""))
	require.NoError(t, duplicate.UpdateAttribute("lit", domain.Bool(true)))
	_, err = repo.Save(ctx, duplicate)
	require.ErrorIs(t, err, domain.ErrConcurrency)
	require.Len(t, duplicate.GetEvents(), 2)
	snapshot, err = repo.Store().LoadSnapshot(ctx, "torch")
	require.NoError(t, err)
	require.Nil(t, snapshot, "a rejected save must not snapshot")

	agg, err := repo.Load(ctx, "torch")
	require.NoError(t, err)
	torch := agg.(*domain.GameObject)
	require.NoError(t, torch.UpdateAttribute("color", domain.String("orange")))
	_, err = repo.Save(ctx, torch)
	require.NoError(t, err)

	snapshot, err = repo.Store().LoadSnapshot(ctx, "torch")
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	require.Equal(t, int64(2), snapshot.Sequence)
	require.Equal(t, domain.GameObjectType, snapshot.AggregateType)
}

func TestRepositorySnapshotEquivalence(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, NewMemoryBackend())
	repo := NewRepository(store, 2)
	saveTorch(t, repo, 4)

	snapshot, err := store.LoadSnapshot(ctx, "torch")
	require.NoError(t, err)
	require.Equal(t, int64(4), snapshot.Sequence)

	fromSnapshot, err := repo.Load(ctx, "torch")
	require.NoError(t, err)

	events, err := store.LoadEvents(ctx, "torch")
	require.NoError(t, err)
	replayed, err := domain.Fold(domain.GameObjectType, "torch", events)
	require.NoError(t, err)

	require.Equal(t, replayed.GetVersion(), fromSnapshot.GetVersion())
	require.Equal(t, int64(5), fromSnapshot.GetVersion())
	require.Equal(t, replayed.(*domain.GameObject).State, fromSnapshot.(*domain.GameObject).State)
}

func TestRepositoryIgnoresBadSnapshots(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	store := newTestStore(t, backend)
	repo := NewRepository(store, 0)
	saveTorch(t, repo, 2)

	require.NoError(t, backend.Set(ctx, snapshotKey("torch"), []byte("{broken")))
	agg, err := repo.Load(ctx, "torch")
	require.NoError(t, err)
	require.Equal(t, int64(3), agg.GetVersion())

	// A snapshot ahead of the log is discarded
	require.NoError(t, store.StoreSnapshot(ctx, Snapshot{
		AggregateID:   "torch",
		AggregateType: domain.GameObjectType,
		Sequence:      10,
		State:         []byte(`{"name":"ghost","created":true}`),
	}))
	agg, err = repo.Load(ctx, "torch")
	require.NoError(t, err)
	require.Equal(t, int64(3), agg.GetVersion())
	require.Equal(t, "torch", agg.(*domain.GameObject).State.Name)
}

func TestRepositoryLoadByType(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(newTestStore(t, NewMemoryBackend()), DefaultSnapshotFrequency)

	room := domain.NewRoom("clearing")
	require.NoError(t, room.Create("Clearing", "room", "", "A quiet clearing"))
	require.NoError(t, room.AddExit("north", "forest"))
	_, err := repo.Save(ctx, room)
	require.NoError(t, err)
	require.Empty(t, room.GetEvents())

	agg, err := repo.Load(ctx, "clearing")
	require.NoError(t, err)
	require.Equal(t, domain.RoomType, agg.GetType())
	require.Equal(t, map[string]string{"north": "forest"}, agg.(*domain.Room).Exits)

	_, err = repo.LoadAs(ctx, domain.RoomType, "clearing")
	require.NoError(t, err)

	_, err = repo.LoadAs(ctx, domain.PlayerType, "clearing")
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = repo.Load(ctx, "nowhere")
	require.ErrorIs(t, err, domain.ErrAggregateNotFound)

	ok, err := repo.Exists(ctx, "clearing")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = repo.Exists(ctx, "nowhere")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRepositorySaveWithNothingPending(t *testing.T) {
	repo := NewRepository(newTestStore(t, NewMemoryBackend()), DefaultSnapshotFrequency)
	committed, err := repo.Save(context.Background(), domain.NewGameObject("idle"))
	require.NoError(t, err)
	require.Empty(t, committed)
}
