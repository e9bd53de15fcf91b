package service

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"example.com/aethyr/world/domain"
	"example.com/aethyr/world/eventstore"
	"example.com/aethyr/world/handlers"
	"example.com/aethyr/world/metrics"
	"example.com/aethyr/world/models"
)

func newTestWorld(t *testing.T) *World {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "world.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.ReadModels()...))

	m := metrics.NewMetrics()
	store := eventstore.New(eventstore.NewMemoryBackend(), eventstore.Options{RetryCount: 3, RetryDelay: time.Millisecond, Metrics: m})
	return NewWorld(store, db, Options{SnapshotFrequency: 2, Metrics: m})
}

func TestSubmitAndQuery(t *testing.T) {
	ctx := context.Background()
	w := newTestWorld(t)

	require.NoError(t, w.SubmitCommand(ctx, handlers.CreateRoomCommand{AggregateID: "hall", Name: "Hall"}))
	require.NoError(t, w.SubmitCommand(ctx, handlers.CreateGameObjectCommand{AggregateID: "torch", Name: "torch", Generic: "light_source"}))
	require.NoError(t, w.SubmitCommand(ctx, handlers.UpdateAttributeCommand{AggregateID: "torch", Key: "brightness", Value: 5}))
	require.NoError(t, w.SubmitCommand(ctx, handlers.MoveGameObjectCommand{AggregateID: "torch", ContainerID: "hall"}))

	rows, err := w.QueryProjection(ctx, models.GameObjectsTable, map[string]any{"container_id": "hall"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "torch", rows[0]["id"])
	require.Equal(t, int64(3), rows[0]["sequence"])

	err = w.SubmitCommand(ctx, handlers.UpdateAttributeCommand{AggregateID: "lantern", Key: "lit", Value: true})
	require.ErrorIs(t, err, domain.ErrAggregateNotFound)

	err = w.SubmitCommand(ctx, handlers.CreateGameObjectCommand{AggregateID: "torch", Name: "torch"})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = w.QueryProjection(ctx, "snapshots", nil)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestSubmitEncoded(t *testing.T) {
	ctx := context.Background()
	w := newTestWorld(t)

	events, err := w.SubmitEncoded(ctx, handlers.CreateGameObjectCommand{}.CommandType(),
		json.RawMessage(`{"aggregate_id":"torch","name":"torch","attributes":{"brightness":5,"ratio":0.5}}`))
	require.NoError(t, err)
	require.Len(t, events, 2)

	rows, err := w.QueryProjection(ctx, models.GameObjectsTable, map[string]any{"id": "torch"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"brightness": int64(5), "ratio": 0.5}, rows[0]["attributes"])

	_, err = w.SubmitEncoded(ctx, "Teleport", json.RawMessage(`{}`))
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestSubmitEncodedTaggedValues(t *testing.T) {
	ctx := context.Background()
	w := newTestWorld(t)
	require.NoError(t, w.SubmitCommand(ctx, handlers.CreatePlayerCommand{AggregateID: "alice", Name: "Alice", PasswordHash: "h"}))

	attrs, err := json.Marshal(map[string]domain.Value{
		"tags":  domain.Set(domain.Symbol("lit"), domain.Symbol("hot")),
		"owner": domain.Ref("alice"),
		"kind":  domain.Symbol("light_source"),
	})
	require.NoError(t, err)
	data := `{"aggregate_id":"torch","name":"torch","attributes":` + string(attrs) + `}`

	_, err = w.SubmitEncoded(ctx, handlers.CreateGameObject, json.RawMessage(data))
	require.NoError(t, err)

	events, err := w.Events(ctx, "torch")
	require.NoError(t, err)
	require.Len(t, events, 2)
	got := events[1].Payload.(domain.AttributesUpdatedEvent).Attributes
	require.True(t, domain.Set(domain.Symbol("hot"), domain.Symbol("lit")).Equal(got["tags"]))
	require.Equal(t, domain.Ref("alice"), got["owner"])
	require.Equal(t, domain.Symbol("light_source"), got["kind"])

	// an event read back can be submitted again without losing kinds
	again, err := json.Marshal(map[string]any{"aggregate_id": "torch", "attributes": got})
	require.NoError(t, err)
	_, err = w.SubmitEncoded(ctx, handlers.UpdateAttributes, json.RawMessage(again))
	require.NoError(t, err)
	events, err = w.Events(ctx, "torch")
	require.NoError(t, err)
	require.Equal(t, domain.Ref("alice"), events[2].Payload.(domain.AttributesUpdatedEvent).Attributes["owner"])
}

func TestRebuildWorldState(t *testing.T) {
	ctx := context.Background()
	w := newTestWorld(t)

	require.NoError(t, w.SubmitCommand(ctx, handlers.CreatePlayerCommand{AggregateID: "alice", Name: "Alice", PasswordHash: "h"}))
	require.NoError(t, w.SubmitCommand(ctx, handlers.SetPlayerAdminCommand{AggregateID: "alice", Admin: true}))
	require.NoError(t, w.SubmitCommand(ctx, handlers.CreateGameObjectCommand{AggregateID: "torch", Name: "torch"}))

	before, err := w.QueryProjection(ctx, models.PlayersTable, nil)
	require.NoError(t, err)

	stats, err := w.RebuildWorldState(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Aggregates)
	require.Equal(t, 3, stats.Events)

	after, err := w.QueryProjection(ctx, models.PlayersTable, nil)
	require.NoError(t, err)
	require.Len(t, after, 1)
	require.Equal(t, before[0]["admin"], after[0]["admin"])
	require.Equal(t, before[0]["sequence"], after[0]["sequence"])
}

func TestEventsAndStatistics(t *testing.T) {
	ctx := context.Background()
	w := newTestWorld(t)

	require.NoError(t, w.SubmitCommand(ctx, handlers.CreateGameObjectCommand{AggregateID: "torch", Name: "torch"}))
	require.NoError(t, w.SubmitCommand(ctx, handlers.UpdateAttributeCommand{AggregateID: "torch", Key: "lit", Value: true}))

	events, err := w.Events(ctx, "torch")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, int64(2), events[1].Sequence)

	_, err = w.Events(ctx, "nobody")
	require.ErrorIs(t, err, domain.ErrAggregateNotFound)

	stats := w.Statistics(ctx)
	require.Equal(t, int64(2), stats.Store.EventsStored)
	require.Equal(t, int64(1), stats.Store.AggregateCount)
	require.Equal(t, int64(1), stats.Store.SnapshotsStored)

	swept, err := w.SweepProjections(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, swept)
}
