package eventstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newRedisBackend(t *testing.T) *RedisBackend {
	mr := miniredis.RunT(t)
	backend, err := NewRedisBackend(context.Background(), &redis.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return backend
}

func newTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "world.db")), &gorm.Config{})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func newGormBackend(t *testing.T) *GormBackend {
	backend, err := NewGormBackend(newTestDB(t))
	require.NoError(t, err)
	return backend
}

func newFileBackend(t *testing.T) *FileBackend {
	backend, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	return backend
}

func backends(t *testing.T) map[string]func(t *testing.T) Backend {
	return map[string]func(t *testing.T) Backend{
		"memory": func(t *testing.T) Backend { return NewMemoryBackend() },
		"file":   func(t *testing.T) Backend { return newFileBackend(t) },
		"redis":  func(t *testing.T) Backend { return newRedisBackend(t) },
		"gorm":   func(t *testing.T) Backend { return newGormBackend(t) },
	}
}

func TestBackendContract(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := open(t)

			_, ok, err := b.Get(ctx, sequenceKey("torch"))
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, b.Set(ctx, snapshotKey("torch"), []byte("snap")))
			v, ok, err := b.Get(ctx, snapshotKey("torch"))
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, []byte("snap"), v)

			// First batch requires the counter to be absent
			guard := &Guard{Key: sequenceKey("torch")}
			require.NoError(t, b.SetAll(ctx, []Entry{
				{Key: eventKey("torch", 1), Value: []byte("e1")},
				{Key: sequenceKey("torch"), Value: []byte("1")},
			}, guard))

			// Same guard again must conflict and write nothing
			err = b.SetAll(ctx, []Entry{
				{Key: eventKey("torch", 2), Value: []byte("e2")},
				{Key: sequenceKey("torch"), Value: []byte("2")},
			}, guard)
			require.ErrorIs(t, err, ErrConflict)
			_, ok, err = b.Get(ctx, eventKey("torch", 2))
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, b.SetAll(ctx, []Entry{
				{Key: eventKey("torch", 2), Value: []byte("e2")},
				{Key: sequenceKey("torch"), Value: []byte("2")},
			}, &Guard{Key: sequenceKey("torch"), Expected: []byte("1")}))

			err = b.SetAll(ctx, []Entry{
				{Key: eventKey("torch", 3), Value: []byte("e3")},
				{Key: sequenceKey("torch"), Value: []byte("3")},
			}, &Guard{Key: sequenceKey("torch"), Expected: []byte("1")})
			require.ErrorIs(t, err, ErrConflict)

			// An id with an underscore must not match a LIKE wildcard
			require.NoError(t, b.SetAll(ctx, []Entry{
				{Key: eventKey("a_b", 1), Value: []byte("x")},
				{Key: eventKey("aXb", 1), Value: []byte("y")},
				{Key: sequenceKey("a_b"), Value: []byte("1")},
			}, nil))

			entries, err := b.Scan(ctx, eventKeyPrefix("torch"))
			require.NoError(t, err)
			require.Equal(t, []Entry{
				{Key: eventKey("torch", 1), Value: []byte("e1")},
				{Key: eventKey("torch", 2), Value: []byte("e2")},
			}, entries)

			entries, err = b.Scan(ctx, eventKeyPrefix("a_b"))
			require.NoError(t, err)
			require.Len(t, entries, 1)
			require.Equal(t, []byte("x"), entries[0].Value)

			entries, err = b.Scan(ctx, sequencePrefix)
			require.NoError(t, err)
			require.Len(t, entries, 2)

			require.NoError(t, b.Clear(ctx))
			entries, err = b.Scan(ctx, "")
			require.NoError(t, err)
			require.Empty(t, entries)
		})
	}
}

func TestFileBackendLayout(t *testing.T) {
	ctx := context.Background()
	b := newFileBackend(t)

	require.NoError(t, b.SetAll(ctx, []Entry{
		{Key: sequenceKey("room-1"), Value: []byte("1")},
		{Key: eventKey("room-1", 1), Value: []byte("e1")},
	}, nil))
	require.NoError(t, b.Set(ctx, snapshotKey("room-1"), []byte("s")))

	require.FileExists(t, filepath.Join(b.Root(), "room-1", "1.event"))
	require.FileExists(t, filepath.Join(b.Root(), "room-1.sequence"))
	require.FileExists(t, filepath.Join(b.Root(), "snapshots", "room-1.snapshot"))

	_, err := b.Scan(ctx, eventKeyPrefix("missing"))
	require.NoError(t, err)
}

func TestFileBackendScanStaysInPlace(t *testing.T) {
	ctx := context.Background()
	b := newFileBackend(t)

	for _, id := range []string{"room-1", "room-2"} {
		require.NoError(t, b.SetAll(ctx, []Entry{
			{Key: eventKey(id, 1), Value: []byte("e1")},
			{Key: eventKey(id, 2), Value: []byte("e2")},
			{Key: sequenceKey(id), Value: []byte("2")},
		}, nil))
	}

	start, flat := b.scanRoot(sequencePrefix)
	require.Equal(t, b.Root(), start)
	require.True(t, flat)

	start, flat = b.scanRoot(eventKeyPrefix("room-1"))
	require.Equal(t, filepath.Join(b.Root(), "room-1"), start)
	require.True(t, flat)

	start, flat = b.scanRoot("")
	require.Equal(t, b.Root(), start)
	require.False(t, flat)

	entries, err := b.Scan(ctx, sequencePrefix)
	require.NoError(t, err)
	require.Equal(t, []Entry{
		{Key: sequenceKey("room-1"), Value: []byte("2")},
		{Key: sequenceKey("room-2"), Value: []byte("2")},
	}, entries)

	entries, err = b.Scan(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 6)
}

func TestRedisBackendUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisBackend(context.Background(), &redis.Options{Addr: addr, MaxRetries: -1})
	require.Error(t, err)
}
