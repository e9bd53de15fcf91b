package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  backend: file
  path: /tmp/world
eventstore:
  retry_count: 5
  retry_delay: 10ms
redis:
  host: cache
  port: 6380
`), 0o644))

	SetConfigFile(path)
	defer SetConfigFile("")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "file", cfg.Storage.Backend)
	require.Equal(t, "/tmp/world", cfg.Storage.Path)
	require.Equal(t, 5, cfg.EventStore.RetryCount)
	require.Equal(t, 10*time.Millisecond, cfg.EventStore.RetryDelay)
	require.Equal(t, "cache:6380", cfg.Redis.RedisAddr())

	// Untouched keys keep their defaults
	require.Equal(t, int64(100), cfg.EventStore.SnapshotFrequency)
	require.Equal(t, 3, cfg.Handlers.CommandRetries)
	require.Equal(t, 5*time.Second, cfg.Handlers.LockTimeout)
	require.Equal(t, "postgres", cfg.Database.Driver)
}

func TestEnvironmentOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  backend: redis\n"), 0o644))
	SetConfigFile(path)
	defer SetConfigFile("")

	t.Setenv("WORLD_STORAGE_BACKEND", "memory")
	t.Setenv("WORLD_EVENTSTORE_RETRY_COUNT", "7")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "memory", cfg.Storage.Backend)
	require.Equal(t, 7, cfg.EventStore.RetryCount)
}

func TestFormatIndex(t *testing.T) {
	require.Equal(t, "world-rooms", FormatIndex(ElasticConfig{Prefix: "world"}, "rooms"))
	require.Equal(t, "rooms", FormatIndex(ElasticConfig{}, "rooms"))
}
