package eventstore

import (
	"context"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

const redisBatchSize = 500

// RedisBackend implements Backend on a Redis server. Guarded batches use
// WATCH on the guard key and a MULTI/EXEC pipeline.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend connects to Redis and verifies the connection
func NewRedisBackend(ctx context.Context, opts *redis.Options) (*RedisBackend, error) {
	client := redis.NewClient(opts)

	// Test the connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := client.Ping(pingCtx).Result(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &RedisBackend{client: client}, nil
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := b.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to get %s from Redis", key)
	}
	return data, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte) error {
	if err := b.client.Set(ctx, key, value, 0).Err(); err != nil {
		return errors.Wrapf(err, "failed to set %s in Redis", key)
	}
	return nil
}

func (b *RedisBackend) SetAll(ctx context.Context, entries []Entry, guard *Guard) error {
	txf := func(tx *redis.Tx) error {
		if guard != nil {
			current, err := tx.Get(ctx, guard.Key).Bytes()
			exists := true
			if err == redis.Nil {
				exists = false
			} else if err != nil {
				return errors.Wrap(err, "failed to read guard key")
			}
			if !guard.matches(current, exists) {
				return ErrConflict
			}
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, e := range entries {
				pipe.Set(ctx, e.Key, e.Value, 0)
			}
			return nil
		})
		return err
	}

	var keys []string
	if guard != nil {
		keys = append(keys, guard.Key)
	}

	err := b.client.Watch(ctx, txf, keys...)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConflict), errors.Is(err, redis.TxFailedErr):
		return ErrConflict
	default:
		return errors.Wrap(err, "failed to write batch to Redis")
	}
}

func (b *RedisBackend) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	seen := make(map[string]struct{})
	iter := b.client.Scan(ctx, 0, pattern, redisBatchSize).Iterator()
	for iter.Next(ctx) {
		// SCAN may return a key more than once
		if _, dup := seen[iter.Val()]; dup {
			continue
		}
		seen[iter.Val()] = struct{}{}
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to scan %s", pattern)
	}
	return keys, nil
}

func (b *RedisBackend) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	keys, err := b.scanKeys(ctx, prefix+"*")
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)

	result := make([]Entry, 0, len(keys))
	for start := 0; start < len(keys); start += redisBatchSize {
		end := start + redisBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		values, err := b.client.MGet(ctx, keys[start:end]...).Result()
		if err != nil {
			return nil, errors.Wrap(err, "failed to read scanned keys")
		}
		for i, v := range values {
			s, ok := v.(string)
			if !ok {
				// deleted between SCAN and MGET
				continue
			}
			result = append(result, Entry{Key: keys[start+i], Value: []byte(s)})
		}
	}
	return result, nil
}

func (b *RedisBackend) Clear(ctx context.Context) error {
	for _, prefix := range []string{eventPrefix, sequencePrefix, snapshotPrefix} {
		keys, err := b.scanKeys(ctx, prefix+"*")
		if err != nil {
			return err
		}
		for start := 0; start < len(keys); start += redisBatchSize {
			end := start + redisBatchSize
			if end > len(keys) {
				end = len(keys)
			}
			if err := b.client.Del(ctx, keys[start:end]...).Err(); err != nil {
				return errors.Wrap(err, "failed to delete keys")
			}
		}
	}
	return nil
}

// Close closes the Redis connection
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
