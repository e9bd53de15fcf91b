package eventstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryBackend is an in-memory implementation of Backend.
// Useful for testing and ephemeral runs.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	v, ok := b.data[key]
	if !ok {
		return nil, false, nil
	}
	return copyBytes(v), true, nil
}

func (b *MemoryBackend) Set(ctx context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data[key] = copyBytes(value)
	return nil
}

func (b *MemoryBackend) SetAll(ctx context.Context, entries []Entry, guard *Guard) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if guard != nil {
		current, exists := b.data[guard.Key]
		if !guard.matches(current, exists) {
			return ErrConflict
		}
	}
	for _, e := range entries {
		b.data[e.Key] = copyBytes(e.Value)
	}
	return nil
}

func (b *MemoryBackend) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Entry
	for k, v := range b.data {
		if strings.HasPrefix(k, prefix) {
			result = append(result, Entry{Key: k, Value: copyBytes(v)})
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

func (b *MemoryBackend) Clear(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = make(map[string][]byte)
	return nil
}

func (b *MemoryBackend) Close() error { return nil }

// Store a copy to prevent external modification
func copyBytes(v []byte) []byte {
	if v == nil {
		return nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out
}
