package eventstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	eventExt    = ".event"
	sequenceExt = ".sequence"
	snapshotExt = ".snapshot"
	snapshotDir = "snapshots"
	tempPrefix  = ".tmp-"
)

// FileBackend stores entries as files under a root directory:
//
//	{root}/{aggregate_id}/{sequence}.event
//	{root}/{aggregate_id}.sequence
//	{root}/snapshots/{aggregate_id}.snapshot
//
// Each file is replaced atomically by rename. A batch is not atomic on disk,
// so SetAll writes the sequence counter last and readers ignore events past
// the counter.
type FileBackend struct {
	mu   sync.Mutex
	root string
}

// NewFileBackend creates the directory layout under root
func NewFileBackend(root string) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Join(root, snapshotDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileBackend{root: root}, nil
}

func (b *FileBackend) path(key string) (string, error) {
	if id, seq, ok := parseEventKey(key); ok {
		return filepath.Join(b.root, id, fmt.Sprintf("%d%s", seq, eventExt)), nil
	}
	if id, ok := strings.CutPrefix(key, sequencePrefix); ok && id != "" {
		return filepath.Join(b.root, id+sequenceExt), nil
	}
	if id, ok := strings.CutPrefix(key, snapshotPrefix); ok && id != "" {
		return filepath.Join(b.root, snapshotDir, id+snapshotExt), nil
	}
	return "", fmt.Errorf("unsupported key %q", key)
}

// key maps a path relative to root back to its key
func (b *FileBackend) key(rel string) (string, bool) {
	dir, file := filepath.Split(filepath.ToSlash(rel))
	dir = strings.TrimSuffix(dir, "/")
	if strings.HasPrefix(file, tempPrefix) {
		return "", false
	}

	switch {
	case dir == snapshotDir && strings.HasSuffix(file, snapshotExt):
		return snapshotKey(strings.TrimSuffix(file, snapshotExt)), true
	case dir == "" && strings.HasSuffix(file, sequenceExt):
		return sequenceKey(strings.TrimSuffix(file, sequenceExt)), true
	case dir != "" && !strings.Contains(dir, "/") && strings.HasSuffix(file, eventExt):
		return eventKeyPrefix(dir) + strings.TrimSuffix(file, eventExt), true
	}
	return "", false
}

func (b *FileBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	p, err := b.path(key)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return data, true, nil
}

func (b *FileBackend) Set(ctx context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.write(key, value)
}

func (b *FileBackend) SetAll(ctx context.Context, entries []Entry, guard *Guard) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if guard != nil {
		current, exists, err := b.Get(ctx, guard.Key)
		if err != nil {
			return err
		}
		if !guard.matches(current, exists) {
			return ErrConflict
		}
	}

	// Counters are the commit point, so they go last
	ordered := make([]Entry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		return !strings.HasPrefix(ordered[i].Key, sequencePrefix) && strings.HasPrefix(ordered[j].Key, sequencePrefix)
	})

	for _, e := range ordered {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.write(e.Key, e.Value); err != nil {
			return err
		}
	}
	return nil
}

func (b *FileBackend) write(key string, value []byte) error {
	p, err := b.path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", p, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("failed to rename into %s: %w", p, err)
	}
	return nil
}

// scanRoot narrows a scan to the directory holding keys with prefix. Flat
// scans stay in that directory: sequence files sit next to the per
// aggregate event directories and never inside them.
func (b *FileBackend) scanRoot(prefix string) (start string, flat bool) {
	if rest, ok := strings.CutPrefix(prefix, eventPrefix); ok {
		if id, ok := strings.CutSuffix(rest, ":"); ok && id != "" && !strings.Contains(id, ":") {
			return filepath.Join(b.root, id), true
		}
		return b.root, false
	}
	switch {
	case strings.HasPrefix(prefix, snapshotPrefix):
		return filepath.Join(b.root, snapshotDir), true
	case strings.HasPrefix(prefix, sequencePrefix):
		return b.root, true
	}
	return b.root, false
}

func (b *FileBackend) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	start, flat := b.scanRoot(prefix)

	var result []Entry
	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if flat && p != start {
				return fs.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		key, ok := b.key(rel)
		if !ok || !strings.HasPrefix(key, prefix) {
			return nil
		}
		data, err := os.ReadFile(p)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		result = append(result, Entry{Key: key, Value: data})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", start, err)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

func (b *FileBackend) Clear(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := os.ReadDir(b.root)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", b.root, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(b.root, e.Name())); err != nil {
			return fmt.Errorf("failed to remove %s: %w", e.Name(), err)
		}
	}
	return os.MkdirAll(filepath.Join(b.root, snapshotDir), 0o755)
}

func (b *FileBackend) Close() error { return nil }

// Root returns the storage directory
func (b *FileBackend) Root() string { return b.root }
