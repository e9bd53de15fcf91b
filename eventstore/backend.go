package eventstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrConflict is returned by Backend.SetAll when the guard key no longer
// holds the expected value. Nothing from the batch is written.
var ErrConflict = errors.New("guard key changed")

// Entry is a single key/value pair
type Entry struct {
	Key   string
	Value []byte
}

// Guard makes a batch conditional on the current value of one key. A nil
// Expected means the key must be absent.
type Guard struct {
	Key      string
	Expected []byte
}

func (g *Guard) matches(current []byte, exists bool) bool {
	if g.Expected == nil {
		return !exists
	}
	return exists && bytes.Equal(current, g.Expected)
}

// Backend is the key-value contract the event store persists through
type Backend interface {
	// Get returns the value for key and whether it exists
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set writes a single key
	Set(ctx context.Context, key string, value []byte) error

	// SetAll writes every entry or none of them. With a guard, the batch is
	// rejected with ErrConflict if the guard key changed.
	SetAll(ctx context.Context, entries []Entry, guard *Guard) error

	// Scan returns every entry whose key starts with prefix
	Scan(ctx context.Context, prefix string) ([]Entry, error)

	// Clear removes everything the event store wrote
	Clear(ctx context.Context) error

	// Close releases the underlying connection
	Close() error
}

const (
	eventPrefix    = "event:"
	sequencePrefix = "sequence:"
	snapshotPrefix = "snapshot:"
)

func eventKey(aggregateID string, sequence int64) string {
	return fmt.Sprintf("%s%s:%d", eventPrefix, aggregateID, sequence)
}

func eventKeyPrefix(aggregateID string) string {
	return eventPrefix + aggregateID + ":"
}

func sequenceKey(aggregateID string) string {
	return sequencePrefix + aggregateID
}

func snapshotKey(aggregateID string) string {
	return snapshotPrefix + aggregateID
}

// parseEventKey splits event:{id}:{seq}
func parseEventKey(key string) (string, int64, bool) {
	rest, ok := strings.CutPrefix(key, eventPrefix)
	if !ok {
		return "", 0, false
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 {
		return "", 0, false
	}
	seq, err := strconv.ParseInt(rest[i+1:], 10, 64)
	if err != nil || seq < 1 {
		return "", 0, false
	}
	return rest[:i], seq, true
}

func parseSequence(raw []byte) (int64, error) {
	seq, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid sequence counter %q: %w", raw, err)
	}
	return seq, nil
}

func formatSequence(seq int64) []byte {
	return []byte(strconv.FormatInt(seq, 10))
}
