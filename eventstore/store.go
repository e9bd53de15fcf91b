package eventstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"example.com/aethyr/world/domain"
	"example.com/aethyr/world/metrics"
	"example.com/aethyr/world/utils"
)

const (
	DefaultRetryCount = 3
	DefaultRetryDelay = 500 * time.Millisecond
)

// Options configures an EventStore
type Options struct {
	// RetryCount is the total number of attempts per operation
	RetryCount int
	// RetryDelay is the first backoff interval; it doubles per attempt
	RetryDelay time.Duration
	Resolver   AggregateResolver
	Metrics    *metrics.Metrics
}

// Statistics is a point-in-time view of the store counters
type Statistics struct {
	EventsStored         int64 `json:"events_stored"`
	EventsLoaded         int64 `json:"events_loaded"`
	StoreFailures        int64 `json:"store_failures"`
	LoadFailures         int64 `json:"load_failures"`
	SnapshotsStored      int64 `json:"snapshots_stored"`
	SnapshotsLoaded      int64 `json:"snapshots_loaded"`
	AggregateCount       int64 `json:"aggregate_count"`
	ConcurrencyConflicts int64 `json:"concurrency_conflicts"`
}

// EventStore is the append-only, per-aggregate event log. It is safe for
// concurrent use and meant to be shared by the whole process.
type EventStore struct {
	backend    Backend
	codec      *Codec
	resolver   AggregateResolver
	metrics    *metrics.Metrics
	retryCount int
	retryDelay time.Duration

	locks     *utils.KeyedMutex
	mu        sync.Mutex
	sequences map[string]int64
}

// New creates an event store on top of backend
func New(backend Backend, opts Options) *EventStore {
	if opts.RetryCount < 1 {
		opts.RetryCount = DefaultRetryCount
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Resolver == nil {
		opts.Resolver = NewBackendResolver(backend)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetrics()
	}

	return &EventStore{
		backend:    backend,
		codec:      NewCodec(opts.Resolver),
		resolver:   opts.Resolver,
		metrics:    opts.Metrics,
		retryCount: opts.RetryCount,
		retryDelay: opts.RetryDelay,
		locks:      utils.NewKeyedMutex(),
		sequences:  make(map[string]int64),
	}
}

// Backend returns the underlying storage backend
func (s *EventStore) Backend() Backend { return s.backend }

// Close closes the backend
func (s *EventStore) Close() error { return s.backend.Close() }

// StoreEvents commits events grouped by aggregate. Each group is written in
// one guarded batch and gets the sequence numbers following the persisted
// counter. The returned slice holds the committed events with their final
// sequence numbers; on error it holds the groups committed before the failure.
func (s *EventStore) StoreEvents(ctx context.Context, events []domain.Event) ([]domain.Event, error) {
	var order []string
	groups := make(map[string][]domain.Event)
	for _, e := range events {
		if _, ok := groups[e.AggregateID]; !ok {
			order = append(order, e.AggregateID)
		}
		groups[e.AggregateID] = append(groups[e.AggregateID], e)
	}

	committed := make([]domain.Event, 0, len(events))
	for _, id := range order {
		stored, err := s.storeGroup(ctx, id, groups[id])
		if err != nil {
			return committed, err
		}
		committed = append(committed, stored...)
	}
	return committed, nil
}

func (s *EventStore) storeGroup(ctx context.Context, aggregateID string, group []domain.Event) ([]domain.Event, error) {
	if !domain.ValidID(aggregateID) {
		return nil, &domain.ValidationError{Field: "aggregate_id", Reason: fmt.Sprintf("%q is not a valid aggregate id", aggregateID)}
	}

	unlock, err := s.locks.Lock(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := s.CurrentSequence(ctx, aggregateID)
	if err != nil {
		return nil, err
	}

	// Sequence 0 means the caller has no expectation
	if expected := group[0].Sequence - 1; group[0].Sequence > 0 && expected != current {
		// Another process may have written since the counter was cached
		s.forget(aggregateID)
		if current, err = s.CurrentSequence(ctx, aggregateID); err != nil {
			return nil, err
		}
		if expected != current {
			s.metrics.IncrementCounter(metrics.ConcurrencyConflicts)
			return nil, &domain.OptimisticConcurrencyError{AggregateID: aggregateID, Expected: expected, Actual: current}
		}
	}

	now := time.Now().UTC()
	stored := make([]domain.Event, len(group))
	entries := make([]Entry, 0, len(group)+1)
	for i, e := range group {
		if !domain.KnownAggregateType(e.AggregateType) {
			s.metrics.IncrementCounter(metrics.StoreFailures)
			return nil, &domain.SerializationError{Reason: fmt.Sprintf("unregistered aggregate type %q", e.AggregateType)}
		}
		e.Sequence = current + int64(i) + 1
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}

		data, err := s.codec.EncodeEvent(e)
		if err != nil {
			s.metrics.IncrementCounter(metrics.StoreFailures)
			return nil, err
		}
		stored[i] = e
		entries = append(entries, Entry{Key: eventKey(aggregateID, e.Sequence), Value: data})
	}

	next := current + int64(len(group))
	entries = append(entries, Entry{Key: sequenceKey(aggregateID), Value: formatSequence(next)})
	guard := &Guard{Key: sequenceKey(aggregateID)}
	if current > 0 {
		guard.Expected = formatSequence(current)
	}

	attempts := 0
	err = s.retry(ctx, "store events", aggregateID, func() error {
		attempts++
		err := s.backend.SetAll(ctx, entries, guard)
		if errors.Is(err, ErrConflict) && attempts > 1 && s.wroteFirst(ctx, stored[0]) {
			// an earlier attempt landed but its reply was lost
			return nil
		}
		return err
	})
	if errors.Is(err, ErrConflict) {
		s.forget(aggregateID)
		s.metrics.IncrementCounter(metrics.ConcurrencyConflicts)
		actual, _ := s.CurrentSequence(ctx, aggregateID)
		return nil, &domain.OptimisticConcurrencyError{AggregateID: aggregateID, Expected: current, Actual: actual}
	}
	if err != nil {
		s.forget(aggregateID)
		s.metrics.IncrementCounter(metrics.StoreFailures)
		return nil, &domain.PersistenceError{Op: "store events", AggregateID: aggregateID, Err: err}
	}

	s.remember(aggregateID, next)
	s.metrics.IncrementCounterBy(metrics.EventsStored, int64(len(stored)))

	log.Debug().
		Str("aggregateID", aggregateID).
		Int64("fromSequence", current+1).
		Int64("toSequence", next).
		Msg("Events stored")

	return stored, nil
}

// wroteFirst reports whether the first event of a batch is already stored
// under its sequence number with the same event id.
func (s *EventStore) wroteFirst(ctx context.Context, first domain.Event) bool {
	data, ok, err := s.backend.Get(ctx, eventKey(first.AggregateID, first.Sequence))
	if err != nil || !ok {
		return false
	}
	raw, ok, err := s.backend.Get(ctx, sequenceKey(first.AggregateID))
	if err != nil || !ok {
		return false
	}
	counter, err := parseSequence(raw)
	if err != nil || counter < first.Sequence {
		return false
	}
	existing, err := NewCodec(nil).DecodeEvent(ctx, data)
	return err == nil && existing.ID == first.ID
}

// LoadEvents returns every committed event of an aggregate in sequence
// order. An unknown aggregate yields an empty slice.
func (s *EventStore) LoadEvents(ctx context.Context, aggregateID string) ([]domain.Event, error) {
	return s.LoadEventsAfter(ctx, aggregateID, 0)
}

// LoadEventsAfter returns the committed events with a sequence number
// greater than after.
func (s *EventStore) LoadEventsAfter(ctx context.Context, aggregateID string, after int64) ([]domain.Event, error) {
	events, err := s.loadEventsAfter(ctx, aggregateID, after)
	if err != nil {
		s.metrics.IncrementCounter(metrics.LoadFailures)
		return nil, err
	}
	s.metrics.IncrementCounterBy(metrics.EventsLoaded, int64(len(events)))
	return events, nil
}

func (s *EventStore) loadEventsAfter(ctx context.Context, aggregateID string, after int64) ([]domain.Event, error) {
	if !domain.ValidID(aggregateID) {
		return nil, &domain.ValidationError{Field: "aggregate_id", Reason: fmt.Sprintf("%q is not a valid aggregate id", aggregateID)}
	}

	var counter int64
	var entries []Entry
	err := s.retry(ctx, "load events", aggregateID, func() error {
		var err error
		if counter, err = s.readSequence(ctx, aggregateID); err != nil {
			return err
		}
		if counter <= after {
			entries = nil
			return nil
		}
		entries, err = s.backend.Scan(ctx, eventKeyPrefix(aggregateID))
		return err
	})
	if err != nil {
		return nil, &domain.PersistenceError{Op: "load events", AggregateID: aggregateID, Err: err}
	}
	s.remember(aggregateID, counter)

	type keyed struct {
		seq  int64
		data []byte
	}
	var selected []keyed
	for _, e := range entries {
		id, seq, ok := parseEventKey(e.Key)
		// Events past the counter belong to a batch that never committed
		if !ok || id != aggregateID || seq <= after || seq > counter {
			continue
		}
		selected = append(selected, keyed{seq: seq, data: e.Value})
	}
	sort.Slice(selected, func(i, j int) bool { return selected[i].seq < selected[j].seq })

	if want := counter - after; counter > after && int64(len(selected)) != want {
		return nil, &domain.PersistenceError{
			Op:          "load events",
			AggregateID: aggregateID,
			Err:         fmt.Errorf("expected %d events after sequence %d, found %d", want, after, len(selected)),
		}
	}

	events := make([]domain.Event, 0, len(selected))
	for _, k := range selected {
		event, err := s.codec.DecodeEvent(ctx, k.data)
		if err != nil {
			return nil, err
		}
		if event.Sequence != k.seq || event.AggregateID != aggregateID {
			return nil, &domain.SerializationError{Reason: fmt.Sprintf("event stored under %s:%d does not match its key", aggregateID, k.seq)}
		}
		events = append(events, event)
	}
	return events, nil
}

// StoreSnapshot saves the latest snapshot of an aggregate
func (s *EventStore) StoreSnapshot(ctx context.Context, snapshot Snapshot) error {
	if !domain.ValidID(snapshot.AggregateID) {
		return &domain.ValidationError{Field: "aggregate_id", Reason: fmt.Sprintf("%q is not a valid aggregate id", snapshot.AggregateID)}
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}
	data, err := s.codec.EncodeSnapshot(snapshot)
	if err != nil {
		s.metrics.IncrementCounter(metrics.StoreFailures)
		return err
	}

	err = s.retry(ctx, "store snapshot", snapshot.AggregateID, func() error {
		return s.backend.Set(ctx, snapshotKey(snapshot.AggregateID), data)
	})
	if err != nil {
		s.metrics.IncrementCounter(metrics.StoreFailures)
		return &domain.PersistenceError{Op: "store snapshot", AggregateID: snapshot.AggregateID, Err: err}
	}

	s.metrics.IncrementCounter(metrics.SnapshotsStored)
	log.Debug().
		Str("aggregateID", snapshot.AggregateID).
		Int64("sequence", snapshot.Sequence).
		Msg("Snapshot stored")
	return nil
}

// LoadSnapshot returns the latest snapshot, or nil if there is none
func (s *EventStore) LoadSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error) {
	if !domain.ValidID(aggregateID) {
		return nil, &domain.ValidationError{Field: "aggregate_id", Reason: fmt.Sprintf("%q is not a valid aggregate id", aggregateID)}
	}

	var data []byte
	var found bool
	err := s.retry(ctx, "load snapshot", aggregateID, func() error {
		var err error
		data, found, err = s.backend.Get(ctx, snapshotKey(aggregateID))
		return err
	})
	if err != nil {
		s.metrics.IncrementCounter(metrics.LoadFailures)
		return nil, &domain.PersistenceError{Op: "load snapshot", AggregateID: aggregateID, Err: err}
	}
	if !found {
		return nil, nil
	}

	snapshot, err := s.codec.DecodeSnapshot(data)
	if err != nil {
		s.metrics.IncrementCounter(metrics.LoadFailures)
		return nil, err
	}
	s.metrics.IncrementCounter(metrics.SnapshotsLoaded)
	return snapshot, nil
}

// CurrentSequence returns the last committed sequence number of an
// aggregate, zero if it has none. Values are cached per store instance.
func (s *EventStore) CurrentSequence(ctx context.Context, aggregateID string) (int64, error) {
	s.mu.Lock()
	seq, ok := s.sequences[aggregateID]
	s.mu.Unlock()
	if ok {
		return seq, nil
	}

	err := s.retry(ctx, "read sequence", aggregateID, func() error {
		var err error
		seq, err = s.readSequence(ctx, aggregateID)
		return err
	})
	if err != nil {
		s.metrics.IncrementCounter(metrics.LoadFailures)
		return 0, &domain.PersistenceError{Op: "read sequence", AggregateID: aggregateID, Err: err}
	}
	s.remember(aggregateID, seq)
	return seq, nil
}

func (s *EventStore) readSequence(ctx context.Context, aggregateID string) (int64, error) {
	raw, ok, err := s.backend.Get(ctx, sequenceKey(aggregateID))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return parseSequence(raw)
}

// remember caches a counter. Counters only move forward, so a stale read
// never lowers the cached value.
func (s *EventStore) remember(aggregateID string, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sequences[aggregateID]; !ok || seq > cur {
		s.sequences[aggregateID] = seq
	}
}

func (s *EventStore) forget(aggregateID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sequences, aggregateID)
}

// AggregateIDs lists every aggregate with at least one committed event
func (s *EventStore) AggregateIDs(ctx context.Context) ([]string, error) {
	var entries []Entry
	err := s.retry(ctx, "list aggregates", "", func() error {
		var err error
		entries, err = s.backend.Scan(ctx, sequencePrefix)
		return err
	})
	if err != nil {
		s.metrics.IncrementCounter(metrics.LoadFailures)
		return nil, &domain.PersistenceError{Op: "list aggregates", Err: err}
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		id := e.Key[len(sequencePrefix):]
		if domain.ValidID(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Reset wipes every event, counter and snapshot. Test and ops use only.
func (s *EventStore) Reset(ctx context.Context) error {
	err := s.retry(ctx, "reset", "", func() error {
		return s.backend.Clear(ctx)
	})
	if err != nil {
		return &domain.PersistenceError{Op: "reset", Err: err}
	}

	s.mu.Lock()
	s.sequences = make(map[string]int64)
	s.mu.Unlock()
	if f, ok := s.resolver.(interface{ Forget() }); ok {
		f.Forget()
	}

	log.Warn().Msg("Event store reset")
	return nil
}

// Statistics reports the store counters. The aggregate count comes from the
// backend; if it cannot be read the number of cached counters is used.
func (s *EventStore) Statistics(ctx context.Context) Statistics {
	stats := Statistics{
		EventsStored:         s.metrics.Counter(metrics.EventsStored),
		EventsLoaded:         s.metrics.Counter(metrics.EventsLoaded),
		StoreFailures:        s.metrics.Counter(metrics.StoreFailures),
		LoadFailures:         s.metrics.Counter(metrics.LoadFailures),
		SnapshotsStored:      s.metrics.Counter(metrics.SnapshotsStored),
		SnapshotsLoaded:      s.metrics.Counter(metrics.SnapshotsLoaded),
		ConcurrencyConflicts: s.metrics.Counter(metrics.ConcurrencyConflicts),
	}

	entries, err := s.backend.Scan(ctx, sequencePrefix)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to count aggregates")
		s.mu.Lock()
		stats.AggregateCount = int64(len(s.sequences))
		s.mu.Unlock()
		return stats
	}
	stats.AggregateCount = int64(len(entries))
	return stats
}

// retry runs fn with bounded exponential backoff. Conflicts, serialization
// problems and cancellation are not retried.
func (s *EventStore) retry(ctx context.Context, op, aggregateID string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = s.retryDelay << uint(s.retryCount)

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := fn()
		if err == nil {
			return struct{}{}, nil
		}
		if permanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		log.Warn().
			Err(err).
			Str("op", op).
			Str("aggregateID", aggregateID).
			Int("attempt", attempt).
			Int("maxAttempts", s.retryCount).
			Msg("Event store operation failed")
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(s.retryCount)))
	return err
}

func permanent(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, domain.ErrSerialization) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
