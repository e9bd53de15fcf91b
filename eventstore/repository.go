package eventstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"example.com/aethyr/world/domain"
)

// DefaultSnapshotFrequency is the number of events between snapshots
const DefaultSnapshotFrequency = 100

// Repository loads aggregates from snapshots and events and commits their
// pending events.
type Repository struct {
	store             *EventStore
	snapshotFrequency int64
}

// NewRepository creates a repository. A frequency of zero or less disables
// snapshots.
func NewRepository(store *EventStore, snapshotFrequency int64) *Repository {
	return &Repository{store: store, snapshotFrequency: snapshotFrequency}
}

// Store returns the underlying event store
func (r *Repository) Store() *EventStore { return r.store }

// Load rebuilds an aggregate of whatever type it was created as.
// Unknown ids fail with AggregateNotFoundError.
func (r *Repository) Load(ctx context.Context, aggregateID string) (domain.Aggregate, error) {
	snapshot, err := r.store.LoadSnapshot(ctx, aggregateID)
	if errors.Is(err, domain.ErrSerialization) {
		log.Warn().Err(err).Str("aggregateID", aggregateID).Msg("Ignoring undecodable snapshot")
		snapshot, err = nil, nil
	}
	if err != nil {
		return nil, err
	}
	if snapshot != nil {
		agg, err := r.fromSnapshot(ctx, snapshot)
		if err == nil {
			return agg, nil
		}
		var perr *domain.PersistenceError
		if errors.As(err, &perr) {
			return nil, err
		}
		log.Warn().
			Err(err).
			Str("aggregateID", aggregateID).
			Int64("sequence", snapshot.Sequence).
			Msg("Discarding unusable snapshot")
	}

	events, err := r.store.LoadEvents(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, &domain.AggregateNotFoundError{AggregateID: aggregateID}
	}

	t, ok := domain.CreationType(events[0].Type)
	if !ok {
		t = events[0].AggregateType
	}
	agg, err := domain.Fold(t, aggregateID, events)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "replay", AggregateID: aggregateID, Err: err}
	}
	return agg, nil
}

func (r *Repository) fromSnapshot(ctx context.Context, snapshot *Snapshot) (domain.Aggregate, error) {
	current, err := r.store.CurrentSequence(ctx, snapshot.AggregateID)
	if err != nil {
		return nil, err
	}
	if snapshot.Sequence > current {
		return nil, fmt.Errorf("snapshot at sequence %d is ahead of the log at %d", snapshot.Sequence, current)
	}

	agg, err := domain.New(snapshot.AggregateType, snapshot.AggregateID)
	if err != nil {
		return nil, err
	}
	if err := agg.Restore(snapshot.State, snapshot.Sequence); err != nil {
		return nil, err
	}

	events, err := r.store.LoadEventsAfter(ctx, snapshot.AggregateID, snapshot.Sequence)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		if err := agg.Replay(e); err != nil {
			return nil, err
		}
	}
	return agg, nil
}

// LoadAs loads an aggregate and checks its type
func (r *Repository) LoadAs(ctx context.Context, t domain.AggregateType, aggregateID string) (domain.Aggregate, error) {
	agg, err := r.Load(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	if agg.GetType() != t {
		return nil, &domain.ValidationError{
			Field:  "aggregate_id",
			Reason: fmt.Sprintf("%s is a %s, not a %s", aggregateID, agg.GetType(), t),
		}
	}
	return agg, nil
}

// Exists reports whether an aggregate has any committed events
func (r *Repository) Exists(ctx context.Context, aggregateID string) (bool, error) {
	seq, err := r.store.CurrentSequence(ctx, aggregateID)
	if err != nil {
		return false, err
	}
	return seq > 0, nil
}

// Save commits the aggregate's pending events in one atomic write and
// returns them with their assigned sequence numbers. A snapshot is taken
// when the version crosses a multiple of the snapshot frequency.
func (r *Repository) Save(ctx context.Context, agg domain.Aggregate) ([]domain.Event, error) {
	pending := agg.GetEvents()
	if len(pending) == 0 {
		return nil, nil
	}

	committed, err := r.store.StoreEvents(ctx, pending)
	if err != nil {
		return nil, err
	}
	agg.ClearEvents()

	before := committed[0].Sequence - 1
	after := committed[len(committed)-1].Sequence
	if r.snapshotFrequency > 0 && after/r.snapshotFrequency > before/r.snapshotFrequency && agg.GetVersion() == after {
		r.snapshot(ctx, agg)
	}

	return committed, nil
}

// snapshot failures are logged; snapshots are never needed for correctness
func (r *Repository) snapshot(ctx context.Context, agg domain.Aggregate) {
	state, err := agg.Snapshot()
	if err != nil {
		log.Warn().Err(err).Str("aggregateID", agg.GetID()).Msg("Failed to serialize snapshot")
		return
	}

	err = r.store.StoreSnapshot(ctx, Snapshot{
		AggregateID:   agg.GetID(),
		AggregateType: agg.GetType(),
		Sequence:      agg.GetVersion(),
		State:         state,
	})
	if err != nil {
		log.Warn().Err(err).Str("aggregateID", agg.GetID()).Msg("Failed to store snapshot")
	}
}
