// Package service is the entry point collaborators use: submit commands,
// read projections and rebuild them. Nothing outside it touches the store.
package service

import (
	"context"
	"encoding/json"

	"gorm.io/gorm"

	"example.com/aethyr/world/domain"
	"example.com/aethyr/world/eventstore"
	"example.com/aethyr/world/handlers"
	"example.com/aethyr/world/metrics"
	"example.com/aethyr/world/projections"
)

// Options configures a World
type Options struct {
	SnapshotFrequency int64
	Dispatcher        handlers.DispatcherOptions
	Metrics           *metrics.Metrics
	// Extra projectors run after the read table projectors
	Extra []projections.Projector
}

// Statistics combines the store counters with the process metrics
type Statistics struct {
	Store   eventstore.Statistics  `json:"store"`
	Metrics map[string]interface{} `json:"metrics"`
}

// World wires the event store, command dispatch and projections together
type World struct {
	store      *eventstore.EventStore
	db         *gorm.DB
	dispatcher *handlers.Dispatcher
	processor  *projections.Processor
	rebuilder  *projections.Rebuilder
	metrics    *metrics.Metrics
}

// NewWorld creates a world over store with read tables in db. The store's
// metrics should be the same collector as opts.Metrics.
func NewWorld(store *eventstore.EventStore, db *gorm.DB, opts Options) *World {
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetrics()
	}
	if opts.SnapshotFrequency <= 0 {
		opts.SnapshotFrequency = eventstore.DefaultSnapshotFrequency
	}

	projectors := append([]projections.Projector{
		projections.NewGameObjectProjector(db),
		projections.NewPlayerProjector(db),
		projections.NewRoomProjector(db),
	}, opts.Extra...)
	processor := projections.NewProcessor(store, opts.Metrics, projectors...)

	dopts := opts.Dispatcher
	dopts.Publisher = processor
	dopts.Metrics = opts.Metrics
	repo := eventstore.NewRepository(store, opts.SnapshotFrequency)

	return &World{
		store:      store,
		db:         db,
		dispatcher: handlers.NewDispatcher(handlers.NewWorldHandler(repo), dopts),
		processor:  processor,
		rebuilder:  projections.NewRebuilder(processor),
		metrics:    opts.Metrics,
	}
}

// SubmitCommand validates and executes a command. Read tables are updated
// before it returns, but projection failures are not reported here.
func (w *World) SubmitCommand(ctx context.Context, cmd handlers.Command) error {
	_, err := w.dispatcher.Submit(ctx, cmd)
	return err
}

// SubmitEncoded decodes a command by name and submits it
func (w *World) SubmitEncoded(ctx context.Context, commandType string, data json.RawMessage) ([]domain.Event, error) {
	cmd, err := handlers.DecodeCommand(commandType, data)
	if err != nil {
		return nil, err
	}
	return w.dispatcher.Submit(ctx, cmd)
}

// QueryProjection returns read table rows matching filter
func (w *World) QueryProjection(ctx context.Context, table string, filter map[string]any) ([]map[string]any, error) {
	return projections.Query(ctx, w.db, table, filter)
}

// RebuildWorldState replays the event log into empty read tables
func (w *World) RebuildWorldState(ctx context.Context) (projections.RebuildStatistics, error) {
	return w.rebuilder.Rebuild(ctx)
}

// SweepProjections re-projects anything the read tables missed
func (w *World) SweepProjections(ctx context.Context) (int, error) {
	return w.processor.Sweep(ctx)
}

// Events returns an aggregate's committed stream
func (w *World) Events(ctx context.Context, aggregateID string) ([]domain.Event, error) {
	events, err := w.store.LoadEvents(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, &domain.AggregateNotFoundError{AggregateID: aggregateID}
	}
	return events, nil
}

// Statistics reports store counters and process metrics
func (w *World) Statistics(ctx context.Context) Statistics {
	return Statistics{
		Store:   w.store.Statistics(ctx),
		Metrics: w.metrics.GetAllMetrics(),
	}
}

// Metrics returns the shared metrics collector
func (w *World) Metrics() *metrics.Metrics { return w.metrics }
