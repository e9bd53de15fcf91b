package projections

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"example.com/aethyr/world/domain"
	"example.com/aethyr/world/eventstore"
	"example.com/aethyr/world/metrics"
	"example.com/aethyr/world/utils"
)

// Processor fans committed events out to the projectors. Events of one
// aggregate are projected one at a time; a projector that reports a gap is
// caught up from the event store.
type Processor struct {
	store      *eventstore.EventStore
	projectors []Projector
	metrics    *metrics.Metrics
	locks      *utils.KeyedMutex
}

// NewProcessor creates a new projection processor
func NewProcessor(store *eventstore.EventStore, m *metrics.Metrics, projectors ...Projector) *Processor {
	if m == nil {
		m = metrics.NewMetrics()
	}
	return &Processor{
		store:      store,
		projectors: projectors,
		metrics:    m,
		locks:      utils.NewKeyedMutex(),
	}
}

// Projectors returns the registered projectors in order
func (p *Processor) Projectors() []Projector { return p.projectors }

// Publish projects committed events. Failures are logged and counted but
// never returned, the events are already durable.
func (p *Processor) Publish(ctx context.Context, events []domain.Event) {
	for _, event := range events {
		if err := p.Project(ctx, event); err != nil {
			log.Error().
				Err(err).
				Str("aggregateID", event.AggregateID).
				Int64("sequence", event.Sequence).
				Str("eventType", string(event.Type)).
				Msg("Failed to project event")
		}
	}
}

// Project runs one event through every projector that handles it
func (p *Processor) Project(ctx context.Context, event domain.Event) error {
	unlock, err := p.locks.Lock(ctx, event.AggregateID)
	if err != nil {
		return err
	}
	defer unlock()

	var errs []error
	for _, projector := range p.projectors {
		if !projector.Handles(event.AggregateType, event.Type) {
			continue
		}
		err := projector.Project(ctx, event)
		if errors.Is(err, ErrSequenceGap) {
			log.Warn().Err(err).Str("projector", projector.Name()).Msg("Projection behind, catching up")
			err = p.catchUp(ctx, projector, event.AggregateID, nil)
		}
		if err != nil {
			p.metrics.IncrementCounter(metrics.ProjectionFailures)
			errs = append(errs, fmt.Errorf("%s: %w", projector.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// catchUp applies every stored event newer than the projector's position.
// events may carry the aggregate's full stream to avoid a reload.
func (p *Processor) catchUp(ctx context.Context, projector Projector, aggregateID string, events []domain.Event) error {
	positioned, ok := projector.(Positioned)
	if !ok {
		return nil
	}
	pos, err := positioned.Position(ctx, aggregateID)
	if err != nil {
		return err
	}
	if events == nil {
		events, err = p.store.LoadEventsAfter(ctx, aggregateID, pos)
		if err != nil {
			return err
		}
	}
	for _, event := range events {
		if event.Sequence <= pos || !projector.Handles(event.AggregateType, event.Type) {
			continue
		}
		if err := projector.Project(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Sweep brings every positioned projector up to date with the event store.
// It returns the number of aggregates it visited.
func (p *Processor) Sweep(ctx context.Context) (int, error) {
	ids, err := p.store.AggregateIDs(ctx)
	if err != nil {
		return 0, err
	}

	visited := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return visited, err
		}
		if err := p.sweepAggregate(ctx, id); err != nil {
			p.metrics.IncrementCounter(metrics.ProjectionFailures)
			log.Error().Err(err).Str("aggregateID", id).Msg("Projection sweep failed")
		}
		visited++
	}

	log.Debug().Int("aggregates", visited).Msg("Projection sweep finished")
	return visited, nil
}

func (p *Processor) sweepAggregate(ctx context.Context, aggregateID string) error {
	unlock, err := p.locks.Lock(ctx, aggregateID)
	if err != nil {
		return err
	}
	defer unlock()

	events, err := p.store.LoadEvents(ctx, aggregateID)
	if err != nil {
		return err
	}
	var errs []error
	for _, projector := range p.projectors {
		if err := p.catchUp(ctx, projector, aggregateID, events); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", projector.Name(), err))
		}
	}
	return errors.Join(errs...)
}
