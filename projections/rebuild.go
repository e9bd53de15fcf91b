package projections

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"example.com/aethyr/world/domain"
	"example.com/aethyr/world/metrics"
)

// RebuildStatistics summarises a rebuild
type RebuildStatistics struct {
	Aggregates int           `json:"aggregates"`
	Events     int           `json:"events"`
	Failures   int           `json:"failures"`
	Duration   time.Duration `json:"duration"`
}

// Rebuilder replays the whole event log into the processor's projectors.
// Each aggregate is replayed under the processor's lock for it, so live
// events keep flowing during a rebuild.
type Rebuilder struct {
	processor *Processor
}

// NewRebuilder creates a rebuilder for the processor's projectors
func NewRebuilder(processor *Processor) *Rebuilder {
	return &Rebuilder{processor: processor}
}

// Rebuild resets every projector and replays each aggregate's stream from
// the start. Cancellation is checked between aggregates; an aggregate that
// fails is logged, counted and skipped.
func (r *Rebuilder) Rebuild(ctx context.Context) (RebuildStatistics, error) {
	start := time.Now()
	var stats RebuildStatistics
	if err := ctx.Err(); err != nil {
		return stats, err
	}

	for _, p := range r.processor.projectors {
		if err := p.Reset(ctx); err != nil {
			return stats, fmt.Errorf("failed to reset %s: %w", p.Name(), err)
		}
	}

	ids, err := r.processor.store.AggregateIDs(ctx)
	if err != nil {
		return stats, err
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			stats.Duration = time.Since(start)
			log.Warn().Int("aggregates", stats.Aggregates).Msg("Rebuild interrupted")
			return stats, err
		}

		events, err := r.replay(ctx, id)
		stats.Events += events
		if err != nil {
			stats.Failures++
			r.processor.metrics.IncrementCounter(metrics.ProjectionFailures)
			log.Error().Err(err).Str("aggregateID", id).Msg("Failed to rebuild aggregate")
			continue
		}
		stats.Aggregates++
	}

	stats.Duration = time.Since(start)
	r.processor.metrics.RecordTimer("projections.rebuild", stats.Duration)
	log.Info().
		Int("aggregates", stats.Aggregates).
		Int("events", stats.Events).
		Int("failures", stats.Failures).
		Dur("duration", stats.Duration).
		Msg("World state rebuilt")
	return stats, nil
}

func (r *Rebuilder) replay(ctx context.Context, aggregateID string) (int, error) {
	unlock, err := r.processor.locks.Lock(ctx, aggregateID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	events, err := r.processor.store.LoadEvents(ctx, aggregateID)
	if err != nil {
		return 0, err
	}
	for _, event := range events {
		if err := r.project(ctx, event); err != nil {
			return len(events), err
		}
	}
	return len(events), nil
}

func (r *Rebuilder) project(ctx context.Context, event domain.Event) error {
	for _, p := range r.processor.projectors {
		if !p.Handles(event.AggregateType, event.Type) {
			continue
		}
		if err := p.Project(ctx, event); err != nil {
			return err
		}
	}
	return nil
}
