package projections

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/aethyr/world/domain"
	"example.com/aethyr/world/models"
)

// ErrSequenceGap is returned by a projector that received an event it cannot
// apply yet because earlier events of the same aggregate are missing.
var ErrSequenceGap = errors.New("projection sequence gap")

// Projector keeps one read model up to date from committed events.
// Project must be idempotent.
type Projector interface {
	Name() string
	Handles(aggregateType domain.AggregateType, eventType domain.EventType) bool
	Project(ctx context.Context, event domain.Event) error
	// Reset drops everything the projector built, before a rebuild
	Reset(ctx context.Context) error
}

// Positioned projectors can report the last sequence they applied per
// aggregate, which lets the processor fill gaps from the event store.
type Positioned interface {
	Position(ctx context.Context, aggregateID string) (int64, error)
}

type gapError struct {
	aggregateID string
	have, got   int64
}

func (e *gapError) Error() string {
	return fmt.Sprintf("aggregate %s: projected up to %d, received %d", e.aggregateID, e.have, e.got)
}

func (e *gapError) Unwrap() error { return ErrSequenceGap }

// errRowMoved means another writer changed the row between read and write
var errRowMoved = errors.New("read row changed concurrently")

// upsertAttempts bounds how often a write that lost to another writer is
// re-read and retried
const upsertAttempts = 3

// upsert folds one event into the row keyed by the event's aggregate id.
// Events at or below the stored sequence are skipped, events beyond the
// next one are reported as a gap. The write only lands if the row still
// holds the sequence that was read, so concurrent writers in other
// processes cannot move a row backwards.
func upsert[T any, PT interface {
	*T
	models.Projected
}](ctx context.Context, db *gorm.DB, event domain.Event, apply func(PT) error) error {
	var err error
	for attempt := 0; attempt < upsertAttempts; attempt++ {
		err = upsertOnce[T, PT](ctx, db, event, apply)
		if !errors.Is(err, errRowMoved) {
			return err
		}
	}
	return fmt.Errorf("aggregate %s sequence %d: %w", event.AggregateID, event.Sequence, err)
}

func upsertOnce[T any, PT interface {
	*T
	models.Projected
}](ctx context.Context, db *gorm.DB, event domain.Event, apply func(PT) error) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := PT(new(T))
		err := tx.Where("id = ?", event.AggregateID).Take(row).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		have := row.ProjectedSequence()
		if event.Sequence <= have {
			return nil
		}
		if event.Sequence != have+1 {
			return &gapError{aggregateID: event.AggregateID, have: have, got: event.Sequence}
		}

		if err := apply(row); err != nil {
			return err
		}
		row.MarkProjected(event.AggregateID, event.Sequence, event.Timestamp)
		return writeRow(tx, row, have)
	})
}

// writeRow stores row only if the stored row is still at sequence have;
// have == 0 means no row existed.
func writeRow(tx *gorm.DB, row models.Projected, have int64) error {
	var res *gorm.DB
	if have == 0 {
		res = tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	} else {
		res = tx.Model(row).
			Where("sequence = ?", have).
			Select("*").Omit("id", "created_at").
			UpdateColumns(row)
	}
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errRowMoved
	}
	return nil
}

func position(ctx context.Context, db *gorm.DB, model interface{}, aggregateID string) (int64, error) {
	var seq int64
	err := db.WithContext(ctx).Model(model).
		Where("id = ?", aggregateID).
		Select("sequence").
		Scan(&seq).Error
	return seq, err
}

func truncate(ctx context.Context, db *gorm.DB, model interface{}) error {
	return db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(model).Error
}

// objectColumns points at the columns every read model shares with GameObject
type objectColumns struct {
	name, generic, containerID *string
	attributes                 *[]byte
	deleted                    *bool
}

// applyObjectEvent handles the game object events shared by all aggregate
// kinds. It reports false for events it does not know.
func applyObjectEvent(cols objectColumns, payload domain.Payload) (bool, error) {
	switch e := payload.(type) {
	case domain.GameObjectCreatedEvent:
		*cols.name, *cols.generic, *cols.containerID = e.Name, e.Generic, e.ContainerID
		*cols.deleted = false
	case domain.AttributeUpdatedEvent:
		return true, mergeAttributes(cols.attributes, map[string]domain.Value{e.Key: e.Value})
	case domain.AttributesUpdatedEvent:
		return true, mergeAttributes(cols.attributes, e.Attributes)
	case domain.ContainerUpdatedEvent:
		*cols.containerID = e.ContainerID
	case domain.GameObjectDeletedEvent:
		*cols.deleted = true
	default:
		return false, nil
	}
	return true, nil
}

func mergeAttributes(column *[]byte, updates map[string]domain.Value) error {
	attrs, err := models.DecodeAttributes(*column)
	if err != nil {
		return fmt.Errorf("failed to decode stored attributes: %w", err)
	}
	for k, v := range updates {
		attrs[k] = v
	}
	encoded, err := models.EncodeAttributes(attrs)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}
	*column = encoded
	return nil
}

func objectEvent(t domain.EventType) bool {
	switch t {
	case domain.GameObjectCreated, domain.AttributeUpdated, domain.AttributesUpdated,
		domain.ContainerUpdated, domain.GameObjectDeleted:
		return true
	}
	return false
}
