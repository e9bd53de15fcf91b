package domain

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// AggregateType names a kind of aggregate
type AggregateType string

const (
	GameObjectType AggregateType = "game_object"
	PlayerType     AggregateType = "player"
	RoomType       AggregateType = "room"
)

// KnownAggregateType reports whether t is one of the registered aggregate kinds.
func KnownAggregateType(t AggregateType) bool {
	switch t {
	case GameObjectType, PlayerType, RoomType:
		return true
	}
	return false
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidID reports whether id can be used as an aggregate id. Ids end up in
// storage keys and file names, so separators are not allowed.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// NewID generates a fresh aggregate id
func NewID() string {
	return uuid.New().String()
}

// Aggregate is the interface for all aggregates
type Aggregate interface {
	GetID() string
	GetType() AggregateType
	GetVersion() int64
	GetEvents() []Event
	ClearEvents()
	Exists() bool
	Apply(payload Payload) error
	Replay(event Event) error
	Snapshot() ([]byte, error)
	Restore(state []byte, version int64) error
}

// AggregateBase provides common aggregate functionality
type AggregateBase struct {
	id            string
	aggregateType AggregateType
	version       int64
	events        []Event
	applier       func(payload Payload) error
}

// NewAggregateBase creates a new aggregate base
func NewAggregateBase(id string, aggregateType AggregateType, applier func(Payload) error) *AggregateBase {
	return &AggregateBase{
		id:            id,
		aggregateType: aggregateType,
		applier:       applier,
	}
}

func (a *AggregateBase) GetID() string            { return a.id }
func (a *AggregateBase) GetType() AggregateType   { return a.aggregateType }
func (a *AggregateBase) GetVersion() int64        { return a.version }
func (a *AggregateBase) GetEvents() []Event       { return a.events }
func (a *AggregateBase) ClearEvents()             { a.events = nil }
func (a *AggregateBase) setVersion(version int64) { a.version = version }

// Apply runs a new event through the applier and records it as pending.
// The sequence number is the one the aggregate expects the store to assign.
func (a *AggregateBase) Apply(payload Payload) error {
	if a.applier == nil {
		return fmt.Errorf("applier is not set")
	}
	if err := a.applier(payload); err != nil {
		return fmt.Errorf("failed to apply event: %w", err)
	}

	a.version++
	a.events = append(a.events, Event{
		ID:            uuid.New().String(),
		AggregateID:   a.id,
		AggregateType: a.aggregateType,
		Sequence:      a.version,
		Type:          payload.EventType(),
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	})
	return nil
}

// Replay folds an already committed event into state. Events must arrive in
// order with no gaps.
func (a *AggregateBase) Replay(event Event) error {
	if event.Sequence != a.version+1 {
		return fmt.Errorf("aggregate %s: expected sequence %d, got %d", a.id, a.version+1, event.Sequence)
	}
	if err := a.applier(event.Payload); err != nil {
		return fmt.Errorf("failed to replay event %d: %w", event.Sequence, err)
	}
	a.version = event.Sequence
	return nil
}

// New returns a blank aggregate of the given type.
func New(t AggregateType, id string) (Aggregate, error) {
	switch t {
	case GameObjectType:
		return NewGameObject(id), nil
	case PlayerType:
		return NewPlayer(id), nil
	case RoomType:
		return NewRoom(id), nil
	}
	return nil, fmt.Errorf("unknown aggregate type %q", t)
}

// Fold rebuilds an aggregate from its full event history.
func Fold(t AggregateType, id string, events []Event) (Aggregate, error) {
	agg, err := New(t, id)
	if err != nil {
		return nil, err
	}
	for _, event := range events {
		if err := agg.Replay(event); err != nil {
			return nil, err
		}
	}
	return agg, nil
}
