package domain

import (
	"time"
)

// EventType is the discriminator stored with every event.
type EventType string

const (
	// GameObject events
	GameObjectCreated EventType = "GameObjectCreated"
	AttributeUpdated  EventType = "AttributeUpdated"
	AttributesUpdated EventType = "AttributesUpdated"
	ContainerUpdated  EventType = "ContainerUpdated"
	GameObjectDeleted EventType = "GameObjectDeleted"

	// Player events
	PlayerCreated            EventType = "PlayerCreated"
	PlayerPasswordUpdated    EventType = "PlayerPasswordUpdated"
	PlayerAdminStatusUpdated EventType = "PlayerAdminStatusUpdated"

	// Room events
	RoomCreated            EventType = "RoomCreated"
	RoomDescriptionUpdated EventType = "RoomDescriptionUpdated"
	RoomExitAdded          EventType = "RoomExitAdded"
	RoomExitRemoved        EventType = "RoomExitRemoved"
)

// EventTypes lists the full catalog in a stable order.
var EventTypes = []EventType{
	GameObjectCreated, AttributeUpdated, AttributesUpdated, ContainerUpdated, GameObjectDeleted,
	PlayerCreated, PlayerPasswordUpdated, PlayerAdminStatusUpdated,
	RoomCreated, RoomDescriptionUpdated, RoomExitAdded, RoomExitRemoved,
}

// Payload is implemented by every event body in the catalog.
type Payload interface {
	EventType() EventType
}

// Event represents a committed or pending domain event
type Event struct {
	ID            string        `json:"id"`
	AggregateID   string        `json:"aggregate_id"`
	AggregateType AggregateType `json:"aggregate_type"`
	Sequence      int64         `json:"sequence_number"`
	Type          EventType     `json:"event_type"`
	Timestamp     time.Time     `json:"timestamp"`
	Payload       Payload       `json:"payload"`
}

// GameObject events

// GameObjectCreatedEvent represents a game object created event
type GameObjectCreatedEvent struct {
	Name        string `json:"name"`
	Generic     string `json:"generic"`
	ContainerID string `json:"container_id,omitempty"`
}

// AttributeUpdatedEvent sets a single attribute
type AttributeUpdatedEvent struct {
	Key   string `json:"key"`
	Value Value  `json:"value"`
}

// AttributesUpdatedEvent merges several attributes at once
type AttributesUpdatedEvent struct {
	Attributes map[string]Value `json:"attributes"`
}

// ContainerUpdatedEvent moves an object into another container
type ContainerUpdatedEvent struct {
	ContainerID string `json:"container_id"`
}

// GameObjectDeletedEvent tombstones an object
type GameObjectDeletedEvent struct{}

// Player events

// PlayerCreatedEvent represents a player created event
type PlayerCreatedEvent struct {
	Name         string `json:"name"`
	Generic      string `json:"generic"`
	ContainerID  string `json:"container_id,omitempty"`
	PasswordHash string `json:"password_hash"`
	Admin        bool   `json:"admin"`
}

type PlayerPasswordUpdatedEvent struct {
	PasswordHash string `json:"password_hash"`
}

type PlayerAdminStatusUpdatedEvent struct {
	Admin bool `json:"admin"`
}

// Room events

// RoomCreatedEvent represents a room created event
type RoomCreatedEvent struct {
	Name        string `json:"name"`
	Generic     string `json:"generic"`
	ContainerID string `json:"container_id,omitempty"`
	Description string `json:"description"`
}

type RoomDescriptionUpdatedEvent struct {
	Description string `json:"description"`
}

type RoomExitAddedEvent struct {
	Direction    string `json:"direction"`
	TargetRoomID string `json:"target_room_id"`
}

type RoomExitRemovedEvent struct {
	Direction string `json:"direction"`
}

func (GameObjectCreatedEvent) EventType() EventType        { return GameObjectCreated }
func (AttributeUpdatedEvent) EventType() EventType         { return AttributeUpdated }
func (AttributesUpdatedEvent) EventType() EventType        { return AttributesUpdated }
func (ContainerUpdatedEvent) EventType() EventType         { return ContainerUpdated }
func (GameObjectDeletedEvent) EventType() EventType        { return GameObjectDeleted }
func (PlayerCreatedEvent) EventType() EventType            { return PlayerCreated }
func (PlayerPasswordUpdatedEvent) EventType() EventType    { return PlayerPasswordUpdated }
func (PlayerAdminStatusUpdatedEvent) EventType() EventType { return PlayerAdminStatusUpdated }
func (RoomCreatedEvent) EventType() EventType              { return RoomCreated }
func (RoomDescriptionUpdatedEvent) EventType() EventType   { return RoomDescriptionUpdated }
func (RoomExitAddedEvent) EventType() EventType            { return RoomExitAdded }
func (RoomExitRemovedEvent) EventType() EventType          { return RoomExitRemoved }

// NewPayload returns an empty payload for the given event type, or false if
// the type is not part of the catalog.
func NewPayload(t EventType) (Payload, bool) {
	switch t {
	case GameObjectCreated:
		return &GameObjectCreatedEvent{}, true
	case AttributeUpdated:
		return &AttributeUpdatedEvent{}, true
	case AttributesUpdated:
		return &AttributesUpdatedEvent{}, true
	case ContainerUpdated:
		return &ContainerUpdatedEvent{}, true
	case GameObjectDeleted:
		return &GameObjectDeletedEvent{}, true
	case PlayerCreated:
		return &PlayerCreatedEvent{}, true
	case PlayerPasswordUpdated:
		return &PlayerPasswordUpdatedEvent{}, true
	case PlayerAdminStatusUpdated:
		return &PlayerAdminStatusUpdatedEvent{}, true
	case RoomCreated:
		return &RoomCreatedEvent{}, true
	case RoomDescriptionUpdated:
		return &RoomDescriptionUpdatedEvent{}, true
	case RoomExitAdded:
		return &RoomExitAddedEvent{}, true
	case RoomExitRemoved:
		return &RoomExitRemovedEvent{}, true
	}
	return nil, false
}

// Deref turns the pointer returned by NewPayload back into the value form
// that aggregates and projectors switch on.
func Deref(p Payload) Payload {
	switch e := p.(type) {
	case *GameObjectCreatedEvent:
		return *e
	case *AttributeUpdatedEvent:
		return *e
	case *AttributesUpdatedEvent:
		e.Attributes = nonNilMap(e.Attributes)
		return *e
	case *ContainerUpdatedEvent:
		return *e
	case *GameObjectDeletedEvent:
		return *e
	case *PlayerCreatedEvent:
		return *e
	case *PlayerPasswordUpdatedEvent:
		return *e
	case *PlayerAdminStatusUpdatedEvent:
		return *e
	case *RoomCreatedEvent:
		return *e
	case *RoomDescriptionUpdatedEvent:
		return *e
	case *RoomExitAddedEvent:
		return *e
	case *RoomExitRemovedEvent:
		return *e
	}
	return p
}

// Refs collects the aggregate ids referenced from a payload.
func Refs(p Payload) []string {
	switch e := p.(type) {
	case AttributeUpdatedEvent:
		return e.Value.Refs()
	case AttributesUpdatedEvent:
		return Map(e.Attributes).Refs()
	}
	return nil
}

// CreationType returns the aggregate type a creation event starts, and
// false for every other event.
func CreationType(t EventType) (AggregateType, bool) {
	switch t {
	case GameObjectCreated:
		return GameObjectType, true
	case PlayerCreated:
		return PlayerType, true
	case RoomCreated:
		return RoomType, true
	}
	return "", false
}
