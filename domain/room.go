package domain

import (
	"encoding/json"
	"fmt"
)

// RoomState extends the game object state with a description and exits
type RoomState struct {
	GameObjectState
	Description string            `json:"description"`
	Exits       map[string]string `json:"exits"`
}

// Room is the aggregate for a room. Exits map a direction to the target
// room id.
type Room struct {
	*GameObject
	Description string
	Exits       map[string]string
}

// NewRoom creates a blank, not yet created room
func NewRoom(id string) *Room {
	r := &Room{
		GameObject: &GameObject{State: GameObjectState{Attributes: map[string]Value{}}},
		Exits:      map[string]string{},
	}
	r.AggregateBase = NewAggregateBase(id, RoomType, r.applyEvent)
	return r
}

func (r *Room) Create(name, generic, containerID, description string) error {
	if r.State.Created {
		return &ValidationError{Field: "aggregate_id", Reason: fmt.Sprintf("%s already exists", r.GetID())}
	}
	return r.Apply(RoomCreatedEvent{
		Name:        name,
		Generic:     generic,
		ContainerID: containerID,
		Description: description,
	})
}

func (r *Room) UpdateDescription(description string) error {
	if err := r.ensureLive(); err != nil {
		return err
	}
	return r.Apply(RoomDescriptionUpdatedEvent{Description: description})
}

// AddExit links a direction to another room. Re-adding a direction
// replaces its target.
func (r *Room) AddExit(direction, targetRoomID string) error {
	if err := r.ensureLive(); err != nil {
		return err
	}
	if direction == "" {
		return &ValidationError{Field: "direction", Reason: "is required"}
	}
	if !ValidID(targetRoomID) {
		return &ValidationError{Field: "target_room_id", Reason: "is not a valid aggregate id"}
	}
	return r.Apply(RoomExitAddedEvent{Direction: direction, TargetRoomID: targetRoomID})
}

func (r *Room) RemoveExit(direction string) error {
	if err := r.ensureLive(); err != nil {
		return err
	}
	if _, ok := r.Exits[direction]; !ok {
		return &ValidationError{Field: "direction", Reason: fmt.Sprintf("no exit %q", direction)}
	}
	return r.Apply(RoomExitRemovedEvent{Direction: direction})
}

func (r *Room) applyEvent(payload Payload) error {
	switch e := payload.(type) {
	case RoomCreatedEvent:
		r.State.Name = e.Name
		r.State.Generic = e.Generic
		r.State.ContainerID = e.ContainerID
		r.State.Created = true
		r.Description = e.Description

	case RoomDescriptionUpdatedEvent:
		r.Description = e.Description

	case RoomExitAddedEvent:
		r.Exits[e.Direction] = e.TargetRoomID

	case RoomExitRemovedEvent:
		delete(r.Exits, e.Direction)

	default:
		return r.State.apply(payload)
	}
	return nil
}

func (r *Room) Snapshot() ([]byte, error) {
	return json.Marshal(RoomState{
		GameObjectState: r.State,
		Description:     r.Description,
		Exits:           r.Exits,
	})
}

func (r *Room) Restore(state []byte, version int64) error {
	var s RoomState
	if err := json.Unmarshal(state, &s); err != nil {
		return fmt.Errorf("failed to restore room snapshot: %w", err)
	}
	s.Attributes = nonNilMap(s.Attributes)
	if s.Exits == nil {
		s.Exits = map[string]string{}
	}
	r.State = s.GameObjectState
	r.Description = s.Description
	r.Exits = s.Exits
	r.setVersion(version)
	return nil
}
