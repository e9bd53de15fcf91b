package domain

import (
	"encoding/json"
	"fmt"
)

// GameObjectState represents the state shared by every object in the world
type GameObjectState struct {
	Name        string           `json:"name"`
	Generic     string           `json:"generic"`
	ContainerID string           `json:"container_id,omitempty"`
	Attributes  map[string]Value `json:"attributes"`
	Deleted     bool             `json:"deleted"`
	Created     bool             `json:"created"`
}

// GameObject is the aggregate for a plain world object
type GameObject struct {
	*AggregateBase
	State GameObjectState
}

// NewGameObject creates a blank, not yet created game object
func NewGameObject(id string) *GameObject {
	g := &GameObject{State: GameObjectState{Attributes: map[string]Value{}}}
	g.AggregateBase = NewAggregateBase(id, GameObjectType, g.applyEvent)
	return g
}

func (g *GameObject) Exists() bool { return g.State.Created }

// Create emits the creation event for a new object.
func (g *GameObject) Create(name, generic, containerID string) error {
	if g.State.Created {
		return &ValidationError{Field: "aggregate_id", Reason: fmt.Sprintf("%s already exists", g.GetID())}
	}
	return g.Apply(GameObjectCreatedEvent{Name: name, Generic: generic, ContainerID: containerID})
}

func (g *GameObject) UpdateAttribute(key string, value Value) error {
	if err := g.ensureLive(); err != nil {
		return err
	}
	return g.Apply(AttributeUpdatedEvent{Key: key, Value: value})
}

func (g *GameObject) UpdateAttributes(attrs map[string]Value) error {
	if err := g.ensureLive(); err != nil {
		return err
	}
	if len(attrs) == 0 {
		return &ValidationError{Field: "attributes", Reason: "must not be empty"}
	}
	return g.Apply(AttributesUpdatedEvent{Attributes: CloneAttributes(attrs)})
}

func (g *GameObject) UpdateContainer(containerID string) error {
	if err := g.ensureLive(); err != nil {
		return err
	}
	if containerID == g.GetID() {
		return &ValidationError{Field: "container_id", Reason: "an object cannot contain itself"}
	}
	return g.Apply(ContainerUpdatedEvent{ContainerID: containerID})
}

func (g *GameObject) Delete() error {
	if err := g.ensureLive(); err != nil {
		return err
	}
	return g.Apply(GameObjectDeletedEvent{})
}

func (g *GameObject) ensureLive() error {
	if !g.State.Created {
		return &AggregateNotFoundError{AggregateID: g.GetID()}
	}
	if g.State.Deleted {
		return &ValidationError{Field: "aggregate_id", Reason: fmt.Sprintf("%s is deleted", g.GetID())}
	}
	return nil
}

// applyEvent applies an event to the game object aggregate
func (g *GameObject) applyEvent(payload Payload) error {
	return g.State.apply(payload)
}

func (s *GameObjectState) apply(payload Payload) error {
	switch e := payload.(type) {
	case GameObjectCreatedEvent:
		s.Name = e.Name
		s.Generic = e.Generic
		s.ContainerID = e.ContainerID
		s.Created = true

	case AttributeUpdatedEvent:
		s.Attributes[e.Key] = e.Value

	case AttributesUpdatedEvent:
		for k, v := range e.Attributes {
			s.Attributes[k] = v
		}

	case ContainerUpdatedEvent:
		s.ContainerID = e.ContainerID

	case GameObjectDeletedEvent:
		s.Deleted = true

	default:
		return fmt.Errorf("game object cannot apply %T", payload)
	}
	return nil
}

func (g *GameObject) Snapshot() ([]byte, error) {
	return json.Marshal(g.State)
}

func (g *GameObject) Restore(state []byte, version int64) error {
	var s GameObjectState
	if err := json.Unmarshal(state, &s); err != nil {
		return fmt.Errorf("failed to restore game object snapshot: %w", err)
	}
	s.Attributes = nonNilMap(s.Attributes)
	g.State = s
	g.setVersion(version)
	return nil
}
