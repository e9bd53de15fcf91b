package domain

import (
	"encoding/json"
	"fmt"
)

// PlayerState extends the game object state with account data
type PlayerState struct {
	GameObjectState
	PasswordHash string `json:"password_hash"`
	Admin        bool   `json:"admin"`
}

// Player is the aggregate for a player character. It accepts every game
// object event as well as its own.
type Player struct {
	*GameObject
	PasswordHash string
	Admin        bool
}

// NewPlayer creates a blank, not yet created player
func NewPlayer(id string) *Player {
	p := &Player{GameObject: &GameObject{State: GameObjectState{Attributes: map[string]Value{}}}}
	p.AggregateBase = NewAggregateBase(id, PlayerType, p.applyEvent)
	return p
}

func (p *Player) Create(name, generic, containerID, passwordHash string, admin bool) error {
	if p.State.Created {
		return &ValidationError{Field: "aggregate_id", Reason: fmt.Sprintf("%s already exists", p.GetID())}
	}
	return p.Apply(PlayerCreatedEvent{
		Name:         name,
		Generic:      generic,
		ContainerID:  containerID,
		PasswordHash: passwordHash,
		Admin:        admin,
	})
}

func (p *Player) UpdatePassword(passwordHash string) error {
	if err := p.ensureLive(); err != nil {
		return err
	}
	return p.Apply(PlayerPasswordUpdatedEvent{PasswordHash: passwordHash})
}

func (p *Player) SetAdmin(admin bool) error {
	if err := p.ensureLive(); err != nil {
		return err
	}
	return p.Apply(PlayerAdminStatusUpdatedEvent{Admin: admin})
}

func (p *Player) applyEvent(payload Payload) error {
	switch e := payload.(type) {
	case PlayerCreatedEvent:
		p.State.Name = e.Name
		p.State.Generic = e.Generic
		p.State.ContainerID = e.ContainerID
		p.State.Created = true
		p.PasswordHash = e.PasswordHash
		p.Admin = e.Admin

	case PlayerPasswordUpdatedEvent:
		p.PasswordHash = e.PasswordHash

	case PlayerAdminStatusUpdatedEvent:
		p.Admin = e.Admin

	default:
		return p.State.apply(payload)
	}
	return nil
}

func (p *Player) Snapshot() ([]byte, error) {
	return json.Marshal(PlayerState{
		GameObjectState: p.State,
		PasswordHash:    p.PasswordHash,
		Admin:           p.Admin,
	})
}

func (p *Player) Restore(state []byte, version int64) error {
	var s PlayerState
	if err := json.Unmarshal(state, &s); err != nil {
		return fmt.Errorf("failed to restore player snapshot: %w", err)
	}
	s.Attributes = nonNilMap(s.Attributes)
	p.State = s.GameObjectState
	p.PasswordHash = s.PasswordHash
	p.Admin = s.Admin
	p.setVersion(version)
	return nil
}
